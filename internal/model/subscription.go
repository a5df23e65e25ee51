package model

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var ErrInvalidSubscription = errors.New("invalid subscription")

// WildcardPattern subscribes to every event type.
const WildcardPattern = "*"

const (
	DefaultHTTPMethod            = "POST"
	DefaultContentType           = "application/json"
	DefaultMaxRetries            = 3
	DefaultRetryBaseDelaySeconds = 60
	DefaultTimeoutSeconds        = 30

	// MaxTimeoutSeconds bounds a single attempt. Sweep leases and the stale
	// cutoff are sized from it.
	MaxTimeoutSeconds        = 300
	MaxRetryBaseDelaySeconds = 86400
)

var (
	eventTypePattern  = regexp.MustCompile(`^[a-zA-Z0-9_]+(\.[a-zA-Z0-9_]+)*$`)
	headerNamePattern = regexp.MustCompile("^[!#$%&'*+\\-.^_`|~0-9A-Za-z]+$")
)

// Subscription is a webhook target owned by an account, together with its
// delivery policy and aggregate statistics.
type Subscription struct {
	ID                    string     `db:"id"                       json:"id"`
	AccountID             int64      `db:"account_id"               json:"account_id"`
	Name                  string     `db:"name"                     json:"name"`
	TargetURL             string     `db:"target_url"               json:"target_url"`
	Secret                []byte     `db:"secret"                   json:"-"`
	EventPatterns         Patterns   `db:"event_patterns"           json:"event_patterns"`
	HTTPMethod            string     `db:"http_method"              json:"http_method"`
	ContentType           string     `db:"content_type"             json:"content_type"`
	CustomHeaders         Headers    `db:"custom_headers"           json:"custom_headers,omitempty"`
	Active                bool       `db:"active"                   json:"active"`
	MaxRetries            int        `db:"max_retries"              json:"max_retries"`
	RetryBaseDelaySeconds int        `db:"retry_base_delay_seconds" json:"retry_base_delay_seconds"`
	TimeoutSeconds        int        `db:"timeout_seconds"          json:"timeout_seconds"`
	TotalDeliveries       int64      `db:"total_deliveries"         json:"total_deliveries"`
	SuccessCount          int64      `db:"success_count"            json:"success_count"`
	FailureCount          int64      `db:"failure_count"            json:"failure_count"`
	TotalAttempts         int64      `db:"total_attempts"           json:"total_attempts"`
	FailedAttempts        int64      `db:"failed_attempts"          json:"failed_attempts"`
	LastDeliveryAt        *time.Time `db:"last_delivery_at"         json:"last_delivery_at,omitempty"`
	LastSuccessAt         *time.Time `db:"last_success_at"          json:"last_success_at,omitempty"`
	LastFailureAt         *time.Time `db:"last_failure_at"          json:"last_failure_at,omitempty"`
	CreatedAt             time.Time  `db:"created_at"               json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"               json:"updated_at"`
}

// Policy holds the process-wide defaults applied to unset subscription fields.
type Policy struct {
	MaxRetries            int
	RetryBaseDelaySeconds int
	TimeoutSeconds        int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:            DefaultMaxRetries,
		RetryBaseDelaySeconds: DefaultRetryBaseDelaySeconds,
		TimeoutSeconds:        DefaultTimeoutSeconds,
	}
}

// ApplyDefaults fills zero-valued policy fields. MaxRetries is only
// defaulted when negative so that an explicit zero disables retries.
func (s *Subscription) ApplyDefaults(p Policy) {
	s.HTTPMethod = strings.ToUpper(strings.TrimSpace(s.HTTPMethod))
	if s.HTTPMethod == "" {
		s.HTTPMethod = DefaultHTTPMethod
	}
	if strings.TrimSpace(s.ContentType) == "" {
		s.ContentType = DefaultContentType
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = p.MaxRetries
	}
	if s.RetryBaseDelaySeconds <= 0 {
		s.RetryBaseDelaySeconds = p.RetryBaseDelaySeconds
	}
	if s.TimeoutSeconds <= 0 {
		s.TimeoutSeconds = p.TimeoutSeconds
	}
}

func (s Subscription) Validate() error {
	if err := ValidateTargetURL(s.TargetURL); err != nil {
		return err
	}
	switch s.HTTPMethod {
	case "POST", "PUT", "PATCH":
	default:
		return invalid("http_method must be one of POST, PUT, PATCH (got %q)", s.HTTPMethod)
	}
	if len(s.EventPatterns) == 0 {
		return invalid("event_patterns must not be empty")
	}
	for _, p := range s.EventPatterns {
		if p == WildcardPattern {
			continue
		}
		if !eventTypePattern.MatchString(p) {
			return invalid("event pattern %q is not a dot-namespaced event type", p)
		}
	}
	for name := range s.CustomHeaders {
		if !headerNamePattern.MatchString(name) {
			return invalid("custom header name %q is not a valid token", name)
		}
	}
	if s.MaxRetries < 0 {
		return invalid("max_retries must be >= 0")
	}
	if s.RetryBaseDelaySeconds <= 0 || s.RetryBaseDelaySeconds > MaxRetryBaseDelaySeconds {
		return invalid("retry_base_delay_seconds must be in 1..%d", MaxRetryBaseDelaySeconds)
	}
	if s.TimeoutSeconds <= 0 || s.TimeoutSeconds > MaxTimeoutSeconds {
		return invalid("timeout_seconds must be in 1..%d", MaxTimeoutSeconds)
	}
	return nil
}

func ValidateTargetURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return invalid("target_url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("target_url must use http or https")
	}
	if u.Host == "" {
		return invalid("target_url must include a host")
	}
	return nil
}

// ValidEventType reports whether s is a concrete dot-namespaced event type.
func ValidEventType(s string) bool {
	return eventTypePattern.MatchString(s)
}

// Matches reports whether the subscription wants eventType: an exact pattern
// or the wildcard. Activity is not considered here.
func (s Subscription) Matches(eventType string) bool {
	return s.EventPatterns.Contains(eventType) || s.EventPatterns.Contains(WildcardPattern)
}

func (s Subscription) HasSecret() bool {
	return len(s.Secret) > 0
}

func (s Subscription) Clone() Subscription {
	c := s
	c.Secret = append([]byte(nil), s.Secret...)
	c.EventPatterns = append(Patterns(nil), s.EventPatterns...)
	c.CustomHeaders = s.CustomHeaders.Clone()
	c.LastDeliveryAt = clonePtr(s.LastDeliveryAt)
	c.LastSuccessAt = clonePtr(s.LastSuccessAt)
	c.LastFailureAt = clonePtr(s.LastFailureAt)
	return c
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSubscription, fmt.Sprintf(format, args...))
}
