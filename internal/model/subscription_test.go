package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSubscription() Subscription {
	s := Subscription{
		TargetURL:     "https://hooks.example.com/in",
		EventPatterns: Patterns{"project.created"},
		Active:        true,
		MaxRetries:    -1,
	}
	s.ApplyDefaults(DefaultPolicy())
	return s
}

func TestApplyDefaults(t *testing.T) {
	s := validSubscription()
	assert.Equal(t, "POST", s.HTTPMethod)
	assert.Equal(t, "application/json", s.ContentType)
	assert.Equal(t, 3, s.MaxRetries)
	assert.Equal(t, 60, s.RetryBaseDelaySeconds)
	assert.Equal(t, 30, s.TimeoutSeconds)

	zero := Subscription{MaxRetries: 0, HTTPMethod: "patch"}
	zero.ApplyDefaults(DefaultPolicy())
	assert.Equal(t, 0, zero.MaxRetries, "explicit zero disables retries")
	assert.Equal(t, "PATCH", zero.HTTPMethod)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validSubscription().Validate())

	tests := map[string]func(*Subscription){
		"ftp url":          func(s *Subscription) { s.TargetURL = "ftp://example.com" },
		"no host":          func(s *Subscription) { s.TargetURL = "https:///path" },
		"garbage url":      func(s *Subscription) { s.TargetURL = "://nope" },
		"get method":       func(s *Subscription) { s.HTTPMethod = "GET" },
		"no patterns":      func(s *Subscription) { s.EventPatterns = nil },
		"bad pattern":      func(s *Subscription) { s.EventPatterns = Patterns{"project created"} },
		"bad header":       func(s *Subscription) { s.CustomHeaders = Headers{"X Bad": "1"} },
		"negative retries": func(s *Subscription) { s.MaxRetries = -1 },
		"zero delay":       func(s *Subscription) { s.RetryBaseDelaySeconds = 0 },
		"zero timeout":     func(s *Subscription) { s.TimeoutSeconds = 0 },
		"huge timeout":     func(s *Subscription) { s.TimeoutSeconds = MaxTimeoutSeconds + 1 },
		"huge delay":       func(s *Subscription) { s.RetryBaseDelaySeconds = MaxRetryBaseDelaySeconds + 1 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			s := validSubscription()
			mutate(&s)
			assert.ErrorIs(t, s.Validate(), ErrInvalidSubscription)
		})
	}
}

func TestMatches(t *testing.T) {
	exact := Subscription{EventPatterns: Patterns{"invoice.paid", "task.created"}}
	assert.True(t, exact.Matches("invoice.paid"))
	assert.True(t, exact.Matches("task.created"))
	assert.False(t, exact.Matches("invoice.sent"))
	assert.False(t, exact.Matches("invoice"))
	assert.False(t, exact.Matches(""))

	wildcard := Subscription{EventPatterns: Patterns{"*"}}
	assert.True(t, wildcard.Matches("invoice.paid"))
	assert.True(t, wildcard.Matches("anything.at_all"))

	none := Subscription{}
	assert.False(t, none.Matches("invoice.paid"))
}

func TestCloneIsDeep(t *testing.T) {
	s := validSubscription()
	s.Secret = []byte("k")
	s.CustomHeaders = Headers{"X-A": "1"}

	c := s.Clone()
	c.Secret[0] = 'z'
	c.CustomHeaders["X-A"] = "2"
	c.EventPatterns[0] = "other.event"

	assert.Equal(t, []byte("k"), s.Secret)
	assert.Equal(t, "1", s.CustomHeaders["X-A"])
	assert.Equal(t, "project.created", s.EventPatterns[0])
}

func TestJSONColumnsRoundTripThroughScan(t *testing.T) {
	var h Headers
	require.NoError(t, h.Scan([]byte(`{"X-A":"1"}`)))
	assert.Equal(t, "1", h["X-A"])
	require.NoError(t, h.Scan(nil))
	assert.Nil(t, h)

	var p Patterns
	require.NoError(t, p.Scan(`["*","a.b"]`))
	assert.True(t, p.Contains("a.b"))
	assert.Error(t, p.Scan(42))
}
