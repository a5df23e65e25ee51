package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/metrics"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"github.com/jmehdipour/webhook-gateway/internal/signature"
	"github.com/jmehdipour/webhook-gateway/internal/util"
	"go.uber.org/zap"
)

var (
	ErrSubscriptionInactive = errors.New("subscription is inactive")
	ErrEventNotSubscribed   = errors.New("subscription does not want this event type")
	ErrBookkeeping          = errors.New("delivery bookkeeping failed")
	// ErrBreakerOpen means a retry was pushed back because its host's
	// breaker is open. The retry budget is untouched.
	ErrBreakerOpen = errors.New("target host breaker is open")
)

const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderID        = "X-Webhook-ID"
	HeaderEventID   = "X-Webhook-Event-ID"
	HeaderAttempt   = "X-Webhook-Attempt"
	HeaderSignature = signature.Header
)

// reservedHeaders can never be set through a subscription's custom headers.
var reservedHeaders = map[string]struct{}{
	"Content-Type":  {},
	"User-Agent":    {},
	HeaderEvent:     {},
	HeaderID:        {},
	HeaderEventID:   {},
	HeaderAttempt:   {},
	HeaderSignature: {},
}

// commitTimeout bounds the ledger write after an attempt. It runs detached
// from the caller's context since the HTTP side effect already happened.
const commitTimeout = 10 * time.Second

// MaxAttemptWindow is the longest an attempt of any valid subscription can
// take from send to commit.
const MaxAttemptWindow = time.Duration(model.MaxTimeoutSeconds)*time.Second + commitTimeout

// AttemptWindow is the longest one attempt for sub can take from send to
// commit.
func AttemptWindow(sub model.Subscription) time.Duration {
	return time.Duration(sub.TimeoutSeconds)*time.Second + commitTimeout
}

type Options struct {
	UserAgent            string
	MaxResponseBodyBytes int64
	Client               *http.Client
	Breakers             *BreakerSet
	Logger               *zap.Logger
	Now                  func() time.Time
	// OnCommitted runs after counters for a subscription moved, e.g. to
	// drop a cached copy.
	OnCommitted func(ctx context.Context, subscriptionID string)
}

type Executor struct {
	store       repository.DeliveryStore
	transport   *Transport
	breakers    *BreakerSet
	userAgent   string
	log         *zap.Logger
	now         func() time.Time
	onCommitted func(ctx context.Context, subscriptionID string)
}

func NewExecutor(store repository.DeliveryStore, opts Options) *Executor {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Executor{
		store:       store,
		transport:   NewTransport(opts.Client, opts.MaxResponseBodyBytes),
		breakers:    opts.Breakers,
		userAgent:   opts.UserAgent,
		log:         opts.Logger,
		now:         opts.Now,
		onCommitted: opts.OnCommitted,
	}
}

// EncodePayload serializes payload once. Pre-encoded JSON is compacted and
// otherwise sent as is, so retries resend identical bytes.
func EncodePayload(payload any) ([]byte, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		return json.Marshal(payload)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deliver dispatches one event to one subscription. Network and HTTP
// failures are reported on the returned record, never as an error. An error
// means the call was ineligible (nothing happened) or wraps ErrBookkeeping
// (the attempt happened but its record may be stale).
func (e *Executor) Deliver(ctx context.Context, sub model.Subscription, eventType string, payload any, eventID string) (*model.DeliveryRecord, error) {
	if !sub.Active {
		return nil, ErrSubscriptionInactive
	}
	if !sub.Matches(eventType) {
		return nil, ErrEventNotSubscribed
	}

	body, err := EncodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if eventID == "" {
		eventID = util.NewID()
	}

	now := e.now().UTC()
	rec := &model.DeliveryRecord{
		ID:             util.NewID(),
		SubscriptionID: sub.ID,
		EventType:      eventType,
		EventID:        eventID,
		Payload:        body,
		PayloadHash:    model.HashPayload(body),
		Status:         model.StatusPending,
		AttemptNumber:  1,
		StartedAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateDeliveryRecord(ctx, rec); err != nil {
		e.bookkeepingFailed(rec, err)
		return nil, fmt.Errorf("%w: create record: %w", ErrBookkeeping, err)
	}

	return rec, e.attempt(ctx, sub, rec, false)
}

// Redeliver re-runs a claimed retrying record. sub is nil when the
// subscription no longer exists. When the host's breaker is open the record
// is deferred and ErrBreakerOpen returned.
func (e *Executor) Redeliver(ctx context.Context, sub *model.Subscription, rec *model.DeliveryRecord) error {
	if sub == nil || !sub.Active {
		msg := "subscription was deleted"
		if sub != nil {
			msg = "subscription is inactive"
		}
		return e.terminate(rec, model.ErrorTypeWebhookInactive, msg)
	}

	var probe bool
	if e.breakers != nil {
		ok, p, at := e.breakers.Acquire(util.HostOf(sub.TargetURL))
		if !ok {
			if err := e.Defer(ctx, rec, at); err != nil {
				return fmt.Errorf("%w: %w", ErrBreakerOpen, err)
			}
			return ErrBreakerOpen
		}
		probe = p
	}

	rec.AttemptNumber++
	return e.attempt(ctx, *sub, rec, probe)
}

// Abandon terminates a record whose previous outcome was never recorded.
// The request may or may not have reached the receiver, so it is not resent.
func (e *Executor) Abandon(rec *model.DeliveryRecord) error {
	return e.terminate(rec, model.ErrorTypeUnknown, "delivery outcome was not recorded")
}

// Defer pushes a retrying record to at without consuming a retry.
func (e *Executor) Defer(ctx context.Context, rec *model.DeliveryRecord, at time.Time) error {
	at = at.UTC()
	rec.NextRetryAt = &at
	rec.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateDeliveryRecord(ctx, rec); err != nil {
		return fmt.Errorf("%w: defer: %w", ErrBookkeeping, err)
	}
	return nil
}

// attempt runs steps shared by first delivery and retries: send, classify,
// advance the state machine and commit record plus counters together.
// probe is set when the caller holds the host's half-open trial.
func (e *Executor) attempt(ctx context.Context, sub model.Subscription, rec *model.DeliveryRecord, probe bool) error {
	rec.StartedAt = e.now().UTC()
	rec.ClearResponse()

	out := e.transport.Send(ctx, e.buildRequest(sub, rec))
	if e.breakers != nil {
		e.breakers.Report(util.HostOf(sub.TargetURL), out, probe)
	}

	completed := rec.StartedAt.Add(out.Duration)
	if now := e.now().UTC(); now.After(completed) {
		completed = now
	}
	rec.CompletedAt = &completed
	rec.DurationMs = out.Duration.Milliseconds()
	if out.StatusCode != 0 {
		code := out.StatusCode
		rec.ResponseStatus = &code
		rec.ResponseBody = out.Body
		rec.ResponseHeaders = out.Headers
	}

	var err error
	if out.Kind == OutcomeSuccess {
		err = rec.Transition(model.StatusSuccess)
	} else {
		rec.SetError(out.ErrorType(), errorMessage(out))
		err = ConsiderRetry(rec, sub, e.now().UTC())
	}
	if err != nil {
		// only reachable when handed a record already in a final state
		return err
	}

	metrics.DeliveryAttempts.WithLabelValues(out.Kind.String()).Inc()
	metrics.DeliveryDuration.WithLabelValues(out.Kind.String()).Observe(out.Duration.Seconds())

	fields := []zap.Field{
		zap.String("subscription_id", rec.SubscriptionID),
		zap.String("delivery_id", rec.ID),
		zap.String("event_type", rec.EventType),
		zap.String("event_id", rec.EventID),
		zap.Int("attempt", rec.AttemptNumber),
		zap.String("outcome", out.Kind.String()),
		zap.Int("status_code", out.StatusCode),
		zap.Int64("duration_ms", rec.DurationMs),
	}
	if out.Kind == OutcomeSuccess {
		e.log.Debug("webhook delivered", fields...)
	} else {
		e.log.Warn("webhook attempt failed", append(fields, zap.String("status", rec.Status.String()), zap.Error(out.Err))...)
	}

	return e.commit(rec, model.DeltaFor(*rec, true, completed))
}

func (e *Executor) terminate(rec *model.DeliveryRecord, kind model.ErrorType, msg string) error {
	if err := rec.Transition(model.StatusFailed); err != nil {
		return err
	}
	now := e.now().UTC()
	rec.SetError(kind, msg)
	rec.CompletedAt = &now

	e.log.Warn("delivery terminated without attempt",
		zap.String("subscription_id", rec.SubscriptionID),
		zap.String("delivery_id", rec.ID),
		zap.String("outcome", kind.String()),
	)
	return e.commit(rec, model.DeltaFor(*rec, false, now))
}

func (e *Executor) commit(rec *model.DeliveryRecord, delta model.CounterDelta) error {
	rec.UpdatedAt = e.now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	if err := e.store.CommitAttempt(ctx, rec, delta); err != nil {
		e.bookkeepingFailed(rec, err)
		return fmt.Errorf("%w: %w", ErrBookkeeping, err)
	}
	if rec.Status.IsFinal() {
		metrics.DeliveriesTerminal.WithLabelValues(rec.Status.String()).Inc()
	}
	if e.onCommitted != nil {
		e.onCommitted(ctx, rec.SubscriptionID)
	}
	return nil
}

func (e *Executor) bookkeepingFailed(rec *model.DeliveryRecord, err error) {
	metrics.BookkeepingErrors.Inc()
	e.log.Error("delivery bookkeeping failed",
		zap.String("subscription_id", rec.SubscriptionID),
		zap.String("delivery_id", rec.ID),
		zap.String("event_id", rec.EventID),
		zap.String("status", rec.Status.String()),
		zap.Error(err),
	)
}

func (e *Executor) buildRequest(sub model.Subscription, rec *model.DeliveryRecord) Request {
	h := make(http.Header, len(sub.CustomHeaders)+8)
	for name, value := range sub.CustomHeaders {
		canon := http.CanonicalHeaderKey(name)
		if _, reserved := reservedHeaders[canon]; reserved {
			continue
		}
		h.Set(canon, value)
	}
	h.Set("Content-Type", sub.ContentType)
	h.Set("User-Agent", e.userAgent)
	h.Set(HeaderEvent, rec.EventType)
	h.Set(HeaderID, sub.ID)
	h.Set(HeaderEventID, rec.EventID)
	h.Set(HeaderAttempt, strconv.Itoa(rec.AttemptNumber))
	if sig := signature.Sign(sub.Secret, rec.Payload); sig != "" {
		h.Set(HeaderSignature, sig)
	}

	return Request{
		Method:  sub.HTTPMethod,
		URL:     sub.TargetURL,
		Header:  h,
		Body:    rec.Payload,
		Timeout: time.Duration(sub.TimeoutSeconds) * time.Second,
	}
}

func errorMessage(o Outcome) string {
	if o.Kind == OutcomeHTTPError {
		return fmt.Sprintf("HTTP %d", o.StatusCode)
	}
	if o.Err != nil {
		return o.Err.Error()
	}
	return o.Kind.String()
}
