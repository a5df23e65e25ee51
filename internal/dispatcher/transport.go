package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
)

const (
	DefaultUserAgent            = "TimeTracker-Webhook/1.0"
	DefaultMaxResponseBodyBytes = 10000
)

// OutcomeKind tags the result of one HTTP attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeHTTPError
	OutcomeTimeout
	OutcomeConnectionError
	OutcomeUnknown
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeHTTPError:
		return string(model.ErrorTypeHTTP)
	case OutcomeTimeout:
		return string(model.ErrorTypeTimeout)
	case OutcomeConnectionError:
		return string(model.ErrorTypeConnection)
	default:
		return string(model.ErrorTypeUnknown)
	}
}

// Outcome is what the transport observed. StatusCode, Body and Headers are
// only set once a response arrived.
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int
	Body       string
	Headers    model.Headers
	Err        error
	Duration   time.Duration
}

func (o Outcome) ErrorType() model.ErrorType {
	switch o.Kind {
	case OutcomeSuccess:
		return model.ErrorTypeNone
	case OutcomeHTTPError:
		return model.ErrorTypeHTTP
	case OutcomeTimeout:
		return model.ErrorTypeTimeout
	case OutcomeConnectionError:
		return model.ErrorTypeConnection
	default:
		return model.ErrorTypeUnknown
	}
}

// HostHealthy is true when the host answered with anything below 500.
func (o Outcome) HostHealthy() bool {
	return o.Kind == OutcomeSuccess || (o.Kind == OutcomeHTTPError && o.StatusCode < 500)
}

func (o Outcome) HostUnhealthy() bool {
	switch o.Kind {
	case OutcomeHTTPError:
		return o.StatusCode >= 500
	case OutcomeTimeout, OutcomeConnectionError:
		return true
	default:
		return false
	}
}

// Request is one fully built outbound call.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

type Transport struct {
	client  *http.Client
	maxBody int64
}

// NewTransport wraps client; a nil client gets a fresh one with no global
// timeout since every Request carries its own deadline.
func NewTransport(client *http.Client, maxBody int64) *Transport {
	if client == nil {
		client = &http.Client{}
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxResponseBodyBytes
	}
	return &Transport{client: client, maxBody: maxBody}
}

// Send performs the call and classifies the result. It never returns an
// error; failures are described by the Outcome.
func (t *Transport) Send(ctx context.Context, r Request) Outcome {
	start := time.Now()
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return Outcome{Kind: OutcomeUnknown, Err: err, Duration: time.Since(start)}
	}
	req.Header = r.Header.Clone()

	res, err := t.client.Do(req)
	if err != nil {
		return Outcome{Kind: classify(ctx, err), Err: err, Duration: time.Since(start)}
	}
	defer res.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(res.Body, t.maxBody))
	// drain a little more so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))

	o := Outcome{
		StatusCode: res.StatusCode,
		Body:       string(body),
		Headers:    flattenHeaders(res.Header),
		Duration:   time.Since(start),
	}
	if readErr != nil && isTimeout(ctx, readErr) {
		o.Kind, o.Err = OutcomeTimeout, readErr
		return o
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		o.Kind = OutcomeSuccess
		return o
	}
	o.Kind = OutcomeHTTPError
	o.Err = errors.New(http.StatusText(res.StatusCode))
	return o
}

// classify maps a client.Do error onto the taxonomy. Caller cancellation is
// not a timeout and not the remote's fault, so it lands in unknown.
func classify(ctx context.Context, err error) OutcomeKind {
	if errors.Is(ctx.Err(), context.Canceled) {
		return OutcomeUnknown
	}
	if isTimeout(ctx, err) {
		return OutcomeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeUnknown
	}
	var (
		opErr  *net.OpError
		dnsErr *net.DNSError
	)
	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr):
		return OutcomeConnectionError
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return OutcomeConnectionError
	case strings.Contains(err.Error(), "tls:"), strings.Contains(err.Error(), "x509:"):
		return OutcomeConnectionError
	default:
		return OutcomeUnknown
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func flattenHeaders(h http.Header) model.Headers {
	if len(h) == 0 {
		return nil
	}
	out := make(model.Headers, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
