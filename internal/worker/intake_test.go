package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/kafka"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// sliceSource hands out queued messages, then blocks until ctx is done.
type sliceSource struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
}

func (s *sliceSource) Fetch(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	if len(s.queue) > 0 {
		m := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *sliceSource) Commit(_ context.Context, m kafka.Message) error {
	s.mu.Lock()
	s.committed = append(s.committed, m.Offset)
	s.mu.Unlock()
	return nil
}

func (s *sliceSource) commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committed)
}

func eventMessage(t *testing.T, offset int64, ev model.Event) kafka.Message {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Key: []byte(ev.ID), Value: b}
}

func TestFanoutDeliversToMatchingAndDedups(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, http.StatusOK, false)
	h.subscribe(t, "wild")
	h.subscribe(t, "exact", func(s *model.Subscription) { s.EventPatterns = model.Patterns{"invoice.paid"} })
	h.subscribe(t, "other", func(s *model.Subscription) { s.EventPatterns = model.Patterns{"invoice.sent"} })
	h.subscribe(t, "off", func(s *model.Subscription) { s.Active = false })
	h.subscribe(t, "foreign", func(s *model.Subscription) { s.AccountID = 2 })

	in := NewIntake(nil, h.reg, h.store, h.exec, zaptest.NewLogger(t))
	ev := model.Event{ID: "evt-1", AccountID: 1, Type: "invoice.paid", Data: json.RawMessage(`{"invoice":7}`)}

	assert.Equal(t, 2, in.Fanout(ctx, ev))
	assert.EqualValues(t, 2, h.hits.Load())

	rec, err := h.store.FindByEventID(ctx, "exact", "evt-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, `{"invoice":7}`, string(rec.Payload))

	assert.Zero(t, in.Fanout(ctx, ev), "redelivered event is skipped")
	assert.EqualValues(t, 2, h.hits.Load())
}

func TestIntakeRunCommitsEveryMessage(t *testing.T) {
	h := newHarness(t, http.StatusOK, false)
	h.subscribe(t, "wild")

	src := &sliceSource{queue: []kafka.Message{
		eventMessage(t, 1, model.Event{ID: "a", AccountID: 1, Type: "task.created", CreatedAt: t0}),
		{Offset: 2, Value: []byte("not json")},
		eventMessage(t, 3, model.Event{ID: "", AccountID: 1, Type: "task.created"}),
		eventMessage(t, 4, model.Event{ID: "b", AccountID: 1, Type: "task.completed", Data: json.RawMessage(`[1]`)}),
	}}
	in := NewIntake(src, h.reg, h.store, h.exec, zaptest.NewLogger(t))
	in.Workers = 2

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	require.Eventually(t, func() bool { return src.commits() == 4 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.EqualValues(t, 2, h.hits.Load())
	rec, err := h.store.FindByEventID(context.Background(), "wild", "b")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "task.completed", rec.EventType)
}
