package expire

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slacklite/relay/model"
	"github.com/slacklite/relay/route"
)

type fakeStore struct {
	mu       sync.Mutex
	pending  []*model.Message
	failWith error
	failures int
	calls    int
}

func (s *fakeStore) MarkExpired(ctx context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, s.failWith
	}
	return &model.Message{ID: id}, nil
}

func (s *fakeStore) PendingExpiries(ctx context.Context) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, nil
}

func (s *fakeStore) markCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newEventSink() (func(*route.Envelope), chan *route.Envelope) {
	ch := make(chan *route.Envelope, 16)
	return func(env *route.Envelope) { ch <- env }, ch
}

func waitEvent(t *testing.T, ch chan *route.Envelope, timeout time.Duration) *route.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, ch chan *route.Envelope, within time.Duration) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("unexpected event: %+v", env.Event)
	case <-time.After(within):
	}
}

func TestWarnThenExpire(t *testing.T) {
	publish, events := newEventSink()
	st := &fakeStore{}
	s := NewScheduler(st, publish, 0.5)
	defer s.Stop()

	now := time.Now().Unix()
	s.Track(&model.Message{
		ID:         "m1",
		ChannelID:  "general",
		TTLSeconds: 2,
		ExpireTime: now + 2,
	})

	warn := waitEvent(t, events, 3*time.Second)
	assert.Equal(t, model.EventExpiring, warn.Event.Type)
	assert.Equal(t, "m1", warn.Event.Expiry.MessageID)
	assert.Greater(t, warn.Event.Expiry.RemainingSeconds, int64(0))
	assert.Equal(t, "general", warn.ChannelID)

	expired := waitEvent(t, events, 3*time.Second)
	assert.Equal(t, model.EventExpired, expired.Event.Type)
	assert.Equal(t, "m1", expired.Event.Expiry.MessageID)

	s.mu.Lock()
	assert.Empty(t, s.entries)
	s.mu.Unlock()
}

func TestTrackIgnoresPersistent(t *testing.T) {
	publish, events := newEventSink()
	s := NewScheduler(&fakeStore{}, publish, 0.5)
	defer s.Stop()

	s.Track(&model.Message{ID: "m1"})

	s.mu.Lock()
	assert.Empty(t, s.entries)
	s.mu.Unlock()
	assertNoEvent(t, events, 50*time.Millisecond)
}

func TestTrackReplacesSchedule(t *testing.T) {
	publish, _ := newEventSink()
	s := NewScheduler(&fakeStore{}, publish, 0.5)
	defer s.Stop()

	far := time.Now().Unix() + 3600
	s.Track(&model.Message{ID: "m1", TTLSeconds: 3600, ExpireTime: far})
	s.Track(&model.Message{ID: "m1", TTLSeconds: 3600, ExpireTime: far + 60})

	s.mu.Lock()
	assert.Len(t, s.entries, 1)
	s.mu.Unlock()
}

func TestExpireRetriesTransient(t *testing.T) {
	publish, events := newEventSink()
	st := &fakeStore{
		failWith: model.NewError(model.CodeTransientIO, "db gone"),
		failures: 1,
	}
	s := NewScheduler(st, publish, 0.5)
	defer s.Stop()

	// Past deadline fires immediately; the first persistence attempt
	// fails and is retried.
	s.Track(&model.Message{ID: "m1", ExpireTime: time.Now().Unix() - 1})

	expired := waitEvent(t, events, 4*time.Second)
	assert.Equal(t, model.EventExpired, expired.Event.Type)
	assert.Equal(t, 2, st.markCalls())
}

func TestExpireGivesUpWhenGone(t *testing.T) {
	publish, events := newEventSink()
	st := &fakeStore{
		failWith: model.ErrNotFound,
		failures: 1 << 20, // never succeeds
	}
	s := NewScheduler(st, publish, 0.5)
	defer s.Stop()

	s.Track(&model.Message{ID: "m1", ExpireTime: time.Now().Unix() - 1})

	assertNoEvent(t, events, 300*time.Millisecond)
	assert.Equal(t, 1, st.markCalls())
}

func TestStopCancelsTimers(t *testing.T) {
	publish, events := newEventSink()
	st := &fakeStore{}
	s := NewScheduler(st, publish, 0.5)

	s.Track(&model.Message{ID: "m1", TTLSeconds: 1, ExpireTime: time.Now().Unix() + 1})
	s.Stop()

	assertNoEvent(t, events, 1300*time.Millisecond)
	assert.Zero(t, st.markCalls())

	// Track after Stop is a no-op.
	s.Track(&model.Message{ID: "m2", TTLSeconds: 1, ExpireTime: time.Now().Unix() + 1})
	s.mu.Lock()
	assert.Empty(t, s.entries)
	s.mu.Unlock()
}

func TestStartReloadsPending(t *testing.T) {
	publish, events := newEventSink()
	st := &fakeStore{
		pending: []*model.Message{
			{ID: "m1", ExpireTime: time.Now().Unix() - 10},
		},
	}
	s := NewScheduler(st, publish, 0.5)
	defer s.Stop()

	require.NoError(t, s.Start(context.Background()))

	expired := waitEvent(t, events, 2*time.Second)
	assert.Equal(t, model.EventExpired, expired.Event.Type)
	assert.Equal(t, "m1", expired.Event.Expiry.MessageID)
}
