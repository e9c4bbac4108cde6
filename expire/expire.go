// Package expire drives the TTL lifecycle of ephemeral messages:
// Active -> Warning -> Expired. Warnings announce the remaining time,
// expiry removes the message from the live view. The durable row is
// kept for audit.
package expire

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/slacklite/relay/model"
	"github.com/slacklite/relay/route"
)

const (
	backoffMinInterval = time.Second
	backoffMaxInterval = time.Minute
	backoffMultiplier  = 1.5
)

var (
	expiredCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_expired_total",
		Help: "Messages transitioned to expired.",
	})
	expireRetryCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_expire_retries_total",
		Help: "Retries of the expired-state persistence.",
	})
)

// Store is the slice of the message store the scheduler needs.
type Store interface {
	MarkExpired(ctx context.Context, id string) (*model.Message, error)
	PendingExpiries(ctx context.Context) ([]*model.Message, error)
}

// Scheduler owns one pair of timers per tracked message. Timers belong
// to messages, never to connections: deregistering a connection leaves
// them untouched, and they fire even when nobody is online to hear the
// event (the stored state still changes).
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry

	store   Store
	publish func(*route.Envelope)

	// warnFraction is the fraction of the TTL left when the warning
	// fires, e.g. 0.4 warns an ephemeral 5s message at t=3s.
	warnFraction float64

	closed bool
}

type entry struct {
	warnTimer   *time.Timer
	expireTimer *time.Timer
}

func NewScheduler(store Store, publish func(*route.Envelope), warnFraction float64) *Scheduler {
	return &Scheduler{
		entries:      make(map[string]*entry),
		store:        store,
		publish:      publish,
		warnFraction: warnFraction,
	}
}

// Start reloads deadlines of live ephemeral messages, so schedules
// survive a restart. Deadlines already in the past fire immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	pending, err := s.store.PendingExpiries(ctx)
	if err != nil {
		return err
	}
	for _, m := range pending {
		s.Track(m)
	}
	glog.Infof("expire: tracking %d pending messages", len(pending))
	return nil
}

// Track schedules (or reschedules, for TTL resets) the warning and
// expiry of one message. Messages without a deadline are ignored.
func (s *Scheduler) Track(m *model.Message) {
	if m.ExpireTime <= 0 {
		return
	}

	deadline := time.Unix(m.ExpireTime, 0)
	lead := time.Duration(float64(m.TTLSeconds)*s.warnFraction) * time.Second
	msg := m.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if old, ok := s.entries[m.ID]; ok {
		old.stop()
	}
	s.entries[m.ID] = &entry{
		warnTimer: time.AfterFunc(time.Until(deadline.Add(-lead)), func() {
			s.warn(msg, deadline)
		}),
		expireTimer: time.AfterFunc(time.Until(deadline), func() {
			s.expire(msg)
		}),
	}
}

// Stop cancels every pending timer. In-flight transitions finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, e := range s.entries {
		e.stop()
		delete(s.entries, id)
	}
}

func (e *entry) stop() {
	e.warnTimer.Stop()
	e.expireTimer.Stop()
}

func (s *Scheduler) warn(m *model.Message, deadline time.Time) {
	remaining := int64(time.Until(deadline).Round(time.Second) / time.Second)
	if remaining <= 0 {
		// Raced with the expiry timer, let it speak.
		return
	}

	glog.V(5).Infof("expire: message %s expiring in %ds", m.ID, remaining)
	s.publish(route.ForMessage(&model.ServerEvent{
		Type:   model.EventExpiring,
		Expiry: &model.ExpiryNotice{MessageID: m.ID, RemainingSeconds: remaining},
	}, m))
}

// expire persists the Expired transition, retrying transient store
// failures with backoff: a message left Active would re-arm its timer
// on the next start. Event delivery stays best effort.
func (s *Scheduler) expire(m *model.Message) {
	var sleep time.Duration
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_, err := s.store.MarkExpired(ctx, m.ID)
		cancel()

		if err == nil {
			break
		}
		if errors.Is(err, model.ErrNotFound) {
			glog.V(5).Infof("expire: message %s already gone", m.ID)
			s.untrack(m.ID)
			return
		}

		expireRetryCount.Inc()
		backoff(&sleep)
		glog.Errorf("expire: mark expired %s err: %v, retry in %s", m.ID, err, sleep)
		time.Sleep(sleep)
	}

	expiredCount.Inc()
	s.untrack(m.ID)
	s.publish(route.ForMessage(&model.ServerEvent{
		Type:   model.EventExpired,
		Expiry: &model.ExpiryNotice{MessageID: m.ID},
	}, m))
}

func (s *Scheduler) untrack(id string) {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		e.stop()
		delete(s.entries, id)
	}
	s.mu.Unlock()
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = backoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * backoffMultiplier)
		if *d > backoffMaxInterval {
			*d = backoffMaxInterval
		}
	}
}
