package ws

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/slacklite/relay/model"
	"github.com/slacklite/relay/route"
)

var onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "relay_online_users",
	Help: "Users with at least one live connection.",
})

// PresenceTracker derives user_status events from the per-user live
// connection count. The tracker owns the count: registry callbacks for
// concurrent register/deregister may arrive in either order, and a
// count is correct under any interleaving, so the derived state can
// never drift from registry liveness. Only the 0<->1 transitions emit.
//
// Policy: presence is broadcast to all connected peers, matching the
// upstream chat backend.
type PresenceTracker struct {
	mu    sync.Mutex
	conns map[string]int

	publish func(*route.Envelope)
}

func NewPresenceTracker(publish func(*route.Envelope)) *PresenceTracker {
	return &PresenceTracker{
		conns:   make(map[string]int),
		publish: publish,
	}
}

// ConnAdded counts one more live connection for the user. The first
// connection emits a single online event.
func (t *PresenceTracker) ConnAdded(uid, username string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.conns[uid] + 1
	if n == 0 {
		delete(t.conns, uid)
	} else {
		t.conns[uid] = n
	}
	if n != 1 {
		return
	}
	onlineGauge.Inc()
	t.emit(uid, username, true)
}

// ConnRemoved counts one live connection down. Dropping to zero emits
// a single offline event.
func (t *PresenceTracker) ConnRemoved(uid, username string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.conns[uid] - 1
	if n == 0 {
		delete(t.conns, uid)
	} else {
		t.conns[uid] = n
	}
	if n != 0 {
		return
	}
	onlineGauge.Dec()
	t.emit(uid, username, false)
}

// emit publishes under t.mu, so the event stream for a user matches
// the order of its state transitions. publish enqueues and never waits
// on a connection.
func (t *PresenceTracker) emit(uid, username string, nowOnline bool) {
	glog.V(5).Infof("presence: %s online=%v", uid, nowOnline)
	t.publish(&route.Envelope{
		Broadcast: true,
		Event: &model.ServerEvent{
			Type: model.EventUserStatus,
			Status: &model.UserStatus{
				UserID:    uid,
				Username:  username,
				IsOnline:  nowOnline,
				Timestamp: time.Now().Unix(),
			},
		},
	})
}

// IsOnline reports the tracked state, for tests and diagnostics.
func (t *PresenceTracker) IsOnline(uid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[uid] > 0
}
