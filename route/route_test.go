package route

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slacklite/relay/model"
	"github.com/slacklite/relay/roster"
)

// fakeConn records delivered events in arrival order.
type fakeConn struct {
	cid, uid string
	reject   bool

	mu     sync.Mutex
	events []*model.ServerEvent
}

func (c *fakeConn) CID() string { return c.cid }
func (c *fakeConn) UID() string { return c.uid }

func (c *fakeConn) Send(ev *model.ServerEvent) bool {
	if c.reject {
		return false
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return true
}

func (c *fakeConn) received() []*model.ServerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.ServerEvent(nil), c.events...)
}

type fakeRegistry struct {
	conns []*fakeConn
}

func (r *fakeRegistry) ConnectionsFor(uid string) []Conn {
	var out []Conn
	for _, c := range r.conns {
		if c.uid == uid {
			out = append(out, c)
		}
	}
	return out
}

func (r *fakeRegistry) Connections() []Conn {
	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func startRouter(t *testing.T, reg *fakeRegistry, r roster.IRoster) *Router {
	t.Helper()

	rt := NewRouter(r)
	ctx, cancel := context.WithCancel(context.Background())
	doneC := make(chan struct{}, 1)
	go rt.Run(ctx, reg, doneC)

	t.Cleanup(func() {
		cancel()
		<-doneC
	})
	return rt
}

// waitEvents polls until the connection saw n events or the deadline
// passed. Dispatch is asynchronous; there is nothing to join on.
func waitEvents(t *testing.T, c *fakeConn, n int) []*model.ServerEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := c.received(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	evs := c.received()
	require.Len(t, evs, n)
	return evs
}

func channelEvent(id, channel string) *Envelope {
	return ForMessage(&model.ServerEvent{
		Type:    model.EventNewMessage,
		Message: &model.Message{ID: id, ChannelID: channel, SenderID: "alice"},
	}, &model.Message{ID: id, ChannelID: channel, SenderID: "alice"})
}

func TestChannelFanOut(t *testing.T) {
	r := roster.NewMemoryRoster()
	ctx := context.Background()
	require.NoError(t, r.Join(ctx, "general", "alice"))
	require.NoError(t, r.Join(ctx, "general", "bob"))

	alice := &fakeConn{cid: "c1", uid: "alice"}
	aliceTab := &fakeConn{cid: "c2", uid: "alice"}
	bob := &fakeConn{cid: "c3", uid: "bob"}
	carol := &fakeConn{cid: "c4", uid: "carol"} // not a member

	rt := startRouter(t, &fakeRegistry{conns: []*fakeConn{alice, aliceTab, bob, carol}}, r)
	rt.Publish(channelEvent("m1", "general"))

	waitEvents(t, alice, 1)
	waitEvents(t, aliceTab, 1)
	waitEvents(t, bob, 1)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, carol.received())
}

func TestDMFanOut(t *testing.T) {
	alice := &fakeConn{cid: "c1", uid: "alice"}
	bob := &fakeConn{cid: "c2", uid: "bob"}
	carol := &fakeConn{cid: "c3", uid: "carol"}

	rt := startRouter(t, &fakeRegistry{conns: []*fakeConn{alice, bob, carol}}, roster.NewMemoryRoster())

	msg := &model.Message{ID: "m1", SenderID: "alice", RecipientID: "bob"}
	rt.Publish(ForMessage(&model.ServerEvent{Type: model.EventNewMessage, Message: msg}, msg))

	// Sender and recipient see it, third parties do not.
	waitEvents(t, alice, 1)
	waitEvents(t, bob, 1)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, carol.received())
}

func TestDMToSelfDeliversOnce(t *testing.T) {
	alice := &fakeConn{cid: "c1", uid: "alice"}
	rt := startRouter(t, &fakeRegistry{conns: []*fakeConn{alice}}, roster.NewMemoryRoster())

	msg := &model.Message{ID: "m1", SenderID: "alice", RecipientID: "alice"}
	rt.Publish(ForMessage(&model.ServerEvent{Type: model.EventNewMessage, Message: msg}, msg))

	waitEvents(t, alice, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, alice.received(), 1)
}

func TestBroadcast(t *testing.T) {
	alice := &fakeConn{cid: "c1", uid: "alice"}
	bob := &fakeConn{cid: "c2", uid: "bob"}

	rt := startRouter(t, &fakeRegistry{conns: []*fakeConn{alice, bob}}, roster.NewMemoryRoster())

	rt.Publish(&Envelope{
		Broadcast: true,
		Event: &model.ServerEvent{
			Type:   model.EventUserStatus,
			Status: &model.UserStatus{UserID: "carol", IsOnline: true},
		},
	})

	waitEvents(t, alice, 1)
	waitEvents(t, bob, 1)
}

func TestSlowConnIsolated(t *testing.T) {
	r := roster.NewMemoryRoster()
	ctx := context.Background()
	require.NoError(t, r.Join(ctx, "general", "alice"))
	require.NoError(t, r.Join(ctx, "general", "bob"))

	alice := &fakeConn{cid: "c1", uid: "alice", reject: true}
	bob := &fakeConn{cid: "c2", uid: "bob"}

	rt := startRouter(t, &fakeRegistry{conns: []*fakeConn{alice, bob}}, r)

	for i := 0; i < 3; i++ {
		rt.Publish(channelEvent(fmt.Sprintf("m%d", i), "general"))
	}

	// The rejecting connection never blocks deliveries to others.
	evs := waitEvents(t, bob, 3)
	assert.Len(t, evs, 3)
}

func TestPerConnectionOrdering(t *testing.T) {
	r := roster.NewMemoryRoster()
	require.NoError(t, r.Join(context.Background(), "general", "alice"))

	alice := &fakeConn{cid: "c1", uid: "alice"}
	rt := startRouter(t, &fakeRegistry{conns: []*fakeConn{alice}}, r)

	const n = 100
	for i := 0; i < n; i++ {
		rt.Publish(channelEvent(fmt.Sprintf("m%d", i), "general"))
	}

	evs := waitEvents(t, alice, n)
	for i, ev := range evs {
		assert.Equal(t, fmt.Sprintf("m%d", i), ev.Message.ID)
	}
}
