// Package route is the fan-out engine: it resolves each accepted
// event to the set of live connections entitled to see it and hands
// one delivery unit to every connection's own send queue.
package route

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/slacklite/relay/model"
	"github.com/slacklite/relay/roster"
)

var (
	deliveredCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_router_delivered_total",
		Help: "Events enqueued to connection send queues.",
	})
	droppedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_router_dropped_total",
		Help: "Deliveries dropped because the connection was closed or slow.",
	})
	resolveErrorCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_router_resolve_errors_total",
		Help: "Recipient resolution failures.",
	})
)

// Conn is one live client connection. Send must not block: it enqueues
// the event on the connection's outbound queue and reports false when
// the connection is closed or its queue is full. A false return only
// affects that connection; the broadcast goes on.
type Conn interface {
	CID() string
	UID() string
	Send(ev *model.ServerEvent) bool
}

// IRegistry is the live connection lookup the router fans out through.
type IRegistry interface {
	ConnectionsFor(uid string) []Conn
	Connections() []Conn
}

// Envelope pairs a server event with its routing target. Exactly one
// of ChannelID / RecipientID / Broadcast describes the audience; DMs
// are delivered to both the recipient and the sender so every device
// of the sender sees its own message.
type Envelope struct {
	Event       *model.ServerEvent
	ChannelID   string
	SenderID    string
	RecipientID string
	Broadcast   bool
}

// ForMessage builds the envelope for events about msg.
func ForMessage(ev *model.ServerEvent, msg *model.Message) *Envelope {
	return &Envelope{
		Event:       ev,
		ChannelID:   msg.ChannelID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
	}
}

// Router consumes envelopes in acceptance order on a single dispatch
// goroutine. Because dispatch is single threaded and every connection
// queue is FIFO, two events for the same target reach each connection
// in the order they were published.
type Router struct {
	registry IRegistry
	roster   roster.IRoster

	in             chan *Envelope
	resolveTimeout time.Duration
}

func NewRouter(r roster.IRoster) *Router {
	return &Router{
		roster:         r,
		in:             make(chan *Envelope, 1024),
		resolveTimeout: 3 * time.Second,
	}
}

// Publish accepts an envelope for delivery. The publish order defines
// the delivery order per connection.
func (rt *Router) Publish(env *Envelope) {
	rt.in <- env
}

// Run dispatches against the given registry until ctx is done. The
// registry arrives here rather than in the constructor because the
// registry's presence side feeds back into Publish.
func (rt *Router) Run(ctx context.Context, registry IRegistry, stopDoneNotifyC chan<- struct{}) {
	rt.registry = registry
	glog.Info("router: dispatch loop enter")
	defer func() {
		glog.Info("router: dispatch loop exit")
		stopDoneNotifyC <- struct{}{}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-rt.in:
			rt.dispatch(env)
		}
	}
}

func (rt *Router) dispatch(env *Envelope) {
	conns := rt.resolve(env)
	if glog.V(5) {
		glog.Infof("router: event %s -> %d connections", env.Event.Type, len(conns))
	}
	for _, c := range conns {
		if c.Send(env.Event) {
			deliveredCount.Inc()
		} else {
			droppedCount.Inc()
			glog.V(5).Infof("router: dropped event %s for connection %s", env.Event.Type, c.CID())
		}
	}
}

// resolve computes the recipient connections from the current registry
// and membership state. Resolution failures lose this delivery only;
// stored state is already committed by the caller.
func (rt *Router) resolve(env *Envelope) []Conn {
	switch {
	case env.Broadcast:
		return rt.registry.Connections()
	case env.ChannelID != "":
		ctx, cancel := context.WithTimeout(context.Background(), rt.resolveTimeout)
		defer cancel()

		members, err := rt.roster.MembersOf(ctx, env.ChannelID)
		if err != nil {
			resolveErrorCount.Inc()
			glog.Errorf("router: resolve channel %s err: %v", env.ChannelID, err)
			return nil
		}
		var out []Conn
		for _, uid := range members {
			out = append(out, rt.registry.ConnectionsFor(uid)...)
		}
		return out
	default:
		out := rt.registry.ConnectionsFor(env.SenderID)
		if env.RecipientID != env.SenderID {
			out = append(out, rt.registry.ConnectionsFor(env.RecipientID)...)
		}
		return out
	}
}
