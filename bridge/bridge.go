package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	kafka "github.com/segmentio/kafka-go"

	"github.com/slacklite/relay/model"
	"github.com/slacklite/relay/roster"
)

const (
	backoffMinInterval = 1 * time.Second
	backoffMaxInterval = 60 * time.Second
	backoffMultiplier  = 1.5

	// operations older than this are replays of a stale topic and are
	// skipped rather than re-broadcast.
	maxOpAge = 24 * time.Hour
)

var (
	appliedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_bridge_applied_total",
		Help: "Operations applied from the bridge topic.",
	})
	skippedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_bridge_skipped_total",
		Help: "Operations skipped: malformed, stale or rejected.",
	})
)

// Bridge pulls operations from kafka, applies them and commits
// offsets. Transient failures are retried with backoff and the offset
// is held back, so no accepted operation is lost; terminal rejections
// are logged and skipped.
type Bridge struct {
	applier     Applier
	roster      roster.IRoster
	kafkaReader IKafkaReader

	valueMaxBytes int
	wg            sync.WaitGroup
}

func NewBridge(applier Applier, r roster.IRoster, kafkaReader IKafkaReader, valueMaxBytes int) *Bridge {
	return &Bridge{
		applier:       applier,
		roster:        r,
		kafkaReader:   kafkaReader,
		valueMaxBytes: valueMaxBytes,
	}
}

// Run consumes until ctx is done. It may block at reading kafka.
func (b *Bridge) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	glog.Info("bridge: consume loop enter")

	go b.consumeLoop(ctx)

	<-ctx.Done()

	glog.Info("bridge: stopping")
	_ = b.kafkaReader.Close()
	b.wg.Wait()

	glog.Info("bridge: stopped")
	stopDoneNotifyC <- struct{}{}
}

func (b *Bridge) consumeLoop(ctx context.Context) {
	b.wg.Add(1)
	defer func() {
		glog.Info("bridge: consume loop exited")
		b.wg.Done()
	}()

	var sleep time.Duration

	for {
		glog.V(5).Info("bridge: fetching message ...")
		msg, err := b.kafkaReader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				glog.V(5).Info("bridge: fetch was cancelled")
				return
			}
			glog.Errorf("bridge: fetch from kafka err: %v", err)
			backoff(&sleep)
			select {
			case <-time.After(sleep):
				continue
			case <-ctx.Done():
				return
			}
		}
		sleep = 0

		if op := b.decodeOp(msg.Value, msg.Time); op != nil {
			if !b.apply(ctx, op) {
				return // cancelled
			}
		} else {
			skippedCount.Inc()
		}

		for {
			if err := b.kafkaReader.CommitMessages(ctx, msg); err == nil {
				sleep = 0
				break
			} else {
				// Uncommitted messages come back on the next fetch;
				// apply() absorbs such replays as duplicates.
				if errors.Is(err, context.Canceled) {
					glog.V(5).Info("bridge: commit was cancelled")
					return
				}
				glog.Errorf("bridge: commit to kafka err: %v", err)
				backoff(&sleep)
				select {
				case <-time.After(sleep):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// apply executes one operation, retrying transient failures. Returns
// false only when cancelled.
func (b *Bridge) apply(ctx context.Context, op *Op) bool {
	var sleep time.Duration
	for {
		err := b.applyOnce(ctx, op)
		if err == nil {
			appliedCount.Inc()
			return true
		}
		if errors.Is(err, context.Canceled) {
			return false
		}

		var e *model.Error
		if errors.As(err, &e) && e.Code != model.CodeTransientIO && e.Code != model.CodeInternal {
			// Terminal rejection: the operation can never succeed.
			glog.Errorf("bridge: op rejected, uid: %s, err: %v", op.UID, err)
			skippedCount.Inc()
			return true
		}

		backoff(&sleep)
		glog.Errorf("bridge: apply op err: %v, retry in %s", err, sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return false
		}
	}
}

func (b *Bridge) applyOnce(ctx context.Context, op *Op) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch {
	case op.Send != nil:
		if _, err := b.applier.Send(ctx, op.UID, op.Username, op.Send); err != nil {
			return err
		}
	case op.Edit != nil:
		if _, err := b.applier.Edit(ctx, op.UID, op.Edit); err != nil {
			return err
		}
	case op.React != nil:
		if _, err := b.applier.React(ctx, op.UID, op.React); err != nil {
			return err
		}
	case op.Join != nil:
		return b.roster.Join(ctx, op.Join.ChannelID, op.UID)
	case op.Leave != nil:
		return b.roster.Leave(ctx, op.Leave.ChannelID, op.UID)
	default:
		return model.NewError(model.CodeInvalidArgument, "empty operation")
	}
	return nil
}

func (b *Bridge) decodeOp(value []byte, t time.Time) *Op {
	if len(value) > b.valueMaxBytes {
		glog.Errorf("bridge: kafka value out of limit, %d bytes", len(value))
		return nil
	}

	var op Op
	if err := json.Unmarshal(value, &op); err != nil {
		glog.Errorf("bridge: failed to unmarshal kafka value: `%s`, error: %v", value, err)
		return nil
	}
	if op.UID == "" {
		glog.Errorf("bridge: operation without uid: `%s`", value)
		return nil
	}

	if !t.IsZero() && time.Since(t) > maxOpAge {
		glog.Errorf("bridge: ignore operation because too old, time: %s", t)
		return nil
	}

	return &op
}

// PublishOp writes one operation to the topic, for producers like the
// demo tool.
func PublishOp(ctx context.Context, w IKafkaWriter, op *Op, limit int) error {
	value, err := json.Marshal(op)
	if err != nil {
		return err
	}
	if len(value) > limit {
		return model.NewError(model.CodeInvalidArgument, "operation exceeds max size")
	}

	ctx2, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return w.WriteMessages(ctx2, kafka.Message{Value: value})
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
