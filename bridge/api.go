// Package bridge consumes externally originated chat operations from
// kafka and applies them through the chat API. The REST gateway
// publishes every accepted send/edit/react/join/leave to the topic;
// the relay is the single consumer that persists and fans out.
package bridge

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/slacklite/relay/model"
)

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Applier is the slice of the chat API the bridge drives.
type Applier interface {
	Send(ctx context.Context, uid, username string, req *model.SendReq) (*model.Message, *model.Error)
	Edit(ctx context.Context, uid string, req *model.EditReq) (*model.Message, *model.Error)
	React(ctx context.Context, uid string, req *model.ReactReq) (*model.Message, *model.Error)
}

// MembershipOp names the channel of a join/leave operation.
type MembershipOp struct {
	ChannelID string `json:"channel_id"`
}

// Op is the operation union carried as a kafka message value. UID is
// the acting identity, already authenticated by the gateway; exactly
// one operation field is set.
type Op struct {
	UID      string `json:"uid"`
	Username string `json:"username,omitempty"`

	Send  *model.SendReq  `json:"send,omitempty"`
	Edit  *model.EditReq  `json:"edit,omitempty"`
	React *model.ReactReq `json:"react,omitempty"`
	Join  *MembershipOp   `json:"join,omitempty"`
	Leave *MembershipOp   `json:"leave,omitempty"`
}
