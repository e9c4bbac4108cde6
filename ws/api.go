package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/slacklite/relay/model"
	"github.com/slacklite/relay/roster"
	"github.com/slacklite/relay/route"
	"github.com/slacklite/relay/store"
)

const (
	MinHistoryLimit = 1
	MaxHistoryLimit = 100

	// TTL bounds for ephemeral messages.
	MinTTLSeconds = 5
	MaxTTLSeconds = 7 * 24 * 3600
)

// Conf carries the tunables of the chat API.
type Conf struct {
	// HistoryLimit is the default and maximum page size.
	HistoryLimit int32

	// ResetTTLOnEdit moves the expiry deadline to now+TTL on every
	// edit. Off by default: editing does not reset the TTL clock.
	ResetTTLOnEdit bool
}

// Scheduler is the expiry hook the API notifies about new deadlines.
type Scheduler interface {
	Track(m *model.Message)
}

// ChatApi validates client operations, applies them through the store
// and hands the resulting events to the router. It serves both
// websocket frames and bridge operations.
type ChatApi struct {
	store     store.IMessageStore
	roster    roster.IRoster
	router    *route.Router
	scheduler Scheduler
	conf      Conf

	// publishMu makes persist+publish one step. The router preserves
	// publish order per connection, so holding the mutex from the store
	// mutation through Publish extends that guarantee back to the order
	// the store accepted the events.
	publishMu sync.Mutex
}

func NewChatApi(s store.IMessageStore, r roster.IRoster, router *route.Router, sched Scheduler, conf Conf) *ChatApi {
	if conf.HistoryLimit < MinHistoryLimit || conf.HistoryLimit > MaxHistoryLimit {
		conf.HistoryLimit = 50
	}
	return &ChatApi{store: s, roster: r, router: router, scheduler: sched, conf: conf}
}

// Send accepts a new message from uid, persists it and fans it out.
func (a *ChatApi) Send(ctx context.Context, uid, username string, req *model.SendReq) (*model.Message, *model.Error) {
	var errs []string
	if req.Content == "" && req.FileURL == "" {
		errs = append(errs, "content: should not be empty")
	}
	if (req.ChannelID == "") == (req.RecipientID == "") {
		errs = append(errs, "target: exactly one of channel_id, recipient_id is required")
	}
	if req.TTLSeconds != 0 && (req.TTLSeconds < MinTTLSeconds || req.TTLSeconds > MaxTTLSeconds) {
		errs = append(errs, fmt.Sprintf("ttl_seconds: expect in range [%d, %d]", MinTTLSeconds, MaxTTLSeconds))
	}
	if len(errs) > 0 {
		return nil, model.NewError(model.CodeInvalidArgument, errs...)
	}

	if req.ChannelID != "" {
		ok, err := a.roster.IsMember(ctx, req.ChannelID, uid)
		if err != nil {
			return nil, asApiError(err)
		}
		if !ok {
			return nil, model.NewError(model.CodeForbidden, "not a member of this channel")
		}
	}

	a.publishMu.Lock()
	defer a.publishMu.Unlock()

	msg, err := a.store.Append(ctx, &model.Message{
		Content:     req.Content,
		SenderID:    uid,
		SenderName:  username,
		ChannelID:   req.ChannelID,
		RecipientID: req.RecipientID,
		Kind:        req.Kind,
		FileURL:     req.FileURL,
		FileName:    req.FileName,
		TTLSeconds:  req.TTLSeconds,
	})
	if err != nil {
		return nil, asApiError(err)
	}

	a.router.Publish(route.ForMessage(&model.ServerEvent{
		Type:    model.EventNewMessage,
		Message: msg,
	}, msg))
	a.scheduler.Track(msg)

	return msg, nil
}

// Edit replaces the content of uid's own message and fans out the
// updated entity.
func (a *ChatApi) Edit(ctx context.Context, uid string, req *model.EditReq) (*model.Message, *model.Error) {
	if req.MessageID == "" || req.Content == "" {
		return nil, model.NewError(model.CodeInvalidArgument, "message_id and content are required")
	}

	a.publishMu.Lock()
	defer a.publishMu.Unlock()

	msg, err := a.store.Edit(ctx, req.MessageID, req.Content, uid, a.conf.ResetTTLOnEdit)
	if err != nil {
		return nil, asApiError(err)
	}

	a.router.Publish(route.ForMessage(&model.ServerEvent{
		Type:    model.EventMessageEdited,
		Message: msg,
	}, msg))
	if a.conf.ResetTTLOnEdit {
		a.scheduler.Track(msg)
	}

	return msg, nil
}

// React adds uid's emoji reaction. Duplicate reactions are absorbed
// silently; the delta event carries the full updated reaction map.
func (a *ChatApi) React(ctx context.Context, uid string, req *model.ReactReq) (*model.Message, *model.Error) {
	if req.MessageID == "" || req.Emoji == "" {
		return nil, model.NewError(model.CodeInvalidArgument, "message_id and emoji are required")
	}

	a.publishMu.Lock()
	defer a.publishMu.Unlock()

	msg, err := a.store.AddReaction(ctx, req.MessageID, req.Emoji, uid)
	if err != nil {
		return nil, asApiError(err)
	}

	a.router.Publish(route.ForMessage(&model.ServerEvent{
		Type: model.EventReactionAdded,
		Reaction: &model.ReactionDelta{
			MessageID: msg.ID,
			Emoji:     req.Emoji,
			UserID:    uid,
			Reactions: msg.Reactions,
		},
	}, msg))

	return msg, nil
}

// History pages backwards through a conversation. Channel history
// requires membership.
func (a *ChatApi) History(ctx context.Context, uid string, req *model.HistoryReq) (*model.HistoryPage, *model.Error) {
	if (req.ChannelID == "") == (req.PeerID == "") {
		return nil, model.NewError(model.CodeInvalidArgument,
			"target: exactly one of channel_id, peer_id is required")
	}

	limit := req.Limit
	if limit <= 0 || limit > a.conf.HistoryLimit {
		limit = a.conf.HistoryLimit
	}

	var target store.Target
	if req.ChannelID != "" {
		ok, err := a.roster.IsMember(ctx, req.ChannelID, uid)
		if err != nil {
			return nil, asApiError(err)
		}
		if !ok {
			return nil, model.NewError(model.CodeForbidden, "not a member of this channel")
		}
		target = store.ChannelTarget(req.ChannelID)
	} else {
		target = store.DMTarget(uid, req.PeerID)
	}

	messages, err := a.store.History(ctx, target, req.BeforeSeq, limit)
	if err != nil {
		return nil, asApiError(err)
	}

	page := &model.HistoryPage{Messages: messages}
	if int32(len(messages)) == limit {
		page.NextBeforeSeq = messages[len(messages)-1].Seq
	}
	return page, nil
}

func asApiError(err error) *model.Error {
	var e *model.Error
	if errors.As(err, &e) {
		return e
	}
	return model.NewError(model.CodeInternal, err.Error())
}

// interceptError hides internal detail from clients.
func interceptError(err *model.Error) {
	if err.Code == model.CodeInternal || err.Code == model.CodeTransientIO {
		err.Params = []string{"temp storage error"}
	}
}
