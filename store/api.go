package store

import (
	"context"

	"github.com/slacklite/relay/model"
)

// Target identifies a conversation for history queries: either a
// channel or an unordered DM pair.
type Target struct {
	ChannelID    string
	UserA, UserB string
}

func ChannelTarget(channelID string) Target {
	return Target{ChannelID: channelID}
}

func DMTarget(a, b string) Target {
	return Target{UserA: a, UserB: b}
}

// IMessageStore is the persistence facade for messages. All mutations
// on the same message id are serialized by the implementation, so
// concurrent edit/react/expire calls cannot lose updates.
//
// Errors: model.ErrNotFound for unknown or already expired ids,
// model.ErrForbidden when the actor may not mutate, model.ErrInvalidTarget
// for malformed targets. Store and timeout failures surface as
// model.CodeTransientIO and are retryable by the caller.
type IMessageStore interface {
	// Append persists a new message: assigns id, seq and create time,
	// initializes empty reactions. The input target fields must name
	// exactly one of channel or recipient.
	Append(ctx context.Context, m *model.Message) (*model.Message, error)

	// Edit replaces the content of a live message. Only the original
	// sender may edit. Sets edit_time to now. When resetTTL is true and
	// the message is ephemeral, the expiry deadline moves to now+TTL;
	// by default editing leaves the TTL clock alone.
	Edit(ctx context.Context, id, content, editor string, resetTTL bool) (*model.Message, error)

	// AddReaction records that uid reacted with emoji. Idempotent:
	// a duplicate (emoji, uid) pair leaves the set unchanged and is
	// not an error. Returns the updated message.
	AddReaction(ctx context.Context, id, emoji, uid string) (*model.Message, error)

	// History returns up to limit live messages for the target with
	// seq < beforeSeq, ordered by seq descending. beforeSeq <= 0 means
	// "from the newest".
	History(ctx context.Context, target Target, beforeSeq int64, limit int32) ([]*model.Message, error)

	// MarkExpired removes the message from the live view. The durable
	// row is kept for audit. Expiring an already expired message is a
	// no-op; the stored message is returned either way.
	MarkExpired(ctx context.Context, id string) (*model.Message, error)

	// PendingExpiries returns live messages that still carry an expiry
	// deadline, so schedules survive a restart.
	PendingExpiries(ctx context.Context) ([]*model.Message, error)
}

// validateTarget enforces the channel/recipient exclusivity invariant.
func validateTarget(m *model.Message) error {
	if (m.ChannelID == "") == (m.RecipientID == "") {
		return model.NewError(model.CodeInvalidTarget,
			"message must set exactly one of channel_id, recipient_id")
	}
	return nil
}
