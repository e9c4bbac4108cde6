// Package model holds the wire and domain types shared by the relay
// packages: messages, client requests, server events and errors.
package model

// Message kinds, mirrored to clients as `message_type`.
const (
	KindText  = "text"
	KindFile  = "file"
	KindImage = "image"
)

// Message is a chat message, either a channel broadcast (ChannelID set)
// or a direct message (RecipientID set). Exactly one of the two targets
// must be set.
type Message struct {
	ID          string `json:"id"`
	Seq         int64  `json:"seq"`
	Content     string `json:"content"`
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_username,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
	Kind        string `json:"message_type,omitempty"`
	FileURL     string `json:"file_url,omitempty"`
	FileName    string `json:"file_name,omitempty"`

	// Reactions maps emoji to the set of user ids that reacted.
	// Adding the same (emoji, user) pair twice is a no-op.
	Reactions map[string][]string `json:"reactions"`

	CreateTime int64 `json:"created_at"`
	EditTime   int64 `json:"edited_at,omitempty"`

	// ExpireTime is the unix deadline for ephemeral messages, 0 for
	// messages that never expire. TTLSeconds is the requested lifetime,
	// kept so clients can render countdowns.
	ExpireTime int64 `json:"expires_at,omitempty"`
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
}

// IsDM reports whether the message targets a single peer.
func (m *Message) IsDM() bool { return m.RecipientID != "" }

// HasReaction reports whether uid already reacted with emoji.
func (m *Message) HasReaction(emoji, uid string) bool {
	for _, v := range m.Reactions[emoji] {
		if v == uid {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Stores hand out clones so callers can
// never mutate shared state behind the store's lock.
func (m *Message) Clone() *Message {
	out := *m
	if m.Reactions != nil {
		out.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, uids := range m.Reactions {
			out.Reactions[emoji] = append([]string(nil), uids...)
		}
	}
	return &out
}

// Session describes one live websocket connection of a user.
type Session struct {
	UID        string `json:"uid"`
	Username   string `json:"username,omitempty"`
	CID        string `json:"cid"`
	CreateTime int64  `json:"create_time"`
	IP         string `json:"ip,omitempty"`
}

// SendReq asks the relay to accept and fan out a new message.
type SendReq struct {
	Content     string `json:"content"`
	ChannelID   string `json:"channel_id,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
	Kind        string `json:"message_type,omitempty"`
	FileURL     string `json:"file_url,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	TTLSeconds  int64  `json:"ttl_seconds,omitempty"`
}

// EditReq replaces the content of an existing message.
type EditReq struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// ReactReq toggles on an emoji reaction.
type ReactReq struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// HistoryReq pages backwards through a channel or DM conversation.
// BeforeSeq == 0 means "from the newest message".
type HistoryReq struct {
	ChannelID string `json:"channel_id,omitempty"`
	PeerID    string `json:"peer_id,omitempty"`
	BeforeSeq int64  `json:"before_seq,omitempty"`
	Limit     int32  `json:"limit,omitempty"`
}

// ClientMsg is the request union read from a websocket connection.
// Exactly one field is set per frame.
type ClientMsg struct {
	Send    *SendReq    `json:"send,omitempty"`
	Edit    *EditReq    `json:"edit,omitempty"`
	React   *ReactReq   `json:"react,omitempty"`
	History *HistoryReq `json:"history,omitempty"`
}

// Server event types, mirrored to clients in the `type` field.
const (
	EventNewMessage    = "new_message"
	EventMessageEdited = "message_edited"
	EventReactionAdded = "reaction_added"
	EventExpiring      = "message_expiring"
	EventExpired       = "message_expired"
	EventUserStatus    = "user_status"
)

// ReactionDelta is the payload of a reaction_added event.
type ReactionDelta struct {
	MessageID string              `json:"message_id"`
	Emoji     string              `json:"emoji"`
	UserID    string              `json:"user_id"`
	Reactions map[string][]string `json:"reactions"`
}

// ExpiryNotice is the payload of message_expiring and message_expired.
type ExpiryNotice struct {
	MessageID        string `json:"message_id"`
	RemainingSeconds int64  `json:"remaining_seconds,omitempty"`
}

// UserStatus is the payload of a user_status presence event.
type UserStatus struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username,omitempty"`
	IsOnline  bool   `json:"is_online"`
	Timestamp int64  `json:"timestamp"`
}

// HistoryPage is the reply to a HistoryReq. Messages are ordered by
// seq descending (newest first); NextBeforeSeq feeds the next request,
// 0 when the page is the last one.
type HistoryPage struct {
	Messages      []*Message `json:"messages"`
	NextBeforeSeq int64      `json:"next_before_seq,omitempty"`
}

// ServerEvent is the event union written to websocket connections.
// Type discriminates; at most one payload field is set.
type ServerEvent struct {
	Type     string         `json:"type,omitempty"`
	Message  *Message       `json:"message,omitempty"`
	Reaction *ReactionDelta `json:"reaction,omitempty"`
	Expiry   *ExpiryNotice  `json:"expiry,omitempty"`
	Status   *UserStatus    `json:"status,omitempty"`
	History  *HistoryPage   `json:"history,omitempty"`
	Error    *Error         `json:"error,omitempty"`
	Kickoff  bool           `json:"kickoff,omitempty"`
}
