package store

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pborman/uuid"

	"github.com/slacklite/relay/model"
)

// MemoryStore is an in-memory IMessageStore for tests and demo mode.
// A single mutex serializes all mutations, which trivially satisfies
// the per-message ordering contract.
type MemoryStore struct {
	sync.Mutex
	byID    map[string]*memRecord
	ordered []*memRecord
	nextSeq int64
}

type memRecord struct {
	msg     *model.Message
	expired bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*memRecord)}
}

func (s *MemoryStore) Append(ctx context.Context, m *model.Message) (*model.Message, error) {
	if err := validateTarget(m); err != nil {
		return nil, err
	}

	s.Lock()
	defer s.Unlock()

	s.nextSeq++
	rec := &memRecord{msg: m.Clone()}
	rec.msg.ID = strings.ReplaceAll(uuid.New(), "-", "")
	rec.msg.Seq = s.nextSeq
	rec.msg.CreateTime = time.Now().Unix()
	rec.msg.EditTime = 0
	rec.msg.Reactions = map[string][]string{}
	if rec.msg.Kind == "" {
		rec.msg.Kind = model.KindText
	}
	if rec.msg.TTLSeconds > 0 {
		rec.msg.ExpireTime = rec.msg.CreateTime + rec.msg.TTLSeconds
	} else {
		rec.msg.ExpireTime = 0
		rec.msg.TTLSeconds = 0
	}

	s.byID[rec.msg.ID] = rec
	s.ordered = append(s.ordered, rec)
	return rec.msg.Clone(), nil
}

func (s *MemoryStore) Edit(ctx context.Context, id, content, editor string, resetTTL bool) (*model.Message, error) {
	s.Lock()
	defer s.Unlock()

	rec, ok := s.byID[id]
	if !ok || rec.expired {
		return nil, model.NewError(model.CodeNotFound, "message not found: "+id)
	}
	if rec.msg.SenderID != editor {
		return nil, model.NewError(model.CodeForbidden, "can only edit your own messages")
	}

	rec.msg.Content = content
	rec.msg.EditTime = time.Now().Unix()
	if resetTTL && rec.msg.TTLSeconds > 0 {
		rec.msg.ExpireTime = rec.msg.EditTime + rec.msg.TTLSeconds
	}
	return rec.msg.Clone(), nil
}

func (s *MemoryStore) AddReaction(ctx context.Context, id, emoji, uid string) (*model.Message, error) {
	s.Lock()
	defer s.Unlock()

	rec, ok := s.byID[id]
	if !ok || rec.expired {
		return nil, model.NewError(model.CodeNotFound, "message not found: "+id)
	}
	if !rec.msg.HasReaction(emoji, uid) {
		rec.msg.Reactions[emoji] = append(rec.msg.Reactions[emoji], uid)
	}
	return rec.msg.Clone(), nil
}

func (s *MemoryStore) History(ctx context.Context, target Target, beforeSeq int64, limit int32) ([]*model.Message, error) {
	if beforeSeq <= 0 {
		beforeSeq = math.MaxInt64
	}

	s.Lock()
	defer s.Unlock()

	var out []*model.Message
	for i := len(s.ordered) - 1; i >= 0 && int32(len(out)) < limit; i-- {
		rec := s.ordered[i]
		if rec.expired || rec.msg.Seq >= beforeSeq {
			continue
		}
		if matchTarget(rec.msg, target) {
			out = append(out, rec.msg.Clone())
		}
	}
	return out, nil
}

func matchTarget(m *model.Message, target Target) bool {
	if target.ChannelID != "" {
		return m.ChannelID == target.ChannelID
	}
	return (m.SenderID == target.UserA && m.RecipientID == target.UserB) ||
		(m.SenderID == target.UserB && m.RecipientID == target.UserA)
}

func (s *MemoryStore) MarkExpired(ctx context.Context, id string) (*model.Message, error) {
	s.Lock()
	defer s.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, model.NewError(model.CodeNotFound, "message not found: "+id)
	}
	rec.expired = true
	return rec.msg.Clone(), nil
}

func (s *MemoryStore) PendingExpiries(ctx context.Context) ([]*model.Message, error) {
	s.Lock()
	defer s.Unlock()

	var out []*model.Message
	for _, rec := range s.ordered {
		if !rec.expired && rec.msg.ExpireTime > 0 {
			out = append(out, rec.msg.Clone())
		}
	}
	return out, nil
}
