package roster

import (
	"context"
	"sync"
)

// MemoryRoster is an in-memory IRoster for tests and demo mode.
type MemoryRoster struct {
	sync.RWMutex
	channels map[string]map[string]struct{}
}

func NewMemoryRoster() *MemoryRoster {
	return &MemoryRoster{channels: make(map[string]map[string]struct{})}
}

func (r *MemoryRoster) MembersOf(ctx context.Context, channelID string) ([]string, error) {
	r.RLock()
	defer r.RUnlock()

	var out []string
	for uid := range r.channels[channelID] {
		out = append(out, uid)
	}
	return out, nil
}

func (r *MemoryRoster) IsMember(ctx context.Context, channelID, uid string) (bool, error) {
	r.RLock()
	_, ok := r.channels[channelID][uid]
	r.RUnlock()
	return ok, nil
}

func (r *MemoryRoster) Join(ctx context.Context, channelID, uid string) error {
	r.Lock()
	defer r.Unlock()

	members, ok := r.channels[channelID]
	if !ok {
		members = make(map[string]struct{})
		r.channels[channelID] = members
	}
	members[uid] = struct{}{}
	return nil
}

func (r *MemoryRoster) Leave(ctx context.Context, channelID, uid string) error {
	r.Lock()
	delete(r.channels[channelID], uid)
	r.Unlock()
	return nil
}
