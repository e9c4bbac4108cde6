package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slacklite/relay/model"
)

func appendChannelMsg(t *testing.T, s IMessageStore, sender, channel, content string) *model.Message {
	t.Helper()
	msg, err := s.Append(context.Background(), &model.Message{
		Content:   content,
		SenderID:  sender,
		ChannelID: channel,
	})
	require.NoError(t, err)
	return msg
}

func TestAppendAssignsIdentity(t *testing.T) {
	s := NewMemoryStore()

	m1 := appendChannelMsg(t, s, "alice", "general", "hi")
	m2 := appendChannelMsg(t, s, "bob", "general", "hello")

	assert.NotEmpty(t, m1.ID)
	assert.NotEqual(t, m1.ID, m2.ID)
	assert.Greater(t, m2.Seq, m1.Seq)
	assert.NotNil(t, m1.Reactions)
	assert.Empty(t, m1.Reactions)
	assert.Zero(t, m1.EditTime)
}

func TestAppendRejectsBadTarget(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, &model.Message{Content: "x", SenderID: "alice"})
	assert.ErrorIs(t, err, model.ErrInvalidTarget)

	_, err = s.Append(ctx, &model.Message{
		Content: "x", SenderID: "alice", ChannelID: "general", RecipientID: "bob",
	})
	assert.ErrorIs(t, err, model.ErrInvalidTarget)
}

func TestEdit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	msg := appendChannelMsg(t, s, "alice", "general", "hi")

	_, err := s.Edit(ctx, "no-such-id", "x", "alice", false)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = s.Edit(ctx, msg.ID, "x", "bob", false)
	assert.ErrorIs(t, err, model.ErrForbidden)

	first, err := s.Edit(ctx, msg.ID, "hi there", "alice", false)
	require.NoError(t, err)
	assert.Equal(t, "hi there", first.Content)
	assert.NotZero(t, first.EditTime)

	second, err := s.Edit(ctx, msg.ID, "hi again", "alice", false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, second.EditTime, first.EditTime)
}

func TestAddReactionIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	msg := appendChannelMsg(t, s, "alice", "general", "hi")

	m1, err := s.AddReaction(ctx, msg.ID, "👍", "bob")
	require.NoError(t, err)
	m2, err := s.AddReaction(ctx, msg.ID, "👍", "bob")
	require.NoError(t, err)

	assert.Equal(t, []string{"bob"}, m1.Reactions["👍"])
	assert.Equal(t, m1.Reactions, m2.Reactions)

	m3, err := s.AddReaction(ctx, msg.ID, "👍", "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, m3.Reactions["👍"])
}

func TestHistoryPagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var all []string
	for i := 0; i < 5; i++ {
		m := appendChannelMsg(t, s, "alice", "general", fmt.Sprintf("msg-%d", i))
		all = append(all, m.ID)
	}
	// a message for another conversation never leaks in.
	appendChannelMsg(t, s, "alice", "random", "other")

	target := ChannelTarget("general")

	page1, err := s.History(ctx, target, 0, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, all[4], page1[0].ID)
	assert.Equal(t, all[3], page1[1].ID)

	page2, err := s.History(ctx, target, page1[1].Seq, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, all[2], page2[0].ID)
	assert.Equal(t, all[1], page2[1].ID)

	page3, err := s.History(ctx, target, page2[1].Seq, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, all[0], page3[0].ID)
}

func TestHistoryDMPair(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.Append(ctx, &model.Message{Content: "ab", SenderID: "alice", RecipientID: "bob"})
		require.NoError(t, err)
		_, err = s.Append(ctx, &model.Message{Content: "ba", SenderID: "bob", RecipientID: "alice"})
		require.NoError(t, err)
	}
	_, err := s.Append(ctx, &model.Message{Content: "ac", SenderID: "alice", RecipientID: "carol"})
	require.NoError(t, err)

	msgs, err := s.History(ctx, DMTarget("alice", "bob"), 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
	for _, m := range msgs {
		assert.NotEqual(t, "carol", m.RecipientID)
	}
}

func TestMarkExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	msg, err := s.Append(ctx, &model.Message{
		Content: "soon gone", SenderID: "alice", ChannelID: "general", TTLSeconds: 60,
	})
	require.NoError(t, err)
	assert.Equal(t, msg.CreateTime+60, msg.ExpireTime)

	pending, err := s.PendingExpiries(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, msg.ID, pending[0].ID)

	expired, err := s.MarkExpired(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, expired.ID)

	// Gone from live view: history, edits and reactions all miss.
	msgs, err := s.History(ctx, ChannelTarget("general"), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = s.Edit(ctx, msg.ID, "too late", "alice", false)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = s.AddReaction(ctx, msg.ID, "👍", "bob")
	assert.ErrorIs(t, err, model.ErrNotFound)

	// Second expiry is a no-op, not an error.
	_, err = s.MarkExpired(ctx, msg.ID)
	assert.NoError(t, err)

	pending, err = s.PendingExpiries(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEditResetTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	msg, err := s.Append(ctx, &model.Message{
		Content: "x", SenderID: "alice", ChannelID: "general", TTLSeconds: 3600,
	})
	require.NoError(t, err)

	kept, err := s.Edit(ctx, msg.ID, "y", "alice", false)
	require.NoError(t, err)
	assert.Equal(t, msg.ExpireTime, kept.ExpireTime)

	reset, err := s.Edit(ctx, msg.ID, "z", "alice", true)
	require.NoError(t, err)
	assert.Equal(t, reset.EditTime+3600, reset.ExpireTime)
}

func TestConcurrentEditsAndReactions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	msg := appendChannelMsg(t, s, "alice", "general", "v0")

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := s.Edit(ctx, msg.ID, fmt.Sprintf("v%d", i+1), "alice", false)
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := s.AddReaction(ctx, msg.ID, "🎉", fmt.Sprintf("user-%d", i%10))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := s.History(ctx, ChannelTarget("general"), 0, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// One of the edits won; no reaction was lost along the way.
	assert.Regexp(t, `^v\d+$`, msgs[0].Content)
	assert.NotEqual(t, "v0", msgs[0].Content)
	assert.Len(t, msgs[0].Reactions["🎉"], 10)
}
