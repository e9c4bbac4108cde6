package roster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoster(t *testing.T) {
	r := NewMemoryRoster()
	ctx := context.Background()

	ok, err := r.IsMember(ctx, "general", "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Join(ctx, "general", "alice"))
	require.NoError(t, r.Join(ctx, "general", "alice")) // idempotent
	require.NoError(t, r.Join(ctx, "general", "bob"))

	ok, err = r.IsMember(ctx, "general", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	members, err := r.MembersOf(ctx, "general")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)

	require.NoError(t, r.Leave(ctx, "general", "alice"))
	require.NoError(t, r.Leave(ctx, "general", "alice")) // idempotent

	ok, err = r.IsMember(ctx, "general", "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	members, err = r.MembersOf(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, members)
}
