// Package roster is the channel membership read model consumed by the
// routing engine. Membership is owned by the external channel API;
// join/leave mutations arrive through the operations bridge.
package roster

import "context"

// IRoster answers "who is in this channel right now". The router
// resolves recipients against the membership set at delivery time, so
// a user joining after a message was accepted never receives it.
type IRoster interface {
	MembersOf(ctx context.Context, channelID string) ([]string, error)
	IsMember(ctx context.Context, channelID, uid string) (bool, error)

	// Join and Leave apply externally originated membership changes.
	// Both are idempotent.
	Join(ctx context.Context, channelID, uid string) error
	Leave(ctx context.Context, channelID, uid string) error
}
