package interfaces

import (
	"context"

	"pigeon/pkg/types"
)

// Mailer is the outbound mail extension point.
// Calls happen after commit and carry no ordering guarantee relative to socket events.
type Mailer interface {
	EventCreated(ctx context.Context, event *types.Event, invitees []*types.User) error
	AccountRegistered(ctx context.Context, user *types.User) error
}
