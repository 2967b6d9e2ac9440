// Package mail holds the outbound mail extension point.
package mail

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/samber/lo"

	"pigeon/pkg/types"
)

// LogMailer records mail dispatches in the log instead of sending them.
// ARCHITECTURAL DISCOVERY: Mail delivery is an extension point; deployments
// plug an SMTP or API backed Mailer in its place
type LogMailer struct {
	log  *slog.Logger
	sent atomic.Int64
}

// NewLogMailer creates a mailer writing to log
func NewLogMailer(log *slog.Logger) *LogMailer {
	return &LogMailer{log: log.With("component", "mail")}
}

// EventCreated announces an event to its invitees
func (m *LogMailer) EventCreated(ctx context.Context, event *types.Event, invitees []*types.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(invitees) == 0 {
		return nil
	}
	m.sent.Add(int64(len(invitees)))
	m.log.Info("Event invitation mailed",
		"event", event.ID,
		"name", event.Name,
		"date", event.Date,
		"to", lo.Map(invitees, func(u *types.User, _ int) string { return u.Email }))
	return nil
}

// AccountRegistered welcomes a new account
func (m *LogMailer) AccountRegistered(ctx context.Context, user *types.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.sent.Add(1)
	m.log.Info("Welcome mail sent", "user", user.ID, "to", user.Email)
	return nil
}

// Sent returns the number of mails dispatched
func (m *LogMailer) Sent() int64 {
	return m.sent.Load()
}
