package service_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pigeon/internal/session"
	"pigeon/pkg/types"
)

func TestAccount_Register(t *testing.T) {
	req := require.New(t)
	e := setup(t)
	sess, _ := e.connect()

	// Given a new account
	id := e.register("alice")
	req.Positive(id)

	// Then the mail extension point ran once
	req.Len(e.mail.registered, 1)
	req.Equal(id, e.mail.registered[0].ID)
	req.Equal("alice@pigeon.test", e.mail.registered[0].Email)

	// When the email is reused, case-insensitively
	_, err := e.call(e.svc.RegisterAccount, sess, map[string]any{
		"email": "Alice@Pigeon.test", "password": password, "nickname": "again",
	})
	req.ErrorIs(err, types.ErrEmailTaken)

	// When the password is too weak
	_, err = e.call(e.svc.RegisterAccount, sess, map[string]any{
		"email": "bob@pigeon.test", "password": "short", "nickname": "bob",
	})
	req.ErrorIs(err, types.ErrValidation)
}

func TestAccount_PasswordLogin(t *testing.T) {
	req := require.New(t)
	e := setup(t)
	alice := e.register("alice")
	sess, _ := e.connect()

	p, err := e.call(e.svc.PasswordLogin, sess, map[string]any{"email": "alice@pigeon.test", "password": password})
	req.NoError(err)
	req.Equal(alice, p["userId"])
	req.NotEmpty(p["sessionId"])

	_, err = e.call(e.svc.PasswordLogin, sess, map[string]any{"email": "alice@pigeon.test", "password": "wrong1234"})
	req.ErrorIs(err, types.ErrInvalidCredentials)

	_, err = e.call(e.svc.PasswordLogin, sess, map[string]any{"email": "nobody@pigeon.test", "password": password})
	req.ErrorIs(err, types.ErrInvalidCredentials)

	// password logins do not attach the socket
	req.False(sess.IsLoggedIn())
}

func TestAccount_SessionLogin(t *testing.T) {
	req := require.New(t)
	e := setup(t)
	alice := e.register("alice")

	// Given an unknown token, the session goes back to connected
	sess, rec := e.connect()
	_, err := e.call(e.svc.SessionLogin, sess, map[string]any{"sessionId": "not-a-token"})
	req.ErrorIs(err, types.ErrNotAuthorized)
	req.Equal(session.StateConnected, sess.State())

	// When the right token is presented
	p, err := e.call(e.svc.PasswordLogin, sess, map[string]any{"email": "alice@pigeon.test", "password": password})
	req.NoError(err)
	out, err := e.call(e.svc.SessionLogin, sess, map[string]any{"sessionId": p["sessionId"]})
	req.NoError(err)

	// Then the session is online and got the three lists in order
	req.Equal(alice, out["user"].(*types.User).ID)
	req.True(sess.IsLoggedIn())
	req.True(e.sessions.IsOnline(alice))
	req.Equal([]string{"getGroupList", "getContactList", "getEventList"}, rec.names())
	req.Equal(types.StatusSuccess, rec.last("getGroupList")["status"])

	// A second login on the same socket is refused
	_, err = e.call(e.svc.SessionLogin, sess, map[string]any{"sessionId": p["sessionId"]})
	req.ErrorIs(err, types.ErrValidation)

	// The token also logs in a second device
	other, _ := e.connect()
	_, err = e.call(e.svc.SessionLogin, other, map[string]any{"sessionId": p["sessionId"]})
	req.NoError(err)
	req.Len(e.sessions.UserSessions(alice), 2)
}

func TestAccount_LogoutAndDisconnect(t *testing.T) {
	req := require.New(t)
	e := setup(t)
	alice := e.user("alice")
	bob := e.user("bob")

	_, err := e.call(e.svc.AddGroup, alice.sess, map[string]any{"name": "pair", "members": []int64{bob.id}})
	req.NoError(err)
	bob.rec.reset()

	// When alice logs out
	token := alice.sess.Token()
	_, err = e.call(e.svc.Logout, alice.sess, nil)
	req.NoError(err)

	// Then alice is offline, out of the room, and bob was told
	req.False(e.sessions.IsOnline(alice.id))
	req.False(alice.sess.IsLoggedIn())
	req.Empty(alice.sess.Rooms())
	req.Contains(bob.rec.names(), "membersLeave")

	// And the token is gone
	sess, _ := e.connect()
	_, err = e.call(e.svc.SessionLogin, sess, map[string]any{"sessionId": token})
	req.ErrorIs(err, types.ErrNotAuthorized)

	// When bob's socket closes
	e.svc.Disconnect(bob.sess)
	req.False(e.sessions.IsOnline(bob.id))
	req.Equal(session.StateClosed, bob.sess.State())
	req.Zero(e.sessions.GetStats()["logged_in_sessions"])
}
