package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pigeon/internal/database/dbtest"
	"pigeon/internal/store"
	"pigeon/pkg/interfaces"
	"pigeon/pkg/types"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newConn(t *testing.T) interfaces.Conn {
	t.Helper()
	m := dbtest.New(t)
	conn, err := m.Acquire(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Release() })
	return conn
}

func newAccount(t *testing.T, ex interfaces.Executor, name string) int64 {
	t.Helper()
	id, err := store.CreateAccount(context.Background(), ex, &types.Account{
		User:         types.User{Email: name + "@pigeon.test", Nickname: name},
		PasswordHash: "hash-" + name,
	}, now)
	require.NoError(t, err)
	return id
}

func TestAccounts(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ex := newConn(t)

	alice := newAccount(t, ex, "alice")
	bob := newAccount(t, ex, "bob")

	_, err := store.CreateAccount(ctx, ex, &types.Account{User: types.User{Email: "alice@pigeon.test"}}, now)
	req.ErrorIs(err, types.ErrEmailTaken)

	a, err := store.AccountByEmail(ctx, ex, "alice@pigeon.test")
	req.NoError(err)
	req.Equal(alice, a.ID)
	req.Equal("hash-alice", a.PasswordHash)

	_, err = store.AccountByEmail(ctx, ex, "nobody@pigeon.test")
	req.ErrorIs(err, types.ErrNotFound)

	u, err := store.UserByID(ctx, ex, interfaces.LockShared, bob)
	req.NoError(err)
	req.Equal("bob", u.Nickname)
	req.True(u.LastSeen.Equal(now))

	users, err := store.UsersByIDs(ctx, ex, []int64{bob, alice, bob, 999})
	req.NoError(err)
	req.Len(users, 2)
	req.Equal(alice, users[0].ID)

	later := now.Add(time.Hour)
	req.NoError(store.TouchLastSeen(ctx, ex, alice, later))
	u, err = store.UserByEmail(ctx, ex, "alice@pigeon.test")
	req.NoError(err)
	req.True(u.LastSeen.Equal(later))
}

func TestTokens(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ex := newConn(t)
	alice := newAccount(t, ex, "alice")

	req.NoError(store.CreateToken(ctx, ex, "tok", alice, now.Add(time.Hour)))

	id, err := store.AccountByToken(ctx, ex, "tok", now)
	req.NoError(err)
	req.Equal(alice, id)

	_, err = store.AccountByToken(ctx, ex, "tok", now.Add(2*time.Hour))
	req.ErrorIs(err, types.ErrNotAuthorized)
	_, err = store.AccountByToken(ctx, ex, "missing", now)
	req.ErrorIs(err, types.ErrNotAuthorized)

	req.NoError(store.RefreshToken(ctx, ex, "tok", now.Add(3*time.Hour)))
	_, err = store.AccountByToken(ctx, ex, "tok", now.Add(2*time.Hour))
	req.NoError(err)

	n, err := store.PurgeExpiredTokens(ctx, ex, now.Add(4*time.Hour))
	req.NoError(err)
	req.Equal(int64(1), n)
	req.NoError(store.DeleteToken(ctx, ex, "tok"))
}

func TestContacts(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ex := newConn(t)
	alice := newAccount(t, ex, "alice")
	bob := newAccount(t, ex, "bob")

	req.NoError(store.AddContact(ctx, ex, alice, bob))
	req.ErrorIs(store.AddContact(ctx, ex, alice, bob), types.ErrAlreadyDone)
	req.NoError(store.AddContact(ctx, ex, bob, alice))

	req.NoError(store.SetContactGroup(ctx, ex, alice, bob, 42))
	c, err := store.Contact(ctx, ex, interfaces.LockExclusive, bob, alice)
	req.NoError(err)
	req.Equal(int64(42), c.GroupID)

	contacts, err := store.ListContacts(ctx, ex, alice)
	req.NoError(err)
	req.Len(contacts, 1)
	req.Equal("bob", contacts[0].User.Nickname)
	req.Equal(int64(42), contacts[0].GroupID)

	req.NoError(store.ClearContactGroup(ctx, ex, 42))
	c, err = store.Contact(ctx, ex, interfaces.LockNone, alice, bob)
	req.NoError(err)
	req.Zero(c.GroupID)

	req.NoError(store.RemoveContact(ctx, ex, alice, bob))
	req.ErrorIs(store.RemoveContact(ctx, ex, alice, bob), types.ErrNotFound)
	_, err = store.Contact(ctx, ex, interfaces.LockNone, alice, bob)
	req.ErrorIs(err, types.ErrNotFound)
}

func TestGroupsAndMembers(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ex := newConn(t)
	alice := newAccount(t, ex, "alice")
	bob := newAccount(t, ex, "bob")

	gid, err := store.CreateGroup(ctx, ex, "friends", false, now)
	req.NoError(err)
	req.NoError(store.AddMember(ctx, ex, gid, alice, 1, now))
	req.NoError(store.AddMember(ctx, ex, gid, bob, 1, now))
	req.ErrorIs(store.AddMember(ctx, ex, gid, bob, 1, now), types.ErrAlreadyDone)

	// message ids are dense per group
	for want := int64(1); want <= 3; want++ {
		id, err := store.NextMessageID(ctx, ex, gid)
		req.NoError(err)
		req.Equal(want, id)
	}
	_, err = store.NextMessageID(ctx, ex, 999)
	req.ErrorIs(err, types.ErrNotFound)

	req.NoError(store.IncrementUnread(ctx, ex, gid, alice))
	req.NoError(store.IncrementUnread(ctx, ex, gid, alice))
	req.NoError(store.DecrementUnread(ctx, ex, gid, bob, 5))
	m, err := store.Member(ctx, ex, interfaces.LockExclusive, gid, bob)
	req.NoError(err)
	req.Zero(m.NbNewMessages)

	_, err = store.Member(ctx, ex, interfaces.LockExclusive, gid, 999)
	req.ErrorIs(err, types.ErrNotAuthorized)

	groups, err := store.GroupsOfUser(ctx, ex, alice)
	req.NoError(err)
	req.Len(groups, 1)
	req.Equal(int64(3), groups[0].LastMessageID)
	req.Len(groups[0].Members, 2)

	ids, err := store.GroupIDsOfUser(ctx, ex, bob)
	req.NoError(err)
	req.Equal([]int64{gid}, ids)

	req.NoError(store.SetAckStart(ctx, ex, gid, bob, 3))
	req.NoError(store.AddJoinRecord(ctx, ex, gid, bob, 2))
	history, err := store.JoinHistory(ctx, ex, gid)
	req.NoError(err)
	req.Equal([]*types.JoinRecord{{GroupID: gid, UserID: bob, MessageID: 2}}, history)

	left, err := store.RemoveMember(ctx, ex, gid, bob)
	req.NoError(err)
	req.Equal(int64(1), left)
	_, err = store.RemoveMember(ctx, ex, gid, bob)
	req.ErrorIs(err, types.ErrNotAuthorized)

	req.NoError(store.DeleteGroup(ctx, ex, gid))
	_, err = store.GroupByID(ctx, ex, interfaces.LockNone, gid)
	req.ErrorIs(err, types.ErrNotFound)
}

func TestMessagesAndAcks(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ex := newConn(t)
	alice := newAccount(t, ex, "alice")
	bob := newAccount(t, ex, "bob")
	gid, err := store.CreateGroup(ctx, ex, "pair", true, now)
	req.NoError(err)

	for i := 1; i <= 5; i++ {
		id, err := store.NextMessageID(ctx, ex, gid)
		req.NoError(err)
		msg := &types.Message{
			GroupID: gid, MessageID: id, UserID: alice, Type: types.MessageTypeText,
			Content: fmt.Sprintf("m%d", i), NbRead: 1, Date: now,
		}
		if i == 5 {
			msg.UserID = bob
			msg.Location = &types.Location{Lat: 48.85, Lng: 2.35}
		}
		req.NoError(store.InsertMessage(ctx, ex, msg))
	}

	recent, err := store.RecentMessages(ctx, ex, gid, 2)
	req.NoError(err)
	req.Equal([]int64{4, 5}, []int64{recent[0].MessageID, recent[1].MessageID})
	req.NotNil(recent[1].Location)
	req.Nil(recent[0].Location)

	// bob reads 2..5; bob's own message 5 is not counted
	n, err := store.MarkRead(ctx, ex, gid, types.AckRange{Start: 2, End: 5}, bob)
	req.NoError(err)
	req.Equal(int64(3), n)

	nb, err := store.NbReadOfMessages(ctx, ex, gid, 1, 5)
	req.NoError(err)
	req.Equal(map[int64]int64{1: 1, 2: 0, 3: 0, 4: 0, 5: 1}, nb)

	inRange, err := store.MessagesInRange(ctx, ex, gid, 2, 3)
	req.NoError(err)
	req.Len(inRange, 2)
	req.Equal("m2", inRange[0].Content)

	req.NoError(store.ReplaceAcks(ctx, ex, gid, bob, nil, []types.AckRange{{Start: 2, End: 3}, {Start: 5, End: 5}}))
	req.NoError(store.ReplaceAcks(ctx, ex, gid, bob,
		[]types.AckRange{{Start: 2, End: 3}, {Start: 5, End: 5}}, []types.AckRange{{Start: 2, End: 5}}))
	acks, err := store.AckIntervals(ctx, ex, interfaces.LockExclusive, gid, bob)
	req.NoError(err)
	req.Equal([]types.AckRange{{Start: 2, End: 5}}, acks)
}

func TestEvents(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ex := newConn(t)
	alice := newAccount(t, ex, "alice")
	bob := newAccount(t, ex, "bob")

	id, err := store.CreateEvent(ctx, ex, &types.Event{
		Name: "picnic", Description: "park", CreatorID: alice,
		Date: now.Add(24 * time.Hour), NbParticipantsMax: 4,
		Location: &types.Location{Lat: 1, Lng: 2},
	}, now)
	req.NoError(err)
	req.NoError(store.AddParticipant(ctx, ex, id, alice, true))
	req.NoError(store.AddParticipant(ctx, ex, id, bob, false))
	req.ErrorIs(store.AddParticipant(ctx, ex, id, bob, false), types.ErrAlreadyDone)

	req.NoError(store.AckParticipant(ctx, ex, id, bob))
	req.ErrorIs(store.AckParticipant(ctx, ex, id, bob), types.ErrAlreadyDone)
	req.ErrorIs(store.AckParticipant(ctx, ex, id, 999), types.ErrNotAuthorized)

	p, err := store.Participant(ctx, ex, interfaces.LockShared, id, bob)
	req.NoError(err)
	req.True(p.Acked)
	_, err = store.Participant(ctx, ex, interfaces.LockNone, id, 999)
	req.ErrorIs(err, types.ErrNotAuthorized)

	e, err := store.EventByID(ctx, ex, interfaces.LockShared, id)
	req.NoError(err)
	req.Equal("picnic", e.Name)
	req.Len(e.Participants, 2)
	req.True(e.Participants[1].Acked)
	req.Equal(&types.Location{Lat: 1, Lng: 2}, e.Location)

	events, err := store.EventsOfUser(ctx, ex, bob)
	req.NoError(err)
	req.Len(events, 1)

	pending, err := store.PendingEvents(ctx, ex)
	req.NoError(err)
	req.Len(pending, 1)

	started, err := store.MarkEventStarted(ctx, ex, id, 77)
	req.NoError(err)
	req.True(started)
	started, err = store.MarkEventStarted(ctx, ex, id, 78)
	req.NoError(err)
	req.False(started)

	req.NoError(store.RemoveParticipant(ctx, ex, id, bob))
	req.ErrorIs(store.RemoveParticipant(ctx, ex, id, bob), types.ErrNotAuthorized)
	_, err = store.EventByID(ctx, ex, interfaces.LockNone, 999)
	req.ErrorIs(err, types.ErrNotFound)
}
