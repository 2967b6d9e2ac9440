package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pigeon/internal/location"
	"pigeon/pkg/types"
)

func TestLocation_ShareLifecycle(t *testing.T) {
	req := require.New(t)
	e := setup(t)
	alice := e.user("alice")
	bob := e.user("bob")
	dave := e.user("dave")

	p, err := e.call(e.svc.CreateEvent, alice.sess, map[string]any{
		"name": "hike", "date": now.Add(time.Hour), "nbParticipantsMax": 5,
		"participants": []int64{bob.id},
		"location":     map[string]any{"lat": 45.9, "lng": 6.8},
	})
	req.NoError(err)
	eventID := p["event"].(*types.Event).ID

	// dave is not part of the event
	_, err = e.call(e.svc.JoinRealtimeLocationShare, dave.sess, map[string]any{"eventId": eventID})
	req.ErrorIs(err, types.ErrNotAuthorized)
	req.Zero(e.locations.Size(eventID))

	// When alice and bob join
	p, err = e.call(e.svc.JoinRealtimeLocationShare, alice.sess, map[string]any{"eventId": eventID, "sendId": "j1"})
	req.NoError(err)
	req.Equal(1, p["number"])
	req.Equal("j1", p["sendId"])
	req.InDelta(45.9, p["location"].(*types.Location).Lat, 1e-9)
	_, err = e.call(e.svc.JoinRealtimeLocationShare, bob.sess, map[string]any{"eventId": eventID})
	req.NoError(err)
	req.Equal(2, e.locations.Size(eventID))

	_, err = e.call(e.svc.JoinRealtimeLocationShare, bob.sess, map[string]any{"eventId": eventID})
	req.ErrorIs(err, types.ErrValidation)

	// and alice reports a position
	_, err = e.call(e.svc.UpdateRealtimeLocation, alice.sess, map[string]any{"eventId": eventID, "lat": 45.8, "lng": 6.9})
	req.NoError(err)
	_, err = e.call(e.svc.UpdateRealtimeLocation, alice.sess, map[string]any{"eventId": eventID, "lat": 95, "lng": 0})
	req.ErrorIs(err, types.ErrValidation)
	_, err = e.call(e.svc.UpdateRealtimeLocation, dave.sess, map[string]any{"eventId": eventID, "lat": 1, "lng": 1})
	req.ErrorIs(err, types.ErrValidation)

	// Then the next broadcast carries it to bob
	req.Equal(2, e.locations.Broadcast(eventID))
	positions := bob.rec.last(location.EventBroadcast)["locations"].([]location.Position)
	req.Len(positions, 1)
	req.Equal(alice.id, positions[0].User.ID)

	// When bob exits and alice disconnects
	_, err = e.call(e.svc.ExitRealtimeLocationShare, bob.sess, map[string]any{"eventId": eventID})
	req.NoError(err)
	_, err = e.call(e.svc.ExitRealtimeLocationShare, bob.sess, map[string]any{"eventId": eventID})
	req.ErrorIs(err, types.ErrValidation)
	e.svc.Disconnect(alice.sess)

	// Then the room is gone
	req.Zero(e.locations.Size(eventID))
	req.Zero(e.locations.GetStats()["rooms"])
}

func TestLocation_NeedsLogin(t *testing.T) {
	req := require.New(t)
	e := setup(t)
	sess, _ := e.connect()

	for _, h := range []string{"joinRealtimeLocationShare", "updateRealtimeLocation", "exitRealtimeLocationShare"} {
		req.True(e.svc.Handlers()[h] != nil, h)
		_, err := e.call(e.svc.Handlers()[h], sess, map[string]any{"eventId": 1})
		req.ErrorIs(err, types.ErrNotLoggedIn, h)
	}
}
