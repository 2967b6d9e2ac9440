package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pigeon/internal/location"
	"pigeon/internal/session"
	"pigeon/internal/store"
	"pigeon/internal/txn"
	"pigeon/pkg/interfaces"
	"pigeon/pkg/types"
)

type joinLocationRequest struct {
	EventID int64  `json:"eventId" validate:"required,gt=0"`
	Number  int    `json:"number" validate:"gte=0,lte=1000"`
	SendID  string `json:"sendId" validate:"max=64"`
}

type updateLocationRequest struct {
	EventID int64   `json:"eventId" validate:"required,gt=0"`
	Lat     float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng     float64 `json:"lng" validate:"gte=-180,lte=180"`
	SendID  string  `json:"sendId" validate:"max=64"`
}

type exitLocationRequest struct {
	EventID int64  `json:"eventId" validate:"required,gt=0"`
	SendID  string `json:"sendId" validate:"max=64"`
}

// JoinRealtimeLocationShare starts sharing the session's position with the
// other participants of an event. The reply carries the device number and
// the meeting place.
func (s *Service) JoinRealtimeLocationShare(ctx context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	var req joinLocationRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}
	correlation := types.Payload{"eventId": req.EventID, "sendId": req.SendID}

	res, err := s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		ex := tc.Exec()
		if _, err := store.Participant(ctx, ex, interfaces.LockShared, req.EventID, userID); err != nil {
			return nil, err
		}
		event, err := store.EventByID(ctx, ex, interfaces.LockNone, req.EventID)
		if err != nil {
			return nil, err
		}

		number, meeting, err := s.locations.Join(req.EventID, sess, req.Number, event.Location)
		if err != nil {
			return nil, locationError(err)
		}
		tc.OnRollback(func() { _ = s.locations.Leave(req.EventID, sess) })
		return txn.Result{number, meeting}, nil
	})
	if err != nil {
		return correlation, err
	}
	correlation["number"] = res[0]
	correlation["location"] = res[1]
	return correlation, nil
}

// UpdateRealtimeLocation records the session's position; it reaches the
// room with the next broadcast
func (s *Service) UpdateRealtimeLocation(_ context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	if _, err := userOf(sess); err != nil {
		return nil, err
	}
	var req updateLocationRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}
	correlation := types.Payload{"eventId": req.EventID, "sendId": req.SendID}
	if err := s.locations.Update(req.EventID, sess, types.Location{Lat: req.Lat, Lng: req.Lng}); err != nil {
		return correlation, locationError(err)
	}
	return correlation, nil
}

// ExitRealtimeLocationShare stops sharing the session's position
func (s *Service) ExitRealtimeLocationShare(_ context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	if _, err := userOf(sess); err != nil {
		return nil, err
	}
	var req exitLocationRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}
	correlation := types.Payload{"eventId": req.EventID, "sendId": req.SendID}
	if err := s.locations.Leave(req.EventID, sess); err != nil {
		return correlation, locationError(err)
	}
	return correlation, nil
}

func locationError(err error) error {
	if errors.Is(err, location.ErrAlreadyJoined) || errors.Is(err, location.ErrNotJoined) {
		return fmt.Errorf("%w: %w", types.ErrValidation, err)
	}
	return err
}
