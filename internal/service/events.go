package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	"pigeon/internal/session"
	"pigeon/internal/store"
	"pigeon/internal/txn"
	"pigeon/pkg/interfaces"
	"pigeon/pkg/types"
)

// Event notification names
const (
	EventEventCreated = "eventCreated"
	EventEventExit    = "eventExit"
	EventEventAck     = "eventAck"
	EventEventStarted = "eventStarted"
)

type createEventRequest struct {
	Name              string          `json:"name" validate:"required,max=128"`
	Description       string          `json:"description" validate:"max=2048"`
	Date              time.Time       `json:"date" validate:"required"`
	NbParticipantsMax int             `json:"nbParticipantsMax" validate:"required,gte=2,lte=1000"`
	Participants      []int64         `json:"participants" validate:"max=1000,dive,gt=0"`
	Location          *types.Location `json:"location"`
}

type eventRequest struct {
	EventID int64 `json:"eventId" validate:"required,gt=0"`
}

func participantIDs(e *types.Event) []int64 {
	return lo.Map(e.Participants, func(p *types.Participant, _ int) int64 { return p.UserID })
}

// GetEventList returns the events of the session user
func (s *Service) GetEventList(ctx context.Context, sess *session.Session, _ json.RawMessage) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	res, err := s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		events, err := store.EventsOfUser(ctx, tc.Exec(), userID)
		if err != nil {
			return nil, err
		}
		return txn.Result{events}, nil
	})
	if err != nil {
		return nil, err
	}
	return types.Payload{"events": orEmpty(res[0].([]*types.Event))}, nil
}

// CreateEvent schedules an event. The creator takes part and has accepted;
// the other participants are invited by mail and by eventCreated.
func (s *Service) CreateEvent(ctx context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	var req createEventRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}
	now := s.now()
	if !req.Date.After(now) {
		return nil, fmt.Errorf("%w: event date is in the past", types.ErrValidation)
	}
	ids := lo.Uniq(append([]int64{userID}, req.Participants...))
	if len(ids) > req.NbParticipantsMax {
		return nil, fmt.Errorf("%w: %d participants, at most %d", types.ErrValidation, len(ids), req.NbParticipantsMax)
	}

	res, err := s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		ex := tc.Exec()
		users, err := requireUsers(ctx, ex, ids)
		if err != nil {
			return nil, err
		}
		eventID, err := store.CreateEvent(ctx, ex, &types.Event{
			Name:              req.Name,
			Description:       req.Description,
			CreatorID:         userID,
			Date:              req.Date.UTC(),
			NbParticipantsMax: req.NbParticipantsMax,
			Location:          req.Location,
		}, now)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if err := store.AddParticipant(ctx, ex, eventID, id, id == userID); err != nil {
				return nil, err
			}
		}
		event, err := store.EventByID(ctx, ex, interfaces.LockNone, eventID)
		if err != nil {
			return nil, err
		}

		s.notifyUsers(tc, ids, sess, EventEventCreated, types.Success(types.Payload{"event": event}))
		invitees := lo.Filter(users, func(u *types.User, _ int) bool { return u.ID != userID })
		tc.AfterCommit(func() {
			s.ScheduleStart(event)
			s.background("eventCreated", func(ctx context.Context) error {
				return s.mailer.EventCreated(ctx, event, invitees)
			})
		})
		return txn.Result{event}, nil
	})
	if err != nil {
		return nil, err
	}
	return types.Payload{"event": res[0]}, nil
}

// EventExit withdraws the session user from an event that has not started
func (s *Service) EventExit(ctx context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	return s.updateParticipant(ctx, sess, data, EventEventExit, store.RemoveParticipant)
}

// EventAck accepts an invitation to an event that has not started
func (s *Service) EventAck(ctx context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	return s.updateParticipant(ctx, sess, data, EventEventAck, store.AckParticipant)
}

func (s *Service) updateParticipant(ctx context.Context, sess *session.Session, data json.RawMessage, name string,
	update func(ctx context.Context, ex interfaces.Executor, eventID, userID int64) error) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	var req eventRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}
	correlation := types.Payload{"eventId": req.EventID}

	_, err = s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		ex := tc.Exec()
		event, err := store.EventByID(ctx, ex, interfaces.LockExclusive, req.EventID)
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("event %d: %w", req.EventID, types.ErrNotAuthorized)
		}
		if err != nil {
			return nil, err
		}
		if event.Started {
			return nil, fmt.Errorf("%w: event %d already started", types.ErrValidation, req.EventID)
		}
		if err := update(ctx, ex, req.EventID, userID); err != nil {
			return nil, err
		}
		s.notifyUsers(tc, participantIDs(event), sess, name, types.Success(types.Payload{
			"eventId": req.EventID,
			"userId":  userID,
		}))
		return nil, nil
	})
	if err != nil {
		return correlation, err
	}
	return correlation, nil
}

// StartEvent turns an event into a group of its accepted participants.
// Starting an event twice is types.ErrAlreadyDone.
func (s *Service) StartEvent(ctx context.Context, eventID int64) error {
	now := s.now()
	_, err := s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		ex := tc.Exec()
		event, err := store.EventByID(ctx, ex, interfaces.LockExclusive, eventID)
		if err != nil {
			return nil, err
		}
		if event.Started {
			return nil, fmt.Errorf("event %d: %w", eventID, types.ErrAlreadyDone)
		}
		accepted := lo.FilterMap(event.Participants, func(p *types.Participant, _ int) (int64, bool) {
			return p.UserID, p.Acked
		})

		var group *types.Group
		if len(accepted) > 0 {
			groupID, err := store.CreateGroup(ctx, ex, event.Name, false, now)
			if err != nil {
				return nil, err
			}
			if _, err := admit(ctx, ex, groupID, event.CreatorID, accepted, now); err != nil {
				return nil, err
			}
			if group, err = loadGroup(ctx, ex, groupID); err != nil {
				return nil, err
			}
		}
		var groupID int64
		if group != nil {
			groupID = group.ID
		}
		started, err := store.MarkEventStarted(ctx, ex, eventID, groupID)
		if err != nil {
			return nil, err
		}
		if !started {
			return nil, fmt.Errorf("event %d: %w", eventID, types.ErrAlreadyDone)
		}

		if group != nil {
			s.joinRoom(tc, group.ID, accepted)
			s.notifyUsers(tc, accepted, nil, EventAddGroup, types.Success(types.Payload{"group": group}))
		}
		s.notifyUsers(tc, participantIDs(event), nil, EventEventStarted, types.Success(types.Payload{
			"eventId": eventID,
			"groupId": groupID,
		}))
		return nil, nil
	})
	if err != nil {
		return err
	}
	s.log.Info("Event started", "event", eventID)
	return nil
}

// ScheduleStart arms the start timer of an event, replacing any earlier one.
// Past dates start at once.
func (s *Service) ScheduleStart(event *types.Event) {
	delay := max(event.Date.Sub(s.now()), 0)
	id := event.ID

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[id]; ok {
		old.Stop()
	}
	s.timers[id] = s.sched.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.TaskTimeout)
		defer cancel()
		if err := s.StartEvent(ctx, id); err != nil && !errors.Is(err, types.ErrAlreadyDone) {
			s.log.Warn("Event start failed", "event", id, "error", err)
		}
	})
	s.log.Debug("Event start scheduled", "event", id, "in", delay)
}

// RestoreSchedules arms the timers of every event not started yet and
// returns how many were armed
func (s *Service) RestoreSchedules(ctx context.Context) (int, error) {
	res, err := s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		events, err := store.PendingEvents(ctx, tc.Exec())
		if err != nil {
			return nil, err
		}
		return txn.Result{events}, nil
	})
	if err != nil {
		return 0, err
	}
	events := res[0].([]*types.Event)
	for _, e := range events {
		s.ScheduleStart(e)
	}
	return len(events), nil
}

// StopSchedules disarms every pending start timer
func (s *Service) StopSchedules() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// PendingStarts returns the number of armed start timers
func (s *Service) PendingStarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
