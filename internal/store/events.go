package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pigeon/pkg/interfaces"
	"pigeon/pkg/types"
)

const eventColumns = "id, name, description, creator_id, start_at, nb_participants_max, started, group_id, lat, lng"

func scanEvent(s scanner) (*types.Event, error) {
	var e types.Event
	var lat, lng sql.NullFloat64
	if err := s.Scan(&e.ID, &e.Name, &e.Description, &e.CreatorID, &e.Date, &e.NbParticipantsMax,
		&e.Started, &e.GroupID, &lat, &lng); err != nil {
		return nil, err
	}
	e.Location = location(lat, lng)
	return &e, nil
}

// CreateEvent inserts an event and returns its id
func CreateEvent(ctx context.Context, ex interfaces.Executor, e *types.Event, now time.Time) (int64, error) {
	lat, lng := latLng(e.Location)
	res, err := ex.Exec(ctx, `
		INSERT INTO events (name, description, creator_id, start_at, nb_participants_max, started, group_id, lat, lng, created_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?, ?)`,
		e.Name, e.Description, e.CreatorID, e.Date, e.NbParticipantsMax, lat, lng, now)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

// AddParticipant invites userID to an event
func AddParticipant(ctx context.Context, ex interfaces.Executor, eventID, userID int64, acked bool) error {
	_, err := ex.Exec(ctx, "INSERT INTO event_participants (event_id, account_id, acked) VALUES (?, ?, ?)",
		eventID, userID, acked)
	if err != nil {
		if err = duplicate(err); isDuplicate(err) {
			return fmt.Errorf("participant %d: %w", userID, types.ErrAlreadyDone)
		}
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

// RemoveParticipant withdraws userID from an event
func RemoveParticipant(ctx context.Context, ex interfaces.Executor, eventID, userID int64) error {
	res, err := ex.Exec(ctx, "DELETE FROM event_participants WHERE event_id = ? AND account_id = ?", eventID, userID)
	if err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("participant %d of event %d: %w", userID, eventID, types.ErrNotAuthorized)
	}
	return nil
}

// AckParticipant accepts an invitation. Accepting twice is types.ErrAlreadyDone.
func AckParticipant(ctx context.Context, ex interfaces.Executor, eventID, userID int64) error {
	var acked bool
	err := ex.QueryRow(ctx, interfaces.LockExclusive,
		"SELECT acked FROM event_participants WHERE event_id = ? AND account_id = ?", eventID, userID).Scan(&acked)
	if err != nil {
		if err = notFound(err, "participant"); isNotFound(err) {
			return fmt.Errorf("participant %d of event %d: %w", userID, eventID, types.ErrNotAuthorized)
		}
		return err
	}
	if acked {
		return fmt.Errorf("event %d: %w", eventID, types.ErrAlreadyDone)
	}
	_, err = ex.Exec(ctx, "UPDATE event_participants SET acked = 1 WHERE event_id = ? AND account_id = ?", eventID, userID)
	if err != nil {
		return fmt.Errorf("ack participant: %w", err)
	}
	return nil
}

// Participant returns the participation of userID in an event;
// types.ErrNotAuthorized when there is none
func Participant(ctx context.Context, ex interfaces.Executor, lock interfaces.LockHint, eventID, userID int64) (*types.Participant, error) {
	p := &types.Participant{EventID: eventID, UserID: userID}
	err := ex.QueryRow(ctx, lock,
		"SELECT acked FROM event_participants WHERE event_id = ? AND account_id = ?", eventID, userID).Scan(&p.Acked)
	if err != nil {
		if err = notFound(err, "participant"); isNotFound(err) {
			return nil, fmt.Errorf("participant %d of event %d: %w", userID, eventID, types.ErrNotAuthorized)
		}
		return nil, err
	}
	return p, nil
}

// EventByID returns an event with its participants
func EventByID(ctx context.Context, ex interfaces.Executor, lock interfaces.LockHint, id int64) (*types.Event, error) {
	e, err := scanEvent(ex.QueryRow(ctx, lock, "SELECT "+eventColumns+" FROM events WHERE id = ?", id))
	if err != nil {
		return nil, notFound(err, "event")
	}
	if e.Participants, err = participants(ctx, ex, id); err != nil {
		return nil, err
	}
	return e, nil
}

// EventsOfUser returns the events userID takes part in, soonest first
func EventsOfUser(ctx context.Context, ex interfaces.Executor, userID int64) ([]*types.Event, error) {
	events, err := queryEvents(ctx, ex, `
		SELECT e.id, e.name, e.description, e.creator_id, e.start_at, e.nb_participants_max, e.started, e.group_id, e.lat, e.lng
		FROM events e JOIN event_participants p ON p.event_id = e.id
		WHERE p.account_id = ?
		ORDER BY e.start_at, e.id`, userID)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if e.Participants, err = participants(ctx, ex, e.ID); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// PendingEvents returns the events not started yet
func PendingEvents(ctx context.Context, ex interfaces.Executor) ([]*types.Event, error) {
	return queryEvents(ctx, ex, "SELECT "+eventColumns+" FROM events WHERE started = 0 ORDER BY start_at, id")
}

// MarkEventStarted records the group of a started event. It reports false
// when the event had already started.
func MarkEventStarted(ctx context.Context, ex interfaces.Executor, eventID, groupID int64) (bool, error) {
	res, err := ex.Exec(ctx, "UPDATE events SET started = 1, group_id = ? WHERE id = ? AND started = 0", groupID, eventID)
	if err != nil {
		return false, fmt.Errorf("start event: %w", err)
	}
	n, err := affected(res)
	return n == 1, err
}

func participants(ctx context.Context, ex interfaces.Executor, eventID int64) ([]*types.Participant, error) {
	rows, err := ex.Query(ctx, interfaces.LockNone,
		"SELECT account_id, acked FROM event_participants WHERE event_id = ? ORDER BY account_id", eventID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Participant
	for rows.Next() {
		p := &types.Participant{EventID: eventID}
		if err := rows.Scan(&p.UserID, &p.Acked); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func queryEvents(ctx context.Context, ex interfaces.Executor, query string, args ...any) ([]*types.Event, error) {
	rows, err := ex.Query(ctx, interfaces.LockNone, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
