package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"pigeon/pkg/interfaces"
	"pigeon/pkg/types"
)

const messageColumns = "group_id, message_id, account_id, type, content, importance, lat, lng, nbread, created_at"

func scanMessage(s scanner) (*types.Message, error) {
	var m types.Message
	var lat, lng sql.NullFloat64
	if err := s.Scan(&m.GroupID, &m.MessageID, &m.UserID, &m.Type, &m.Content, &m.Importance,
		&lat, &lng, &m.NbRead, &m.Date); err != nil {
		return nil, err
	}
	m.Location = location(lat, lng)
	return &m, nil
}

// InsertMessage stores a message whose id was allocated by NextMessageID
func InsertMessage(ctx context.Context, ex interfaces.Executor, m *types.Message) error {
	lat, lng := latLng(m.Location)
	_, err := ex.Exec(ctx, "INSERT INTO messages ("+messageColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		m.GroupID, m.MessageID, m.UserID, m.Type, m.Content, m.Importance, lat, lng, m.NbRead, m.Date)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// MessagesInRange returns the messages of [start, end] in id order
func MessagesInRange(ctx context.Context, ex interfaces.Executor, groupID, start, end int64) ([]*types.Message, error) {
	return queryMessages(ctx, ex,
		"SELECT "+messageColumns+" FROM messages WHERE group_id = ? AND message_id BETWEEN ? AND ? ORDER BY message_id",
		groupID, start, end)
}

// RecentMessages returns the last count messages in id order
func RecentMessages(ctx context.Context, ex interfaces.Executor, groupID int64, count int) ([]*types.Message, error) {
	messages, err := queryMessages(ctx, ex,
		"SELECT "+messageColumns+" FROM messages WHERE group_id = ? ORDER BY message_id DESC LIMIT ?",
		groupID, count)
	if err != nil {
		return nil, err
	}
	slices.Reverse(messages)
	return messages, nil
}

// NbReadOfMessages returns message id and nbread of [start, end]
func NbReadOfMessages(ctx context.Context, ex interfaces.Executor, groupID, start, end int64) (map[int64]int64, error) {
	rows, err := ex.Query(ctx, interfaces.LockNone,
		"SELECT message_id, nbread FROM messages WHERE group_id = ? AND message_id BETWEEN ? AND ?",
		groupID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query nbread: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64]int64)
	for rows.Next() {
		var id, nb int64
		if err := rows.Scan(&id, &nb); err != nil {
			return nil, fmt.Errorf("scan nbread: %w", err)
		}
		out[id] = nb
	}
	return out, rows.Err()
}

// MarkRead decrements nbread of the messages of r not written by readerID
// and returns how many messages were counted
func MarkRead(ctx context.Context, ex interfaces.Executor, groupID int64, r types.AckRange, readerID int64) (int64, error) {
	res, err := ex.Exec(ctx, `
		UPDATE messages SET nbread = nbread - 1
		WHERE group_id = ? AND message_id BETWEEN ? AND ? AND account_id <> ? AND nbread > 0`,
		groupID, r.Start, r.End, readerID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return affected(res)
}

func queryMessages(ctx context.Context, ex interfaces.Executor, query string, args ...any) ([]*types.Message, error) {
	rows, err := ex.Query(ctx, interfaces.LockNone, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// AckIntervals returns the stored ack intervals of a member ordered by start
func AckIntervals(ctx context.Context, ex interfaces.Executor, lock interfaces.LockHint, groupID, userID int64) ([]types.AckRange, error) {
	rows, err := ex.Query(ctx, lock,
		"SELECT ack_start, ack_end FROM message_acks WHERE group_id = ? AND account_id = ? ORDER BY ack_start",
		groupID, userID)
	if err != nil {
		return nil, fmt.Errorf("query acks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var intervals []types.AckRange
	for rows.Next() {
		var r types.AckRange
		if err := rows.Scan(&r.Start, &r.End); err != nil {
			return nil, fmt.Errorf("scan ack: %w", err)
		}
		intervals = append(intervals, r)
	}
	return intervals, rows.Err()
}

// ReplaceAcks deletes the removed intervals of a member and inserts added
func ReplaceAcks(ctx context.Context, ex interfaces.Executor, groupID, userID int64, removed, added []types.AckRange) error {
	for _, r := range removed {
		_, err := ex.Exec(ctx, "DELETE FROM message_acks WHERE group_id = ? AND account_id = ? AND ack_start = ?",
			groupID, userID, r.Start)
		if err != nil {
			return fmt.Errorf("delete ack: %w", err)
		}
	}
	for _, r := range added {
		_, err := ex.Exec(ctx, "INSERT INTO message_acks (group_id, account_id, ack_start, ack_end) VALUES (?, ?, ?, ?)",
			groupID, userID, r.Start, r.End)
		if err != nil {
			return fmt.Errorf("insert ack: %w", err)
		}
	}
	return nil
}
