package store

import (
	"context"
	"fmt"
	"time"

	"pigeon/pkg/interfaces"
	"pigeon/pkg/types"
)

// CreateGroup inserts an empty group and returns its id
func CreateGroup(ctx context.Context, ex interfaces.Executor, name string, isContact bool, now time.Time) (int64, error) {
	res, err := ex.Exec(ctx,
		"INSERT INTO chat_groups (name, is_contact, last_message_id, nb_members, created_at) VALUES (?, ?, 0, 0, ?)",
		name, isContact, now)
	if err != nil {
		return 0, fmt.Errorf("insert group: %w", err)
	}
	return res.LastInsertId()
}

// GroupByID returns a group without its members
func GroupByID(ctx context.Context, ex interfaces.Executor, lock interfaces.LockHint, id int64) (*types.Group, error) {
	var g types.Group
	err := ex.QueryRow(ctx, lock,
		"SELECT id, name, is_contact, last_message_id, created_at FROM chat_groups WHERE id = ?", id).
		Scan(&g.ID, &g.Name, &g.IsContact, &g.LastMessageID, &g.CreatedAt)
	if err != nil {
		return nil, notFound(err, "group")
	}
	return &g, nil
}

// DeleteGroup removes a group; members, messages and acks cascade
func DeleteGroup(ctx context.Context, ex interfaces.Executor, id int64) error {
	for _, q := range []string{
		"DELETE FROM message_acks WHERE group_id = ?",
		"DELETE FROM member_join_history WHERE group_id = ?",
		"DELETE FROM messages WHERE group_id = ?",
		"DELETE FROM group_members WHERE group_id = ?",
		"DELETE FROM chat_groups WHERE id = ?",
	} {
		if _, err := ex.Exec(ctx, q, id); err != nil {
			return fmt.Errorf("delete group: %w", err)
		}
	}
	return nil
}

// NextMessageID allocates the next message id of a group.
// FUNCTIONAL DISCOVERY: The update takes the group row lock, so concurrent
// senders of one group get consecutive ids in commit order
func NextMessageID(ctx context.Context, ex interfaces.Executor, groupID int64) (int64, error) {
	res, err := ex.Exec(ctx, "UPDATE chat_groups SET last_message_id = last_message_id + 1 WHERE id = ?", groupID)
	if err != nil {
		return 0, fmt.Errorf("allocate message id: %w", err)
	}
	if n, err := affected(res); err != nil {
		return 0, err
	} else if n == 0 {
		return 0, fmt.Errorf("group %d: %w", groupID, types.ErrNotFound)
	}
	var id int64
	err = ex.QueryRow(ctx, interfaces.LockNone, "SELECT last_message_id FROM chat_groups WHERE id = ?", groupID).Scan(&id)
	if err != nil {
		return 0, notFound(err, "last message id")
	}
	return id, nil
}

// AddMember inserts a membership whose ack floor is ackStart.
// Adding an existing member is types.ErrAlreadyDone.
func AddMember(ctx context.Context, ex interfaces.Executor, groupID, userID, ackStart int64, now time.Time) error {
	_, err := ex.Exec(ctx,
		"INSERT INTO group_members (group_id, account_id, ack_start, nb_new_messages, joined_at) VALUES (?, ?, ?, 0, ?)",
		groupID, userID, ackStart, now)
	if err != nil {
		if err = duplicate(err); isDuplicate(err) {
			return fmt.Errorf("member %d of group %d: %w", userID, groupID, types.ErrAlreadyDone)
		}
		return fmt.Errorf("insert member: %w", err)
	}
	if _, err := ex.Exec(ctx, "UPDATE chat_groups SET nb_members = nb_members + 1 WHERE id = ?", groupID); err != nil {
		return fmt.Errorf("count member: %w", err)
	}
	return nil
}

// RemoveMember deletes a membership with its acks and returns the number
// of members left
func RemoveMember(ctx context.Context, ex interfaces.Executor, groupID, userID int64) (int64, error) {
	res, err := ex.Exec(ctx, "DELETE FROM group_members WHERE group_id = ? AND account_id = ?", groupID, userID)
	if err != nil {
		return 0, fmt.Errorf("delete member: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("member %d of group %d: %w", userID, groupID, types.ErrNotAuthorized)
	}
	if _, err := ex.Exec(ctx, "DELETE FROM message_acks WHERE group_id = ? AND account_id = ?", groupID, userID); err != nil {
		return 0, fmt.Errorf("delete member acks: %w", err)
	}
	if _, err := ex.Exec(ctx, "UPDATE chat_groups SET nb_members = nb_members - 1 WHERE id = ?", groupID); err != nil {
		return 0, fmt.Errorf("count member: %w", err)
	}
	var left int64
	err = ex.QueryRow(ctx, interfaces.LockNone, "SELECT nb_members FROM chat_groups WHERE id = ?", groupID).Scan(&left)
	if err != nil {
		return 0, notFound(err, "member count")
	}
	return left, nil
}

// Member returns the membership of userID in groupID. A missing row means
// the user may not act on the group: types.ErrNotAuthorized.
func Member(ctx context.Context, ex interfaces.Executor, lock interfaces.LockHint, groupID, userID int64) (*types.Member, error) {
	m := types.Member{GroupID: groupID, UserID: userID}
	err := ex.QueryRow(ctx, lock,
		"SELECT ack_start, nb_new_messages FROM group_members WHERE group_id = ? AND account_id = ?",
		groupID, userID).Scan(&m.AckStart, &m.NbNewMessages)
	if err != nil {
		if err = notFound(err, "member"); isNotFound(err) {
			return nil, fmt.Errorf("user %d in group %d: %w", userID, groupID, types.ErrNotAuthorized)
		}
		return nil, err
	}
	return &m, nil
}

// Members returns every member of a group with their nickname
func Members(ctx context.Context, ex interfaces.Executor, lock interfaces.LockHint, groupID int64) ([]*types.Member, error) {
	rows, err := ex.Query(ctx, lock, `
		SELECT m.account_id, a.nickname, m.ack_start, m.nb_new_messages
		FROM group_members m JOIN accounts a ON a.id = m.account_id
		WHERE m.group_id = ?
		ORDER BY m.account_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []*types.Member
	for rows.Next() {
		m := &types.Member{GroupID: groupID}
		if err := rows.Scan(&m.UserID, &m.Nickname, &m.AckStart, &m.NbNewMessages); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// MemberIDs returns the user ids of a group
func MemberIDs(ctx context.Context, ex interfaces.Executor, groupID int64) ([]int64, error) {
	return queryIDs(ctx, ex, "SELECT account_id FROM group_members WHERE group_id = ? ORDER BY account_id", groupID)
}

// GroupIDsOfUser returns the ids of the groups userID belongs to
func GroupIDsOfUser(ctx context.Context, ex interfaces.Executor, userID int64) ([]int64, error) {
	return queryIDs(ctx, ex, "SELECT group_id FROM group_members WHERE account_id = ? ORDER BY group_id", userID)
}

// GroupsOfUser returns the groups of userID with their members and the
// unread counter of userID
func GroupsOfUser(ctx context.Context, ex interfaces.Executor, userID int64) ([]*types.Group, error) {
	rows, err := ex.Query(ctx, interfaces.LockNone, `
		SELECT g.id, g.name, g.is_contact, g.last_message_id, g.created_at, m.nb_new_messages
		FROM chat_groups g JOIN group_members m ON m.group_id = g.id
		WHERE m.account_id = ?
		ORDER BY g.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	var groups []*types.Group
	for rows.Next() {
		g := &types.Group{}
		if err := rows.Scan(&g.ID, &g.Name, &g.IsContact, &g.LastMessageID, &g.CreatedAt, &g.NbNewMessages); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, g := range groups {
		if g.Members, err = Members(ctx, ex, interfaces.LockNone, g.ID); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// SetAckStart moves the ack floor of a member
func SetAckStart(ctx context.Context, ex interfaces.Executor, groupID, userID, floor int64) error {
	_, err := ex.Exec(ctx, "UPDATE group_members SET ack_start = ? WHERE group_id = ? AND account_id = ?",
		floor, groupID, userID)
	if err != nil {
		return fmt.Errorf("set ack start: %w", err)
	}
	return nil
}

// IncrementUnread counts a new message for every member but the sender
func IncrementUnread(ctx context.Context, ex interfaces.Executor, groupID, senderID int64) error {
	_, err := ex.Exec(ctx,
		"UPDATE group_members SET nb_new_messages = nb_new_messages + 1 WHERE group_id = ? AND account_id <> ?",
		groupID, senderID)
	if err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	return nil
}

// DecrementUnread lowers the unread counter of a member by n, not below zero
func DecrementUnread(ctx context.Context, ex interfaces.Executor, groupID, userID, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := ex.Exec(ctx, `
		UPDATE group_members
		SET nb_new_messages = CASE WHEN nb_new_messages > ? THEN nb_new_messages - ? ELSE 0 END
		WHERE group_id = ? AND account_id = ?`,
		n, n, groupID, userID)
	if err != nil {
		return fmt.Errorf("decrement unread: %w", err)
	}
	return nil
}

// AddJoinRecord appends to the join history of a group
func AddJoinRecord(ctx context.Context, ex interfaces.Executor, groupID, userID, messageID int64) error {
	_, err := ex.Exec(ctx, "INSERT INTO member_join_history (group_id, account_id, message_id) VALUES (?, ?, ?)",
		groupID, userID, messageID)
	if err != nil {
		return fmt.Errorf("insert join record: %w", err)
	}
	return nil
}

// JoinHistory returns the join history of a group in join order
func JoinHistory(ctx context.Context, ex interfaces.Executor, groupID int64) ([]*types.JoinRecord, error) {
	rows, err := ex.Query(ctx, interfaces.LockNone,
		"SELECT account_id, message_id FROM member_join_history WHERE group_id = ? ORDER BY id", groupID)
	if err != nil {
		return nil, fmt.Errorf("query join history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*types.JoinRecord
	for rows.Next() {
		r := &types.JoinRecord{GroupID: groupID}
		if err := rows.Scan(&r.UserID, &r.MessageID); err != nil {
			return nil, fmt.Errorf("scan join record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func queryIDs(ctx context.Context, ex interfaces.Executor, query string, args ...any) ([]int64, error) {
	rows, err := ex.Query(ctx, interfaces.LockNone, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
