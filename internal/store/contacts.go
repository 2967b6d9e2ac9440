package store

import (
	"context"
	"fmt"

	"pigeon/pkg/interfaces"
	"pigeon/pkg/types"
)

// AddContact records that accountID lists contactID. Adding twice is
// types.ErrAlreadyDone.
func AddContact(ctx context.Context, ex interfaces.Executor, accountID, contactID int64) error {
	_, err := ex.Exec(ctx, "INSERT INTO contacts (account_id, contact_id, group_id) VALUES (?, ?, 0)",
		accountID, contactID)
	if err != nil {
		if err = duplicate(err); isDuplicate(err) {
			return fmt.Errorf("contact %d: %w", contactID, types.ErrAlreadyDone)
		}
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

// RemoveContact deletes one direction of a contact
func RemoveContact(ctx context.Context, ex interfaces.Executor, accountID, contactID int64) error {
	res, err := ex.Exec(ctx, "DELETE FROM contacts WHERE account_id = ? AND contact_id = ?", accountID, contactID)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("contact %d: %w", contactID, types.ErrNotFound)
	}
	return nil
}

// Contact returns the row where accountID lists contactID
func Contact(ctx context.Context, ex interfaces.Executor, lock interfaces.LockHint, accountID, contactID int64) (*types.Contact, error) {
	c := types.Contact{UserID: accountID, ContactID: contactID}
	err := ex.QueryRow(ctx, lock,
		"SELECT group_id FROM contacts WHERE account_id = ? AND contact_id = ?", accountID, contactID).
		Scan(&c.GroupID)
	if err != nil {
		return nil, notFound(err, "contact")
	}
	return &c, nil
}

// SetContactGroup stores the contact chat of a pair in both directions
func SetContactGroup(ctx context.Context, ex interfaces.Executor, a, b, groupID int64) error {
	_, err := ex.Exec(ctx, `
		UPDATE contacts SET group_id = ?
		WHERE (account_id = ? AND contact_id = ?) OR (account_id = ? AND contact_id = ?)`,
		groupID, a, b, b, a)
	if err != nil {
		return fmt.Errorf("set contact group: %w", err)
	}
	return nil
}

// ClearContactGroup forgets a deleted contact chat
func ClearContactGroup(ctx context.Context, ex interfaces.Executor, groupID int64) error {
	if _, err := ex.Exec(ctx, "UPDATE contacts SET group_id = 0 WHERE group_id = ?", groupID); err != nil {
		return fmt.Errorf("clear contact group: %w", err)
	}
	return nil
}

// ListContacts returns the contacts of accountID with their user info
func ListContacts(ctx context.Context, ex interfaces.Executor, accountID int64) ([]*types.Contact, error) {
	rows, err := ex.Query(ctx, interfaces.LockNone, `
		SELECT c.contact_id, c.group_id, a.id, a.email, a.nickname, a.picture, a.last_seen
		FROM contacts c JOIN accounts a ON a.id = c.contact_id
		WHERE c.account_id = ?
		ORDER BY a.nickname, a.id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var contacts []*types.Contact
	for rows.Next() {
		c := &types.Contact{UserID: accountID, User: &types.User{}}
		if err := rows.Scan(&c.ContactID, &c.GroupID,
			&c.User.ID, &c.User.Email, &c.User.Nickname, &c.User.Picture, &c.User.LastSeen); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}
