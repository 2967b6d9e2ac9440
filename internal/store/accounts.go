package store

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"pigeon/pkg/interfaces"
	"pigeon/pkg/types"
)

const userColumns = "id, email, nickname, picture, last_seen"

func scanUser(s scanner) (*types.User, error) {
	var u types.User
	if err := s.Scan(&u.ID, &u.Email, &u.Nickname, &u.Picture, &u.LastSeen); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateAccount inserts an account and returns its id
func CreateAccount(ctx context.Context, ex interfaces.Executor, a *types.Account, now time.Time) (int64, error) {
	res, err := ex.Exec(ctx, `
		INSERT INTO accounts (email, password_hash, nickname, picture, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.Email, a.PasswordHash, a.Nickname, a.Picture, now, now)
	if err != nil {
		if err = duplicate(err); isDuplicate(err) {
			return 0, types.ErrEmailTaken
		}
		return 0, fmt.Errorf("insert account: %w", err)
	}
	return res.LastInsertId()
}

// AccountByEmail returns the account with its password hash
func AccountByEmail(ctx context.Context, ex interfaces.Executor, email string) (*types.Account, error) {
	var a types.Account
	err := ex.QueryRow(ctx, interfaces.LockNone,
		"SELECT "+userColumns+", password_hash FROM accounts WHERE email = ?", email).
		Scan(&a.ID, &a.Email, &a.Nickname, &a.Picture, &a.LastSeen, &a.PasswordHash)
	if err != nil {
		return nil, notFound(err, "account by email")
	}
	return &a, nil
}

// UserByID returns one user
func UserByID(ctx context.Context, ex interfaces.Executor, lock interfaces.LockHint, id int64) (*types.User, error) {
	u, err := scanUser(ex.QueryRow(ctx, lock, "SELECT "+userColumns+" FROM accounts WHERE id = ?", id))
	if err != nil {
		return nil, notFound(err, "user by id")
	}
	return u, nil
}

// UserByEmail returns one user
func UserByEmail(ctx context.Context, ex interfaces.Executor, email string) (*types.User, error) {
	u, err := scanUser(ex.QueryRow(ctx, interfaces.LockNone, "SELECT "+userColumns+" FROM accounts WHERE email = ?", email))
	if err != nil {
		return nil, notFound(err, "user by email")
	}
	return u, nil
}

// UsersByIDs returns the users that exist among ids, ordered by id
func UsersByIDs(ctx context.Context, ex interfaces.Executor, ids []int64) ([]*types.User, error) {
	ids = lo.Uniq(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := ex.Query(ctx, interfaces.LockNone,
		"SELECT "+userColumns+" FROM accounts WHERE id IN ("+placeholders(len(ids))+") ORDER BY id",
		lo.ToAnySlice(ids)...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// TouchLastSeen records activity of an account
func TouchLastSeen(ctx context.Context, ex interfaces.Executor, id int64, now time.Time) error {
	if _, err := ex.Exec(ctx, "UPDATE accounts SET last_seen = ? WHERE id = ?", now, id); err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

// CreateToken stores a login token
func CreateToken(ctx context.Context, ex interfaces.Executor, token string, accountID int64, expires time.Time) error {
	_, err := ex.Exec(ctx, "INSERT INTO login_tokens (token, account_id, expires_at) VALUES (?, ?, ?)",
		token, accountID, expires)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// AccountByToken resolves a live token. Unknown and expired tokens are
// not authorized.
func AccountByToken(ctx context.Context, ex interfaces.Executor, token string, now time.Time) (int64, error) {
	var accountID int64
	var expires time.Time
	err := ex.QueryRow(ctx, interfaces.LockShared,
		"SELECT account_id, expires_at FROM login_tokens WHERE token = ?", token).
		Scan(&accountID, &expires)
	if err != nil {
		if err = notFound(err, "token"); isNotFound(err) {
			return 0, types.ErrNotAuthorized
		}
		return 0, err
	}
	if !expires.After(now) {
		return 0, fmt.Errorf("token expired: %w", types.ErrNotAuthorized)
	}
	return accountID, nil
}

// RefreshToken pushes the expiry of a token
func RefreshToken(ctx context.Context, ex interfaces.Executor, token string, expires time.Time) error {
	if _, err := ex.Exec(ctx, "UPDATE login_tokens SET expires_at = ? WHERE token = ?", expires, token); err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	return nil
}

// DeleteToken drops a token; deleting an unknown token is not an error
func DeleteToken(ctx context.Context, ex interfaces.Executor, token string) error {
	if _, err := ex.Exec(ctx, "DELETE FROM login_tokens WHERE token = ?", token); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// PurgeExpiredTokens deletes tokens expired at now
func PurgeExpiredTokens(ctx context.Context, ex interfaces.Executor, now time.Time) (int64, error) {
	res, err := ex.Exec(ctx, "DELETE FROM login_tokens WHERE expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	return affected(res)
}
