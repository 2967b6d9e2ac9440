package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"pigeon/internal/outbound"
	"pigeon/internal/session"
	"pigeon/internal/store"
	"pigeon/internal/txn"
	"pigeon/pkg/interfaces"
	"pigeon/pkg/types"
)

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,password"`
	Nickname string `json:"nickname" validate:"required,max=64"`
}

type passwordLoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,max=64"`
}

type sessionLoginRequest struct {
	SessionID string `json:"sessionId" validate:"required,max=64"`
}

// RegisterAccount creates an account
func (s *Service) RegisterAccount(ctx context.Context, _ *session.Session, data json.RawMessage) (types.Payload, error) {
	var req registerRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now()
	res, err := s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		account := &types.Account{
			User:         types.User{Email: strings.ToLower(req.Email), Nickname: req.Nickname, LastSeen: now},
			PasswordHash: string(hash),
		}
		id, err := store.CreateAccount(ctx, tc.Exec(), account, now)
		if err != nil {
			return nil, err
		}
		user := account.User
		user.ID = id
		tc.AfterCommit(func() {
			s.background("accountRegistered", func(ctx context.Context) error {
				return s.mailer.AccountRegistered(ctx, &user)
			})
		})
		return txn.Result{id}, nil
	})
	if err != nil {
		return nil, err
	}
	return types.Payload{"userId": res[0]}, nil
}

// PasswordLogin checks credentials and hands out a login token, which the
// client then presents to sessionLogin
func (s *Service) PasswordLogin(ctx context.Context, _ *session.Session, data json.RawMessage) (types.Payload, error) {
	var req passwordLoginRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}

	res, err := s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		account, err := store.AccountByEmail(ctx, tc.Exec(), strings.ToLower(req.Email))
		if err != nil {
			return nil, err
		}
		return txn.Result{account}, nil
	})
	if errors.Is(err, types.ErrNotFound) {
		return nil, types.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	account := res[0].(*types.Account)
	// TECHNICAL DISCOVERY: bcrypt runs outside any transaction, it costs tens
	// of milliseconds
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)) != nil {
		return nil, types.ErrInvalidCredentials
	}

	token := uuid.NewString()
	expires := s.now().Add(s.config.TokenTTL)
	_, err = s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		return nil, store.CreateToken(ctx, tc.Exec(), token, account.ID, expires)
	})
	if err != nil {
		return nil, err
	}
	return types.Payload{"sessionId": token, "userId": account.ID}, nil
}

// SessionLogin attaches a login token to the socket session, joins the rooms
// of the user's groups, then pushes the group, contact and event lists.
func (s *Service) SessionLogin(ctx context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	var req sessionLoginRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}
	if err := sess.BeginLogin(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrValidation, err)
	}

	now := s.now()
	res, err := s.orch.Transactional(ctx, []txn.Step{
		func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
			userID, err := store.AccountByToken(ctx, tc.Exec(), req.SessionID, now)
			if err != nil {
				return nil, err
			}
			if err := store.RefreshToken(ctx, tc.Exec(), req.SessionID, now.Add(s.config.TokenTTL)); err != nil {
				return nil, err
			}
			if err := store.TouchLastSeen(ctx, tc.Exec(), userID, now); err != nil {
				return nil, err
			}
			user, err := store.UserByID(ctx, tc.Exec(), interfaces.LockNone, userID)
			if err != nil {
				return nil, err
			}
			return txn.Result{user}, nil
		},
		func(ctx context.Context, tc *txn.Context, prev txn.Result) (txn.Result, error) {
			groupIDs, err := store.GroupIDsOfUser(ctx, tc.Exec(), prev[0].(*types.User).ID)
			if err != nil {
				return nil, err
			}
			return append(prev, groupIDs), nil
		},
	}, txn.WithCompensation(func(error) { sess.AbortLogin() }))
	if err != nil {
		return nil, err
	}

	user, groupIDs := res[0].(*types.User), res[1].([]int64)
	if err := s.attach(sess, user, req.SessionID, groupIDs); err != nil {
		return nil, err
	}
	s.pushLists(ctx, sess)
	s.log.Info("Session logged in", "user", user.ID, "session", sess.ID(), "groups", len(groupIDs))
	return types.Payload{"user": user}, nil
}

// attach registers a logged in session and joins its rooms
func (s *Service) attach(sess *session.Session, user *types.User, token string, groupIDs []int64) error {
	sess.CompleteLogin(user, token)
	if !sess.IsLoggedIn() {
		return session.ErrSessionClosed
	}
	if err := s.sessions.Add(sess); err != nil {
		return err
	}
	for _, groupID := range groupIDs {
		s.rooms.Join(groupID, []*session.Session{sess}, outbound.Immediate{})
	}
	// FUNCTIONAL DISCOVERY: the transport may close while the login runs;
	// the disconnect path already ran, so undo what it could not see
	if sess.State() == session.StateClosed {
		s.detach(sess)
		return session.ErrSessionClosed
	}
	return nil
}

// detach takes a session out of every room and of the online index
func (s *Service) detach(sess *session.Session) {
	if err := s.rooms.LeaveAll(sess, outbound.Immediate{}); err != nil {
		s.log.Error("Leaving rooms failed", "session", sess.ID(), "error", err)
	}
	s.locations.LeaveAll(sess)
	s.sessions.Remove(sess)
}

// pushLists sends the lists a client needs right after login. They queue
// behind the login reply.
func (s *Service) pushLists(ctx context.Context, sess *session.Session) {
	lists := []struct {
		name string
		run  Handler
	}{
		{"getGroupList", s.GetGroupList},
		{"getContactList", s.GetContactList},
		{"getEventList", s.GetEventList},
	}
	for _, list := range lists {
		payload, err := list.run(ctx, sess, nil)
		if err != nil {
			s.log.Warn("Login list failed", "list", list.name, "session", sess.ID(), "error", err)
			payload = types.Fail(err, nil)
		} else {
			payload = types.Success(payload)
		}
		outbound.Immediate{}.Notify(sess.Queue(), list.name, payload)
	}
}

// Logout drops the login token and takes the session out of its rooms.
// The socket stays open.
func (s *Service) Logout(ctx context.Context, sess *session.Session, _ json.RawMessage) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	token := sess.Token()
	_, err = s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		if err := store.DeleteToken(ctx, tc.Exec(), token); err != nil {
			return nil, err
		}
		return nil, store.TouchLastSeen(ctx, tc.Exec(), userID, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.detach(sess)
	sess.Logout()
	return types.Payload{}, nil
}

// Disconnect cleans up after the transport of sess closed
func (s *Service) Disconnect(sess *session.Session) {
	userID := sess.UserID()
	sess.MarkClosed()
	s.detach(sess)
	s.sessions.Disconnect(sess)
	if userID == 0 {
		return
	}
	s.background("touchLastSeen", func(ctx context.Context) error {
		_, err := s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
			return nil, store.TouchLastSeen(ctx, tc.Exec(), userID, s.now())
		})
		return err
	})
}
