package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pigeon/internal/session"
	"pigeon/internal/store"
	"pigeon/internal/txn"
	"pigeon/pkg/types"
)

// Contact notification event names
const EventContactAdded = "contactAdded"

type addContactRequest struct {
	Email string `json:"email" validate:"required,email,max=255"`
}

type userRequest struct {
	UserID int64 `json:"userId" validate:"required,gt=0"`
}

// GetContactList returns the contacts of the session user
func (s *Service) GetContactList(ctx context.Context, sess *session.Session, _ json.RawMessage) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	res, err := s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		contacts, err := store.ListContacts(ctx, tc.Exec(), userID)
		if err != nil {
			return nil, err
		}
		return txn.Result{contacts}, nil
	})
	if err != nil {
		return nil, err
	}
	contacts := res[0].([]*types.Contact)
	if contacts == nil {
		contacts = []*types.Contact{}
	}
	return types.Payload{"contacts": contacts}, nil
}

// AddContact lists the account registered under email as a contact of the
// session user. The added user's sessions learn about it with contactAdded.
// FUNCTIONAL DISCOVERY: contacts are one-directional rows; a contact chat
// needs both directions
func (s *Service) AddContact(ctx context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	var req addContactRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}

	res, err := s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		contact, err := store.UserByEmail(ctx, tc.Exec(), strings.ToLower(req.Email))
		if err != nil {
			return nil, err
		}
		if contact.ID == userID {
			return nil, fmt.Errorf("%w: cannot add yourself", types.ErrValidation)
		}
		if err := store.AddContact(ctx, tc.Exec(), userID, contact.ID); err != nil {
			return nil, err
		}
		s.notifyUsers(tc, []int64{contact.ID}, nil, EventContactAdded, types.Success(types.Payload{"user": sess.User()}))
		return txn.Result{contact}, nil
	})
	if err != nil {
		return nil, err
	}
	return types.Payload{"user": res[0]}, nil
}

// RemoveContact deletes the contact row of the session user. The contact
// chat, if any, stays.
func (s *Service) RemoveContact(ctx context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	var req userRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}
	_, err = s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		return nil, store.RemoveContact(ctx, tc.Exec(), userID, req.UserID)
	})
	if err != nil {
		return types.Payload{"userId": req.UserID}, err
	}
	return types.Payload{"userId": req.UserID}, nil
}
