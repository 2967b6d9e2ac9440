package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"

	"pigeon/internal/outbound"
	"pigeon/internal/session"
	"pigeon/internal/store"
	"pigeon/internal/txn"
	"pigeon/pkg/interfaces"
	"pigeon/pkg/types"
)

// Group notification event names
const (
	EventAddGroup       = "addGroup"
	EventMembersInvited = "membersInvited"
	EventMembersExit    = "membersExit"
	EventExitGroup      = "exitGroup"
)

type groupRequest struct {
	GroupID int64 `json:"groupId" validate:"required,gt=0"`
}

type addGroupRequest struct {
	Name    string  `json:"name" validate:"required,max=128"`
	Members []int64 `json:"members" validate:"max=100,dive,gt=0"`
}

type inviteRequest struct {
	GroupID int64   `json:"groupId" validate:"required,gt=0"`
	Members []int64 `json:"members" validate:"required,min=1,max=100,dive,gt=0"`
}

// loadGroup reads a group with its members
func loadGroup(ctx context.Context, ex interfaces.Executor, groupID int64) (*types.Group, error) {
	group, err := store.GroupByID(ctx, ex, interfaces.LockNone, groupID)
	if err != nil {
		return nil, err
	}
	if group.Members, err = store.Members(ctx, ex, interfaces.LockNone, groupID); err != nil {
		return nil, err
	}
	return group, nil
}

// requireUsers fails with a validation error unless every id is an account
func requireUsers(ctx context.Context, ex interfaces.Executor, ids []int64) ([]*types.User, error) {
	users, err := store.UsersByIDs(ctx, ex, ids)
	if err != nil {
		return nil, err
	}
	if len(users) != len(ids) {
		return nil, fmt.Errorf("%w: unknown user in %v", types.ErrValidation, ids)
	}
	return users, nil
}

// admit adds userIDs to a group behind one joinGroup message written by
// actor. The new members' ack floor is past that message.
func admit(ctx context.Context, ex interfaces.Executor, groupID, actor int64, userIDs []int64, now time.Time) (int64, error) {
	messageID, err := store.NextMessageID(ctx, ex, groupID)
	if err != nil {
		return 0, err
	}
	content, err := json.Marshal(userIDs)
	if err != nil {
		return 0, err
	}
	err = store.InsertMessage(ctx, ex, &types.Message{
		GroupID:   groupID,
		MessageID: messageID,
		UserID:    actor,
		Type:      types.MessageTypeJoinGroup,
		Content:   string(content),
		Date:      now,
	})
	if err != nil {
		return 0, err
	}
	for _, userID := range userIDs {
		if err := store.AddMember(ctx, ex, groupID, userID, messageID+1, now); err != nil {
			return 0, err
		}
		if err := store.AddJoinRecord(ctx, ex, groupID, userID, messageID); err != nil {
			return 0, err
		}
	}
	return messageID, nil
}

// GetGroupList returns the groups of the session user with unread counters
func (s *Service) GetGroupList(ctx context.Context, sess *session.Session, _ json.RawMessage) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	res, err := s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		groups, err := store.GroupsOfUser(ctx, tc.Exec(), userID)
		if err != nil {
			return nil, err
		}
		return txn.Result{groups}, nil
	})
	if err != nil {
		return nil, err
	}
	groups := res[0].([]*types.Group)
	if groups == nil {
		groups = []*types.Group{}
	}
	return types.Payload{"groups": groups}, nil
}

// AddGroup creates a group of the session user and members
func (s *Service) AddGroup(ctx context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	var req addGroupRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}
	ids := lo.Uniq(append([]int64{userID}, req.Members...))

	now := s.now()
	res, err := s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		ex := tc.Exec()
		if _, err := requireUsers(ctx, ex, ids); err != nil {
			return nil, err
		}
		groupID, err := store.CreateGroup(ctx, ex, req.Name, false, now)
		if err != nil {
			return nil, err
		}
		if _, err := admit(ctx, ex, groupID, userID, ids, now); err != nil {
			return nil, err
		}
		group, err := loadGroup(ctx, ex, groupID)
		if err != nil {
			return nil, err
		}
		s.joinRoom(tc, groupID, ids)
		s.notifyUsers(tc, ids, sess, EventAddGroup, types.Success(types.Payload{"group": group}))
		return txn.Result{group}, nil
	})
	if err != nil {
		return nil, err
	}
	return types.Payload{"group": res[0]}, nil
}

// InviteGroupMembers adds users to a group the session user belongs to.
// Invited users get addGroup, the other online members membersInvited.
func (s *Service) InviteGroupMembers(ctx context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	var req inviteRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}
	correlation := types.Payload{"groupId": req.GroupID}

	now := s.now()
	res, err := s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		ex := tc.Exec()
		if _, err := store.Member(ctx, ex, interfaces.LockExclusive, req.GroupID, userID); err != nil {
			return nil, err
		}
		group, err := store.GroupByID(ctx, ex, interfaces.LockNone, req.GroupID)
		if err != nil {
			return nil, err
		}
		if group.IsContact {
			return nil, fmt.Errorf("%w: contact chats have two members", types.ErrValidation)
		}
		existing, err := store.MemberIDs(ctx, ex, req.GroupID)
		if err != nil {
			return nil, err
		}
		invited := lo.Without(lo.Uniq(req.Members), existing...)
		if len(invited) == 0 {
			return nil, fmt.Errorf("group %d: %w", req.GroupID, types.ErrAlreadyDone)
		}
		users, err := requireUsers(ctx, ex, invited)
		if err != nil {
			return nil, err
		}
		messageID, err := admit(ctx, ex, req.GroupID, userID, invited, now)
		if err != nil {
			return nil, err
		}
		if group, err = loadGroup(ctx, ex, req.GroupID); err != nil {
			return nil, err
		}

		s.joinRoom(tc, req.GroupID, invited)
		s.notifyUsers(tc, invited, nil, EventAddGroup, types.Success(types.Payload{"group": group}))
		s.rooms.BroadcastExceptUsers(req.GroupID, invited, EventMembersInvited, types.Success(types.Payload{
			"groupId":   req.GroupID,
			"users":     users,
			"messageId": messageID,
		}), tc)
		return txn.Result{invited}, nil
	})
	if err != nil {
		return correlation, err
	}
	correlation["members"] = res[0]
	return correlation, nil
}

// ExitGroup removes the session user from a group. The last member to
// leave deletes the group.
func (s *Service) ExitGroup(ctx context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	var req groupRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}
	correlation := types.Payload{"groupId": req.GroupID}

	now := s.now()
	_, err = s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		ex := tc.Exec()
		if _, err := store.Member(ctx, ex, interfaces.LockExclusive, req.GroupID, userID); err != nil {
			return nil, err
		}
		remaining, err := store.RemoveMember(ctx, ex, req.GroupID, userID)
		if err != nil {
			return nil, err
		}

		var messageID int64
		if remaining == 0 {
			if err := store.DeleteGroup(ctx, ex, req.GroupID); err != nil {
				return nil, err
			}
			if err := store.ClearContactGroup(ctx, ex, req.GroupID); err != nil {
				return nil, err
			}
			tc.AfterCommit(func() { s.rooms.RemoveRoom(req.GroupID) })
		} else {
			if messageID, err = store.NextMessageID(ctx, ex, req.GroupID); err != nil {
				return nil, err
			}
			err = store.InsertMessage(ctx, ex, &types.Message{
				GroupID:   req.GroupID,
				MessageID: messageID,
				UserID:    userID,
				Type:      types.MessageTypeLeftGroup,
				Date:      now,
			})
			if err != nil {
				return nil, err
			}
		}

		left, err := s.rooms.Leave(req.GroupID, s.sessions.UserSessions(userID), tc)
		if err != nil {
			return nil, err
		}
		if len(left) > 0 {
			tc.OnRollback(func() { s.rooms.Join(req.GroupID, left, outbound.Silent{}) })
		}
		if remaining > 0 {
			s.rooms.BroadcastAll(req.GroupID, EventMembersExit, types.Success(types.Payload{
				"groupId":   req.GroupID,
				"userId":    userID,
				"messageId": messageID,
			}), tc)
		}
		s.notifyUsers(tc, []int64{userID}, sess, EventExitGroup, types.Success(types.Payload{"groupId": req.GroupID}))
		return nil, nil
	})
	if err != nil {
		return correlation, err
	}
	return correlation, nil
}
