package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"pigeon/internal/outbound"
	"pigeon/internal/session"
	"pigeon/internal/store"
	"pigeon/internal/txn"
	"pigeon/pkg/interfaces"
	"pigeon/pkg/types"
)

// Chat notification event names
const (
	EventJoinContactChat = "joinContactChat"
	EventNewMessage      = "newMessage"
)

type sendMessageRequest struct {
	GroupID    int64             `json:"groupId" validate:"required,gt=0"`
	Type       types.MessageType `json:"type" validate:"msgtype"`
	Content    string            `json:"content" validate:"required,max=4096"`
	Importance int               `json:"importance" validate:"gte=0,lte=2"`
	Location   *types.Location   `json:"location"`
	SendID     string            `json:"sendId" validate:"max=64"`
}

type rangeRequest struct {
	GroupID        int64 `json:"groupId" validate:"required,gt=0"`
	MessageIDStart int64 `json:"messageIdStart" validate:"required,gt=0"`
	MessageIDEnd   int64 `json:"messageIdEnd" validate:"required,gtefield=MessageIDStart"`
}

type recentRequest struct {
	GroupID int64 `json:"groupId" validate:"required,gt=0"`
	Count   int   `json:"count" validate:"required,gt=0"`
}

type nbRead struct {
	MessageID int64 `json:"messageId"`
	NbRead    int64 `json:"nbread"`
}

// JoinContactChat opens the two-member chat of a mutual contact pair,
// creating it on first use
func (s *Service) JoinContactChat(ctx context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	var req userRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}
	if req.UserID == userID {
		return nil, fmt.Errorf("%w: contact chat with yourself", types.ErrValidation)
	}
	pair := []int64{userID, req.UserID}

	now := s.now()
	res, err := s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		ex := tc.Exec()
		mine, err := store.Contact(ctx, ex, interfaces.LockExclusive, userID, req.UserID)
		if err != nil {
			return nil, mutual(err)
		}
		if _, err := store.Contact(ctx, ex, interfaces.LockExclusive, req.UserID, userID); err != nil {
			return nil, mutual(err)
		}

		if mine.GroupID != 0 {
			group, err := loadGroup(ctx, ex, mine.GroupID)
			if err == nil {
				s.joinRoom(tc, group.ID, pair)
				return txn.Result{group}, nil
			}
			if !errors.Is(err, types.ErrNotFound) {
				return nil, err
			}
			s.log.Warn("Contact chat vanished, creating a new one", "group", mine.GroupID, "users", pair)
		}

		groupID, err := store.CreateGroup(ctx, ex, "", true, now)
		if err != nil {
			return nil, err
		}
		for _, id := range pair {
			if err := store.AddMember(ctx, ex, groupID, id, 1, now); err != nil {
				return nil, err
			}
		}
		if err := store.SetContactGroup(ctx, ex, userID, req.UserID, groupID); err != nil {
			return nil, err
		}
		group, err := loadGroup(ctx, ex, groupID)
		if err != nil {
			return nil, err
		}
		s.joinRoom(tc, groupID, pair)
		s.notifyUsers(tc, pair, sess, EventJoinContactChat, types.Success(types.Payload{"group": group}))
		return txn.Result{group}, nil
	})
	if err != nil {
		return nil, err
	}
	return types.Payload{"group": res[0]}, nil
}

func mutual(err error) error {
	if errors.Is(err, types.ErrNotFound) {
		return types.ErrNotMutualContact
	}
	return err
}

// SendMessage appends a message to a group. Online members other than the
// sending session get newMessage once the message is committed.
func (s *Service) SendMessage(ctx context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	var req sendMessageRequest
	if err := types.Decode(data, &req); err != nil {
		return types.Payload{"sendId": req.SendID}, err
	}
	correlation := types.Payload{"sendId": req.SendID, "groupId": req.GroupID}

	now := s.now()
	res, err := s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		ex := tc.Exec()
		if _, err := store.Member(ctx, ex, interfaces.LockExclusive, req.GroupID, userID); err != nil {
			return nil, err
		}
		messageID, err := store.NextMessageID(ctx, ex, req.GroupID)
		if err != nil {
			return nil, err
		}
		members, err := store.MemberIDs(ctx, ex, req.GroupID)
		if err != nil {
			return nil, err
		}
		msg := &types.Message{
			GroupID:    req.GroupID,
			MessageID:  messageID,
			UserID:     userID,
			Type:       req.Type,
			Content:    req.Content,
			Importance: req.Importance,
			Location:   req.Location,
			NbRead:     int64(len(members) - 1),
			Date:       now,
		}
		if err := store.InsertMessage(ctx, ex, msg); err != nil {
			return nil, err
		}
		if err := store.IncrementUnread(ctx, ex, req.GroupID, userID); err != nil {
			return nil, err
		}
		s.rooms.BroadcastExcept(req.GroupID, sess, EventNewMessage, types.Success(types.Payload{"message": msg}), tc)
		return txn.Result{msg}, nil
	})
	if err != nil {
		return correlation, err
	}
	msg := res[0].(*types.Message)
	correlation["messageId"] = msg.MessageID
	correlation["date"] = msg.Date
	return correlation, nil
}

// ReadMessage returns the messages of an id range
func (s *Service) ReadMessage(ctx context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	var req rangeRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}
	if err := s.checkRange(req); err != nil {
		return types.Payload{"groupId": req.GroupID}, err
	}
	res, err := s.memberRead(ctx, req.GroupID, userID, func(ctx context.Context, ex interfaces.Executor) (any, error) {
		return store.MessagesInRange(ctx, ex, req.GroupID, req.MessageIDStart, req.MessageIDEnd)
	})
	if err != nil {
		return types.Payload{"groupId": req.GroupID}, err
	}
	return types.Payload{"groupId": req.GroupID, "messages": orEmpty(res.([]*types.Message))}, nil
}

// ReadRecentMessage returns the last count messages of a group
func (s *Service) ReadRecentMessage(ctx context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	var req recentRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}
	if req.Count > s.config.MaxReadMessages {
		return types.Payload{"groupId": req.GroupID},
			fmt.Errorf("%w: at most %d messages", types.ErrValidation, s.config.MaxReadMessages)
	}
	res, err := s.memberRead(ctx, req.GroupID, userID, func(ctx context.Context, ex interfaces.Executor) (any, error) {
		return store.RecentMessages(ctx, ex, req.GroupID, req.Count)
	})
	if err != nil {
		return types.Payload{"groupId": req.GroupID}, err
	}
	return types.Payload{"groupId": req.GroupID, "messages": orEmpty(res.([]*types.Message))}, nil
}

// ReadNbreadOfMessages returns how many members still have to read each
// message of a range
func (s *Service) ReadNbreadOfMessages(ctx context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	var req rangeRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}
	if err := s.checkRange(req); err != nil {
		return types.Payload{"groupId": req.GroupID}, err
	}
	res, err := s.memberRead(ctx, req.GroupID, userID, func(ctx context.Context, ex interfaces.Executor) (any, error) {
		return store.NbReadOfMessages(ctx, ex, req.GroupID, req.MessageIDStart, req.MessageIDEnd)
	})
	if err != nil {
		return types.Payload{"groupId": req.GroupID}, err
	}
	counts := res.(map[int64]int64)
	ids := lo.Keys(counts)
	slices.Sort(ids)
	out := lo.Map(ids, func(id int64, _ int) nbRead { return nbRead{MessageID: id, NbRead: counts[id]} })
	return types.Payload{"groupId": req.GroupID, "messages": out}, nil
}

func (s *Service) checkRange(req rangeRequest) error {
	if n := req.MessageIDEnd - req.MessageIDStart + 1; n > int64(s.config.MaxReadMessages) {
		return fmt.Errorf("%w: %d messages requested, at most %d", types.ErrValidation, n, s.config.MaxReadMessages)
	}
	return nil
}

// memberRead runs read under a shared lock on the membership of userID
func (s *Service) memberRead(ctx context.Context, groupID, userID int64,
	read func(ctx context.Context, ex interfaces.Executor) (any, error)) (any, error) {
	res, err := s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		if _, err := store.Member(ctx, tc.Exec(), interfaces.LockShared, groupID, userID); err != nil {
			return nil, err
		}
		out, err := read(ctx, tc.Exec())
		if err != nil {
			return nil, err
		}
		return txn.Result{out}, nil
	})
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// JoinChat puts the session in the room of a group it belongs to.
// FUNCTIONAL DISCOVERY: membership is checked under the row lock before the
// room join, so a non member never becomes a broadcast target
func (s *Service) JoinChat(ctx context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	var req groupRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}
	correlation := types.Payload{"groupId": req.GroupID}

	_, err = s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		if _, err := store.Member(ctx, tc.Exec(), interfaces.LockShared, req.GroupID, userID); err != nil {
			return nil, err
		}
		s.joinSessions(tc, req.GroupID, []*session.Session{sess})
		return nil, nil
	})
	if err != nil {
		return correlation, err
	}
	correlation["online"] = s.onlineUsers(req.GroupID)
	return correlation, nil
}

// LeaveChat takes the session out of a room; membership is unchanged
func (s *Service) LeaveChat(_ context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	if _, err := userOf(sess); err != nil {
		return nil, err
	}
	var req groupRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}
	correlation := types.Payload{"groupId": req.GroupID}
	if _, err := s.rooms.Leave(req.GroupID, []*session.Session{sess}, outbound.Immediate{}); err != nil {
		return correlation, err
	}
	return correlation, nil
}

// GetMemberJoinHistory returns who joined a group behind which message
func (s *Service) GetMemberJoinHistory(ctx context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	var req groupRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}
	res, err := s.memberRead(ctx, req.GroupID, userID, func(ctx context.Context, ex interfaces.Executor) (any, error) {
		return store.JoinHistory(ctx, ex, req.GroupID)
	})
	if err != nil {
		return types.Payload{"groupId": req.GroupID}, err
	}
	return types.Payload{"groupId": req.GroupID, "history": orEmpty(res.([]*types.JoinRecord))}, nil
}

func (s *Service) onlineUsers(groupID int64) []int64 {
	room, ok := s.rooms.Get(groupID)
	if !ok {
		return []int64{}
	}
	ids := lo.Uniq(lo.Map(room.Members(), func(m *session.Session, _ int) int64 { return m.UserID() }))
	slices.Sort(ids)
	return ids
}
