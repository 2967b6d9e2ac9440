package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"pigeon/internal/ack"
	"pigeon/internal/session"
	"pigeon/internal/store"
	"pigeon/internal/txn"
	"pigeon/pkg/interfaces"
	"pigeon/pkg/types"
)

// EventMessageAck tells room members which range a user has read
const EventMessageAck = "messageAck"

type ackRequest struct {
	GroupID  int64 `json:"groupId" validate:"required,gt=0"`
	AckStart int64 `json:"ackStart" validate:"required,gt=0"`
	AckEnd   int64 `json:"ackEnd" validate:"required,gtefield=AckStart"`
}

// AckMessage marks a range of messages read by the session user. Only the
// newly covered sub-ranges touch nbread and the unread counter, so repeated
// acks are answered with success and change nothing.
func (s *Service) AckMessage(ctx context.Context, sess *session.Session, data json.RawMessage) (types.Payload, error) {
	userID, err := userOf(sess)
	if err != nil {
		return nil, err
	}
	var req ackRequest
	if err := types.Decode(data, &req); err != nil {
		return nil, err
	}
	correlation := types.Payload{"groupId": req.GroupID, "ackStart": req.AckStart, "ackEnd": req.AckEnd}

	_, err = s.orch.Atomic(ctx, func(ctx context.Context, tc *txn.Context, _ txn.Result) (txn.Result, error) {
		ex := tc.Exec()
		// ARCHITECTURAL DISCOVERY: the membership row lock is taken first and
		// serializes every ack of one member
		member, err := store.Member(ctx, ex, interfaces.LockExclusive, req.GroupID, userID)
		if err != nil {
			return nil, err
		}
		group, err := store.GroupByID(ctx, ex, interfaces.LockNone, req.GroupID)
		if err != nil {
			return nil, err
		}
		if req.AckEnd > group.LastMessageID {
			return nil, fmt.Errorf("%w: ack end %d past last message %d", types.ErrValidation, req.AckEnd, group.LastMessageID)
		}
		intervals, err := store.AckIntervals(ctx, ex, interfaces.LockExclusive, req.GroupID, userID)
		if err != nil {
			return nil, err
		}
		if err := ack.CheckDisjoint(intervals, member.AckStart); err != nil {
			s.log.Error("Stored ack intervals are broken", "invariant", "disjoint ack intervals",
				"group", req.GroupID, "user", userID, "error", err)
			return nil, fmt.Errorf("%w: %w", types.ErrInconsistent, err)
		}

		res, err := ack.Merge(intervals, types.AckRange{Start: req.AckStart, End: req.AckEnd}, member.AckStart)
		if errors.Is(err, ack.ErrInvalidRange) {
			return nil, fmt.Errorf("%w: %w", types.ErrValidation, err)
		}
		if err != nil {
			return nil, err
		}
		if res.AlreadyAcked {
			return nil, types.ErrAlreadyAcked
		}

		removed, added := lo.Difference(intervals, res.Intervals)
		if err := store.ReplaceAcks(ctx, ex, req.GroupID, userID, removed, added); err != nil {
			return nil, err
		}
		if res.Floor != member.AckStart {
			if err := store.SetAckStart(ctx, ex, req.GroupID, userID, res.Floor); err != nil {
				return nil, err
			}
		}

		var read int64
		for _, r := range res.NewlyCovered {
			n, err := store.MarkRead(ctx, ex, req.GroupID, r, userID)
			if err != nil {
				return nil, err
			}
			read += n
			s.rooms.BroadcastAll(req.GroupID, EventMessageAck, types.Success(types.Payload{
				"groupId":  req.GroupID,
				"userId":   userID,
				"ackStart": r.Start,
				"ackEnd":   r.End,
			}), tc)
		}
		if err := store.DecrementUnread(ctx, ex, req.GroupID, userID, read); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return correlation, err
	}
	return correlation, nil
}
