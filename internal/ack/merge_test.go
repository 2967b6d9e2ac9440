package ack

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"pigeon/pkg/types"
)

func r(start, end int64) types.AckRange {
	return types.AckRange{Start: start, End: end}
}

func TestMerge_BridgesTwoIntervals(t *testing.T) {
	req := require.New(t)

	// Given acks {[10,20],[25,30]} of user 7 in group 1
	stored := []types.AckRange{r(10, 20), r(25, 30)}

	// When [18,27] is acknowledged
	res, err := Merge(stored, r(18, 27), 1)

	// Then both intervals merge and only the gap is new
	req.NoError(err)
	req.False(res.AlreadyAcked)
	req.Equal(r(10, 30), res.Merged)
	req.Equal([]types.AckRange{r(21, 24)}, res.NewlyCovered)
	req.Equal([]types.AckRange{r(10, 20), r(25, 30)}, res.Replaced)
	req.Equal([]types.AckRange{r(10, 30)}, res.Intervals)
	req.Equal(int64(1), res.Floor)
}

func TestMerge_BelowFloorIsInvalid(t *testing.T) {
	req := require.New(t)

	_, err := Merge([]types.AckRange{r(12, 20)}, r(5, 9), 10)
	req.ErrorIs(err, ErrInvalidRange)

	_, err = Merge(nil, r(9, 3), 1)
	req.ErrorIs(err, ErrInvalidRange)
}

func TestMerge_ClampsToFloor(t *testing.T) {
	req := require.New(t)

	res, err := Merge(nil, r(5, 14), 10)

	req.NoError(err)
	req.Equal([]types.AckRange{r(10, 14)}, res.NewlyCovered)
	// the interval starts at the floor so it folds into it
	req.Empty(res.Intervals)
	req.Equal(int64(15), res.Floor)
}

func TestMerge_StandaloneInsert(t *testing.T) {
	req := require.New(t)

	res, err := Merge([]types.AckRange{r(30, 40)}, r(10, 20), 1)

	req.NoError(err)
	req.Equal([]types.AckRange{r(10, 20)}, res.NewlyCovered)
	req.Empty(res.Replaced)
	req.Equal([]types.AckRange{r(10, 20), r(30, 40)}, res.Intervals)
}

func TestMerge_AdjacentIntervalsMerge(t *testing.T) {
	req := require.New(t)

	res, err := Merge([]types.AckRange{r(10, 20), r(26, 30)}, r(21, 25), 1)

	req.NoError(err)
	req.Equal([]types.AckRange{r(21, 25)}, res.NewlyCovered)
	req.Equal([]types.AckRange{r(10, 30)}, res.Intervals)
}

func TestMerge_ExtendsBothEnds(t *testing.T) {
	req := require.New(t)

	res, err := Merge([]types.AckRange{r(10, 20)}, r(5, 25), 2)

	req.NoError(err)
	req.Equal([]types.AckRange{r(5, 9), r(21, 25)}, res.NewlyCovered)
	req.Equal(r(5, 25), res.Merged)
}

func TestMerge_Idempotent(t *testing.T) {
	req := require.New(t)

	first, err := Merge([]types.AckRange{r(10, 20)}, r(15, 40), 1)
	req.NoError(err)
	req.Equal([]types.AckRange{r(21, 40)}, first.NewlyCovered)

	// same range again
	second, err := Merge(first.Intervals, r(15, 40), first.Floor)
	req.NoError(err)
	req.True(second.AlreadyAcked)
	req.Empty(second.NewlyCovered)
	req.Equal(first.Intervals, second.Intervals)

	// subsumed range
	third, err := Merge(first.Intervals, r(12, 13), first.Floor)
	req.NoError(err)
	req.True(third.AlreadyAcked)
}

func TestMerge_FloorFoldCoversLaterRequests(t *testing.T) {
	req := require.New(t)

	res, err := Merge([]types.AckRange{r(15, 20)}, r(10, 14), 10)
	req.NoError(err)
	req.Empty(res.Intervals)
	req.Equal(int64(21), res.Floor)

	// anything under the floor is now rejected as acknowledged history
	_, err = Merge(res.Intervals, r(12, 18), res.Floor)
	req.ErrorIs(err, ErrInvalidRange)
}

func TestMerge_DoesNotMutateInput(t *testing.T) {
	req := require.New(t)
	stored := []types.AckRange{r(25, 30), r(10, 20)}

	_, err := Merge(stored, r(18, 27), 1)

	req.NoError(err)
	req.Equal([]types.AckRange{r(25, 30), r(10, 20)}, stored)
}

func TestCheckDisjoint(t *testing.T) {
	req := require.New(t)

	req.NoError(CheckDisjoint([]types.AckRange{r(10, 20), r(22, 30)}, 1))
	req.ErrorIs(CheckDisjoint([]types.AckRange{r(10, 20), r(21, 30)}, 1), ErrBrokenIntervals)
	req.ErrorIs(CheckDisjoint([]types.AckRange{r(10, 20), r(15, 30)}, 1), ErrBrokenIntervals)
	req.ErrorIs(CheckDisjoint([]types.AckRange{r(5, 8)}, 5), ErrBrokenIntervals)
	req.ErrorIs(CheckDisjoint([]types.AckRange{r(8, 5)}, 1), ErrBrokenIntervals)
}

// TestMerge_MatchesBitmap replays random requests against a bitmap model.
// Every message id is newly covered exactly once and the stored list stays
// disjoint.
func TestMerge_MatchesBitmap(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 100; round++ {
		const size = 80
		floor := int64(1 + rng.Intn(10))
		acked := make([]bool, size+2)
		for i := int64(0); i < floor; i++ {
			acked[i] = true
		}

		var stored []types.AckRange
		for step := 0; step < 30; step++ {
			s := int64(rng.Intn(size))
			e := s + int64(rng.Intn(15))
			if e > size {
				e = size
			}

			res, err := Merge(stored, r(s, e), floor)
			if max(s, floor) > e {
				require.ErrorIs(t, err, ErrInvalidRange)
				continue
			}
			require.NoError(t, err)

			for _, nc := range res.NewlyCovered {
				for id := nc.Start; id <= nc.End; id++ {
					require.False(t, acked[id], "round %d: id %d covered twice", round, id)
					acked[id] = true
				}
			}
			for id := max(s, floor); id <= e; id++ {
				require.True(t, acked[id])
			}
			require.GreaterOrEqual(t, res.Floor, floor)
			require.NoError(t, CheckDisjoint(res.Intervals, res.Floor))

			stored, floor = res.Intervals, res.Floor
		}
	}
}
