// Package ack merges read-receipt ranges of one member of one group.
//
// Stored intervals of a (group, user) pair are pairwise disjoint and never
// adjacent. The floor is the first message id that may still be unacknowledged:
// everything below it counts as acknowledged.
package ack

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"pigeon/pkg/types"
)

// Result of a merge
type Result struct {
	// Merged is the interval that replaced Replaced, before floor compaction
	Merged types.AckRange
	// Replaced holds the stored intervals absorbed by Merged
	Replaced []types.AckRange
	// NewlyCovered lists the sub-ranges nobody acknowledged before, in order
	NewlyCovered []types.AckRange
	// Intervals is the complete stored list after the merge
	Intervals []types.AckRange
	// Floor is the floor after the merge, never lower than the input floor
	Floor int64
	// AlreadyAcked is set when the request added nothing
	AlreadyAcked bool
}

// Merge adds req to intervals. intervals must satisfy CheckDisjoint.
func Merge(intervals []types.AckRange, req types.AckRange, floor int64) (Result, error) {
	if req.Start > req.End {
		return Result{}, fmt.Errorf("%w: [%d,%d]", ErrInvalidRange, req.Start, req.End)
	}
	start := max(req.Start, floor)
	end := req.End
	if start > end {
		return Result{}, fmt.Errorf("%w: [%d,%d] below floor %d", ErrInvalidRange, req.Start, req.End, floor)
	}

	sorted := slices.Clone(intervals)
	slices.SortFunc(sorted, byStart)

	touches := func(iv types.AckRange, _ int) bool {
		return iv.End+1 >= start && iv.Start-1 <= end
	}
	selected := lo.Filter(sorted, touches)
	kept := lo.Reject(sorted, touches)

	if len(selected) == 0 {
		merged := types.AckRange{Start: start, End: end}
		res := Result{
			Merged:       merged,
			NewlyCovered: []types.AckRange{merged},
		}
		res.Intervals, res.Floor = compact(append(kept, merged), floor)
		return res, nil
	}

	var newly []types.AckRange
	cursor := start
	for _, iv := range selected {
		if cursor < iv.Start {
			newly = append(newly, types.AckRange{Start: cursor, End: iv.Start - 1})
		}
		cursor = max(cursor, iv.End+1)
	}
	if cursor <= end {
		newly = append(newly, types.AckRange{Start: cursor, End: end})
	}

	if len(newly) == 0 {
		return Result{AlreadyAcked: true, Intervals: sorted, Floor: floor}, nil
	}

	merged := types.AckRange{
		Start: min(start, selected[0].Start),
		End:   max(end, selected[len(selected)-1].End),
	}
	res := Result{
		Merged:       merged,
		Replaced:     selected,
		NewlyCovered: newly,
	}
	res.Intervals, res.Floor = compact(append(kept, merged), floor)
	return res, nil
}

// CheckDisjoint verifies the stored invariant of an interval list
func CheckDisjoint(intervals []types.AckRange, floor int64) error {
	sorted := slices.Clone(intervals)
	slices.SortFunc(sorted, byStart)
	for i, iv := range sorted {
		if iv.Start > iv.End {
			return fmt.Errorf("%w: reversed interval [%d,%d]", ErrBrokenIntervals, iv.Start, iv.End)
		}
		if iv.Start <= floor {
			return fmt.Errorf("%w: interval [%d,%d] reaches floor %d", ErrBrokenIntervals, iv.Start, iv.End, floor)
		}
		if i > 0 && sorted[i-1].End+1 >= iv.Start {
			return fmt.Errorf("%w: [%d,%d] touches [%d,%d]", ErrBrokenIntervals,
				sorted[i-1].Start, sorted[i-1].End, iv.Start, iv.End)
		}
	}
	return nil
}

// compact folds the interval starting at the floor into the floor
func compact(intervals []types.AckRange, floor int64) ([]types.AckRange, int64) {
	slices.SortFunc(intervals, byStart)
	out := intervals[:0]
	for _, iv := range intervals {
		if iv.Start <= floor && iv.End >= floor {
			floor = iv.End + 1
			continue
		}
		out = append(out, iv)
	}
	return out, floor
}

func byStart(a, b types.AckRange) int {
	return cmp.Compare(a.Start, b.Start)
}
