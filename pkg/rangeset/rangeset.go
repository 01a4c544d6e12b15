// Package rangeset implements a sorted, merged set of half-open byte intervals.
//
// A Set is the coverage record of one cached resource: each stored Range is a
// run of bytes already present on disk. Stored ranges never overlap and never
// touch; inserting [0,100) and then [100,150) leaves the single range [0,150).
package rangeset

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Range is the half-open byte interval [Offset, Offset+Length).
type Range struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// End returns the first offset after the range.
func (r Range) End() int64 {
	return r.Offset + r.Length
}

// IsEmpty reports whether the range covers no bytes.
func (r Range) IsEmpty() bool {
	return r.Length <= 0
}

// String formats the range as [start,end).
func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Offset, r.End())
}

// Set is a sorted list of non-overlapping, non-adjacent ranges.
// The zero value is an empty set ready to use. A Set is not safe for
// concurrent use; callers serialize access.
type Set struct {
	ranges []Range
}

// New builds a normalized set from arbitrary ranges.
func New(ranges ...Range) Set {
	s := Set{ranges: append([]Range(nil), ranges...)}
	s.normalize()
	return s
}

// Insert adds r to the set and merges overlapping or touching ranges.
// It returns the total number of covered bytes after the merge.
// Empty ranges and ranges with a negative offset are ignored.
func (s *Set) Insert(r Range) int64 {
	if r.IsEmpty() || r.Offset < 0 {
		return s.Total()
	}
	s.ranges = append(s.ranges, r)
	s.normalize()
	return s.Total()
}

// normalize drops invalid ranges, sorts by offset and merges in one scan.
func (s *Set) normalize() {
	valid := s.ranges[:0]
	for _, r := range s.ranges {
		if r.IsEmpty() || r.Offset < 0 {
			continue
		}
		valid = append(valid, r)
	}
	if len(valid) < 2 {
		s.ranges = valid
		return
	}

	sort.Slice(valid, func(i, j int) bool {
		return valid[i].Offset < valid[j].Offset
	})

	merged := make([]Range, 0, len(valid))
	current := valid[0]
	for _, next := range valid[1:] {
		currentEnd := current.End()
		if next.Offset <= currentEnd {
			if next.End() > currentEnd {
				current.Length = next.End() - current.Offset
			}
			continue
		}
		merged = append(merged, current)
		current = next
	}
	s.ranges = append(merged, current)
}

// AvailableRun returns the longest covered run starting at offset, clamped to
// maxLength. It returns false when offset is not covered by any range.
func (s *Set) AvailableRun(offset, maxLength int64) (Range, bool) {
	if maxLength <= 0 || offset < 0 {
		return Range{}, false
	}
	for _, r := range s.ranges {
		if r.Offset > offset {
			// Sorted: no later range can cover offset.
			break
		}
		if offset < r.End() {
			length := r.End() - offset
			if length > maxLength {
				length = maxLength
			}
			return Range{Offset: offset, Length: length}, true
		}
	}
	return Range{}, false
}

// Covers reports whether every byte of r is present.
func (s *Set) Covers(r Range) bool {
	if r.IsEmpty() {
		return true
	}
	run, ok := s.AvailableRun(r.Offset, r.Length)
	return ok && run.Length == r.Length
}

// Total returns the number of covered bytes.
func (s *Set) Total() int64 {
	var total int64
	for _, r := range s.ranges {
		total += r.Length
	}
	return total
}

// Len returns the number of stored ranges.
func (s *Set) Len() int {
	return len(s.ranges)
}

// Ranges returns a copy of the stored ranges in ascending order.
func (s *Set) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Equal reports whether both sets cover exactly the same bytes.
func (s *Set) Equal(other Set) bool {
	if len(s.ranges) != len(other.ranges) {
		return false
	}
	for i := range s.ranges {
		if s.ranges[i] != other.ranges[i] {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as an array of ranges.
func (s Set) MarshalJSON() ([]byte, error) {
	if s.ranges == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.ranges)
}

// UnmarshalJSON decodes an array of ranges and re-normalizes it, so records
// written by older or foreign writers still satisfy the set invariants.
func (s *Set) UnmarshalJSON(data []byte) error {
	var ranges []Range
	if err := json.Unmarshal(data, &ranges); err != nil {
		return err
	}
	s.ranges = ranges
	s.normalize()
	return nil
}
