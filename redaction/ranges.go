// Package redaction turns secret substrings of an HTTP transcript into the
// byte ranges that are safe to disclose in a proof.
package redaction

import (
	"errors"
	"fmt"
	"sort"
)

// ErrRangeIntegrity is matched by every IntegrityError.
var ErrRangeIntegrity = errors.New("redaction: range integrity violation")

// ByteRange is a half-open interval [Start, End) over a transcript buffer.
type ByteRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered by r.
func (r ByteRange) Len() int { return r.End - r.Start }

// Valid reports whether r lies inside a buffer of length bufLen.
func (r ByteRange) Valid(bufLen int) bool {
	return r.Start >= 0 && r.Start <= r.End && r.End <= bufLen
}

func (r ByteRange) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }

// IntegrityError reports a secret range that is not contained in the
// still-open tail segment: out-of-order, overlapping or out-of-bounds input.
type IntegrityError struct {
	Index    int       // position of the offending range after sorting
	Negative ByteRange // the offending secret range
	Open     ByteRange // open tail at the time; zero when nothing was left open
	HasOpen  bool
}

func (e *IntegrityError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("redaction: invalid segment %s", e.Negative)
	}
	if !e.HasOpen {
		return fmt.Sprintf("redaction: secret range %s (#%d) follows a range that already hid the rest of the segment", e.Negative, e.Index)
	}
	return fmt.Sprintf("redaction: secret range %s (#%d) is not contained in open segment %s", e.Negative, e.Index, e.Open)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrRangeIntegrity }

// SubtractRanges returns the ordered disclosed sub-ranges of full that remain
// after removing every range in negatives. Negatives are sorted by Start
// internally and must be disjoint and contained in full; otherwise an
// *IntegrityError is returned and no ranges are disclosed. Empty negatives are
// ignored. The result is empty when the whole segment is secret.
func SubtractRanges(full ByteRange, negatives []ByteRange) ([]ByteRange, error) {
	if full.Start < 0 || full.Start > full.End {
		return nil, &IntegrityError{Index: -1, Negative: full}
	}

	sorted := make([]ByteRange, 0, len(negatives))
	for _, n := range negatives {
		if n.Start == n.End && n.Start >= 0 {
			continue
		}
		sorted = append(sorted, n)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	result := []ByteRange{full}
	for i, neg := range sorted {
		if len(result) == 0 {
			return nil, &IntegrityError{Index: i, Negative: neg}
		}
		last := result[len(result)-1]
		result = result[:len(result)-1]

		if neg.Start > neg.End || neg.Start < last.Start || neg.End > last.End {
			return nil, &IntegrityError{Index: i, Negative: neg, Open: last, HasOpen: true}
		}

		switch {
		case neg.Start == last.Start && neg.End == last.End:
			// whole tail is secret
		case neg.Start == last.Start:
			result = append(result, ByteRange{Start: neg.End, End: last.End})
		case neg.End == last.End:
			result = append(result, ByteRange{Start: last.Start, End: neg.Start})
		default:
			result = append(result,
				ByteRange{Start: last.Start, End: neg.Start},
				ByteRange{Start: neg.End, End: last.End})
		}
	}

	return result, nil
}

// Consolidate merges overlapping or touching ranges and returns them sorted.
// The input slice is left untouched.
func Consolidate(ranges []ByteRange) []ByteRange {
	if len(ranges) == 0 {
		return nil
	}

	sorted := make([]ByteRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	var consolidated []ByteRange
	current := sorted[0]
	for i := 1; i < len(sorted); i++ {
		next := sorted[i]
		if current.End >= next.Start {
			current.End = max(current.End, next.End)
		} else {
			consolidated = append(consolidated, current)
			current = next
		}
	}
	consolidated = append(consolidated, current)

	return consolidated
}

// TotalLen sums the lengths of ranges.
func TotalLen(ranges []ByteRange) int {
	total := 0
	for _, r := range ranges {
		total += r.Len()
	}
	return total
}

// Mask returns a copy of buf where every byte outside disclosed is replaced
// with fill. Used to preview what a verifier will see.
func Mask(buf []byte, disclosed []ByteRange, fill byte) []byte {
	result := make([]byte, len(buf))
	for i := range result {
		result[i] = fill
	}
	for _, r := range disclosed {
		start := max(r.Start, 0)
		end := min(r.End, len(buf))
		if start < end {
			copy(result[start:end], buf[start:end])
		}
	}
	return result
}
