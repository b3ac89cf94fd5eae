package redaction

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
)

func TestSubtractRanges(t *testing.T) {
	full := ByteRange{Start: 0, End: 100}

	tests := []struct {
		name      string
		negatives []ByteRange
		want      []ByteRange
	}{
		{"NoSecrets", nil, []ByteRange{{0, 100}}},
		{"WholeSegmentSecret", []ByteRange{{0, 100}}, []ByteRange{}},
		{"Interior", []ByteRange{{20, 30}}, []ByteRange{{0, 20}, {30, 100}}},
		{"BothEnds", []ByteRange{{0, 20}, {80, 100}}, []ByteRange{{20, 80}}},
		{"BothEndsReversed", []ByteRange{{80, 100}, {0, 20}}, []ByteRange{{20, 80}}},
		{"Prefix", []ByteRange{{0, 10}}, []ByteRange{{10, 100}}},
		{"Suffix", []ByteRange{{90, 100}}, []ByteRange{{0, 90}}},
		{"Adjacent", []ByteRange{{20, 30}, {30, 40}}, []ByteRange{{0, 20}, {40, 100}}},
		{"ManyUnsorted", []ByteRange{{50, 60}, {10, 20}, {70, 75}}, []ByteRange{{0, 10}, {20, 50}, {60, 70}, {75, 100}}},
		{"EmptyNegativeIgnored", []ByteRange{{40, 40}}, []ByteRange{{0, 100}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SubtractRanges(full, tt.negatives)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SubtractRanges(%v, %v) = %v, want %v", full, tt.negatives, got, tt.want)
			}
		})
	}
}

func TestSubtractRangesDoesNotMutateInput(t *testing.T) {
	negatives := []ByteRange{{80, 100}, {0, 20}}
	if _, err := SubtractRanges(ByteRange{0, 100}, negatives); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if negatives[0] != (ByteRange{80, 100}) {
		t.Errorf("input slice was reordered: %v", negatives)
	}
}

func TestSubtractRangesIntegrityFaults(t *testing.T) {
	full := ByteRange{Start: 0, End: 100}

	tests := []struct {
		name      string
		negatives []ByteRange
	}{
		{"Overlapping", []ByteRange{{10, 30}, {20, 40}}},
		{"Duplicate", []ByteRange{{10, 30}, {10, 30}}},
		{"OutOfBounds", []ByteRange{{90, 120}}},
		{"Inverted", []ByteRange{{30, 20}}},
		{"AfterFullyHiddenTail", []ByteRange{{0, 100}, {50, 60}}},
		{"Negative", []ByteRange{{-5, 10}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SubtractRanges(full, tt.negatives)
			if err == nil {
				t.Fatalf("expected integrity error, got ranges %v", got)
			}
			if !errors.Is(err, ErrRangeIntegrity) {
				t.Errorf("error %v does not match ErrRangeIntegrity", err)
			}
			var ie *IntegrityError
			if !errors.As(err, &ie) {
				t.Fatalf("error %T is not *IntegrityError", err)
			}
			if got != nil {
				t.Errorf("expected no ranges on fault, got %v", got)
			}
		})
	}
}

// Disclosed ranges plus secrets must tile the full segment exactly.
func TestSubtractRangesPartitionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 500; iter++ {
		size := 1 + rng.Intn(300)
		full := ByteRange{Start: 0, End: size}

		var negatives []ByteRange
		pos := 0
		for pos < size {
			gap := rng.Intn(20)
			length := 1 + rng.Intn(15)
			start := pos + gap
			if start >= size {
				break
			}
			end := min(start+length, size)
			negatives = append(negatives, ByteRange{start, end})
			pos = end
		}
		rng.Shuffle(len(negatives), func(i, j int) { negatives[i], negatives[j] = negatives[j], negatives[i] })

		disclosed, err := SubtractRanges(full, negatives)
		if err != nil {
			t.Fatalf("iteration %d: unexpected error: %v", iter, err)
		}

		cover := make([]int, size)
		for _, r := range disclosed {
			if r.Start >= r.End {
				t.Fatalf("iteration %d: empty disclosed range %v", iter, r)
			}
			for i := r.Start; i < r.End; i++ {
				cover[i]++
			}
		}
		for _, r := range negatives {
			for i := r.Start; i < r.End; i++ {
				cover[i]++
			}
		}
		for i, c := range cover {
			if c != 1 {
				t.Fatalf("iteration %d: byte %d covered %d times (disclosed=%v secrets=%v)", iter, i, c, disclosed, negatives)
			}
		}
		for i := 1; i < len(disclosed); i++ {
			if disclosed[i-1].End > disclosed[i].Start {
				t.Fatalf("iteration %d: output not ascending: %v", iter, disclosed)
			}
		}
	}
}

func TestConsolidate(t *testing.T) {
	got := Consolidate([]ByteRange{{30, 40}, {0, 10}, {5, 15}, {15, 20}, {50, 55}})
	want := []ByteRange{{0, 20}, {30, 40}, {50, 55}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Consolidate = %v, want %v", got, want)
	}
	if Consolidate(nil) != nil {
		t.Error("Consolidate(nil) should be nil")
	}
}

func TestMask(t *testing.T) {
	buf := []byte("hello secret world")
	got := Mask(buf, []ByteRange{{0, 6}, {12, 18}}, '*')
	if string(got) != "hello ****** world" {
		t.Errorf("Mask = %q", got)
	}
}
