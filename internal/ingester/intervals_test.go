package ingester

import (
	"reflect"
	"testing"
)

func TestIntervalSetMergesTouchingRanges(t *testing.T) {
	s := NewIntervalSet()
	s.Add(0, 10)
	s.Add(10, 20)
	s.Add(30, 40)

	want := []Interval{{0, 20}, {30, 40}}
	if got := s.Intervals(); !reflect.DeepEqual(got, want) {
		t.Fatalf("intervals = %v, want %v", got, want)
	}
}

func TestIntervalSetMergesOverlaps(t *testing.T) {
	s := NewIntervalSet()
	s.Add(5, 15)
	s.Add(0, 10)
	s.Add(12, 30)
	s.Add(100, 200)
	s.Add(90, 100)

	want := []Interval{{0, 30}, {90, 200}}
	if got := s.Intervals(); !reflect.DeepEqual(got, want) {
		t.Fatalf("intervals = %v, want %v", got, want)
	}
}

func TestIntervalSetIgnoresEmptyRanges(t *testing.T) {
	s := NewIntervalSet()
	s.Add(10, 10)
	s.Add(20, 15)
	if got := s.Intervals(); len(got) != 0 {
		t.Fatalf("intervals = %v, want empty", got)
	}
}

func TestIntervalSetCovers(t *testing.T) {
	s := NewIntervalSet(Interval{0, 100}, Interval{200, 300})

	cases := []struct {
		from, to int64
		want     bool
	}{
		{0, 100, true},
		{10, 50, true},
		{0, 101, false},
		{150, 160, false},
		{90, 210, false}, // spans the hole
		{250, 250, true}, // empty range is trivially covered
	}
	for _, tc := range cases {
		if got := s.Covers(tc.from, tc.to); got != tc.want {
			t.Errorf("Covers(%d, %d) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestIntervalSetComplement(t *testing.T) {
	s := NewIntervalSet(Interval{10, 20}, Interval{40, 50})

	want := []Interval{{0, 10}, {20, 40}, {50, 60}}
	if got := s.Complement(0, 60); !reflect.DeepEqual(got, want) {
		t.Fatalf("Complement(0, 60) = %v, want %v", got, want)
	}

	// Fully covered region has no gaps.
	if got := s.Complement(12, 18); got != nil {
		t.Fatalf("Complement(12, 18) = %v, want nil", got)
	}

	// Empty set: the whole range is one gap.
	empty := NewIntervalSet()
	if got := empty.Complement(5, 25); !reflect.DeepEqual(got, []Interval{{5, 25}}) {
		t.Fatalf("Complement on empty set = %v", got)
	}
}

func TestIntervalSetComplementClampsToBounds(t *testing.T) {
	s := NewIntervalSet(Interval{0, 1000})
	if got := s.Complement(100, 900); got != nil {
		t.Fatalf("Complement inside covered = %v, want nil", got)
	}

	s2 := NewIntervalSet(Interval{500, 600})
	want := []Interval{{450, 500}, {600, 650}}
	if got := s2.Complement(450, 650); !reflect.DeepEqual(got, want) {
		t.Fatalf("Complement = %v, want %v", got, want)
	}
}
