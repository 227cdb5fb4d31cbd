package monitor

import "testing"

func TestSeenSetClaimsEachIDOnce(t *testing.T) {
	s := NewSeenSet()
	if !s.MarkDispatched(10) {
		t.Fatal("first claim of id 10 should succeed")
	}
	if s.MarkDispatched(10) {
		t.Fatal("second claim of id 10 should fail")
	}
	if !s.MarkDispatched(11) {
		t.Fatal("first claim of id 11 should succeed")
	}
}

func TestSeenSetHighWaterMonotonic(t *testing.T) {
	s := NewSeenSet()
	for _, id := range []int64{5, 3, 9, 7} {
		s.MarkDispatched(id)
	}
	if got := s.HighWater(); got != 9 {
		t.Errorf("HighWater = %d, want 9", got)
	}
	// Claiming a lower id must not decrease the mark.
	s.MarkDispatched(1)
	if got := s.HighWater(); got != 9 {
		t.Errorf("HighWater after low claim = %d, want 9", got)
	}
}

func TestSkipLogLoggedOncePerID(t *testing.T) {
	s := NewSeenSet()
	if !s.ShouldLogSkip(42) {
		t.Fatal("first skip of id 42 should be logged")
	}
	if s.ShouldLogSkip(42) {
		t.Fatal("repeat skip of id 42 must not be logged again")
	}
}

func TestSkipLogBounded(t *testing.T) {
	s := NewSeenSet()
	for id := int64(0); id < 150; id++ {
		s.ShouldLogSkip(id)
		if size := s.SkipLogSize(); size > skipLogCap {
			t.Fatalf("skip log grew to %d entries after id %d, cap is %d", size, id, skipLogCap)
		}
	}
	if size := s.SkipLogSize(); size > skipLogCap {
		t.Errorf("final skip log size = %d, want <= %d", size, skipLogCap)
	}
}

func TestSkipLogEvictsOldestFirst(t *testing.T) {
	s := NewSeenSet()
	for id := int64(0); id <= int64(skipLogCap); id++ {
		s.ShouldLogSkip(id)
	}
	// Insert skipLogCap+1 ids: the oldest skipLogEvict were dropped, so id 0
	// may be logged again while a recent id may not.
	if !s.ShouldLogSkip(0) {
		t.Error("evicted id 0 should be loggable again")
	}
	if s.ShouldLogSkip(int64(skipLogCap)) {
		t.Error("recent id must still be suppressed")
	}
}
