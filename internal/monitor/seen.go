package monitor

import "sync"

// Bounds for the skip-log companion set. The set only prevents log flooding
// while overlapping fetch windows keep returning the same ids, so it is
// aggressively bounded: once it exceeds skipLogCap entries the oldest
// skipLogEvict are dropped.
const (
	skipLogCap   = 100
	skipLogEvict = 50
)

// SeenSet is the dedup state shared by concurrent poll ticks. The primary set
// of dispatched ids grows for the life of the process (a deliberate tradeoff:
// correctness over memory at modest message volume); the skip-log companion
// set is bounded.
//
// MarkDispatched is the atomicity primitive of the ingestion path: the check
// and the insert happen under one lock acquisition, so two ticks observing
// the same id resolve deterministically with exactly one winner.
type SeenSet struct {
	mu        sync.Mutex
	ids       map[int64]struct{}
	highWater int64

	skipLogged map[int64]struct{}
	skipOrder  []int64
}

// NewSeenSet creates empty dedup state with a zero high-water mark.
func NewSeenSet() *SeenSet {
	return &SeenSet{
		ids:        make(map[int64]struct{}),
		skipLogged: make(map[int64]struct{}),
	}
}

// MarkDispatched attempts to claim a message id for dispatch. It returns true
// exactly once per id; the high-water mark advances only on a successful
// claim and never decreases.
func (s *SeenSet) MarkDispatched(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	if id > s.highWater {
		s.highWater = id
	}
	return true
}

// HighWater returns the highest message id dispatched so far.
func (s *SeenSet) HighWater() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highWater
}

// ShouldLogSkip reports whether a skip of this id should be logged. Each id
// is logged at most once while it remains in the bounded companion set.
func (s *SeenSet) ShouldLogSkip(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.skipLogged[id]; ok {
		return false
	}
	s.skipLogged[id] = struct{}{}
	s.skipOrder = append(s.skipOrder, id)
	if len(s.skipOrder) > skipLogCap {
		for _, old := range s.skipOrder[:skipLogEvict] {
			delete(s.skipLogged, old)
		}
		s.skipOrder = append([]int64(nil), s.skipOrder[skipLogEvict:]...)
	}
	return true
}

// SkipLogSize returns the current size of the skip-log companion set.
func (s *SeenSet) SkipLogSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.skipLogged)
}
