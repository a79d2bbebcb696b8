package fanout

import (
	"sort"
	"time"

	"github.com/adred-codev/substrate-relay/internal/model"
)

// ComputeDelta finds the slice of deque strictly newer than cursor
// (SPEC_FULL.md §4.4 fan-out step 1). The deque is ordered ascending by
// CreatedAt.
//
// Binary search locates the first element with CreatedAt >= cursor. If
// that element's CreatedAt equals cursor exactly, the delta starts just
// after it (k+1); otherwise the insertion point itself is already the
// first element strictly newer than cursor. This insertion-point search
// is what gives the "closest element" resync described in
// SPEC_FULL.md §8 scenario 3 for free: when a cache purge has dropped
// everything at or before the cursor, the search simply lands on index 0
// of whatever remains, with no special-casing required.
func ComputeDelta(deque []model.SubstrateLog, cursor time.Time) []model.SubstrateLog {
	if len(deque) == 0 {
		return nil
	}

	idx := sort.Search(len(deque), func(i int) bool {
		return !deque[i].CreatedAt.Before(cursor)
	})

	if idx < len(deque) && deque[idx].CreatedAt.Equal(cursor) {
		idx++
	}
	if idx >= len(deque) {
		return nil
	}
	return deque[idx:]
}
