package fanout

import (
	"testing"
	"time"

	"github.com/adred-codev/substrate-relay/internal/model"
)

func deque(times ...time.Time) []model.SubstrateLog {
	out := make([]model.SubstrateLog, len(times))
	for i, t := range times {
		out[i] = model.SubstrateLog{CreatedAt: t}
	}
	return out
}

func TestComputeDeltaEmptyDeque(t *testing.T) {
	if got := ComputeDelta(nil, time.Now()); got != nil {
		t.Fatalf("expected nil for an empty deque, got %v", got)
	}
}

func TestComputeDeltaCursorExactMatchAdvancesPastIt(t *testing.T) {
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	dq := deque(base, base.Add(time.Second), base.Add(2*time.Second))

	got := ComputeDelta(dq, base)
	if len(got) != 2 || !got[0].CreatedAt.Equal(base.Add(time.Second)) {
		t.Fatalf("expected the delta to start strictly after the cursor, got %+v", got)
	}
}

func TestComputeDeltaCursorBeforeEverything(t *testing.T) {
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	dq := deque(base, base.Add(time.Second))

	got := ComputeDelta(dq, base.Add(-time.Hour))
	if len(got) != 2 {
		t.Fatalf("expected the whole deque back, got %d records", len(got))
	}
}

func TestComputeDeltaCursorAfterEverything(t *testing.T) {
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	dq := deque(base, base.Add(time.Second))

	if got := ComputeDelta(dq, base.Add(time.Hour)); got != nil {
		t.Fatalf("expected nil when the cursor is newer than everything, got %v", got)
	}
}

func TestComputeDeltaCursorBetweenPurgedElements(t *testing.T) {
	// Simulates a purge that dropped the element the cursor pointed at:
	// the search should land cleanly on whatever remains instead of
	// requiring a special case (SPEC_FULL.md §8 scenario 3).
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	dq := deque(base.Add(5*time.Second), base.Add(6*time.Second))

	got := ComputeDelta(dq, base.Add(2*time.Second))
	if len(got) != 2 {
		t.Fatalf("expected a best-effort resync to the remaining deque, got %+v", got)
	}
}
