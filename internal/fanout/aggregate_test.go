package fanout

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/adred-codev/substrate-relay/internal/model"
)

func logAt(t time.Time, target, name string, value int64) model.SubstrateLog {
	payload, _ := json.Marshal(map[string]any{"time": value, "target": target, "name": name})
	return model.SubstrateLog{CreatedAt: t, Payload: json.RawMessage(payload)}
}

func TestAggregatorAppendDropsUnparseableRecords(t *testing.T) {
	a := NewAggregator(AggregateMean, time.Second)
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	records := []model.SubstrateLog{
		logAt(base, "eu-west", "latency", 10),
		{CreatedAt: base, Payload: json.RawMessage(`{"not":"the right shape"}`)},
	}
	dropped := a.Append(records)
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
}

func TestAggregatorClosesBucketAndComputesMean(t *testing.T) {
	a := NewAggregator(AggregateMean, time.Second)
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	a.Append([]model.SubstrateLog{
		logAt(base, "eu-west", "latency", 10),
		logAt(base.Add(100*time.Millisecond), "eu-west", "latency", 20),
		logAt(base.Add(2*time.Second), "eu-west", "latency", 999), // forces the first bucket to close
	})

	points := a.CloseReadyBuckets()
	if len(points) != 1 {
		t.Fatalf("expected exactly one closed bucket, got %d", len(points))
	}
	p := points[0]
	if p.Target != "eu-west" || p.Name != "latency" {
		t.Fatalf("unexpected group key: %+v", p)
	}
	if p.Value != 15 {
		t.Fatalf("mean value = %v, want 15", p.Value)
	}
}

func TestAggregatorGroupsByTargetAndName(t *testing.T) {
	a := NewAggregator(AggregateMax, time.Second)
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	a.Append([]model.SubstrateLog{
		logAt(base, "eu-west", "latency", 5),
		logAt(base, "us-east", "latency", 50),
		logAt(base.Add(2*time.Second), "eu-west", "latency", 0), // forces a close
	})

	points := a.CloseReadyBuckets()
	if len(points) != 2 {
		t.Fatalf("expected two groups, got %d", len(points))
	}
	byTarget := map[string]float64{}
	for _, p := range points {
		byTarget[p.Target] = p.Value
	}
	if byTarget["eu-west"] != 5 || byTarget["us-east"] != 50 {
		t.Fatalf("unexpected per-target values: %+v", byTarget)
	}
}

func TestAggregatorNoCloseWhenSpanWithinInterval(t *testing.T) {
	a := NewAggregator(AggregateMean, 10*time.Second)
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	a.Append([]model.SubstrateLog{
		logAt(base, "eu-west", "latency", 1),
		logAt(base.Add(time.Second), "eu-west", "latency", 2),
	})

	if points := a.CloseReadyBuckets(); points != nil {
		t.Fatalf("expected no closed buckets yet, got %v", points)
	}
}
