package fanout

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/adred-codev/substrate-relay/internal/model"
)

// AggregateKind names the statistics a subscriber may request over the
// delta instead of raw records (SPEC_FULL.md §4.4 streaming aggregation,
// §6.2 wire names).
type AggregateKind string

const (
	AggregateMean   AggregateKind = "mean"
	AggregateMedian AggregateKind = "median"
	AggregateMin    AggregateKind = "min"
	AggregateMax    AggregateKind = "max"
	AggregateP90    AggregateKind = "percentile90"
)

// sample is one parsed (time, target, name) triple pulled out of a raw
// SubstrateLog payload for aggregation purposes.
type sample struct {
	createdAt time.Time
	target    string
	name      string
	value     int64
}

type payloadFields struct {
	Time   int64  `json:"time"`
	Target string `json:"target"`
	Name   string `json:"name"`
}

// Aggregator buffers unaggregated records for one subscription and
// closes interval buckets as they fill (SPEC_FULL.md §4.4).
type Aggregator struct {
	kind     AggregateKind
	interval time.Duration
	buf      []sample
}

func NewAggregator(kind AggregateKind, interval time.Duration) *Aggregator {
	return &Aggregator{kind: kind, interval: interval}
}

// Append adds a delta to the buffer, dropping records whose (time,
// target, name) fields don't parse as (int64, string, string) with a
// debug-level drop (SPEC_FULL.md §4.4 edge cases) — callers are expected
// to log the skip count, not this function, to avoid a hard logging
// dependency in a pure data-transform type.
func (a *Aggregator) Append(records []model.SubstrateLog) (dropped int) {
	for _, rec := range records {
		var f payloadFields
		if err := json.Unmarshal(rec.Payload, &f); err != nil || f.Target == "" || f.Name == "" {
			dropped++
			continue
		}
		a.buf = append(a.buf, sample{
			createdAt: rec.CreatedAt,
			target:    f.Target,
			name:      f.Name,
			value:     f.Time,
		})
	}
	return dropped
}

// CloseReadyBuckets closes every interval bucket whose span has elapsed,
// grouping by (target, name) and computing the chosen statistic over
// value within each group, then slides the window forward, retaining the
// unclosed tail (SPEC_FULL.md §4.4 steps 2-3).
func (a *Aggregator) CloseReadyBuckets() []AggregatedPoint {
	if len(a.buf) == 0 {
		return nil
	}
	sort.Slice(a.buf, func(i, j int) bool { return a.buf[i].createdAt.Before(a.buf[j].createdAt) })

	var out []AggregatedPoint
	for len(a.buf) > 0 && a.buf[len(a.buf)-1].createdAt.Sub(a.buf[0].createdAt) > a.interval {
		bucketStart := a.buf[0].createdAt
		cut := sort.Search(len(a.buf), func(i int) bool {
			return a.buf[i].createdAt.Sub(bucketStart) > a.interval
		})
		bucket := a.buf[:cut]
		a.buf = a.buf[cut:]

		out = append(out, closeBucket(bucket, bucketStart, a.kind)...)
	}
	return out
}

func closeBucket(bucket []sample, bucketStart time.Time, kind AggregateKind) []AggregatedPoint {
	groups := make(map[[2]string][]int64)
	order := make([][2]string, 0)
	for _, s := range bucket {
		key := [2]string{s.target, s.name}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], s.value)
	}

	var out []AggregatedPoint
	for _, key := range order {
		values := groups[key]
		if len(values) == 0 {
			continue
		}
		out = append(out, AggregatedPoint{
			Time:      bucketStart,
			Target:    key[0],
			Name:      key[1],
			Value:     statistic(kind, values),
			CreatedAt: bucketStart,
		})
	}
	return out
}

func statistic(kind AggregateKind, values []int64) float64 {
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	switch kind {
	case AggregateMin:
		return float64(sorted[0])
	case AggregateMax:
		return float64(sorted[len(sorted)-1])
	case AggregateMedian:
		return percentile(sorted, 0.5)
	case AggregateP90:
		return percentile(sorted, 0.9)
	case AggregateMean:
		fallthrough
	default:
		var sum int64
		for _, v := range sorted {
			sum += v
		}
		return float64(sum) / float64(len(sorted))
	}
}

func percentile(sorted []int64, p float64) float64 {
	if len(sorted) == 1 {
		return float64(sorted[0])
	}
	idx := p * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return float64(sorted[lo])
	}
	frac := idx - float64(lo)
	return float64(sorted[lo])*(1-frac) + float64(sorted[hi])*frac
}
