// Package fanout implements Subscription Fan-Out (SPEC_FULL.md §4.4):
// binding subscribers to cache entries, computing per-subscriber deltas,
// pushing them to each subscriber's outbound transport, and the optional
// streaming aggregation over the delta. It holds no goroutine of its
// own — every exported type here is driven by the Recent-Window Cache's
// single serialized agent, matching §5's observation that the cache
// agent is the one that "processes subscription changes".
package fanout

import (
	"time"

	"github.com/adred-codev/substrate-relay/internal/model"
)

// AggregatedPoint is one emitted aggregation record (SPEC_FULL.md §4.4
// streaming aggregation, §6.2 delivery shape for aggregated subscriptions).
type AggregatedPoint struct {
	Time      time.Time `json:"time"`
	Name      string    `json:"name"`
	Target    string    `json:"target"`
	Value     float64   `json:"values"`
	CreatedAt time.Time `json:"created_at"`
}

// Delivery is what a subscriber's outbound transport receives on its
// Channel: either a raw delta or an aggregated batch, never both.
type Delivery struct {
	PeerMessage model.PeerMessage
	Records     []model.SubstrateLog
	Aggregated  []AggregatedPoint
}

// Channel is a subscriber's bounded outbound mailbox. Sends on it must
// always go through a non-blocking select (§4.4 step 3); a full channel
// means the subscriber is dead. Channels are never closed, since a send on
// a closed channel panics even inside a select.
type Channel chan Delivery

// NewChannel creates a subscriber channel with the given buffer depth.
func NewChannel(depth int) Channel {
	return make(Channel, depth)
}

// TrySend attempts a non-blocking delivery. It returns false if the
// channel is full, which the caller treats as SubscriberGone.
func (c Channel) TrySend(d Delivery) bool {
	select {
	case c <- d:
		return true
	default:
		return false
	}
}
