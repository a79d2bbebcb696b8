package fanout

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/substrate-relay/internal/model"
)

// subscription is one (channel, PeerMessage) binding: the cursor marking
// the newest record already delivered, and an optional aggregator.
type subscription struct {
	cursor time.Time
	agg    *Aggregator
}

// SubscriberSet is the cache-global mapping channel -> (PeerMessage ->
// subscription) (SPEC_FULL.md §3 SubscriberSet). It is not internally
// synchronized: every method must be called from the single serialized
// agent that owns it (the Recent-Window Cache agent), matching §5's
// single-writer model. This also means Subscribe/Unsubscribe/FanOut never
// need a lock, and there is no cyclic reference back to the caller.
type SubscriberSet struct {
	subs   map[Channel]map[model.PeerMessage]*subscription
	logger zerolog.Logger
}

func NewSubscriberSet(logger zerolog.Logger) *SubscriberSet {
	return &SubscriberSet{subs: make(map[Channel]map[model.PeerMessage]*subscription), logger: logger}
}

// Subscribe records a subscription. Subscribing twice to the same
// (channel, PeerMessage) with the same cursor is idempotent (SPEC_FULL.md
// §8 idempotence law) because it simply overwrites the same map entry.
func (s *SubscriberSet) Subscribe(ch Channel, pm model.PeerMessage, cursor time.Time, agg *Aggregator) {
	m, ok := s.subs[ch]
	if !ok {
		m = make(map[model.PeerMessage]*subscription)
		s.subs[ch] = m
	}
	m[pm] = &subscription{cursor: cursor, agg: agg}
}

// Unsubscribe removes one (channel, PeerMessage) binding. A no-op if the
// pair was never subscribed. If the channel's map becomes empty, the
// channel entry itself is dropped.
func (s *SubscriberSet) Unsubscribe(ch Channel, pm model.PeerMessage) {
	m, ok := s.subs[ch]
	if !ok {
		return
	}
	delete(m, pm)
	if len(m) == 0 {
		delete(s.subs, ch)
	}
}

// RemoveChannel drops every subscription for a dead channel.
func (s *SubscriberSet) RemoveChannel(ch Channel) {
	delete(s.subs, ch)
}

// Interested reports whether any subscriber is bound to pm. Used by the
// cache to decide whether a remote refresh notice may advance an entry's
// watermark.
func (s *SubscriberSet) Interested(pm model.PeerMessage) bool {
	for _, m := range s.subs {
		if _, ok := m[pm]; ok {
			return true
		}
	}
	return false
}

// FanOut delivers the newly-extended deque to every subscriber interested
// in pm (SPEC_FULL.md §4.4). Dead channels (full buffer) are
// collected during iteration and removed only after the loop completes,
// since deleting from subsByPM's parent map while ranging over it would
// be unsafe.
func (s *SubscriberSet) FanOut(pm model.PeerMessage, deque []model.SubstrateLog, now time.Time) {
	var dead []Channel

	for ch, subsByPM := range s.subs {
		sub, ok := subsByPM[pm]
		if !ok {
			continue
		}

		delta := ComputeDelta(deque, sub.cursor)
		if len(delta) == 0 {
			continue
		}

		var delivery Delivery
		if sub.agg != nil {
			if dropped := sub.agg.Append(delta); dropped > 0 {
				s.logger.Debug().
					Str("peer_id", pm.PeerID).Str("msg", pm.MsgKind).
					Int("dropped", dropped).
					Msg("dropped records with unparseable aggregation fields")
			}
			points := sub.agg.CloseReadyBuckets()
			if len(points) == 0 {
				// Still advance the cursor: the raw records have been
				// consumed into the aggregator even though no bucket
				// closed yet.
				subsByPM[pm].cursor = delta[len(delta)-1].CreatedAt
				continue
			}
			delivery = Delivery{PeerMessage: pm, Aggregated: points}
		} else {
			delivery = Delivery{PeerMessage: pm, Records: delta}
		}

		if ch.TrySend(delivery) {
			subsByPM[pm].cursor = delta[len(delta)-1].CreatedAt
		} else {
			dead = append(dead, ch)
		}
	}

	for _, ch := range dead {
		s.RemoveChannel(ch)
	}
}
