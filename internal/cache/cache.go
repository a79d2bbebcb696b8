// Package cache implements the Recent-Window Cache (SPEC_FULL.md §4.3)
// together with the subscription bookkeeping spec §5 assigns to the same
// serialized agent ("the Cache agent... processing subscription
// changes"). Running cache state and subscriber state on one goroutine is
// what lets the fan-out step in §4.3's refresh-integration (step 5) call
// straight into fanout.SubscriberSet without needing a handle back to
// whoever asked for the refresh — there is no cyclic actor address here
// at all, by construction (SPEC_FULL.md §9).
package cache

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/substrate-relay/internal/fanout"
	"github.com/adred-codev/substrate-relay/internal/metrics"
	"github.com/adred-codev/substrate-relay/internal/model"
	"github.com/adred-codev/substrate-relay/internal/store"
)

// Invalidator is the narrow interface the cache depends on to announce a
// refresh to sibling instances (SPEC_FULL.md §11 NATS wiring). A no-op
// implementation is used when NATS_URL is unset.
type Invalidator interface {
	Announce(pm model.PeerMessage, lastUpdated time.Time)
}

type noopInvalidator struct{}

func (noopInvalidator) Announce(model.PeerMessage, time.Time) {}

var NoopInvalidator Invalidator = noopInvalidator{}

// entry is one PeerMessageCache (SPEC_FULL.md §3).
type entry struct {
	deque         []model.SubstrateLog
	lastUpdated   time.Time
	startedUpdate *time.Time
	lastUsed      time.Time
}

// RefreshRequest is dispatched to a Store-side worker; the reply channel
// is created fresh by the Agent for this one round-trip and never shared
// or stored by the responder, eliminating the cyclic-address pattern the
// source used (SPEC_FULL.md §9).
type RefreshRequest struct {
	PeerMessage model.PeerMessage
	Since       time.Time
	Reply       chan RefreshResponse
}

type RefreshResponse struct {
	PeerMessage model.PeerMessage
	Records     []model.SubstrateLog
	Err         error
}

// Config bundles the tunables the cache agent needs, lifted once from the
// process-wide config.Config at construction (SPEC_FULL.md §9 "ambient,
// process-wide configuration" re-architecture).
type Config struct {
	RefreshInterval time.Duration
	RefreshTimeout  time.Duration
	IdleTimeout     time.Duration
	CacheExpiry     time.Duration
	PurgeInterval   time.Duration
	FetchLimit      int
}

// Agent is the single goroutine owning every PeerMessageCache entry and
// the SubscriberSet. All mutation happens inside Run; every exported
// method communicates with it over bounded channels.
type Agent struct {
	cfg         Config
	store       store.Store
	invalidator Invalidator
	logger      zerolog.Logger

	entries map[model.PeerMessage]*entry
	subs    *fanout.SubscriberSet

	subscribeCh   chan subscribeCmd
	unsubscribeCh chan unsubscribeCmd
	disconnectCh  chan fanout.Channel
	remoteCh      chan remoteRefreshNotice
	refreshDoneCh chan RefreshResponse
}

type subscribeCmd struct {
	channel   fanout.Channel
	pm        model.PeerMessage
	startTime time.Time
	agg       *fanout.Aggregator
}

type unsubscribeCmd struct {
	channel fanout.Channel
	pm      model.PeerMessage
}

type remoteRefreshNotice struct {
	pm          model.PeerMessage
	lastUpdated time.Time
}

func NewAgent(cfg Config, st store.Store, invalidator Invalidator, logger zerolog.Logger) *Agent {
	if invalidator == nil {
		invalidator = NoopInvalidator
	}
	return &Agent{
		cfg:           cfg,
		store:         st,
		invalidator:   invalidator,
		logger:        logger,
		entries:       make(map[model.PeerMessage]*entry),
		subs:          fanout.NewSubscriberSet(logger),
		subscribeCh:   make(chan subscribeCmd, 256),
		unsubscribeCh: make(chan unsubscribeCmd, 256),
		disconnectCh:  make(chan fanout.Channel, 256),
		remoteCh:      make(chan remoteRefreshNotice, 256),
		refreshDoneCh: make(chan RefreshResponse, 256),
	}
}

// SetInvalidator replaces the agent's Invalidator. It exists for
// constructors like cluster.Connect that need a *Agent handle to finish
// building the Invalidator itself — call it only before Run starts; the
// field is read without synchronization from the agent's own goroutine
// afterward.
func (a *Agent) SetInvalidator(invalidator Invalidator) {
	if invalidator == nil {
		invalidator = NoopInvalidator
	}
	a.invalidator = invalidator
}

// Subscribe registers subscriber interest (SPEC_FULL.md §4.4 Subscribe).
// Safe to call from any goroutine; the actual mutation happens on the
// agent's loop.
func (a *Agent) Subscribe(ch fanout.Channel, pm model.PeerMessage, startTime *time.Time, agg *fanout.Aggregator) {
	var st time.Time
	if startTime != nil {
		st = *startTime
	} else {
		st = time.Now().Add(-a.cfg.CacheExpiry)
	}
	a.subscribeCh <- subscribeCmd{channel: ch, pm: pm, startTime: st, agg: agg}
}

// Unsubscribe removes subscriber interest (SPEC_FULL.md §4.4 Unsubscribe).
func (a *Agent) Unsubscribe(ch fanout.Channel, pm model.PeerMessage) {
	a.unsubscribeCh <- unsubscribeCmd{channel: ch, pm: pm}
}

// Disconnect drops every subscription held by a channel whose transport
// has closed. The spec doesn't require this (a dead channel is detected
// lazily on the next failed fan-out send), but doing it eagerly frees the
// cache entry for idle eviction sooner instead of waiting for its buffer
// to fill.
func (a *Agent) Disconnect(ch fanout.Channel) {
	a.disconnectCh <- ch
}

// NotifyRemoteRefresh applies a cross-instance invalidation notice (§11
// NATS wiring): if this entry has no local subscriber waiting on it, its
// last_updated is advanced to the remote value so the next local refresh
// round skips re-fetching data a sibling instance already pulled.
// Entries with local subscribers are left untouched — those still need
// their own fetch to drive this instance's own fan-out.
func (a *Agent) NotifyRemoteRefresh(pm model.PeerMessage, lastUpdated time.Time) {
	a.remoteCh <- remoteRefreshNotice{pm: pm, lastUpdated: lastUpdated}
}

// Run drives the agent's event loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) {
	refreshTicker := time.NewTicker(a.cfg.RefreshInterval)
	purgeTicker := time.NewTicker(a.cfg.PurgeInterval)
	defer refreshTicker.Stop()
	defer purgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-a.subscribeCh:
			a.handleSubscribe(cmd)

		case cmd := <-a.unsubscribeCh:
			a.subs.Unsubscribe(cmd.channel, cmd.pm)

		case ch := <-a.disconnectCh:
			a.subs.RemoveChannel(ch)

		case notice := <-a.remoteCh:
			a.handleRemoteRefresh(notice)

		case resp := <-a.refreshDoneCh:
			a.integrateResponse(resp)

		case <-refreshTicker.C:
			a.runRefreshRound(ctx)

		case <-purgeTicker.C:
			a.purgeExpired()
		}
	}
}

func (a *Agent) handleSubscribe(cmd subscribeCmd) {
	if _, ok := a.entries[cmd.pm]; !ok {
		e := &entry{
			lastUpdated: time.Now().Add(-a.cfg.CacheExpiry),
			lastUsed:    time.Now(),
		}
		a.entries[cmd.pm] = e
		metrics.CacheEntriesTotal.Set(float64(len(a.entries)))
	}
	a.subs.Subscribe(cmd.channel, cmd.pm, cmd.startTime, cmd.agg)
}

// handleRemoteRefresh applies an Invalidator.Announce notice received from
// a sibling instance over NATS. An entry with no local subscriber has
// nothing to fan out here regardless of who fetched the data, so we just
// advance its watermark and let the next refresh round start from there
// instead of re-fetching what the sibling already has. An entry with a
// local subscriber, or one already mid-refresh, is left alone — it still
// needs its own fetch to drive this instance's own fan-out.
func (a *Agent) handleRemoteRefresh(notice remoteRefreshNotice) {
	e, ok := a.entries[notice.pm]
	if !ok || e.startedUpdate != nil {
		return
	}
	if a.subs.Interested(notice.pm) {
		return
	}
	if notice.lastUpdated.After(e.lastUpdated) {
		e.lastUpdated = notice.lastUpdated
	}
}

// runRefreshRound performs the periodic refresh protocol (SPEC_FULL.md
// §4.3): stale-lock sweep, idle eviction, then dispatch one RefreshRequest
// per entry not already mid-refresh.
func (a *Agent) runRefreshRound(ctx context.Context) {
	now := time.Now()
	a.sweepStaleLocks(now)
	a.evictIdle(now)

	inflight := 0
	for pm, e := range a.entries {
		if e.startedUpdate != nil {
			inflight++
			continue
		}
		t := now
		e.startedUpdate = &t
		inflight++
		a.dispatchRefresh(ctx, RefreshRequest{PeerMessage: pm, Since: e.lastUpdated, Reply: make(chan RefreshResponse, 1)})
	}
	metrics.CacheRefreshInflight.Set(float64(inflight))
}

// dispatchRefresh runs the blocking Store fetch on its own worker
// goroutine and forwards the result to the agent's refreshDoneCh — the
// one-shot reply channel embedded in req is created fresh per call and
// never touched by anyone but this pair of goroutines (SPEC_FULL.md §9).
func (a *Agent) dispatchRefresh(ctx context.Context, req RefreshRequest) {
	go func() {
		records, err := a.store.FetchSince(ctx, req.PeerMessage.PeerID, req.PeerMessage.MsgKind, req.Since, a.cfg.FetchLimit)
		req.Reply <- RefreshResponse{PeerMessage: req.PeerMessage, Records: records, Err: err}
	}()
	go func() {
		resp := <-req.Reply
		select {
		case a.refreshDoneCh <- resp:
		case <-ctx.Done():
		}
	}()
}

// integrateResponse applies one RefreshResponse (SPEC_FULL.md §4.3).
func (a *Agent) integrateResponse(resp RefreshResponse) {
	e, ok := a.entries[resp.PeerMessage]
	if !ok || e.startedUpdate == nil {
		a.logger.Warn().
			Str("peer_id", resp.PeerMessage.PeerID).
			Str("msg", resp.PeerMessage.MsgKind).
			Msg("dropping stale refresh response")
		return
	}
	if resp.Err != nil {
		a.logger.Error().Err(resp.Err).
			Str("peer_id", resp.PeerMessage.PeerID).
			Str("msg", resp.PeerMessage.MsgKind).
			Msg("refresh dispatch failed, leaving lock set for stale-lock sweep")
		return // leave e.startedUpdate set; sweepStaleLocks clears it later
	}
	e.startedUpdate = nil

	if len(resp.Records) == 0 {
		return
	}

	appended := appendDedup(e.deque, resp.Records)
	e.deque = appended
	e.lastUpdated = e.deque[len(e.deque)-1].CreatedAt
	e.lastUsed = time.Now()

	a.subs.FanOut(resp.PeerMessage, e.deque, e.lastUsed)
	a.invalidator.Announce(resp.PeerMessage, e.lastUpdated)
}

// appendDedup appends new records to deque, skipping any leading record
// whose (CreatedAt, ID) pair duplicates the current tail — the tie-break
// resolution for SPEC_FULL.md §9's duplicate-records-on-refresh question.
func appendDedup(deque []model.SubstrateLog, incoming []model.SubstrateLog) []model.SubstrateLog {
	i := 0
	if len(deque) > 0 {
		tail := deque[len(deque)-1]
		for i < len(incoming) && incoming[i].CreatedAt.Equal(tail.CreatedAt) && incoming[i].ID == tail.ID {
			i++
		}
	}
	return append(deque, incoming[i:]...)
}

// sweepStaleLocks clears startedUpdate on entries whose in-flight refresh
// has been abandoned for 4x the stall threshold (SPEC_FULL.md §4.3 step 1).
func (a *Agent) sweepStaleLocks(now time.Time) {
	for pm, e := range a.entries {
		if e.startedUpdate == nil {
			continue
		}
		age := now.Sub(*e.startedUpdate)
		if age > a.cfg.RefreshTimeout {
			a.logger.Warn().
				Str("peer_id", pm.PeerID).Str("msg", pm.MsgKind).
				Dur("age", age).
				Msg("refresh stalled")
		}
		if age > 4*a.cfg.RefreshTimeout {
			e.startedUpdate = nil
			a.logger.Warn().
				Str("peer_id", pm.PeerID).Str("msg", pm.MsgKind).
				Msg("clearing abandoned refresh lock")
		}
	}
}

// evictIdle drops entries whose last_used is older than the idle timeout
// (SPEC_FULL.md §4.3 step 2).
func (a *Agent) evictIdle(now time.Time) {
	for pm, e := range a.entries {
		if e.startedUpdate != nil {
			continue // never evict a mid-refresh entry
		}
		if now.Sub(e.lastUsed) > a.cfg.IdleTimeout {
			delete(a.entries, pm)
		}
	}
	metrics.CacheEntriesTotal.Set(float64(len(a.entries)))
}

// purgeExpired truncates the front of every deque so all remaining
// elements satisfy created_at >= now - CacheExpiry (SPEC_FULL.md §4.3
// Purge). Runs on the independent purge timer.
func (a *Agent) purgeExpired() {
	cutoff := time.Now().Add(-a.cfg.CacheExpiry)
	for _, e := range a.entries {
		if len(e.deque) == 0 {
			continue
		}
		idx := sort.Search(len(e.deque), func(i int) bool {
			return !e.deque[i].CreatedAt.Before(cutoff)
		})
		e.deque = e.deque[idx:]
	}
}
