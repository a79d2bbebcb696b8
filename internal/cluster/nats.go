// Package cluster provides the optional cross-instance cache-invalidation
// channel (SPEC_FULL.md §4.3 step 7, §11): when multiple instances of this
// process sit behind a shared load balancer, a refresh completed on one
// instance is announced to the others so they can skip a redundant Store
// round-trip for the same PeerMessage.
package cluster

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/substrate-relay/internal/cache"
	"github.com/adred-codev/substrate-relay/internal/model"
)

const refreshSubject = "substrate_relay.cache.refresh"

// Config tunes the NATS connection. The default reconnect posture is to
// keep trying indefinitely rather than give up, since losing cluster
// coordination degrades performance, not correctness.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxReconnects:   -1, // retry forever
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
	}
}

// refreshNotice is the wire shape published to refreshSubject.
type refreshNotice struct {
	PeerID      string    `json:"peer_id"`
	MsgKind     string    `json:"msg"`
	LastUpdated time.Time `json:"last_updated"`
}

// Invalidator implements cache.Invalidator over a NATS connection. It
// also subscribes to the same subject and feeds incoming notices from
// sibling instances back into the local cache.Agent.
type Invalidator struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// Connect dials NATS and wires the subscription side immediately: every
// Invalidator both publishes its own instance's refreshes and consumes
// everyone else's.
func Connect(cfg Config, agent *cache.Agent, logger zerolog.Logger) (*Invalidator, error) {
	inv := &Invalidator{logger: logger}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.ConnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("connected to NATS cluster-coordination broker")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected from NATS cluster-coordination broker")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Msg("reconnected to NATS cluster-coordination broker")
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	inv.conn = conn

	_, err = conn.Subscribe(refreshSubject, func(msg *nats.Msg) {
		var n refreshNotice
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			logger.Warn().Err(err).Msg("dropping malformed cluster refresh notice")
			return
		}
		agent.NotifyRemoteRefresh(model.PeerMessage{PeerID: n.PeerID, MsgKind: n.MsgKind}, n.LastUpdated)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", refreshSubject, err)
	}

	return inv, nil
}

// Announce publishes one refresh notice, best effort. A publish failure
// only costs a sibling instance a redundant Store round-trip, so it is
// logged and swallowed rather than surfaced to the cache agent.
func (inv *Invalidator) Announce(pm model.PeerMessage, lastUpdated time.Time) {
	data, err := json.Marshal(refreshNotice{PeerID: pm.PeerID, MsgKind: pm.MsgKind, LastUpdated: lastUpdated})
	if err != nil {
		inv.logger.Warn().Err(err).Msg("failed to marshal cluster refresh notice")
		return
	}
	if err := inv.conn.Publish(refreshSubject, data); err != nil {
		inv.logger.Warn().Err(err).Msg("failed to publish cluster refresh notice")
	}
}

func (inv *Invalidator) Close() {
	inv.conn.Close()
}
