// Package subscriber implements the Subscriber stream protocol
// (SPEC_FULL.md §6.2): a bidirectional gobwas/ws connection that accepts
// subscribe/unsubscribe requests and pushes delivery frames produced by
// the Subscription Fan-Out (internal/fanout) as the Recent-Window Cache
// refreshes. The read/write pump split follows the same shape as
// internal/session: the read side owns all mutation, the write side only
// ever drains its send channel.
package subscriber

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/substrate-relay/internal/cache"
	"github.com/adred-codev/substrate-relay/internal/fanout"
	"github.com/adred-codev/substrate-relay/internal/metrics"
	"github.com/adred-codev/substrate-relay/internal/model"
)

// inboundRequest is the wire shape of one subscriber-stream inbound frame
// (SPEC_FULL.md §6.2).
type inboundRequest struct {
	PeerID            string  `json:"peer_id"`
	Msg               string  `json:"msg"`
	Interest          string  `json:"interest"`
	StartTime         string  `json:"start_time"`
	AggregateType     string  `json:"aggregate_type"`
	AggregateInterval int     `json:"aggregate_interval"`
}

// deliveryFrame is the wire shape of one outbound raw-delta frame.
type deliveryFrame struct {
	PeerMessage peerMessageWire      `json:"peer_message"`
	Data        []json.RawMessage    `json:"data"`
}

type peerMessageWire struct {
	PeerID string `json:"peer_id"`
	Msg    string `json:"msg"`
}

// aggregatedFrame is the wire shape of one outbound aggregated-point frame.
type aggregatedFrame struct {
	PeerMessage peerMessageWire          `json:"peer_message"`
	Data        []fanout.AggregatedPoint `json:"data"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// Manager owns the shared dependency every subscriber connection needs:
// a handle to the Recent-Window Cache agent that holds subscription
// state and performs fan-out (SPEC_FULL.md §9 — cache and fan-out share
// one serialized agent).
type Manager struct {
	agent  *cache.Agent
	logger zerolog.Logger
}

func NewManager(agent *cache.Agent, logger zerolog.Logger) *Manager {
	return &Manager{agent: agent, logger: logger}
}

// Conn is one accepted subscriber stream.
type Conn struct {
	mgr    *Manager
	conn   net.Conn
	ch     fanout.Channel
	logger zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Open accepts one already-upgraded connection and spawns its pumps.
func (m *Manager) Open(rawConn net.Conn, remoteIP string) {
	c := &Conn{
		mgr:    m,
		conn:   rawConn,
		ch:     fanout.NewChannel(256),
		logger: m.logger.With().Str("remote_addr", remoteIP).Logger(),
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
	}

	metrics.FeedsConnectedTotal.Inc()
	metrics.CurrentFeedConnections.Inc()

	go c.deliveryPump()
	go c.writePump()
	go c.readPump()
}

// deliveryPump drains the subscriber's fanout.Channel and marshals each
// Delivery to the wire shape in SPEC_FULL.md §6.2. It runs independently
// of writePump's ping cadence so a slow reader only ever bounds the
// fanout.Channel, never the ping-carrying send channel.
func (c *Conn) deliveryPump() {
	for {
		var d fanout.Delivery
		select {
		case <-c.done:
			return
		case d = <-c.ch:
		}

		var payload []byte
		var err error
		if len(d.Aggregated) > 0 {
			payload, err = json.Marshal(aggregatedFrame{
				PeerMessage: peerMessageWire{PeerID: d.PeerMessage.PeerID, Msg: d.PeerMessage.MsgKind},
				Data:        d.Aggregated,
			})
		} else {
			raw := make([]json.RawMessage, len(d.Records))
			for i, rec := range d.Records {
				raw[i] = rec.Payload
			}
			payload, err = json.Marshal(deliveryFrame{
				PeerMessage: peerMessageWire{PeerID: d.PeerMessage.PeerID, Msg: d.PeerMessage.MsgKind},
				Data:        raw,
			})
		}
		if err != nil {
			c.logger.Error().Err(err).Msg("failed to marshal delivery frame")
			continue
		}
		select {
		case c.send <- payload:
		default:
			// The writer is behind: this subscriber cannot keep up. Closing
			// the socket makes readPump return and run disconnect, which
			// drops its subscriptions from the cache agent.
			c.logger.Warn().Msg("subscriber cannot keep up, disconnecting")
			c.conn.Close()
			return
		}
	}
}

func (c *Conn) readPump() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("recovered panic in subscriber read pump")
		}
		c.disconnect()
	}()

	for {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}

		switch op {
		case ws.OpText:
			c.onRequest(msg)
		case ws.OpClose:
			return
		}
	}
}

// onRequest parses one subscribe/unsubscribe request (SPEC_FULL.md §6.2).
// Malformed input gets an error frame back and never terminates the
// session.
func (c *Conn) onRequest(raw []byte) {
	var req inboundRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("malformed request")
		return
	}
	if req.PeerID == "" || req.Msg == "" {
		c.sendError("peer_id and msg are required")
		return
	}
	pm := model.PeerMessage{PeerID: req.PeerID, MsgKind: req.Msg}

	switch req.Interest {
	case "subscribe":
		c.handleSubscribe(pm, req)
	case "unsubscribe":
		c.mgr.agent.Unsubscribe(c.ch, pm)
	default:
		c.sendError("interest must be subscribe or unsubscribe")
	}
}

func (c *Conn) handleSubscribe(pm model.PeerMessage, req inboundRequest) {
	var startTime *time.Time
	if req.StartTime != "" {
		t, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			c.sendError("start_time must be RFC-3339")
			return
		}
		startTime = &t
	}

	var agg *fanout.Aggregator
	if req.AggregateType != "" {
		kind := fanout.AggregateKind(req.AggregateType)
		switch kind {
		case fanout.AggregateMean, fanout.AggregateMedian, fanout.AggregateMin, fanout.AggregateMax, fanout.AggregateP90:
		default:
			c.sendError("unknown aggregate_type")
			return
		}
		if req.AggregateInterval <= 0 {
			c.sendError("aggregate_interval must be a positive integer")
			return
		}
		agg = fanout.NewAggregator(kind, time.Duration(req.AggregateInterval)*time.Second)
	}

	c.mgr.agent.Subscribe(c.ch, pm, startTime, agg)
}

func (c *Conn) sendError(reason string) {
	payload, err := json.Marshal(errorFrame{Error: reason})
	if err != nil {
		return
	}
	c.trySend(payload)
}

func (c *Conn) trySend(payload []byte) {
	select {
	case c.send <- payload:
	default:
		// writer is behind; the error frame is dropped.
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) disconnect() {
	c.closeOnce.Do(func() {
		c.mgr.agent.Disconnect(c.ch)
		close(c.done)
		close(c.send)
		c.conn.Close()
		metrics.CurrentFeedConnections.Dec()
		metrics.FeedsDisconnectedTotal.Inc()
		c.logger.Info().Msg("subscriber disconnected")
	})
}
