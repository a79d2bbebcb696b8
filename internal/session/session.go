// Package session implements the Node Session (SPEC_FULL.md §4.1): a read
// pump, a write pump and a heartbeat goroutine per accepted node stream,
// terminating a bidirectional
// gobwas/ws connection, framing inbound JSON records, enriching them with
// the discovered peer id, and forwarding them to the Log Buffer.
//
// The read pump is the sole source of mutation for per-connection state;
// the write pump only ever drains the send channel, so ping/pong/close
// frames and read-driven state updates never race on the same net.Conn.
package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/substrate-relay/internal/limits"
	"github.com/adred-codev/substrate-relay/internal/metrics"
	"github.com/adred-codev/substrate-relay/internal/model"
	"github.com/adred-codev/substrate-relay/internal/store"
)

// Enqueuer is the narrow interface a session needs from the Log Buffer.
type Enqueuer interface {
	Enqueue(rec model.SubstrateLog) error
}

// Config carries the tunables a session needs, lifted once from
// config.Config at construction.
type Config struct {
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
	MaxPayloadBytes   int64
}

// Manager owns the shared dependencies every accepted node stream needs:
// the Store, the Log Buffer, admission control, and live connection count.
// It has no per-connection state of its own; each accepted connection gets
// its own *Conn.
type Manager struct {
	cfg    Config
	store  store.Store
	buffer Enqueuer
	guard  *limits.ResourceGuard
	logger zerolog.Logger

	currentConns int64
}

// NewManager builds the Manager and its ResourceGuard together: the
// guard needs a stable pointer to the connection counter the Manager
// itself owns, so construction happens in one step rather than handing
// a pre-built guard in from the caller.
func NewManager(cfg Config, maxConnections int, st store.Store, buf Enqueuer, logger zerolog.Logger) *Manager {
	m := &Manager{cfg: cfg, store: st, buffer: buf, logger: logger}
	m.guard = limits.NewResourceGuard(logger, maxConnections, &m.currentConns)
	return m
}

// ShouldAccept consults the resource guard before the caller upgrades an
// incoming HTTP request to a WebSocket (SPEC_FULL.md §4.1 admission
// control). A rejection here is an Overloaded at the session level.
func (m *Manager) ShouldAccept() (accept bool, reason string) {
	return m.guard.ShouldAcceptConnection()
}

// Conn is one accepted node stream. peerConnection is only ever touched
// from readPump's goroutine; lastFrame is atomic because heartbeatLoop
// reads it; writes and pings go through the send channel so writePump
// stays the sole writer to the socket.
type Conn struct {
	mgr    *Manager
	conn   net.Conn
	logger zerolog.Logger

	peerConnection model.PeerConnection
	lastFrame      atomic.Value // time.Time

	send      chan sendFrame
	closeOnce sync.Once
}

type frameOp int

const (
	opText frameOp = iota
	opPing
	opPong
	opClose
)

type sendFrame struct {
	op      frameOp
	payload []byte
}

// Open accepts one already-upgraded connection: creates the PeerConnection
// row synchronously (SPEC_FULL.md §4.1 Open) and spawns the read/write
// pumps. A Store failure here refuses the stream entirely, the same way
// the caller already refuses the upgrade on resource exhaustion before
// Open is ever invoked — rejection happens before any per-connection
// state is allocated.
func (m *Manager) Open(ctx context.Context, rawConn net.Conn, remoteIP string, audit bool) error {
	pc, err := m.store.UpsertPeerConnection(ctx, remoteIP, audit)
	if err != nil {
		rawConn.Close()
		return model.NewStoreUnavailable("failed to create peer connection", err)
	}

	c := &Conn{
		mgr:            m,
		conn:           rawConn,
		logger:         m.logger.With().Int64("peer_connection_id", pc.ID).Str("remote_addr", remoteIP).Logger(),
		peerConnection: pc,
		send:           make(chan sendFrame, 32),
	}
	c.lastFrame.Store(time.Now())

	atomic.AddInt64(&m.currentConns, 1)
	metrics.WSConnectedTotal.Inc()
	metrics.CurrentSubstrateConnections.Inc()

	go c.writePump()
	go c.readPump(ctx)
	return nil
}

func (c *Conn) touch() {
	c.lastFrame.Store(time.Now())
}

func (c *Conn) lastObserved() time.Time {
	return c.lastFrame.Load().(time.Time)
}

// readPump reads frames until the connection closes or a protocol error
// occurs, dispatching each to onMessage. There is no per-message rate
// limit here; a node stream's records are bounded by Log Buffer
// back-pressure instead (see §4.2).
func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("recovered panic in node session read pump")
		}
		c.disconnect()
	}()

	heartbeatCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeatLoop(heartbeatCtx)

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.mgr.cfg.ClientTimeout))
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.touch()
		metrics.WSMessagesReceived.Inc()
		metrics.WSBytesReceived.Add(float64(len(msg)))

		if int64(len(msg)) > c.mgr.cfg.MaxPayloadBytes {
			c.logger.Warn().Int("size", len(msg)).Msg("node stream frame exceeds max payload, closing session")
			return
		}

		switch op {
		case ws.OpText, ws.OpBinary:
			c.onMessage(ctx, msg)
		case ws.OpPing:
			c.trySend(sendFrame{op: opPong, payload: msg})
		case ws.OpPong:
			// already recorded via touch()
		case ws.OpClose:
			return
		}
	}
}

// onMessage implements the Enrichment operation (SPEC_FULL.md §4.1).
func (c *Conn) onMessage(ctx context.Context, raw []byte) {
	frame, err := model.ParseFrame(raw)
	if err != nil {
		metrics.WSDroppedTotal.Inc()
		c.logger.Warn().Err(err).Msg("dropping unparseable node stream frame")
		return
	}

	if !c.peerConnection.HasPeerID() && frame.PeerID != "" {
		if err := c.mgr.store.UpdatePeerID(ctx, c.peerConnection.ID, frame.PeerID); err != nil {
			c.logger.Warn().Err(err).Str("peer_id", frame.PeerID).Msg("failed to persist discovered peer id")
		} else {
			c.peerConnection.PeerID = frame.PeerID
		}
	}

	rec := model.SubstrateLog{
		PeerConnectionID: c.peerConnection.ID,
		Payload:          frame.Raw,
		CreatedAt:        frame.CreatedAt,
	}
	if err := c.mgr.buffer.Enqueue(rec); err != nil {
		c.logger.Debug().Err(err).Msg("log buffer rejected record")
	}
}

// heartbeatLoop implements the Heartbeat operation: every HeartbeatInterval,
// close the session if the client has been silent longer than
// ClientTimeout, otherwise send a Ping.
func (c *Conn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.mgr.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(c.lastObserved()) > c.mgr.cfg.ClientTimeout {
				c.logger.Info().Msg("node session timed out, closing")
				c.trySend(sendFrame{op: opClose})
				c.conn.Close()
				return
			}
			c.trySend(sendFrame{op: opPing})
		}
	}
}

func (c *Conn) trySend(f sendFrame) {
	select {
	case c.send <- f:
	default:
		// send buffer full; writePump is behind, drop the control frame
		// rather than block the reader.
	}
}

// writePump is the connection's sole writer; every outbound frame goes
// through the send channel so reads and writes never race on the same
// net.Conn.
func (c *Conn) writePump() {
	for f := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		var err error
		switch f.op {
		case opText:
			err = wsutil.WriteServerMessage(c.conn, ws.OpText, f.payload)
		case opPing:
			err = wsutil.WriteServerMessage(c.conn, ws.OpPing, f.payload)
		case opPong:
			err = wsutil.WriteServerMessage(c.conn, ws.OpPong, f.payload)
		case opClose:
			err = wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) disconnect() {
	c.closeOnce.Do(func() {
		close(c.send)
		c.conn.Close()
		atomic.AddInt64(&c.mgr.currentConns, -1)
		metrics.CurrentSubstrateConnections.Dec()
		c.logger.Info().Msg("node session disconnected")
	})
}
