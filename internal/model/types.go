// Package model holds the data types shared across the live data plane:
// node sessions, the log buffer, the recent-window cache and fan-out.
package model

import (
	"encoding/json"
	"time"
)

// PeerConnection is one accepted node stream.
type PeerConnection struct {
	ID        int64
	RemoteIP  string
	PeerID    string // empty until discovered from network_state.peerId
	CreatedAt time.Time
	Audit     bool // exempt from retention purge
}

// HasPeerID reports whether the lazily-discovered peer id has been set.
func (p *PeerConnection) HasPeerID() bool {
	return p.PeerID != ""
}

// SubstrateLog is one accepted record.
type SubstrateLog struct {
	ID               int64
	PeerConnectionID int64
	Payload          json.RawMessage
	CreatedAt        time.Time
}

// PeerMessage is the logical stream key (peer_id, msg_kind). Equality and
// hashing are structural, so it is safe to use as a Go map key directly.
type PeerMessage struct {
	PeerID  string
	MsgKind string
}

// Profiling is a derived read row used by the historical query surface.
// It is produced entirely on the Store side; the core never mutates it.
type Profiling struct {
	NS        int64
	Name      string
	Target    string
	CreatedAt time.Time
}

// BatchEvent summarizes one completed batch flush for downstream consumers
// that must not reach into the core's internal state.
type BatchEvent struct {
	PeerCount       int
	RecordCount     int
	FlushLatencyMS  int64
	FlushedAt       time.Time
}

// Filter constrains a store query. Zero values mean "unconstrained" for
// that field; Limit <= 0 means the Store applies its own default.
type Filter struct {
	PeerID        string
	MsgKind       string
	StartTime     time.Time
	EndTime       time.Time
	MaxAgeSeconds int64
	Limit         int
}

// LogBatch is a bounded, owned collection of SubstrateLog handed atomically
// to the Store. Callers must keep 0 < len(Records) <= DB_BATCH_SIZE.
type LogBatch struct {
	Records []SubstrateLog
}

// networkState mirrors the one inbound field the core cares about.
type networkState struct {
	PeerID string `json:"peerId"`
}

// inboundEnvelope is the shape of one node-stream frame payload, just
// enough to pull out the fields the core inspects before storing the rest
// of the payload verbatim.
type inboundEnvelope struct {
	TS           string       `json:"ts"`
	Msg          string       `json:"msg"`
	NetworkState networkState `json:"network_state"`
}

// ParsedFrame is the result of decoding one inbound node-stream frame.
type ParsedFrame struct {
	CreatedAt time.Time
	MsgKind   string
	PeerID    string // "" if not present in this frame
	Raw       json.RawMessage
}

// ParseFrame decodes a single JSON node-stream frame. It returns an error
// (DecodeError, see errors.go) when the payload is not valid JSON or the
// required ts field is missing/unparseable — both are record-level, non-
// fatal conditions at the caller.
func ParseFrame(raw []byte) (ParsedFrame, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ParsedFrame{}, NewDecodeError("invalid JSON payload", err)
	}
	if env.TS == "" {
		return ParsedFrame{}, NewDecodeError("missing ts field", nil)
	}
	ts, err := time.Parse(time.RFC3339, env.TS)
	if err != nil {
		return ParsedFrame{}, NewDecodeError("unparseable ts field", err)
	}
	return ParsedFrame{
		CreatedAt: ts,
		MsgKind:   env.Msg,
		PeerID:    env.NetworkState.PeerID,
		Raw:       json.RawMessage(raw),
	}, nil
}
