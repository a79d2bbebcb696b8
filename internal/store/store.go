// Package store defines the abstract durable store the core depends on.
// The core never reaches into a concrete driver directly; it is always
// handed a Store at construction time (leaves-first dependency order).
package store

import (
	"context"
	"time"

	"github.com/adred-codev/substrate-relay/internal/model"
)

// Store is the durable persistence boundary consumed by the Batch
// Writer, the Recent-Window Cache's refresh loop, Node Session
// enrichment, and the retention purge timer.
type Store interface {
	// InsertLogs bulk-appends a LogBatch. Atomicity per batch is not
	// required, but partial failures must surface an error.
	InsertLogs(ctx context.Context, batch model.LogBatch) (count int, err error)

	// FetchSince returns records for (peerID, msgKind) with
	// created_at > since, ordered ascending by created_at (ties broken
	// by id ascending — see SPEC_FULL.md §9 duplicate-records resolution),
	// capped at limit.
	FetchSince(ctx context.Context, peerID, msgKind string, since time.Time, limit int) ([]model.SubstrateLog, error)

	// UpsertPeerConnection creates a PeerConnection row for a newly
	// accepted node stream.
	UpsertPeerConnection(ctx context.Context, remoteIP string, audit bool) (model.PeerConnection, error)

	// UpdatePeerID sets the peer_id on a PeerConnection the first time
	// it is discovered from an inbound frame.
	UpdatePeerID(ctx context.Context, id int64, peerID string) error

	// PurgeOlderThan deletes SubstrateLog rows older than horizon,
	// excluding rows whose PeerConnection is audit-flagged, regardless
	// of caller (SPEC_FULL.md §9 retention-scope resolution).
	PurgeOlderThan(ctx context.Context, horizon time.Duration) (deleted int, err error)

	// QueryProfiling is the one query-side operation kept in-core as a
	// read-only passthrough for the historical HTTP surface (§6.3); it
	// MUST NOT mutate any cache state.
	QueryProfiling(ctx context.Context, peerID, msgKind string, since time.Time, limit int) ([]model.Profiling, error)

	Close() error
}
