// Package postgres is the sole Store implementation (SPEC_FULL.md §6.3,
// §11), built on database/sql + lib/pq with a connection pool sized from
// DB_POOL_SIZE at startup.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/adred-codev/substrate-relay/internal/model"
)

// Config tunes the connection pool. MaxOpenConns should be set from
// DB_POOL_SIZE (SPEC_FULL.md §6.4).
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func DefaultConfig(url string, poolSize int) Config {
	return Config{
		URL:             url,
		MaxOpenConns:    poolSize,
		MaxIdleConns:    poolSize,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Store wraps *sql.DB behind the store.Store interface.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

func Connect(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.Info().
		Int("max_open_conns", cfg.MaxOpenConns).
		Int("max_idle_conns", cfg.MaxIdleConns).
		Dur("conn_max_lifetime", cfg.ConnMaxLifetime).
		Msg("connected to postgres store")

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InsertLogs writes one LogBatch inside a single transaction, executing
// one prepared single-row INSERT per record; it does not issue one
// multi-row INSERT statement. The batch is committed as a whole or not
// at all.
func (s *Store) InsertLogs(ctx context.Context, batch model.LogBatch) (int, error) {
	if len(batch.Records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO substrate_logs (peer_connection_id, logs, created_at)
		VALUES ($1, $2, $3)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range batch.Records {
		if _, err := stmt.ExecContext(ctx, rec.PeerConnectionID, []byte(rec.Payload), rec.CreatedAt); err != nil {
			return 0, fmt.Errorf("insert record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(batch.Records), nil
}

// FetchSince returns records strictly newer than since, ordered by
// created_at then id to break ties deterministically (SPEC_FULL.md §9).
func (s *Store) FetchSince(ctx context.Context, peerID, msgKind string, since time.Time, limit int) ([]model.SubstrateLog, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sl.id, sl.peer_connection_id, sl.logs, sl.created_at
		FROM substrate_logs sl
		JOIN peer_connections pc ON pc.id = sl.peer_connection_id
		WHERE pc.peer_id = $1
		  AND sl.logs->>'msg' = $2
		  AND sl.created_at > $3
		ORDER BY sl.created_at ASC, sl.id ASC
		LIMIT $4`, peerID, msgKind, since, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch since: %w", err)
	}
	defer rows.Close()

	var out []model.SubstrateLog
	for rows.Next() {
		var rec model.SubstrateLog
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.PeerConnectionID, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) UpsertPeerConnection(ctx context.Context, remoteIP string, audit bool) (model.PeerConnection, error) {
	var pc model.PeerConnection
	pc.RemoteIP = remoteIP
	pc.Audit = audit
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO peer_connections (ip_addr, audit, created_at)
		VALUES ($1, $2, now())
		RETURNING id, created_at`, remoteIP, audit).Scan(&pc.ID, &pc.CreatedAt)
	if err != nil {
		return model.PeerConnection{}, fmt.Errorf("upsert peer connection: %w", err)
	}
	return pc, nil
}

func (s *Store) UpdatePeerID(ctx context.Context, id int64, peerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE peer_connections SET peer_id = $1 WHERE id = $2 AND peer_id IS NULL`, peerID, id)
	if err != nil {
		return fmt.Errorf("update peer id: %w", err)
	}
	return nil
}

// PurgeOlderThan deletes rows older than horizon, always excluding
// audit-flagged connections regardless of caller (SPEC_FULL.md §9).
func (s *Store) PurgeOlderThan(ctx context.Context, horizon time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM substrate_logs sl
		USING peer_connections pc
		WHERE sl.peer_connection_id = pc.id
		  AND pc.audit = false
		  AND sl.created_at < $1`, time.Now().Add(-horizon))
	if err != nil {
		return 0, fmt.Errorf("purge older than: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// QueryProfiling extracts profiling samples recorded under msg_kind for
// the historical HTTP query surface (§6.3); it never touches cache state.
func (s *Store) QueryProfiling(ctx context.Context, peerID, msgKind string, since time.Time, limit int) ([]model.Profiling, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT CAST(sl.logs->>'ns' AS bigint), sl.logs->>'name', sl.logs->>'target', sl.created_at
		FROM substrate_logs sl
		LEFT JOIN peer_connections pc ON pc.id = sl.peer_connection_id
		WHERE pc.peer_id = $1
		  AND sl.created_at > $2
		  AND sl.logs->>'msg' = $3
		ORDER BY sl.created_at DESC
		LIMIT $4`, peerID, since, msgKind, limit)
	if err != nil {
		return nil, fmt.Errorf("query profiling: %w", err)
	}
	defer rows.Close()

	var out []model.Profiling
	for rows.Next() {
		var p model.Profiling
		if err := rows.Scan(&p.NS, &p.Name, &p.Target, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan profiling: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
