package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/substrate-relay/internal/model"
)

// mockStore implements store.Store just enough for the HTTP surface's
// read-only passthrough; every method besides QueryProfiling and Close
// panics if called, since the HTTP surface never touches them.
type mockStore struct {
	queryFunc func(ctx context.Context, peerID, msgKind string, since time.Time, limit int) ([]model.Profiling, error)
}

func (m *mockStore) InsertLogs(ctx context.Context, batch model.LogBatch) (int, error) {
	panic("not used by httpapi")
}
func (m *mockStore) FetchSince(ctx context.Context, peerID, msgKind string, since time.Time, limit int) ([]model.SubstrateLog, error) {
	panic("not used by httpapi")
}
func (m *mockStore) UpsertPeerConnection(ctx context.Context, remoteIP string, audit bool) (model.PeerConnection, error) {
	panic("not used by httpapi")
}
func (m *mockStore) UpdatePeerID(ctx context.Context, id int64, peerID string) error {
	panic("not used by httpapi")
}
func (m *mockStore) PurgeOlderThan(ctx context.Context, horizon time.Duration) (int, error) {
	panic("not used by httpapi")
}
func (m *mockStore) QueryProfiling(ctx context.Context, peerID, msgKind string, since time.Time, limit int) ([]model.Profiling, error) {
	return m.queryFunc(ctx, peerID, msgKind, since, limit)
}
func (m *mockStore) Close() error { return nil }

func notShuttingDown() bool { return false }

func TestHandleHealthzOK(t *testing.T) {
	s := NewServer(&mockStore{}, "", notShuttingDown, zerolog.Nop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	s.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealthzReturns503WhileShuttingDown(t *testing.T) {
	s := NewServer(&mockStore{}, "", func() bool { return true }, zerolog.Nop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	s.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleProfilingRequiresPeerIDAndMsg(t *testing.T) {
	s := NewServer(&mockStore{}, "", notShuttingDown, zerolog.Nop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/profiling?peer_id=p1", nil)

	s.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleProfilingRejectsBadSince(t *testing.T) {
	s := NewServer(&mockStore{}, "", notShuttingDown, zerolog.Nop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/profiling?peer_id=p1&msg=block_import&since=not-a-time", nil)

	s.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleProfilingParsesLimit(t *testing.T) {
	var gotLimit int
	st := &mockStore{queryFunc: func(ctx context.Context, peerID, msgKind string, since time.Time, limit int) ([]model.Profiling, error) {
		gotLimit = limit
		return []model.Profiling{{Name: "latency"}}, nil
	}}
	s := NewServer(st, "", notShuttingDown, zerolog.Nop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/profiling?peer_id=p1&msg=block_import&limit=7", nil)

	s.Mux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, gotLimit)
}

func TestHandleProfilingSurfacesStoreError(t *testing.T) {
	st := &mockStore{queryFunc: func(ctx context.Context, peerID, msgKind string, since time.Time, limit int) ([]model.Profiling, error) {
		return nil, context.DeadlineExceeded
	}}
	s := NewServer(st, "", notShuttingDown, zerolog.Nop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/profiling?peer_id=p1&msg=block_import", nil)

	s.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequireSharedSecretRejectsMissingHeader(t *testing.T) {
	s := NewServer(&mockStore{queryFunc: func(ctx context.Context, peerID, msgKind string, since time.Time, limit int) ([]model.Profiling, error) {
		return nil, nil
	}}, "top-secret", notShuttingDown, zerolog.Nop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/profiling?peer_id=p1&msg=block_import", nil)

	s.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireSharedSecretAcceptsMatchingHeader(t *testing.T) {
	s := NewServer(&mockStore{queryFunc: func(ctx context.Context, peerID, msgKind string, since time.Time, limit int) ([]model.Profiling, error) {
		return nil, nil
	}}, "top-secret", notShuttingDown, zerolog.Nop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/profiling?peer_id=p1&msg=block_import", nil)
	req.Header.Set("X-API-Secret", "top-secret")

	s.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
