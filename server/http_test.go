package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/jobstore/expiry"
	"github.com/wolfeidau/jobstore/lock"
	"github.com/wolfeidau/jobstore/store/jobdb"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	db      *jobdb.BoltDB
	manager *expiry.Manager
	server  *Server
	now     time.Time
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	db := jobdb.NewBoltDB(jobdb.WithNow(clock), jobdb.WithNoSync(true), jobdb.WithLogger(discardLogger()))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "jobs.db")))
	t.Cleanup(func() { _ = db.Close() })

	locker, err := lock.NewBolt(db.DB(), lock.WithBoltNow(clock))
	require.NoError(t, err)

	mgr := expiry.New(expiry.SourcesFor(db), locker, expiry.Config{
		DistributedLockTimeout:     50 * time.Millisecond,
		JobExpirationCheckInterval: time.Hour,
	}, expiry.WithNow(clock), expiry.WithLogger(discardLogger()))

	cfg.Logger = discardLogger()
	return &testEnv{
		db:      db,
		manager: mgr,
		server:  New(cfg, db, mgr),
		now:     now,
	}
}

func (e *testEnv) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDIsPropagated(t *testing.T) {
	env := newTestEnv(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	require.NoError(t, env.db.IncrementCounter(ctx, "stats:succeeded", 1, time.Hour))
	require.NoError(t, env.db.IncrementCounter(ctx, "stats:succeeded", 1, 0))
	require.NoError(t, env.db.AddToSet(ctx, "schedule", "job-1", 1))

	rec := env.do(t, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]kindStatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, kindStatsResponse{Records: 2, Expiring: 1}, body["counter"])
	assert.Equal(t, kindStatsResponse{Records: 1, Expiring: 0}, body["set"])
	assert.Equal(t, kindStatsResponse{}, body["job"])
}

func TestStats_FilterByKind(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.NoError(t, env.db.RightPush(context.Background(), "queue:default", "job-1"))

	rec := env.do(t, http.MethodGet, "/stats?kind=list")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]kindStatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body, 1)
	require.Equal(t, 1, body["list"].Records)

	rec = env.do(t, http.MethodGet, "/stats?kind=queue")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExpirationStatus_NoPass(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodGet, "/expiration/status")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"no pass completed"}`, rec.Body.String())
}

func TestExpirationRun(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	// Expires one hour before the injected clock.
	require.NoError(t, env.db.PutJob(ctx, &jobdb.Job{ID: "job-1", StateName: "Succeeded", CreatedAt: env.now}))
	_, err := env.db.Expire(ctx, jobdb.KindJob, "job-1", -time.Hour)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/expiration/run")
	require.Equal(t, http.StatusOK, rec.Code)

	var result expiry.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	require.Equal(t, 1, result.Deleted)
	require.Len(t, result.Kinds, 5)
	require.Empty(t, result.Errors)

	_, err = env.db.GetJob(ctx, "job-1")
	require.ErrorIs(t, err, jobdb.ErrNotFound)

	t.Run("status reports the last pass", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/expiration/status")
		require.Equal(t, http.StatusOK, rec.Code)

		var status expiry.Result
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
		require.Equal(t, 1, status.Deleted)
	})
}

func TestExpirationRun_GetNotAllowed(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodGet, "/expiration/run")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type busyExpirer struct{}

func (busyExpirer) Start(context.Context)      {}
func (busyExpirer) Stop(context.Context) error { return nil }
func (busyExpirer) Status() *expiry.Result     { return nil }
func (busyExpirer) Sweep(context.Context) (*expiry.Result, error) {
	return nil, expiry.ErrSweepInProgress
}

func TestExpirationRun_Conflict(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := New(Config{Logger: discardLogger()}, env.db, busyExpirer{})

	req := httptest.NewRequest(http.MethodPost, "/expiration/run", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuthToken_ProtectsRun(t *testing.T) {
	env := newTestEnv(t, Config{AuthToken: "secret"})

	rec := env.do(t, http.MethodPost, "/expiration/run")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/expiration/run", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestShutdownStopsExpirer(t *testing.T) {
	env := newTestEnv(t, Config{Address: "127.0.0.1:0"})

	env.manager.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))
}
