package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rmax-ai/crmseed/pkg/engine"
	"github.com/rmax-ai/crmseed/pkg/replay"
	"github.com/rmax-ai/crmseed/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExecutor struct {
	started  []string
	aborted  []string
	startErr error
	released int
	live     map[string]engine.Report
	st       *store.Store
}

func (e *stubExecutor) Start(ctx context.Context, runID string) error {
	if e.startErr != nil {
		return e.startErr
	}
	e.started = append(e.started, runID)
	return e.st.TransitionRun(ctx, runID, store.RunStatusRunning)
}

func (e *stubExecutor) Abort(ctx context.Context, runID string) error {
	e.aborted = append(e.aborted, runID)
	return e.st.TransitionRun(ctx, runID, store.RunStatusAborted)
}

func (e *stubExecutor) Override(ctx context.Context, runID string, cfg store.RunConfig) (*store.Run, error) {
	if err := engine.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return e.st.OverrideRun(ctx, runID, cfg)
}

func (e *stubExecutor) ResetClaims(ctx context.Context, runID string) (int, error) {
	if _, err := e.st.GetRun(ctx, runID); err != nil {
		return 0, err
	}
	return e.released, nil
}

func (e *stubExecutor) Report(runID string) (engine.Report, bool) {
	r, ok := e.live[runID]
	return r, ok
}

type stubReplayer struct {
	last replay.Request
	err  error
}

func (r *stubReplayer) Replay(_ context.Context, req replay.Request) (*store.ReplayAudit, error) {
	r.last = req
	if r.err != nil {
		return nil, r.err
	}
	return &store.ReplayAudit{ID: "audit-1", RunID: req.RunID, DryRun: req.DryRun, Strategy: "oldest"}, nil
}

type stubLeadership struct {
	leader bool
	holder string
	err    error
}

func (l *stubLeadership) IsLeader() bool { return l.leader }
func (l *stubLeadership) Epoch() int64  { return 3 }
func (l *stubLeadership) Leader(context.Context) (string, bool, error) {
	return l.holder, l.holder != "", l.err
}

type fixture struct {
	st       *store.Store
	exec     *stubExecutor
	replayer *stubReplayer
	srv      *Server
}

func newFixture(t *testing.T, tokens ...string) *fixture {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		st:       st,
		exec:     &stubExecutor{st: st, live: map[string]engine.Report{}},
		replayer: &stubReplayer{},
	}
	f.srv = NewServer(st, f.exec, f.replayer, Config{
		Tokens: tokens,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) createRun(t *testing.T, total int) *store.Run {
	t.Helper()
	run := &store.Run{Owner: "ops", Config: store.RunConfig{
		Total:       total,
		Start:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Duration:    time.Hour,
		Shape:       "linear",
		Seed:        1,
		Mix:         store.RecordMix{Contacts: 1},
		Credential:  "default",
		Concurrency: 2,
		MaxRetries:  3,
	}}
	require.NoError(t, f.st.CreateRun(context.Background(), run))
	return run
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestCreateRun(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/runs", map[string]any{
		"owner":    "alice",
		"shape":    "bell",
		"total":    50,
		"duration": "90m",
		"seed":     9,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode[RunResponse](t, w)
	require.NotNil(t, resp.Run)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "alice", resp.Owner)
	assert.Equal(t, store.RunStatusQueued, resp.Status)
	assert.Equal(t, 90*time.Minute, resp.Config.Duration)
	assert.Equal(t, engine.DefaultConcurrency, resp.Config.Concurrency)
	assert.Equal(t, engine.DefaultMaxRetries, resp.Config.MaxRetries)
	assert.Empty(t, f.exec.started)

	stored, err := f.st.GetRun(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "bell", stored.Config.Shape)
}

func TestCreateRunStartNow(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/runs", map[string]any{"total": 5, "duration": "1h", "start_now": true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode[RunResponse](t, w)
	assert.Equal(t, []string{resp.ID}, f.exec.started)
	assert.Equal(t, store.RunStatusRunning, resp.Status)
}

func TestCreateRunValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"bad shape", map[string]any{"shape": "sawtooth", "total": 1, "duration": "1h"}, "invalid_request"},
		{"bad duration", map[string]any{"total": 1, "duration": "soon"}, "invalid_request"},
		{"too many workers", map[string]any{"total": 1, "duration": "1h", "concurrency": 50}, "invalid_request"},
		{"unknown field", map[string]any{"total": 1, "cron": "* * * * *"}, "invalid_body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.code, decode[map[string]string](t, w)["error"])
		})
	}
}

func TestGetRun(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t, 10)
	f.exec.live[run.ID] = engine.Report{RunID: run.ID, Active: true, Succeeded: 4, Pending: 6}
	require.NoError(t, f.st.InsertDLQEntry(context.Background(), &store.DLQEntry{
		RunID: run.ID, OverrideVersion: 1, Sequence: 2, Category: store.CategoryAuth,
		EnqueuedAt: time.Now(), FailedAt: time.Now(),
	}))

	w := f.do(t, http.MethodGet, "/v1/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[RunResponse](t, w)
	assert.Equal(t, run.ID, resp.ID)
	require.NotNil(t, resp.Live)
	assert.Equal(t, 4, resp.Live.Succeeded)
	assert.Equal(t, 1, resp.DLQPending)

	w = f.do(t, http.MethodGet, "/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode[map[string]string](t, w)["error"])
}

func TestListRuns(t *testing.T) {
	f := newFixture(t)
	a := f.createRun(t, 1)
	f.createRun(t, 2)
	require.NoError(t, f.st.TransitionRun(context.Background(), a.ID, store.RunStatusRunning))

	w := f.do(t, http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[RunListResponse](t, w).Runs, 2)

	w = f.do(t, http.MethodGet, "/v1/runs?status=running", nil)
	runs := decode[RunListResponse](t, w).Runs
	require.Len(t, runs, 1)
	assert.Equal(t, a.ID, runs[0].ID)

	w = f.do(t, http.MethodGet, "/v1/runs?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSchedule(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t, 12)

	w := f.do(t, http.MethodGet, "/v1/runs/"+run.ID+"/schedule?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[ScheduleResponse](t, w)
	assert.Equal(t, 12, resp.Total)
	require.Len(t, resp.Items, 5)
	for i := 1; i < len(resp.Items); i++ {
		assert.False(t, resp.Items[i].ScheduledAt.Before(resp.Items[i-1].ScheduledAt))
		assert.Equal(t, i, resp.Items[i].Sequence)
	}
	assert.Equal(t, "contact", resp.Items[0].Kind)

	again := decode[ScheduleResponse](t, f.do(t, http.MethodGet, "/v1/runs/"+run.ID+"/schedule?limit=5", nil))
	assert.Equal(t, resp.Items, again.Items)
}

func TestStartAndAbort(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t, 3)

	w := f.do(t, http.MethodPost, "/v1/runs/"+run.ID+"/start", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, store.RunStatusRunning, decode[RunResponse](t, w).Status)

	w = f.do(t, http.MethodPost, "/v1/runs/"+run.ID+"/abort", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, store.RunStatusAborted, decode[RunResponse](t, w).Status)

	w = f.do(t, http.MethodPost, "/v1/runs/"+run.ID+"/abort", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	f.exec.startErr = engine.ErrRunActive
	w = f.do(t, http.MethodPost, "/v1/runs/"+run.ID+"/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	f.exec.startErr = engine.ErrExecutorClosed
	w = f.do(t, http.MethodPost, "/v1/runs/"+run.ID+"/start", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestOverrideMergesFields(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t, 10)

	w := f.do(t, http.MethodPost, "/v1/runs/"+run.ID+"/override", map[string]any{"total": 20, "max_retries": 0})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[RunResponse](t, w)
	assert.Equal(t, 2, resp.OverrideVersion)
	assert.Equal(t, 20, resp.Config.Total)
	assert.Equal(t, 0, resp.Config.MaxRetries)
	assert.Equal(t, "linear", resp.Config.Shape)
	assert.Equal(t, time.Hour, resp.Config.Duration)

	w = f.do(t, http.MethodPost, "/v1/runs/"+run.ID+"/override", map[string]any{"jitter_pct": 75})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/runs/nope/override", map[string]any{"total": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResetClaims(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t, 3)
	f.exec.released = 3

	w := f.do(t, http.MethodPost, "/v1/runs/"+run.ID+"/reset-claims", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ResetClaimsResponse{RunID: run.ID, Released: 3}, decode[ResetClaimsResponse](t, w))
}

func TestListDLQ(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t, 5)
	ctx := context.Background()
	now := time.Now()
	for i, cat := range []store.FailureCategory{store.CategoryAuth, store.CategoryTimeout, store.CategoryAuth} {
		require.NoError(t, f.st.InsertDLQEntry(ctx, &store.DLQEntry{
			RunID: run.ID, OverrideVersion: 1, Sequence: i, Category: cat,
			EnqueuedAt: now.Add(time.Duration(i) * time.Second), FailedAt: now,
		}))
	}

	w := f.do(t, http.MethodGet, "/v1/dlq?run_id="+run.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[DLQListResponse](t, w).Entries, 3)

	w = f.do(t, http.MethodGet, "/v1/dlq?run_id="+run.ID+"&category=auth&limit=1", nil)
	entries := decode[DLQListResponse](t, w).Entries
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].Sequence)

	w = f.do(t, http.MethodGet, "/v1/dlq?category=cosmic_rays", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDLQReport(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t, 5)
	ctx := context.Background()
	now := time.Now()
	for i, cat := range []store.FailureCategory{store.CategoryAuth, store.CategoryNetwork} {
		require.NoError(t, f.st.InsertDLQEntry(ctx, &store.DLQEntry{
			RunID: run.ID, OverrideVersion: 1, Sequence: i, Category: cat,
			Payload: store.Payload{Kind: "contact", Sequence: i}, EnqueuedAt: now, FailedAt: now,
		}))
	}

	w := f.do(t, http.MethodGet, "/v1/reports/dlq?run_id="+run.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	records, err := csv.NewReader(w.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "category", records[0][6])

	w = f.do(t, http.MethodGet, "/v1/reports/dlq?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/v1/reports/usage", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReplayHandler(t *testing.T) {
	f := newFixture(t, "s3cret")

	w := f.do(t, http.MethodPost, "/v1/dlq/replay", map[string]any{"run_id": "r1", "dry_run": true, "limit": 2},
		"Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "audit-1", decode[store.ReplayAudit](t, w).ID)
	assert.True(t, f.replayer.last.DryRun)
	assert.Equal(t, 2, f.replayer.last.Limit)
	assert.Equal(t, "token:"+hashToken("s3cret")[:12], f.replayer.last.Actor)

	w = f.do(t, http.MethodPost, "/v1/dlq/replay", map[string]any{"run_id": "r1"}, "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, f.replayer.last.DryRun, "omitted dry_run must not replay for real")

	w = f.do(t, http.MethodPost, "/v1/dlq/replay", map[string]any{"run_id": "r1", "dry_run": false, "use_full_retry": true},
		"Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, f.replayer.last.DryRun)
	assert.True(t, f.replayer.last.UseFullRetry)

	f.replayer.err = replay.ErrInvalidRequest
	w = f.do(t, http.MethodPost, "/v1/dlq/replay", map[string]any{"run_id": "r1"}, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.replayer.err = errors.New("disk on fire")
	w = f.do(t, http.MethodPost, "/v1/dlq/replay", map[string]any{"run_id": "r1"}, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal_server_error", decode[map[string]string](t, w)["error"])
}

func TestListReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.InsertReplayAudit(ctx, &store.ReplayAudit{RunID: "a", Strategy: "oldest", Filter: json.RawMessage(`{}`)}))
	require.NoError(t, f.st.InsertReplayAudit(ctx, &store.ReplayAudit{RunID: "b", Strategy: "newest", Filter: json.RawMessage(`{}`)}))

	w := f.do(t, http.MethodGet, "/v1/replays", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[AuditListResponse](t, w).Audits, 2)

	w = f.do(t, http.MethodGet, "/v1/replays?run_id=b", nil)
	audits := decode[AuditListResponse](t, w).Audits
	require.Len(t, audits, 1)
	assert.Equal(t, "newest", audits[0].Strategy)
}

func TestAuth(t *testing.T) {
	f := newFixture(t, "good-token")
	run := f.createRun(t, 1)

	tests := []struct {
		name   string
		header []string
		status int
		reason string
	}{
		{"missing", nil, http.StatusUnauthorized, "missing_token"},
		{"format", []string{"Authorization", "Basic abc"}, http.StatusUnauthorized, "invalid_token_format"},
		{"wrong", []string{"Authorization", "Bearer bad-token"}, http.StatusUnauthorized, "invalid_token"},
		{"ok", []string{"Authorization", "Bearer good-token"}, http.StatusAccepted, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/runs/"+run.ID+"/abort", nil, tt.header...)
			assert.Equal(t, tt.status, w.Code)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, decode[map[string]string](t, w)["reason"])
			}
		})
	}

	w := f.do(t, http.MethodGet, "/v1/runs/"+run.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLeaderCheck(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t, 1)
	path := "/v1/runs/" + run.ID + "/start"

	f.srv.SetElectionManager(&stubLeadership{leader: false, holder: "http://node-a:8090"})
	w := f.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Equal(t, "http://node-a:8090"+path, w.Header().Get("Location"))

	f.srv.SetElectionManager(&stubLeadership{leader: false, holder: "node-a"})
	w = f.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not_leader", decode[map[string]string](t, w)["reason"])

	f.srv.SetElectionManager(&stubLeadership{leader: false})
	w = f.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "no_leader_elected", decode[map[string]string](t, w)["reason"])

	w = f.do(t, http.MethodGet, "/v1/runs/"+run.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.exec.started)

	f.srv.SetElectionManager(&stubLeadership{leader: true})
	w = f.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.srv.SetElectionManager(&stubLeadership{leader: true})

	w := f.do(t, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, HealthResponse{Status: "ok", Leader: true, Epoch: 3}, decode[HealthResponse](t, w))

	f.st.Close()
	w = f.do(t, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode[HealthResponse](t, w).Status)
}

func TestMiddlewareHeaders(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/health", nil, "X-Trace-ID", "trace-123")
	assert.Equal(t, "trace-123", w.Header().Get("X-Trace-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))

	w = f.do(t, http.MethodGet, "/v1/health", nil)
	assert.Len(t, w.Header().Get("X-Trace-ID"), 32)
}

func TestRecovery(t *testing.T) {
	f := newFixture(t)
	h := f.srv.withRecovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
