package dashboard

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/pumpsniper/internal/audit"
	"github.com/nexus-trading/pumpsniper/internal/observability"
	"github.com/nexus-trading/pumpsniper/internal/store"
	"github.com/nexus-trading/pumpsniper/internal/store/memory"
)

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	now := time.Now().UTC()
	for _, mint := range []string{"MintOne", "MintTwo"} {
		require.NoError(t, st.InsertCandidate(ctx, &store.Candidate{
			Mint: mint, Name: "name-" + mint, Creator: "c", DiscoveredAt: now, Status: store.StatusNew,
		}))
	}
	require.NoError(t, st.ClaimCandidate(ctx, "MintTwo", now))
	require.NoError(t, st.OpenPosition(ctx, &store.OpenPosition{
		Mint:       "MintTwo",
		Quantity:   decimal.NewFromInt(1000),
		EntryPrice: decimal.NewFromInt(2),
		Cost:       decimal.NewFromInt(2000),
		StopPrice:  decimal.RequireFromString("1.3"),
		TakeProfit: decimal.NewFromInt(6),
		OpenedAt:   now,
	}))
	require.NoError(t, st.AppendLog(ctx, &store.LogEntry{TS: now, Level: "INFO", Message: "NEW candidate"}))
	return st
}

func newTestServer(t *testing.T, src Source, health *observability.HealthMonitor) *httptest.Server {
	t.Helper()
	metrics := observability.NewMetrics()
	metrics.CandidatesDiscovered.Add(2)
	s := New(Config{StreamInterval: 10 * time.Millisecond, SnapshotLimit: 50}, src, health, metrics.Registry,
		func() map[string]any { return map[string]any{"feed": map[string]int{"created": 2}} })
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestSnapshots(t *testing.T) {
	srv := newTestServer(t, seededStore(t), nil)

	var candidates []store.Candidate
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/candidates", &candidates))
	assert.Len(t, candidates, 2)

	var open []store.OpenPosition
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/positions/open", &open))
	require.Len(t, open, 1)
	assert.Equal(t, "MintTwo", open[0].Mint)
	assert.True(t, decimal.RequireFromString("1.3").Equal(open[0].StopPrice))

	var closed []store.ClosedPosition
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/positions/closed", &closed))
	assert.Empty(t, closed)

	var logs []store.LogEntry
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/logs", &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "NEW candidate", logs[0].Message)
}

type failingSource struct{ *memory.Store }

func (failingSource) ListCandidates(context.Context, int) ([]*store.Candidate, error) {
	return nil, errors.New("connection reset")
}

type unreadableLogs struct{ *memory.Store }

func (unreadableLogs) ListLogs(context.Context, int) ([]*store.LogEntry, error) {
	return nil, errors.New("pool closed")
}

func TestLogsFallBackToJournal(t *testing.T) {
	journal := audit.NewJournal(nil, 16, 16)
	journal.Info("sniper started")
	journal.Warn("BUY Mint1234… failed: timeout")
	journal.Info("NEW candidate pepe (PEPE) MintAbcd…")

	s := New(Config{SnapshotLimit: 2, RecentLogs: journal.Recent}, unreadableLogs{memory.New()}, nil, nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	var logs []store.LogEntry
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/logs", &logs))
	require.Len(t, logs, 2, "limited to the snapshot size")
	assert.Equal(t, "NEW candidate pepe (PEPE) MintAbcd…", logs[0].Message, "newest first like the store")
	assert.Equal(t, "WARN", logs[1].Level)
}

func TestLogsErrorWithoutJournal(t *testing.T) {
	srv := newTestServer(t, unreadableLogs{memory.New()}, nil)

	var body map[string]string
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, srv.URL+"/api/logs", &body))
	assert.Equal(t, "pool closed", body["error"])
}

func TestSnapshotError(t *testing.T) {
	srv := newTestServer(t, failingSource{memory.New()}, nil)

	var body map[string]string
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, srv.URL+"/api/candidates", &body))
	assert.Equal(t, "connection reset", body["error"])
}

func TestStream(t *testing.T) {
	st := seededStore(t)
	srv := newTestServer(t, st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/socket/open", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	next := func() []store.OpenPosition {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var out []store.OpenPosition
				require.NoError(t, json.Unmarshal([]byte(data), &out))
				return out
			}
		}
	}

	first := next()
	require.Len(t, first, 1)

	_, err = st.ClosePosition(context.Background(), store.CloseRequest{
		Mint: "MintTwo", ExitPrice: decimal.NewFromInt(3), Reason: "TAKE_PROFIT", ClosedAt: time.Now(),
	})
	require.NoError(t, err)

	for i := 0; ; i++ {
		require.Less(t, i, 100, "close never reflected in the stream")
		if len(next()) == 0 {
			break
		}
	}
}

func TestStreamUnknownKind(t *testing.T) {
	srv := newTestServer(t, memory.New(), nil)

	resp, err := http.Get(srv.URL + "/socket/orders")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthMetricsStats(t *testing.T) {
	health := observability.NewHealthMonitor(time.Second)
	health.Register("store", observability.PingCheck(func(context.Context) error { return errors.New("down") }))
	health.Check(context.Background())
	srv := newTestServer(t, memory.New(), health)

	var sys observability.SystemHealth
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/health", &sys))
	assert.Equal(t, observability.StatusUnhealthy, sys.Status)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "sniper_feed_candidates_discovered_total 2")

	var stats map[string]map[string]int
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/stats", &stats))
	assert.Equal(t, 2, stats["feed"]["created"])
}

func TestOptionalEndpointsAbsent(t *testing.T) {
	s := New(Config{}, memory.New(), nil, nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	for _, path := range []string{"/health", "/metrics", "/stats"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, memory.New(), nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
