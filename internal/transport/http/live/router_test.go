package livehttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsflow/internal/bus"
	"optionsflow/internal/metrics"
	"optionsflow/internal/observer"
	"optionsflow/internal/risk"
	"optionsflow/internal/store/gormstore"
	"optionsflow/internal/types"
)

type fakeObserver struct {
	events []types.ObservationEvent
}

func (f *fakeObserver) Health() []observer.StreamHealth {
	out := make([]observer.StreamHealth, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, observer.StreamHealth{Instrument: e.Instrument, Timeframe: e.Timeframe, LastSeq: e.Seq})
	}
	return out
}

func (f *fakeObserver) Latest(inst, tf string) (types.ObservationEvent, bool) {
	for _, e := range f.events {
		if e.Instrument == inst && e.Timeframe == tf {
			return e, true
		}
	}
	return types.ObservationEvent{}, false
}

func (f *fakeObserver) LatestFor(inst string) []types.ObservationEvent {
	var out []types.ObservationEvent
	for _, e := range f.events {
		if e.Instrument == inst {
			out = append(out, e)
		}
	}
	return out
}

type fakeFeed struct {
	records   []gormstore.SuggestionRecord
	lastAfter int64
	lastInst  string
}

func (f *fakeFeed) ListSuggestions(_ context.Context, inst string, after int64, limit int) ([]gormstore.SuggestionRecord, error) {
	f.lastAfter, f.lastInst = after, inst
	var out []gormstore.SuggestionRecord
	for _, r := range f.records {
		if r.Seq > after && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeFeed) ListDecisions(context.Context, string, int) ([]types.RiskDecision, error) {
	return []types.RiskDecision{{Outcome: types.OutcomeRejected}}, nil
}

func newTestServer(t *testing.T) (*Server, *fakeFeed, *risk.Manager) {
	t.Helper()
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	obs := &fakeObserver{events: []types.ObservationEvent{
		{Instrument: "BTC/USDT", Timeframe: "1h", Seq: 3, Timestamp: ts},
		{Instrument: "BTC/USDT", Timeframe: "4h", Seq: 4, Timestamp: ts},
	}}
	feed := &fakeFeed{records: []gormstore.SuggestionRecord{
		{Seq: 1, Suggestion: types.TradeSuggestion{ID: "a"}},
		{Seq: 2, Suggestion: types.TradeSuggestion{ID: "b"}},
		{Seq: 3, Suggestion: types.TradeSuggestion{ID: "c"}},
	}}
	mgr, err := risk.NewManager(risk.Limits{MaxPositionSize: 1, MaxRiskPerTrade: 0.02, MinRRRatio: 1, PortfolioHeatCeiling: 0.06},
		risk.NewLedger(0.06), risk.PublisherFunc(func(context.Context, types.RiskDecision) error { return nil }), 0, nil)
	require.NoError(t, err)
	srv, err := NewServer(ServerConfig{Observer: obs, Feed: feed, Risk: mgr, Metrics: metrics.New().Handler()})
	require.NoError(t, err)
	return srv, feed, mgr
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type fakeBuses struct{}

func (fakeBuses) BusStats() []bus.Stats {
	return []bus.Stats{{Name: "observations", Published: 4, Delivered: 4}}
}

func TestBusStats(t *testing.T) {
	srv, err := NewServer(ServerConfig{Feed: &fakeFeed{}, Buses: fakeBuses{}})
	require.NoError(t, err)
	w := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/buses", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"observations"`)
}

func TestHealthzAndMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doRequest(t, srv.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")

	w = doRequest(t, srv.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestObservationsByInstrumentAndTimeframe(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/observations/btc-usdt?timeframe=1H", "")
	require.Equal(t, http.StatusOK, w.Code)
	var evt types.ObservationEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &evt))
	assert.EqualValues(t, 3, evt.Seq)

	w = doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/observations/BTCUSDT", "")
	require.Equal(t, http.StatusOK, w.Code)
	var all struct {
		Instrument   string                   `json:"instrument"`
		Observations []types.ObservationEvent `json:"observations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Equal(t, "BTC/USDT", all.Instrument)
	assert.Len(t, all.Observations, 2)

	w = doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/observations/ETH-USDT?timeframe=1h", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/streams", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"timeframe":"4h"`)
}

func TestSuggestionsCursor(t *testing.T) {
	srv, feed, _ := newTestServer(t)

	w := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/suggestions?after_id=1&limit=1&instrument=eth-usdt", "")
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Items []gormstore.SuggestionRecord `json:"items"`
		Next  int64                        `json:"next_after_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "b", page.Items[0].Suggestion.ID)
	assert.EqualValues(t, 2, page.Next)
	assert.EqualValues(t, 1, feed.lastAfter)
	assert.Equal(t, "ETH/USDT", feed.lastInst)

	w = doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/suggestions?after_id=9", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Empty(t, page.Items)
	assert.EqualValues(t, 9, page.Next)

	w = doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/suggestions?after_id=-3", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/decisions", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rejected")
}

func TestRiskReconcileAndClose(t *testing.T) {
	srv, _, mgr := newTestServer(t)
	h := srv.Handler()

	body := `{"instrument":"eth-usdt","positions":[{"id":"p1","direction":"long","size":0.1,"entry":100,"stop_loss":98,"risk_fraction":0.002}]}`
	w := doRequest(t, h, http.MethodPost, "/api/v1/risk/reconcile", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.InDelta(t, 0.002, mgr.Ledger().Heat(), 1e-12)

	w = doRequest(t, h, http.MethodGet, "/api/v1/risk", "")
	require.Equal(t, http.StatusOK, w.Code)
	var view RiskView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.InDelta(t, 0.002, view.PortfolioHeat, 1e-12)
	require.Len(t, view.Books, 1)
	assert.Equal(t, "ETH/USDT", view.Books[0].Instrument)

	w = doRequest(t, h, http.MethodGet, "/api/v1/risk/positions/ETH-USDT", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"p1"`)

	w = doRequest(t, h, http.MethodPost, "/api/v1/risk/positions/close", `{"instrument":"ETH/USDT","position_id":"nope"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, h, http.MethodPost, "/api/v1/risk/positions/close", `{"instrument":"ETH/USDT","position_id":"p1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 0, mgr.Ledger().Heat(), 1e-12)

	w = doRequest(t, h, http.MethodPost, "/api/v1/risk/positions/close", `{"instrument":"ETH/USDT"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMissingDependencyIsUnavailable(t *testing.T) {
	srv, err := NewServer(ServerConfig{Observer: &fakeObserver{}})
	require.NoError(t, err)
	w := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/suggestions", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = doRequest(t, srv.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/buses", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	_, err = NewServer(ServerConfig{})
	assert.Error(t, err)
}
