package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.SampleIngested("BTC/USDT", "1h")
	r.SampleIngested("BTC/USDT", "1h")
	r.SampleDropped("BTC/USDT", "1h", "out_of_order")
	r.EventPublished("BTC/USDT", "1h", true, 20*time.Millisecond)
	r.Decision("rejected", "portfolio_heat_exceeded")
	r.SetPortfolioHeat(0.04)
	r.BusUndelivered("decisions", "shutdown", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.samplesIngested.WithLabelValues("BTC/USDT", "1h")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.samplesDropped.WithLabelValues("BTC/USDT", "1h", "out_of_order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.eventsPublished.WithLabelValues("BTC/USDT", "1h", "true")))
	assert.Equal(t, 0.04, testutil.ToFloat64(r.portfolioHeat))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.busUndelivered.WithLabelValues("decisions", "shutdown")))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "optionsflow_risk_decisions_total")
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.SampleIngested("a", "b")
		r.SetLedgerHalted("a", true)
		r.BusRedelivered("x")
	})
}
