package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder 汇总管道各阶段的 Prometheus 指标。
// 所有方法对 nil 接收者安全，测试与回测可不注入。
type Recorder struct {
	registry *prometheus.Registry

	samplesIngested *prometheus.CounterVec
	samplesDropped  *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
	computeSeconds  *prometheus.HistogramVec
	candidates      *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	suggestions     prometheus.Counter
	portfolioHeat   prometheus.Gauge
	ledgerHalted    *prometheus.GaugeVec
	busRedelivered  *prometheus.CounterVec
	busUndelivered  *prometheus.CounterVec
}

// New 创建独立 registry，避免重复注册到全局默认 registry。
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		samplesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionsflow_samples_ingested_total",
			Help: "Samples accepted into a window",
		}, []string{"instrument", "timeframe"}),
		samplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionsflow_samples_dropped_total",
			Help: "Samples dropped by ingest validation",
		}, []string{"instrument", "timeframe", "reason"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionsflow_observation_events_total",
			Help: "Observation events published",
		}, []string{"instrument", "timeframe", "degraded"}),
		computeSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optionsflow_compute_duration_seconds",
			Help:    "Indicator and pattern computation time per event",
			Buckets: prometheus.DefBuckets,
		}, []string{"timeframe"}),
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionsflow_candidates_total",
			Help: "Candidate strategies emitted by template",
		}, []string{"template"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionsflow_risk_decisions_total",
			Help: "Risk decisions by outcome and first reason code",
		}, []string{"outcome", "reason"}),
		suggestions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionsflow_trade_suggestions_total",
			Help: "Trade suggestions appended to the feed",
		}),
		portfolioHeat: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionsflow_portfolio_heat",
			Help: "Aggregate open risk as a fraction of capital",
		}),
		ledgerHalted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optionsflow_ledger_halted",
			Help: "1 when risk validation is halted for an instrument",
		}, []string{"instrument"}),
		busRedelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionsflow_bus_redeliveries_total",
			Help: "Messages redelivered after handler failure",
		}, []string{"bus"}),
		busUndelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionsflow_bus_undelivered_total",
			Help: "Messages reported undelivered (exhausted or left at shutdown)",
		}, []string{"bus", "cause"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.samplesIngested, r.samplesDropped, r.eventsPublished, r.computeSeconds,
		r.candidates, r.decisions, r.suggestions, r.portfolioHeat, r.ledgerHalted,
		r.busRedelivered, r.busUndelivered,
	)
	return r
}

// Handler 暴露 /metrics。
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) SampleIngested(instrument, timeframe string) {
	if r == nil {
		return
	}
	r.samplesIngested.WithLabelValues(instrument, timeframe).Inc()
}

func (r *Recorder) SampleDropped(instrument, timeframe, reason string) {
	if r == nil {
		return
	}
	r.samplesDropped.WithLabelValues(instrument, timeframe, reason).Inc()
}

func (r *Recorder) EventPublished(instrument, timeframe string, degraded bool, took time.Duration) {
	if r == nil {
		return
	}
	r.eventsPublished.WithLabelValues(instrument, timeframe, strconv.FormatBool(degraded)).Inc()
	r.computeSeconds.WithLabelValues(timeframe).Observe(took.Seconds())
}

func (r *Recorder) CandidateEmitted(template string) {
	if r == nil {
		return
	}
	r.candidates.WithLabelValues(template).Inc()
}

func (r *Recorder) Decision(outcome, reason string) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(outcome, reason).Inc()
}

func (r *Recorder) SuggestionEmitted() {
	if r == nil {
		return
	}
	r.suggestions.Inc()
}

func (r *Recorder) SetPortfolioHeat(v float64) {
	if r == nil {
		return
	}
	r.portfolioHeat.Set(v)
}

func (r *Recorder) SetLedgerHalted(instrument string, halted bool) {
	if r == nil {
		return
	}
	v := 0.0
	if halted {
		v = 1
	}
	r.ledgerHalted.WithLabelValues(instrument).Set(v)
}

func (r *Recorder) BusRedelivered(bus string) {
	if r == nil {
		return
	}
	r.busRedelivered.WithLabelValues(bus).Inc()
}

func (r *Recorder) BusUndelivered(bus, cause string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.busUndelivered.WithLabelValues(bus, cause).Add(float64(n))
}
