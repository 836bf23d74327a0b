// Package metrics exposes Prometheus instruments for the evaluation,
// execution and orchestration loops.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"confluence/internal/execution"
	"confluence/internal/logger"
	"confluence/internal/market"
	"confluence/internal/orchestrator"
	"confluence/internal/pkg/circuit"
	"confluence/internal/signal"
)

const namespace = "confluence"

// Recorder owns its registry so tests and multiple instances never collide
// on the global one.
type Recorder struct {
	registry *prometheus.Registry

	evaluations    *prometheus.CounterVec
	evalDuration   *prometheus.HistogramVec
	overallScore   *prometheus.GaugeVec
	reliability    *prometheus.GaugeVec
	componentScore *prometheus.GaugeVec
	orders         *prometheus.CounterVec
	orderAttempts  *prometheus.HistogramVec
	events         *prometheus.CounterVec
	positionSize   *prometheus.GaugeVec
	breakerState   *prometheus.GaugeVec
}

var (
	_ signal.Observer       = (*Recorder)(nil)
	_ execution.Observer    = (*Recorder)(nil)
	_ orchestrator.Listener = (*Recorder)(nil)
)

func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "evaluations_total",
			Help:      "Evaluation cycles by symbol and outcome",
		}, []string{"symbol", "outcome"}),
		evalDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "evaluation_seconds",
			Help:      "Duration of one evaluation cycle",
			Buckets:   prometheus.DefBuckets,
		}, []string{"symbol"}),
		overallScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "overall_score",
			Help:      "Last confluence score per symbol",
		}, []string{"symbol"}),
		reliability: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "reliability",
			Help:      "Last reliability per symbol",
		}, []string{"symbol"}),
		componentScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "component_score",
			Help:      "Last component score per symbol",
		}, []string{"symbol", "component"}),
		orders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "orders_total",
			Help:      "Gateway calls by operation and result",
		}, []string{"op", "result"}),
		orderAttempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "attempts",
			Help:      "Attempts needed per successful gateway call",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}, []string{"op"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "events_total",
			Help:      "Orchestrator events by kind",
		}, []string{"kind"}),
		positionSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "position_fraction",
			Help:      "Open position as a fraction of equity",
		}, []string{"symbol"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		}, []string{"name"}),
	}
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// WatchBudget exports the rate budget's current window usage.
func (r *Recorder) WatchBudget(b market.RateBudget) {
	if b == nil {
		return
	}
	f := promauto.With(r.registry)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "window_requests",
		Help:      "Requests recorded in the current window",
	}, func() float64 { return float64(b.Usage().Requests) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "window_weight",
		Help:      "Request weight recorded in the current window",
	}, func() float64 { return float64(b.Usage().Weight) })
}

// WatchBreaker 导出熔断器状态；状态切换时同时写日志。
func (r *Recorder) WatchBreaker(name string, cb *circuit.CircuitBreaker) {
	if cb == nil {
		return
	}
	r.breakerState.WithLabelValues(name).Set(breakerValue(cb.State()))
	cb.SetStateChangeHandler(func(_ string, from, to circuit.State) {
		logger.Warnf("circuit %s: %s -> %s", name, from, to)
		r.breakerState.WithLabelValues(name).Set(breakerValue(to))
	})
}

func breakerValue(s circuit.State) float64 {
	switch s {
	case circuit.StateOpen:
		return 1
	case circuit.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func (r *Recorder) OnEvaluation(ev signal.Evaluation) {
	outcome := "neutral"
	switch {
	case ev.Err != nil:
		outcome = "error"
	case ev.Signal != nil:
		outcome = "signal"
	case ev.Demoted:
		outcome = "demoted"
	}
	r.evaluations.WithLabelValues(ev.Symbol, outcome).Inc()
	if ev.Duration > 0 {
		r.evalDuration.WithLabelValues(ev.Symbol).Observe(ev.Duration.Seconds())
	}
	if ev.Result == nil {
		return
	}
	r.overallScore.WithLabelValues(ev.Symbol).Set(ev.Result.OverallScore)
	r.reliability.WithLabelValues(ev.Symbol).Set(ev.Result.Reliability)
	for name, cs := range ev.Result.Components {
		r.componentScore.WithLabelValues(ev.Symbol, string(name)).Set(cs.Value)
	}
}

func (r *Recorder) OnOrder(op, _ string, res execution.OrderResult, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case res.Duplicate:
		result = "duplicate"
	}
	r.orders.WithLabelValues(op, result).Inc()
	if err == nil && res.Attempts > 0 {
		r.orderAttempts.WithLabelValues(op).Observe(float64(res.Attempts))
	}
}

func (r *Recorder) OnEvent(ev orchestrator.Event) {
	r.events.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case orchestrator.EventOrderOpened:
		if ev.Decision != nil {
			r.positionSize.WithLabelValues(ev.Symbol).Set(ev.Decision.PositionFraction)
		}
	case orchestrator.EventRiskClose, orchestrator.EventInstrumentRemoved:
		r.positionSize.DeleteLabelValues(ev.Symbol)
	}
}
