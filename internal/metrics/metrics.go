// Package metrics exports pipeline counters in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tsfetch/internal/pipeline"
)

// Compile-time interface check.
var _ pipeline.Observer = (*Recorder)(nil)

// Recorder is a pipeline.Observer backed by a private Prometheus registry.
type Recorder struct {
	registry *prometheus.Registry
	job      string

	units    *prometheus.CounterVec
	retries  *prometheus.CounterVec
	flushes  *prometheus.CounterVec
	rows     *prometheus.CounterVec
	active   *prometheus.GaugeVec
	inFlight *prometheus.GaugeVec
	phase    *prometheus.GaugeVec
}

// NewRecorder creates a Recorder whose series are labelled with job.
func NewRecorder(job string) *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		job:      job,
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tsfetch_units_total",
			Help: "Units resolved, by outcome.",
		}, []string{"job", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tsfetch_retries_total",
			Help: "Fetch attempts retried after a transient failure.",
		}, []string{"job"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tsfetch_flushes_total",
			Help: "Flush attempts, by result.",
		}, []string{"job", "result"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tsfetch_rows_written_total",
			Help: "Rows made durable.",
		}, []string{"job"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tsfetch_active_entities",
			Help: "Entities currently being processed.",
		}, []string{"job"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tsfetch_in_flight_fetches",
			Help: "Transport calls currently in flight.",
		}, []string{"job"}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tsfetch_run_phase",
			Help: "1 for the current run phase, 0 otherwise.",
		}, []string{"job", "phase"}),
	}
	registry.MustRegister(r.units, r.retries, r.flushes, r.rows, r.active, r.inFlight, r.phase)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) UnitDone(kind pipeline.OutcomeKind) {
	r.units.WithLabelValues(r.job, kind.String()).Inc()
}

func (r *Recorder) Retry() {
	r.retries.WithLabelValues(r.job).Inc()
}

func (r *Recorder) Flush(ok bool, rows int) {
	result := "ok"
	if !ok {
		result = "error"
	}
	r.flushes.WithLabelValues(r.job, result).Inc()
	r.rows.WithLabelValues(r.job).Add(float64(rows))
}

func (r *Recorder) EntityActive(delta int) {
	r.active.WithLabelValues(r.job).Add(float64(delta))
}

func (r *Recorder) InFlight(delta int) {
	r.inFlight.WithLabelValues(r.job).Add(float64(delta))
}

// SetPhase marks p as the current run phase.
func (r *Recorder) SetPhase(p pipeline.Phase) {
	for q := pipeline.PhaseInit; q <= pipeline.PhaseAborted; q++ {
		v := 0.0
		if q == p {
			v = 1
		}
		r.phase.WithLabelValues(r.job, q.String()).Set(v)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (r *Recorder) Serve(ctx context.Context, addr string, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
