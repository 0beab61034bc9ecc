// Package metrics exposes Prometheus collectors for outbound LLM calls, batch
// dispatches, async jobs and the HTTP API.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "llmblast/internal/errors"
	"llmblast/internal/llm"
)

const outcomeOK = "ok"

// Collector owns a registry and every llmblast metric registered on it.
type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	llmCalls        *prometheus.CounterVec
	llmCallDuration *prometheus.HistogramVec

	batches       *prometheus.CounterVec
	batchSize     prometheus.Histogram
	batchDuration *prometheus.HistogramVec

	jobTransitions *prometheus.CounterVec
}

// New builds a collector with its own registry so tests never collide on
// global registration.
func New(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"handler", "method"}),
		llmCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Single-prompt provider calls by outcome (ok or error code).",
		}, []string{"provider", "model", "outcome"}),
		llmCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "Single-prompt provider call latency in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batch dispatches by outcome (ok or error code).",
		}, []string{"provider", "outcome"}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size_prompts",
			Help:      "Number of prompts per dispatched batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		batchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall-clock time to join every call of a batch.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
		jobTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Async batch job status transitions.",
		}, []string{"status"}),
	}
}

var defaultCollector = New("llmblast")

// Default returns the process-wide collector.
func Default() *Collector {
	return defaultCollector
}

// ObserveCall implements llm.Observer.
func (c *Collector) ObserveCall(provider llm.Provider, duration time.Duration, err error) {
	kind := provider.Kind().String()
	c.llmCalls.WithLabelValues(kind, provider.Model(), outcome(err)).Inc()
	c.llmCallDuration.WithLabelValues(kind, provider.Model()).Observe(duration.Seconds())
}

// ObserveBatch records one DispatchBatch invocation.
func (c *Collector) ObserveBatch(provider llm.Provider, size int, duration time.Duration, err error) {
	kind := provider.Kind().String()
	c.batches.WithLabelValues(kind, outcome(err)).Inc()
	c.batchSize.Observe(float64(size))
	c.batchDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveJobTransition counts a job entering status.
func (c *Collector) ObserveJobTransition(status string) {
	c.jobTransitions.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the registry in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Middleware wraps next and records request count and latency under handler.
func (c *Collector) Middleware(handler string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		c.ObserveHTTPRequest(handler, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func outcome(err error) string {
	if err == nil {
		return outcomeOK
	}
	return string(xerrors.CodeOf(err))
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string, c *Collector) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
