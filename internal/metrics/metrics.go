// Package metrics defines the node's Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ledgerd"

// Metrics holds every collector. Actors receive the whole set and use the
// ones for their subsystem.
type Metrics struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheConflicts prometheus.Counter
	CacheEntries   prometheus.Gauge
	CacheLeases    prometheus.Gauge

	IntakeAdmitted prometheus.Counter
	IntakeRejected *prometheus.CounterVec

	QueueDepth       prometheus.Gauge
	ActiveSlots      prometheus.Gauge
	Executions       *prometheus.CounterVec
	ExecutionSeconds prometheus.Histogram
	ImageFetches     *prometheus.CounterVec

	Applied       *prometheus.CounterVec
	Deferred      prometheus.Gauge
	BatchesSealed prometheus.Counter
	BatchEntries  prometheus.Histogram

	DAPublished   prometheus.Counter
	DAFailures    prometheus.Counter
	DAUnpublished prometheus.Gauge
	DADegraded    prometheus.Gauge

	SettlementEvents     *prometheus.CounterVec
	SettlementDuplicates prometheus.Counter
	SettlementParked     prometheus.Gauge
	OracleConnected      prometheus.Gauge

	Restarts *prometheus.CounterVec
}

// New registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Account reads served from memory",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Account reads loaded from the store",
		}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Accounts evicted by the LRU",
		}),
		CacheConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "conflicts_total",
			Help: "Commits rejected with Conflict",
		}),
		CacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "entries",
			Help: "Accounts resident in memory",
		}),
		CacheLeases: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "leases",
			Help: "Outstanding write leases",
		}),

		IntakeAdmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "intake", Name: "admitted_total",
			Help: "Transactions admitted",
		}),
		IntakeRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "intake", Name: "rejected_total",
			Help: "Transactions rejected at admission",
		}, []string{"reason"}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "queue_depth",
			Help: "Tickets waiting for a runner slot",
		}),
		ActiveSlots: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "active_slots",
			Help: "Runner slots in use",
		}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "executions_total",
			Help: "Completed executions by status",
		}, []string{"status"}),
		ExecutionSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "execution_seconds",
			Help:    "Wall-clock duration of runner invocations",
			Buckets: prometheus.DefBuckets,
		}),
		ImageFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "image_fetches_total",
			Help: "Program image resolutions by result",
		}, []string{"result"}),

		Applied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "apply", Name: "entries_total",
			Help: "Batch entries applied by status",
		}, []string{"status"}),
		Deferred: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "apply", Name: "deferred",
			Help: "Results held in the reorder window",
		}),
		BatchesSealed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "apply", Name: "batches_sealed_total",
			Help: "Batches sealed",
		}),
		BatchEntries: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "apply", Name: "batch_entries",
			Help:    "Entries per sealed batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		DAPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "da", Name: "published_total",
			Help: "Batches acknowledged by the DA network",
		}),
		DAFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "da", Name: "failures_total",
			Help: "Publication passes that exhausted their retries",
		}),
		DAUnpublished: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "da", Name: "unpublished",
			Help: "Batches waiting for a retry pass",
		}),
		DADegraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "da", Name: "degraded",
			Help: "1 while the DA network is failing",
		}),

		SettlementEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "events_total",
			Help: "Oracle events applied by kind",
		}, []string{"kind"}),
		SettlementDuplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "duplicates_total",
			Help: "Redelivered oracle events ignored",
		}),
		SettlementParked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "parked",
			Help: "Events waiting for their batch to seal",
		}),
		OracleConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "oracle_connected",
			Help: "1 while the oracle stream is connected",
		}),

		Restarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "supervisor", Name: "restarts_total",
			Help: "Actor restarts by child",
		}, []string{"child"}),
	}
}

// NewNop returns collectors registered on a private registry. Used by
// tests and by components constructed without metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// OrNop returns m, or a private set when m is nil.
func OrNop(m *Metrics) *Metrics {
	if m == nil {
		return NewNop()
	}
	return m
}

// Serve exposes g on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("metrics listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
