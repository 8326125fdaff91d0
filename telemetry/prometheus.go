package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromSink exports window statistics as Prometheus metrics.
type PromSink struct {
	windows       prometheus.Counter
	ops           prometheus.Counter
	abortedOps    prometheus.Counter
	missedOps     prometheus.Counter
	bytesMoved    prometheus.Counter
	evictions     prometheus.Counter
	avgIOBytes    prometheus.Gauge
	timeliness    prometheus.Gauge
	meanFanout    prometheus.Gauge
	opSizeBytes   prometheus.Histogram
	tenantBytes   *prometheus.CounterVec
	deferredTotal *prometheus.CounterVec
}

// NewPromSink registers the planner metrics on the given registerer (use
// prometheus.DefaultRegisterer in the CLI, a fresh registry in tests).
func NewPromSink(reg prometheus.Registerer) *PromSink {
	factory := promauto.With(reg)
	return &PromSink{
		windows: factory.NewCounter(prometheus.CounterOpts{
			Name: "bcache_windows_total",
			Help: "Planning windows completed.",
		}),
		ops: factory.NewCounter(prometheus.CounterOpts{
			Name: "bcache_copy_ops_total",
			Help: "Copy ops emitted into plans.",
		}),
		abortedOps: factory.NewCounter(prometheus.CounterOpts{
			Name: "bcache_aborted_ops_total",
			Help: "Ops aborted by the overlap scheduler before execution.",
		}),
		missedOps: factory.NewCounter(prometheus.CounterOpts{
			Name: "bcache_missed_ops_total",
			Help: "Ops aborted or completing past their deadline.",
		}),
		bytesMoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "bcache_bytes_moved_total",
			Help: "Bytes moved by executed copy ops.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "bcache_evictions_total",
			Help: "Pages evicted to make room for planned writes.",
		}),
		avgIOBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bcache_avg_io_bytes",
			Help: "Average IO size of the last window's ops.",
		}),
		timeliness: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bcache_prefetch_timeliness",
			Help: "Fraction of last window's ops completing before deadline.",
		}),
		meanFanout: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bcache_mean_fanout",
			Help: "Mean requests merged per op in the last window.",
		}),
		opSizeBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bcache_op_size_bytes",
			Help:    "Distribution of average op sizes per window.",
			Buckets: prometheus.ExponentialBuckets(64*1024, 4, 10),
		}),
		tenantBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bcache_tenant_bytes_total",
			Help: "Bytes admitted or rejected per tenant.",
		}, []string{"tenant", "outcome"}),
		deferredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bcache_deferred_requests_total",
			Help: "Requests deferred to the next window, by reason.",
		}, []string{"reason"}),
	}
}

func (p *PromSink) ObserveWindow(s WindowStats) {
	p.windows.Inc()
	p.ops.Add(float64(s.Ops))
	p.abortedOps.Add(float64(s.AbortedOps))
	p.missedOps.Add(float64(s.MissedOps))
	p.bytesMoved.Add(float64(s.TotalBytes))
	p.evictions.Add(float64(s.Evictions))
	p.avgIOBytes.Set(s.AvgIOBytes)
	p.timeliness.Set(s.Timeliness)
	p.meanFanout.Set(s.MeanFanout)
	if s.Ops > 0 {
		p.opSizeBytes.Observe(s.AvgIOBytes)
	}
	for tenant, bytes := range s.AdmittedBytesByTenant {
		p.tenantBytes.WithLabelValues(tenant, "admitted").Add(float64(bytes))
	}
	for tenant, bytes := range s.RejectedBytesByTenant {
		p.tenantBytes.WithLabelValues(tenant, "rejected").Add(float64(bytes))
	}
	p.deferredTotal.WithLabelValues("low_score").Add(float64(s.FilteredLowScore))
	p.deferredTotal.WithLabelValues("credits").Add(float64(s.RejectedCredits))
	p.deferredTotal.WithLabelValues("capacity").Add(float64(s.DeferredCapacity))
	p.deferredTotal.WithLabelValues("exhausted").Add(float64(s.DroppedExhausted))
}
