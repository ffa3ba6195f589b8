package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SeckillAdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seckill_admissions_total",
		Help: "Stock gate decisions by result",
	}, []string{"result"})

	SeckillGateLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "seckill_gate_latency_seconds",
		Help:    "Latency of the atomic stock gate script",
		Buckets: prometheus.DefBuckets,
	})

	VoucherOrdersCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voucher_orders_committed_total",
		Help: "Total number of voucher orders persisted by the order worker",
	})

	VoucherOrdersDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voucher_orders_dropped_total",
		Help: "Queue messages acknowledged without creating an order",
	}, []string{"reason"})

	OrderQueueRecoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_queue_recoveries_total",
		Help: "Number of times the order worker entered pending-list recovery",
	})

	OrderLockContentionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_lock_contention_total",
		Help: "Per-user order lock acquisitions that found the lock held",
	})

	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_lookups_total",
		Help: "Cache lookups by strategy and outcome",
	}, []string{"strategy", "result"})

	CacheRebuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_rebuilds_total",
		Help: "Background cache rebuilds by outcome",
	}, []string{"result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
