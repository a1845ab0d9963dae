package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 指标管理器
//
// 每个实例持有独立的 Registry，所有方法对 nil 接收者安全。
type Metrics struct {
	reg *prometheus.Registry

	// HTTP请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 派单指标
	dispatchTotal        *prometheus.CounterVec
	pendingConfirmations prometheus.Gauge
	forcedReleases       prometheus.Counter

	// 推送指标
	wsSessions      prometheus.Gauge
	wsDropped       prometheus.Counter
	broadcastsTotal *prometheus.CounterVec

	// 存储与缓存指标
	dbQueryDuration *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec

	// 限流指标
	rateLimitTotal *prometheus.CounterVec
}

// New 创建指标管理器
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		dispatchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_operations_total",
				Help: "Dispatch operations by kind and outcome",
			},
			[]string{"operation", "outcome"},
		),
		pendingConfirmations: f.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_pending_confirmations",
			Help: "Interventions waiting for guard confirmation",
		}),
		forcedReleases: f.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_forced_releases_total",
			Help: "Terminal transitions that fell back to a forced release",
		}),

		wsSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "ws_sessions",
			Help: "Connected live-state sessions",
		}),
		wsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "ws_sessions_dropped_total",
			Help: "Sessions dropped because their send buffer was full",
		}),
		broadcastsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ws_broadcasts_total",
				Help: "Frames broadcast to live-state sessions",
			},
			[]string{"kind"},
		),

		dbQueryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		cacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_lookups_total",
				Help: "Cache lookups by operation and result",
			},
			[]string{"operation", "result"},
		),

		rateLimitTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_decisions_total",
				Help: "Rate limiter decisions by route",
			},
			[]string{"route", "decision"},
		),
	}
}

// Registry 暴露底层 registry，测试可直接读取
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RecordHTTPRequest 记录HTTP请求指标
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch 记录派单操作结果，例如 ("assign", "ok")、("confirm", "late")
func (m *Metrics) RecordDispatch(operation, outcome string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) SetPendingConfirmations(n int) {
	if m == nil {
		return
	}
	m.pendingConfirmations.Set(float64(n))
}

func (m *Metrics) RecordForcedRelease() {
	if m == nil {
		return
	}
	m.forcedReleases.Inc()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.wsSessions.Set(float64(n))
}

func (m *Metrics) RecordDroppedSession() {
	if m == nil {
		return
	}
	m.wsDropped.Inc()
}

// RecordBroadcast kind 为 delta 或 snapshot
func (m *Metrics) RecordBroadcast(kind string) {
	if m == nil {
		return
	}
	m.broadcastsTotal.WithLabelValues(kind).Inc()
}

// RecordDBQuery 记录存储操作耗时
func (m *Metrics) RecordDBQuery(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCacheLookup 记录缓存命中/未命中
func (m *Metrics) RecordCacheLookup(operation string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) OnAllow(route, key string) {
	if m == nil {
		return
	}
	m.rateLimitTotal.WithLabelValues(route, "allow").Inc()
}

func (m *Metrics) OnDeny(route, key string) {
	if m == nil {
		return
	}
	m.rateLimitTotal.WithLabelValues(route, "deny").Inc()
}
