// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
// 所有 Record* 方法在 nil 接收者上是空操作，便于测试中省略。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 服务商指标
	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	providerPollAttempts    *prometheus.HistogramVec

	// 规范化指标
	normalizeTotal    *prometheus.CounterVec
	normalizeDuration *prometheus.HistogramVec
	normalizeBytes    *prometheus.HistogramVec

	// 编辑缓冲区指标
	bufferOperations *prometheus.CounterVec

	// 历史记录指标
	historyEvents *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 服务商指标
	c.providerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of image provider calls by outcome",
		},
		[]string{"provider", "operation", "outcome"}, // outcome: ok 或错误码
	)

	c.providerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Image provider call duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90, 120},
		},
		[]string{"provider", "operation"},
	)

	c.providerPollAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_poll_attempts",
			Help:      "Status polls needed before an async job settled",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"provider"},
	)

	// 规范化指标
	c.normalizeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "normalize_total",
			Help:      "Total number of image normalizations by output format and outcome",
		},
		[]string{"format", "outcome"},
	)

	c.normalizeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "normalize_duration_seconds",
			Help:      "Image normalization duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"format"},
	)

	c.normalizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "normalize_output_bytes",
			Help:      "Encoded image size after normalization",
			Buckets:   prometheus.ExponentialBuckets(16<<10, 4, 8),
		},
		[]string{"format"},
	)

	// 编辑缓冲区指标
	c.bufferOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_operations_total",
			Help:      "Edit buffer operations by kind and outcome",
		},
		[]string{"operation", "outcome"}, // operation: put, read, commit, discard
	)

	// 历史记录指标
	c.historyEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_events_total",
			Help:      "Provenance events appended or skipped",
		},
		[]string{"kind", "outcome"}, // outcome: recorded, disabled, failed
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🖼️ 服务商指标记录
// =============================================================================

// RecordProviderRequest 记录一次服务商调用，outcome 为 "ok" 或错误码
func (c *Collector) RecordProviderRequest(provider, operation, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.providerRequestsTotal.WithLabelValues(provider, operation, outcome).Inc()
	c.providerRequestDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordPollAttempts 记录异步任务的轮询次数
func (c *Collector) RecordPollAttempts(provider string, attempts int) {
	if c == nil {
		return
	}
	c.providerPollAttempts.WithLabelValues(provider).Observe(float64(attempts))
}

// =============================================================================
// 🧪 规范化与缓冲区指标记录
// =============================================================================

// RecordNormalize 记录一次规范化
func (c *Collector) RecordNormalize(format, outcome string, duration time.Duration, outputBytes int) {
	if c == nil {
		return
	}
	c.normalizeTotal.WithLabelValues(format, outcome).Inc()
	c.normalizeDuration.WithLabelValues(format).Observe(duration.Seconds())
	if outputBytes > 0 {
		c.normalizeBytes.WithLabelValues(format).Observe(float64(outputBytes))
	}
}

// RecordBufferOperation 记录缓冲区操作
func (c *Collector) RecordBufferOperation(operation, outcome string) {
	if c == nil {
		return
	}
	c.bufferOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordHistoryEvent 记录历史事件写入结果
func (c *Collector) RecordHistoryEvent(kind, outcome string) {
	if c == nil {
		return
	}
	c.historyEvents.WithLabelValues(kind, outcome).Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
