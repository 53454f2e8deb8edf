package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mitsume/internal/camera"
	"mitsume/internal/capture"
)

const namespace = "mitsume"

// Metrics はアプリのPrometheusコレクター一式
// グローバルレジストリは使わず、インスタンスごとに独立したレジストリを持つ
type Metrics struct {
	registry *prometheus.Registry

	devices       prometheus.Gauge
	sessionFPS    *prometheus.GaugeVec
	sessionFrames *prometheus.GaugeVec
	sessionDrops  *prometheus.GaugeVec
	sessionLatMs  *prometheus.GaugeVec
	sessionBps    *prometheus.GaugeVec
	backendErrors *prometheus.CounterVec
	previewFatal  *prometheus.CounterVec
	settingsSaves prometheus.Gauge
	settingsFails prometheus.Gauge
	eventsDropped prometheus.Gauge
	requests      *prometheus.CounterVec
	requestTime   *prometheus.HistogramVec
}

// New は新しいMetricsを作成し、全コレクターを登録する
func New() *Metrics {
	sessionLabels := []string{"device"}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "devices_connected",
			Help: "Number of devices in the catalogue.",
		}),
		sessionFPS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "capture", Name: "fps",
			Help: "Measured frame rate of a capture session.",
		}, sessionLabels),
		sessionFrames: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "capture", Name: "frames",
			Help: "Frames delivered by the current capture session.",
		}, sessionLabels),
		sessionDrops: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "capture", Name: "frames_dropped",
			Help: "Frames dropped by the current capture session.",
		}, sessionLabels),
		sessionLatMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "capture", Name: "latency_milliseconds",
			Help: "Smoothed capture-to-availability latency.",
		}, sessionLabels),
		sessionBps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "capture", Name: "bandwidth_bytes_per_second",
			Help: "Encoded frame bandwidth of a capture session.",
		}, sessionLabels),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "backend", Name: "errors_total",
			Help: "Backend calls that failed and were isolated by the router.",
		}, []string{"backend", "op"}),
		previewFatal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "preview", Name: "stopped_total",
			Help: "Preview loops stopped after exhausting the failure budget.",
		}, sessionLabels),
		settingsSaves: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "settings", Name: "flushes",
			Help: "Successful settings file writes since start.",
		}),
		settingsFails: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "settings", Name: "flush_failures",
			Help: "Failed settings file writes since start.",
		}),
		eventsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "events", Name: "dropped",
			Help: "Events dropped because a subscriber was too slow.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total requests by route, method, and status.",
		}, []string{"route", "method", "status"}),
		requestTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.devices, m.sessionFPS, m.sessionFrames, m.sessionDrops, m.sessionLatMs, m.sessionBps,
		m.backendErrors, m.previewFatal, m.settingsSaves, m.settingsFails, m.eventsDropped,
		m.requests, m.requestTime,
	)
	return m
}

// Registry はレジストリを返す
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler は /metrics 用のハンドラーを返す
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetDevices は接続中のデバイス数を記録する
func (m *Metrics) SetDevices(n int) {
	m.devices.Set(float64(n))
}

// ObserveSessions はセッションの診断情報を反映する
// 一覧にないデバイスの系列は削除する
func (m *Metrics) ObserveSessions(diags []capture.Diagnostics) {
	m.sessionFPS.Reset()
	m.sessionFrames.Reset()
	m.sessionDrops.Reset()
	m.sessionLatMs.Reset()
	m.sessionBps.Reset()

	for _, d := range diags {
		id := string(d.DeviceID)
		m.sessionFPS.WithLabelValues(id).Set(d.FPS)
		m.sessionFrames.WithLabelValues(id).Set(float64(d.FramesTotal))
		m.sessionDrops.WithLabelValues(id).Set(float64(d.FramesDropped))
		m.sessionLatMs.WithLabelValues(id).Set(d.LatencyMs)
		m.sessionBps.WithLabelValues(id).Set(d.BandwidthBps)
	}
}

// BackendError はルーターが切り離したバックエンドの失敗を数える
func (m *Metrics) BackendError(kind camera.Kind, op string) {
	m.backendErrors.WithLabelValues(string(kind), op).Inc()
}

// PreviewStopped はプレビューの打ち切りを数える
func (m *Metrics) PreviewStopped(id camera.DeviceID) {
	m.previewFatal.WithLabelValues(string(id)).Inc()
}

// SetSettingsStats は設定保存の回数を記録する
func (m *Metrics) SetSettingsStats(flushes, failures uint64) {
	m.settingsSaves.Set(float64(flushes))
	m.settingsFails.Set(float64(failures))
}

// SetEventsDropped は破棄したイベント数を記録する
func (m *Metrics) SetEventsDropped(n uint64) {
	m.eventsDropped.Set(float64(n))
}

// Middleware はリクエスト数と処理時間を記録するginミドルウェア
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestTime.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
