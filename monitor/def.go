package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"TileDetServer/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Monitor owns the service's Prometheus registry. A nil *Monitor is valid and records nothing.
type Monitor struct {
	registry *prometheus.Registry
	proc     *process.Process

	memUsage prometheus.Gauge
	cpuUsage prometheus.Gauge

	framesProcessed prometheus.Counter
	framesDropped   prometheus.Counter
	framesFailed    prometheus.Counter
	tileFailures    *prometheus.CounterVec
	detections      prometheus.Gauge
	frameLatency    prometheus.Histogram
	announcements   prometheus.Counter
	GRPCTotal       *prometheus.CounterVec
	HTTPTotal       *prometheus.CounterVec
}

func New() *Monitor {
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_Megabytes",
			Help: "Memory usage in Megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "CPU usage in percent",
		}),
		framesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tiledet_frames_processed_total",
			Help: "Frames that went through the tile pipeline and were published",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tiledet_frames_dropped_total",
			Help: "Frames replaced in the mailbox before processing",
		}),
		framesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tiledet_frames_failed_total",
			Help: "Frames skipped because of a per frame error",
		}),
		tileFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tiledet_tile_failures_total",
			Help: "Tiles that contributed no detections because of an error",
		}, []string{"tile"}),
		detections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tiledet_detections",
			Help: "Detections in the latest published result set",
		}),
		frameLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tiledet_frame_latency_seconds",
			Help:    "Time from rotate to merged result",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		announcements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tiledet_announcements_total",
			Help: "Spoken announcements",
		}),
		GRPCTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grpc_requests_total",
			Help: "Total number of gRPC requests processed",
		}, []string{"method"}),
		HTTPTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(m.memUsage, m.cpuUsage,
		m.framesProcessed, m.framesDropped, m.framesFailed, m.tileFailures,
		m.detections, m.frameLatency, m.announcements, m.GRPCTotal, m.HTTPTotal)
	return m
}

func (m *Monitor) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Monitor) FrameProcessed(latency time.Duration, detections int) {
	if m == nil {
		return
	}
	m.framesProcessed.Inc()
	m.frameLatency.Observe(latency.Seconds())
	m.detections.Set(float64(detections))
}

func (m *Monitor) FrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

func (m *Monitor) FrameFailed() {
	if m == nil {
		return
	}
	m.framesFailed.Inc()
}

func (m *Monitor) TileFailed(tile int) {
	if m == nil {
		return
	}
	m.tileFailures.WithLabelValues(fmt.Sprint(tile)).Inc()
}

func (m *Monitor) Announced() {
	if m == nil {
		return
	}
	m.announcements.Inc()
}

func (m *Monitor) GRPCRequest(method string) {
	if m == nil {
		return
	}
	m.GRPCTotal.WithLabelValues(method).Inc()
}

func (m *Monitor) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPTotal.WithLabelValues(route, fmt.Sprint(code)).Inc()
}

// CheckProcessInfo samples RSS and CPU of this process.
func (m *Monitor) CheckProcessInfo() {
	if m.proc == nil {
		proc, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			logger.Named("monitor").Warn("process lookup failed", zap.Error(err))
			return
		}
		m.proc = proc
	}
	if memInfo, err := m.proc.MemoryInfo(); err == nil {
		m.memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := m.proc.CPUPercent(); err == nil {
		m.cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples the process every 500ms until ctx is done.
func (m *Monitor) StartMon(ctx context.Context, port int) error {
	log := logger.Named("monitor")
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Info("prometheus server listening", zap.Int("port", port))

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("prometheus server: %w", err)
			}
			errCh = nil
		case <-ticker.C:
			m.CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
