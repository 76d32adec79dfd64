// Package metrics implements the Metrics Exporter: a Prometheus collector
// publishing queue depth, per-GPU running counts and utilization,
// admission/preemption outcome counters, and scrape health, served
// alongside a rate-limited JSON status endpoint mirroring the Control
// Surface's state snapshot.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/exporter-toolkit/web"

	"github.com/gpusched/gpusched/pkg/job"
)

const namespace = "gpusched"

// Registry is the Scheduler Core's Metrics implementation: an in-process
// Prometheus collector updated as a read-only side effect of each loop
// pass, never a wake source, never gating a phase.
type Registry struct {
	mu sync.Mutex

	queueDepth    int
	runningPerGpu map[int]int

	admissionAllowedTotal *prometheus.CounterVec
	admissionDeniedTotal  *prometheus.CounterVec
	preemptionsTotal      *prometheus.CounterVec
	gpuUtilPercent        *prometheus.GaugeVec
	scrapeSuccess         prometheus.Gauge
	queueDepthGauge       prometheus.GaugeFunc
	runningGauge          *prometheus.GaugeVec
}

// NewRegistry constructs a Registry and registers its collectors with reg.
func NewRegistry(reg *prometheus.Registry) *Registry {
	r := &Registry{
		runningPerGpu: make(map[int]int),
		admissionAllowedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_allowed_total",
			Help:      "Count of admission decisions that allowed a job onto a GPU, by GPU.",
		}, []string{"gpu"}),
		admissionDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_denied_total",
			Help:      "Count of admission decisions that denied a job onto a GPU, by GPU.",
		}, []string{"gpu"}),
		preemptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preemptions_total",
			Help:      "Count of preemption decisions that evicted a running job, by GPU.",
		}, []string{"gpu"}),
		gpuUtilPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gpu_util_percent",
			Help:      "GPU utilization percentage from the most recent Monitor notification, by GPU.",
		}, []string{"gpu"}),
		scrapeSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scrape_collector_success",
			Help:      "Whether the telemetry snapshot of the most recent Monitor notification came from a real backend (1) or fell back to backend none (0).",
		}),
		runningGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_jobs",
			Help:      "Number of running jobs per GPU.",
		}, []string{"gpu"}),
	}

	r.queueDepthGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Number of jobs currently queued.",
	}, func() float64 {
		r.mu.Lock()
		defer r.mu.Unlock()

		return float64(r.queueDepth)
	})

	reg.MustRegister(
		r.admissionAllowedTotal, r.admissionDeniedTotal, r.preemptionsTotal,
		r.gpuUtilPercent, r.scrapeSuccess, r.runningGauge, r.queueDepthGauge,
	)

	return r
}

// ObserveQueueDepth implements scheduler.Metrics.
func (r *Registry) ObserveQueueDepth(depth int) {
	r.mu.Lock()
	r.queueDepth = depth
	r.mu.Unlock()
}

// ObserveRunning implements scheduler.Metrics.
func (r *Registry) ObserveRunning(gpu int, count int) {
	r.mu.Lock()
	r.runningPerGpu[gpu] = count
	r.mu.Unlock()

	r.runningGauge.WithLabelValues(fmt.Sprintf("%d", gpu)).Set(float64(count))
}

// ObserveGpuUtil implements scheduler.Metrics.
func (r *Registry) ObserveGpuUtil(gpu int, percent float64) {
	r.gpuUtilPercent.WithLabelValues(fmt.Sprintf("%d", gpu)).Set(percent)
}

// ObserveAdmission implements scheduler.Metrics.
func (r *Registry) ObserveAdmission(gpu int, allowed bool) {
	if allowed {
		r.admissionAllowedTotal.WithLabelValues(fmt.Sprintf("%d", gpu)).Inc()
	} else {
		r.admissionDeniedTotal.WithLabelValues(fmt.Sprintf("%d", gpu)).Inc()
	}
}

// ObservePreemption implements scheduler.Metrics.
func (r *Registry) ObservePreemption(gpu int, allowed bool) {
	if allowed {
		r.preemptionsTotal.WithLabelValues(fmt.Sprintf("%d", gpu)).Inc()
	}
}

// ObserveScrapeSuccess implements scheduler.Metrics.
func (r *Registry) ObserveScrapeSuccess(success bool) {
	if success {
		r.scrapeSuccess.Set(1)
	} else {
		r.scrapeSuccess.Set(0)
	}
}

// StatusSnapshot is the JSON shape served at /status.json: the same shape
// as state/snapshot.json, built from the StatusSource at request time.
type StatusSnapshot struct {
	Queued  []*job.Job `json:"queued"`
	Running []*job.Job `json:"running"`
}

// StatusSource supplies the current queued/running jobs for the status
// endpoint, normally backed by the Queue Manager.
type StatusSource func() ([]*job.Job, []*job.Job)

// Server wraps the Prometheus registry and the rate-limited status
// endpoint behind exporter-toolkit's web listener.
type Server struct {
	logger    *slog.Logger
	reg       *prometheus.Registry
	status    StatusSource
	webConfig *web.FlagConfig
	server    *http.Server
}

// Config configures the metrics/status HTTP server.
type Config struct {
	ListenAddress    string
	WebConfigFile    string
	MetricsPath      string
	StatusPath       string
	StatusRateLimit  int
	StatusRateWindow time.Duration
}

// DefaultConfig returns sane defaults for a single-host deployment.
func DefaultConfig() Config {
	return Config{
		ListenAddress:    ":9600",
		MetricsPath:      "/metrics",
		StatusPath:       "/status.json",
		StatusRateLimit:  10,
		StatusRateWindow: time.Minute,
	}
}

// NewServer builds a Server. reg is the Prometheus registry created by
// NewRegistry's caller (exposed separately so /metrics can serve it
// alongside Go/process collectors); status supplies the live job lists.
func NewServer(cfg Config, reg *prometheus.Registry, status StatusSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := mux.NewRouter()
	router.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	statusHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queued, running := status()

		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(StatusSnapshot{Queued: queued, Running: running}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	router.Handle(cfg.StatusPath, httprate.Limit(
		cfg.StatusRateLimit,
		cfg.StatusRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
	)(statusHandler))

	addresses := []string{cfg.ListenAddress}

	return &Server{
		logger: logger,
		reg:    reg,
		status: status,
		webConfig: &web.FlagConfig{
			WebListenAddresses: &addresses,
			WebConfigFile:      &cfg.WebConfigFile,
		},
		server: &http.Server{
			Handler:           router,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			ReadHeaderTimeout: 2 * time.Second,
		},
	}
}

// ListenAndServe starts the HTTP server, blocking until it is shut down.
func (s *Server) ListenAndServe() error {
	return web.ListenAndServe(s.server, s.webConfig, s.logger)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
