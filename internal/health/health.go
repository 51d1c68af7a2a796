// Package health provides structured JSON logging and a Prometheus metrics
// endpoint for a running validator, adapted from the teacher's
// system-health logger onto chain-height/peer-count/publisher-state
// signals instead of ledger/coin ones.
package health

import (
	"context"
	"errors"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"sawtooth-validator/core"
	"sawtooth-validator/core/network"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics is a point-in-time snapshot of validator health.
type Metrics struct {
	ChainHeight     uint64 `json:"chain_height"`
	ChainHeadID     string `json:"chain_head_id"`
	PeerCount       int    `json:"peer_count"`
	PendingBatches  int    `json:"pending_batches"`
	PublisherState  string `json:"publisher_state"`
	MemAlloc        uint64 `json:"mem_alloc"`
	NumGoroutines   int    `json:"goroutines"`
	Timestamp       int64  `json:"timestamp"`
}

// Logger writes structured JSON logs and exposes a Prometheus registry of
// validator health gauges.
type Logger struct {
	store     *core.BlockStore
	node      *network.Node
	publisher *core.BlockPublisher

	log  *logrus.Logger
	file *os.File
	mu   sync.Mutex

	registry           *prometheus.Registry
	chainHeightGauge   prometheus.Gauge
	peerCountGauge     prometheus.Gauge
	pendingBatchGauge  prometheus.Gauge
	memAllocGauge      prometheus.Gauge
	goroutinesGauge    prometheus.Gauge
	errorCounter       prometheus.Counter
}

// New configures a Logger writing JSON logs to path. node and publisher may
// be nil (e.g. before the network layer or publisher are wired up); their
// metrics then read as zero values.
func New(store *core.BlockStore, node *network.Node, publisher *core.BlockPublisher, path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	lg := logrus.New()
	lg.SetFormatter(&logrus.JSONFormatter{})
	lg.SetOutput(f)
	reg := prometheus.NewRegistry()

	h := &Logger{store: store, node: node, publisher: publisher, log: lg, file: f, registry: reg}

	h.chainHeightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sawtooth_validator_chain_height",
		Help: "Current block number of the chain head.",
	})
	h.peerCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sawtooth_validator_peer_count",
		Help: "Number of peers currently in the peered state.",
	})
	h.pendingBatchGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sawtooth_validator_pending_batches",
		Help: "Number of batches in the block currently under construction.",
	})
	h.memAllocGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sawtooth_validator_mem_alloc_bytes",
		Help: "Current heap allocation in bytes.",
	})
	h.goroutinesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sawtooth_validator_goroutines",
		Help: "Number of running goroutines.",
	})
	h.errorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sawtooth_validator_log_errors_total",
		Help: "Total number of error-level events logged.",
	})

	reg.MustRegister(
		h.chainHeightGauge,
		h.peerCountGauge,
		h.pendingBatchGauge,
		h.memAllocGauge,
		h.goroutinesGauge,
		h.errorCounter,
	)

	return h, nil
}

// Close releases the underlying log file.
func (h *Logger) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}

// LogEvent records an arbitrary message at the given level.
func (h *Logger) LogEvent(level logrus.Level, msg string) {
	h.mu.Lock()
	if level >= logrus.ErrorLevel {
		h.errorCounter.Inc()
	}
	h.log.Log(level, msg)
	h.mu.Unlock()
}

// Snapshot gathers current metrics from the block store, network node,
// publisher, and Go runtime.
func (h *Logger) Snapshot() Metrics {
	m := Metrics{Timestamp: time.Now().Unix(), NumGoroutines: runtime.NumGoroutine()}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.MemAlloc = mem.Alloc

	if h.store != nil {
		if head, err := h.store.ChainHead(); err == nil && head != nil {
			m.ChainHeight = head.Header.BlockNumber
			m.ChainHeadID = head.ID()
		}
	}
	if h.node != nil {
		m.PeerCount = h.node.PeeredCount()
	}
	if h.publisher != nil {
		m.PendingBatches = h.publisher.PendingBatchCount()
		m.PublisherState = h.publisher.State().String()
	}
	return m
}

// Record captures a snapshot and updates the Prometheus gauges.
func (h *Logger) Record() {
	m := h.Snapshot()
	h.chainHeightGauge.Set(float64(m.ChainHeight))
	h.peerCountGauge.Set(float64(m.PeerCount))
	h.pendingBatchGauge.Set(float64(m.PendingBatches))
	h.memAllocGauge.Set(float64(m.MemAlloc))
	h.goroutinesGauge.Set(float64(m.NumGoroutines))
	h.LogEvent(logrus.InfoLevel, "metrics recorded")
}

// Run periodically records metrics until ctx is cancelled.
func (h *Logger) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Record()
		case <-ctx.Done():
			return
		}
	}
}

// Serve exposes the Prometheus registry on addr's /metrics endpoint,
// returning the underlying server so the caller manages its lifecycle.
func (h *Logger) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.LogEvent(logrus.ErrorLevel, err.Error())
		}
	}()
	return srv
}
