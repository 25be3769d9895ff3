// Package api exposes the replay state over HTTP: aggregated book JSON,
// replay metrics, an SSE stream, and Prometheus scrape output.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/joripage/mbo-replay/pkg/logging"
	"github.com/joripage/mbo-replay/pkg/metrics"
	"github.com/joripage/mbo-replay/pkg/replay"
)

const streamInterval = 200 * time.Millisecond

// Server serves the HTTP surface. Every /orderbook and /stream emission is
// a fresh reconstruction pass over the DBN file, so handlers never share
// mutable book state with the replay worker.
type Server struct {
	engine         *replay.Engine
	metrics        *metrics.Metrics
	log            *zap.Logger
	p99ThresholdNs uint64

	connectedClients      atomic.Int64
	peakConcurrentClients atomic.Int64
	totalConnections      atomic.Uint64
	totalEventsStreamed   atomic.Uint64

	registry *prometheus.Registry
}

func NewServer(engine *replay.Engine, m *metrics.Metrics, log *zap.Logger, p99ThresholdNs uint64) *Server {
	s := &Server{
		engine:         engine,
		metrics:        m,
		log:            log,
		p99ThresholdNs: p99ThresholdNs,
		registry:       prometheus.NewRegistry(),
	}
	s.registerCollectors()
	return s
}

func (s *Server) registerCollectors() {
	s.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mbo_replay_messages_total",
			Help: "MBO messages applied during replay.",
		}, func() float64 { return float64(s.metrics.TotalMessages.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mbo_replay_decode_errors_total",
			Help: "DBN decode failures.",
		}, func() float64 { return float64(s.metrics.DecodeErrors.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mbo_replay_errors_total",
			Help: "Book dispatch faults that halted a replay.",
		}, func() float64 { return float64(s.metrics.ReplayErrors.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mbo_replay_stream_connections_total",
			Help: "SSE connections accepted since start.",
		}, func() float64 { return float64(s.totalConnections.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "mbo_replay_stream_events_total",
			Help: "SSE events written across all clients.",
		}, func() float64 { return float64(s.totalEventsStreamed.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mbo_replay_stream_clients",
			Help: "Currently connected SSE clients.",
		}, func() float64 { return float64(s.connectedClients.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mbo_replay_latency_p99_ns",
			Help: "p99 per-message apply latency in nanoseconds.",
		}, func() float64 { return s.metrics.P99() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mbo_replay_throughput_msg_per_sec",
			Help: "Replay throughput over the recorded duration.",
		}, func() float64 { return s.metrics.Throughput() }),
	)
}

// Router builds the gin engine with the full route set.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.log, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.log, true))
	router.Use(requestIDMiddleware())

	router.GET("/orderbook", s.handleOrderbook)
	router.GET("/book", s.handleBook)
	router.GET("/metrics", s.handleMetrics)
	router.GET("/stream", s.handleStream)
	router.GET("/healthz", s.handleHealthz)
	router.GET("/metrics/prometheus", gin.WrapH(
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	return router
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := logging.WithRequestID(c.Request.Context(), c.GetHeader("X-Request-ID"))
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", logging.RequestID(ctx))
		c.Next()
	}
}

// handleOrderbook runs a fresh aggregated reconstruction and returns its
// JSON document with all levels.
func (s *Server) handleOrderbook(c *gin.Context) {
	c.Data(http.StatusOK, "application/json", s.engine.AggregatedJSON(0))
}

// handleBook replays into the single-venue book and returns its document.
func (s *Server) handleBook(c *gin.Context) {
	b, err := s.engine.ReplayBook(0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	data, err := b.ToJSON(true)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

type metricsResponse struct {
	TotalMessages   uint64 `json:"total_messages"`
	DecodeErrors    uint64 `json:"decode_errors"`
	ReplayErrors    uint64 `json:"replay_errors"`
	DuplicateOrders uint64 `json:"duplicate_orders"`

	LatencyNsP50 float64 `json:"latency_ns_p50"`
	LatencyNsP95 float64 `json:"latency_ns_p95"`
	LatencyNsP99 float64 `json:"latency_ns_p99"`

	ThroughputMsgPerSec float64 `json:"throughput_msg_per_sec"`
	ReplayDurationNs    uint64  `json:"replay_duration_ns"`

	P99ThresholdNs uint64 `json:"p99_threshold_ns"`
	LatencySpike   bool   `json:"latency_spike"`
	LastError      string `json:"last_error"`

	ConnectedClients      int64  `json:"connected_clients"`
	PeakConcurrentClients int64  `json:"peak_concurrent_clients"`
	TotalConnections      uint64 `json:"total_connections"`
	TotalEventsStreamed   uint64 `json:"total_events_streamed"`
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, metricsResponse{
		TotalMessages:   s.metrics.TotalMessages.Load(),
		DecodeErrors:    s.metrics.DecodeErrors.Load(),
		ReplayErrors:    s.metrics.ReplayErrors.Load(),
		DuplicateOrders: s.metrics.DuplicateOrders.Load(),

		LatencyNsP50: s.metrics.P50(),
		LatencyNsP95: s.metrics.P95(),
		LatencyNsP99: s.metrics.P99(),

		ThroughputMsgPerSec: s.metrics.Throughput(),
		ReplayDurationNs:    s.metrics.ReplayDuration(),

		P99ThresholdNs: s.p99ThresholdNs,
		LatencySpike:   s.metrics.P99Exceeds(s.p99ThresholdNs),
		LastError:      s.metrics.LastError(),

		ConnectedClients:      s.connectedClients.Load(),
		PeakConcurrentClients: s.peakConcurrentClients.Load(),
		TotalConnections:      s.totalConnections.Load(),
		TotalEventsStreamed:   s.totalEventsStreamed.Load(),
	})
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "running": s.engine.IsRunning()})
}

// handleStream pushes the aggregated book over SSE at a fixed cadence. The
// stream ends when the client disconnects or the engine stop token is set.
func (s *Server) handleStream(c *gin.Context) {
	cur := s.connectedClients.Add(1)
	s.totalConnections.Add(1)
	for {
		peak := s.peakConcurrentClients.Load()
		if cur <= peak || s.peakConcurrentClients.CompareAndSwap(peak, cur) {
			break
		}
	}
	defer func() {
		remaining := s.connectedClients.Add(-1)
		s.log.Info("stream client disconnected", zap.Int64("connected", remaining))
	}()

	s.log.Info("stream client connected",
		zap.Int64("connected", cur),
		zap.String("remote", c.ClientIP()))

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()
	clientGone := c.Request.Context().Done()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case <-ticker.C:
			if !s.engine.IsRunning() {
				return false
			}
			// SSE data lines cannot contain newlines, compact the document.
			var payload bytes.Buffer
			if err := json.Compact(&payload, s.engine.AggregatedJSON(0)); err != nil {
				return false
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload.Bytes()); err != nil {
				return false
			}
			s.totalEventsStreamed.Add(1)
			return true
		}
	})
}
