package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/joripage/mbo-replay/config"
	"github.com/joripage/mbo-replay/pkg/api"
	"github.com/joripage/mbo-replay/pkg/feed"
	"github.com/joripage/mbo-replay/pkg/logging"
	"github.com/joripage/mbo-replay/pkg/metrics"
	"github.com/joripage/mbo-replay/pkg/replay"
)

const aggregatedOutputFile = "aggregated_orderbook.json"

func main() {
	configFile := flag.String("config", "", "config file path")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck
	zap.ReplaceGlobals(log)

	dbnPath, err := resolveDbnPath(cfg, flag.Args())
	if err != nil {
		log.Fatal("no input file", zap.Error(err))
	}
	log.Info("starting replay service",
		zap.String("service", cfg.ServiceName),
		zap.String("dbn_file", dbnPath),
		zap.Int("port", cfg.Port))

	m := metrics.New()

	pub := feed.New(cfg.Feed, log)
	defer pub.Close() //nolint:errcheck

	engine := replay.New(dbnPath, m,
		replay.WithLogger(log),
		replay.WithFeed(pub),
		replay.WithPoolSize(cfg.PoolSize))

	server := api.NewServer(engine, m, log, cfg.LatencyP99ThresholdNs)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Router(),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", zap.Error(err))
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	stopCh := make(chan struct{})
	go func() {
		sig := <-sigs
		log.Info("signal received, stopping", zap.String("signal", sig.String()))
		engine.RequestStop()
		close(stopCh)
	}()

	if _, err := engine.ReplayBook(0); err != nil {
		log.Error("replay failed", zap.Error(err))
	}

	if engine.IsRunning() {
		if err := engine.SaveAggregated(aggregatedOutputFile, 0); err != nil {
			log.Error("write aggregated book", zap.Error(err))
		} else {
			log.Info("aggregated book written", zap.String("file", aggregatedOutputFile))
		}
	}

	if !cfg.QuietMetrics {
		printSummary(m, cfg)
	}
	if cfg.LatencyP99WarnNs > 0 && m.P99Exceeds(cfg.LatencyP99WarnNs) {
		log.Warn("p99 latency above threshold",
			zap.Float64("p99_ns", m.P99()),
			zap.Uint64("threshold_ns", cfg.LatencyP99WarnNs))
	}

	// Keep serving HTTP until a signal arrives, then drain.
	<-stopCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	log.Info("exited cleanly")
}

// resolveDbnPath picks the input file: DBN_FILE env and config file are
// applied by config.Load, then the first positional argument, then the
// first *.dbn in the working directory.
func resolveDbnPath(cfg *config.AppConfig, args []string) (string, error) {
	if cfg.DBNFile != "" {
		return cfg.DBNFile, nil
	}
	if len(args) > 0 {
		return args[0], nil
	}
	matches, err := filepath.Glob("*.dbn")
	if err == nil && len(matches) > 0 {
		return matches[0], nil
	}
	return "", errors.New("no .dbn file configured, passed, or found in the working directory")
}

func printSummary(m *metrics.Metrics, cfg *config.AppConfig) {
	fmt.Printf("messages:        %d\n", m.TotalMessages.Load())
	fmt.Printf("decode errors:   %d\n", m.DecodeErrors.Load())
	fmt.Printf("replay errors:   %d\n", m.ReplayErrors.Load())
	fmt.Printf("duplicates:      %d\n", m.DuplicateOrders.Load())
	fmt.Printf("duration:        %s\n", time.Duration(m.ReplayDuration()))
	fmt.Printf("throughput:      %.0f msg/s\n", m.Throughput())
	fmt.Printf("latency p50:     %.0f ns\n", m.P50())
	fmt.Printf("latency p95:     %.0f ns\n", m.P95())
	fmt.Printf("latency p99:     %.0f ns\n", m.P99())
	if m.P99Exceeds(cfg.LatencyP99ThresholdNs) {
		fmt.Printf("latency spike:   p99 above %d ns\n", cfg.LatencyP99ThresholdNs)
	}
	if last := m.LastError(); last != "" {
		fmt.Printf("last error:      %s\n", last)
	}
}
