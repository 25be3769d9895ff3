// Package replay drives MBO events from a DBN source into the book models,
// timing every applied event and accounting failures.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/joripage/mbo-replay/pkg/aggbook"
	"github.com/joripage/mbo-replay/pkg/book"
	"github.com/joripage/mbo-replay/pkg/dbn"
	"github.com/joripage/mbo-replay/pkg/feed"
	"github.com/joripage/mbo-replay/pkg/metrics"
)

// Engine replays a DBN file into the single-venue book or the aggregated
// multi-publisher book. Each reconstruction pass reads the file fresh, so
// concurrent HTTP requests never share mutable book state; the metrics sink
// is the only shared object.
type Engine struct {
	dbnPath  string
	metrics  *metrics.Metrics
	log      *zap.Logger
	feed     *feed.Publisher
	poolSize int

	running atomic.Bool
}

type Option func(*Engine)

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithFeed(p *feed.Publisher) Option {
	return func(e *Engine) { e.feed = p }
}

func WithPoolSize(n int) Option {
	return func(e *Engine) { e.poolSize = n }
}

func New(dbnPath string, m *metrics.Metrics, opts ...Option) *Engine {
	e := &Engine{
		dbnPath: dbnPath,
		metrics: m,
		log:     zap.NewNop(),
	}
	e.running.Store(true)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RequestStop sets the stop token. The in-flight event completes; the next
// one is not started. Safe to call from a signal handler goroutine.
func (e *Engine) RequestStop() { e.running.Store(false) }

func (e *Engine) IsRunning() bool { return e.running.Load() }

// run is the driver loop: poll the stop token, pull one record, time the
// dispatch, account, and honor maxEvents (0 = unbounded). Decoder failures
// and dispatch faults halt the replay with counters and last_error updated
// before returning.
func (e *Engine) run(src dbn.Source, apply func(*dbn.Record) error, maxEvents uint64) error {
	start := time.Now()
	defer func() {
		e.metrics.SetReplayDuration(uint64(time.Since(start)))
	}()

	var processed uint64
	for e.running.Load() {
		rec, err := src.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			e.metrics.DecodeErrors.Add(1)
			e.metrics.SetLastError(err.Error())
			e.log.Error("replay halted on decode failure", zap.Error(err))
			return err
		}

		t0 := time.Now()
		if err := apply(rec); err != nil {
			e.metrics.ReplayErrors.Add(1)
			e.metrics.SetLastError(err.Error())
			e.log.Error("replay halted on dispatch fault", zap.Error(err))
			return err
		}
		e.metrics.RecordLatency(uint64(time.Since(t0)))
		e.metrics.TotalMessages.Add(1)

		processed++
		if maxEvents > 0 && processed >= maxEvents {
			return nil
		}
	}
	return nil
}

func (e *Engine) open() (*dbn.Reader, error) {
	src, err := dbn.Open(e.dbnPath)
	if err != nil {
		e.metrics.DecodeErrors.Add(1)
		e.metrics.SetLastError(err.Error())
		return nil, err
	}
	return src, nil
}

// ReplayBook replays the file into a fresh single-venue book, publishing
// BBO ticks to the feed when one is configured. maxEvents 0 replays the
// whole file.
func (e *Engine) ReplayBook(maxEvents uint64) (*book.Book, error) {
	src, err := e.open()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	b := book.New(book.WithPoolSize(e.poolSize), book.WithLogger(e.log))
	ctx := context.Background()
	err = e.run(src, func(rec *dbn.Record) error {
		snap, err := b.Apply(rec)
		if err != nil {
			return err
		}
		if e.feed != nil {
			_ = e.feed.PublishBBO(ctx, rec.InstrumentID, rec.TsRecv, snap)
		}
		return nil
	}, maxEvents)
	e.metrics.DuplicateOrders.Store(b.Duplicates())

	e.log.Info("single-venue replay finished",
		zap.Uint64("messages", e.metrics.TotalMessages.Load()),
		zap.Int("resident_orders", b.Orders()))
	return b, err
}

// ReconstructAggregated replays the file into a fresh aggregated book and
// returns its JSON document with the given per-side level cap.
func (e *Engine) ReconstructAggregated(levels int) (*aggbook.Document, error) {
	src, err := e.open()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	agg := aggbook.New(aggbook.WithLogger(e.log))
	err = e.run(src, func(rec *dbn.Record) error {
		agg.Apply(rec)
		return nil
	}, 0)
	if err != nil {
		return nil, err
	}
	return agg.Document(levels), nil
}

// AggregatedJSON renders the aggregated reconstruction; decode failures
// surface as an error document the way the HTTP layer expects.
func (e *Engine) AggregatedJSON(levels int) []byte {
	doc, err := e.ReconstructAggregated(levels)
	if err != nil {
		out, _ := jsonError(err)
		return out
	}
	data, err := jsonIndent(doc)
	if err != nil {
		out, _ := jsonError(err)
		return out
	}
	return data
}

func jsonIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func jsonError(err error) ([]byte, error) {
	return json.Marshal(map[string]string{"error": err.Error()})
}

// SaveAggregated writes the aggregated emission to path with unbounded
// levels unless capped.
func (e *Engine) SaveAggregated(path string, levels int) error {
	doc, err := e.ReconstructAggregated(levels)
	if err != nil {
		return err
	}
	data, err := jsonIndent(doc)
	if err != nil {
		return fmt.Errorf("marshal aggregated book: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
