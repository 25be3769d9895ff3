package replay

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/joripage/mbo-replay/pkg/book"
	"github.com/joripage/mbo-replay/pkg/dbn"
	"github.com/joripage/mbo-replay/pkg/metrics"
)

func mbo(action dbn.Action, id uint64, side dbn.Side, price int64, size uint32) dbn.Record {
	return dbn.Record{
		PublisherID:  1,
		InstrumentID: 10,
		OrderID:      id,
		Side:         side,
		Action:       action,
		Price:        price,
		Size:         size,
		TsRecv:       1_700_000_000_000_000_000,
	}
}

// writeDbnFile encodes records as an uncompressed DBN stream in a temp file.
func writeDbnFile(t *testing.T, recs []dbn.Record) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := dbn.NewWriter(&buf)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for i := range recs {
		if err := w.WriteMbo(&recs[i]); err != nil {
			t.Fatalf("write record: %v", err)
		}
	}

	path := filepath.Join(t.TempDir(), "test.dbn")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write dbn file: %v", err)
	}
	return path
}

func TestReplayBook(t *testing.T) {
	path := writeDbnFile(t, []dbn.Record{
		mbo(dbn.Add, 1, dbn.Bid, 100, 5),
		mbo(dbn.Add, 2, dbn.Ask, 101, 3),
		mbo(dbn.Cancel, 1, dbn.Bid, 100, 5),
	})
	m := metrics.New()
	e := New(path, m)

	b, err := e.ReplayBook(0)
	if err != nil {
		t.Fatalf("ReplayBook: %v", err)
	}
	if price, _ := b.BestBid(); price != -1 {
		t.Errorf("expected empty bid side, best at %d", price)
	}
	if price, size := b.BestAsk(); price != 101 || size != 3 {
		t.Errorf("expected best ask (101, 3), got (%d, %d)", price, size)
	}
	if got := m.TotalMessages.Load(); got != 3 {
		t.Errorf("expected 3 messages, got %d", got)
	}
	if m.Samples() != 3 {
		t.Errorf("expected 3 latency samples, got %d", m.Samples())
	}
	if m.ReplayDuration() == 0 {
		t.Errorf("expected replay duration recorded")
	}
}

func TestReplayMaxEvents(t *testing.T) {
	path := writeDbnFile(t, []dbn.Record{
		mbo(dbn.Add, 1, dbn.Bid, 100, 5),
		mbo(dbn.Add, 2, dbn.Bid, 99, 5),
		mbo(dbn.Add, 3, dbn.Bid, 98, 5),
	})
	m := metrics.New()
	e := New(path, m)

	if _, err := e.ReplayBook(2); err != nil {
		t.Fatalf("ReplayBook: %v", err)
	}
	if got := m.TotalMessages.Load(); got != 2 {
		t.Errorf("expected 2 messages with max_events=2, got %d", got)
	}
}

func TestStopTokenHaltsBeforeNextEvent(t *testing.T) {
	m := metrics.New()
	e := New("", m)
	e.RequestStop()

	src := &dbn.SliceSource{Records: []dbn.Record{
		mbo(dbn.Add, 1, dbn.Bid, 100, 5),
	}}
	b := book.New()
	err := e.run(src, func(rec *dbn.Record) error {
		_, aerr := b.Apply(rec)
		return aerr
	}, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := m.TotalMessages.Load(); got != 0 {
		t.Errorf("expected no events after stop, got %d", got)
	}
}

func TestPoolExhaustionHaltsReplay(t *testing.T) {
	m := metrics.New()
	e := New("", m)
	b := book.New(book.WithPoolSize(1))

	src := &dbn.SliceSource{Records: []dbn.Record{
		mbo(dbn.Add, 1, dbn.Bid, 100, 5),
		mbo(dbn.Add, 2, dbn.Bid, 99, 5),
		mbo(dbn.Add, 3, dbn.Bid, 98, 5),
	}}
	err := e.run(src, func(rec *dbn.Record) error {
		_, aerr := b.Apply(rec)
		return aerr
	}, 0)
	if err != book.ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if m.ReplayErrors.Load() != 1 {
		t.Errorf("expected 1 replay error, got %d", m.ReplayErrors.Load())
	}
	if m.LastError() == "" {
		t.Errorf("expected last_error set")
	}
	if got := m.TotalMessages.Load(); got != 1 {
		t.Errorf("expected only the first event accounted, got %d", got)
	}
}

func TestReconstructAggregated(t *testing.T) {
	path := writeDbnFile(t, []dbn.Record{
		mbo(dbn.Add, 1, dbn.Bid, 100_000_000_000, 5),
		mbo(dbn.Add, 2, dbn.Ask, 101_000_000_000, 3),
	})
	m := metrics.New()
	e := New(path, m)

	doc, err := e.ReconstructAggregated(0)
	if err != nil {
		t.Fatalf("ReconstructAggregated: %v", err)
	}
	if len(doc.Instruments) != 1 {
		t.Fatalf("expected 1 instrument, got %d", len(doc.Instruments))
	}
	if doc.MboCount != 2 {
		t.Errorf("expected mbo_count 2, got %d", doc.MboCount)
	}
}

func TestMissingFileAccountsDecodeError(t *testing.T) {
	m := metrics.New()
	e := New("/nonexistent/path.dbn", m)
	if _, err := e.ReplayBook(0); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if m.DecodeErrors.Load() != 1 {
		t.Errorf("expected 1 decode error, got %d", m.DecodeErrors.Load())
	}
	if m.LastError() == "" {
		t.Errorf("expected last_error set")
	}
}
