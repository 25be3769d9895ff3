package aggbook

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/joripage/mbo-replay/pkg/dbn"
)

func mbo(action dbn.Action, pub uint16, id uint64, side dbn.Side, price int64, size uint32) *dbn.Record {
	return &dbn.Record{
		PublisherID:  pub,
		InstrumentID: 1,
		OrderID:      id,
		Side:         side,
		Action:       action,
		Price:        price,
		Size:         size,
	}
}

func fifoIDs(t *testing.T, pb *PublisherBook, side dbn.Side, price int64) []uint64 {
	t.Helper()
	lvl, ok := pb.side(side).Get(price)
	if !ok {
		t.Fatalf("no level at %d", price)
	}
	ids := make([]uint64, 0, lvl.orders.Len())
	for i := 0; i < lvl.orders.Len(); i++ {
		ids = append(ids, lvl.orders.At(i).OrderID)
	}
	return ids
}

func TestModifySizeUpLosesPriority(t *testing.T) {
	b := New()
	b.Apply(mbo(dbn.Add, 1, 1, dbn.Ask, 200, 3))
	b.Apply(mbo(dbn.Add, 1, 2, dbn.Ask, 200, 4))
	b.Apply(mbo(dbn.Modify, 1, 1, dbn.Ask, 200, 9))

	pb := b.Instrument(1).Publishers[0]
	ids := fifoIDs(t, pb, dbn.Ask, 200)
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 1 {
		t.Errorf("expected FIFO [2 1], got %v", ids)
	}
	if q := pb.BestAsk(); q.Size != 13 {
		t.Errorf("expected level size 13, got %d", q.Size)
	}
}

func TestModifySizeDownKeepsPriority(t *testing.T) {
	b := New()
	b.Apply(mbo(dbn.Add, 1, 1, dbn.Ask, 200, 5))
	b.Apply(mbo(dbn.Add, 1, 2, dbn.Ask, 200, 4))
	b.Apply(mbo(dbn.Modify, 1, 1, dbn.Ask, 200, 2))

	pb := b.Instrument(1).Publishers[0]
	ids := fifoIDs(t, pb, dbn.Ask, 200)
	if len(ids) != 2 || ids[0] != 1 {
		t.Errorf("expected order 1 to keep priority, got %v", ids)
	}
	if q := pb.BestAsk(); q.Size != 6 {
		t.Errorf("expected level size 6, got %d", q.Size)
	}
}

func TestModifyPriceChange(t *testing.T) {
	b := New()
	b.Apply(mbo(dbn.Add, 1, 1, dbn.Bid, 100, 5))
	b.Apply(mbo(dbn.Add, 1, 2, dbn.Bid, 101, 1))
	b.Apply(mbo(dbn.Modify, 1, 1, dbn.Bid, 101, 5))

	pb := b.Instrument(1).Publishers[0]
	if _, ok := pb.bids.Get(100); ok {
		t.Errorf("drained level 100 should be erased")
	}
	ids := fifoIDs(t, pb, dbn.Bid, 101)
	if len(ids) != 2 || ids[1] != 1 {
		t.Errorf("expected order 1 at tail of level 101, got %v", ids)
	}
	if ref := pb.byID[1]; ref.price != 101 {
		t.Errorf("byID not updated, ref price %d", ref.price)
	}
}

func TestModifyUnknownIsAdd(t *testing.T) {
	b := New()
	b.Apply(mbo(dbn.Modify, 1, 7, dbn.Bid, 100, 3))

	pb := b.Instrument(1).Publishers[0]
	if q := pb.BestBid(); q.Price != 100 || q.Size != 3 {
		t.Errorf("expected modify-as-add, best bid %+v", q)
	}
}

func TestPartialCancel(t *testing.T) {
	b := New()
	b.Apply(mbo(dbn.Add, 1, 1, dbn.Bid, 50, 10))
	b.Apply(mbo(dbn.Cancel, 1, 1, dbn.Bid, 50, 4))

	pb := b.Instrument(1).Publishers[0]
	q := pb.BestBid()
	if q.Price != 50 || q.Size != 6 || q.Count != 1 {
		t.Errorf("expected (50, 6, 1), got %+v", q)
	}
	if _, ok := pb.byID[1]; !ok {
		t.Errorf("byID should still contain the order")
	}

	// Over-size cancel clamps at zero and removes the order.
	b.Apply(mbo(dbn.Cancel, 1, 1, dbn.Bid, 50, 99))
	if _, ok := pb.bids.Get(50); ok {
		t.Errorf("level should be erased after full cancel")
	}
	if _, ok := pb.byID[1]; ok {
		t.Errorf("byID should be empty after full cancel")
	}
}

func TestClearWithReseed(t *testing.T) {
	b := New()
	b.Apply(mbo(dbn.Add, 1, 1, dbn.Bid, 10, 1))
	b.Apply(mbo(dbn.Add, 1, 2, dbn.Bid, 11, 1))
	clear := mbo(dbn.Clear, 1, 3, dbn.Bid, 12, 2)
	b.Apply(clear)

	pb := b.Instrument(1).Publishers[0]
	if pb.bids.Len() != 1 {
		t.Fatalf("expected a single reseeded level, got %d", pb.bids.Len())
	}
	q := pb.BestBid()
	if q.Price != 12 || q.Size != 2 {
		t.Errorf("expected reseeded (12, 2), got %+v", q)
	}
	if len(pb.byID) != 1 {
		t.Errorf("byID should contain only the clear record, got %d entries", len(pb.byID))
	}
	if _, ok := pb.byID[3]; !ok {
		t.Errorf("clear record not registered in byID")
	}
}

func TestClearUndefinedPriceLeavesSideEmpty(t *testing.T) {
	b := New()
	b.Apply(mbo(dbn.Add, 1, 1, dbn.Ask, 10, 1))
	b.Apply(mbo(dbn.Clear, 1, 0, dbn.Ask, dbn.UndefPrice, 0))

	pb := b.Instrument(1).Publishers[0]
	if q := pb.BestAsk(); q.Price != dbn.UndefPrice {
		t.Errorf("expected undefined best ask, got %+v", q)
	}
	if len(pb.byID) != 0 {
		t.Errorf("byID should be empty after clear")
	}
}

func TestTradeAndFillIgnored(t *testing.T) {
	b := New()
	b.Apply(mbo(dbn.Add, 1, 1, dbn.Bid, 100, 5))
	b.Apply(mbo(dbn.Trade, 1, 1, dbn.Bid, 100, 5))
	b.Apply(mbo(dbn.Fill, 1, 1, dbn.Bid, 100, 5))

	pb := b.Instrument(1).Publishers[0]
	if q := pb.BestBid(); q.Size != 5 {
		t.Errorf("trade/fill amended resting liquidity: %+v", q)
	}
	if b.MboCount() != 3 {
		t.Errorf("expected all events counted, got %d", b.MboCount())
	}
}

func TestTobFlagExcludedFromCount(t *testing.T) {
	b := New()
	b.Apply(mbo(dbn.Add, 1, 1, dbn.Bid, 100, 5))
	tob := mbo(dbn.Add, 1, 2, dbn.Bid, 100, 3)
	tob.Flags = dbn.FlagTob
	b.Apply(tob)

	q := b.Instrument(1).Publishers[0].BestBid()
	if q.Size != 8 {
		t.Errorf("TOB order must contribute to size, got %d", q.Size)
	}
	if q.Count != 1 {
		t.Errorf("TOB order must not contribute to count, got %d", q.Count)
	}
}

func TestCrossPublisherAggregate(t *testing.T) {
	b := New()
	b.Apply(mbo(dbn.Add, 1, 1, dbn.Bid, 100, 3))
	b.Apply(mbo(dbn.Add, 2, 2, dbn.Bid, 100, 5))
	b.Apply(mbo(dbn.Add, 3, 3, dbn.Bid, 99, 100))

	bid, _ := b.Instrument(1).AggregatedBBO()
	if bid.Price != 100 {
		t.Errorf("expected aggregated bid price 100, got %d", bid.Price)
	}
	if bid.Size != 8 {
		t.Errorf("expected aggregated size 8, got %d", bid.Size)
	}
	if bid.Count != 2 {
		t.Errorf("expected aggregated count 2, got %d", bid.Count)
	}
}

func TestDocumentRendering(t *testing.T) {
	b := New()
	rec := mbo(dbn.Add, 1, 1, dbn.Bid, 100_250_000_000, 5)
	rec.TsRecv = 1_700_000_000_000_000_000
	b.Apply(rec)

	data, err := b.ToJSON(0)
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"price": 100.25`) {
		t.Errorf("expected 2dp decimal price, got:\n%s", s)
	}
	if !strings.Contains(s, `"price": null`) {
		t.Errorf("expected null for undefined ask price, got:\n%s", s)
	}
	if !strings.Contains(s, `"mbo_count": 1`) {
		t.Errorf("expected mbo_count 1")
	}
	if !strings.Contains(s, "2023-11-14T22:13:20Z") {
		t.Errorf("expected ISO-8601 last_ts_recv, got:\n%s", s)
	}
	if !json.Valid(data) {
		t.Errorf("emission is not valid JSON")
	}
}

func TestDocumentLevelCap(t *testing.T) {
	b := New()
	for i := uint64(1); i <= 5; i++ {
		b.Apply(mbo(dbn.Add, 1, i, dbn.Bid, int64(100+i), 1))
	}
	doc := b.Document(2)
	lv := doc.Instruments[0].Publishers[0].Levels.Bids
	if len(lv) != 2 {
		t.Fatalf("expected 2 levels with cap, got %d", len(lv))
	}
	if lv[0].Price != Price(105) || lv[1].Price != Price(104) {
		t.Errorf("bids not highest-first: %+v", lv)
	}
	doc = b.Document(0)
	if n := len(doc.Instruments[0].Publishers[0].Levels.Bids); n != 5 {
		t.Errorf("expected unbounded levels, got %d", n)
	}
}
