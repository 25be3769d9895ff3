package aggbook

import (
	"github.com/gammazero/deque"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/joripage/mbo-replay/pkg/dbn"
)

// Book reconstructs per-publisher order books for every instrument seen in
// an MBO stream and synthesizes per-publisher and cross-publisher BBO.
// Level contents are the records themselves rather than pool nodes; Cancel
// carries partial-cancel-by-size semantics and Trade/Fill do not amend
// resting liquidity. Not safe for concurrent use.
type Book struct {
	instruments map[uint32]*Instrument
	lastTsRecv  int64
	mboCount    uint64
	log         *zap.Logger
}

type Instrument struct {
	ID         uint32
	Publishers []*PublisherBook // first-seen order
}

type PublisherBook struct {
	ID   uint16
	bids *btree.Map[int64, *level]
	asks *btree.Map[int64, *level]
	byID map[uint64]orderRef
}

// orderRef locates an order's residency; byID mirrors the levels exactly.
type orderRef struct {
	price int64
	side  dbn.Side
}

type level struct {
	orders deque.Deque[*dbn.Record]
}

// Quote is one side of a BBO. Price is dbn.UndefPrice when the side is
// empty. Count excludes synthetic top-of-book echoes; Size does not.
type Quote struct {
	Price int64
	Size  uint32
	Count uint32
}

type Option func(*Book)

func WithLogger(log *zap.Logger) Option {
	return func(b *Book) { b.log = log }
}

func New(opts ...Option) *Book {
	b := &Book{
		instruments: make(map[uint32]*Instrument),
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Apply folds one MBO event into the aggregated model.
func (b *Book) Apply(rec *dbn.Record) {
	b.lastTsRecv = rec.TsRecv
	b.mboCount++

	inst, ok := b.instruments[rec.InstrumentID]
	if !ok {
		inst = &Instrument{ID: rec.InstrumentID}
		b.instruments[rec.InstrumentID] = inst
	}
	pb := inst.publisher(rec.PublisherID)

	switch rec.Action {
	case dbn.Clear:
		pb.clear(rec)
	case dbn.Add:
		pb.add(rec)
	case dbn.Cancel:
		pb.cancel(rec, b.log)
	case dbn.Modify:
		pb.modify(rec)
	default:
		// Trade, Fill, None: resting liquidity is amended by explicit
		// Cancel events in this representation.
	}
}

func (inst *Instrument) publisher(id uint16) *PublisherBook {
	for _, pb := range inst.Publishers {
		if pb.ID == id {
			return pb
		}
	}
	pb := &PublisherBook{
		ID:   id,
		bids: btree.NewMap[int64, *level](32),
		asks: btree.NewMap[int64, *level](32),
		byID: make(map[uint64]orderRef),
	}
	inst.Publishers = append(inst.Publishers, pb)
	return pb
}

func (pb *PublisherBook) side(s dbn.Side) *btree.Map[int64, *level] {
	if s == dbn.Bid {
		return pb.bids
	}
	return pb.asks
}

func (pb *PublisherBook) levelFor(s dbn.Side, price int64) *level {
	m := pb.side(s)
	if lvl, ok := m.Get(price); ok {
		return lvl
	}
	lvl := &level{}
	m.Set(price, lvl)
	return lvl
}

func (pb *PublisherBook) add(rec *dbn.Record) {
	cp := *rec
	pb.levelFor(rec.Side, rec.Price).orders.PushBack(&cp)
	if _, ok := pb.byID[rec.OrderID]; !ok {
		pb.byID[rec.OrderID] = orderRef{price: rec.Price, side: rec.Side}
	}
}

// cancel subtracts the record's size from the resting order, clamped at
// zero, and erases the order and its level when they drain. Unknown order
// ids are ignored.
func (pb *PublisherBook) cancel(rec *dbn.Record, log *zap.Logger) {
	ref, ok := pb.byID[rec.OrderID]
	if !ok {
		log.Debug("cancel for unknown order ignored", zap.Uint64("order_id", rec.OrderID))
		return
	}
	m := pb.side(ref.side)
	lvl, ok := m.Get(ref.price)
	if !ok {
		return
	}
	i := lvl.find(rec.OrderID)
	if i < 0 {
		return
	}
	ord := lvl.orders.At(i)
	if ord.Size >= rec.Size {
		ord.Size -= rec.Size
	} else {
		ord.Size = 0
	}
	if ord.Size == 0 {
		lvl.orders.Remove(i)
		delete(pb.byID, rec.OrderID)
	}
	if lvl.orders.Len() == 0 {
		m.Delete(ref.price)
	}
}

// modify applies the priority rules: unknown orders are treated as Adds,
// a size increase at the same price re-queues at the tail, a size decrease
// updates in place, and a price change moves the order to the new level's
// tail.
func (pb *PublisherBook) modify(rec *dbn.Record) {
	ref, ok := pb.byID[rec.OrderID]
	if !ok {
		pb.add(rec)
		return
	}
	m := pb.side(ref.side)
	lvl, ok := m.Get(ref.price)
	if !ok {
		return
	}
	i := lvl.find(rec.OrderID)
	if i < 0 {
		return
	}
	ord := lvl.orders.At(i)

	if ref.price != rec.Price {
		ord.Price = rec.Price
		ord.Size = rec.Size
		lvl.orders.Remove(i)
		if lvl.orders.Len() == 0 {
			m.Delete(ref.price)
		}
		pb.levelFor(rec.Side, rec.Price).orders.PushBack(ord)
		pb.byID[rec.OrderID] = orderRef{price: rec.Price, side: rec.Side}
		return
	}

	if ord.Size < rec.Size {
		ord.Size = rec.Size
		lvl.orders.Remove(i)
		lvl.orders.PushBack(ord)
	} else {
		ord.Size = rec.Size
	}
}

// clear purges the matching side; a defined price on the clear record seeds
// the side with that record as its sole order.
func (pb *PublisherBook) clear(rec *dbn.Record) {
	fresh := btree.NewMap[int64, *level](32)
	if rec.Side == dbn.Bid {
		pb.bids = fresh
	} else {
		pb.asks = fresh
	}
	for id, ref := range pb.byID {
		if ref.side == rec.Side {
			delete(pb.byID, id)
		}
	}
	if rec.Price != dbn.UndefPrice {
		pb.add(rec)
	}
}

func (l *level) find(orderID uint64) int {
	for i := 0; i < l.orders.Len(); i++ {
		if l.orders.At(i).OrderID == orderID {
			return i
		}
	}
	return -1
}

func (l *level) quote(price int64) Quote {
	q := Quote{Price: price}
	for i := 0; i < l.orders.Len(); i++ {
		o := l.orders.At(i)
		q.Size += o.Size
		if !o.Flags.IsTob() {
			q.Count++
		}
	}
	return q
}

// BestBid returns the quote at the highest bid level.
func (pb *PublisherBook) BestBid() Quote {
	price, lvl, ok := pb.bids.Max()
	if !ok {
		return Quote{Price: dbn.UndefPrice}
	}
	return lvl.quote(price)
}

// BestAsk returns the quote at the lowest ask level.
func (pb *PublisherBook) BestAsk() Quote {
	price, lvl, ok := pb.asks.Min()
	if !ok {
		return Quote{Price: dbn.UndefPrice}
	}
	return lvl.quote(price)
}

// AggregatedBBO synthesizes the cross-publisher BBO: best bid is the max of
// publisher best bids with size and count summed over the publishers quoting
// that price; asks are symmetric at the min.
func (inst *Instrument) AggregatedBBO() (bid, ask Quote) {
	bid = Quote{Price: dbn.UndefPrice}
	ask = Quote{Price: dbn.UndefPrice}
	for _, pb := range inst.Publishers {
		if q := pb.BestBid(); q.Price != dbn.UndefPrice {
			switch {
			case bid.Price == dbn.UndefPrice || q.Price > bid.Price:
				bid = q
			case q.Price == bid.Price:
				bid.Size += q.Size
				bid.Count += q.Count
			}
		}
		if q := pb.BestAsk(); q.Price != dbn.UndefPrice {
			switch {
			case ask.Price == dbn.UndefPrice || q.Price < ask.Price:
				ask = q
			case q.Price == ask.Price:
				ask.Size += q.Size
				ask.Count += q.Count
			}
		}
	}
	return bid, ask
}

// MboCount returns the number of MBO events folded in.
func (b *Book) MboCount() uint64 { return b.mboCount }

// LastTsRecv returns the receive timestamp of the most recent event, in
// nanoseconds since epoch.
func (b *Book) LastTsRecv() int64 { return b.lastTsRecv }

// Instrument returns the book for one instrument id, or nil.
func (b *Book) Instrument(id uint32) *Instrument { return b.instruments[id] }
