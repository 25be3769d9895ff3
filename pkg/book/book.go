package book

import (
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/joripage/mbo-replay/pkg/dbn"
)

// ModifyPolicy controls how a Modify at an unchanged price treats FIFO
// priority. The replay default re-queues unconditionally; the alternative
// keeps priority for size-reducing modifies, matching the aggregated model.
type ModifyPolicy int

const (
	ModifyLosePriority ModifyPolicy = iota
	ModifyKeepPriorityOnSizeDown
)

// BBO is a top-of-book snapshot taken after applying an event. Prices are -1
// when the side is empty.
type BBO struct {
	Action   dbn.Action
	BidPrice int64
	BidSize  int32
	AskPrice int64
	AskSize  int32
}

type level struct {
	totalSize int32
	head      Handle
	tail      Handle
}

// Book is a single-venue limit order book: price-ordered levels holding
// FIFO lists of pool-resident nodes, with O(1) order lookup by id. Not safe
// for concurrent use.
type Book struct {
	pool *Pool
	bids *btree.Map[int64, *level]
	asks *btree.Map[int64, *level]
	byID map[uint64]Handle

	policy ModifyPolicy
	strict bool
	log    *zap.Logger

	duplicates uint64
}

type Option func(*Book)

func WithPoolSize(n int) Option {
	return func(b *Book) { b.pool = NewPool(n) }
}

func WithModifyPolicy(p ModifyPolicy) Option {
	return func(b *Book) { b.policy = p }
}

// WithStrict makes Apply fail on duplicate Adds instead of ignoring them.
func WithStrict() Option {
	return func(b *Book) { b.strict = true }
}

func WithLogger(log *zap.Logger) Option {
	return func(b *Book) { b.log = log }
}

func New(opts ...Option) *Book {
	b := &Book{
		bids: btree.NewMap[int64, *level](32),
		asks: btree.NewMap[int64, *level](32),
		byID: make(map[uint64]Handle),
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.pool == nil {
		b.pool = NewPool(DefaultPoolSize)
	}
	return b
}

// Apply mutates the book by one MBO event and returns the post-event BBO.
// Unknown order ids on Modify/Cancel/Fill are ignored; actions outside the
// enumerated set leave the book unchanged.
func (b *Book) Apply(rec *dbn.Record) (BBO, error) {
	var err error
	switch rec.Action {
	case dbn.Add:
		err = b.add(rec)
	case dbn.Modify:
		b.modify(rec)
	case dbn.Cancel, dbn.Fill:
		b.remove(rec.OrderID)
	}
	return b.Snapshot(rec.Action), err
}

func (b *Book) add(rec *dbn.Record) error {
	if _, ok := b.byID[rec.OrderID]; ok {
		b.duplicates++
		b.log.Debug("duplicate add ignored", zap.Uint64("order_id", rec.OrderID))
		if b.strict {
			return ErrDuplicateOrder
		}
		return nil
	}
	h, err := b.pool.Alloc()
	if err != nil {
		return err
	}
	n := b.pool.At(h)
	n.OrderID = rec.OrderID
	n.Price = rec.Price
	n.Size = int32(rec.Size)
	n.Side = rec.Side

	b.pushTail(b.levelFor(rec.Side, rec.Price), h)
	b.byID[rec.OrderID] = h
	return nil
}

func (b *Book) modify(rec *dbn.Record) {
	h, ok := b.byID[rec.OrderID]
	if !ok {
		b.log.Debug("modify for unknown order ignored", zap.Uint64("order_id", rec.OrderID))
		return
	}
	n := b.pool.At(h)
	newSize := int32(rec.Size)

	if b.policy == ModifyKeepPriorityOnSizeDown && n.Price == rec.Price && newSize <= n.Size {
		lvl, _ := b.side(n.Side).Get(n.Price)
		lvl.totalSize += newSize - n.Size
		n.Size = newSize
		return
	}

	// Re-queue at the tail of the target level; priority is lost.
	b.unlink(n.Side, n.Price, h)
	n.Price = rec.Price
	n.Size = newSize
	b.pushTail(b.levelFor(n.Side, n.Price), h)
}

func (b *Book) remove(orderID uint64) {
	h, ok := b.byID[orderID]
	if !ok {
		b.log.Debug("cancel/fill for unknown order ignored", zap.Uint64("order_id", orderID))
		return
	}
	n := b.pool.At(h)
	b.unlink(n.Side, n.Price, h)
	b.pool.Free(h)
	delete(b.byID, orderID)
}

func (b *Book) side(s dbn.Side) *btree.Map[int64, *level] {
	if s == dbn.Bid {
		return b.bids
	}
	return b.asks
}

func (b *Book) levelFor(s dbn.Side, price int64) *level {
	m := b.side(s)
	if lvl, ok := m.Get(price); ok {
		return lvl
	}
	lvl := &level{head: noNode, tail: noNode}
	m.Set(price, lvl)
	return lvl
}

// pushTail appends the node to the level FIFO, preserving time priority.
func (b *Book) pushTail(lvl *level, h Handle) {
	n := b.pool.At(h)
	n.next = noNode
	n.prev = lvl.tail
	if lvl.tail == noNode {
		lvl.head = h
	} else {
		b.pool.At(lvl.tail).next = h
	}
	lvl.tail = h
	lvl.totalSize += n.Size
}

// unlink detaches the node from its level and erases the level if it drained.
func (b *Book) unlink(s dbn.Side, price int64, h Handle) {
	m := b.side(s)
	lvl, ok := m.Get(price)
	if !ok {
		return
	}
	n := b.pool.At(h)
	if n.prev != noNode {
		b.pool.At(n.prev).next = n.next
	} else {
		lvl.head = n.next
	}
	if n.next != noNode {
		b.pool.At(n.next).prev = n.prev
	} else {
		lvl.tail = n.prev
	}
	lvl.totalSize -= n.Size
	if lvl.head == noNode {
		m.Delete(price)
	}
}

// BestBid returns the highest bid price and its aggregate size, or (-1, 0)
// when the side is empty.
func (b *Book) BestBid() (int64, int32) {
	price, lvl, ok := b.bids.Max()
	if !ok {
		return -1, 0
	}
	return price, lvl.totalSize
}

// BestAsk returns the lowest ask price and its aggregate size, or (-1, 0)
// when the side is empty.
func (b *Book) BestAsk() (int64, int32) {
	price, lvl, ok := b.asks.Min()
	if !ok {
		return -1, 0
	}
	return price, lvl.totalSize
}

// Snapshot records the action just applied alongside the current BBO.
func (b *Book) Snapshot(action dbn.Action) BBO {
	bb, bs := b.BestBid()
	ab, as := b.BestAsk()
	return BBO{Action: action, BidPrice: bb, BidSize: bs, AskPrice: ab, AskSize: as}
}

// Orders returns the number of resident orders.
func (b *Book) Orders() int { return len(b.byID) }

// Duplicates returns how many Adds were ignored for reusing a resident id.
func (b *Book) Duplicates() uint64 { return b.duplicates }
