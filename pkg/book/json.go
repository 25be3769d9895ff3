package book

import (
	"encoding/json"
	"fmt"
	"os"
)

type Quote struct {
	Price int64 `json:"price"`
	Size  int32 `json:"size"`
}

type OrderEntry struct {
	ID   uint64 `json:"id"`
	Size int32  `json:"size"`
}

type LevelEntry struct {
	Price     int64        `json:"price"`
	TotalSize int32        `json:"total_size"`
	Orders    []OrderEntry `json:"orders"`
}

// Document is the JSON shape of the book: BBO first, then every bid level
// highest-first and ask level lowest-first with their FIFO order lists.
type Document struct {
	BestBid Quote        `json:"best_bid"`
	BestAsk Quote        `json:"best_ask"`
	Bids    []LevelEntry `json:"bids"`
	Asks    []LevelEntry `json:"asks"`
}

func (b *Book) Document() *Document {
	doc := &Document{
		Bids: make([]LevelEntry, 0, b.bids.Len()),
		Asks: make([]LevelEntry, 0, b.asks.Len()),
	}
	doc.BestBid.Price, doc.BestBid.Size = b.BestBid()
	doc.BestAsk.Price, doc.BestAsk.Size = b.BestAsk()

	collect := func(price int64, lvl *level) LevelEntry {
		e := LevelEntry{Price: price, TotalSize: lvl.totalSize, Orders: []OrderEntry{}}
		for h := lvl.head; h != noNode; h = b.pool.At(h).next {
			n := b.pool.At(h)
			e.Orders = append(e.Orders, OrderEntry{ID: n.OrderID, Size: n.Size})
		}
		return e
	}
	b.bids.Reverse(func(price int64, lvl *level) bool {
		doc.Bids = append(doc.Bids, collect(price, lvl))
		return true
	})
	b.asks.Scan(func(price int64, lvl *level) bool {
		doc.Asks = append(doc.Asks, collect(price, lvl))
		return true
	})
	return doc
}

func (b *Book) ToJSON(pretty bool) ([]byte, error) {
	if pretty {
		return json.MarshalIndent(b.Document(), "", "  ")
	}
	return json.Marshal(b.Document())
}

func (b *Book) SaveJSON(path string, pretty bool) error {
	data, err := b.ToJSON(pretty)
	if err != nil {
		return fmt.Errorf("marshal book: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
