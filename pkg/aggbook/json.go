package aggbook

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joripage/mbo-replay/pkg/dbn"
)

// Price marshals a raw fixed-point price as a decimal with two places
// (raw / 1e9); the undefined sentinel renders as null.
type Price int64

var priceScale = decimal.NewFromInt(dbn.PriceScale)

func (p Price) MarshalJSON() ([]byte, error) {
	if int64(p) == dbn.UndefPrice {
		return []byte("null"), nil
	}
	d := decimal.NewFromInt(int64(p)).DivRound(priceScale, 2)
	return []byte(d.StringFixed(2)), nil
}

type QuoteJSON struct {
	Price Price  `json:"price"`
	Size  uint32 `json:"size"`
	Count uint32 `json:"count"`
}

type BBOJSON struct {
	Bid QuoteJSON `json:"bid"`
	Ask QuoteJSON `json:"ask"`
}

type LevelsJSON struct {
	Bids []QuoteJSON `json:"bids"`
	Asks []QuoteJSON `json:"asks"`
}

type PublisherJSON struct {
	PublisherID uint16     `json:"publisher_id"`
	BBO         BBOJSON    `json:"bbo"`
	Levels      LevelsJSON `json:"levels"`
}

type InstrumentJSON struct {
	InstrumentID  uint32          `json:"instrument_id"`
	Publishers    []PublisherJSON `json:"publishers"`
	AggregatedBBO BBOJSON         `json:"aggregated_bbo"`
}

// Document is the aggregated JSON emission: instruments in map iteration
// order, publishers in first-seen order, levels price-ordered (bids
// highest-first, asks lowest-first).
type Document struct {
	Instruments   []InstrumentJSON `json:"instruments"`
	LastTsRecvISO string           `json:"last_ts_recv_iso"`
	MboCount      uint64           `json:"mbo_count"`
}

func quoteJSON(q Quote) QuoteJSON {
	return QuoteJSON{Price: Price(q.Price), Size: q.Size, Count: q.Count}
}

// Document builds the JSON view. levels caps per-side output; 0 means
// unbounded.
func (b *Book) Document(levels int) *Document {
	doc := &Document{
		Instruments:   make([]InstrumentJSON, 0, len(b.instruments)),
		LastTsRecvISO: time.Unix(0, b.lastTsRecv).UTC().Format(time.RFC3339Nano),
		MboCount:      b.mboCount,
	}
	for _, inst := range b.instruments {
		ij := InstrumentJSON{
			InstrumentID: inst.ID,
			Publishers:   make([]PublisherJSON, 0, len(inst.Publishers)),
		}
		for _, pb := range inst.Publishers {
			pj := PublisherJSON{
				PublisherID: pb.ID,
				BBO: BBOJSON{
					Bid: quoteJSON(pb.BestBid()),
					Ask: quoteJSON(pb.BestAsk()),
				},
				Levels: LevelsJSON{Bids: []QuoteJSON{}, Asks: []QuoteJSON{}},
			}
			pb.bids.Reverse(func(price int64, lvl *level) bool {
				if levels != 0 && len(pj.Levels.Bids) >= levels {
					return false
				}
				pj.Levels.Bids = append(pj.Levels.Bids, quoteJSON(lvl.quote(price)))
				return true
			})
			pb.asks.Scan(func(price int64, lvl *level) bool {
				if levels != 0 && len(pj.Levels.Asks) >= levels {
					return false
				}
				pj.Levels.Asks = append(pj.Levels.Asks, quoteJSON(lvl.quote(price)))
				return true
			})
			ij.Publishers = append(ij.Publishers, pj)
		}
		bid, ask := inst.AggregatedBBO()
		ij.AggregatedBBO = BBOJSON{Bid: quoteJSON(bid), Ask: quoteJSON(ask)}
		doc.Instruments = append(doc.Instruments, ij)
	}
	return doc
}

func (b *Book) ToJSON(levels int) ([]byte, error) {
	return json.MarshalIndent(b.Document(levels), "", "  ")
}

func (b *Book) SaveJSON(path string, levels int) error {
	data, err := b.ToJSON(levels)
	if err != nil {
		return fmt.Errorf("marshal aggregated book: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
