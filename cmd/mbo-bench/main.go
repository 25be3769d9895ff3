// Synthetic benchmark: drives random MBO events through the single-venue
// book and prints the same metrics the replay service reports.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"time"

	"github.com/joripage/mbo-replay/pkg/book"
	"github.com/joripage/mbo-replay/pkg/dbn"
	"github.com/joripage/mbo-replay/pkg/metrics"
)

const (
	minPrice = 100_000_000_000 // 100.00 at 1e-9 scale
	maxPrice = 200_000_000_000
	tick     = 10_000_000
	minQty   = 1
	maxQty   = 100
)

func randomEvent(rng *rand.Rand, nextID *uint64, live []uint64) dbn.Record {
	rec := dbn.Record{
		PublisherID:  1,
		InstrumentID: 1,
		TsRecv:       time.Now().UnixNano(),
	}
	if rng.Intn(2) == 0 {
		rec.Side = dbn.Bid
	} else {
		rec.Side = dbn.Ask
	}

	// Mostly adds, the rest cancels against a live order.
	if len(live) == 0 || rng.Intn(10) < 7 {
		*nextID++
		rec.Action = dbn.Add
		rec.OrderID = *nextID
		steps := (maxPrice - minPrice) / tick
		rec.Price = minPrice + int64(rng.Intn(int(steps)))*tick
		rec.Size = uint32(rng.Intn(maxQty-minQty+1) + minQty)
	} else {
		rec.Action = dbn.Cancel
		rec.OrderID = live[rng.Intn(len(live))]
	}
	return rec
}

func main() {
	numEvents := flag.Int("n", 1_000_000, "events to generate")
	poolSize := flag.Int("pool", 2_000_000, "order pool capacity")
	flag.Parse()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	m := metrics.New()
	b := book.New(book.WithPoolSize(*poolSize))

	var nextID uint64
	var live []uint64

	start := time.Now()
	for i := 0; i < *numEvents; i++ {
		rec := randomEvent(rng, &nextID, live)

		t0 := time.Now()
		if _, err := b.Apply(&rec); err != nil {
			fmt.Printf("halted at event %d: %v\n", i, err)
			break
		}
		m.RecordLatency(uint64(time.Since(t0)))
		m.TotalMessages.Add(1)

		switch rec.Action {
		case dbn.Add:
			live = append(live, rec.OrderID)
		case dbn.Cancel:
			for j, id := range live {
				if id == rec.OrderID {
					live[j] = live[len(live)-1]
					live = live[:len(live)-1]
					break
				}
			}
		}
	}
	m.SetReplayDuration(uint64(time.Since(start)))

	fmt.Println("--------")
	fmt.Printf("events:          %d\n", m.TotalMessages.Load())
	fmt.Printf("resident orders: %d\n", b.Orders())
	fmt.Printf("duration:        %s\n", time.Duration(m.ReplayDuration()))
	fmt.Printf("throughput:      %.0f msg/s\n", m.Throughput())
	fmt.Printf("latency p50:     %.0f ns\n", m.P50())
	fmt.Printf("latency p95:     %.0f ns\n", m.P95())
	fmt.Printf("latency p99:     %.0f ns\n", m.P99())
}
