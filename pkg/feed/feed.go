// Package feed publishes best-bid/offer ticks to Kafka while a replay runs.
// The publisher is optional; a nil *Publisher is a no-op so the replay
// driver can stay unconditional.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/joripage/mbo-replay/pkg/book"
)

type Config struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Publisher struct {
	w     *kafka.Writer
	topic string
	log   *zap.Logger
}

// Tick is the published payload: the BBO after one applied event.
type Tick struct {
	InstrumentID uint32 `json:"instrument_id"`
	Action       string `json:"action"`
	BidPrice     int64  `json:"bid_price"`
	BidSize      int32  `json:"bid_size"`
	AskPrice     int64  `json:"ask_price"`
	AskSize      int32  `json:"ask_size"`
	TsRecv       int64  `json:"ts_recv"`
}

// New returns nil when no brokers are configured.
func New(cfg Config, log *zap.Logger) *Publisher {
	if len(cfg.Brokers) == 0 {
		return nil
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "mbo.bbo"
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireNone,
		Async:                  true,
	}
	return &Publisher{w: w, topic: topic, log: log}
}

// PublishBBO sends one tick keyed by instrument id, retrying transient
// write failures with exponential backoff.
func (p *Publisher) PublishBBO(ctx context.Context, instrumentID uint32, tsRecv int64, snap book.BBO) error {
	if p == nil {
		return nil
	}
	tick := Tick{
		InstrumentID: instrumentID,
		Action:       string(snap.Action),
		BidPrice:     snap.BidPrice,
		BidSize:      snap.BidSize,
		AskPrice:     snap.AskPrice,
		AskSize:      snap.AskSize,
		TsRecv:       tsRecv,
	}
	value, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("marshal tick: %w", err)
	}
	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(strconv.FormatUint(uint64(instrumentID), 10)),
		Value: value,
		Time:  time.Now(),
	}

	op := func() error { return p.w.WriteMessages(ctx, msg) }
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		p.log.Warn("bbo publish failed", zap.Error(err))
		return err
	}
	return nil
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.w.Close()
}
