package dbn

import (
	"io"
	"math"
	"time"
)

// UndefPrice is the sentinel for an absent price. It must be compared
// symbolically, never used in arithmetic.
const UndefPrice int64 = math.MaxInt64

// PriceScale is the fixed-point denominator for raw prices.
const PriceScale int64 = 1_000_000_000

type Side byte

const (
	Bid      Side = 'B'
	Ask      Side = 'A'
	SideNone Side = 'N'
)

type Action byte

const (
	Add        Action = 'A'
	Modify     Action = 'M'
	Cancel     Action = 'C'
	Fill       Action = 'F'
	Trade      Action = 'T'
	Clear      Action = 'R'
	ActionNone Action = 'N'
)

// Flags is the record flag bit-set.
type Flags uint8

const (
	FlagLast     Flags = 1 << 7
	FlagTob      Flags = 1 << 6
	FlagSnapshot Flags = 1 << 5
	FlagMbp      Flags = 1 << 4
)

// IsTob reports whether the record is a synthetic top-of-book echo. Such
// orders contribute to level size but not to the displayed order count.
func (f Flags) IsTob() bool { return f&FlagTob != 0 }

func (f Flags) IsLast() bool { return f&FlagLast != 0 }

func (f Flags) IsSnapshot() bool { return f&FlagSnapshot != 0 }

// Record is a normalized market-by-order event. Immutable once produced by
// a Source; book models copy it before mutating.
type Record struct {
	PublisherID  uint16
	InstrumentID uint32
	OrderID      uint64
	Price        int64 // fixed point, PriceScale denominator
	Size         uint32
	Flags        Flags
	Action       Action
	Side         Side
	TsEvent      int64 // ns since epoch
	TsRecv       int64 // ns since epoch
	Sequence     uint32
}

// TsRecvTime returns the receive timestamp as a time.Time in UTC.
func (r *Record) TsRecvTime() time.Time {
	return time.Unix(0, r.TsRecv).UTC()
}

// Source yields normalized MBO records in replay order. Next returns io.EOF
// when the stream is exhausted; any other error is a decode failure and
// terminates the replay.
type Source interface {
	Next() (*Record, error)
}

// SliceSource replays a fixed set of records. Used by tests and synthetic
// scenarios.
type SliceSource struct {
	Records []Record
	pos     int
}

func (s *SliceSource) Next() (*Record, error) {
	if s.pos >= len(s.Records) {
		return nil, io.EOF
	}
	r := &s.Records[s.pos]
	s.pos++
	return r, nil
}
