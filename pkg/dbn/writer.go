package dbn

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Writer emits an uncompressed DBN stream of MBO records. Used by tests and
// capture tooling; the on-disk layout mirrors what Reader decodes.
type Writer struct {
	w io.Writer
}

// NewWriter writes the stream header (version 2, empty metadata block) and
// returns a Writer for the record section.
func NewWriter(w io.Writer) (*Writer, error) {
	var hdr [8]byte
	copy(hdr[:3], "DBN")
	hdr[3] = 2
	if _, err := w.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("dbn: write header: %w", err)
	}
	return &Writer{w: w}, nil
}

// WriteMbo appends one MBO record.
func (w *Writer) WriteMbo(rec *Record) error {
	var b [headerLen + mboBodyLen]byte
	b[0] = byte(len(b) / 4)
	b[1] = rtypeMbo
	binary.LittleEndian.PutUint16(b[2:4], rec.PublisherID)
	binary.LittleEndian.PutUint32(b[4:8], rec.InstrumentID)
	binary.LittleEndian.PutUint64(b[8:16], uint64(rec.TsEvent))
	binary.LittleEndian.PutUint64(b[16:24], rec.OrderID)
	binary.LittleEndian.PutUint64(b[24:32], uint64(rec.Price))
	binary.LittleEndian.PutUint32(b[32:36], rec.Size)
	b[36] = byte(rec.Flags)
	b[38] = byte(rec.Action)
	b[39] = byte(rec.Side)
	binary.LittleEndian.PutUint64(b[40:48], uint64(rec.TsRecv))
	binary.LittleEndian.PutUint32(b[52:56], rec.Sequence)
	if _, err := w.w.Write(b[:]); err != nil {
		return fmt.Errorf("dbn: write record: %w", err)
	}
	return nil
}
