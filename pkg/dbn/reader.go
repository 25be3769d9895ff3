package dbn

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

var (
	errBadMagic  = errors.New("dbn: bad magic")
	errTruncated = errors.New("dbn: truncated record")
)

const (
	rtypeMbo = 0xA0

	headerLen = 16 // length, rtype, publisher_id, instrument_id, ts_event
	mboBodyLen = 40
)

// zstd frame magic, little endian on disk.
var zstdMagic = [4]byte{0x28, 0xB5, 0x2F, 0xFD}

// Reader decodes MBO records from a DBN byte stream. Non-MBO record types
// are skipped by their length prefix and counted in Skipped. The version
// byte and metadata block are read and discarded; record framing is the
// same across the supported versions.
type Reader struct {
	br      *bufio.Reader
	closers []io.Closer

	Version byte
	Skipped uint64

	rec Record
	buf [mboBodyLen]byte
}

// Open opens a DBN file, transparently decompressing zstd frames.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dbn: open %s: %w", path, err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closers = append(r.closers, f)
	return r, nil
}

// NewReader wraps an io.Reader positioned at the start of a DBN stream.
func NewReader(src io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(src, 1<<16)

	peek, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("dbn: read header: %w", err)
	}
	r := &Reader{}
	if [4]byte(peek) == zstdMagic {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("dbn: zstd: %w", err)
		}
		r.closers = append(r.closers, dec.IOReadCloser())
		br = bufio.NewReaderSize(dec, 1<<16)
	}
	r.br = br

	var hdr [8]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("dbn: read header: %w", err)
	}
	if hdr[0] != 'D' || hdr[1] != 'B' || hdr[2] != 'N' {
		return nil, errBadMagic
	}
	r.Version = hdr[3]
	metaLen := binary.LittleEndian.Uint32(hdr[4:8])
	if _, err := io.CopyN(io.Discard, br, int64(metaLen)); err != nil {
		return nil, fmt.Errorf("dbn: skip metadata: %w", err)
	}
	return r, nil
}

// Next returns the next MBO record, io.EOF at end of stream, or a decode
// error on structural failure. The returned record is only valid until the
// following call.
func (r *Reader) Next() (*Record, error) {
	for {
		var hdr [headerLen]byte
		if _, err := io.ReadFull(r.br, hdr[:1]); err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, errTruncated
		}
		recLen := int(hdr[0]) * 4 // length is in 4-byte words, header included
		if recLen < headerLen {
			return nil, fmt.Errorf("dbn: record length %d below header size", recLen)
		}
		if _, err := io.ReadFull(r.br, hdr[1:]); err != nil {
			return nil, errTruncated
		}

		rtype := hdr[1]
		if rtype != rtypeMbo {
			if _, err := io.CopyN(io.Discard, r.br, int64(recLen-headerLen)); err != nil {
				return nil, errTruncated
			}
			r.Skipped++
			continue
		}
		if recLen != headerLen+mboBodyLen {
			return nil, fmt.Errorf("dbn: mbo record length %d, want %d", recLen, headerLen+mboBodyLen)
		}
		if _, err := io.ReadFull(r.br, r.buf[:]); err != nil {
			return nil, errTruncated
		}

		body := r.buf[:]
		r.rec = Record{
			PublisherID:  binary.LittleEndian.Uint16(hdr[2:4]),
			InstrumentID: binary.LittleEndian.Uint32(hdr[4:8]),
			TsEvent:      int64(binary.LittleEndian.Uint64(hdr[8:16])),
			OrderID:      binary.LittleEndian.Uint64(body[0:8]),
			Price:        int64(binary.LittleEndian.Uint64(body[8:16])),
			Size:         binary.LittleEndian.Uint32(body[16:20]),
			Flags:        Flags(body[20]),
			Action:       Action(body[22]),
			Side:         Side(body[23]),
			TsRecv:       int64(binary.LittleEndian.Uint64(body[24:32])),
			Sequence:     binary.LittleEndian.Uint32(body[36:40]),
		}
		return &r.rec, nil
	}
}

// Close releases the underlying file and decompressor, if any.
func (r *Reader) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
