// Package ndjson frames JSON values as newline-delimited records on a byte
// stream.
//
// A Writer emits every record with exactly one Write call, so concurrent
// writers sharing a stream never interleave partial records. A Reader yields
// one record per line and skips blank lines.
//
//	w := ndjson.NewWriter(conn)
//	_ = w.Encode(map[string]any{"jsonrpc": "2.0", "id": "1"})
//
//	r := ndjson.NewReader(conn, ndjson.DefaultMaxRecord)
//	line, err := r.Next()
package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxRecord bounds a single record when the caller passes no limit.
const DefaultMaxRecord = 4 << 20

// ErrRecordTooLarge is returned when a line exceeds the reader's limit.
var ErrRecordTooLarge = errors.New("ndjson: record too large")

// Writer serializes records onto an io.Writer.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Encode marshals v and writes it as one record.
func (w *Writer) Encode(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ndjson: encode: %w", err)
	}
	return w.WriteRecord(b)
}

// WriteRecord writes an already encoded JSON value. The record must not
// contain a raw newline; compact encodings never do.
func (w *Writer) WriteRecord(record []byte) error {
	if bytes.IndexByte(record, '\n') >= 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, record); err != nil {
			return fmt.Errorf("ndjson: compact: %w", err)
		}
		record = buf.Bytes()
	}
	line := make([]byte, len(record)+1)
	copy(line, record)
	line[len(record)] = '\n'

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(line)
	return err
}

// Reader splits an io.Reader into records.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader wraps r. maxRecord bounds the length of one line; zero selects
// DefaultMaxRecord.
func NewReader(r io.Reader, maxRecord int) *Reader {
	if maxRecord <= 0 {
		maxRecord = DefaultMaxRecord
	}
	sc := bufio.NewScanner(r)
	initial := 64 * 1024
	if initial > maxRecord {
		initial = maxRecord
	}
	sc.Buffer(make([]byte, initial), maxRecord)
	return &Reader{sc: sc}
}

// Next returns the next non-blank record. The returned slice is owned by the
// caller. At end of stream it returns io.EOF.
func (r *Reader) Next() ([]byte, error) {
	for r.sc.Scan() {
		line := bytes.TrimSpace(r.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := r.sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrRecordTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}

// Decode reads the next record into v.
func (r *Reader) Decode(v any) error {
	line, err := r.Next()
	if err != nil {
		return err
	}
	return json.Unmarshal(line, v)
}
