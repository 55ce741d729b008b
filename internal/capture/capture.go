// Package capture appends bus traffic to a file as a CBOR sequence, one
// record per frame. Records are self-delimiting, so a capture truncated
// by a crash is readable up to the last complete record.
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/embeddedbus/ecan/internal/can"
	"github.com/embeddedbus/ecan/internal/metrics"
)

// Record is one captured frame with its arrival timestamp and direction.
type Record struct {
	When  time.Time `cbor:"1,keyasint"`
	Dir   string    `cbor:"2,keyasint"` // "rx" (backend to hub) or "tx" (hub to backend)
	CANID uint32    `cbor:"3,keyasint"`
	Data  []byte    `cbor:"4,keyasint"`
}

const (
	DirRX = "rx"
	DirTX = "tx"
)

var ErrClosed = errors.New("capture: writer closed")

// Writer serializes records to an underlying file. Safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	buf    *bufio.Writer
	enc    *cbor.Encoder
	closed bool
}

// Open creates (or truncates) the capture file at path.
func Open(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("capture open: %w", err)
	}
	bw := bufio.NewWriter(f)
	return &Writer{f: f, buf: bw, enc: cbor.NewEncoder(bw)}, nil
}

// Append writes one frame. Timestamps are taken here, not at I/O time.
func (w *Writer) Append(dir string, fr can.Frame) error {
	rec := Record{
		When:  time.Now(),
		Dir:   dir,
		CANID: fr.CANID,
		Data:  append([]byte(nil), fr.Data[:fr.Len]...),
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.enc.Encode(rec); err != nil {
		metrics.IncError(metrics.ErrCaptureWrite)
		return fmt.Errorf("capture append: %w", err)
	}
	metrics.IncCaptured()
	return nil
}

// Close flushes and closes the file. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	ferr := w.buf.Flush()
	cerr := w.f.Close()
	if ferr != nil {
		return fmt.Errorf("capture flush: %w", ferr)
	}
	return cerr
}

// ReadAll decodes every complete record from r. A truncated tail record
// is dropped silently; any other decode error is returned with the
// records read so far.
func ReadAll(r io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(r)
	var out []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return out, nil
			}
			return out, fmt.Errorf("capture read: %w", err)
		}
		out = append(out, rec)
	}
}

// ReadFile is ReadAll over a file path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture read: %w", err)
	}
	defer f.Close()
	return ReadAll(f)
}
