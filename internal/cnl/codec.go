// Package cnl implements the cannelloni TCP framing used between the
// bridge and its clients: each frame is a 4-byte big-endian CAN
// identifier (EFF/RTR flags included), one length byte and the payload.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/embeddedbus/ecan/internal/can"
	"github.com/embeddedbus/ecan/internal/metrics"
)

// Codec encodes/decodes cannelloni frames. Stateless and safe for
// concurrent use.
type Codec struct{}

// ErrInvalidLength is returned when a frame length (DLC) is outside 0..8.
var ErrInvalidLength = errors.New("cannelloni: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("cannelloni: truncated frame")

const headerSize = 5 // 4-byte CANID + 1 length byte

// Encode packs frames into a single cannelloni packet.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * (headerSize + 8))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of frames to w and returns
// bytes written.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var hdr [headerSize + 8]byte
	for _, f := range frames {
		binary.BigEndian.PutUint32(hdr[:4], f.CANID)
		ln := int(f.Len)
		if ln > 8 {
			ln = 8
		}
		hdr[4] = uint8(ln)
		copy(hdr[headerSize:], f.Data[:ln])
		n, err := w.Write(hdr[:headerSize+ln])
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode: %w", err)
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r. It returns io.EOF when called
// at a clean frame boundary with no more data available.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		return f, err
	}
	f.CANID = binary.BigEndian.Uint32(hdr[:4])
	if _, err := io.ReadFull(r, hdr[4:5]); err != nil {
		if errors.Is(err, io.EOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode length: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	ln := int(hdr[4] & 0x7F) // high bit reserved for future flags
	if ln > 8 {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.Len = uint8(ln)
	if ln > 0 {
		if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
			}
			return f, fmt.Errorf("cannelloni decode payload: %w", err)
		}
	}
	return f, nil
}

// DecodeN decodes up to max frames (if max>0) or until EOF (if max<=0),
// invoking onFrame for each. It returns the number of frames decoded
// and the terminal error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
