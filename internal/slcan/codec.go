// Package slcan implements the Lawicel SLCAN ASCII serial protocol used
// by USB CAN dongles (CANUSB, CANable and friends). Frames and commands
// are single ASCII lines terminated by CR (0x0D).
package slcan

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/embeddedbus/ecan/internal/can"
	"github.com/embeddedbus/ecan/internal/metrics"
)

type Codec struct{}

const (
	cr   = 0x0D
	bell = 0x07 // adapter NAK / unknown command
)

// ErrBadBitrate is returned by SpeedCode for rates the protocol cannot express.
var ErrBadBitrate = errors.New("slcan: unsupported bitrate")

// SpeedCode maps a bitrate in bit/s to the Sn setup command byte.
func SpeedCode(bitrate int) (byte, error) {
	switch bitrate {
	case 10_000:
		return '0', nil
	case 20_000:
		return '1', nil
	case 50_000:
		return '2', nil
	case 100_000:
		return '3', nil
	case 125_000:
		return '4', nil
	case 250_000:
		return '5', nil
	case 500_000:
		return '6', nil
	case 800_000:
		return '7', nil
	case 1_000_000:
		return '8', nil
	}
	return 0, fmt.Errorf("%w: %d", ErrBadBitrate, bitrate)
}

const hexdigits = "0123456789ABCDEF"

// Encode renders one frame as an SLCAN line:
//
//	t123 4 DEADBEEF CR    standard data frame (spaces for clarity only)
//	T1FFFFFFF 8 ... CR    extended data frame
//	r123 0 CR / R... CR   remote frames
func (Codec) Encode(f can.Frame) []byte {
	ext := f.CANID&can.CAN_EFF_FLAG != 0
	rtr := f.CANID&can.CAN_RTR_FLAG != 0
	ln := int(f.Len)
	if ln > 8 {
		ln = 8
	}

	var cmd byte
	var idDigits int
	var id uint32
	switch {
	case ext && rtr:
		cmd, idDigits, id = 'R', 8, f.CANID&can.CAN_EFF_MASK
	case ext:
		cmd, idDigits, id = 'T', 8, f.CANID&can.CAN_EFF_MASK
	case rtr:
		cmd, idDigits, id = 'r', 3, f.CANID&can.CAN_SFF_MASK
	default:
		cmd, idDigits, id = 't', 3, f.CANID&can.CAN_SFF_MASK
	}

	out := make([]byte, 0, 1+idDigits+1+2*ln+1)
	out = append(out, cmd)
	for i := idDigits - 1; i >= 0; i-- {
		out = append(out, hexdigits[(id>>(4*i))&0xF])
	}
	out = append(out, hexdigits[ln])
	if !rtr {
		for _, b := range f.Data[:ln] {
			out = append(out, hexdigits[b>>4], hexdigits[b&0xF])
		}
	}
	return append(out, cr)
}

// DecodeStream consumes complete CR-terminated lines from in and emits
// decoded frames via out. Partial lines stay buffered for the next read;
// status lines ('F'), command acks (bare CR, 'z', 'Z') and bells are
// swallowed. It never returns an error for malformed input, only counts it.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	for {
		data := in.Bytes()
		_ = CompactBuffer(in)
		if len(data) == 0 {
			return nil
		}
		// Bells are not CR-terminated; strip them before line framing.
		if data[0] == bell {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		i := bytes.IndexByte(data, cr)
		if i < 0 {
			return nil
		}
		line := data[:i]
		if f, ok := decodeLine(line); ok {
			out(f)
			metrics.IncBackendRx(metrics.BackendSLCAN)
		}
		in.Next(i + 1)
	}
}

func decodeLine(line []byte) (can.Frame, bool) {
	var f can.Frame
	if len(line) == 0 {
		return f, false // bare CR command ack
	}
	var ext, rtr bool
	switch line[0] {
	case 't':
	case 'T':
		ext = true
	case 'r':
		rtr = true
	case 'R':
		ext, rtr = true, true
	case 'z', 'Z', 'F', 'V', 'N':
		return f, false // acks, status and version replies
	default:
		metrics.IncMalformed()
		return f, false
	}

	idDigits := 3
	if ext {
		idDigits = 8
	}
	if len(line) < 1+idDigits+1 {
		metrics.IncMalformed()
		return f, false
	}
	id, ok := parseHex(line[1 : 1+idDigits])
	if !ok {
		metrics.IncMalformed()
		return f, false
	}
	dlc := int(line[1+idDigits] - '0')
	if dlc < 0 || dlc > 8 {
		metrics.IncMalformed()
		return f, false
	}

	f.CANID = id
	if ext {
		f.CANID = (id & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG
	}
	if rtr {
		f.CANID |= can.CAN_RTR_FLAG
	}
	f.Len = uint8(dlc)
	if rtr {
		return f, true // remote frames carry no payload bytes
	}
	if len(line) < 1+idDigits+1+2*dlc {
		metrics.IncMalformed()
		return f, false
	}
	for i := 0; i < dlc; i++ {
		b, ok := parseHex(line[1+idDigits+1+2*i : 1+idDigits+1+2*i+2])
		if !ok {
			metrics.IncMalformed()
			return f, false
		}
		f.Data[i] = byte(b)
	}
	return f, true
}

func parseHex(s []byte) (uint32, bool) {
	var v uint32
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			v = v<<4 | uint32(c-'0')
		case c >= 'A' && c <= 'F':
			v = v<<4 | uint32(c-'A'+10)
		case c >= 'a' && c <= 'f':
			v = v<<4 | uint32(c-'a'+10)
		default:
			return 0, false
		}
	}
	return v, true
}

// CompactBuffer reclaims consumed prefix capacity when the accumulation
// buffer grows large relative to its unread bytes. Returns true if it
// compacted. Thresholds chosen to avoid excessive copying.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}
