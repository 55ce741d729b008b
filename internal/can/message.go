package can

import "errors"

// Header identifies a frame on the wire. With IDE clear the frame carries
// an 11-bit standard identifier and EID is ignored; with IDE set SID and
// EID together form the 29-bit extended identifier.
type Header struct {
	SID uint16 // 11-bit standard identifier
	EID uint32 // 18-bit extension, meaningful only when IDE is set
	IDE bool   // identifier extension
	RTR bool   // remote transmission request
}

// Message is one CAN 2.0B frame as seen by the controller driver.
// FilterHit names the acceptance filter that matched on receive;
// it has no meaning on transmit.
type Message struct {
	Header
	DLC       uint8 // 0..8 payload bytes
	Data      [8]byte
	FilterHit uint8 // 0..15, receive only
}

var (
	ErrBadSID = errors.New("can: SID exceeds 11 bits")
	ErrBadEID = errors.New("can: EID exceeds 18 bits")
	ErrBadDLC = errors.New("can: DLC exceeds 8")
)

// Validate checks field ranges. The driver rejects invalid messages with
// its own INPUT error; Validate is the underlying check.
func (m Message) Validate() error {
	if m.SID > 0x7FF {
		return ErrBadSID
	}
	if m.IDE && m.EID > 0x3FFFF {
		return ErrBadEID
	}
	if m.DLC > 8 {
		return ErrBadDLC
	}
	return nil
}

// ID returns the full wire identifier: 11 bits for standard frames,
// 29 bits (SID:EID) for extended ones.
func (h Header) ID() uint32 {
	if h.IDE {
		return uint32(h.SID&0x7FF)<<18 | h.EID&0x3FFFF
	}
	return uint32(h.SID & 0x7FF)
}

// Equal compares the projection that survives the wire: identifier,
// flags, DLC and the first DLC payload bytes.
func (m Message) Equal(o Message) bool {
	if m.SID != o.SID || m.IDE != o.IDE || m.RTR != o.RTR || m.DLC != o.DLC {
		return false
	}
	if m.IDE && m.EID != o.EID {
		return false
	}
	for i := uint8(0); i < m.DLC; i++ {
		if m.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}
