package ecan

import "github.com/embeddedbus/ecan/internal/can"

// Slot is the fixed 8-word message record exchanged with the peripheral
// through DPSRAM. The layout is the wire protocol between CPU and DMA
// engine:
//
//	word 0  [12:2]=SID  [1]=SRR/RTR(std)  [0]=IDE
//	word 1  [11:0]=EID[17:6]
//	word 2  [15:10]=EID[5:0]  [9]=RTR(ext)  [3:0]=DLC
//	word 3..6  data bytes, little-endian pairs
//	word 7  [12:8]=FILHIT (receive only)
type Slot [8]uint16

// DPSRAM is the caller-owned dual-port message RAM. Slot i occupies
// words [i*8 .. i*8+7]; the word count fixes how many slots exist.
type DPSRAM []uint16

// NewDPSRAM allocates message RAM for n slots.
func NewDPSRAM(n int) DPSRAM { return make(DPSRAM, n*8) }

// Slots reports how many whole slots the RAM backs.
func (d DPSRAM) Slots() int { return len(d) / 8 }

// Slot returns the word window of slot i. The caller must check i
// against Slots() first.
func (d DPSRAM) Slot(i int) []uint16 { return d[i*8 : i*8+8] }

// Words exposes the flat word view handed to the DMA channels.
func (d DPSRAM) Words() []uint16 { return d }

// EncodeSlot serializes a message into the 8-word slot format.
// FilterHit is not encoded; word 7 is hardware territory.
func EncodeSlot(m can.Message) Slot {
	var s Slot
	s[0] = uint16(m.SID&0x7FF) << 2
	if m.IDE {
		s[0] |= 1 << 0
		// SRR must be set for extended frames.
		s[0] |= 1 << 1
		s[1] = uint16(m.EID>>6) & 0x0FFF
		s[2] = uint16(m.EID&0x3F) << 10
		if m.RTR {
			s[2] |= 1 << 9
		}
	} else if m.RTR {
		s[0] |= 1 << 1
	}
	s[2] |= uint16(m.DLC & 0x0F)
	for i := 0; i < 8; i += 2 {
		s[3+i/2] = uint16(m.Data[i]) | uint16(m.Data[i+1])<<8
	}
	return s
}

// DecodeSlot is the inverse of EncodeSlot, additionally recovering the
// filter-hit index from word 7.
func DecodeSlot(s Slot) can.Message {
	var m can.Message
	m.SID = (s[0] >> 2) & 0x7FF
	m.IDE = s[0]&1 != 0
	if m.IDE {
		m.EID = uint32(s[1]&0x0FFF)<<6 | uint32(s[2]>>10)&0x3F
		m.RTR = s[2]&(1<<9) != 0
	} else {
		m.RTR = s[0]&(1<<1) != 0
	}
	m.DLC = uint8(s[2] & 0x0F)
	if m.DLC > 8 {
		m.DLC = 8
	}
	for i := 0; i < 8; i += 2 {
		w := s[3+i/2]
		m.Data[i] = byte(w)
		m.Data[i+1] = byte(w >> 8)
	}
	m.FilterHit = uint8(s[7]>>8) & 0x1F
	return m
}
