// Package dma drives one channel of the 8-channel DMA engine: it binds
// the channel to a caller-owned DPSRAM buffer (optionally split as
// ping-pong buffers A/B), selects a peripheral IRQ trigger and a
// peripheral SFR address, and exposes enable / disable / force /
// block-size / ping-pong operations.
package dma

import (
	"errors"
	"fmt"
)

// Channels is the number of engine channels.
const Channels = 8

// DMAxCON bit layout.
const (
	conCHEN  = 1 << 15
	conSIZE  = 1 << 14 // 1 = byte, 0 = word
	conDIR   = 1 << 13 // 1 = RAM to peripheral
	conHALF  = 1 << 12 // 1 = interrupt at half block
	conNULLW = 1 << 11

	conAMODEShift = 4
	conAMODEMask  = 0x3 << conAMODEShift
	conMODEMask   = 0x3
)

// DMAxREQ bit layout.
const (
	reqFORCE      = 1 << 15
	reqIRQSELMask = 0x7F
)

// Reg selects one of the per-channel SFRs exposed by the engine.
type Reg uint8

const (
	RegCON Reg = iota // DMAxCON
	RegREQ            // DMAxREQ
	RegPAD            // DMAxPAD
	RegCNT            // DMAxCNT (holds transfers-per-block minus one)
)

// Engine is the register access path to the DMA controller. The
// behavioral model in internal/hw implements it. Buffer binding
// replaces the DMAxSTA/DMAxSTB address registers: the Go rendition
// hands the engine the backing slices instead of DPSRAM offsets.
type Engine interface {
	ReadReg(ch int, r Reg) uint16
	WriteReg(ch int, r Reg, v uint16)
	BindBuffers(ch int, a, b []uint16)
	// PingPongB reports whether buffer B is the current target
	// (DMACS1 PPST bit for the channel).
	PingPongB(ch int) bool
}

// OpMode selects what happens at the end of a block.
type OpMode uint8

const (
	Continuous OpMode = iota // re-arm after each block
	OneShot                  // channel disables itself after one block
)

// Addressing selects how the DPSRAM address is formed per transfer.
type Addressing uint8

const (
	PostIncrement      Addressing = iota // register indirect, post-increment
	NoIncrement                          // register indirect, fixed
	PeripheralIndirect                   // peripheral supplies the low bits
)

// Direction of a transfer relative to memory.
type Direction uint8

const (
	FromPeripheral Direction = iota // peripheral -> DPSRAM
	ToPeripheral                    // DPSRAM -> peripheral
)

// DatumSize selects the transfer unit.
type DatumSize uint8

const (
	Word DatumSize = iota // 16 bits
	Byte
)

// InterruptOn selects when the channel raises its interrupt.
type InterruptOn uint8

const (
	Full InterruptOn = iota // after a full block
	Half                    // after half a block
)

// PingPongBuffer names which of the two buffers the channel targets.
type PingPongBuffer uint8

const (
	BufferA PingPongBuffer = iota
	BufferB
)

// IRQ is a peripheral interrupt source usable as a DMA trigger
// (DMAxREQ.IRQSEL natural values).
type IRQ uint8

const (
	IRQInt0    IRQ = 0
	IRQTimer2  IRQ = 7
	IRQTimer3  IRQ = 8
	IRQSPI1    IRQ = 10
	IRQUART1RX IRQ = 11
	IRQUART1TX IRQ = 12
	IRQADC1    IRQ = 13
	IRQUART2RX IRQ = 30
	IRQUART2TX IRQ = 31
	IRQSPI2    IRQ = 33
	IRQECAN1RX IRQ = 34
	IRQECAN2RX IRQ = 55
	IRQECAN1TX IRQ = 70
	IRQECAN2TX IRQ = 71
)

// Attrs is the immutable channel configuration applied by Init.
type Attrs struct {
	Mode        OpMode
	PingPong    bool
	Addressing  Addressing
	NullWrite   bool // write a zero back on reads (SPI-like peripherals)
	Direction   Direction
	Size        DatumSize
	Trigger     IRQ
	Peripheral  uint16 // SFR address of the peripheral data register
	BufferA     []uint16
	BufferB     []uint16 // required iff PingPong
	InterruptOn InterruptOn
}

// ErrChannel is returned when the channel index is out of range or the
// buffer attributes are inconsistent.
var ErrChannel = errors.New("dma: bad channel")

type chanState struct {
	inUse bool
	attrs Attrs
}

// Driver owns the engine-wide channel bookkeeping. Channel state is
// statically allocated; there is no heap failure mode.
type Driver struct {
	eng Engine
	ch  [Channels]chanState
}

// New binds a driver to an engine.
func New(eng Engine) *Driver { return &Driver{eng: eng} }

func (d *Driver) check(ch int) error {
	if ch < 0 || ch >= Channels {
		return fmt.Errorf("%w: channel %d", ErrChannel, ch)
	}
	if !d.ch[ch].inUse {
		return fmt.Errorf("%w: channel %d not initialized", ErrChannel, ch)
	}
	return nil
}

// Init resets the channel SFRs to defaults, applies attrs, presets the
// block count to the buffer-A size and leaves the channel disabled.
func (d *Driver) Init(ch int, attrs Attrs) error {
	if ch < 0 || ch >= Channels {
		return fmt.Errorf("%w: channel %d", ErrChannel, ch)
	}
	if len(attrs.BufferA) == 0 {
		return fmt.Errorf("%w: buffer A required", ErrChannel)
	}
	if attrs.PingPong {
		if len(attrs.BufferB) != len(attrs.BufferA) {
			return fmt.Errorf("%w: ping-pong buffers must match (A=%d B=%d)",
				ErrChannel, len(attrs.BufferA), len(attrs.BufferB))
		}
	} else if attrs.BufferB != nil {
		return fmt.Errorf("%w: buffer B set without ping-pong", ErrChannel)
	}

	d.reset(ch)

	var con uint16
	if attrs.Mode == OneShot {
		con |= 0x1
	}
	if attrs.PingPong {
		con |= 0x2
	}
	con |= uint16(attrs.Addressing) << conAMODEShift
	if attrs.NullWrite {
		con |= conNULLW
	}
	if attrs.Direction == ToPeripheral {
		con |= conDIR
	}
	if attrs.Size == Byte {
		con |= conSIZE
	}
	if attrs.InterruptOn == Half {
		con |= conHALF
	}
	d.eng.BindBuffers(ch, attrs.BufferA, attrs.BufferB)
	d.eng.WriteReg(ch, RegPAD, attrs.Peripheral)
	d.eng.WriteReg(ch, RegREQ, uint16(attrs.Trigger)&reqIRQSELMask)
	d.eng.WriteReg(ch, RegCNT, uint16(len(attrs.BufferA)-1))
	d.eng.WriteReg(ch, RegCON, con)

	d.ch[ch] = chanState{inUse: true, attrs: attrs}
	return nil
}

// Enable sets the channel-enable bit.
func (d *Driver) Enable(ch int) error {
	if err := d.check(ch); err != nil {
		return err
	}
	d.eng.WriteReg(ch, RegCON, d.eng.ReadReg(ch, RegCON)|conCHEN)
	return nil
}

// Disable clears the channel-enable bit.
func (d *Driver) Disable(ch int) error {
	if err := d.check(ch); err != nil {
		return err
	}
	d.eng.WriteReg(ch, RegCON, d.eng.ReadReg(ch, RegCON)&^uint16(conCHEN))
	return nil
}

// SetInterruptOn selects the half-block or full-block interrupt point.
func (d *Driver) SetInterruptOn(ch int, when InterruptOn) error {
	if err := d.check(ch); err != nil {
		return err
	}
	con := d.eng.ReadReg(ch, RegCON)
	if when == Half {
		con |= conHALF
	} else {
		con &^= conHALF
	}
	d.eng.WriteReg(ch, RegCON, con)
	return nil
}

// PingPongStatus reports which buffer the next block targets. It is
// BufferA whenever ping-pong is disabled.
func (d *Driver) PingPongStatus(ch int) (PingPongBuffer, error) {
	if err := d.check(ch); err != nil {
		return BufferA, err
	}
	if !d.ch[ch].attrs.PingPong {
		return BufferA, nil
	}
	if d.eng.PingPongB(ch) {
		return BufferB, nil
	}
	return BufferA, nil
}

// Force software-triggers one transfer.
func (d *Driver) Force(ch int) error {
	if err := d.check(ch); err != nil {
		return err
	}
	d.eng.WriteReg(ch, RegREQ, d.eng.ReadReg(ch, RegREQ)|reqFORCE)
	return nil
}

// SetBlockSize programs n transfers per block (register holds n-1).
// Changing the size during an active transfer is permitted; the safe
// discipline is disable, change, enable.
func (d *Driver) SetBlockSize(ch int, n int) error {
	if err := d.check(ch); err != nil {
		return err
	}
	if n <= 0 || n > len(d.ch[ch].attrs.BufferA) {
		return fmt.Errorf("%w: block size %d exceeds buffer (%d words)",
			ErrChannel, n, len(d.ch[ch].attrs.BufferA))
	}
	d.eng.WriteReg(ch, RegCNT, uint16(n-1))
	return nil
}

// BlockSize reports the programmed transfers per block.
func (d *Driver) BlockSize(ch int) (int, error) {
	if err := d.check(ch); err != nil {
		return 0, err
	}
	return int(d.eng.ReadReg(ch, RegCNT)) + 1, nil
}

// Cleanup disables the channel, restores SFR defaults and releases the
// channel slot.
func (d *Driver) Cleanup(ch int) error {
	if err := d.check(ch); err != nil {
		return err
	}
	d.reset(ch)
	d.ch[ch] = chanState{}
	return nil
}

func (d *Driver) reset(ch int) {
	d.eng.WriteReg(ch, RegCON, 0)
	d.eng.WriteReg(ch, RegREQ, 0)
	d.eng.WriteReg(ch, RegPAD, 0)
	d.eng.WriteReg(ch, RegCNT, 0)
	d.eng.BindBuffers(ch, nil, nil)
}
