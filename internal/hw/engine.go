// Package hw is the behavioral model of the hardware the drivers talk
// to: an 8-channel DMA engine, a CAN bus wire, and the ECAN peripheral
// itself. The drivers only see the register interfaces; everything
// below the register surface lives here.
package hw

import (
	"sync"

	"github.com/embeddedbus/ecan/internal/dma"
)

// DMAxCON / DMAxREQ field layout, mirrored from the engine side.
const (
	conCHEN = 1 << 15
	conSIZE = 1 << 14
	conDIR  = 1 << 13
	conHALF = 1 << 12

	conAMODEShift = 4
	conAMODEMask  = 0x3 << conAMODEShift
	conPPEN       = 1 << 1
	conONESHOT    = 1 << 0

	reqFORCE      = 1 << 15
	reqIRQSELMask = 0x7F
)

// Port is a peripheral data register the engine can move words through.
// A nil Load or Store makes the port write-only or read-only.
type Port struct {
	Load  func() uint16
	Store func(uint16)
}

type dmaChannel struct {
	con, req, pad, cnt uint16
	a, b               []uint16
	ptr                int
	ppstB              bool
}

// Engine models the DMA controller. It implements dma.Engine for the
// driver and exposes Trigger for peripherals that raise transfer
// requests. Buffer binding stands in for the DMAxSTA/STB address
// registers.
type Engine struct {
	mu    sync.Mutex
	ch    [dma.Channels]dmaChannel
	ports map[uint16]Port

	// OnBlock, when set, is called after each completed block with the
	// channel index and the buffer the block used. Set before wiring
	// any peripheral; it runs with the engine lock held.
	OnBlock func(ch int, buf dma.PingPongBuffer)
}

// NewEngine returns an engine with all channels at reset.
func NewEngine() *Engine {
	return &Engine{ports: make(map[uint16]Port)}
}

// RegisterPort attaches a peripheral data register at SFR address pad.
func (e *Engine) RegisterPort(pad uint16, p Port) {
	e.mu.Lock()
	e.ports[pad] = p
	e.mu.Unlock()
}

// ReadReg implements dma.Engine.
func (e *Engine) ReadReg(ch int, r dma.Reg) uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.reg(ch, r)
}

// WriteReg implements dma.Engine. Setting the FORCE bit performs one
// software-triggered transfer and leaves the bit clear.
func (e *Engine) WriteReg(ch int, r dma.Reg, v uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r == dma.RegREQ && v&reqFORCE != 0 {
		*e.reg(ch, r) = v &^ uint16(reqFORCE)
		e.forceOne(ch)
		return
	}
	*e.reg(ch, r) = v
}

func (e *Engine) reg(ch int, r dma.Reg) *uint16 {
	c := &e.ch[ch]
	switch r {
	case dma.RegCON:
		return &c.con
	case dma.RegREQ:
		return &c.req
	case dma.RegPAD:
		return &c.pad
	default:
		return &c.cnt
	}
}

// BindBuffers implements dma.Engine.
func (e *Engine) BindBuffers(ch int, a, b []uint16) {
	e.mu.Lock()
	e.ch[ch].a, e.ch[ch].b = a, b
	e.ch[ch].ptr = 0
	e.ch[ch].ppstB = false
	e.mu.Unlock()
}

// PingPongB implements dma.Engine (DMACS1.PPST).
func (e *Engine) PingPongB(ch int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch[ch].ppstB
}

// Trigger raises peripheral interrupt irq. Every enabled channel whose
// IRQSEL matches moves one block through the port registered at its
// PAD address; off is the word offset the peripheral supplies in
// peripheral-indirect mode. It reports whether any channel fired.
func (e *Engine) Trigger(irq dma.IRQ, off int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	fired := false
	for i := range e.ch {
		c := &e.ch[i]
		if c.con&conCHEN == 0 || c.req&reqIRQSELMask != uint16(irq) {
			continue
		}
		p, ok := e.ports[c.pad]
		if !ok {
			continue
		}
		if e.moveBlock(i, c, p, off) {
			fired = true
		}
	}
	return fired
}

func (e *Engine) moveBlock(idx int, c *dmaChannel, p Port, off int) bool {
	buf := c.a
	which := dma.BufferA
	if c.con&conPPEN != 0 && c.ppstB {
		buf = c.b
		which = dma.BufferB
	}
	if len(buf) == 0 {
		return false
	}
	n := int(c.cnt) + 1
	base := 0
	switch c.con & conAMODEMask >> conAMODEShift {
	case uint16(dma.PeripheralIndirect):
		base = off
	case uint16(dma.PostIncrement):
		base = c.ptr
	case uint16(dma.NoIncrement):
		base = c.ptr
		n = 1
	}
	if base < 0 || base+n > len(buf) {
		return false
	}
	if c.con&conDIR != 0 {
		if p.Store == nil {
			return false
		}
		for i := 0; i < n; i++ {
			p.Store(buf[base+i])
		}
	} else {
		if p.Load == nil {
			return false
		}
		for i := 0; i < n; i++ {
			buf[base+i] = p.Load()
		}
	}
	if c.con&conAMODEMask>>conAMODEShift == uint16(dma.PostIncrement) {
		c.ptr += n
		if c.ptr >= len(buf) {
			c.ptr = 0
		}
	}
	if c.con&conPPEN != 0 {
		c.ppstB = !c.ppstB
	}
	if c.con&conONESHOT != 0 {
		c.con &^= conCHEN
	}
	if e.OnBlock != nil {
		e.OnBlock(idx, which)
	}
	return true
}

// forceOne performs the single transfer a FORCE write requests.
func (e *Engine) forceOne(ch int) {
	c := &e.ch[ch]
	if c.con&conCHEN == 0 {
		return
	}
	p, ok := e.ports[c.pad]
	if !ok {
		return
	}
	buf := c.a
	if c.con&conPPEN != 0 && c.ppstB {
		buf = c.b
	}
	if c.ptr >= len(buf) {
		return
	}
	if c.con&conDIR != 0 {
		if p.Store != nil {
			p.Store(buf[c.ptr])
		}
	} else if p.Load != nil {
		buf[c.ptr] = p.Load()
	}
	if c.con&conAMODEMask>>conAMODEShift == uint16(dma.PostIncrement) {
		c.ptr++
		if c.ptr >= len(buf) {
			c.ptr = 0
		}
	}
}
