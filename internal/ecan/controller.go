// Package ecan drives one ECAN (CAN 2.0B) peripheral instance: 32
// message buffers in DPSRAM, 16 acceptance filters under 3 masks, a
// hardware receive FIFO and DMA-backed transmit/receive paths.
//
// The driver owns its peripheral's SFR set, two DMA channels and the
// caller-supplied DPSRAM region. All public operations return tagged
// errors (ErrObject, ErrInput, ErrWrite, ErrAgain, ErrAssert);
// recoverable bus conditions are surfaced by Status, never as errors.
package ecan

import (
	"fmt"
	"sync"

	"github.com/embeddedbus/ecan/internal/can"
	"github.com/embeddedbus/ecan/internal/dma"
	"github.com/embeddedbus/ecan/internal/logging"
)

// Capacity of one peripheral instance.
const (
	Buffers   = 32 // B0..B31
	TXBuffers = 8  // only B0..B7 can transmit
	Filters   = 16 // F0..F15
	Masks     = 3  // M0..M2
)

// BufFIFO is the symbolic FIFO target. It is the 0x0F wire value of the
// buffer-pointer field and doubles as the buffer index for Read/Peek/
// IsEmpty on the FIFO head.
const BufFIFO = 0x0F

// Filter index sentinels accepted by AssignMask.
const (
	FilterAll  = 0x10 // broadcast to F0..F15
	FilterNone = 0x11 // no-op
)

// Instance names one hardware ECAN module: its SFR base address and the
// DMA trigger IRQs it raises.
type Instance struct {
	Name  string
	Base  uint16
	RXIRQ dma.IRQ
	TXIRQ dma.IRQ
}

// The two ECAN instances of the dsPIC33F family.
var (
	C1 = Instance{Name: "C1", Base: 0x0400, RXIRQ: dma.IRQECAN1RX, TXIRQ: dma.IRQECAN1TX}
	C2 = Instance{Name: "C2", Base: 0x0500, RXIRQ: dma.IRQECAN2RX, TXIRQ: dma.IRQECAN2TX}
)

// Seg2Mode selects how phase segment 2 is derived.
type Seg2Mode uint8

const (
	Seg2Auto         Seg2Mode = iota // max(SEG1PH, IPT)
	Seg2Programmable                 // use BitTiming.SEG2PH
)

// BitTiming carries the raw timing fields, applied verbatim to the
// CiCFG registers. Quanta bookkeeping (1 + PRSEG+1 + SEG1PH+1 +
// max(SEG2PH+1, IPT) per bit) is the caller's responsibility.
type BitTiming struct {
	BRP          uint8 // baud rate prescaler, 6 bits
	SJW          uint8 // synchronization jump width, 2 bits
	PRSEG        uint8 // propagation segment, 3 bits
	SEG1PH       uint8 // phase segment 1, 3 bits
	Seg2         Seg2Mode
	SEG2PH       uint8 // phase segment 2, 3 bits, when programmable
	TripleSample bool  // three samples per bit instead of one
}

// Config is the immutable controller configuration applied by Init.
type Config struct {
	Timing    BitTiming
	Buffer    DPSRAM  // message RAM; its size fixes how many slots exist
	TX        [8]bool // direction of B0..B7, true = transmit
	FIFOStart int     // first FIFO slot, 0..28
	FIFOLen   int     // one of 4, 6, 8, 12, 16, 24, 32
	TXChannel int     // DMA channel moving slots to the peripheral
	RXChannel int     // DMA channel moving received slots to DPSRAM
}

// Handlers receive interrupt dispatch from ServiceISR. Nil fields are
// skipped. Handlers run in the caller's context; keep them short.
type Handlers struct {
	OnRX       func() // a receive buffer was marked full
	OnTX       func() // a transmission completed
	OnOverflow func() // a receive buffer overflowed
	OnError    func() // bus error state changed
}

// Controller owns one ECAN instance. It is created by Init and torn
// down by Cleanup; at most one live Controller exists per Instance.
type Controller struct {
	mu       sync.Mutex
	regs     Regs
	inst     Instance
	dmad     *dma.Driver
	cfg      Config
	handlers Handlers
	inited   bool
}

// spinBudget bounds the busy-waits on OPMODE and TXREQ. The waits are
// a few bit times on hardware; exhausting the budget means the
// peripheral is faulted.
const spinBudget = 1 << 16

// Init brings the peripheral to a known state and configures it:
// CONFIGURATION mode, SFR defaults, bit timing, both DMA channels
// bound to the DPSRAM region, FIFO start/length, B0..B7 directions,
// then DISABLE mode.
func Init(regs Regs, dmad *dma.Driver, inst Instance, cfg Config) (*Controller, error) {
	if regs == nil || dmad == nil {
		return nil, fmt.Errorf("%w: nil peripheral access", ErrObject)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if !regs.Claim() {
		return nil, fmt.Errorf("%w: instance %s already owned", ErrObject, inst.Name)
	}
	c := &Controller{regs: regs, inst: inst, dmad: dmad, cfg: cfg}

	if err := c.requestMode(ModeConfig); err != nil {
		regs.Release()
		return nil, err
	}
	c.writeDefaults()

	c.applyTiming(cfg.Timing)

	rx := dma.Attrs{
		Mode:       dma.Continuous,
		Addressing: dma.PeripheralIndirect,
		Direction:  dma.FromPeripheral,
		Size:       dma.Word,
		Trigger:    inst.RXIRQ,
		Peripheral: inst.Base + CiRXD,
		BufferA:    cfg.Buffer.Words(),
	}
	if err := dmad.Init(cfg.RXChannel, rx); err != nil {
		regs.Release()
		return nil, fmt.Errorf("%w: rx dma: %v", ErrInput, err)
	}
	tx := dma.Attrs{
		Mode:       dma.Continuous,
		Addressing: dma.PeripheralIndirect,
		Direction:  dma.ToPeripheral,
		Size:       dma.Word,
		Trigger:    inst.TXIRQ,
		Peripheral: inst.Base + CiTXD,
		BufferA:    cfg.Buffer.Words(),
	}
	if err := dmad.Init(cfg.TXChannel, tx); err != nil {
		_ = dmad.Cleanup(cfg.RXChannel)
		regs.Release()
		return nil, fmt.Errorf("%w: tx dma: %v", ErrInput, err)
	}
	// One CAN slot per DMA block.
	_ = dmad.SetBlockSize(cfg.RXChannel, 8)
	_ = dmad.SetBlockSize(cfg.TXChannel, 8)
	_ = dmad.Enable(cfg.RXChannel)
	_ = dmad.Enable(cfg.TXChannel)

	code, _ := FIFOLenCode(cfg.FIFOLen)
	c.regs.Write(CiFCTRL, uint16(cfg.FIFOStart)&FctrlFSAMask|code<<FctrlDMABSShift)

	for b := 0; b < TXBuffers; b++ {
		if cfg.TX[b] {
			c.updateTRNibble(b, func(v uint16) uint16 { return v | TrTXEN })
		}
	}

	if err := c.requestMode(ModeDisable); err != nil {
		_ = dmad.Cleanup(cfg.RXChannel)
		_ = dmad.Cleanup(cfg.TXChannel)
		regs.Release()
		return nil, err
	}
	c.inited = true
	logging.L().Debug("ecan_init", "instance", inst.Name,
		"slots", cfg.Buffer.Slots(), "fifo_start", cfg.FIFOStart, "fifo_len", cfg.FIFOLen)
	return c, nil
}

func validateConfig(cfg Config) error {
	if len(cfg.Buffer) == 0 || len(cfg.Buffer)%8 != 0 {
		return fmt.Errorf("%w: DPSRAM must be a whole number of 8-word slots", ErrInput)
	}
	if _, ok := FIFOLenCode(cfg.FIFOLen); !ok {
		return fmt.Errorf("%w: FIFO length %d not in {4,6,8,12,16,24,32}", ErrInput, cfg.FIFOLen)
	}
	if cfg.FIFOStart < 0 || cfg.FIFOStart > 28 {
		return fmt.Errorf("%w: FIFO start %d out of range", ErrInput, cfg.FIFOStart)
	}
	if cfg.FIFOStart+cfg.FIFOLen > cfg.Buffer.Slots() {
		return fmt.Errorf("%w: FIFO [%d,%d) exceeds DPSRAM (%d slots)",
			ErrInput, cfg.FIFOStart, cfg.FIFOStart+cfg.FIFOLen, cfg.Buffer.Slots())
	}
	for b := 0; b < TXBuffers; b++ {
		if cfg.TX[b] && b >= cfg.FIFOStart && b < cfg.FIFOStart+cfg.FIFOLen {
			return fmt.Errorf("%w: TX buffer %d lies inside the FIFO region", ErrInput, b)
		}
	}
	if cfg.TXChannel == cfg.RXChannel {
		return fmt.Errorf("%w: TX and RX must use distinct DMA channels", ErrInput)
	}
	return nil
}

// writeDefaults restores every SFR to its documented reset value, then
// disables all filters (the FEN1 reset value has them enabled).
func (c *Controller) writeDefaults() {
	for off, v := range ResetValues {
		c.regs.Write(off, v)
	}
	c.regs.Write(CiFEN1, 0)
	c.filterWindow(func() {
		for f := 0; f < Filters; f++ {
			c.regs.Write(FilterSIDReg(f), 0)
			c.regs.Write(FilterEIDReg(f), 0)
		}
		for m := 0; m < Masks; m++ {
			c.regs.Write(MaskSIDReg(m), 0)
			c.regs.Write(MaskEIDReg(m), 0)
		}
		for r := 0; r < 4; r++ {
			c.regs.Write(CiBUFPNT1+uint16(r)*2, 0)
		}
	})
	c.regs.Write(CiRXFUL1, 0)
	c.regs.Write(CiRXFUL2, 0)
	c.regs.Write(CiRXOVF1, 0)
	c.regs.Write(CiRXOVF2, 0)
	for r := 0; r < 4; r++ {
		c.regs.Write(CiTR01CON+uint16(r)*2, 0)
	}
}

func (c *Controller) applyTiming(t BitTiming) {
	c.regs.Write(CiCFG1, uint16(t.BRP)&Cfg1BRPMask|uint16(t.SJW&0x3)<<Cfg1SJWShift)
	cfg2 := uint16(t.PRSEG) & Cfg2PRSEGMask
	cfg2 |= uint16(t.SEG1PH&0x7) << Cfg2SEG1PHShift
	if t.TripleSample {
		cfg2 |= Cfg2SAM
	}
	if t.Seg2 == Seg2Programmable {
		cfg2 |= Cfg2SEG2PHTS
		cfg2 |= uint16(t.SEG2PH&0x7) << Cfg2SEG2PHShift
	}
	c.regs.Write(CiCFG2, cfg2)
}

// filterWindow runs fn with the filter register bank selected, then
// restores the buffer window. fn must not call back out of the driver.
func (c *Controller) filterWindow(fn func()) {
	ctrl := c.regs.Read(CiCTRL1)
	c.regs.Write(CiCTRL1, ctrl|CtrlWIN)
	fn()
	c.regs.Write(CiCTRL1, ctrl&^uint16(CtrlWIN))
}

// requestMode writes REQOP and busy-waits until OPMODE reflects it.
func (c *Controller) requestMode(m OpMode) error {
	ctrl := c.regs.Read(CiCTRL1) &^ uint16(ReqopMask)
	c.regs.Write(CiCTRL1, ctrl|uint16(m)<<ReqopShift)
	for i := 0; i < spinBudget; i++ {
		if OpMode(c.regs.Read(CiCTRL1)&OpmodeMask>>OpmodeShift) == m {
			return nil
		}
	}
	return fmt.Errorf("%w: OPMODE did not reach %s", ErrAssert, m)
}

func (c *Controller) mode() OpMode {
	return OpMode(c.regs.Read(CiCTRL1) & OpmodeMask >> OpmodeShift)
}

// configSession enters CONFIGURATION, runs fn, then restores the prior
// mode. Configuration writes are only legal in that mode.
func (c *Controller) configSession(fn func()) error {
	prev := c.mode()
	if prev != ModeConfig {
		if err := c.requestMode(ModeConfig); err != nil {
			return err
		}
	}
	fn()
	if prev != ModeConfig {
		return c.requestMode(prev)
	}
	return nil
}

func (c *Controller) checkInited() error {
	if c == nil || !c.inited {
		return fmt.Errorf("%w: controller not initialized", ErrObject)
	}
	return nil
}

// SetMode requests an operation mode and blocks until the hardware
// reflects it. Requesting NORMAL while the peripheral is bus-off does
// not complete until bus-off clears.
func (c *Controller) SetMode(m OpMode) error {
	if err := c.checkInited(); err != nil {
		return err
	}
	switch m {
	case ModeNormal, ModeDisable, ModeLoopback, ModeListenOnly, ModeConfig, ModeListenAll:
	default:
		return fmt.Errorf("%w: mode %d", ErrInput, m)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestMode(m)
}

// Mode reports the current operation mode.
func (c *Controller) Mode() OpMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode()
}

// SetMask writes mask idx with the compare value from hdr; the MIDE bit
// is taken from hdr.IDE.
func (c *Controller) SetMask(idx int, hdr can.Header) error {
	if err := c.checkInited(); err != nil {
		return err
	}
	if idx < 0 || idx >= Masks {
		return fmt.Errorf("%w: mask %d", ErrInput, idx)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configSession(func() {
		c.filterWindow(func() {
			sid := uint16(hdr.SID&0x7FF) << SidShift
			sid |= uint16(hdr.EID>>16) & SidEIDHiMask
			if hdr.IDE {
				sid |= SidMIDE
			}
			c.regs.Write(MaskSIDReg(idx), sid)
			c.regs.Write(MaskEIDReg(idx), uint16(hdr.EID))
		})
	})
}

// AssignMask points filter f (or every filter, for FilterAll) at mask
// idx. FilterNone is ignored.
func (c *Controller) AssignMask(idx, f int) error {
	if err := c.checkInited(); err != nil {
		return err
	}
	if idx < 0 || idx >= Masks {
		return fmt.Errorf("%w: mask %d", ErrInput, idx)
	}
	if f == FilterNone {
		return nil
	}
	if f != FilterAll && (f < 0 || f >= Filters) {
		return fmt.Errorf("%w: filter %d", ErrInput, f)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configSession(func() {
		first, last := f, f
		if f == FilterAll {
			first, last = 0, Filters-1
		}
		for n := first; n <= last; n++ {
			reg := FMskSelReg(n)
			shift := uint(n%8) * 2
			v := c.regs.Read(reg) &^ (0x3 << shift)
			c.regs.Write(reg, v|uint16(idx)<<shift)
		}
	})
}

// SetFilter writes filter f's SID/IDE/EID match value.
func (c *Controller) SetFilter(f int, hdr can.Header) error {
	if err := c.checkInited(); err != nil {
		return err
	}
	if f < 0 || f >= Filters {
		return fmt.Errorf("%w: filter %d", ErrInput, f)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configSession(func() {
		c.filterWindow(func() {
			sid := uint16(hdr.SID&0x7FF) << SidShift
			sid |= uint16(hdr.EID>>16) & SidEIDHiMask
			if hdr.IDE {
				sid |= SidEXIDE
			}
			c.regs.Write(FilterSIDReg(f), sid)
			c.regs.Write(FilterEIDReg(f), uint16(hdr.EID))
		})
	})
}

// Connect sets filter f's buffer pointer to buf (a receive buffer
// 0..14, or BufFIFO for the FIFO region) and enables the filter.
func (c *Controller) Connect(f, buf int) error {
	if err := c.checkInited(); err != nil {
		return err
	}
	if f < 0 || f >= Filters {
		return fmt.Errorf("%w: filter %d", ErrInput, f)
	}
	if buf != BufFIFO {
		if buf < 0 || buf > 14 {
			return fmt.Errorf("%w: buffer pointer %d", ErrInput, buf)
		}
		if !c.bufferExists(buf) {
			return fmt.Errorf("%w: buffer %d beyond DPSRAM", ErrInput, buf)
		}
		if c.direction(buf) == DirTX {
			return fmt.Errorf("%w: buffer %d is transmit", ErrInput, buf)
		}
		if buf >= c.cfg.FIFOStart && buf < c.cfg.FIFOStart+c.cfg.FIFOLen {
			return fmt.Errorf("%w: buffer %d lies inside the FIFO region", ErrInput, buf)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configSession(func() {
		c.filterWindow(func() {
			reg := BufPntReg(f)
			shift := uint(f%4) * 4
			v := c.regs.Read(reg) &^ (0xF << shift)
			c.regs.Write(reg, v|uint16(buf&0xF)<<shift)
		})
		c.regs.Write(CiFEN1, c.regs.Read(CiFEN1)|1<<uint(f))
	})
}

// Disconnect disables filter f. Legal in any mode.
func (c *Controller) Disconnect(f int) error {
	if err := c.checkInited(); err != nil {
		return err
	}
	if f < 0 || f >= Filters {
		return fmt.Errorf("%w: filter %d", ErrInput, f)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs.Write(CiFEN1, c.regs.Read(CiFEN1)&^(1<<uint(f)))
	return nil
}

// Write serializes m into buffer buf's DPSRAM slot, sets the 2-bit
// priority and finally TXREQ. It returns once the frame is queued, not
// once it is transmitted.
func (c *Controller) Write(buf int, m can.Message, priority uint8) error {
	if err := c.checkInited(); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInput, err)
	}
	if priority > 3 {
		return fmt.Errorf("%w: priority %d", ErrInput, priority)
	}
	if buf < 0 || buf >= TXBuffers {
		return fmt.Errorf("%w: buffer %d not a TX-capable buffer", ErrInput, buf)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.bufferExists(buf) {
		return fmt.Errorf("%w: buffer %d beyond DPSRAM", ErrWrite, buf)
	}
	if c.direction(buf) != DirTX {
		return fmt.Errorf("%w: buffer %d is receive", ErrWrite, buf)
	}
	switch c.mode() {
	case ModeNormal, ModeLoopback:
	default:
		return fmt.Errorf("%w: module in %s mode", ErrInput, c.mode())
	}
	if c.trNibble(buf)&TrTXREQ != 0 {
		return fmt.Errorf("%w: buffer %d still pending", ErrAgain, buf)
	}
	// The slot belongs to the CPU while TXREQ is clear.
	enc := EncodeSlot(m)
	copy(c.cfg.Buffer.Slot(buf), enc[:])
	c.updateTRNibble(buf, func(v uint16) uint16 {
		return v&^uint16(TrPriMask|TrTXERR|TrTXLARB|TrTXABT) | uint16(priority)
	})
	c.updateTRNibble(buf, func(v uint16) uint16 { return v | TrTXREQ })
	return nil
}

// AbortWrite cancels a pending transmission on buf. It reports whether
// a queued frame was actually aborted (false if the buffer was empty or
// the frame won arbitration before the abort took effect).
func (c *Controller) AbortWrite(buf int) (bool, error) {
	if err := c.checkInited(); err != nil {
		return false, err
	}
	if buf < 0 || buf >= TXBuffers {
		return false, fmt.Errorf("%w: buffer %d not a TX-capable buffer", ErrInput, buf)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.direction(buf) != DirTX {
		return false, fmt.Errorf("%w: buffer %d is receive", ErrInput, buf)
	}
	if c.trNibble(buf)&TrTXREQ == 0 {
		return false, nil
	}
	c.updateTRNibble(buf, func(v uint16) uint16 { return v &^ uint16(TrTXREQ) })
	for i := 0; i < spinBudget; i++ {
		if c.trNibble(buf)&TrTXREQ == 0 {
			aborted := c.trNibble(buf)&TrTXABT != 0
			c.updateTRNibble(buf, func(v uint16) uint16 { return v &^ uint16(TrTXABT) })
			return aborted, nil
		}
	}
	return false, fmt.Errorf("%w: abort of buffer %d did not settle", ErrAssert, buf)
}

// Read decodes the slot of buf (or the FIFO head, for BufFIFO) into m
// and releases the buffer by clearing RXFUL. It reports whether a
// message was available; m is untouched when it was not.
func (c *Controller) Read(buf int, m *can.Message) (bool, error) {
	return c.fetch(buf, m, true)
}

// Peek is Read without consuming: RXFUL stays set.
func (c *Controller) Peek(buf int, m *can.Message) (bool, error) {
	return c.fetch(buf, m, false)
}

func (c *Controller) fetch(buf int, m *can.Message, consume bool) (bool, error) {
	if err := c.checkInited(); err != nil {
		return false, err
	}
	if m == nil {
		return false, fmt.Errorf("%w: nil message", ErrInput)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := buf
	if buf == BufFIFO {
		idx = int(c.regs.Read(CiFIFO) & FifoFNRBMask)
	} else {
		if buf < 0 || buf >= Buffers {
			return false, fmt.Errorf("%w: buffer %d", ErrInput, buf)
		}
		if c.direction(buf) == DirTX {
			return false, fmt.Errorf("%w: buffer %d is transmit", ErrInput, buf)
		}
	}
	if !c.bufferExists(idx) {
		return false, fmt.Errorf("%w: buffer %d beyond DPSRAM", ErrInput, idx)
	}
	if !c.rxFull(idx) {
		return false, nil
	}
	var s Slot
	copy(s[:], c.cfg.Buffer.Slot(idx))
	*m = DecodeSlot(s)
	if consume {
		c.clearRXFul(idx)
	}
	return true, nil
}

// IsEmpty reports whether buf holds no work: TXREQ clear for a TX
// buffer, RXFUL clear for a receive buffer, or an empty FIFO head for
// BufFIFO.
func (c *Controller) IsEmpty(buf int) (bool, error) {
	if err := c.checkInited(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if buf == BufFIFO {
		idx := int(c.regs.Read(CiFIFO) & FifoFNRBMask)
		return !c.rxFull(idx), nil
	}
	if buf < 0 || buf >= Buffers {
		return false, fmt.Errorf("%w: buffer %d", ErrInput, buf)
	}
	if !c.bufferExists(buf) {
		return false, fmt.Errorf("%w: buffer %d beyond DPSRAM", ErrInput, buf)
	}
	if c.direction(buf) == DirTX {
		return c.trNibble(buf)&TrTXREQ == 0, nil
	}
	return !c.rxFull(buf), nil
}

// BufferExists reports whether buf's slot falls inside the DPSRAM
// region.
func (c *Controller) BufferExists(buf int) bool {
	if c == nil || !c.inited {
		return false
	}
	if buf == BufFIFO {
		return c.cfg.FIFOStart+c.cfg.FIFOLen <= c.cfg.Buffer.Slots()
	}
	if buf < 0 || buf >= Buffers {
		return false
	}
	return c.bufferExists(buf)
}

// Direction of one buffer.
type Direction uint8

const (
	DirRX Direction = iota
	DirTX
)

// GetDirection reports buf's configured direction; everything outside
// B0..B7 is receive.
func (c *Controller) GetDirection(buf int) Direction {
	if c == nil || !c.inited {
		return DirRX
	}
	return c.direction(buf)
}

// SetHandlers installs the interrupt dispatch table used by ServiceISR
// and programs CiINTE accordingly: each event with a handler has its
// interrupt enabled, everything else stays masked.
func (c *Controller) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	var inte uint16
	if h.OnRX != nil {
		inte |= IntRB | IntFIFO
	}
	if h.OnTX != nil {
		inte |= IntTB
	}
	if h.OnOverflow != nil {
		inte |= IntRBOV
	}
	if h.OnError != nil {
		inte |= IntERR
	}
	c.regs.Write(CiINTE, inte)
	c.mu.Unlock()
}

// ServiceISR is the interrupt entry point: the platform's vectored
// dispatcher (or the behavioral model's IRQ line) calls it. It
// dispatches to the installed handlers and acknowledges the flags it
// handled. Not re-entrant per controller.
func (c *Controller) ServiceISR() {
	if c == nil || !c.inited {
		return
	}
	c.mu.Lock()
	intf := c.regs.Read(CiINTF)
	h := c.handlers
	var ack uint16
	if intf&IntRB != 0 || intf&IntFIFO != 0 {
		ack |= intf & (IntRB | IntFIFO)
	}
	if intf&IntTB != 0 {
		ack |= IntTB
	}
	if intf&IntRBOV != 0 {
		ack |= IntRBOV
	}
	if intf&IntERR != 0 {
		ack |= IntERR
	}
	c.regs.Write(CiINTF, intf&^ack)
	c.mu.Unlock()

	if ack&(IntRB|IntFIFO) != 0 && h.OnRX != nil {
		h.OnRX()
	}
	if ack&IntTB != 0 && h.OnTX != nil {
		h.OnTX()
	}
	if ack&IntRBOV != 0 && h.OnOverflow != nil {
		h.OnOverflow()
	}
	if ack&IntERR != 0 && h.OnError != nil {
		h.OnError()
	}
}

// Cleanup restores the SFR defaults, releases both DMA channels and
// gives up ownership of the peripheral.
func (c *Controller) Cleanup() error {
	if err := c.checkInited(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requestMode(ModeConfig); err != nil {
		return err
	}
	c.writeDefaults()
	_ = c.requestMode(ModeDisable)
	_ = c.dmad.Cleanup(c.cfg.RXChannel)
	_ = c.dmad.Cleanup(c.cfg.TXChannel)
	c.regs.Release()
	c.inited = false
	logging.L().Debug("ecan_cleanup", "instance", c.inst.Name)
	return nil
}

// --- unexported helpers, callers hold c.mu where it matters ---

func (c *Controller) bufferExists(buf int) bool {
	return buf >= 0 && buf < Buffers && buf < c.cfg.Buffer.Slots()
}

func (c *Controller) direction(buf int) Direction {
	if buf >= 0 && buf < TXBuffers && c.cfg.TX[buf] {
		return DirTX
	}
	return DirRX
}

func (c *Controller) trNibble(buf int) uint16 {
	v := c.regs.Read(TRConReg(buf))
	if buf%2 == 1 {
		v >>= 8
	}
	return v & 0xFF
}

func (c *Controller) updateTRNibble(buf int, fn func(uint16) uint16) {
	reg := TRConReg(buf)
	v := c.regs.Read(reg)
	shift := uint(buf%2) * 8
	field := fn(v >> shift & 0xFF)
	c.regs.Write(reg, v&^(0xFF<<shift)|field<<shift)
}

func (c *Controller) rxFulReg(buf int) (uint16, uint16) {
	if buf < 16 {
		return CiRXFUL1, 1 << uint(buf)
	}
	return CiRXFUL2, 1 << uint(buf-16)
}

func (c *Controller) rxFull(buf int) bool {
	reg, bit := c.rxFulReg(buf)
	return c.regs.Read(reg)&bit != 0
}

func (c *Controller) clearRXFul(buf int) {
	// RXFUL is clear-only from software: writing the inverse mask
	// clears exactly this bit without a read-modify-write, so a frame
	// landing in another buffer between a read and the write-back
	// cannot be wiped out.
	reg, bit := c.rxFulReg(buf)
	c.regs.Write(reg, ^bit)
}
