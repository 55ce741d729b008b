package hw

import (
	"sync"

	"github.com/embeddedbus/ecan/internal/can"
	"github.com/embeddedbus/ecan/internal/ecan"
)

const errFlagMask = ecan.IntEWARN | ecan.IntRXWAR | ecan.IntTXWAR |
	ecan.IntRXBP | ecan.IntTXBP | ecan.IntTXBO

// ECAN models one CAN peripheral instance behind the ecan.Regs
// interface: the windowed register file, the mode state machine,
// acceptance filtering, FIFO bookkeeping, transmit arbitration and the
// error-management counters. Message payloads move exclusively through
// the DMA engine and the CiRXD/CiTXD ports, exactly as on silicon.
type ECAN struct {
	mu   sync.Mutex
	inst ecan.Instance
	eng  *Engine
	bus  *Bus

	claimed bool
	fixed   [16]uint16 // offsets 0x00..0x1E
	bufBank [48]uint16 // offsets 0x20..0x7E, WIN=0
	fltBank [48]uint16 // offsets 0x20..0x7E, WIN=1

	tec, rec  int
	fifoStart int
	fifoLen   int
	fnrb, fbp int
	txKick    bool
	pendIRQ   bool

	rxStream []uint16
	rxPos    int
	txSink   []uint16

	irqFn func()
}

// NewECAN builds a peripheral model, registers its DMA data ports with
// the engine and attaches it to the bus (nil bus leaves it detached,
// which is all loopback-mode tests need).
func NewECAN(inst ecan.Instance, eng *Engine, bus *Bus) *ECAN {
	m := &ECAN{inst: inst, eng: eng, bus: bus}
	m.resetRegs()
	eng.RegisterPort(inst.Base+ecan.CiRXD, Port{Load: m.rxdLoad})
	eng.RegisterPort(inst.Base+ecan.CiTXD, Port{Store: m.txdStore})
	if bus != nil {
		bus.Attach(m)
	}
	return m
}

// SetIRQHandler installs the interrupt line. It is raised after any
// register access or frame delivery that sets an INTF flag whose INTE
// bit is enabled, with no model locks held.
func (m *ECAN) SetIRQHandler(fn func()) {
	m.mu.Lock()
	m.irqFn = fn
	m.mu.Unlock()
}

// Claim implements ecan.Regs single-owner semantics.
func (m *ECAN) Claim() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimed {
		return false
	}
	m.claimed = true
	return true
}

// Release implements ecan.Regs.
func (m *ECAN) Release() {
	m.mu.Lock()
	m.claimed = false
	m.mu.Unlock()
}

// Read implements ecan.Regs.
func (m *ECAN) Read(off uint16) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read(off)
}

func (m *ECAN) read(off uint16) uint16 {
	if off < ecan.WindowBase {
		return m.fixed[off/2]
	}
	if m.fixed[ecan.CiCTRL1/2]&ecan.CtrlWIN != 0 {
		return m.fltBank[bankIdx(off)]
	}
	return m.bufBank[bankIdx(off)]
}

// Write implements ecan.Regs.
func (m *ECAN) Write(off, v uint16) {
	m.mu.Lock()
	m.write(off, v)
	m.retryPending()
	m.serviceTX()
	fn, notify := m.irqFn, m.takeIRQ()
	m.mu.Unlock()
	if notify && fn != nil {
		// The interrupt line is edge-driven and asynchronous to the
		// register access that raised it.
		go fn()
	}
}

func (m *ECAN) write(off, v uint16) {
	switch off {
	case ecan.CiCTRL1:
		m.writeCtrl(v)
		return
	case ecan.CiINTF:
		// Low bits are flags software clears by writing them back as
		// zero; the upper bits are bus state and read-only.
		cur := m.fixed[ecan.CiINTF/2]
		m.fixed[ecan.CiINTF/2] = cur&^uint16(0x7F) | cur&v&0x7F
		return
	case ecan.CiVEC, ecan.CiFIFO, ecan.CiEC:
		return // read-only
	case ecan.CiFCTRL:
		m.fixed[off/2] = v
		m.fifoStart = int(v & ecan.FctrlFSAMask)
		m.fifoLen = ecan.FIFOLenFromCode(v & ecan.FctrlDMABSMask >> ecan.FctrlDMABSShift)
		m.fnrb, m.fbp = m.fifoStart, m.fifoStart
		m.syncFIFOReg()
		return
	}
	if off < ecan.WindowBase {
		m.fixed[off/2] = v
		return
	}
	if m.fixed[ecan.CiCTRL1/2]&ecan.CtrlWIN != 0 {
		m.fltBank[bankIdx(off)] = v
		return
	}
	switch off {
	case ecan.CiRXFUL1, ecan.CiRXFUL2:
		m.writeRXFul(off, v)
	case ecan.CiRXOVF1, ecan.CiRXOVF2:
		m.bufBank[bankIdx(off)] &= v // clear-only
	case ecan.CiTR01CON, ecan.CiTR23CON, ecan.CiTR45CON, ecan.CiTR67CON:
		m.writeTR(off, v)
	default:
		m.bufBank[bankIdx(off)] = v
	}
}

func (m *ECAN) writeCtrl(v uint16) {
	old := m.fixed[ecan.CiCTRL1/2]
	// OPMODE is hardware-owned; ABAT reads back clear.
	m.fixed[ecan.CiCTRL1/2] = v&^uint16(ecan.OpmodeMask|ecan.CtrlABAT) | old&ecan.OpmodeMask
	if v&ecan.CtrlABAT != 0 {
		m.abortAll()
	}
	m.resolveMode()
}

// resolveMode latches REQOP into OPMODE. The one exception: NORMAL is
// not entered while the module is bus-off; the request stays latched
// and completes when the error state clears.
func (m *ECAN) resolveMode() {
	ctrl := m.fixed[ecan.CiCTRL1/2]
	req := ecan.OpMode(ctrl & ecan.ReqopMask >> ecan.ReqopShift)
	cur := ecan.OpMode(ctrl & ecan.OpmodeMask >> ecan.OpmodeShift)
	if req == cur {
		return
	}
	if req == ecan.ModeNormal && m.fixed[ecan.CiINTF/2]&ecan.IntTXBO != 0 {
		return
	}
	m.fixed[ecan.CiCTRL1/2] = ctrl&^uint16(ecan.OpmodeMask) | uint16(req)<<ecan.OpmodeShift
	if req == ecan.ModeNormal || req == ecan.ModeLoopback {
		m.txKick = true
	}
}

func (m *ECAN) opmode() ecan.OpMode {
	return ecan.OpMode(m.fixed[ecan.CiCTRL1/2] & ecan.OpmodeMask >> ecan.OpmodeShift)
}

func (m *ECAN) writeRXFul(off, v uint16) {
	i := bankIdx(off)
	old := m.bufBank[i]
	m.bufBank[i] = old & v // software can only clear
	cleared := old &^ m.bufBank[i]
	base := 0
	if off == ecan.CiRXFUL2 {
		base = 16
	}
	for b := 0; b < 16; b++ {
		if cleared&(1<<uint(b)) != 0 && base+b == m.fnrb {
			m.fnrb = m.nextFIFO(m.fnrb)
			m.syncFIFOReg()
		}
	}
}

func (m *ECAN) writeTR(off, v uint16) {
	i := bankIdx(off)
	old := m.bufBank[i]
	m.bufBank[i] = v
	for n := 0; n < 2; n++ {
		shift := uint(n) * 8
		oldReq := old>>shift&ecan.TrTXREQ != 0
		newReq := v>>shift&ecan.TrTXREQ != 0
		if newReq && !oldReq {
			m.txKick = true
		}
		if oldReq && !newReq {
			// Software cleared TXREQ: the pending frame is aborted.
			// The model has no in-flight window, so the abort always
			// takes effect.
			m.bufBank[i] |= ecan.TrTXABT << shift
		}
	}
}

func (m *ECAN) abortAll() {
	for b := 0; b < 8; b++ {
		i := bankIdx(ecan.TRConReg(b))
		shift := uint(b%2) * 8
		if m.bufBank[i]>>shift&ecan.TrTXREQ != 0 {
			m.bufBank[i] &^= ecan.TrTXREQ << shift
			m.bufBank[i] |= ecan.TrTXABT << shift
		}
	}
}

// retryPending re-arms the transmit machinery when requests are still
// queued. Hardware retries continuously on its own clock; the model
// retries on register accesses instead.
func (m *ECAN) retryPending() {
	if m.txKick {
		return
	}
	mode := m.opmode()
	if mode != ecan.ModeNormal && mode != ecan.ModeLoopback {
		return
	}
	if m.arbitrate() >= 0 {
		m.txKick = true
	}
}

// serviceTX drains pending transmit requests. Called with m.mu held;
// the lock is dropped around bus delivery so peer models can take
// their own locks.
func (m *ECAN) serviceTX() {
	if !m.txKick {
		return
	}
	m.txKick = false
	mode := m.opmode()
	if mode != ecan.ModeNormal && mode != ecan.ModeLoopback {
		return
	}
	for attempts := 0; attempts < 8; attempts++ {
		b := m.arbitrate()
		if b < 0 {
			return
		}
		m.txSink = m.txSink[:0]
		if !m.eng.Trigger(m.inst.TXIRQ, b*8) || len(m.txSink) < 8 {
			return // no DMA path configured; the request stays queued
		}
		var s ecan.Slot
		copy(s[:], m.txSink)
		msg := ecan.DecodeSlot(s)

		if mode == ecan.ModeLoopback {
			m.acceptLocked(msg)
			m.completeTX(b)
			continue
		}
		bus := m.bus
		m.mu.Unlock()
		acked := false
		if bus != nil {
			acked = bus.Transmit(m, msg)
		}
		m.mu.Lock()
		if acked {
			m.completeTX(b)
			continue
		}
		m.failTX(b)
		return
	}
}

// arbitrate picks the next buffer to transmit: highest 2-bit priority
// first, lowest buffer index breaking ties.
func (m *ECAN) arbitrate() int {
	best, bestPri := -1, -1
	for b := 0; b < 8; b++ {
		n := m.trNibble(b)
		if n&ecan.TrTXEN == 0 || n&ecan.TrTXREQ == 0 {
			continue
		}
		pri := int(n & ecan.TrPriMask)
		if pri > bestPri {
			best, bestPri = b, pri
		}
	}
	return best
}

func (m *ECAN) trNibble(b int) uint16 {
	v := m.bufBank[bankIdx(ecan.TRConReg(b))]
	if b%2 == 1 {
		v >>= 8
	}
	return v & 0xFF
}

func (m *ECAN) completeTX(b int) {
	i := bankIdx(ecan.TRConReg(b))
	shift := uint(b%2) * 8
	m.bufBank[i] &^= (ecan.TrTXREQ | ecan.TrTXERR | ecan.TrTXLARB) << shift
	if m.tec > 0 {
		m.tec--
	}
	m.refreshErrState()
	m.setFlag(ecan.IntTB)
}

func (m *ECAN) failTX(b int) {
	i := bankIdx(ecan.TRConReg(b))
	shift := uint(b%2) * 8
	m.bufBank[i] |= ecan.TrTXERR << shift
	m.tec += 8 // acknowledgement error
	m.refreshErrState()
}

// refreshErrState recomputes the CiINTF condition bits and CiEC from
// the error counters, raising ERRIF on any state change.
func (m *ECAN) refreshErrState() {
	intf := m.fixed[ecan.CiINTF/2]
	old := intf & errFlagMask
	intf &^= uint16(errFlagMask)
	if m.tec >= 96 || m.rec >= 96 {
		intf |= ecan.IntEWARN
	}
	if m.rec >= 96 {
		intf |= ecan.IntRXWAR
	}
	if m.tec >= 96 {
		intf |= ecan.IntTXWAR
	}
	if m.rec >= 128 {
		intf |= ecan.IntRXBP
	}
	if m.tec >= 128 {
		intf |= ecan.IntTXBP
	}
	if m.tec > 255 {
		intf |= ecan.IntTXBO
	}
	m.fixed[ecan.CiINTF/2] = intf
	tec := m.tec
	if tec > 255 {
		tec = 255
	}
	m.fixed[ecan.CiEC/2] = uint16(tec)<<8 | uint16(m.rec&0xFF)
	if intf&errFlagMask != old {
		m.setFlag(ecan.IntERR)
	}
}

// Deliver implements Node: a frame arrived from the wire. The return
// value is the link-layer acknowledgement, which does not depend on
// acceptance filtering.
func (m *ECAN) Deliver(msg can.Message) bool {
	m.mu.Lock()
	ack := m.deliverLocked(msg)
	fn, notify := m.irqFn, m.takeIRQ()
	m.mu.Unlock()
	if notify && fn != nil {
		// The interrupt line is edge-driven and asynchronous to the
		// register access that raised it.
		go fn()
	}
	return ack
}

func (m *ECAN) deliverLocked(msg can.Message) bool {
	mode := m.opmode()
	switch mode {
	case ecan.ModeDisable, ecan.ModeConfig, ecan.ModeLoopback:
		return false
	}
	ack := mode == ecan.ModeNormal || mode == ecan.ModeListenAll
	m.acceptLocked(msg)
	return ack
}

// acceptLocked runs acceptance filtering and lands the frame. Also the
// internal TX-to-RX path of loopback mode.
func (m *ECAN) acceptLocked(msg can.Message) {
	if m.opmode() == ecan.ModeListenAll {
		// Filters are bypassed; everything lands in the FIFO.
		m.storeRX(msg, 0xF, 0)
		return
	}
	fen := m.fixed[ecan.CiFEN1/2]
	for f := 0; f < 16; f++ {
		if fen&(1<<uint(f)) == 0 || !m.match(f, msg) {
			continue
		}
		pnt := m.fltBank[bankIdx(ecan.BufPntReg(f))] >> (uint(f%4) * 4) & 0xF
		m.storeRX(msg, int(pnt), f)
		break
	}
}

func (m *ECAN) match(f int, msg can.Message) bool {
	fsid := m.fltBank[bankIdx(ecan.FilterSIDReg(f))]
	feid := m.fltBank[bankIdx(ecan.FilterEIDReg(f))]
	sel := ecan.FMskSelReg(f)
	mi := m.fixed[sel/2] >> (uint(f%8) * 2) & 0x3
	if mi > 2 {
		mi = 2
	}
	msid := m.fltBank[bankIdx(ecan.MaskSIDReg(int(mi)))]
	meid := m.fltBank[bankIdx(ecan.MaskEIDReg(int(mi)))]

	exide := fsid&ecan.SidEXIDE != 0
	if msid&ecan.SidMIDE != 0 && msg.IDE != exide {
		return false
	}
	if (uint16(msg.SID)^fsid>>ecan.SidShift)&(msid>>ecan.SidShift)&0x7FF != 0 {
		return false
	}
	if msg.IDE {
		fe := uint32(fsid&ecan.SidEIDHiMask)<<16 | uint32(feid)
		me := uint32(msid&ecan.SidEIDHiMask)<<16 | uint32(meid)
		if (msg.EID^fe)&me != 0 {
			return false
		}
	}
	return true
}

// storeRX lands a frame in buffer pnt (0xF = FIFO write pointer) by
// pushing the encoded slot through the RX DMA channel, then updates
// RXFUL, overflow latches, CiVEC and the interrupt flags.
func (m *ECAN) storeRX(msg can.Message, pnt, f int) {
	slot := pnt
	if pnt == 0xF {
		slot = m.fbp
	}
	if m.rxful(slot) {
		m.setOVF(slot)
		m.setFlag(ecan.IntRBOV)
		// The frame still overwrites the unread slot.
	}
	s := ecan.EncodeSlot(msg)
	s[7] |= uint16(f) << 8
	m.rxStream = s[:]
	m.rxPos = 0
	if !m.eng.Trigger(m.inst.RXIRQ, slot*8) {
		return // no DMA path configured; the frame is lost
	}
	m.setRXFul(slot)
	m.fixed[ecan.CiVEC/2] = uint16(slot)&ecan.VecICODEMask | uint16(f)<<ecan.VecFILHITShift
	m.setFlag(ecan.IntRB)
	if pnt == 0xF {
		m.fbp = m.nextFIFO(m.fbp)
		if m.rxful(m.fbp) {
			m.setFlag(ecan.IntFIFO)
		}
		m.syncFIFOReg()
	}
}

// rxdLoad serves the RX DMA port. Only invoked from inside storeRX's
// Trigger call, with the model lock already held by the caller.
func (m *ECAN) rxdLoad() uint16 {
	if m.rxPos >= len(m.rxStream) {
		return 0
	}
	w := m.rxStream[m.rxPos]
	m.rxPos++
	m.bufBank[bankIdx(ecan.CiRXD)] = w
	return w
}

// txdStore collects words from the TX DMA port during serviceTX.
func (m *ECAN) txdStore(w uint16) {
	m.bufBank[bankIdx(ecan.CiTXD)] = w
	m.txSink = append(m.txSink, w)
}

func (m *ECAN) rxful(slot int) bool {
	i, bit := rxBit(slot)
	return m.bufBank[bankIdx(ecan.CiRXFUL1)+i]&bit != 0
}

func (m *ECAN) setRXFul(slot int) {
	i, bit := rxBit(slot)
	m.bufBank[bankIdx(ecan.CiRXFUL1)+i] |= bit
}

func (m *ECAN) setOVF(slot int) {
	i, bit := rxBit(slot)
	m.bufBank[bankIdx(ecan.CiRXOVF1)+i] |= bit
}

func (m *ECAN) nextFIFO(p int) int {
	if m.fifoLen == 0 {
		return p
	}
	return m.fifoStart + (p-m.fifoStart+1)%m.fifoLen
}

func (m *ECAN) syncFIFOReg() {
	m.fixed[ecan.CiFIFO/2] = uint16(m.fnrb)&ecan.FifoFNRBMask |
		uint16(m.fbp)<<ecan.FifoFBPShift
}

func (m *ECAN) setFlag(bit uint16) {
	m.fixed[ecan.CiINTF/2] |= bit
	if m.fixed[ecan.CiINTE/2]&bit != 0 {
		m.pendIRQ = true
	}
}

func (m *ECAN) takeIRQ() bool {
	p := m.pendIRQ
	m.pendIRQ = false
	return p
}

func (m *ECAN) resetRegs() {
	m.fixed = [16]uint16{}
	m.bufBank = [48]uint16{}
	m.fltBank = [48]uint16{}
	for off, v := range ecan.ResetValues {
		m.fixed[off/2] = v
	}
	m.tec, m.rec = 0, 0
	m.fnrb, m.fbp = 0, 0
	m.fifoStart, m.fifoLen = 0, ecan.FIFOLenFromCode(0)
}

// ForceBusOff drives the transmit error counter past the bus-off
// threshold, as a burst of bus errors would.
func (m *ECAN) ForceBusOff() {
	m.mu.Lock()
	m.tec = 256
	m.refreshErrState()
	fn, notify := m.irqFn, m.takeIRQ()
	m.mu.Unlock()
	if notify && fn != nil {
		// The interrupt line is edge-driven and asynchronous to the
		// register access that raised it.
		go fn()
	}
}

// ClearBusError models bus-off recovery (128 occurrences of 11
// recessive bits): counters reset, condition flags clear, and a
// latched NORMAL mode request completes.
func (m *ECAN) ClearBusError() {
	m.mu.Lock()
	m.tec, m.rec = 0, 0
	m.refreshErrState()
	m.resolveMode()
	m.serviceTX()
	fn, notify := m.irqFn, m.takeIRQ()
	m.mu.Unlock()
	if notify && fn != nil {
		// The interrupt line is edge-driven and asynchronous to the
		// register access that raised it.
		go fn()
	}
}

func bankIdx(off uint16) int { return int(off-ecan.WindowBase) / 2 }

func rxBit(slot int) (int, uint16) {
	if slot < 16 {
		return 0, 1 << uint(slot)
	}
	return 1, 1 << uint(slot-16)
}
