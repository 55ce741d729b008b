package ecan_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/embeddedbus/ecan/internal/can"
	"github.com/embeddedbus/ecan/internal/dma"
	"github.com/embeddedbus/ecan/internal/ecan"
	"github.com/embeddedbus/ecan/internal/hw"
)

type rig struct {
	eng *hw.Engine
	m   *hw.ECAN
	d   *dma.Driver
	c   *ecan.Controller
}

// newRig stands up one controller on a fresh engine and peripheral
// model: B0 transmit, 16 DPSRAM slots, FIFO over slots 8..15.
func newRig(t *testing.T, bus *hw.Bus, mod func(*ecan.Config)) *rig {
	t.Helper()
	cfg := ecan.Config{
		Timing: ecan.BitTiming{
			BRP: 3, SJW: 1, PRSEG: 2, SEG1PH: 3,
			Seg2: ecan.Seg2Programmable, SEG2PH: 3,
		},
		Buffer:    ecan.NewDPSRAM(16),
		TX:        [8]bool{0: true},
		FIFOStart: 8,
		FIFOLen:   8,
		TXChannel: 0,
		RXChannel: 2,
	}
	if mod != nil {
		mod(&cfg)
	}
	eng := hw.NewEngine()
	m := hw.NewECAN(ecan.C1, eng, bus)
	d := dma.New(eng)
	c, err := ecan.Init(m, d, ecan.C1, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Cleanup() })
	return &rig{eng: eng, m: m, d: d, c: c}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

// pollRead retries Read a bounded number of times, the way a polling
// loop on the target would.
func pollRead(t *testing.T, c *ecan.Controller, buf int, m *can.Message) bool {
	t.Helper()
	for i := 0; i < 100; i++ {
		ok, err := c.Read(buf, m)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			return true
		}
	}
	return false
}

func waitTXDone(t *testing.T, c *ecan.Controller, buf int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		empty, err := c.IsEmpty(buf)
		if err != nil {
			t.Fatal(err)
		}
		if empty {
			return
		}
	}
	t.Fatalf("buffer %d never drained", buf)
}

func TestLoopbackStandardFrame(t *testing.T) {
	r := newRig(t, nil, nil)
	must(t, r.c.SetMode(ecan.ModeLoopback))
	must(t, r.c.SetMask(0, can.Header{SID: 0x7FF}))
	must(t, r.c.AssignMask(0, 0))
	must(t, r.c.SetFilter(0, can.Header{SID: 0x123}))
	must(t, r.c.Connect(0, 1))

	sent := can.Message{Header: can.Header{SID: 0x123}, DLC: 3, Data: [8]byte{0xDE, 0xAD, 0xBE}}
	must(t, r.c.Write(0, sent, 0))

	var got can.Message
	if !pollRead(t, r.c, 1, &got) {
		t.Fatal("frame never reached B1")
	}
	if !got.Equal(sent) {
		t.Errorf("received %+v, sent %+v", got, sent)
	}
	if got.FilterHit != 0 {
		t.Errorf("FilterHit = %d, want 0", got.FilterHit)
	}
}

func TestFIFOOrdering(t *testing.T) {
	r := newRig(t, nil, nil)
	must(t, r.c.SetMode(ecan.ModeLoopback))
	must(t, r.c.SetMask(0, can.Header{SID: 0x700}))
	must(t, r.c.AssignMask(0, 0))
	must(t, r.c.SetFilter(0, can.Header{SID: 0x123}))
	must(t, r.c.Connect(0, ecan.BufFIFO))

	for _, sid := range []uint16{0x100, 0x101, 0x102} {
		must(t, r.c.Write(0, can.Message{Header: can.Header{SID: sid}, DLC: 1, Data: [8]byte{byte(sid)}}, 0))
		waitTXDone(t, r.c, 0)
	}
	for _, want := range []uint16{0x100, 0x101, 0x102} {
		var got can.Message
		if !pollRead(t, r.c, ecan.BufFIFO, &got) {
			t.Fatalf("FIFO empty before SID %#x", want)
		}
		if got.SID != want {
			t.Errorf("FIFO order: got SID %#x, want %#x", got.SID, want)
		}
	}
	var extra can.Message
	if ok, err := r.c.Read(ecan.BufFIFO, &extra); err != nil || ok {
		t.Errorf("fourth FIFO read = %v, %v; want empty", ok, err)
	}
}

func TestExtendedMatchViaMask(t *testing.T) {
	bus := hw.NewBus()
	r := newRig(t, bus, nil)
	must(t, r.c.SetMask(1, can.Header{SID: 0x7FF, IDE: true, EID: 0x3FFFF}))
	must(t, r.c.AssignMask(1, 2))
	must(t, r.c.SetFilter(2, can.Header{SID: 0x555, IDE: true, EID: 0x12345}))
	must(t, r.c.Connect(2, 3))
	must(t, r.c.SetMode(ecan.ModeNormal))

	ext := can.Message{Header: can.Header{SID: 0x555, IDE: true, EID: 0x12345}, DLC: 2, Data: [8]byte{1, 2}}
	if !bus.Transmit(nil, ext) {
		t.Fatal("extended frame not acknowledged")
	}
	var got can.Message
	if !pollRead(t, r.c, 3, &got) {
		t.Fatal("extended frame never reached B3")
	}
	if !got.Equal(ext) || got.FilterHit != 2 {
		t.Errorf("received %+v filter-hit %d, want %+v filter-hit 2", got, got.FilterHit, ext)
	}

	// MIDE=1 blocks the IDE mismatch: a standard frame with the same
	// SID lands nowhere.
	std := can.Message{Header: can.Header{SID: 0x555}, DLC: 1, Data: [8]byte{3}}
	bus.Transmit(nil, std)
	if ok, _ := r.c.Read(3, &got); ok {
		t.Error("standard frame accepted despite MIDE=1")
	}
	if ok, _ := r.c.Read(ecan.BufFIFO, &got); ok {
		t.Error("standard frame leaked into the FIFO")
	}
}

func TestAbortAfterBusDown(t *testing.T) {
	bus := hw.NewBus()
	bus.SetDown(true)
	r := newRig(t, bus, nil)
	must(t, r.c.SetMode(ecan.ModeNormal))
	must(t, r.c.Write(0, can.Message{Header: can.Header{SID: 0x200}, DLC: 1, Data: [8]byte{0xFF}}, 0))

	st, err := r.c.TXBufferStatus(0)
	must(t, err)
	if !st.Pending || !st.Error {
		t.Fatalf("after failed attempt: %+v, want pending with error latched", st)
	}
	aborted, err := r.c.AbortWrite(0)
	must(t, err)
	if !aborted {
		t.Error("AbortWrite = false, want true")
	}
	empty, err := r.c.IsEmpty(0)
	must(t, err)
	if !empty {
		t.Error("B0 not empty after abort")
	}
}

func TestWriteToRXBufferFails(t *testing.T) {
	r := newRig(t, nil, nil)
	must(t, r.c.SetMode(ecan.ModeLoopback))
	err := r.c.Write(4, can.Message{Header: can.Header{SID: 1}, DLC: 0}, 0)
	if !errors.Is(err, ecan.ErrWrite) {
		t.Errorf("write to RX buffer = %v, want ErrWrite", err)
	}
}

func TestDPSRAMTruncation(t *testing.T) {
	r := newRig(t, nil, func(cfg *ecan.Config) {
		cfg.TX[2] = true
	})
	must(t, r.c.SetMode(ecan.ModeLoopback))
	if r.c.BufferExists(20) {
		t.Error("BufferExists(20) with 16 slots")
	}
	must(t, r.c.Write(2, can.Message{Header: can.Header{SID: 0x42}, DLC: 0}, 0))
	err := r.c.Connect(5, 20)
	if !errors.Is(err, ecan.ErrInput) {
		t.Errorf("connect to B20 = %v, want ErrInput", err)
	}
}

func TestWriteBeyondDPSRAM(t *testing.T) {
	r := newRig(t, nil, func(cfg *ecan.Config) {
		cfg.Buffer = ecan.NewDPSRAM(6)
		cfg.FIFOStart = 2
		cfg.FIFOLen = 4
	})
	must(t, r.c.SetMode(ecan.ModeLoopback))
	err := r.c.Write(6, can.Message{Header: can.Header{SID: 1}, DLC: 0}, 0)
	if !errors.Is(err, ecan.ErrWrite) {
		t.Errorf("write beyond DPSRAM = %v, want ErrWrite", err)
	}
}

func TestConnectInsideFIFORegion(t *testing.T) {
	r := newRig(t, nil, nil)
	if err := r.c.Connect(1, 9); !errors.Is(err, ecan.ErrInput) {
		t.Errorf("connect inside FIFO = %v, want ErrInput", err)
	}
}

func TestReadEmptyFIFOLeavesMessage(t *testing.T) {
	r := newRig(t, nil, nil)
	sentinel := can.Message{Header: can.Header{SID: 0x7AB}, DLC: 2, Data: [8]byte{0x11, 0x22}}
	got := sentinel
	ok, err := r.c.Read(ecan.BufFIFO, &got)
	must(t, err)
	if ok {
		t.Fatal("empty FIFO reported a message")
	}
	if !got.Equal(sentinel) {
		t.Error("out-message modified on empty read")
	}
}

func TestSetModeIdempotent(t *testing.T) {
	r := newRig(t, nil, nil)
	must(t, r.c.SetMode(ecan.ModeListenOnly))
	must(t, r.c.SetMode(ecan.ModeListenOnly))
	if got := r.c.Mode(); got != ecan.ModeListenOnly {
		t.Errorf("mode = %s, want listen-only", got)
	}
}

func TestMutatorsRestoreMode(t *testing.T) {
	r := newRig(t, nil, nil)
	must(t, r.c.SetMode(ecan.ModeNormal))
	must(t, r.c.SetFilter(7, can.Header{SID: 0x321}))
	must(t, r.c.SetMask(2, can.Header{SID: 0x7FF}))
	if got := r.c.Mode(); got != ecan.ModeNormal {
		t.Errorf("mode after config ops = %s, want normal", got)
	}
}

func TestWriteValidation(t *testing.T) {
	r := newRig(t, nil, nil)
	must(t, r.c.SetMode(ecan.ModeLoopback))
	msg := can.Message{Header: can.Header{SID: 0x100}, DLC: 1}

	if err := r.c.Write(0, can.Message{Header: can.Header{SID: 0x100}, DLC: 9}, 0); !errors.Is(err, ecan.ErrInput) {
		t.Errorf("DLC 9 = %v, want ErrInput", err)
	}
	if err := r.c.Write(0, msg, 4); !errors.Is(err, ecan.ErrInput) {
		t.Errorf("priority 4 = %v, want ErrInput", err)
	}
	must(t, r.c.SetMode(ecan.ModeDisable))
	if err := r.c.Write(0, msg, 0); !errors.Is(err, ecan.ErrInput) {
		t.Errorf("write in disable mode = %v, want ErrInput", err)
	}
}

func TestWritePendingReturnsAgain(t *testing.T) {
	bus := hw.NewBus()
	bus.SetDown(true)
	r := newRig(t, bus, nil)
	must(t, r.c.SetMode(ecan.ModeNormal))
	msg := can.Message{Header: can.Header{SID: 0x300}, DLC: 0}
	must(t, r.c.Write(0, msg, 0))
	if err := r.c.Write(0, msg, 0); !errors.Is(err, ecan.ErrAgain) {
		t.Errorf("write over pending TXREQ = %v, want ErrAgain", err)
	}
}

func TestDisconnectStopsDelivery(t *testing.T) {
	r := newRig(t, nil, nil)
	must(t, r.c.SetMode(ecan.ModeLoopback))
	must(t, r.c.SetMask(0, can.Header{SID: 0x7FF}))
	must(t, r.c.AssignMask(0, 0))
	must(t, r.c.SetFilter(0, can.Header{SID: 0x111}))
	must(t, r.c.Connect(0, 1))
	must(t, r.c.Disconnect(0))

	must(t, r.c.Write(0, can.Message{Header: can.Header{SID: 0x111}, DLC: 0}, 0))
	var got can.Message
	if ok, _ := r.c.Read(1, &got); ok {
		t.Error("disabled filter still delivered")
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	r := newRig(t, nil, nil)
	must(t, r.c.SetMode(ecan.ModeLoopback))
	must(t, r.c.SetMask(0, can.Header{SID: 0x7FF}))
	must(t, r.c.AssignMask(0, 0))
	must(t, r.c.SetFilter(0, can.Header{SID: 0x050}))
	must(t, r.c.Connect(0, 2))
	sent := can.Message{Header: can.Header{SID: 0x050}, DLC: 1, Data: [8]byte{0x5A}}
	must(t, r.c.Write(0, sent, 0))

	var got can.Message
	for i := 0; i < 2; i++ {
		ok, err := r.c.Peek(2, &got)
		must(t, err)
		if !ok || !got.Equal(sent) {
			t.Fatalf("peek %d = %v %+v", i, ok, got)
		}
	}
	if ok, _ := r.c.Read(2, &got); !ok {
		t.Fatal("read after peek found nothing")
	}
	got = can.Message{}
	if ok, _ := r.c.Peek(2, &got); ok {
		t.Error("peek observed stale contents after read")
	}
}

func TestOverflowOverwrites(t *testing.T) {
	r := newRig(t, nil, nil)
	must(t, r.c.SetMode(ecan.ModeLoopback))
	must(t, r.c.SetMask(0, can.Header{SID: 0x700}))
	must(t, r.c.AssignMask(0, 0))
	must(t, r.c.SetFilter(0, can.Header{SID: 0x100}))
	must(t, r.c.Connect(0, 1))

	must(t, r.c.Write(0, can.Message{Header: can.Header{SID: 0x100}, DLC: 1, Data: [8]byte{1}}, 0))
	waitTXDone(t, r.c, 0)
	must(t, r.c.Write(0, can.Message{Header: can.Header{SID: 0x101}, DLC: 1, Data: [8]byte{2}}, 0))

	over, err := r.c.Overflowed(1)
	must(t, err)
	if !over {
		t.Error("overflow latch not set")
	}
	var got can.Message
	if !pollRead(t, r.c, 1, &got) {
		t.Fatal("B1 empty")
	}
	if got.SID != 0x101 {
		t.Errorf("kept SID %#x, want the overwriting frame 0x101", got.SID)
	}
	if over, _ := r.c.Overflowed(1); over {
		t.Error("overflow latch not cleared by the query")
	}
}

func TestCrossNodeDelivery(t *testing.T) {
	bus := hw.NewBus()
	tx := newRig(t, bus, nil)
	rx := newRig(t, bus, nil)

	must(t, rx.c.SetMask(0, can.Header{SID: 0x7FF}))
	must(t, rx.c.AssignMask(0, 0))
	must(t, rx.c.SetFilter(0, can.Header{SID: 0x321}))
	must(t, rx.c.Connect(0, 1))
	must(t, rx.c.SetMode(ecan.ModeNormal))
	must(t, tx.c.SetMode(ecan.ModeNormal))

	sent := can.Message{Header: can.Header{SID: 0x321}, DLC: 4, Data: [8]byte{4, 3, 2, 1}}
	must(t, tx.c.Write(0, sent, 0))
	waitTXDone(t, tx.c, 0)

	var got can.Message
	if !pollRead(t, rx.c, 1, &got) {
		t.Fatal("frame never crossed the bus")
	}
	if !got.Equal(sent) {
		t.Errorf("received %+v, sent %+v", got, sent)
	}
}

func TestListenOnlyDoesNotAck(t *testing.T) {
	bus := hw.NewBus()
	tx := newRig(t, bus, nil)
	rx := newRig(t, bus, nil)
	must(t, rx.c.SetMode(ecan.ModeListenOnly))
	must(t, tx.c.SetMode(ecan.ModeNormal))

	must(t, tx.c.Write(0, can.Message{Header: can.Header{SID: 0x400}, DLC: 0}, 0))
	st, err := tx.c.TXBufferStatus(0)
	must(t, err)
	if !st.Pending || !st.Error {
		t.Errorf("status %+v, want pending with error (no acknowledging node)", st)
	}
}

func TestListenAllCapturesToFIFO(t *testing.T) {
	bus := hw.NewBus()
	r := newRig(t, bus, nil)
	must(t, r.c.SetMode(ecan.ModeListenAll))

	bus.Transmit(nil, can.Message{Header: can.Header{SID: 0x7DE}, DLC: 1, Data: [8]byte{0xEE}})
	var got can.Message
	if !pollRead(t, r.c, ecan.BufFIFO, &got) {
		t.Fatal("listen-all dropped the frame")
	}
	if got.SID != 0x7DE {
		t.Errorf("SID = %#x, want 0x7DE", got.SID)
	}
}

// recorder is a bare bus node collecting everything it sees.
type recorder struct {
	mu  sync.Mutex
	got []can.Message
}

func (r *recorder) Deliver(m can.Message) bool {
	r.mu.Lock()
	r.got = append(r.got, m)
	r.mu.Unlock()
	return true
}

func (r *recorder) sids() []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint16, len(r.got))
	for i, m := range r.got {
		out[i] = m.SID
	}
	return out
}

func TestTXPriorityArbitration(t *testing.T) {
	bus := hw.NewBus()
	bus.SetDown(true)
	rec := &recorder{}
	bus.Attach(rec)
	r := newRig(t, bus, func(cfg *ecan.Config) {
		cfg.TX[1] = true
	})
	must(t, r.c.SetMode(ecan.ModeNormal))

	// Queue both while the wire is dead, low priority first.
	must(t, r.c.Write(0, can.Message{Header: can.Header{SID: 0x00A}, DLC: 0}, 0))
	must(t, r.c.Write(1, can.Message{Header: can.Header{SID: 0x00B}, DLC: 0}, 3))

	bus.SetDown(false)
	must(t, r.c.SetMode(ecan.ModeNormal)) // pokes the module into retrying
	waitTXDone(t, r.c, 0)
	waitTXDone(t, r.c, 1)

	sids := rec.sids()
	if len(sids) != 2 || sids[0] != 0x00B || sids[1] != 0x00A {
		t.Errorf("wire order %#v, want higher priority 0x00B first", sids)
	}
}

func TestBusOffGatesNormalMode(t *testing.T) {
	r := newRig(t, nil, nil)
	must(t, r.c.SetMode(ecan.ModeDisable))
	r.m.ForceBusOff()

	st, err := r.c.Status()
	must(t, err)
	if !st.TXBusOff {
		t.Fatal("bus-off not reported")
	}
	if err := r.c.SetMode(ecan.ModeNormal); !errors.Is(err, ecan.ErrAssert) {
		t.Fatalf("SetMode(NORMAL) while bus-off = %v, want ErrAssert", err)
	}
	r.m.ClearBusError()
	// The latched request completes on recovery.
	for i := 0; i < 100 && r.c.Mode() != ecan.ModeNormal; i++ {
	}
	if got := r.c.Mode(); got != ecan.ModeNormal {
		t.Errorf("mode after recovery = %s, want normal", got)
	}
}

func TestInterruptDispatch(t *testing.T) {
	r := newRig(t, nil, nil)
	rxed := make(chan struct{}, 1)
	r.c.SetHandlers(ecan.Handlers{OnRX: func() {
		select {
		case rxed <- struct{}{}:
		default:
		}
	}})
	r.m.SetIRQHandler(r.c.ServiceISR)

	must(t, r.c.SetMode(ecan.ModeLoopback))
	must(t, r.c.SetMask(0, can.Header{SID: 0x7FF}))
	must(t, r.c.AssignMask(0, 0))
	must(t, r.c.SetFilter(0, can.Header{SID: 0x0AA}))
	must(t, r.c.Connect(0, 1))
	must(t, r.c.Write(0, can.Message{Header: can.Header{SID: 0x0AA}, DLC: 0}, 0))

	select {
	case <-rxed:
	case <-time.After(2 * time.Second):
		t.Fatal("receive interrupt never fired")
	}
}

func TestInitRejections(t *testing.T) {
	eng := hw.NewEngine()
	m := hw.NewECAN(ecan.C1, eng, nil)
	d := dma.New(eng)
	base := ecan.Config{
		Buffer:    ecan.NewDPSRAM(16),
		TX:        [8]bool{0: true},
		FIFOStart: 8,
		FIFOLen:   8,
		TXChannel: 0,
		RXChannel: 2,
	}

	if _, err := ecan.Init(nil, d, ecan.C1, base); !errors.Is(err, ecan.ErrObject) {
		t.Errorf("nil regs = %v, want ErrObject", err)
	}
	cfg := base
	cfg.FIFOLen = 5
	if _, err := ecan.Init(m, d, ecan.C1, cfg); !errors.Is(err, ecan.ErrInput) {
		t.Errorf("bad FIFO length = %v, want ErrInput", err)
	}
	cfg = base
	cfg.FIFOStart = 0
	if _, err := ecan.Init(m, d, ecan.C1, cfg); !errors.Is(err, ecan.ErrInput) {
		t.Errorf("TX buffer inside FIFO = %v, want ErrInput", err)
	}
	cfg = base
	cfg.RXChannel = 0
	if _, err := ecan.Init(m, d, ecan.C1, cfg); !errors.Is(err, ecan.ErrInput) {
		t.Errorf("shared DMA channel = %v, want ErrInput", err)
	}

	c, err := ecan.Init(m, d, ecan.C1, base)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Cleanup()
	if _, err := ecan.Init(m, dma.New(eng), ecan.C1, base); !errors.Is(err, ecan.ErrObject) {
		t.Errorf("second owner = %v, want ErrObject", err)
	}
}

func TestCleanupReleasesPeripheral(t *testing.T) {
	eng := hw.NewEngine()
	m := hw.NewECAN(ecan.C1, eng, nil)
	d := dma.New(eng)
	cfg := ecan.Config{
		Buffer:    ecan.NewDPSRAM(16),
		TX:        [8]bool{0: true},
		FIFOStart: 8,
		FIFOLen:   8,
		TXChannel: 0,
		RXChannel: 2,
	}
	c, err := ecan.Init(m, d, ecan.C1, cfg)
	must(t, err)
	must(t, c.Cleanup())
	if err := c.SetMode(ecan.ModeNormal); !errors.Is(err, ecan.ErrObject) {
		t.Errorf("SetMode after Cleanup = %v, want ErrObject", err)
	}
	c2, err := ecan.Init(m, d, ecan.C1, cfg)
	if err != nil {
		t.Fatalf("re-Init after Cleanup = %v", err)
	}
	_ = c2.Cleanup()
}

// raceRegs interposes on the register file and injects a bus delivery
// right before a CiRXFUL1 write lands, modeling a frame that arrives
// between the driver's status read and its clear.
type raceRegs struct {
	*hw.ECAN
	mu      sync.Mutex
	onClear func()
}

func (r *raceRegs) Write(off, v uint16) {
	if off == ecan.CiRXFUL1 {
		r.mu.Lock()
		fn := r.onClear
		r.onClear = nil
		r.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
	r.ECAN.Write(off, v)
}

func TestReadKeepsFrameArrivingDuringClear(t *testing.T) {
	bus := hw.NewBus()
	eng := hw.NewEngine()
	regs := &raceRegs{ECAN: hw.NewECAN(ecan.C1, eng, bus)}
	cfg := ecan.Config{
		Timing: ecan.BitTiming{
			BRP: 3, SJW: 1, PRSEG: 2, SEG1PH: 3,
			Seg2: ecan.Seg2Programmable, SEG2PH: 3,
		},
		Buffer:    ecan.NewDPSRAM(16),
		TX:        [8]bool{0: true},
		FIFOStart: 8,
		FIFOLen:   8,
		TXChannel: 0,
		RXChannel: 2,
	}
	c, err := ecan.Init(regs, dma.New(eng), ecan.C1, cfg)
	must(t, err)
	t.Cleanup(func() { _ = c.Cleanup() })

	must(t, c.SetMask(0, can.Header{SID: 0x7FF}))
	must(t, c.AssignMask(0, 0))
	must(t, c.SetFilter(0, can.Header{SID: 0x101}))
	must(t, c.Connect(0, 1))
	must(t, c.AssignMask(0, 1))
	must(t, c.SetFilter(1, can.Header{SID: 0x102}))
	must(t, c.Connect(1, 2))
	must(t, c.SetMode(ecan.ModeNormal))

	first := can.Message{Header: can.Header{SID: 0x101}, DLC: 1, Data: [8]byte{1}}
	second := can.Message{Header: can.Header{SID: 0x102}, DLC: 1, Data: [8]byte{2}}
	if !bus.Transmit(nil, first) {
		t.Fatal("first frame not acknowledged")
	}
	regs.mu.Lock()
	regs.onClear = func() { bus.Transmit(nil, second) }
	regs.mu.Unlock()

	var got can.Message
	ok, err := c.Read(1, &got)
	must(t, err)
	if !ok || got.SID != 0x101 {
		t.Fatalf("B1 read = %v %+v, want SID 0x101", ok, got)
	}
	// The clear of B1 must not wipe the RXFUL bit B2 gained meanwhile.
	if ok, _ := c.Read(2, &got); !ok || got.SID != 0x102 {
		t.Fatalf("frame delivered during the RXFUL clear vanished (ok=%v, got %+v)", ok, got)
	}
}

func TestFIFOOverflowMidRegionReported(t *testing.T) {
	r := newRig(t, nil, nil)
	must(t, r.c.SetMode(ecan.ModeLoopback))
	must(t, r.c.SetMask(0, can.Header{}))
	must(t, r.c.AssignMask(0, 0))
	must(t, r.c.SetFilter(0, can.Header{SID: 0x200}))
	must(t, r.c.Connect(0, ecan.BufFIFO))

	send := func(sid uint16) {
		must(t, r.c.Write(0, can.Message{Header: can.Header{SID: sid}, DLC: 0}, 0))
		waitTXDone(t, r.c, 0)
	}
	// Fill the whole FIFO region, slots 8..15.
	for i := 0; i < 8; i++ {
		send(uint16(0x200 + i))
	}
	// Free the start slot and refill it: the write pointer now sits
	// mid-region, on a slot that is still full.
	var got can.Message
	if !pollRead(t, r.c, ecan.BufFIFO, &got) {
		t.Fatal("FIFO empty after filling")
	}
	send(0x208)
	if over, err := r.c.Overflowed(ecan.BufFIFO); err != nil || over {
		t.Fatalf("premature overflow = %v, %v", over, err)
	}
	send(0x209)
	over, err := r.c.Overflowed(ecan.BufFIFO)
	must(t, err)
	if !over {
		t.Error("mid-region FIFO overflow not reported")
	}
	if over, _ := r.c.Overflowed(ecan.BufFIFO); over {
		t.Error("overflow latch not cleared by the query")
	}
}
