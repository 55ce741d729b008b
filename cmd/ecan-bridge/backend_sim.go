package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	retry "github.com/avast/retry-go"

	"github.com/embeddedbus/ecan/internal/can"
	"github.com/embeddedbus/ecan/internal/dma"
	"github.com/embeddedbus/ecan/internal/ecan"
	"github.com/embeddedbus/ecan/internal/hw"
	"github.com/embeddedbus/ecan/internal/metrics"
)

// Sim backend geometry, per controller: 16 message slots, B0 transmit,
// B4..B15 FIFO.
const (
	simSlots     = 16
	simTXBuffer  = 0
	simFIFOStart = 4
	simFIFOLen   = 12
)

// initSimBackend runs the ECAN driver pair against the in-process
// behavioral model, no hardware required. Two controllers sit on one
// model bus in NORMAL mode: the bridge transmits through CAN1 and
// receives through CAN2's accept-all FIFO, so every frame a TCP client
// writes crosses the wire (with a real ack) and fans back out to the
// other clients.
func initSimBackend(ctx context.Context, cfg *appConfig, sink rxSink, l *slog.Logger, wg *sync.WaitGroup) (func(can.Frame) error, func(), error) {
	bus := hw.NewBus()
	timing := ecan.BitTiming{
		BRP: 3, SJW: 1, PRSEG: 2, SEG1PH: 3,
		Seg2: ecan.Seg2Programmable, SEG2PH: 3,
	}

	newNode := func(inst ecan.Instance) (*hw.ECAN, *ecan.Controller, error) {
		eng := hw.NewEngine()
		model := hw.NewECAN(inst, eng, bus)
		conf := ecan.Config{
			Timing:    timing,
			Buffer:    ecan.NewDPSRAM(simSlots),
			FIFOStart: simFIFOStart,
			FIFOLen:   simFIFOLen,
			TXChannel: 0,
			RXChannel: 2,
		}
		conf.TX[simTXBuffer] = true
		c, err := ecan.Init(model, dma.New(eng), inst, conf)
		if err != nil {
			return nil, nil, err
		}
		return model, c, nil
	}

	txModel, txc, err := newNode(ecan.C1)
	if err != nil {
		return nil, func() {}, fmt.Errorf("sim tx controller init: %w", err)
	}
	rxModel, rxc, err := newNode(ecan.C2)
	if err != nil {
		_ = txc.Cleanup()
		return nil, func() {}, fmt.Errorf("sim rx controller init: %w", err)
	}
	fail := func(err error) (func(can.Frame) error, func(), error) {
		_ = rxc.Cleanup()
		_ = txc.Cleanup()
		return nil, func() {}, err
	}

	// Accept-all on the receiving side: zero mask compares no ID bits
	// and either frame type.
	if err := rxc.SetMask(0, can.Header{}); err != nil {
		return fail(fmt.Errorf("sim mask: %w", err))
	}
	if err := rxc.SetFilter(0, can.Header{}); err != nil {
		return fail(fmt.Errorf("sim filter: %w", err))
	}
	if err := rxc.AssignMask(0, 0); err != nil {
		return fail(fmt.Errorf("sim assign mask: %w", err))
	}
	if err := rxc.Connect(0, ecan.BufFIFO); err != nil {
		return fail(fmt.Errorf("sim connect: %w", err))
	}

	// Interrupt dispatches are asynchronous; serialize draining so frames
	// reach the sink in FIFO order.
	var drainMu sync.Mutex
	drain := func() {
		drainMu.Lock()
		defer drainMu.Unlock()
		for {
			var m can.Message
			ok, err := rxc.Read(ecan.BufFIFO, &m)
			if err != nil {
				metrics.IncError(metrics.ErrSimController)
				l.Error("sim_read_error", "error", err)
				return
			}
			if !ok {
				return
			}
			metrics.IncBackendRx(metrics.BackendSim)
			sink(can.FromMessage(m))
		}
	}
	rxc.SetHandlers(ecan.Handlers{
		OnRX: drain,
		OnOverflow: func() {
			metrics.IncError(metrics.ErrBackendOverflow)
			l.Warn("sim_fifo_overflow")
		},
	})
	rxModel.SetIRQHandler(rxc.ServiceISR)

	txc.SetHandlers(ecan.Handlers{
		OnError: func() {
			st, err := txc.Status()
			if err != nil {
				return
			}
			metrics.SetSimBusOff(st.TXBusOff)
			l.Warn("sim_bus_error",
				"tec", st.TXErrorCount, "rec", st.RXErrorCount,
				"passive", st.TXBusPassive, "bus_off", st.TXBusOff)
		},
	})
	txModel.SetIRQHandler(txc.ServiceISR)

	if err := rxc.SetMode(ecan.ModeNormal); err != nil {
		return fail(fmt.Errorf("sim rx mode: %w", err))
	}
	if err := txc.SetMode(ecan.ModeNormal); err != nil {
		return fail(fmt.Errorf("sim tx mode: %w", err))
	}
	l.Info("sim_open", "slots", simSlots, "fifo_start", simFIFOStart, "fifo_len", simFIFOLen)

	send := func(fr can.Frame) error {
		m := fr.ToMessage()
		err := retry.Do(
			func() error { return txc.Write(simTXBuffer, m, 0) },
			retry.RetryIf(func(err error) bool { return errors.Is(err, ecan.ErrAgain) }),
			retry.Attempts(8),
			retry.Delay(500*time.Microsecond),
			retry.Context(ctx),
		)
		if err != nil {
			metrics.IncError(metrics.ErrSimController)
			return err
		}
		metrics.IncBackendTx(metrics.BackendSim)
		return nil
	}
	cleanup := func() {
		if err := rxc.Cleanup(); err != nil {
			l.Warn("sim_cleanup_error", "controller", ecan.C2.Name, "error", err)
		}
		if err := txc.Cleanup(); err != nil {
			l.Warn("sim_cleanup_error", "controller", ecan.C1.Name, "error", err)
		}
	}
	return send, cleanup, nil
}
