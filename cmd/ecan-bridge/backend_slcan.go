package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	retry "github.com/avast/retry-go"

	"github.com/embeddedbus/ecan/internal/can"
	"github.com/embeddedbus/ecan/internal/metrics"
	"github.com/embeddedbus/ecan/internal/slcan"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// openSLCANPort is a hook for tests (overridden in unit tests).
var openSLCANPort = slcan.Open

// initSLCANBackend opens the adapter, programs the bus bitrate and starts
// the RX loop. USB adapters enumerate slowly after plug-in, so the open is
// retried a few times before giving up.
func initSLCANBackend(ctx context.Context, cfg *appConfig, sink rxSink, l *slog.Logger, wg *sync.WaitGroup) (func(can.Frame) error, func(), error) {
	var sp slcan.Port
	err := retry.Do(
		func() error {
			var oerr error
			sp, oerr = openSLCANPort(cfg.slcanDev, cfg.baud, cfg.slcanReadTO)
			return oerr
		},
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			l.Warn("slcan_open_retry", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open slcan: %w", err)
	}
	if err := slcan.Setup(sp, cfg.bitrate); err != nil {
		_ = sp.Close()
		return nil, func() {}, fmt.Errorf("slcan setup: %w", err)
	}
	l.Info("slcan_open", "device", cfg.slcanDev, "baud", cfg.baud, "bitrate", cfg.bitrate)
	codec := slcan.Codec{}
	w := slcan.NewTXWriter(ctx, sp, codec, txQueueSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("slcan_rx_end")
		buf := make([]byte, slcanReadBufSize)
		acc := bytes.NewBuffer(nil)
		backoff := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := sp.Read(buf)
			if n > 0 {
				acc.Write(buf[:n])
				_ = codec.DecodeStream(acc, func(fr can.Frame) { sink(fr) })
				if acc.Len() == 0 && cap(acc.Bytes()) > largeBufferReclaimThreshold {
					acc = bytes.NewBuffer(nil)
				}
				backoff = rxBackoffMin
			}
			if err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				var perr *os.PathError
				if errors.As(err, &perr) {
					return // device removed or fatal
				}
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					continue // read timeout on quiet bus
				}
				metrics.IncError(metrics.ErrBackendRead)
				l.Warn("slcan_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff *= 2
				if backoff > rxBackoffMax {
					backoff = rxBackoffMax
				}
			}
		}
	}()
	cleanup := func() {
		slcan.Teardown(sp)
		_ = sp.Close()
		w.Close()
	}
	return w.SendFrame, cleanup, nil
}
