package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/embeddedbus/ecan/internal/can"
	"github.com/embeddedbus/ecan/internal/capture"
	"github.com/embeddedbus/ecan/internal/hub"
)

// rxSink consumes frames arriving from the backend bus.
type rxSink func(can.Frame)

// initBackend selects the backend, starts its RX loop and returns a frame
// sender and cleanup. When a capture file is configured, both directions
// are teed into it. Errors are returned instead of exiting the process to
// allow graceful handling by the caller.
func initBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (func(can.Frame) error, func(), error) {
	sink := rxSink(func(fr can.Frame) { h.Broadcast(fr) })

	var cw *capture.Writer
	capCleanup := func() {}
	if cfg.capturePath != "" {
		var err error
		cw, err = capture.Open(cfg.capturePath)
		if err != nil {
			return nil, func() {}, fmt.Errorf("open capture: %w", err)
		}
		l.Info("capture_open", "path", cfg.capturePath)
		broadcast := sink
		sink = func(fr can.Frame) {
			if err := cw.Append(capture.DirRX, fr); err != nil {
				l.Warn("capture_append_error", "error", err)
			}
			broadcast(fr)
		}
		capCleanup = func() { _ = cw.Close() }
	}

	var send func(can.Frame) error
	var cleanup func()
	var err error
	switch cfg.backend {
	case "sim":
		send, cleanup, err = initSimBackend(ctx, cfg, sink, l, wg)
	case "slcan":
		send, cleanup, err = initSLCANBackend(ctx, cfg, sink, l, wg)
	case "socketcan":
		send, cleanup, err = initSocketCANBackend(ctx, cfg, sink, l, wg)
	default:
		capCleanup()
		return nil, func() {}, fmt.Errorf("unknown backend %q (use sim|slcan|socketcan)", cfg.backend)
	}
	if err != nil {
		capCleanup()
		return nil, func() {}, err
	}

	if cw != nil {
		base := send
		send = func(fr can.Frame) error {
			if err := base(fr); err != nil {
				return err
			}
			// Append errors are counted by the capture package itself.
			_ = cw.Append(capture.DirTX, fr)
			return nil
		}
	}
	backendCleanup := cleanup
	return send, func() { backendCleanup(); capCleanup() }, nil
}
