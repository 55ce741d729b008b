package slcan

import (
	"context"
	"errors"

	"github.com/embeddedbus/ecan/internal/can"
	"github.com/embeddedbus/ecan/internal/logging"
	"github.com/embeddedbus/ecan/internal/metrics"
	"github.com/embeddedbus/ecan/internal/transport"
)

var ErrTxOverflow = errors.New("slcan tx overflow")

// TXWriter funnels all adapter writes through one goroutine.
type TXWriter struct{ base *transport.AsyncTx }

// NewTXWriter creates an SLCAN TXWriter with a buffered channel of size buf.
func NewTXWriter(parent context.Context, sp Port, codec Codec, buf int) *TXWriter {
	send := func(fr can.Frame) error {
		_, err := sp.Write(codec.Encode(fr))
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrBackendWrite)
			logging.L().Error("slcan_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncBackendTx(metrics.BackendSLCAN) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrBackendOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// SendFrame queues a frame for asynchronous write (drops with ErrTxOverflow if buffer full).
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.base.SendFrame(fr) }

// Close stops the writer and waits for pending goroutine exit.
func (w *TXWriter) Close() { w.base.Close() }
