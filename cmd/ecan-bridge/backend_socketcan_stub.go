//go:build !linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/embeddedbus/ecan/internal/can"
)

// Placeholder so non-linux builds compile; socketcan not supported.
func initSocketCANBackend(ctx context.Context, cfg *appConfig, sink rxSink, l *slog.Logger, wg *sync.WaitGroup) (func(can.Frame) error, func(), error) {
	return nil, func() {}, fmt.Errorf("socketcan backend unsupported on this platform")
}
