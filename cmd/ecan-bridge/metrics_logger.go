package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/embeddedbus/ecan/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"backend_rx", snap.BackendRx,
					"backend_tx", snap.BackendTx,
					"tcp_rx", snap.TCPRx,
					"tcp_tx", snap.TCPTx,
					"hub_drops", snap.HubDrops,
					"captured", snap.Captured,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
