package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-udstp/internal/metrics"
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
					"bus_rx", snap.BusRx,
					"bus_tx", snap.BusTx,
					"hub_drops", snap.HubDrops,
					"subscriptions", snap.Subscriptions,
					"periodic", snap.Periodic,
					"buffered", snap.Buffered,
					"messages", snap.Messages,
					"incomplete", snap.Incomplete,
					"flow_control", snap.FlowControl,
					"periodic_tx", snap.PeriodicTx,
					"bridge_rx", snap.BridgeRx,
					"bridge_tx", snap.BridgeTx,
					"malformed", snap.Malformed,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
