package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/canpipe/canpipe/internal/metrics"
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
					"can_rx", snap.CANRx,
					"can_tx", snap.CANTx,
					"udp_rx_packets", snap.UDPRxPackets,
					"udp_tx_packets", snap.UDPTxPackets,
					"udp_rx_frames", snap.UDPRxFrames,
					"udp_tx_frames", snap.UDPTxFrames,
					"pool_growths", snap.PoolGrowths,
					"peer_mismatch", snap.PeerMismatch,
					"hub_drops", snap.HubDrops,
					"malformed", snap.Malformed,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
