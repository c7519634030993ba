package main

import (
	"context"
	"log/slog"
	"time"

	"haven/server/internal/core"
)

// RunMetrics logs hub throughput stats every interval until ctx is canceled.
func RunMetrics(ctx context.Context, hub *core.Hub, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			broadcasts, deliveries, sessions := hub.Stats()
			if sessions > 0 || broadcasts > 0 {
				slog.Info("hub stats",
					"sessions", sessions,
					"broadcasts", broadcasts,
					"deliveries", deliveries,
					"rooms", hub.RoomCount())
			}
		}
	}
}
