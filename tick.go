package main

import (
	"context"
	"log"
	"time"
)

// startTickLoop drives clock on interval until ctx ends. Ticks are handled
// on one goroutine and the ticker drops ticks while a pass is running, so
// a slow pass delays the next one instead of overlapping it.
func startTickLoop(ctx context.Context, clock *WorldClock, interval time.Duration) {
	ticker := time.NewTicker(interval)
	log.Println("Tick loop started, interval", interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Println("Tick loop stopped")
				return
			case <-ticker.C:
				_, _ = clock.Tick(ctx)
			}
		}
	}()
}
