package main

import (
	"context"
	"log"
	"time"
)

// awaitLeadership calls try until it reports the clock lock as held,
// waiting interval between attempts. It returns false if ctx ends first.
func awaitLeadership(ctx context.Context, interval time.Duration, try func(context.Context) (bool, error)) bool {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		acquired, err := try(ctx)
		if err != nil {
			log.Println("Clock lock attempt failed:", err)
		}
		if acquired {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
