package services

import (
	"context"
	"time"
)

// utcClock wraps the configured time source, defaulting to time.Now.
// Services timestamp everything in UTC so Firestore ordering and the
// reservation TTL math never depend on the host timezone.
func utcClock(clock func() time.Time) func() time.Time {
	if clock == nil {
		clock = time.Now
	}
	return func() time.Time {
		return clock().UTC()
	}
}

// eventLogger returns the configured structured logger or a no-op.
func eventLogger(logger func(context.Context, string, map[string]any)) func(context.Context, string, map[string]any) {
	if logger == nil {
		return func(context.Context, string, map[string]any) {}
	}
	return logger
}
