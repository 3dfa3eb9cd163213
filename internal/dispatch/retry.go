package dispatch

import (
	"context"
	"time"

	"github.com/frontdesklabs/call-engine/pkg/logger"
	"go.uber.org/zap"
)

const (
	retryBaseDelay = 200 * time.Millisecond
	retryFactor    = 2
	retryMaxTries  = 5
)

// withRetry runs fn up to retryMaxTries times with exponential backoff
// (200ms, 400ms, 800ms, 1.6s between attempts). The last error is returned
// when every attempt fails or ctx expires first.
func withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	delay := retryBaseDelay
	for attempt := 1; attempt <= retryMaxTries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		logger.Base().Warn("Dispatch operation failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == retryMaxTries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= retryFactor
	}
	return err
}
