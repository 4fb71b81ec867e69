// Package backoff provides exponential backoff utilities for retry logic.
package backoff

import (
	"context"
	"fmt"
	"time"
)

type Strategy struct {
	Delays []time.Duration
}

var (
	// Quick is used for reconnect loops where the peer is expected back soon.
	Quick = Strategy{
		Delays: []time.Duration{
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
		},
	}

	// Standard is the general-purpose retry table.
	Standard = Strategy{
		Delays: []time.Duration{
			500 * time.Millisecond,
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
			30 * time.Second,
		},
	}

	// Single makes one attempt. Latency-sensitive callers use it where
	// waiting through a retry table would stall the conversation.
	Single = Strategy{
		Delays: []time.Duration{
			500 * time.Millisecond,
		},
	}

	// ToolCall bounds MCP tool invocations: up to 3 attempts, 2s apart.
	ToolCall = Strategy{
		Delays: []time.Duration{
			2 * time.Second,
			2 * time.Second,
			2 * time.Second,
		},
	}
)

// Exponential builds a doubling delay table starting at base, capped at attempts entries.
func Exponential(base time.Duration, attempts int) Strategy {
	delays := make([]time.Duration, attempts)
	d := base
	for i := range delays {
		delays[i] = d
		d *= 2
	}
	return Strategy{Delays: delays}
}

type RetryFunc func(ctx context.Context, attempt int) error

func Retry(ctx context.Context, strategy Strategy, fn RetryFunc) error {
	return RetryWithCallback(ctx, strategy, fn, nil)
}

func RetryWithCallback(ctx context.Context, strategy Strategy, fn RetryFunc, onRetry func(attempt int, err error, delay time.Duration)) error {
	var lastErr error

	for i := 0; i < len(strategy.Delays); i++ {
		if err := fn(ctx, i+1); err != nil {
			lastErr = err

			if onRetry != nil {
				onRetry(i+1, err, strategy.Delays[i])
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(strategy.Delays[i]):
			}
			continue
		}
		return nil
	}

	return fmt.Errorf("failed after %d attempts: %w", len(strategy.Delays), lastErr)
}
