package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// InboundLimiter gates how fast the gateway admits new upstream attempts,
// independent of which credential eventually serves the request. Disabled
// by default (ratePerSecond <= 0).
type InboundLimiter struct {
	limiter *rate.Limiter
}

// NewInboundLimiter constructs a limiter admitting ratePerSecond requests
// per second with the given burst. A non-positive ratePerSecond disables
// throttling entirely.
func NewInboundLimiter(ratePerSecond float64, burst int) *InboundLimiter {
	if ratePerSecond <= 0 {
		return &InboundLimiter{limiter: nil}
	}
	if burst < 1 {
		burst = 1
	}
	return &InboundLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Wait blocks until a token is available, or returns ctx.Err() if ctx is
// cancelled first. A disabled limiter returns immediately.
func (l *InboundLimiter) Wait(ctx context.Context) error {
	if l == nil || l.limiter == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}
