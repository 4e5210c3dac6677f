package limits

import (
	"context"

	"golang.org/x/time/rate"
)

// FlushLimiter paces the replay of the queued-outbound-frames buffer after
// a reconnect, so a client that accumulated a large backlog while offline
// doesn't burst the whole queue onto the wire the instant the socket opens.
type FlushLimiter struct {
	limiter *rate.Limiter
}

// NewFlushLimiter builds a token-bucket limiter: framesPerSecond sustained,
// burst allowed instantaneously. A non-positive framesPerSecond disables
// pacing entirely.
func NewFlushLimiter(framesPerSecond float64, burst int) *FlushLimiter {
	if framesPerSecond <= 0 {
		return &FlushLimiter{limiter: rate.NewLimiter(rate.Inf, burst)}
	}
	return &FlushLimiter{limiter: rate.NewLimiter(rate.Limit(framesPerSecond), burst)}
}

// Wait blocks until one frame may be sent, or ctx is done.
func (f *FlushLimiter) Wait(ctx context.Context) error {
	return f.limiter.Wait(ctx)
}
