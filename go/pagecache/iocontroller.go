package pagecache

import (
	"time"

	"golang.org/x/time/rate"
)

// IOController paces background I/O so that checkpoint flushing doesn't
// starve foreground commits of disk bandwidth.
type IOController interface {
	IsEnabled() bool
	// ConfiguredLimit is the configured IOPS ceiling. A negative limit means
	// the controller imposes no ceiling even while enabled.
	ConfiguredLimit() int64
	// Pace blocks until the next I/O may proceed and returns how long the
	// caller was paused, zero if it wasn't.
	Pace() time.Duration
}

// Limiter is the standard IOController over a token bucket.
type Limiter struct {
	limit   int64
	limiter *rate.Limiter
}

// NewLimiter returns a Limiter enforcing iopsLimit I/Os per second. A zero or
// negative limit produces an enabled but unrestricted controller.
func NewLimiter(iopsLimit int64) *Limiter {
	var l = &Limiter{limit: iopsLimit}
	if iopsLimit > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(iopsLimit), int(iopsLimit))
	}
	return l
}

func (l *Limiter) IsEnabled() bool        { return true }
func (l *Limiter) ConfiguredLimit() int64 { return l.limit }

func (l *Limiter) Pace() time.Duration {
	if l.limiter == nil {
		return 0
	}
	var delay = l.limiter.Reserve().Delay()
	if delay > 0 {
		time.Sleep(delay)
	}
	return delay
}

// Unlimited is a disabled IOController: no pacing, no configured limit.
type Unlimited struct{}

func (Unlimited) IsEnabled() bool        { return false }
func (Unlimited) ConfiguredLimit() int64 { return -1 }
func (Unlimited) Pace() time.Duration    { return 0 }
