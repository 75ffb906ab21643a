package util

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttle rate-limits a recurring log line, such as a failed emulator
// probe or reconnect attempt. Suppressed lines are counted and reported
// with the next line that gets through.
type Throttle struct {
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewThrottle allows one line per interval with a burst of burst lines.
func NewThrottle(interval time.Duration, burst int) *Throttle {
	return &Throttle{limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Warnf logs a warning unless the limiter is exhausted.
func (t *Throttle) Warnf(format string, args ...interface{}) {
	if !t.limiter.Allow() {
		t.suppressed.Add(1)
		return
	}
	msg := fmt.Sprintf(format, args...)
	if n := t.suppressed.Swap(0); n > 0 {
		msg = fmt.Sprintf("%s (%d similar messages suppressed)", msg, n)
	}
	LogWarning("%s", msg)
}

// Suppressed returns the number of lines dropped since the last one logged.
func (t *Throttle) Suppressed() int64 {
	return t.suppressed.Load()
}
