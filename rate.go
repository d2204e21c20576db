package luteus

import (
	"time"

	"golang.org/x/time/rate"
)

// newThroughputLimiter returns a limiter allowing burst messages at once,
// then one message per interval. A nil limiter means no limit.
func newThroughputLimiter(interval time.Duration, burst int) *rate.Limiter {
	if interval <= 0 || burst <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(interval), burst)
}

// acceptDelay doubles from min up to max on each consecutive failure.
type acceptDelay struct {
	min, max time.Duration
	cur      time.Duration
}

func (d *acceptDelay) Reset() {
	d.cur = 0
}

func (d *acceptDelay) Next() time.Duration {
	switch {
	case d.cur == 0:
		d.cur = d.min
	case d.cur < d.max:
		d.cur *= 2
		if d.cur > d.max {
			d.cur = d.max
		}
	}
	return d.cur
}
