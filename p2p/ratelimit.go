package p2p

import (
	"time"

	"golang.org/x/time/rate"
)

// newPeerLimiter returns nil when limiting is disabled.
func newPeerLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = int(perSecond * 2)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func allow(l *rate.Limiter, now time.Time) bool {
	return l == nil || l.AllowN(now, 1)
}
