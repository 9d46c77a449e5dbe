package client

import (
	"golang.org/x/time/rate"
)

// NewRateLimiter returns a limiter allowing requestsPerSecond with a burst of the same size
// (at least 1), or nil when requestsPerSecond is not positive.
func NewRateLimiter(requestsPerSecond float64) *rate.Limiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}
