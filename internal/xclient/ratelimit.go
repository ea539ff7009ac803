package xclient

import (
	"os"
	"strconv"

	"golang.org/x/time/rate"
)

// newDefaultLimiter creates the read limiter using env overrides if present.
func newDefaultLimiter() *rate.Limiter {
	return envLimiter("X_API_RPS", 2.0, "X_API_BURST", 10)
}

// newWriteLimiter guards unfollow calls on top of the executor's pacing.
func newWriteLimiter() *rate.Limiter {
	return envLimiter("X_API_WRITE_RPS", 1.0, "X_API_WRITE_BURST", 1)
}

func envLimiter(rpsKey string, rps float64, burstKey string, burst int) *rate.Limiter {
	if v := os.Getenv(rpsKey); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			rps = f
		}
	}
	if v := os.Getenv(burstKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			burst = n
		}
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
