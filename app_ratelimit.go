package main

import (
	log "github.com/sirupsen/logrus"

	"vector-tiles/internal/ratelimit"
)

// newRateLimitHandler creates the shared rate limit tracker and reports its events
func (a *App) newRateLimitHandler() *ratelimit.Handler {
	h := ratelimit.NewHandler(nil)

	h.SetOnRateLimit(func(event ratelimit.Event) {
		log.Printf("[App] %s", event.Message)
		a.tracker.Track("source_rate_limited", map[string]interface{}{
			"source":  event.Source,
			"status":  event.StatusCode,
			"attempt": event.RetryAttempt,
		})
	})
	h.SetOnRecovered(func(source string) {
		a.tracker.Track("source_recovered", map[string]interface{}{
			"source": source,
		})
	})
	return h
}
