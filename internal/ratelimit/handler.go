package ratelimit

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// RetryStrategy defines the backoff intervals applied to a throttled source
type RetryStrategy struct {
	Intervals []time.Duration
}

// DefaultRetryStrategy returns the default backoff strategy
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		Intervals: []time.Duration{
			5 * time.Second,
			15 * time.Second,
			30 * time.Second,
			time.Minute,
			5 * time.Minute, // used for every further occurrence
		},
	}
}

// Event represents a rate limit occurrence
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	Source       string    `json:"source"`
	StatusCode   int       `json:"statusCode"`
	RetryAttempt int       `json:"retryAttempt"` // 0 = first occurrence
	NextRetryAt  time.Time `json:"nextRetryAt"`
	Message      string    `json:"message"`
}

// Handler tracks throttling responses per source and backs off until the next retry time
type Handler struct {
	mu          sync.RWMutex
	rateLimited map[string]*Event
	strategy    *RetryStrategy
	onRateLimit func(event Event)
	onRecovered func(source string)
	now         func() time.Time
}

// NewHandler creates a new rate limit handler
func NewHandler(strategy *RetryStrategy) *Handler {
	if strategy == nil || len(strategy.Intervals) == 0 {
		strategy = DefaultRetryStrategy()
	}

	return &Handler{
		rateLimited: make(map[string]*Event),
		strategy:    strategy,
		now:         time.Now,
	}
}

// SetOnRateLimit sets the callback for rate limit events
func (h *Handler) SetOnRateLimit(callback func(event Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRateLimit = callback
}

// SetOnRecovered sets the callback for recovery from rate limit
func (h *Handler) SetOnRecovered(callback func(source string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecovered = callback
}

// IsRateLimited reports whether requests to source should be held back.
// The state lapses once NextRetryAt passes; the next response decides whether it clears.
func (h *Handler) IsRateLimited(source string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	event, limited := h.rateLimited[source]
	return limited && h.now().Before(event.NextRetryAt)
}

// CheckResponse analyzes an HTTP response for rate limit indicators
func (h *Handler) CheckResponse(source string, resp *http.Response) bool {
	if !IsThrottleStatus(resp.StatusCode) {
		h.checkRecovery(source)
		return false
	}

	h.recordRateLimit(source, resp.StatusCode)
	return true
}

// IsThrottleStatus reports whether an HTTP status signals throttling
func IsThrottleStatus(code int) bool {
	return code == http.StatusTooManyRequests || // 429
		code == http.StatusForbidden || // some tile hosts throttle with 403
		code == 509 // Bandwidth Limit Exceeded
}

// recordRateLimit records a rate limit event and computes the next retry time
func (h *Handler) recordRateLimit(source string, statusCode int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	retryAttempt := 0
	if existing, exists := h.rateLimited[source]; exists {
		retryAttempt = existing.RetryAttempt + 1
	}

	intervals := h.strategy.Intervals
	interval := intervals[len(intervals)-1]
	if retryAttempt < len(intervals) {
		interval = intervals[retryAttempt]
	}

	now := h.now()
	event := Event{
		Timestamp:    now,
		Source:       source,
		StatusCode:   statusCode,
		RetryAttempt: retryAttempt,
		NextRetryAt:  now.Add(interval),
		Message:      buildMessage(source, statusCode, retryAttempt, interval),
	}
	h.rateLimited[source] = &event

	log.WithFields(log.Fields{
		"source":  source,
		"status":  statusCode,
		"attempt": retryAttempt,
		"retryAt": event.NextRetryAt.Format(time.RFC3339),
	}).Warn("[RateLimit] Source rate limited")

	if h.onRateLimit != nil {
		go h.onRateLimit(event)
	}
}

// checkRecovery clears the state of a source that answered normally
func (h *Handler) checkRecovery(source string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.rateLimited[source]; exists {
		delete(h.rateLimited, source)
		log.WithField("source", source).Info("[RateLimit] Rate limit cleared")

		if h.onRecovered != nil {
			go h.onRecovered(source)
		}
	}
}

// Reset clears the state of a source immediately
func (h *Handler) Reset(source string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rateLimited, source)
}

// GetCurrentState returns a copy of the rate limit state for a source, or nil
func (h *Handler) GetCurrentState(source string) *Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if event, exists := h.rateLimited[source]; exists {
		eventCopy := *event
		return &eventCopy
	}
	return nil
}

func buildMessage(source string, statusCode, retryAttempt int, wait time.Duration) string {
	if retryAttempt == 0 {
		return fmt.Sprintf("%s rate limit detected (HTTP %d). Requests paused for %s.",
			source, statusCode, wait)
	}
	return fmt.Sprintf("%s still rate limited (attempt %d). Requests paused for %s.",
		source, retryAttempt+1, wait)
}
