// Package telemetry reports tile outcomes as analytics events.
package telemetry

import (
	"sync"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	log "github.com/sirupsen/logrus"
)

// Tracker records named events
type Tracker interface {
	Track(event string, props map[string]interface{})
	Close() error
}

// New returns a PostHog tracker, or a no-op tracker when key is empty
func New(key, host string) Tracker {
	if key == "" {
		return Nop{}
	}

	client, err := posthog.NewWithConfig(key, posthog.Config{Endpoint: host})
	if err != nil {
		log.Printf("[Telemetry] Failed to initialize PostHog: %v", err)
		return Nop{}
	}
	return &PostHog{
		client:     client,
		distinctID: uuid.NewString(),
	}
}

// PostHog enqueues events on a PostHog client
type PostHog struct {
	client posthog.Client
	// one anonymous ID per process
	distinctID string
	closeOnce  sync.Once
}

func (p *PostHog) Track(event string, props map[string]interface{}) {
	err := p.client.Enqueue(posthog.Capture{
		DistinctId: p.distinctID,
		Event:      event,
		Properties: props,
	})
	if err != nil {
		log.Debugf("[Telemetry] Dropped event %s: %v", event, err)
	}
}

// Close flushes queued events
func (p *PostHog) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.client.Close()
	})
	return err
}

// Nop discards every event
type Nop struct{}

func (Nop) Track(string, map[string]interface{}) {}

func (Nop) Close() error { return nil }

// Recorder keeps events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Event is one recorded event
type Event struct {
	Name  string
	Props map[string]interface{}
}

func (r *Recorder) Track(event string, props map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Name: event, Props: props})
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
