// Package metrics keeps in-process counters for delivery and funnel outcomes.
//
// The counters back the /stats endpoint; durable metrics aggregation lives
// outside this service.
package metrics

import (
	"log/slog"
	"sync"
)

// Registry holds the process-wide counters. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	counters map[string]int64
}

// Counter names recorded by the engine.
const (
	CounterMessagesSent       = "messages_sent"
	CounterMessagesFailed     = "messages_failed"
	CounterMessagesDeduped    = "messages_deduplicated"
	CounterMessagesQueued     = "messages_queued"
	CounterQualified          = "leads_qualified"
	CounterNotQualified       = "leads_not_qualified"
	CounterNotInterested      = "leads_not_interested"
	CounterMeetingsScheduled  = "meetings_scheduled"
	CounterSessionsStarted    = "sessions_started"
	CounterSessionsFinalized  = "sessions_finalized"
	CounterSessionsExpired    = "sessions_expired"
	CounterInboundMessages    = "inbound_messages"
	CounterWebhookDuplicates  = "webhook_duplicates"
)

// NewRegistry creates an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]int64)}
}

// Inc increments a counter by one.
func (r *Registry) Inc(name string) {
	r.mu.Lock()
	r.counters[name]++
	r.mu.Unlock()
}

// Get returns the current value of a counter.
func (r *Registry) Get(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Snapshot returns a copy of all counters.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// RecordMeetingScheduled logs and counts a captured meeting preference.
func (r *Registry) RecordMeetingScheduled(leadID, slot string) {
	slog.Info("Meeting scheduled", "lead_id", leadID, "slot", slot)
	r.Inc(CounterMeetingsScheduled)
}
