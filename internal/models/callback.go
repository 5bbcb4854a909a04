package models

import "time"

// CallbackPayload is the canonical trigger delivered by a provider adapter
// when the backend fires. No backend-specific identifiers appear here; those
// stay inside the adapter.
type CallbackPayload struct {
	CallbackID      string    `json:"callback_id"`
	ScheduleID      string    `json:"schedule_id"`
	ScheduledFor    time.Time `json:"scheduled_for"`
	EmittedAt       time.Time `json:"emitted_at"`
	ProviderName    string    `json:"provider_name"`
	ProviderAttempt int       `json:"provider_attempt"`
	ProviderTraceID string    `json:"provider_trace_id,omitempty"`
	ScheduleVersion int       `json:"schedule_version,omitempty"`
}
