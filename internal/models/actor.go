package models

import "github.com/google/uuid"

// ActorContext is the identity and privilege envelope an operation runs under.
// Scheduled work always executes under the constrained scheduled-class
// context; nothing downstream may elevate it.
type ActorContext struct {
	ActorType      string `json:"actor_type"`
	ActorID        string `json:"actor_id,omitempty"`
	Channel        string `json:"channel"`
	PrivilegeLevel string `json:"privilege_level"`
	AutonomyLevel  string `json:"autonomy_level"`
	TraceID        string `json:"trace_id"`
	RequestID      string `json:"request_id,omitempty"`
}

// ScheduledActor builds the fixed scheduled-class actor context. An empty
// traceID gets a fresh one assigned.
func ScheduledActor(traceID string) ActorContext {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return ActorContext{
		ActorType:      "scheduled",
		ActorID:        "scheduler",
		Channel:        "scheduled",
		PrivilegeLevel: "constrained",
		AutonomyLevel:  "limited",
		TraceID:        traceID,
	}
}
