package models

import "time"

// TaskIntent is the immutable statement of why something should run.
// It is created once by an external caller and referenced, never copied,
// by every Schedule and Execution derived from it.
type TaskIntent struct {
	ID              string    `json:"id"`
	Summary         string    `json:"summary"`
	Details         *string   `json:"details,omitempty"`
	OriginReference *string   `json:"origin_reference,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
