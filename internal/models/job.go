package models

import (
	"encoding/json"
	"time"
)

// Job is the envelope pushed onto the work queue.
type Job struct {
	ID         string          `json:"id"` // UUIDv7
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
	EnqueuedAt int64           `json:"ts"` // Unix ms
}

// Interaction is the analytics record written for every processed batch.
type Interaction struct {
	ID        string    `json:"id"` // ULID
	UserKey   string    `json:"user_key"`
	Input     string    `json:"input"`
	Reply     string    `json:"reply"`
	InputType string    `json:"input_type"`
	CreatedAt time.Time `json:"created_at"`
}
