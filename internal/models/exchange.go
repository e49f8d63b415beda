package models

import "time"

// Exchange is one user/assistant turn kept in short-term chat history.
type Exchange struct {
	UserMessage      string    `json:"userMessage"`
	AssistantMessage string    `json:"aiMessage"`
	Timestamp        time.Time `json:"timestamp"`
}

// Draft is the single in-progress item a user is building. The "timestamp"
// field is owned by the store and rewritten on every save.
type Draft map[string]any

// DraftTimestampField is the reserved key holding the last write time.
const DraftTimestampField = "timestamp"
