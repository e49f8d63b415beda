package models

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Fragment is one inbound piece of a user's message burst.
type Fragment struct {
	ID        string    `json:"id"`                  // ULID
	Text      string    `json:"text,omitempty"`
	ImageRef  string    `json:"image_ref,omitempty"` // data URL or media link
	VoiceRef  string    `json:"voice_ref,omitempty"` // stored audio filename
	CreatedAt time.Time `json:"created_at"`
}

// NewFragment creates a fragment stamped with an ID and the current time.
func NewFragment(text, imageRef, voiceRef string) Fragment {
	return Fragment{
		ID:        ulid.Make().String(),
		Text:      text,
		ImageRef:  imageRef,
		VoiceRef:  voiceRef,
		CreatedAt: time.Now().UTC(),
	}
}

// IsEmpty reports whether the fragment carries no content at all.
func (f Fragment) IsEmpty() bool {
	return f.Text == "" && f.ImageRef == "" && f.VoiceRef == ""
}

// Batch is the merged view of every fragment buffered for a user.
type Batch struct {
	UserKey   string    `json:"user_key"`
	Text      string    `json:"text"`
	ImageRef  string    `json:"image_ref,omitempty"`
	VoiceRef  string    `json:"voice_ref,omitempty"`
	Fragments int       `json:"fragments"`
	FirstAt   time.Time `json:"first_at"`
	LastAt    time.Time `json:"last_at"`
}

// Merge coalesces fragments in arrival order. Texts are joined with a single
// space; the newest non-empty image and voice references win.
func Merge(userKey string, fragments []Fragment) Batch {
	b := Batch{UserKey: userKey, Fragments: len(fragments)}
	if len(fragments) == 0 {
		return b
	}
	b.FirstAt = fragments[0].CreatedAt
	b.LastAt = fragments[len(fragments)-1].CreatedAt

	texts := make([]string, 0, len(fragments))
	for _, f := range fragments {
		if f.Text != "" {
			texts = append(texts, f.Text)
		}
	}
	b.Text = strings.Join(texts, " ")

	for i := len(fragments) - 1; i >= 0; i-- {
		if b.ImageRef == "" && fragments[i].ImageRef != "" {
			b.ImageRef = fragments[i].ImageRef
		}
		if b.VoiceRef == "" && fragments[i].VoiceRef != "" {
			b.VoiceRef = fragments[i].VoiceRef
		}
	}

	return b
}
