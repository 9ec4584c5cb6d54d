// Package session keeps multi-turn conversation state in memory with an optional
// durable mirror on disk, and expires sessions that have not been used within a TTL.
package session

import (
	"errors"
	"time"

	"github.com/laomeifun/gemini-images/internal/core"
)

// ErrNotFound is returned by a Mirror when no record exists for an id.
var ErrNotFound = errors.New("session not found")

// Session is a snapshot of one conversation. The store hands out copies; mutate a
// session only through Store.Update.
type Session struct {
	ID         core.SessionID
	Messages   []core.Message
	LastImage  *core.Image
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Summary holds listing metadata about a session.
type Summary struct {
	ID           core.SessionID `json:"id"`
	MessageCount int            `json:"message_count"`
	HasImage     bool           `json:"has_image"`
	CreatedAt    time.Time      `json:"created_at"`
	LastUsedAt   time.Time      `json:"last_used_at"`
}

func (s Session) Summary() Summary {
	return Summary{
		ID:           s.ID,
		MessageCount: len(s.Messages),
		HasImage:     s.LastImage != nil,
		CreatedAt:    s.CreatedAt,
		LastUsedAt:   s.LastUsedAt,
	}
}

func (s Session) clone() Session {
	cloned := s
	cloned.Messages = core.CloneMessages(s.Messages)
	if s.LastImage != nil {
		img := *s.LastImage
		cloned.LastImage = &img
	}
	return cloned
}

func expired(lastUsedAt, now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(lastUsedAt) > ttl
}

// Mirror is durable storage for sessions. Image parts of saved sessions must be
// stored as file references, never inline.
type Mirror interface {
	Save(sess Session) error
	Load(id core.SessionID) (Session, error)
	Delete(id core.SessionID) error
	List() ([]Summary, error)
	ReadImage(path string) (core.Image, error)
	SweepExpired(now time.Time, ttl time.Duration, skip func(core.SessionID) bool) ([]core.SessionID, error)
}
