package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/laomeifun/gemini-images/internal/core"
)

const (
	DefaultTTL             = time.Hour
	DefaultMaxHistoryTurns = 10
	DefaultSweepInterval   = 5 * time.Minute
)

// Options configures a Store. A nil Mirror keeps sessions in memory only.
type Options struct {
	TTL             time.Duration
	MaxHistoryTurns int
	Mirror          Mirror
	Logger          *slog.Logger
	Now             func() time.Time
}

type entry struct {
	mu   sync.Mutex
	sess Session
}

// Store is the process-wide session cache. The in-memory map is authoritative for
// loaded sessions; the mirror, when configured, survives restarts. Mutations of a
// single session are serialized by a per-session lock, so concurrent updates to
// the same id append in turn rather than overwrite each other.
type Store struct {
	ttl             time.Duration
	maxHistoryTurns int
	mirror          Mirror
	logger          *slog.Logger
	now             func() time.Time

	mu      sync.RWMutex
	entries map[core.SessionID]*entry
	loads   singleflight.Group
}

func NewStore(opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxHistoryTurns <= 0 {
		opts.MaxHistoryTurns = DefaultMaxHistoryTurns
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Store{
		ttl:             opts.TTL,
		maxHistoryTurns: opts.MaxHistoryTurns,
		mirror:          opts.Mirror,
		logger:          opts.Logger,
		now:             opts.Now,
		entries:         make(map[core.SessionID]*entry),
	}
}

// MaxMessages is the history cap: one user and one assistant message per turn.
func (s *Store) MaxMessages() int {
	return 2 * s.maxHistoryTurns
}

// GetOrCreate returns the live session for id, reloading it from the mirror if it
// is not in memory. An empty, unknown or expired id yields a brand-new session with
// a fresh id, reported by created.
func (s *Store) GetOrCreate(id core.SessionID) (sess Session, created bool) {
	if id != "" {
		if e := s.lookup(id); e != nil {
			if sess, ok := s.touch(e); ok {
				return sess, false
			}
			s.expire(id)
		} else if e := s.load(id); e != nil {
			if sess, ok := s.touch(e); ok {
				return sess, false
			}
			s.expire(id)
		}
	}

	return s.create(), true
}

// Update appends the user turn and, when images were produced, an assistant turn
// carrying the first image, which also becomes LastImage. History is trimmed to
// MaxMessages and the result is mirrored. Mirror failures are logged, not returned.
func (s *Store) Update(sess Session, userParts []core.ContentPart, images []core.Image) (Session, error) {
	if sess.ID == "" {
		return Session{}, core.InvalidArgument("update: session has no id")
	}

	e := s.lookup(sess.ID)
	if e == nil {
		e = s.insert(sess.clone())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.sess.Messages = append(e.sess.Messages, core.Message{
		Role:  core.RoleUser,
		Parts: append([]core.ContentPart(nil), userParts...),
	})

	if len(images) > 0 {
		img := images[0]
		e.sess.LastImage = &img
		e.sess.Messages = append(e.sess.Messages, core.Message{
			Role:  core.RoleAssistant,
			Parts: []core.ContentPart{core.ImagePart(img)},
		})
	}

	if limit := s.MaxMessages(); len(e.sess.Messages) > limit {
		e.sess.Messages = append([]core.Message(nil), e.sess.Messages[len(e.sess.Messages)-limit:]...)
	}

	s.refresh(&e.sess)
	updated := e.sess.clone()
	s.persist(updated)

	return updated, nil
}

// History returns the session's messages with file-referenced images loaded. Image
// parts whose blobs cannot be read are dropped.
func (s *Store) History(sess Session) []core.Message {
	messages := core.CloneMessages(sess.Messages)
	if s.mirror == nil {
		return messages
	}

	for i := range messages {
		parts := messages[i].Parts[:0]
		for _, part := range messages[i].Parts {
			if part.Type == core.PartImage && part.Data == "" && part.Path != "" {
				img, err := s.mirror.ReadImage(part.Path)
				if err != nil {
					s.logger.Warn("dropping unreadable history image", "session_id", sess.ID, "path", part.Path, "error", err)
					continue
				}
				part.Data = img.Base64
				if part.MimeType == "" {
					part.MimeType = img.MimeType
				}
			}
			parts = append(parts, part)
		}
		messages[i].Parts = parts
	}

	return messages
}

// SweepExpired removes every session unused for longer than the TTL from memory
// and from the mirror, including its image files. Sessions currently being mutated
// are left for the next sweep.
func (s *Store) SweepExpired() int {
	now := s.now()

	var removed []core.SessionID
	s.mu.Lock()
	for id, e := range s.entries {
		if !e.mu.TryLock() {
			continue
		}
		if expired(e.sess.LastUsedAt, now, s.ttl) {
			delete(s.entries, id)
			removed = append(removed, id)
		}
		e.mu.Unlock()
	}
	s.mu.Unlock()

	if s.mirror != nil {
		for _, id := range removed {
			if err := s.mirror.Delete(id); err != nil {
				s.logger.Warn("failed to delete expired session", "session_id", id, "error", err)
			}
		}

		durable, err := s.mirror.SweepExpired(now, s.ttl, func(id core.SessionID) bool {
			return s.lookup(id) != nil
		})
		if err != nil {
			s.logger.Warn("durable sweep failed", "error", err)
		}
		removed = append(removed, durable...)
	}

	if len(removed) > 0 {
		s.logger.Info("swept expired sessions", "count", len(removed))
	}
	return len(removed)
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepExpired()
		}
	}
}

// List returns summaries of in-memory sessions merged with durable sessions that
// are not loaded yet, most recently used first. Expired sessions awaiting the next
// sweep are left out; nothing is touched or removed.
func (s *Store) List() []Summary {
	now := s.now()
	seen := make(map[core.SessionID]bool)
	var summaries []Summary

	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		summary := e.sess.Summary()
		e.mu.Unlock()

		seen[summary.ID] = true
		if !expired(summary.LastUsedAt, now, s.ttl) {
			summaries = append(summaries, summary)
		}
	}

	if s.mirror != nil {
		durable, err := s.mirror.List()
		if err != nil {
			s.logger.Warn("failed to list durable sessions", "error", err)
		}
		for _, summary := range durable {
			if seen[summary.ID] || expired(summary.LastUsedAt, now, s.ttl) {
				continue
			}
			seen[summary.ID] = true
			summaries = append(summaries, summary)
		}
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastUsedAt.After(summaries[j].LastUsedAt)
	})

	return summaries
}

func (s *Store) lookup(id core.SessionID) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// insert adds sess unless another goroutine already did, returning the live entry.
func (s *Store) insert(sess Session) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[sess.ID]; ok {
		return existing
	}
	e := &entry{sess: sess}
	s.entries[sess.ID] = e
	return e
}

// load promotes a mirrored session into memory. Concurrent loads of one id share
// a single read. Expired records are not promoted.
func (s *Store) load(id core.SessionID) *entry {
	if s.mirror == nil {
		return nil
	}

	v, err, _ := s.loads.Do(string(id), func() (any, error) {
		if e := s.lookup(id); e != nil {
			return e, nil
		}

		sess, err := s.mirror.Load(id)
		if err != nil {
			return nil, err
		}
		if expired(sess.LastUsedAt, s.now(), s.ttl) {
			s.deleteDurable(id)
			return nil, ErrNotFound
		}
		return s.insert(sess), nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("failed to load session", "session_id", id, "error", err)
		}
		return nil
	}

	return v.(*entry)
}

// touch refreshes LastUsedAt of a live session and returns a snapshot, or reports
// false if the session has already expired.
func (s *Store) touch(e *entry) (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if expired(e.sess.LastUsedAt, s.now(), s.ttl) {
		return Session{}, false
	}

	s.refresh(&e.sess)
	sess := e.sess.clone()
	s.persist(sess)
	return sess, true
}

func (s *Store) create() Session {
	now := s.now()
	sess := Session{ID: core.NewSessionID(), CreatedAt: now, LastUsedAt: now}

	e := s.insert(sess)
	e.mu.Lock()
	defer e.mu.Unlock()

	s.persist(e.sess)
	s.logger.Debug("created session", "session_id", sess.ID)
	return e.sess.clone()
}

func (s *Store) expire(id core.SessionID) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()

	s.deleteDurable(id)
	s.logger.Info("session expired", "session_id", id)
}

func (s *Store) deleteDurable(id core.SessionID) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Delete(id); err != nil {
		s.logger.Warn("failed to delete expired session", "session_id", id, "error", err)
	}
}

// refresh advances LastUsedAt; it never moves backwards.
func (s *Store) refresh(sess *Session) {
	if now := s.now(); now.After(sess.LastUsedAt) {
		sess.LastUsedAt = now
	}
}

func (s *Store) persist(sess Session) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Save(sess); err != nil {
		s.logger.Warn("session kept in memory only", "session_id", sess.ID, "error", err)
	}
}
