package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexflint/go-filemutex"
	"github.com/cespare/xxhash/v2"

	"github.com/laomeifun/gemini-images/internal/codec"
	"github.com/laomeifun/gemini-images/internal/core"
)

type imageRef struct {
	Path     string `json:"path"`
	MimeType string `json:"mimeType"`
}

type sessionRecord struct {
	ID           core.SessionID `json:"id"`
	Messages     []core.Message `json:"messages"`
	LastImageRef *imageRef      `json:"lastImageRef"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastUsedAt   time.Time      `json:"lastUsedAt"`
}

// FileMirror stores one JSON record per session under sessions/ and every image
// referenced by a session as a separate blob under images/. Blob names are derived
// from the session id and the payload hash, so saving the same image twice writes
// it once.
type FileMirror struct {
	BaseDir string
	logger  *slog.Logger
}

func NewFileMirror(baseDir string, logger *slog.Logger) *FileMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileMirror{BaseDir: baseDir, logger: logger}
}

func (m *FileMirror) sessionDir() string {
	return filepath.Join(m.BaseDir, "sessions")
}

func (m *FileMirror) imageDir() string {
	return filepath.Join(m.BaseDir, "images")
}

func (m *FileMirror) recordPath(id core.SessionID) string {
	return filepath.Join(m.sessionDir(), string(id)+".json")
}

func (m *FileMirror) blobName(id core.SessionID, img core.Image) string {
	return fmt.Sprintf("%s-%016x.%s", id, xxhash.Sum64String(img.Base64), codec.ExtensionForMime(img.MimeType))
}

// Save writes the session record atomically. Inline image payloads are moved into
// blob files first and the record keeps only their references; blobs no longer
// referenced by the session are removed afterwards.
func (m *FileMirror) Save(sess Session) error {
	if err := os.MkdirAll(m.sessionDir(), 0o755); err != nil {
		return core.StorageUnavailable("create sessions directory", err)
	}
	if err := os.MkdirAll(m.imageDir(), 0o755); err != nil {
		return core.StorageUnavailable("create images directory", err)
	}

	keep := make(map[string]bool)
	record := sessionRecord{
		ID:         sess.ID,
		Messages:   core.CloneMessages(sess.Messages),
		CreatedAt:  sess.CreatedAt,
		LastUsedAt: sess.LastUsedAt,
	}

	for i := range record.Messages {
		for j, part := range record.Messages[i].Parts {
			if part.Type != core.PartImage {
				continue
			}
			if img, ok := part.Image(); ok {
				name, err := m.writeBlob(sess.ID, img)
				if err != nil {
					return err
				}
				part = core.ContentPart{Type: core.PartImage, MimeType: img.MimeType, Path: name}
				record.Messages[i].Parts[j] = part
			}
			if part.Path != "" {
				keep[filepath.Base(part.Path)] = true
			}
		}
	}

	if sess.LastImage != nil {
		name, err := m.writeBlob(sess.ID, *sess.LastImage)
		if err != nil {
			return err
		}
		keep[name] = true
		record.LastImageRef = &imageRef{Path: name, MimeType: sess.LastImage.MimeType}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	if err := writeFileAtomic(m.recordPath(sess.ID), data); err != nil {
		return core.StorageUnavailable("write session record", err)
	}

	m.pruneBlobs(sess.ID, keep)
	return nil
}

// Load reads a session record. History image parts stay file references; the
// last image is read eagerly.
func (m *FileMirror) Load(id core.SessionID) (Session, error) {
	if !validID(id) {
		return Session{}, ErrNotFound
	}

	record, err := m.readRecord(m.recordPath(id))
	if err != nil {
		return Session{}, err
	}

	sess := Session{
		ID:         record.ID,
		Messages:   record.Messages,
		CreatedAt:  record.CreatedAt,
		LastUsedAt: record.LastUsedAt,
	}
	if sess.ID == "" {
		sess.ID = id
	}

	if record.LastImageRef != nil {
		img, err := m.ReadImage(record.LastImageRef.Path)
		if err != nil {
			m.logger.Warn("last image unreadable", "session_id", id, "path", record.LastImageRef.Path, "error", err)
		} else {
			if record.LastImageRef.MimeType != "" {
				img.MimeType = record.LastImageRef.MimeType
			}
			sess.LastImage = &img
		}
	}

	return sess, nil
}

// ReadImage reads a blob saved by this mirror. Only the base name of path is used,
// so references cannot escape the images directory.
func (m *FileMirror) ReadImage(path string) (core.Image, error) {
	name := filepath.Base(path)
	data, err := os.ReadFile(filepath.Join(m.imageDir(), name))
	if err != nil {
		return core.Image{}, core.StorageUnavailable("read image "+name, err)
	}

	img := codec.Encode(data, codec.MimeForExtension(strings.TrimPrefix(filepath.Ext(name), ".")))
	return img, nil
}

// Delete removes the session record and every image blob of the session. A missing
// record is not an error.
func (m *FileMirror) Delete(id core.SessionID) error {
	if !validID(id) {
		return nil
	}

	var errs []error
	if err := os.Remove(m.recordPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}

	blobs, err := filepath.Glob(filepath.Join(m.imageDir(), string(id)+"-*"))
	if err != nil {
		errs = append(errs, err)
	}
	for _, blob := range blobs {
		if err := os.Remove(blob); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return core.StorageUnavailable("delete session "+string(id), err)
	}
	return nil
}

// List returns summaries of every readable record. Unreadable records are skipped.
func (m *FileMirror) List() ([]Summary, error) {
	entries, err := os.ReadDir(m.sessionDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, core.StorageUnavailable("list sessions", err)
	}

	var summaries []Summary
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		record, err := m.readRecord(filepath.Join(m.sessionDir(), entry.Name()))
		if err != nil {
			m.logger.Debug("skipping unreadable session record", "file", entry.Name(), "error", err)
			continue
		}
		summaries = append(summaries, Summary{
			ID:           record.ID,
			MessageCount: len(record.Messages),
			HasImage:     record.LastImageRef != nil,
			CreatedAt:    record.CreatedAt,
			LastUsedAt:   record.LastUsedAt,
		})
	}

	return summaries, nil
}

// SweepExpired deletes every durable session unused for longer than ttl, except
// those skip reports as live. Only one process sweeps a directory at a time; if
// another holds the sweep lock the pass is skipped.
func (m *FileMirror) SweepExpired(now time.Time, ttl time.Duration, skip func(core.SessionID) bool) ([]core.SessionID, error) {
	if err := os.MkdirAll(m.sessionDir(), 0o755); err != nil {
		return nil, core.StorageUnavailable("create sessions directory", err)
	}

	lock, err := filemutex.New(filepath.Join(m.sessionDir(), ".sweep.lock"))
	if err != nil {
		return nil, core.StorageUnavailable("open sweep lock", err)
	}
	defer lock.Close()

	if err := lock.TryLock(); err != nil {
		if errors.Is(err, filemutex.AlreadyLocked) {
			m.logger.Debug("sweep already running elsewhere")
			return nil, nil
		}
		return nil, core.StorageUnavailable("acquire sweep lock", err)
	}
	defer lock.Unlock()

	summaries, err := m.List()
	if err != nil {
		return nil, err
	}

	var removed []core.SessionID
	var errs []error
	for _, summary := range summaries {
		if !expired(summary.LastUsedAt, now, ttl) || (skip != nil && skip(summary.ID)) {
			continue
		}
		if err := m.Delete(summary.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, summary.ID)
	}

	m.sweepOrphanBlobs(ttl)
	return removed, errors.Join(errs...)
}

func (m *FileMirror) readRecord(path string) (sessionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return sessionRecord{}, ErrNotFound
		}
		return sessionRecord{}, core.StorageUnavailable("read session record", err)
	}

	var record sessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return sessionRecord{}, core.StorageUnavailable("parse session record", err)
	}
	return record, nil
}

func (m *FileMirror) writeBlob(id core.SessionID, img core.Image) (string, error) {
	name := m.blobName(id, img)
	path := filepath.Join(m.imageDir(), name)
	if _, err := os.Stat(path); err == nil {
		// Refreshed so the orphan sweep leaves it alone until the record is written.
		wall := time.Now()
		_ = os.Chtimes(path, wall, wall)
		return name, nil
	}

	data, err := codec.Decode(img)
	if err != nil {
		return "", core.StorageUnavailable("decode image", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", core.StorageUnavailable("write image", err)
	}
	return name, nil
}

func (m *FileMirror) pruneBlobs(id core.SessionID, keep map[string]bool) {
	blobs, err := filepath.Glob(filepath.Join(m.imageDir(), string(id)+"-*"))
	if err != nil {
		return
	}
	for _, blob := range blobs {
		if keep[filepath.Base(blob)] {
			continue
		}
		if err := os.Remove(blob); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Debug("failed to prune image", "path", blob, "error", err)
		}
	}
}

// sweepOrphanBlobs removes blobs whose session record does not exist and that
// have not been written for at least grace. Save writes blobs before the record,
// so a younger blob may belong to a save still in flight. Blob times are wall
// clock file times.
func (m *FileMirror) sweepOrphanBlobs(grace time.Duration) {
	entries, err := os.ReadDir(m.imageDir())
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		idx := strings.LastIndex(name, "-")
		if entry.IsDir() || idx <= 0 || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil || time.Since(info.ModTime()) < grace {
			continue
		}
		if _, err := os.Stat(m.recordPath(core.SessionID(name[:idx]))); errors.Is(err, os.ErrNotExist) {
			_ = os.Remove(filepath.Join(m.imageDir(), name))
		}
	}
}

// validID rejects ids that could address files outside the mirror.
func validID(id core.SessionID) bool {
	s := string(id)
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\*?[`)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
