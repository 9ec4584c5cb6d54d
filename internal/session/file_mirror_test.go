package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexflint/go-filemutex"

	"github.com/laomeifun/gemini-images/internal/core"
)

func TestFileMirrorSaveStoresImagesAsFiles(t *testing.T) {
	dir := t.TempDir()
	mirror := NewFileMirror(dir, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sess := Session{
		ID: "abc",
		Messages: []core.Message{
			{Role: core.RoleUser, Parts: []core.ContentPart{core.TextPart("a cat"), core.ImagePart(pngImage)}},
			{Role: core.RoleAssistant, Parts: []core.ContentPart{core.ImagePart(jpegImage)}},
		},
		LastImage:  &jpegImage,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := mirror.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "sessions", "abc.json"))
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if strings.Contains(string(data), pngImage.Base64) || strings.Contains(string(data), jpegImage.Base64) {
		t.Errorf("record embeds an image payload: %s", data)
	}

	var record sessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("parse record: %v", err)
	}
	if record.LastImageRef == nil || record.LastImageRef.MimeType != "image/jpeg" {
		t.Fatalf("lastImageRef: got %+v", record.LastImageRef)
	}
	if record.Messages[1].Parts[0].Path != record.LastImageRef.Path {
		t.Errorf("same image stored twice: %s vs %s", record.Messages[1].Parts[0].Path, record.LastImageRef.Path)
	}

	blobs, _ := filepath.Glob(filepath.Join(dir, "images", "abc-*"))
	if len(blobs) != 2 {
		t.Errorf("blobs: got %v, want 2 files", blobs)
	}

	if sess.Messages[0].Parts[1].Data == "" {
		t.Error("Save must not modify the caller's messages")
	}
}

func TestFileMirrorPrunesUnreferencedImages(t *testing.T) {
	dir := t.TempDir()
	mirror := NewFileMirror(dir, nil)

	sess := Session{
		ID:        "abc",
		Messages:  []core.Message{{Role: core.RoleAssistant, Parts: []core.ContentPart{core.ImagePart(pngImage)}}},
		LastImage: &pngImage,
	}
	if err := mirror.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	sess.Messages = []core.Message{{Role: core.RoleAssistant, Parts: []core.ContentPart{core.ImagePart(jpegImage)}}}
	sess.LastImage = &jpegImage
	if err := mirror.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	blobs, _ := filepath.Glob(filepath.Join(dir, "images", "abc-*"))
	if len(blobs) != 1 || filepath.Ext(blobs[0]) != ".jpg" {
		t.Errorf("blobs: got %v, want only the jpeg", blobs)
	}
}

func TestFileMirrorLoadMissing(t *testing.T) {
	mirror := NewFileMirror(t.TempDir(), nil)

	for _, id := range []core.SessionID{"missing", "../escape", ""} {
		if _, err := mirror.Load(id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Load(%q): got %v, want ErrNotFound", id, err)
		}
	}
}

func TestFileMirrorLoadCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	mirror := NewFileMirror(dir, nil)

	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sessions", "bad.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := mirror.Load("bad")
	if core.KindOf(err) != core.KindStorageUnavailable {
		t.Errorf("got %v, want storage_unavailable", err)
	}

	summaries, err := mirror.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(summaries) != 0 {
		t.Errorf("List: got %+v, want corrupt record skipped", summaries)
	}
}

func TestFileMirrorSweepSkipsLiveAndLocked(t *testing.T) {
	dir := t.TempDir()
	mirror := NewFileMirror(dir, nil)
	then := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := then.Add(2 * time.Hour)

	for _, id := range []core.SessionID{"live", "stale"} {
		if err := mirror.Save(Session{ID: id, LastImage: &pngImage, CreatedAt: then, LastUsedAt: then}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	lock, err := filemutex.New(filepath.Join(dir, "sessions", ".sweep.lock"))
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Lock(); err != nil {
		t.Fatal(err)
	}

	removed, err := mirror.SweepExpired(now, time.Hour, nil)
	if err != nil || len(removed) != 0 {
		t.Fatalf("sweep while locked: removed %v, err %v", removed, err)
	}
	lock.Close()

	removed, err = mirror.SweepExpired(now, time.Hour, func(id core.SessionID) bool { return id == "live" })
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if len(removed) != 1 || removed[0] != "stale" {
		t.Errorf("removed: got %v, want [stale]", removed)
	}

	if _, err := mirror.Load("live"); err != nil {
		t.Errorf("live session removed: %v", err)
	}
	blobs, _ := filepath.Glob(filepath.Join(dir, "images", "stale-*"))
	if len(blobs) != 0 {
		t.Errorf("stale blobs left behind: %v", blobs)
	}
}

func TestFileMirrorSweepKeepsRecentOrphanBlobs(t *testing.T) {
	dir := t.TempDir()
	mirror := NewFileMirror(dir, nil)

	if err := os.MkdirAll(filepath.Join(dir, "images"), 0o755); err != nil {
		t.Fatal(err)
	}
	pending := filepath.Join(dir, "images", "pending-0000000000000001.png")
	leftover := filepath.Join(dir, "images", "leftover-0000000000000002.png")
	for _, path := range []string{pending, leftover} {
		if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(leftover, old, old); err != nil {
		t.Fatal(err)
	}

	if _, err := mirror.SweepExpired(time.Now(), time.Hour, nil); err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}

	if _, err := os.Stat(pending); err != nil {
		t.Errorf("recent orphan blob removed: %v", err)
	}
	if _, err := os.Stat(leftover); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("old orphan blob kept: %v", err)
	}
}

func TestFileMirrorSaveRefreshesExistingBlob(t *testing.T) {
	dir := t.TempDir()
	mirror := NewFileMirror(dir, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sess := Session{ID: "retry", LastImage: &pngImage, CreatedAt: now, LastUsedAt: now}

	if err := mirror.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	blobs, _ := filepath.Glob(filepath.Join(dir, "images", "retry-*"))
	if len(blobs) != 1 {
		t.Fatalf("blobs: got %v, want one", blobs)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(blobs[0], old, old); err != nil {
		t.Fatal(err)
	}

	if err := mirror.Save(sess); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	info, err := os.Stat(blobs[0])
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(info.ModTime()) > time.Hour {
		t.Errorf("existing blob not refreshed: mtime %v", info.ModTime())
	}
}
