package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wamax/wamax/internal/logging"
)

// Meta is the persisted descriptor of one session: one JSON file per
// session directory, the source of truth for session existence across
// restarts.
type Meta struct {
	SessionID        string     `json:"sessionId"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	WebhookURL       string     `json:"webhookUrl,omitempty"`
	LastConnectionAt *time.Time `json:"lastConnectionAt,omitempty"`
}

const metaFileName = "meta.json"

// Directory removal is retried because a terminating adapter process may
// still hold a profile lock for a moment.
const (
	removeAttempts = 5
	removeBackoff  = 200 * time.Millisecond
)

// MetaStore owns the on-disk sessions directory: one subdirectory per
// session id holding meta.json plus adapter credential artifacts.
type MetaStore struct {
	root string
	log  *logrus.Entry
}

func NewMetaStore(root string) (*MetaStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &MetaStore{root: root, log: logging.NewLogger("metastore")}, nil
}

func (s *MetaStore) Root() string { return s.root }

// Dir returns the session's directory path.
func (s *MetaStore) Dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

func (s *MetaStore) metaPath(sessionID string) string {
	return filepath.Join(s.Dir(sessionID), metaFileName)
}

// Exists reports whether the session directory exists on disk.
func (s *MetaStore) Exists(sessionID string) bool {
	_, err := os.Stat(s.Dir(sessionID))
	return err == nil
}

// EnsureDir creates the session directory if missing.
func (s *MetaStore) EnsureDir(sessionID string) error {
	if err := os.MkdirAll(s.Dir(sessionID), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	return nil
}

// Read loads the persisted meta, or returns a fresh unpersisted descriptor
// when none exists yet.
func (s *MetaStore) Read(sessionID string) (*Meta, error) {
	raw, err := os.ReadFile(s.metaPath(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		now := time.Now().UTC()
		return &Meta{SessionID: sessionID, CreatedAt: now, UpdatedAt: now}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse meta: %w", err)
	}
	if m.SessionID == "" {
		m.SessionID = sessionID
	}
	return &m, nil
}

// Write persists meta, refreshing UpdatedAt.
func (s *MetaStore) Write(m *Meta) error {
	if err := s.EnsureDir(m.SessionID); err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if err := os.WriteFile(s.metaPath(m.SessionID), raw, 0o644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

// List enumerates genuine session ids: directories under the root that
// carry a meta.json. Transient artifact directories (legacy token stores,
// browser profiles dumped at the root) have no meta.json and are skipped.
func (s *MetaStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(s.metaPath(e.Name())); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}

// Remove deletes the session directory, retrying while the adapter
// process lets go of its profile lock.
func (s *MetaStore) Remove(sessionID string) error {
	dir := s.Dir(sessionID)
	var lastErr error
	for attempt := 0; attempt < removeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(removeBackoff)
		}
		lastErr = os.RemoveAll(dir)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("remove session dir: %w", lastErr)
}

// Reset wipes the session directory, credential artifacts included, and
// recreates it empty.
func (s *MetaStore) Reset(sessionID string) error {
	if err := s.Remove(sessionID); err != nil {
		s.log.WithFields(logrus.Fields{"sessionId": sessionID, "err": err.Error()}).
			Warn("reset could not fully remove session dir")
	}
	return s.EnsureDir(sessionID)
}

// legacyDirs are prior-generation locations for a session's credential
// artifacts.
func (s *MetaStore) legacyDirs(sessionID string) []string {
	return []string{
		filepath.Join(s.root, "tokens", sessionID),
		filepath.Join("tokens", sessionID),
	}
}

// MigrateLegacy copies artifacts from legacy token directories into the
// session directory. Existing destination files are never overwritten;
// the pass is idempotent.
func (s *MetaStore) MigrateLegacy(sessionID string) {
	target := s.Dir(sessionID)
	absTarget, _ := filepath.Abs(target)
	for _, legacy := range s.legacyDirs(sessionID) {
		absLegacy, _ := filepath.Abs(legacy)
		if absLegacy == absTarget {
			continue
		}
		entries, err := os.ReadDir(legacy)
		if err != nil || len(entries) == 0 {
			continue
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			s.log.WithFields(logrus.Fields{"sessionId": sessionID, "err": err.Error()}).
				Warn("legacy migration could not create target dir")
			continue
		}
		for _, e := range entries {
			src := filepath.Join(legacy, e.Name())
			dst := filepath.Join(target, e.Name())
			if _, err := os.Stat(dst); err == nil {
				continue
			}
			if err := copyTree(src, dst); err != nil {
				s.log.WithFields(logrus.Fields{
					"sessionId": sessionID,
					"source":    src,
					"target":    dst,
					"err":       err.Error(),
				}).Warn("failed to migrate legacy session file")
			}
		}
	}
}

// MigrateAllLegacy runs the legacy migration for every session id found in
// a legacy token root. It runs once at bootstrap, before any attach. Legacy
// layouts predate meta.json, so a migrated session gets a fresh descriptor;
// without one the bootstrap sweep would not see it.
func (s *MetaStore) MigrateAllLegacy() {
	for _, root := range []string{filepath.Join(s.root, "tokens"), "tokens"} {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			id := e.Name()
			s.MigrateLegacy(id)
			if _, err := os.Stat(s.metaPath(id)); errors.Is(err, os.ErrNotExist) && s.Exists(id) {
				meta, readErr := s.Read(id)
				if readErr != nil {
					continue
				}
				if writeErr := s.Write(meta); writeErr != nil {
					s.log.WithFields(logrus.Fields{"sessionId": id, "err": writeErr.Error()}).
						Warn("could not persist meta for migrated legacy session")
				}
			}
		}
	}
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			childDst := filepath.Join(dst, e.Name())
			if _, err := os.Stat(childDst); err == nil {
				continue
			}
			if err := copyTree(filepath.Join(src, e.Name()), childDst); err != nil {
				return err
			}
		}
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
