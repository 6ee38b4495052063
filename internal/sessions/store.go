package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-go/internal/model"
	"github.com/openclaw/gateway-go/internal/util"
)

const transcriptExt = ".jsonl"

// ChangeNotifier is told which session keys changed after a mutation has
// been persisted.
type ChangeNotifier interface {
	SessionsChanged(reason string, keys []string)
}

// Store is the durable map of session key to SessionEntry, kept in a
// single JSON file next to the per-session transcript files. All reads
// and writes are serialized by mu.
type Store struct {
	mu       sync.Mutex
	path     string
	dir      string
	now      func() time.Time
	notifier ChangeNotifier
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithNotifier(n ChangeNotifier) Option {
	return func(s *Store) { s.notifier = n }
}

func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path: path,
		dir:  filepath.Dir(path),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir is the directory holding sessions.json and transcripts.
func (s *Store) Dir() string {
	return s.dir
}

// TranscriptPath returns where the transcript for sessionID lives.
func (s *Store) TranscriptPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+transcriptExt)
}

// load must be called with mu held.
func (s *Store) load() map[string]model.SessionEntry {
	entries := make(map[string]model.SessionEntry)
	if ok, _ := util.ReadJSONFile(s.path, &entries); !ok || entries == nil {
		return make(map[string]model.SessionEntry)
	}
	return entries
}

// save must be called with mu held.
func (s *Store) save(entries map[string]model.SessionEntry) error {
	if err := util.WriteJSONAtomic(s.path, entries, 0o600); err != nil {
		return fmt.Errorf("write session store: %w", err)
	}
	return nil
}

func (s *Store) notify(reason string, keys []string) {
	if s.notifier != nil && len(keys) > 0 {
		s.notifier.SessionsChanged(reason, keys)
	}
}

// Update runs fn against the current entries and persists the result.
// fn may mutate the map in place; returning an error aborts the write.
func (s *Store) Update(ctx context.Context, fn func(entries map[string]model.SessionEntry) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load()
	if err := fn(entries); err != nil {
		return err
	}
	return s.save(entries)
}

func (s *Store) Get(ctx context.Context, key string) (*model.SessionEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	entries := s.load()
	s.mu.Unlock()

	entry, ok := entries[key]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// List returns all sessions, most recently updated first, with their
// on-disk size.
func (s *Store) List(ctx context.Context) ([]model.SessionRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	entries := s.load()
	rows := make([]model.SessionRow, 0, len(entries))
	for key, entry := range entries {
		rows = append(rows, model.SessionRow{
			Key:          key,
			SessionEntry: entry,
			Bytes:        entryBytes(entry) + fileSize(s.TranscriptPath(entry.SessionID)),
		})
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].UpdatedAt != rows[j].UpdatedAt {
			return rows[i].UpdatedAt > rows[j].UpdatedAt
		}
		return rows[i].Key < rows[j].Key
	})
	return rows, nil
}

// Patch applies patch to the entry for key, creating it on first use.
func (s *Store) Patch(ctx context.Context, key string, patch model.SessionPatch) (model.SessionEntry, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return model.SessionEntry{}, fmt.Errorf("patch session: key is required")
	}

	var result model.SessionEntry
	err := s.Update(ctx, func(entries map[string]model.SessionEntry) error {
		entry, ok := entries[key]
		if !ok {
			entry = model.SessionEntry{SessionID: uuid.New().String()}
		}
		applyPatch(&entry, patch)
		entry.UpdatedAt = s.now().UnixMilli()
		entries[key] = entry
		result = entry
		return nil
	})
	if err != nil {
		return model.SessionEntry{}, fmt.Errorf("patch session %s: %w", key, err)
	}

	s.notify("patch", []string{key})
	return result, nil
}

// Touch bumps updatedAt for key, creating the entry if needed.
func (s *Store) Touch(ctx context.Context, key string) error {
	_, err := s.Patch(ctx, key, model.SessionPatch{})
	return err
}

// Delete removes the entry and its transcript. It reports whether the
// key existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	var removed *model.SessionEntry
	err := s.Update(ctx, func(entries map[string]model.SessionEntry) error {
		entry, ok := entries[key]
		if !ok {
			return nil
		}
		delete(entries, key)
		removed = &entry
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", key, err)
	}
	if removed == nil {
		return false, nil
	}

	if err := removeFile(s.TranscriptPath(removed.SessionID)); err != nil {
		log.Warn().Err(err).Str("sessionKey", key).Msg("failed to remove session transcript")
	}
	s.notify("delete", []string{key})
	return true, nil
}

func applyPatch(entry *model.SessionEntry, patch model.SessionPatch) {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&entry.Label, patch.Label)
	set(&entry.DisplayName, patch.DisplayName)
	set(&entry.Channel, patch.Channel)
	set(&entry.Account, patch.Account)
	set(&entry.Model, patch.Model)
	set(&entry.ThinkLevel, patch.ThinkLevel)
	set(&entry.SendPolicy, patch.SendPolicy)
}

// entryBytes approximates an entry's share of sessions.json.
func entryBytes(entry model.SessionEntry) int64 {
	data, err := json.Marshal(entry)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func removeFile(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Count returns the number of session entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.load()), nil
}

// DiskUsage is the byte total the disk budget pass measures: every
// entry, its transcript, and orphaned transcripts.
func (s *Store) DiskUsage(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load()
	var total int64
	for _, entry := range entries {
		total += entryBytes(entry) + fileSize(s.TranscriptPath(entry.SessionID))
	}
	for _, o := range s.findOrphans(entries) {
		total += o.bytes
	}
	return total, nil
}
