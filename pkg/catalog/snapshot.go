// Package catalog keeps the local snapshot of the remote library and
// reconciles it with the files on disk.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/3leaps/audioshelf/pkg/collab"
)

// Entry is one title in the catalog.
type Entry struct {
	collab.LibraryItem `yaml:",inline"`
	Files              []string  `json:"files,omitempty" yaml:"files,omitempty"`
	UpdatedAt          time.Time `json:"updated_at" yaml:"updated_at"`
}

// Snapshot is the full catalog document.
type Snapshot struct {
	SyncedAt time.Time `json:"synced_at"`
	Items    []Entry   `json:"items"`
}

// Index returns the position of asin in Items, or -1.
func (s *Snapshot) Index(asin string) int {
	for i := range s.Items {
		if s.Items[i].ASIN == asin {
			return i
		}
	}
	return -1
}

// MergeResult counts what Merge changed.
type MergeResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Merge upserts items by ASIN. Local file lists are kept.
func (s *Snapshot) Merge(items []collab.LibraryItem, now time.Time) MergeResult {
	var res MergeResult
	for _, it := range items {
		if strings.TrimSpace(it.ASIN) == "" {
			continue
		}
		if i := s.Index(it.ASIN); i >= 0 {
			if !sameItem(s.Items[i].LibraryItem, it) {
				s.Items[i].LibraryItem = it
				s.Items[i].UpdatedAt = now
				res.Updated++
			}
			continue
		}
		s.Items = append(s.Items, Entry{LibraryItem: it, UpdatedAt: now})
		res.Inserted++
	}
	s.SyncedAt = now
	return res
}

func sameItem(a, b collab.LibraryItem) bool {
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return string(ja) == string(jb)
}

// Store persists the snapshot as one JSON file.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store for the given file path.
func NewStore(path string) *Store {
	return &Store{path: strings.TrimSpace(path)}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the snapshot. A missing file yields an empty snapshot.
func (s *Store) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return &Snapshot{}, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return &snap, nil
}

// Save writes the snapshot atomically (temp file + rename). Items are sorted
// by ASIN so successive snapshots diff cleanly.
func (s *Store) Save(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("catalog snapshot is nil")
	}
	if s.path == "" {
		return fmt.Errorf("catalog path is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sort.SliceStable(snap.Items, func(i, j int) bool { return snap.Items[i].ASIN < snap.Items[j].ASIN })

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create catalog dir: %w", err)
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp catalog file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp catalog file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename catalog file: %w", err)
	}
	return nil
}
