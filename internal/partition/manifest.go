package partition

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const manifestFile = "manifest.json"

// Manifest is the durable fetch-progress record for one data directory.
// Every partition of every dataset appears here once planned; a page is only
// counted after its segment bytes have been flushed, so the manifest never
// claims more progress than the segment files hold.
type Manifest struct {
	RunID      string                `json:"run_id"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
	Partitions map[string]*Partition `json:"partitions"`
}

// Store persists the manifest with atomic replace semantics. Safe for
// concurrent use by fetch workers.
type Store struct {
	mu       sync.Mutex
	dir      string
	manifest *Manifest
}

// OpenStore loads the manifest from dir, creating a fresh one (with a new
// run ID) when none exists.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	path := filepath.Join(dir, manifestFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		now := time.Now().UTC()
		return &Store{
			dir: dir,
			manifest: &Manifest{
				RunID:      uuid.NewString(),
				CreatedAt:  now,
				UpdatedAt:  now,
				Partitions: make(map[string]*Partition),
			},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if m.Partitions == nil {
		m.Partitions = make(map[string]*Partition)
	}
	return &Store{dir: dir, manifest: &m}, nil
}

// RunID returns the manifest's run identifier.
func (s *Store) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest.RunID
}

// NewRun assigns a fresh run ID. Used with force refresh so published
// artifacts can be traced to the run that produced them.
func (s *Store) NewRun() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest.RunID = uuid.NewString()
	s.manifest.CreatedAt = time.Now().UTC()
	return s.manifest.RunID
}

// Get returns a copy of the partition with the given ID.
func (s *Store) Get(id string) (Partition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.manifest.Partitions[id]
	if !ok {
		return Partition{}, false
	}
	return *p, true
}

// Ensure registers a partition if it is not already tracked and returns the
// tracked copy. Existing progress is preserved across runs.
func (s *Store) Ensure(dataset, prefix string) Partition {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := &Partition{
		Dataset:   dataset,
		Prefix:    prefix,
		State:     StatePending,
		UpdatedAt: time.Now().UTC(),
	}
	if existing, ok := s.manifest.Partitions[candidate.ID()]; ok {
		return *existing
	}
	s.manifest.Partitions[candidate.ID()] = candidate
	return *candidate
}

// Update stores the partition and flushes the manifest to disk.
func (s *Store) Update(p Partition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := p
	s.manifest.Partitions[cp.ID()] = &cp
	s.manifest.UpdatedAt = time.Now().UTC()
	return s.flushLocked()
}

// List returns copies of all tracked partitions sorted by ID.
func (s *Store) List() []Partition {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Partition, 0, len(s.manifest.Partitions))
	for _, p := range s.manifest.Partitions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// AllComplete reports whether every tracked partition of every named dataset
// is COMPLETE, and that at least one partition exists per dataset. Derived
// artifacts must not be published from a partially fetched corpus.
func (s *Store) AllComplete(datasets ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range datasets {
		found := false
		for _, p := range s.manifest.Partitions {
			if p.Dataset != name {
				continue
			}
			found = true
			if p.State != StateComplete {
				return false
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SegmentPath returns the absolute segment path for a partition.
func (s *Store) SegmentPath(p Partition) string {
	return filepath.Join(s.dir, p.SegmentName())
}

// Flush persists the manifest immediately.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// flushLocked writes to a temp file in the same directory and renames it over
// the manifest so readers never observe a torn write.
func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, manifestFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating manifest temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing manifest temp file: %w", err)
	}

	if err := os.Rename(tmpName, filepath.Join(s.dir, manifestFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing manifest: %w", err)
	}
	return nil
}
