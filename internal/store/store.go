// Package store persists the latest weather sample as a single JSON file.
//
// Writes go to a temporary file next to the target, are synced, and then
// renamed over it, so a reader opening the path at any instant sees either
// the previous complete sample or the new one.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/wxq19/sabr-wx/internal/types"
)

var (
	// ErrStore wraps every failure of WriteLatest. The previous file is intact.
	ErrStore = errors.New("store latest sample")
	// ErrNoSample means nothing has been stored at the path yet.
	ErrNoSample = errors.New("no sample stored yet")
)

// DefaultPath is where the dashboard looks for the latest sample.
const DefaultPath = "/tmp/weather/latest.json"

// Store owns the single latest-sample slot: the file at Path and an
// in-memory copy of what was last written successfully.
type Store struct {
	path string

	mu     sync.RWMutex
	latest types.Sample
	ok     bool
}

func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the canonical artifact path.
func (s *Store) Path() string {
	return s.path
}

// WriteLatest replaces the stored sample with sample.
func (s *Store) WriteLatest(sample types.Sample) error {
	data, err := Encode(sample)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %w", ErrStore, dir, err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644, renameio.WithTempDir(dir)); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	// The rename already happened; a failed directory sync only weakens
	// durability across power loss, readers see the new file either way.
	_ = syncDir(dir)

	s.mu.Lock()
	s.latest = sample
	s.ok = true
	s.mu.Unlock()
	return nil
}

// Latest returns the last sample this Store wrote successfully.
func (s *Store) Latest() (types.Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.ok
}

// Encode returns the exact bytes WriteLatest persists for sample. Field
// order and number formatting are fixed, so equal samples encode equally.
func Encode(sample types.Sample) ([]byte, error) {
	data, err := json.Marshal(sample)
	if err != nil {
		return nil, fmt.Errorf("marshal sample: %w", err)
	}
	return append(data, '\n'), nil
}

// ReadLatest reads the sample stored at path. It returns ErrNoSample when
// the file does not exist, which is normal before the first reading.
func ReadLatest(path string) (types.Sample, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return types.Sample{}, ErrNoSample
	}
	if err != nil {
		return types.Sample{}, err
	}
	var sample types.Sample
	if err := json.Unmarshal(data, &sample); err != nil {
		return types.Sample{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return sample, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
