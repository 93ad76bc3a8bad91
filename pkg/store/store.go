// Package store implements the per-site database store: an in-memory
// key-value map of variable to integer value with crash-safe rewrite
// to disk. It holds no concurrency-control logic; locking and
// replication decisions live in the site and transaction-manager
// layers above it.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/blake2b"
)

// ErrUnknownVariable is returned by BatchWrite when a write targets a
// variable the store does not manage.
var ErrUnknownVariable = errors.New("store: unknown variable")

// Write is a single (variable, value) pending write.
type Write struct {
	Variable int
	Value    int
}

// Store is a durable key-value map for one site's variables.
type Store struct {
	mu       sync.RWMutex
	values   map[int]int
	dataPath string
	tmpPath  string
}

// Open loads or initializes a store for the given defaults at
// dataDir/name.dat (with dataDir/name.tmp as its crash-recovery side
// file). Recovery follows the primary-then-tmp-then-defaults order:
// if the primary file exists it is authoritative; else if the tmp
// file exists it is recovered and persisted as the new primary; else
// the store is initialized from defaults.
func Open(defaults map[int]int, dataDir, name string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: failed to create data directory %s: %w", dataDir, err)
	}

	s := &Store{
		values:   make(map[int]int, len(defaults)),
		dataPath: filepath.Join(dataDir, name+".dat"),
		tmpPath:  filepath.Join(dataDir, name+".tmp"),
	}
	for k, v := range defaults {
		s.values[k] = v
	}

	if err := s.recover(defaults); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) recover(defaults map[int]int) error {
	if data, err := readEncoded(s.dataPath); err == nil {
		return s.loadValidated(data, defaults)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("store: failed to read %s: %w", s.dataPath, err)
	}

	if data, err := readEncoded(s.tmpPath); err == nil {
		if err := s.loadValidated(data, defaults); err != nil {
			return err
		}
		if err := writeEncoded(s.dataPath, s.values); err != nil {
			return err
		}
		if err := os.Remove(s.tmpPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("store: failed to clear tmp file %s: %w", s.tmpPath, err)
		}
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("store: failed to read %s: %w", s.tmpPath, err)
	}

	return writeEncoded(s.dataPath, s.values)
}

func (s *Store) loadValidated(data, defaults map[int]int) error {
	for variable := range data {
		if _, ok := defaults[variable]; !ok {
			return fmt.Errorf("%w: %d (recovered from disk)", ErrUnknownVariable, variable)
		}
	}
	for variable, value := range data {
		s.values[variable] = value
	}
	return nil
}

// Read returns the committed value of variable. It panics if the
// store does not manage variable; callers are expected to have
// already checked that via the hosting site.
func (s *Store) Read(variable int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[variable]
	if !ok {
		panic(fmt.Sprintf("store: variable %d is not managed by this store", variable))
	}
	return v
}

// BatchWrite applies writes atomically: validation happens first
// (rejecting the whole batch if any variable is unknown) before any
// mutation, then the updated map is flushed to disk.
func (s *Store) BatchWrite(writes []Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range writes {
		if _, ok := s.values[w.Variable]; !ok {
			return fmt.Errorf("%w: %d", ErrUnknownVariable, w.Variable)
		}
	}
	for _, w := range writes {
		s.values[w.Variable] = w.Value
	}
	return s.flush()
}

// Snapshot returns a deep copy of the committed values, suitable as
// an immutable multiversion clone.
func (s *Store) Snapshot() map[int]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int]int, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// flush persists the in-memory map. It renames the current primary
// file aside to the tmp path, writes the new contents to the primary
// path, then removes the tmp file — a crash at any point leaves at
// least one of {primary, tmp} holding a complete, checksum-verified
// copy of the data.
func (s *Store) flush() error {
	if err := os.Rename(s.dataPath, s.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: failed to stage tmp file: %w", err)
	}
	if err := writeEncoded(s.dataPath, s.values); err != nil {
		return err
	}
	if err := os.Remove(s.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: failed to clear tmp file: %w", err)
	}
	return nil
}

func readEncoded(path string) (map[int]int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < blake2b.Size256 {
		return nil, fmt.Errorf("store: truncated data file %s", path)
	}

	sum, payload := raw[:blake2b.Size256], raw[blake2b.Size256:]
	want := blake2b.Sum256(payload)
	if !bytes.Equal(sum, want[:]) {
		return nil, fmt.Errorf("store: checksum mismatch in %s", path)
	}

	var values map[int]int
	if err := msgpack.Unmarshal(payload, &values); err != nil {
		return nil, fmt.Errorf("store: corrupt payload in %s: %w", path, err)
	}
	return values, nil
}

func writeEncoded(path string, values map[int]int) error {
	payload, err := msgpack.Marshal(values)
	if err != nil {
		return fmt.Errorf("store: failed to encode values: %w", err)
	}
	sum := blake2b.Sum256(payload)

	buf := make([]byte, 0, len(sum)+len(payload))
	buf = append(buf, sum[:]...)
	buf = append(buf, payload...)

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("store: failed to write %s: %w", path, err)
	}
	return nil
}
