package raft

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/tidwall/wal"

	"lockmesh/internal/metrics"
)

const (
	walFolder     = "wal"
	hardStateFile = "hardstate.json"
)

// HardState is what must survive a restart for election safety: the current
// term and who this node voted for in it. Persisted before any RPC response
// that depends on it.
type HardState struct {
	Term     uint64 `json:"term"`
	VotedFor uint64 `json:"voted_for"`
}

// Storage keeps log entries in an append-only WAL (one WAL index per raft
// index) and the hard state in an atomically replaced file. Any decode
// failure during open is reported as ErrCorruptState: the node must refuse
// to rejoin rather than risk violating election or log-matching safety.
type Storage struct {
	dir    string
	noSync bool
	log    *wal.Log
	hs     HardState
}

func OpenStorage(dir string, noSync bool) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	opts := *wal.DefaultOptions
	opts.NoSync = noSync
	log, err := wal.Open(filepath.Join(dir, walFolder), &opts)
	if err != nil {
		return nil, fmt.Errorf("wal.Open: %w", err)
	}

	s := &Storage{dir: dir, noSync: noSync, log: log}

	if err := s.loadHardState(); err != nil {
		log.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) loadHardState() error {
	raw, err := os.ReadFile(filepath.Join(s.dir, hardStateFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read hard state: %w", err)
	}
	if err := json.Unmarshal(raw, &s.hs); err != nil {
		return fmt.Errorf("%w: hard state: %v", ErrCorruptState, err)
	}
	return nil
}

func (s *Storage) HardState() HardState {
	return s.hs
}

func (s *Storage) SaveHardState(hs HardState) error {
	if hs == s.hs {
		return nil
	}
	start := time.Now()
	raw, err := json.Marshal(hs)
	if err != nil {
		return fmt.Errorf("marshal hard state: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(s.dir, hardStateFile), raw, 0o640); err != nil {
		return fmt.Errorf("write hard state: %w", err)
	}
	s.hs = hs
	metrics.WALWriteDuration.Observe(time.Since(start).Seconds())
	return nil
}

// Entries replays the whole durable log.
func (s *Storage) Entries() ([]LogEntry, error) {
	empty, err := s.log.IsEmpty()
	if err != nil {
		return nil, fmt.Errorf("wal.IsEmpty: %w", err)
	}
	if empty {
		return nil, nil
	}
	first, err := s.log.FirstIndex()
	if err != nil {
		return nil, fmt.Errorf("wal.FirstIndex: %w", err)
	}
	last, err := s.log.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("wal.LastIndex: %w", err)
	}

	entries := make([]LogEntry, 0, last-first+1)
	for idx := first; idx <= last; idx++ {
		raw, err := s.log.Read(idx)
		if err != nil {
			return nil, fmt.Errorf("wal.Read(%d): %w", idx, err)
		}
		var e LogEntry
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrCorruptState, idx, err)
		}
		if e.Index != idx {
			return nil, fmt.Errorf("%w: entry %d carries index %d", ErrCorruptState, idx, e.Index)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Append persists entries at their own indexes, which must directly follow
// the current last WAL index.
func (s *Storage) Append(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	start := time.Now()
	batch := new(wal.Batch)
	for _, e := range entries {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(e); err != nil {
			return fmt.Errorf("encode entry %d: %w", e.Index, err)
		}
		batch.Write(e.Index, buf.Bytes())
	}
	if err := s.log.WriteBatch(batch); err != nil {
		return fmt.Errorf("wal.WriteBatch: %w", err)
	}
	metrics.WALWriteDuration.Observe(time.Since(start).Seconds())
	return nil
}

// TruncateFrom removes index and everything after it, making room for a
// leader's conflicting suffix.
func (s *Storage) TruncateFrom(index uint64) error {
	empty, err := s.log.IsEmpty()
	if err != nil {
		return fmt.Errorf("wal.IsEmpty: %w", err)
	}
	if empty {
		return nil
	}
	last, err := s.log.LastIndex()
	if err != nil {
		return fmt.Errorf("wal.LastIndex: %w", err)
	}
	if index > last {
		return nil
	}
	if index <= 1 {
		// The WAL cannot truncate to empty; rebuild it.
		return s.reset()
	}
	if err := s.log.TruncateBack(index - 1); err != nil {
		return fmt.Errorf("wal.TruncateBack: %w", err)
	}
	return nil
}

func (s *Storage) reset() error {
	if err := s.log.Close(); err != nil {
		return fmt.Errorf("wal.Close: %w", err)
	}
	walDir := filepath.Join(s.dir, walFolder)
	if err := os.RemoveAll(walDir); err != nil {
		return fmt.Errorf("remove wal dir: %w", err)
	}
	opts := *wal.DefaultOptions
	opts.NoSync = s.noSync
	log, err := wal.Open(walDir, &opts)
	if err != nil {
		return fmt.Errorf("wal.Open: %w", err)
	}
	s.log = log
	return nil
}

func (s *Storage) Sync() error {
	return s.log.Sync()
}

func (s *Storage) Close() error {
	return s.log.Close()
}
