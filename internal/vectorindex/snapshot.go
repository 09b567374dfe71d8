package vectorindex

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

type snapshot struct {
	Dimension int
	NextSeq   uint64
	Entries   []entry
}

// SaveSnapshot writes the index to path. The write goes through a temp file
// and a rename so a crash mid-write never leaves a truncated snapshot.
func (idx *Index) SaveSnapshot(path string) error {
	idx.mu.RLock()
	snap := snapshot{
		Dimension: idx.dim,
		NextSeq:   idx.nextSeq,
		Entries:   make([]entry, 0, len(idx.entries)),
	}
	for _, e := range idx.entries {
		snap.Entries = append(snap.Entries, *e)
	}
	idx.mu.RUnlock()

	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Seq < snap.Entries[j].Seq })

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir failed: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file failed: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(snap); err != nil {
		tmp.Close()
		return fmt.Errorf("encode snapshot failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot temp file failed: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename snapshot failed: %w", err)
	}
	return nil
}

// LoadSnapshot restores an index from path. If no snapshot exists, a fresh
// empty index of the given dimension is returned. A snapshot written with a
// different dimension is a deployment misconfiguration.
func LoadSnapshot(path string, dimension int) (*Index, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return New(dimension)
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot failed: %w", err)
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot failed: %w", err)
	}
	if snap.Dimension != dimension {
		return nil, fmt.Errorf("snapshot dimension %d, configured %d: %w",
			snap.Dimension, dimension, ErrDimensionMismatch)
	}

	idx, err := New(dimension)
	if err != nil {
		return nil, err
	}
	idx.nextSeq = snap.NextSeq
	for i := range snap.Entries {
		e := snap.Entries[i]
		idx.entries[e.ID] = &e
	}
	return idx, nil
}
