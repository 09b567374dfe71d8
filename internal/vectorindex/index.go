package vectorindex

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	ErrInvalidDimension   = errors.New("index dimension must be positive")
	ErrDimensionMismatch  = errors.New("vector dimension does not match index dimension")
	ErrInvalidQueryVector = errors.New("query vector is empty")
)

// Result is one nearest-neighbour hit, score is cosine similarity.
type Result struct {
	ID    uint    `json:"id"`
	Score float32 `json:"score"`
}

type entry struct {
	ID     uint
	Vector []float32
	Seq    uint64
}

// Index is a brute-force cosine-similarity index over fixed-dimension
// vectors. Mutations take the write lock; searches share the read lock, so a
// search never observes a half-applied insert. Ties in search scores are
// broken by insertion order (earlier insert wins), which keeps result
// ordering deterministic.
type Index struct {
	mu      sync.RWMutex
	dim     int
	nextSeq uint64
	entries map[uint]*entry
}

func New(dimension int) (*Index, error) {
	if dimension <= 0 {
		return nil, ErrInvalidDimension
	}
	return &Index{
		dim:     dimension,
		entries: make(map[uint]*entry),
	}, nil
}

// Insert adds or replaces the vector for id. Replacing keeps the id's
// original insertion sequence, so repeated identical inserts leave the index
// in the same observable state as a single insert.
func (idx *Index) Insert(id uint, vec []float32) error {
	if len(vec) != idx.dim {
		return fmt.Errorf("insert id %d: got dimension %d, want %d: %w",
			id, len(vec), idx.dim, ErrDimensionMismatch)
	}

	stored := make([]float32, len(vec))
	copy(stored, vec)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if existing, ok := idx.entries[id]; ok {
		existing.Vector = stored
		return nil
	}
	idx.entries[id] = &entry{ID: id, Vector: stored, Seq: idx.nextSeq}
	idx.nextSeq++
	return nil
}

// Remove deletes the entry for id. Removing an absent id is a no-op.
func (idx *Index) Remove(id uint) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, id)
}

// RemoveAll deletes every entry in ids.
func (idx *Index) RemoveAll(ids []uint) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, id := range ids {
		delete(idx.entries, id)
	}
}

// Search returns up to k entries ordered by descending cosine similarity to
// query, ties broken by insertion order.
func (idx *Index) Search(query []float32, k int) ([]Result, error) {
	if len(query) == 0 {
		return nil, ErrInvalidQueryVector
	}
	if len(query) != idx.dim {
		return nil, fmt.Errorf("search: got dimension %d, want %d: %w",
			len(query), idx.dim, ErrDimensionMismatch)
	}
	if k <= 0 {
		return nil, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	scored := make([]struct {
		res Result
		seq uint64
	}, 0, len(idx.entries))
	for _, e := range idx.entries {
		scored = append(scored, struct {
			res Result
			seq uint64
		}{
			res: Result{ID: e.ID, Score: cosineSimilarity(query, e.Vector)},
			seq: e.Seq,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].res.Score != scored[j].res.Score {
			return scored[i].res.Score > scored[j].res.Score
		}
		return scored[i].seq < scored[j].seq
	})

	if k > len(scored) {
		k = len(scored)
	}
	results := make([]Result, k)
	for i := 0; i < k; i++ {
		results[i] = scored[i].res
	}
	return results, nil
}

// Len returns the number of stored vectors.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Dimension returns the fixed vector dimension of the index.
func (idx *Index) Dimension() int {
	return idx.dim
}

// IDs returns all stored ids in insertion order.
func (idx *Index) IDs() []uint {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ordered := make([]*entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	ids := make([]uint, len(ordered))
	for i, e := range ordered {
		ids[i] = e.ID
	}
	return ids
}

func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA <= 0 || normB <= 0 {
		return 0
	}
	return dot / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
