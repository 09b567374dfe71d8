package vectorindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := New(3)
	require.NoError(t, err)
	return idx
}

func TestNewRejectsBadDimension(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrInvalidDimension)
	_, err = New(-5)
	assert.ErrorIs(t, err, ErrInvalidDimension)
}

func TestInsertRejectsWrongDimension(t *testing.T) {
	idx := newTestIndex(t)
	err := idx.Insert(1, []float32{1, 0})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 0, idx.Len())
}

func TestSearchOrdersByScore(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Insert(1, []float32{1, 0, 0}))
	require.NoError(t, idx.Insert(2, []float32{0, 1, 0}))
	require.NoError(t, idx.Insert(3, []float32{0.9, 0.1, 0}))

	results, err := idx.Search([]float32{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, uint(1), results[0].ID)
	assert.Equal(t, uint(3), results[1].ID)
	assert.Equal(t, uint(2), results[2].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
}

func TestSearchTieBreaksByInsertionOrder(t *testing.T) {
	idx := newTestIndex(t)
	// Identical vectors score identically; the earlier insert must win.
	require.NoError(t, idx.Insert(7, []float32{1, 1, 0}))
	require.NoError(t, idx.Insert(3, []float32{1, 1, 0}))
	require.NoError(t, idx.Insert(5, []float32{1, 1, 0}))

	results, err := idx.Search([]float32{1, 1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []uint{7, 3, 5}, []uint{results[0].ID, results[1].ID, results[2].ID})
}

func TestSearchDeterministic(t *testing.T) {
	idx := newTestIndex(t)
	vecs := [][]float32{{1, 0, 0}, {0.5, 0.5, 0}, {0, 0, 1}, {0.5, 0.5, 0}, {0.2, 0.9, 0.1}}
	for i, v := range vecs {
		require.NoError(t, idx.Insert(uint(i+1), v))
	}
	first, err := idx.Search([]float32{0.4, 0.6, 0}, 5)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := idx.Search([]float32{0.4, 0.6, 0}, 5)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSearchRejectsWrongDimension(t *testing.T) {
	idx := newTestIndex(t)
	_, err := idx.Search([]float32{1, 0}, 3)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = idx.Search(nil, 3)
	assert.ErrorIs(t, err, ErrInvalidQueryVector)
}

func TestSearchLimitsK(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Insert(1, []float32{1, 0, 0}))

	results, err := idx.Search([]float32{1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	results, err = idx.Search([]float32{1, 0, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRemoveIdempotent(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Insert(1, []float32{1, 0, 0}))

	idx.Remove(1)
	assert.Equal(t, 0, idx.Len())
	idx.Remove(1)
	idx.Remove(99)
	assert.Equal(t, 0, idx.Len())

	results, err := idx.Search([]float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestReinsertKeepsObservableState(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Insert(1, []float32{1, 1, 0}))
	require.NoError(t, idx.Insert(2, []float32{1, 1, 0}))

	// Re-inserting id 1 must not demote it behind id 2 in tie-breaks.
	require.NoError(t, idx.Insert(1, []float32{1, 1, 0}))

	results, err := idx.Search([]float32{1, 1, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, uint(1), results[0].ID)
	assert.Equal(t, 2, idx.Len())
}

func TestIDsInsertionOrder(t *testing.T) {
	idx := newTestIndex(t)
	for _, id := range []uint{9, 2, 5} {
		require.NoError(t, idx.Insert(id, []float32{1, 0, 0}))
	}
	assert.Equal(t, []uint{9, 2, 5}, idx.IDs())
}

func TestSnapshotRoundTrip(t *testing.T) {
	idx := newTestIndex(t)
	vecs := [][]float32{{1, 0, 0}, {0.3, 0.7, 0}, {0.3, 0.7, 0}, {0, 0.1, 0.9}}
	for i, v := range vecs {
		require.NoError(t, idx.Insert(uint(i+1), v))
	}

	query := []float32{0.2, 0.8, 0.1}
	before, err := idx.Search(query, 4)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "index.gob")
	require.NoError(t, idx.SaveSnapshot(path))

	restored, err := LoadSnapshot(path, 3)
	require.NoError(t, err)
	assert.Equal(t, idx.Len(), restored.Len())
	assert.Equal(t, idx.IDs(), restored.IDs())

	after, err := restored.Search(query, 4)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	idx, err := LoadSnapshot(filepath.Join(t.TempDir(), "absent.gob"), 3)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, 3, idx.Dimension())
}

func TestLoadSnapshotDimensionMismatch(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Insert(1, []float32{1, 0, 0}))
	path := filepath.Join(t.TempDir(), "index.gob")
	require.NoError(t, idx.SaveSnapshot(path))

	_, err := LoadSnapshot(path, 4)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}
