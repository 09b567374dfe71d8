package rag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitEmptyInput(t *testing.T) {
	spans, err := Split("", 100, 10)
	require.NoError(t, err)
	assert.Empty(t, spans)
}

func TestSplitInvalidParams(t *testing.T) {
	cases := []struct {
		name          string
		size, overlap int
	}{
		{"zero size", 0, 0},
		{"negative size", -1, 0},
		{"overlap equals size", 100, 100},
		{"overlap exceeds size", 100, 150},
		{"negative overlap", 100, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Split("some text", tc.size, tc.overlap)
			assert.ErrorIs(t, err, ErrChunkParams)
		})
	}
}

func TestSplitShortTextSingleSpan(t *testing.T) {
	spans, err := Split("hello", 100, 10)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "hello", spans[0].Text)
	assert.Equal(t, 0, spans[0].Start)
	assert.Equal(t, 5, spans[0].End)
}

func TestSplitThousandChars(t *testing.T) {
	text := strings.Repeat("a", 1000)
	spans, err := Split(text, 300, 50)
	require.NoError(t, err)
	require.Len(t, spans, 4)

	wantStarts := []int{0, 250, 500, 750}
	for i, s := range spans {
		assert.Equal(t, wantStarts[i], s.Start, "span %d start", i)
	}
	assert.Equal(t, 1000, spans[3].End)
	assert.Len(t, spans[3].Text, 250)
}

func TestSplitFullCoverage(t *testing.T) {
	cases := []struct {
		length, size, overlap int
	}{
		{1000, 300, 50},
		{257, 64, 16},
		{513, 512, 64},
		{512, 512, 64},
		{1, 10, 3},
		{99, 10, 0},
	}
	for _, tc := range cases {
		text := strings.Repeat("x", tc.length)
		spans, err := Split(text, tc.size, tc.overlap)
		require.NoError(t, err)
		require.NotEmpty(t, spans)

		// Consecutive spans must leave no gap and the union must cover [0, L).
		assert.Equal(t, 0, spans[0].Start)
		for i := 1; i < len(spans); i++ {
			assert.LessOrEqual(t, spans[i].Start, spans[i-1].End,
				"gap between span %d and %d", i-1, i)
			assert.Equal(t, spans[i-1].Start+tc.size-tc.overlap, spans[i].Start)
		}
		assert.Equal(t, tc.length, spans[len(spans)-1].End)

		wantCount := 1
		if tc.length > tc.overlap {
			stride := tc.size - tc.overlap
			wantCount = (tc.length - tc.overlap + stride - 1) / stride
		}
		assert.Len(t, spans, wantCount, "L=%d size=%d overlap=%d", tc.length, tc.size, tc.overlap)
	}
}

func TestSplitRuneOffsets(t *testing.T) {
	// Multibyte runes: offsets count runes, not bytes.
	text := strings.Repeat("世", 10)
	spans, err := Split(text, 4, 1)
	require.NoError(t, err)
	require.Len(t, spans, 3)
	assert.Equal(t, "世世世世", spans[0].Text)
	assert.Equal(t, 3, spans[1].Start)
	assert.Equal(t, 6, spans[2].Start)
	assert.Equal(t, 10, spans[2].End)
}
