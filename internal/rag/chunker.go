package rag

import "errors"

var ErrChunkParams = errors.New("chunk size must be positive and overlap must be smaller than size")

// Span is one window of text produced by Split. Start and End are rune
// offsets into the source text, End exclusive.
type Span struct {
	Text  string
	Start int
	End   int
}

// Split cuts text into consecutive windows of size runes, each window
// starting size-overlap runes after the previous one. The final window may be
// shorter than size; it is emitted in full. Empty input yields no spans.
func Split(text string, size, overlap int) ([]Span, error) {
	if size <= 0 || overlap < 0 || overlap >= size {
		return nil, ErrChunkParams
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	stride := size - overlap
	var spans []Span
	for start := 0; start < len(runes); start += stride {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		spans = append(spans, Span{
			Text:  string(runes[start:end]),
			Start: start,
			End:   end,
		})
		if end == len(runes) {
			break
		}
	}
	return spans, nil
}
