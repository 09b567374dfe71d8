package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextPlainFile(t *testing.T) {
	text, err := Text(strings.NewReader("hello world"), "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestTextUnsupportedExtension(t *testing.T) {
	for _, name := range []string{"image.png", "doc.docx", "archive", "movie.MP4"} {
		_, err := Text(strings.NewReader("x"), name)
		assert.ErrorIs(t, err, ErrUnsupportedFormat, name)
	}
}

func TestTextMalformedPDF(t *testing.T) {
	_, err := Text(strings.NewReader("not a real pdf"), "broken.pdf")
	assert.ErrorIs(t, err, ErrExtraction)
}
