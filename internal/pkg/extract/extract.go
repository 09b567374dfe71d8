package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrExtraction        = errors.New("text extraction failed")
)

// Text extracts plain text from r according to the file extension of
// filename. PDF and plain-text files are supported. A readable document with
// no extractable text returns an empty string and nil error; the caller
// decides how to report that.
func Text(r io.Reader, filename string) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return pdfText(r)
	case ".txt":
		b, err := io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("read text file failed (%v): %w", err, ErrExtraction)
		}
		return string(b), nil
	default:
		return "", ErrUnsupportedFormat
	}
}

func pdfText(r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read pdf failed (%v): %w", err, ErrExtraction)
	}
	if len(b) == 0 {
		return "", nil
	}

	pdfReader, err := pdf.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return "", fmt.Errorf("open pdf failed (%v): %w", err, ErrExtraction)
	}
	plainReader, err := pdfReader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text failed (%v): %w", err, ErrExtraction)
	}
	out, err := io.ReadAll(plainReader)
	if err != nil {
		return "", fmt.Errorf("read pdf text failed (%v): %w", err, ErrExtraction)
	}
	return string(out), nil
}
