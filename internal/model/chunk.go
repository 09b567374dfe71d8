package model

import "time"

// Chunk is one indexed span of a document's text. Its embedding lives in the
// vector index keyed by the chunk ID; only the text and offsets are stored
// here. Ordinal is the chunk's position within the document; offsets are rune
// offsets into the extracted text and may overlap between neighbours by the
// configured stride.
type Chunk struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	DocumentID  uint      `gorm:"not null;index" json:"document_id"`
	Ordinal     int       `gorm:"not null" json:"ordinal"`
	Content     string    `gorm:"type:text;not null" json:"content"`
	StartOffset int       `gorm:"not null" json:"start_offset"`
	EndOffset   int       `gorm:"not null" json:"end_offset"`
	CreatedAt   time.Time `json:"created_at"`
}
