// Package models holds the data types shared by the ingestion and retrieval pipeline.
package models

import (
	"time"

	"github.com/google/uuid"
)

// SourceType identifies where a document's text came from.
type SourceType string

const (
	SourcePDF     SourceType = "pdf"
	SourceDOCX    SourceType = "docx"
	SourceWeb     SourceType = "web"
	SourceYouTube SourceType = "youtube"
	SourceText    SourceType = "text"
)

// Valid reports whether t is one of the known source types.
func (t SourceType) Valid() bool {
	switch t {
	case SourcePDF, SourceDOCX, SourceWeb, SourceYouTube, SourceText:
		return true
	}
	return false
}

// Document is extracted plain text plus provenance. It is immutable once created
// and owned by the session that ingested it.
type Document struct {
	ID         string     `json:"id"`
	SourceURI  string     `json:"source_uri"`
	SourceType SourceType `json:"source_type"`
	Title      string     `json:"title"`
	RawText    string     `json:"-"`
	IngestedAt time.Time  `json:"ingested_at"`
}

func NewDocument(sourceURI string, sourceType SourceType, title, rawText string) *Document {
	if title == "" {
		title = "Untitled"
	}
	return &Document{
		ID:         uuid.New().String(),
		SourceURI:  sourceURI,
		SourceType: sourceType,
		Title:      title,
		RawText:    rawText,
		IngestedAt: time.Now().UTC(),
	}
}

// Chunk is a bounded, ordered fragment of a document's text.
// StartOffset and EndOffset are byte offsets into the document's RawText.
type Chunk struct {
	ID              string `json:"id"`
	DocumentID      string `json:"document_id"`
	SequenceIndex   int    `json:"sequence_index"`
	Text            string `json:"text"`
	TokenCount      int    `json:"token_count"`
	OverlapWithPrev int    `json:"overlap_with_prev"`
	StartOffset     int    `json:"start_offset"`
	EndOffset       int    `json:"end_offset"`
}

// ChunkID derives a stable chunk id from its document id and position.
func ChunkID(documentID string, seq int) string {
	ns, err := uuid.Parse(documentID)
	if err != nil {
		ns = uuid.NewSHA1(uuid.NameSpaceURL, []byte(documentID))
	}
	return uuid.NewSHA1(ns, []byte{byte(seq >> 24), byte(seq >> 16), byte(seq >> 8), byte(seq)}).String()
}

// Embedding is the vector for one chunk, produced by ModelID.
type Embedding struct {
	ChunkID string    `json:"chunk_id"`
	Vector  []float32 `json:"-"`
	ModelID string    `json:"model_id"`
}

// RetrievedChunk is one ranked retrieval hit with its provenance.
type RetrievedChunk struct {
	Chunk    Chunk    `json:"chunk"`
	Score    float32  `json:"score"`
	Document Document `json:"document"`
}
