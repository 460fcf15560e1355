// Package session owns the active retrieval session: its documents, chunks
// and vector index, and the atomic switch to a fresh one.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "rag-tutor/internal/errors"
	"rag-tutor/internal/models"
	"rag-tutor/internal/storage"
)

// Session is the unit of isolation. Its index, documents and chunks are
// never shared with another session.
type Session struct {
	ID        string
	StartedAt time.Time
	ModelID   string

	index  storage.Index
	ctx    context.Context
	cancel context.CancelFunc

	// opMu is held shared by commits and searches and exclusively when the
	// superseded session's index is closed.
	opMu   sync.RWMutex
	closed bool

	mu        sync.RWMutex
	documents []*models.Document
	docsByID  map[string]*models.Document
	chunks    map[string]models.Chunk
}

func newSession(modelID string, index storage.Index) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
		ModelID:   modelID,
		index:     index,
		ctx:       ctx,
		cancel:    cancel,
		docsByID:  make(map[string]*models.Document),
		chunks:    make(map[string]models.Chunk),
	}
}

// Done is closed when the session has been replaced.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Superseded reports whether a newer session has replaced this one.
func (s *Session) Superseded() bool { return s.ctx.Err() != nil }

// commit makes doc and its chunks visible in one step. Nothing is written
// when the session has been superseded or the index rejects the batch.
func (s *Session) commit(doc *models.Document, chunks []models.Chunk, vecs [][]float32) error {
	s.opMu.RLock()
	defer s.opMu.RUnlock()

	if s.closed || s.Superseded() {
		return apperrors.ErrSessionSuperseded
	}

	s.mu.RLock()
	_, dup := s.docsByID[doc.ID]
	s.mu.RUnlock()
	if dup {
		return apperrors.ErrInvalidArgument.WithMessage("document " + doc.ID + " is already in the session")
	}

	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	if err := s.index.InsertBatch(ids, vecs); err != nil {
		return err
	}

	// Search skips hits whose chunk is not recorded yet.
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docsByID[doc.ID] = doc
	for _, c := range chunks {
		s.chunks[c.ID] = c
	}
	s.documents = append(s.documents, doc)
	return nil
}

// Search returns the k chunks most similar to vec, best first.
func (s *Session) Search(vec []float32, k int) ([]models.RetrievedChunk, error) {
	s.opMu.RLock()
	defer s.opMu.RUnlock()

	if s.closed {
		return nil, apperrors.ErrSessionSuperseded
	}

	hits, err := s.index.Search(vec, k)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.RetrievedChunk, 0, len(hits))
	for _, h := range hits {
		chunk, ok := s.chunks[h.ID]
		if !ok {
			continue
		}
		out = append(out, models.RetrievedChunk{
			Chunk:    chunk,
			Score:    h.Score,
			Document: *s.docsByID[chunk.DocumentID],
		})
	}
	return out, nil
}

// retire closes the index once in-flight commits and searches have finished.
func (s *Session) retire() error {
	s.cancel()
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.index.Close()
}

// Documents returns the committed documents in ingestion order.
func (s *Session) Documents() []models.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Document, len(s.documents))
	for i, d := range s.documents {
		out[i] = *d
	}
	return out
}

func (s *Session) DocumentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.documents)
}

// ChunkCount is the number of searchable chunks.
func (s *Session) ChunkCount() int { return s.index.Len() }

// Sources summarizes committed documents by source URI.
func (s *Session) Sources() map[string]models.SourceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perDoc := make(map[string]int, len(s.documents))
	for _, c := range s.chunks {
		perDoc[c.DocumentID]++
	}

	out := make(map[string]models.SourceInfo)
	for _, d := range s.documents {
		added := d.IngestedAt.UnixMilli()
		info, ok := out[d.SourceURI]
		if !ok {
			info = models.SourceInfo{
				URI:        d.SourceURI,
				Title:      d.Title,
				SourceType: d.SourceType,
				FirstAdded: added,
			}
		}
		info.ChunkCount += perDoc[d.ID]
		info.FirstAdded = min(info.FirstAdded, added)
		info.LastAdded = max(info.LastAdded, added)
		out[d.SourceURI] = info
	}
	return out
}

// Info describes the session for API responses.
func (s *Session) Info() models.SessionResponse {
	return models.SessionResponse{
		SessionID:     s.ID,
		StartedAt:     s.StartedAt.UnixMilli(),
		ModelID:       s.ModelID,
		DocumentCount: s.DocumentCount(),
		ChunkCount:    s.ChunkCount(),
	}
}

// Chunks returns the chunks of a document in sequence order.
func (s *Session) Chunks(documentID string) []models.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Chunk
	for _, c := range s.chunks {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceIndex < out[j].SequenceIndex })
	return out
}
