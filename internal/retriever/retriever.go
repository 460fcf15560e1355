// Package retriever answers top-k similarity queries against the active session.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"rag-tutor/internal/embeddings"
	apperrors "rag-tutor/internal/errors"
	"rag-tutor/internal/events"
	"rag-tutor/internal/models"
	"rag-tutor/internal/session"
)

// DefaultK is the number of chunks retrieved when the caller does not say.
const DefaultK = 5

// Sessions is the part of the session manager the retriever needs.
type Sessions interface {
	Active(ctx context.Context) (*session.Session, error)
}

type Retriever struct {
	sessions Sessions
	embedder embeddings.Embedder
	bus      events.Publisher
	logger   *zap.Logger
}

func New(sessions Sessions, embedder embeddings.Embedder, bus events.Publisher, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{sessions: sessions, embedder: embedder, bus: bus, logger: logger}
}

// Retrieve embeds query with the session's model and returns up to k chunks,
// best first. An empty session yields an empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]models.RetrievedChunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperrors.ErrInvalidArgument.WithMessage("question must not be empty")
	}
	if k <= 0 {
		return nil, apperrors.ErrInvalidArgument.WithMessage("num_chunks must be positive")
	}

	s, err := r.sessions.Active(ctx)
	if err != nil {
		return nil, err
	}
	results, err := r.search(ctx, s, query, k)
	if errors.Is(err, apperrors.ErrSessionSuperseded) {
		// A switch retired s mid-query; answer from the session that replaced it.
		if s, err = r.sessions.Active(ctx); err != nil {
			return nil, err
		}
		results, err = r.search(ctx, s, query, k)
	}
	return results, err
}

func (r *Retriever) search(ctx context.Context, s *session.Session, query string, k int) ([]models.RetrievedChunk, error) {
	sid := events.WithSession(s.ID)

	r.bus.Emit(models.PhaseRetrieval, models.EventInfo,
		fmt.Sprintf("Processing question: '%s'", query), sid, events.WithDetail(nil))

	if s.ModelID != r.embedder.ModelID() {
		return nil, apperrors.ErrModelMismatch.WithCause(
			fmt.Errorf("session indexed with %s, query embedder is %s", s.ModelID, r.embedder.ModelID()))
	}

	if s.ChunkCount() == 0 {
		r.bus.Emit(models.PhaseRetrieval, models.EventWarning, "No relevant documents found", sid)
		return []models.RetrievedChunk{}, nil
	}

	r.bus.Emit(models.PhaseRetrieval, models.EventInfo,
		fmt.Sprintf("Searching for relevant documents (top %d)...", k), sid)

	vec, err := embeddings.EmbedOne(ctx, r.embedder, query)
	if err != nil {
		if !errors.Is(err, apperrors.ErrModelMismatch) && !errors.Is(err, apperrors.ErrEmbeddingUnavailable) {
			err = apperrors.ErrEmbeddingUnavailable.WithCause(err)
		}
		return nil, err
	}

	results, err := s.Search(vec, k)
	if err != nil {
		return nil, err
	}

	if len(results) == 0 {
		r.bus.Emit(models.PhaseRetrieval, models.EventWarning, "No relevant documents found", sid)
	} else {
		r.bus.Emit(models.PhaseRetrieval, models.EventSuccess,
			fmt.Sprintf("Found %d relevant document chunks", len(results)), sid)
	}
	r.logger.Debug("retrieved chunks",
		zap.String("session_id", s.ID),
		zap.Int("k", k),
		zap.Int("results", len(results)))
	return results, nil
}
