// Package rag ties extraction, session ingestion, retrieval and answer
// synthesis into the ingest and ask operations served over HTTP.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	apperrors "rag-tutor/internal/errors"
	"rag-tutor/internal/events"
	"rag-tutor/internal/extract"
	"rag-tutor/internal/llm"
	"rag-tutor/internal/models"
	"rag-tutor/internal/retriever"
	"rag-tutor/internal/session"
)

const (
	noInformationAnswer = "I don't have any information to answer that question."
	generationErrAnswer = "I'm sorry, I encountered an error while generating an answer."
	excerptChars        = 200
)

// Sessions is the part of the session manager the service drives.
type Sessions interface {
	Active(ctx context.Context) (*session.Session, error)
	StartNewSession(ctx context.Context) (*session.Session, error)
	CurrentSession() *session.Session
	IngestInto(ctx context.Context, s *session.Session, doc *models.Document) (int, error)
}

type Extractor interface {
	Extract(ctx context.Context, item extract.Item) (*models.Document, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]models.RetrievedChunk, error)
}

// IngestRequest is a batch of items plus the optional session switch.
type IngestRequest struct {
	Items      []extract.Item
	NewSession *bool
}

type Service struct {
	sessions    Sessions
	extractor   Extractor
	retriever   Retriever
	synth       llm.Synthesizer
	bus         events.Publisher
	logger      *zap.Logger
	pool        *ants.Pool
	newOnIngest bool
}

type Option func(*options)

type options struct {
	workers     int
	newOnIngest bool
	logger      *zap.Logger
}

// WithMaxConcurrency bounds how many items are extracted and ingested at once.
func WithMaxConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithNewSessionDefault sets whether an ingest without an explicit
// new_session flag starts a fresh session.
func WithNewSessionDefault(on bool) Option {
	return func(o *options) { o.newOnIngest = on }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func NewService(sessions Sessions, x Extractor, r Retriever, synth llm.Synthesizer, bus events.Publisher, opts ...Option) (*Service, error) {
	o := options{workers: 3, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	pool, err := ants.NewPool(o.workers,
		ants.WithExpiryDuration(time.Minute),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error("ingest worker panicked", zap.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create ingest pool: %w", err)
	}

	return &Service{
		sessions:    sessions,
		extractor:   x,
		retriever:   r,
		synth:       synth,
		bus:         bus,
		logger:      logger,
		pool:        pool,
		newOnIngest: o.newOnIngest,
	}, nil
}

// Close waits briefly for running ingest workers and releases the pool.
func (s *Service) Close() error {
	return s.pool.ReleaseTimeout(5 * time.Second)
}

// ItemsFromRequest converts the JSON ingest body into extraction items.
func ItemsFromRequest(req models.IngestRequest) []extract.Item {
	items := make([]extract.Item, 0, len(req.URLs)+len(req.Documents))
	for _, u := range req.URLs {
		if u = strings.TrimSpace(u); u != "" {
			items = append(items, extract.Item{URI: u})
		}
	}
	for i, d := range req.Documents {
		name := d.Title
		if name == "" {
			name = fmt.Sprintf("document %d", i+1)
		}
		items = append(items, extract.Item{
			Name:        name,
			URI:         d.SourceURI,
			Title:       d.Title,
			SourceType:  d.SourceType,
			ContentType: "text/plain",
			Data:        []byte(d.Content),
		})
	}
	return items
}

type itemResult struct {
	chunks int
	err    error
}

// Ingest extracts and ingests every item into one session. A failing item is
// reported in Failures and as an error event; it never aborts its siblings.
// If the session is replaced while items are in flight, those items fail
// with SessionSuperseded.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*models.IngestResponse, error) {
	if len(req.Items) == 0 {
		return &models.IngestResponse{
			Success: false,
			Message: "No documents provided. Please provide at least one URL or file.",
		}, nil
	}

	start := time.Now()
	newSession := s.newOnIngest
	if req.NewSession != nil {
		newSession = *req.NewSession
	}

	var (
		sess *session.Session
		err  error
	)
	if newSession {
		sess, err = s.sessions.StartNewSession(ctx)
	} else {
		sess, err = s.sessions.Active(ctx)
	}
	if err != nil {
		return nil, err
	}
	sid := events.WithSession(sess.ID)

	s.bus.Emit(models.PhaseIngestion, models.EventInfo,
		fmt.Sprintf("Starting document ingestion: %d items", len(req.Items)), sid)

	results := make([]itemResult, len(req.Items))
	var wg sync.WaitGroup
	for i, item := range req.Items {
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			n, err := s.ingestItem(ctx, sess, item)
			results[i] = itemResult{chunks: n, err: err}
		})
		if err != nil {
			wg.Done()
			results[i] = itemResult{err: fmt.Errorf("schedule ingestion: %w", err)}
		}
	}
	wg.Wait()

	resp := &models.IngestResponse{}
	chunks := 0
	for i, r := range results {
		if r.err != nil {
			resp.Failures = append(resp.Failures, models.IngestFailure{
				Item:  req.Items[i].Label(),
				Error: failureMessage(r.err),
			})
			continue
		}
		resp.DocumentCount++
		chunks += r.chunks
	}

	elapsed := time.Since(start).Seconds()
	resp.Success = resp.DocumentCount > 0
	resp.Message = fmt.Sprintf("Successfully ingested %d documents (%d chunks) in %.2f seconds",
		resp.DocumentCount, chunks, elapsed)
	if len(resp.Failures) > 0 {
		resp.Message += fmt.Sprintf(". Encountered %d errors during processing.", len(resp.Failures))
	}

	if resp.Success {
		s.bus.Emit(models.PhaseComplete, models.EventSuccess,
			fmt.Sprintf("Ingestion completed in %.2fs with %d chunks", elapsed, chunks),
			sid, events.WithAnimation("celebrate"))
	} else {
		s.bus.Emit(models.PhaseComplete, models.EventWarning,
			fmt.Sprintf("Ingestion completed in %.2fs with no documents", elapsed),
			sid, events.WithAnimation("none"))
	}

	s.logger.Info("ingestion finished",
		zap.String("session_id", sess.ID),
		zap.Int("documents", resp.DocumentCount),
		zap.Int("chunks", chunks),
		zap.Int("failures", len(resp.Failures)),
		zap.Duration("elapsed", time.Since(start)))
	return resp, nil
}

func (s *Service) ingestItem(ctx context.Context, sess *session.Session, item extract.Item) (int, error) {
	sid := events.WithSession(sess.ID)
	label := item.Label()

	s.bus.Emit(models.PhaseIngestion, models.EventInfo, "Processing "+label, sid)
	s.bus.Emit(models.PhaseExtraction, models.EventInfo, "Extracting content from "+label, sid)

	doc, err := s.extractor.Extract(ctx, item)
	if err != nil {
		s.bus.Emit(models.PhaseError, models.EventError,
			fmt.Sprintf("Error processing %s: %s", label, failureMessage(err)), sid)
		return 0, err
	}
	s.bus.Emit(models.PhaseExtraction, models.EventSuccess,
		fmt.Sprintf("Successfully extracted content from %s", label), sid)

	n, err := s.sessions.IngestInto(ctx, sess, doc)
	if err != nil {
		s.bus.Emit(models.PhaseError, models.EventError,
			fmt.Sprintf("Error ingesting %s: %s", label, failureMessage(err)), sid)
		return 0, err
	}
	return n, nil
}

// failureMessage is the user-facing text of an ingestion error.
func failureMessage(err error) string {
	var se *apperrors.StandardError
	if errors.As(err, &se) {
		if se.Cause != nil {
			return se.Message + ": " + se.Cause.Error()
		}
		return se.Message
	}
	return err.Error()
}

// Ask retrieves the chunks most relevant to question and synthesizes an
// answer from them. numChunks of zero means retriever.DefaultK.
func (s *Service) Ask(ctx context.Context, question string, numChunks int) (*models.AskResponse, error) {
	if numChunks == 0 {
		numChunks = retriever.DefaultK
	}
	chunks, err := s.retriever.Retrieve(ctx, question, numChunks)
	if err != nil {
		return nil, err
	}

	sessionID := ""
	if cur := s.sessions.CurrentSession(); cur != nil {
		sessionID = cur.ID
	}
	sid := events.WithSession(sessionID)

	if len(chunks) == 0 {
		return &models.AskResponse{Answer: noInformationAnswer, Sources: []models.Source{}}, nil
	}

	s.bus.Emit(models.PhaseGeneration, models.EventInfo, "Preparing context from retrieved chunks...", sid)
	sources := make([]models.Source, 0, len(chunks))
	for i, rc := range chunks {
		sources = append(sources, models.Source{
			ID:          rc.Chunk.ID,
			ChunkNumber: i + 1,
			Title:       rc.Document.Title,
			SourceURI:   rc.Document.SourceURI,
			SourceType:  rc.Document.SourceType,
			TextExcerpt: excerpt(rc.Chunk.Text, excerptChars),
			Score:       rc.Score,
		})
		s.bus.Emit(models.PhaseRetrieval, models.EventInfo,
			fmt.Sprintf("Using %s source: %s", rc.Document.SourceType, rc.Document.Title), sid)
	}

	s.bus.Emit(models.PhaseGeneration, models.EventInfo, "Generating answer with language model...", sid,
		events.WithAnimation("typing"),
		events.WithDetail(map[string]string{"model_name": s.synth.Name()}))

	answer, err := s.synth.Synthesize(ctx, question, chunks)
	if err != nil {
		s.logger.Warn("answer synthesis failed", zap.String("synthesizer", s.synth.Name()), zap.Error(err))
		s.bus.Emit(models.PhaseGeneration, models.EventError, "Error generating answer: "+err.Error(), sid)
		return &models.AskResponse{Answer: generationErrAnswer, Sources: sources}, nil
	}

	s.bus.Emit(models.PhaseGeneration, models.EventSuccess, "Answer generated successfully", sid)
	return &models.AskResponse{Answer: answer, Sources: sources}, nil
}

func excerpt(text string, n int) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "..."
}

// NewSession starts a fresh session, discarding the current one.
func (s *Service) NewSession(ctx context.Context) (*models.SessionResponse, error) {
	sess, err := s.sessions.StartNewSession(ctx)
	if err != nil {
		return nil, err
	}
	info := sess.Info()
	return &info, nil
}

// SessionInfo describes the active session, or ErrNoActiveSession.
func (s *Service) SessionInfo() (*models.SessionResponse, error) {
	sess := s.sessions.CurrentSession()
	if sess == nil {
		return nil, apperrors.ErrNoActiveSession
	}
	info := sess.Info()
	return &info, nil
}

// Sources lists the sources of the active session. Without a session the
// list is empty.
func (s *Service) Sources() *models.SourcesResponse {
	sess := s.sessions.CurrentSession()
	if sess == nil {
		return &models.SourcesResponse{Sources: map[string]models.SourceInfo{}}
	}
	return &models.SourcesResponse{SessionID: sess.ID, Sources: sess.Sources()}
}
