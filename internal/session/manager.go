package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"rag-tutor/internal/chunker"
	"rag-tutor/internal/embeddings"
	apperrors "rag-tutor/internal/errors"
	"rag-tutor/internal/events"
	"rag-tutor/internal/models"
	"rag-tutor/internal/storage"
)

// embedStep is how many chunks are embedded between progress events.
const embedStep = 16

// Manager holds the single active session. Switching sessions is the only
// exclusive operation; chunking and embedding run outside the lock.
type Manager struct {
	mu     sync.Mutex
	active *Session

	chunker   *chunker.Chunker
	embedder  embeddings.Embedder
	newIndex  storage.Factory
	bus       events.Publisher
	logger    *zap.Logger
	autoStart bool

	retiring sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithAutoStart controls whether the first ingestion or query lazily starts
// a session. It is on by default.
func WithAutoStart(on bool) Option {
	return func(m *Manager) { m.autoStart = on }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(c *chunker.Chunker, e embeddings.Embedder, f storage.Factory, bus events.Publisher, opts ...Option) *Manager {
	m := &Manager{
		chunker:   c,
		embedder:  e,
		newIndex:  f,
		bus:       bus,
		logger:    zap.NewNop(),
		autoStart: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Embedder returns the model every session of this manager uses.
func (m *Manager) Embedder() embeddings.Embedder { return m.embedder }

// StartNewSession replaces the active session with an empty one. The session
// event is published before the swap becomes observable to new ingestions,
// and ingestion still bound to the old session is cancelled and discarded.
func (m *Manager) StartNewSession(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := m.build()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	old := m.active
	m.active = s
	m.announce(s, old)
	m.mu.Unlock()

	if old != nil {
		m.retire(old)
	}
	return s, nil
}

// Active returns the active session, starting one if none exists and auto
// start is enabled.
func (m *Manager) Active(ctx context.Context) (*Session, error) {
	if s := m.CurrentSession(); s != nil {
		return s, nil
	}
	if !m.autoStart {
		return nil, apperrors.ErrNoActiveSession
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s, err := m.build()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.active != nil {
		existing := m.active
		m.mu.Unlock()
		m.discard(s)
		return existing, nil
	}
	m.active = s
	m.announce(s, nil)
	m.mu.Unlock()
	return s, nil
}

// CurrentSession returns the active session or nil.
func (m *Manager) CurrentSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// IngestDocument ingests doc into the active session.
func (m *Manager) IngestDocument(ctx context.Context, doc *models.Document) (int, error) {
	s, err := m.Active(ctx)
	if err != nil {
		return 0, err
	}
	return m.IngestInto(ctx, s, doc)
}

// IngestInto chunks, embeds and commits doc into s. The document is all or
// nothing: on any failure none of its chunks become searchable. If s is
// replaced before the commit, the work is dropped with ErrSessionSuperseded.
func (m *Manager) IngestInto(ctx context.Context, s *Session, doc *models.Document) (int, error) {
	if s.Superseded() {
		return 0, apperrors.ErrSessionSuperseded
	}
	if s.ModelID != m.embedder.ModelID() {
		return 0, apperrors.ErrModelMismatch.WithCause(
			fmt.Errorf("session uses %s, embedder is %s", s.ModelID, m.embedder.ModelID()))
	}
	sid := events.WithSession(s.ID)

	m.bus.Emit(models.PhaseChunking, models.EventInfo, "Chunking "+doc.Title, sid)
	chunks, err := m.chunker.SplitRequired(doc.ID, doc.RawText)
	if err != nil {
		return 0, err
	}
	m.bus.Emit(models.PhaseChunking, models.EventSuccess,
		fmt.Sprintf("Created %d chunks from %s", len(chunks), doc.Title), sid)

	vecs, err := m.embed(ctx, s, chunks)
	if err != nil {
		return 0, err
	}

	m.bus.Emit(models.PhaseStorage, models.EventInfo,
		fmt.Sprintf("Storing %d vectors", len(vecs)), sid)
	if err := s.commit(doc, chunks, vecs); err != nil {
		return 0, err
	}
	m.bus.Emit(models.PhaseStorage, models.EventSuccess,
		fmt.Sprintf("Stored %s (%d chunks)", doc.Title, len(chunks)), sid)

	m.logger.Debug("document committed",
		zap.String("session_id", s.ID),
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(chunks)))
	return len(chunks), nil
}

// embed runs the embedder under a context that is also cancelled when s is
// superseded.
func (m *Manager) embed(ctx context.Context, s *Session, chunks []models.Chunk) ([][]float32, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	vars := map[string]string{
		"model_name": m.embedder.ModelID(),
		"dimension":  strconv.Itoa(m.embedder.Dimension()),
	}
	sid := events.WithSession(s.ID)
	m.bus.Emit(models.PhaseEmbedding, models.EventInfo,
		fmt.Sprintf("Embedding %d chunks", len(chunks)), sid, events.WithProgress(0), events.WithDetail(vars))

	vecs := make([][]float32, 0, len(chunks))
	for lo := 0; lo < len(chunks); lo += embedStep {
		hi := min(lo+embedStep, len(chunks))
		texts := make([]string, 0, hi-lo)
		for _, c := range chunks[lo:hi] {
			texts = append(texts, c.Text)
		}

		batch, err := m.embedder.Embed(ctx, texts)
		if err != nil {
			if s.Superseded() {
				return nil, apperrors.ErrSessionSuperseded
			}
			return nil, classifyEmbedError(err)
		}
		if len(batch) != len(texts) {
			return nil, apperrors.ErrEmbeddingUnavailable.WithCause(
				fmt.Errorf("embedder returned %d vectors for %d texts", len(batch), len(texts)))
		}
		vecs = append(vecs, batch...)

		m.bus.Emit(models.PhaseEmbedding, models.EventInfo,
			fmt.Sprintf("Embedded %d/%d chunks", len(vecs), len(chunks)),
			sid, events.WithProgress(float64(len(vecs))/float64(len(chunks))))
	}
	return vecs, nil
}

func classifyEmbedError(err error) error {
	switch {
	case errors.Is(err, apperrors.ErrModelMismatch),
		errors.Is(err, apperrors.ErrEmbeddingUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return apperrors.ErrEmbeddingUnavailable.WithCause(err)
}

// Close retires the active session and waits for every retired index to close.
func (m *Manager) Close() error {
	m.mu.Lock()
	old := m.active
	m.active = nil
	m.mu.Unlock()

	var err error
	if old != nil {
		err = old.retire()
	}
	m.retiring.Wait()
	return err
}

func (m *Manager) build() (*Session, error) {
	index, err := m.newIndex(m.embedder.Dimension())
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	return newSession(m.embedder.ModelID(), index), nil
}

// announce must be called with m.mu held.
func (m *Manager) announce(s, old *Session) {
	msg := "Started new session"
	if old != nil {
		msg = "Started new session, previous session cleared"
	}
	m.bus.Emit(models.PhaseSession, models.EventSuccess, msg, events.WithSession(s.ID))
	m.logger.Info("session started", zap.String("session_id", s.ID), zap.String("model_id", s.ModelID))
}

func (m *Manager) retire(old *Session) {
	old.cancel()
	m.retiring.Add(1)
	go func() {
		defer m.retiring.Done()
		if err := old.retire(); err != nil {
			m.logger.Warn("failed to close superseded index", zap.String("session_id", old.ID), zap.Error(err))
		}
	}()
}

// discard closes a session that lost the race to become active.
func (m *Manager) discard(s *Session) {
	if err := s.retire(); err != nil {
		m.logger.Warn("failed to close discarded index", zap.String("session_id", s.ID), zap.Error(err))
	}
}
