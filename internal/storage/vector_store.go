// Package storage provides the per-session vector index implementations.
package storage

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	apperrors "rag-tutor/internal/errors"
)

// Hit is one search result: the id an entry was inserted with and its cosine
// similarity to the query.
type Hit struct {
	ID    string
	Score float32
}

// Index stores fixed-dimension vectors keyed by id and answers top-k cosine
// similarity queries. Inserts are append-only; a search observes either all or
// none of a batch. Ties are broken by insertion order.
type Index interface {
	Insert(id string, vec []float32) error
	// InsertBatch is atomic: on error nothing from the batch is visible.
	InsertBatch(ids []string, vecs [][]float32) error
	Search(query []float32, k int) ([]Hit, error)
	Len() int
	// Dimension is 0 until the first insert when created without one.
	Dimension() int
	Close() error
}

// Factory creates an empty index for vectors of the given dimension.
type Factory func(dimension int) (Index, error)

// NewFactory returns the factory for a configured backend name.
func NewFactory(backend string) (Factory, error) {
	switch backend {
	case "", "memory":
		return func(dimension int) (Index, error) { return NewMemoryIndex(dimension), nil }, nil
	case "sqlite-vec":
		return func(dimension int) (Index, error) { return NewSQLiteVecIndex(dimension) }, nil
	}
	return nil, fmt.Errorf("unknown index backend: %s", backend)
}

// snapshot is an immutable view of the index. Writers append past len(ids),
// which readers of an older snapshot never look at.
type snapshot struct {
	ids  []string
	vecs [][]float32
	dim  int
}

// MemoryIndex is an exact, brute-force in-memory index. Searches are lock-free
// against the latest published snapshot; inserts serialize on a mutex.
type MemoryIndex struct {
	mu   sync.Mutex
	seen map[string]struct{}
	snap atomic.Pointer[snapshot]
}

func NewMemoryIndex(dimension int) *MemoryIndex {
	m := &MemoryIndex{seen: make(map[string]struct{})}
	m.snap.Store(&snapshot{dim: dimension})
	return m
}

func (m *MemoryIndex) Insert(id string, vec []float32) error {
	return m.InsertBatch([]string{id}, [][]float32{vec})
}

func (m *MemoryIndex) InsertBatch(ids []string, vecs [][]float32) error {
	if len(ids) != len(vecs) {
		return apperrors.ErrInvalidArgument.WithMessage("ids and vectors differ in length")
	}
	if len(ids) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.snap.Load()
	dim := cur.dim
	if dim == 0 {
		dim = len(vecs[0])
	}

	batch := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		if err := checkDimension(dim, vecs[i]); err != nil {
			return err
		}
		if _, dup := m.seen[id]; dup {
			return apperrors.ErrInvalidArgument.WithMessage("duplicate index entry: " + id)
		}
		if _, dup := batch[id]; dup {
			return apperrors.ErrInvalidArgument.WithMessage("duplicate index entry: " + id)
		}
		batch[id] = struct{}{}
	}

	next := &snapshot{
		ids:  append(cur.ids, ids...),
		vecs: append(cur.vecs, vecs...),
		dim:  dim,
	}
	for id := range batch {
		m.seen[id] = struct{}{}
	}
	m.snap.Store(next)
	return nil
}

func (m *MemoryIndex) Search(query []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, apperrors.ErrInvalidArgument.WithMessage("k must be positive")
	}
	snap := m.snap.Load()
	if len(snap.ids) == 0 {
		return []Hit{}, nil
	}
	if err := checkDimension(snap.dim, query); err != nil {
		return nil, err
	}

	type scored struct {
		pos   int
		score float32
	}
	scores := make([]scored, len(snap.ids))
	for i, vec := range snap.vecs {
		scores[i] = scored{pos: i, score: cosineSimilarity(query, vec)}
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].score > scores[j].score
	})

	if k > len(scores) {
		k = len(scores)
	}
	hits := make([]Hit, k)
	for i := range hits {
		hits[i] = Hit{ID: snap.ids[scores[i].pos], Score: scores[i].score}
	}
	return hits, nil
}

func (m *MemoryIndex) Len() int { return len(m.snap.Load().ids) }

func (m *MemoryIndex) Dimension() int { return m.snap.Load().dim }

// Close drops the stored vectors.
func (m *MemoryIndex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = make(map[string]struct{})
	m.snap.Store(&snapshot{dim: m.snap.Load().dim})
	return nil
}

func checkDimension(dim int, vec []float32) error {
	if len(vec) != dim {
		return apperrors.ErrModelMismatch.WithCause(
			fmt.Errorf("vector has dimension %d, index expects %d", len(vec), dim))
	}
	return nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
