package storage

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3" // Import sqlite3 driver

	apperrors "rag-tutor/internal/errors"
)

func init() {
	sqlite_vec.Auto()
}

// SQLiteVecIndex keeps a session's vectors in a private in-memory SQLite
// database and ranks them with sqlite-vec's cosine distance. The seq column
// records insertion order for tie-breaking.
type SQLiteVecIndex struct {
	db *sql.DB

	mu    sync.Mutex // guards dim on first insert
	dim   int
	count atomic.Int64
}

// NewSQLiteVecIndex opens a fresh in-memory database. A single connection is
// kept open for the life of the index since ":memory:" is per connection.
func NewSQLiteVecIndex(dimension int) (*SQLiteVecIndex, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	idx := &SQLiteVecIndex{db: db, dim: dimension}
	if err := idx.initDB(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return idx, nil
}

func (s *SQLiteVecIndex) initDB() error {
	query := `
	CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		embedding BLOB NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create entries table: %w", err)
	}

	var version string
	if err := s.db.QueryRow("SELECT vec_version()").Scan(&version); err != nil {
		return fmt.Errorf("sqlite-vec is not loaded: %w", err)
	}
	return nil
}

// serializeFloat32Vector converts a float32 slice to the byte format expected by sqlite-vec
func serializeFloat32Vector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:(i+1)*4], math.Float32bits(v))
	}
	return buf
}

func (s *SQLiteVecIndex) Insert(id string, vec []float32) error {
	return s.InsertBatch([]string{id}, [][]float32{vec})
}

// InsertBatch writes every entry in one transaction.
func (s *SQLiteVecIndex) InsertBatch(ids []string, vecs [][]float32) error {
	if len(ids) != len(vecs) {
		return apperrors.ErrInvalidArgument.WithMessage("ids and vectors differ in length")
	}
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dim := s.dim
	if dim == 0 {
		dim = len(vecs[0])
	}
	for _, vec := range vecs {
		if err := checkDimension(dim, vec); err != nil {
			return err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT INTO entries (id, embedding) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, id := range ids {
		if _, err := stmt.Exec(id, serializeFloat32Vector(vecs[i])); err != nil {
			return apperrors.ErrInvalidArgument.WithMessage("failed to insert index entry " + id).WithCause(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.dim = dim
	s.count.Add(int64(len(ids)))
	return nil
}

// Search ranks every entry by cosine distance. Score is 1 - distance.
func (s *SQLiteVecIndex) Search(query []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, apperrors.ErrInvalidArgument.WithMessage("k must be positive")
	}
	if s.Len() == 0 {
		return []Hit{}, nil
	}
	if err := checkDimension(s.Dimension(), query); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT id, vec_distance_cosine(embedding, ?) AS distance
		FROM entries
		ORDER BY distance, seq
		LIMIT ?
	`, serializeFloat32Vector(query), k)
	if err != nil {
		return nil, fmt.Errorf("failed to perform vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hits := make([]Hit, 0, min(k, s.Len()))
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		hits = append(hits, Hit{ID: id, Score: float32(1 - distance)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return hits, nil
}

func (s *SQLiteVecIndex) Len() int { return int(s.count.Load()) }

func (s *SQLiteVecIndex) Dimension() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dim
}

// Close closes the database connection
func (s *SQLiteVecIndex) Close() error {
	return s.db.Close()
}
