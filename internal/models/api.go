package models

type IngestDocumentInput struct {
	Title      string     `json:"title"`
	SourceType SourceType `json:"source_type"`
	SourceURI  string     `json:"source_uri"`
	Content    string     `json:"content"`
}

// IngestRequest is the JSON form of POST /ingest. The multipart form carries
// the same fields as `urls`, `files` and `new_session`.
type IngestRequest struct {
	URLs       []string              `json:"urls"`
	Documents  []IngestDocumentInput `json:"documents"`
	NewSession *bool                 `json:"new_session,omitempty"`
}

type IngestFailure struct {
	Item  string `json:"item"`
	Error string `json:"error"`
}

type IngestResponse struct {
	Success       bool            `json:"success"`
	Message       string          `json:"message"`
	DocumentCount int             `json:"document_count"`
	Failures      []IngestFailure `json:"failures,omitempty"`
}

type AskRequest struct {
	Question  string `json:"question"`
	NumChunks int    `json:"num_chunks"`
}

// Source is the citation for one retrieved chunk.
type Source struct {
	ID          string     `json:"id"`
	ChunkNumber int        `json:"chunk_number"`
	Title       string     `json:"title"`
	SourceURI   string     `json:"source_uri"`
	SourceType  SourceType `json:"source_type"`
	TextExcerpt string     `json:"text_excerpt"`
	Score       float32    `json:"score"`
}

type AskResponse struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}

// SourceInfo summarizes one ingested source within the active session.
type SourceInfo struct {
	URI        string     `json:"url"`
	Title      string     `json:"title"`
	SourceType SourceType `json:"source_type"`
	ChunkCount int        `json:"chunk_count"`
	FirstAdded int64      `json:"first_added"`
	LastAdded  int64      `json:"last_updated"`
}

type SourcesResponse struct {
	SessionID string                `json:"session_id"`
	Sources   map[string]SourceInfo `json:"sources"`
}

type SessionResponse struct {
	SessionID     string `json:"session_id"`
	StartedAt     int64  `json:"started_at,omitempty"`
	ModelID       string `json:"model_id,omitempty"`
	DocumentCount int    `json:"document_count"`
	ChunkCount    int    `json:"chunk_count"`
}

type StatusResponse struct {
	Status string `json:"status"`
}
