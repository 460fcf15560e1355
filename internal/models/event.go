package models

import "time"

// Phase is the pipeline stage an event describes.
type Phase string

const (
	PhaseSession    Phase = "session"
	PhaseIngestion  Phase = "ingestion"
	PhaseExtraction Phase = "extraction"
	PhaseChunking   Phase = "chunking"
	PhaseEmbedding  Phase = "embedding"
	PhaseStorage    Phase = "storage"
	PhaseRetrieval  Phase = "retrieval"
	PhaseGeneration Phase = "generation"
	PhaseComplete   Phase = "complete"
	PhaseConnection Phase = "connection"
	PhaseSystem     Phase = "system"
	PhaseError      Phase = "error"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseSession, PhaseIngestion, PhaseExtraction, PhaseChunking, PhaseEmbedding,
		PhaseStorage, PhaseRetrieval, PhaseGeneration, PhaseComplete, PhaseConnection,
		PhaseSystem, PhaseError:
		return true
	}
	return false
}

// EventType is the severity of an event.
type EventType string

const (
	EventInfo    EventType = "info"
	EventWarning EventType = "warning"
	EventError   EventType = "error"
	EventSuccess EventType = "success"
)

func (t EventType) Valid() bool {
	switch t {
	case EventInfo, EventWarning, EventError, EventSuccess:
		return true
	}
	return false
}

// Event is a structured progress notification. Optional fields are pointers or
// omitted when empty. Origin names the realtime connection that produced the
// event, if any; it is never serialized.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	Phase       Phase     `json:"phase"`
	Type        EventType `json:"type"`
	Message     string    `json:"message"`
	SessionID   string    `json:"session_id,omitempty"`
	Progress    *float64  `json:"progress,omitempty"`
	Explanation string    `json:"explanation,omitempty"`
	Animation   string    `json:"animation,omitempty"`
	Origin      string    `json:"-"`
}
