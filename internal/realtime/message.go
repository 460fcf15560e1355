// Package realtime streams pipeline events to websocket clients and accepts
// session control and client events from them.
package realtime

import (
	"encoding/json"
	"time"

	"rag-tutor/internal/config"
)

// Path is where the server handler is mounted.
const Path = "/ws/rag_process"

type MessageType string

const (
	MsgRAGEvent    MessageType = "rag_event"
	MsgPong        MessageType = "pong"
	MsgPing        MessageType = "ping"
	MsgNewSession  MessageType = "new_session"
	MsgClientEvent MessageType = "client_event"
)

// Message is the envelope of every text frame in both directions.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Timings controls liveness on both ends of the channel.
type Timings struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	Backoff      time.Duration
	AckTimeout   time.Duration
}

func TimingsFromConfig(cfg config.RealtimeConfig) Timings {
	return Timings{
		PingInterval: cfg.PingIntervalDuration(),
		PongTimeout:  cfg.PongTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
		Backoff:      cfg.BackoffDuration(),
		AckTimeout:   cfg.AckTimeoutDuration(),
	}
}

func (t Timings) withDefaults() Timings {
	if t.PingInterval <= 0 {
		t.PingInterval = 30 * time.Second
	}
	if t.PongTimeout <= 0 {
		t.PongTimeout = 60 * time.Second
	}
	if t.WriteTimeout <= 0 {
		t.WriteTimeout = 10 * time.Second
	}
	if t.Backoff <= 0 {
		t.Backoff = 3 * time.Second
	}
	if t.AckTimeout <= 0 {
		t.AckTimeout = 5 * time.Second
	}
	return t
}
