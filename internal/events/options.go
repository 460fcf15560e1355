package events

import "rag-tutor/internal/models"

// EmitOption sets optional event fields.
type EmitOption func(*emitOptions)

type emitOptions struct {
	sessionID   string
	progress    *float64
	animation   string
	origin      string
	explanation *string
	level       Level
	vars        map[string]string
}

// WithProgress attaches a completion fraction, clamped to [0, 1].
func WithProgress(p float64) EmitOption {
	return func(o *emitOptions) {
		p = min(max(p, 0), 1)
		o.progress = &p
	}
}

func WithSession(id string) EmitOption {
	return func(o *emitOptions) { o.sessionID = id }
}

func WithAnimation(name string) EmitOption {
	return func(o *emitOptions) { o.animation = name }
}

// WithOrigin marks the realtime connection that caused the event.
func WithOrigin(connID string) EmitOption {
	return func(o *emitOptions) { o.origin = connID }
}

// WithExplanation replaces the phase explanation. An empty string removes it.
func WithExplanation(text string) EmitOption {
	return func(o *emitOptions) { o.explanation = &text }
}

// WithDetail selects the detailed explanation, formatted with vars.
func WithDetail(vars map[string]string) EmitOption {
	return func(o *emitOptions) {
		o.level = LevelDetail
		o.vars = vars
	}
}

// Publisher is the part of the bus pipeline components depend on.
type Publisher interface {
	Emit(phase models.Phase, typ models.EventType, message string, opts ...EmitOption) models.Event
}

var _ Publisher = (*Bus)(nil)
