package errors

import (
	stderrors "errors"
	"net/http"

	"github.com/ory/herodot"
	"go.uber.org/zap"

	"rag-tutor/internal/config"
)

// ErrorHandler writes taxonomy errors as herodot JSON responses. Detailed
// causes are only exposed outside production when error_mode is "detailed".
type ErrorHandler struct {
	config *config.Config
	writer *herodot.JSONWriter
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler with the given configuration
func NewErrorHandler(cfg *config.Config, writer *herodot.JSONWriter, logger *zap.Logger) *ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if writer == nil {
		writer = herodot.NewJSONWriter(nil)
	}
	return &ErrorHandler{config: cfg, writer: writer, logger: logger}
}

// StatusCode returns the HTTP status for err.
func StatusCode(err error) int {
	switch TypeOf(err) {
	case TypeInvalidArgument, TypeEmptyDocument, TypeExtractionFailure:
		return http.StatusBadRequest
	case TypeNoActiveSession, TypeSessionSuperseded:
		return http.StatusConflict
	case TypeGenerationFailure:
		return http.StatusBadGateway
	case TypeEmbeddingUnavailable, TypeChannelLost:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Write maps err onto a response and logs it.
func (h *ErrorHandler) Write(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)

	message := "An internal error occurred"
	var se *StandardError
	if stderrors.As(err, &se) {
		message = se.Message
	}

	resp := &herodot.DefaultError{
		CodeField:   code,
		StatusField: http.StatusText(code),
		ErrorField:  message,
	}
	if h.detailed() {
		resp.ReasonField = err.Error()
	}

	fields := []zap.Field{
		zap.String("type", cmpOr(TypeOf(err), "INTERNAL")),
		zap.Int("status", code),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("remote_ip", getClientIP(r)),
		zap.Error(err),
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Warn("request rejected", fields...)
	}

	h.writer.WriteError(w, r, resp)
}

func (h *ErrorHandler) detailed() bool {
	if h.config == nil {
		return false
	}
	return h.config.Security.ErrorMode == "detailed" && !h.config.IsProduction()
}

func cmpOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// getClientIP extracts the real client IP from request headers
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
