package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ory/herodot"
	"go.uber.org/zap"

	"rag-tutor/internal/auth"
	"rag-tutor/internal/config"
	apperrors "rag-tutor/internal/errors"
	"rag-tutor/internal/extract"
	"rag-tutor/internal/models"
	"rag-tutor/internal/rag"
	"rag-tutor/internal/realtime"
)

// Service is the pipeline the HTTP handlers drive.
type Service interface {
	Ingest(ctx context.Context, req rag.IngestRequest) (*models.IngestResponse, error)
	Ask(ctx context.Context, question string, numChunks int) (*models.AskResponse, error)
	Sources() *models.SourcesResponse
	NewSession(ctx context.Context) (*models.SessionResponse, error)
	SessionInfo() (*models.SessionResponse, error)
}

type Server struct {
	mux        *http.ServeMux
	cfg        *config.Config
	svc        Service
	realtime   http.Handler
	writer     *herodot.JSONWriter
	errors     *apperrors.ErrorHandler
	logger     *zap.Logger
	httpServer *http.Server
}

// NewServer wires the routes. ws may be nil, in which case the websocket
// endpoint is not mounted.
func NewServer(cfg *config.Config, svc Service, ws http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := herodot.NewJSONWriter(nil)
	s := &Server{
		mux:      http.NewServeMux(),
		cfg:      cfg,
		svc:      svc,
		realtime: ws,
		writer:   writer,
		errors:   apperrors.NewErrorHandler(cfg, writer, logger),
		logger:   logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	guard := auth.Middleware(s.cfg.Security.APIToken, s.writer)

	s.mux.Handle("/ingest", guard(http.HandlerFunc(s.handleIngest)))
	s.mux.Handle("/ask", guard(http.HandlerFunc(s.handleAsk)))
	s.mux.Handle("/sources", guard(http.HandlerFunc(s.handleSources)))
	s.mux.Handle("/session", guard(http.HandlerFunc(s.handleSession)))
	s.mux.HandleFunc("/status", s.handleStatus)
	if s.realtime != nil {
		s.mux.Handle(realtime.Path, guard(s.realtime))
	}
}

// Handler returns the routes wrapped in the CORS and logging middleware.
func (s *Server) Handler() http.Handler {
	return loggingMiddleware(s.logger, corsMiddleware(s.cfg.Server.CORSOrigins, s.mux))
}

// Run listens on the configured address until Shutdown is called.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(s.cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Server.WriteTimeout) * time.Second,
		TLSConfig:         s.cfg.GetTLSConfig(),
	}

	s.logger.Info("server starting", zap.String("addr", s.httpServer.Addr), zap.Bool("tls", s.cfg.Server.TLS.Enabled))
	var err error
	if s.cfg.Server.TLS.Enabled {
		err = s.httpServer.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, `{"error": "Method not allowed"}`, http.StatusMethodNotAllowed)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	maxBytes := int64(s.cfg.Ingest.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	req, err := s.parseIngest(r, maxBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writer.WriteError(w, r, &herodot.DefaultError{
				CodeField:   http.StatusRequestEntityTooLarge,
				StatusField: http.StatusText(http.StatusRequestEntityTooLarge),
				ErrorField:  fmt.Sprintf("Upload exceeds %d MB", s.cfg.Ingest.MaxUploadMB),
			})
			return
		}
		s.errors.Write(w, r, err)
		return
	}

	// Ingestion runs to completion even if the client goes away.
	resp, err := s.svc.Ingest(context.WithoutCancel(r.Context()), req)
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	s.writer.Write(w, r, resp)
}

func (s *Server) parseIngest(r *http.Request, maxBytes int64) (rag.IngestRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data", "application/x-www-form-urlencoded":
		return parseIngestForm(r, maxBytes)
	}

	var body models.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return rag.IngestRequest{}, err
		}
		return rag.IngestRequest{}, apperrors.ErrInvalidArgument.WithMessage("Invalid request body").WithCause(err)
	}
	return rag.IngestRequest{Items: rag.ItemsFromRequest(body), NewSession: body.NewSession}, nil
}

func parseIngestForm(r *http.Request, maxBytes int64) (rag.IngestRequest, error) {
	var req rag.IngestRequest
	if err := r.ParseMultipartForm(min(maxBytes, 32<<20)); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, err
		}
		return req, apperrors.ErrInvalidArgument.WithMessage("Invalid form data").WithCause(err)
	}

	if v := r.FormValue("new_session"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, apperrors.ErrInvalidArgument.WithMessage("new_session must be a boolean")
		}
		req.NewSession = &b
	}

	for _, u := range r.Form["urls"] {
		for _, line := range strings.FieldsFunc(u, func(r rune) bool { return r == '\n' || r == ',' }) {
			if line = strings.TrimSpace(line); line != "" {
				req.Items = append(req.Items, extract.Item{URI: line})
			}
		}
	}

	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["files"] {
			item, err := readUpload(fh)
			if err != nil {
				return req, err
			}
			req.Items = append(req.Items, item)
		}
	}
	return req, nil
}

func readUpload(fh *multipart.FileHeader) (extract.Item, error) {
	f, err := fh.Open()
	if err != nil {
		return extract.Item{}, apperrors.ErrInvalidArgument.WithMessage("Could not read " + fh.Filename).WithCause(err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return extract.Item{}, apperrors.ErrInvalidArgument.WithMessage("Could not read " + fh.Filename).WithCause(err)
	}
	return extract.Item{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req models.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errors.Write(w, r, apperrors.ErrInvalidArgument.WithMessage("Invalid request body").WithCause(err))
		return
	}

	resp, err := s.svc.Ask(r.Context(), req.Question, req.NumChunks)
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	s.writer.Write(w, r, resp)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	s.writer.Write(w, r, s.svc.Sources())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		info, err := s.svc.SessionInfo()
		if err != nil {
			s.errors.Write(w, r, err)
			return
		}
		s.writer.Write(w, r, info)
	case http.MethodPost:
		info, err := s.svc.NewSession(r.Context())
		if err != nil {
			s.errors.Write(w, r, err)
			return
		}
		s.writer.WriteCreated(w, r, "/session", info)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	s.writer.Write(w, r, &models.StatusResponse{Status: "ok"})
}
