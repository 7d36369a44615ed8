package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/inkbound/bindery/internal/artifact"
	"github.com/inkbound/bindery/internal/job"
	"github.com/inkbound/bindery/internal/pipeline"
	"github.com/inkbound/bindery/internal/policy"
	"github.com/inkbound/bindery/internal/upload"
)

// Server is the HTTP surface over the upload manager and the job
// coordinator. It owns routing and error mapping only; all semantics live in
// the packages it fronts.
type Server struct {
	uploads  *upload.Manager
	coord    *job.Coordinator
	jobs     job.Store
	tools    pipeline.Registry
	outputs  artifact.Dir
	logger   zerolog.Logger
	maxChunk int64
}

type ServerConfig struct {
	Uploads *upload.Manager
	Coord   *job.Coordinator
	Jobs    job.Store
	Tools   pipeline.Registry
	Outputs artifact.Dir
	Logger  zerolog.Logger
	// MaxChunkBytes caps a single chunk body. Zero applies a 64MiB default.
	MaxChunkBytes int64
}

func NewServer(cfg ServerConfig) *Server {
	maxChunk := cfg.MaxChunkBytes
	if maxChunk <= 0 {
		maxChunk = 64 * 1024 * 1024
	}
	return &Server{
		uploads:  cfg.Uploads,
		coord:    cfg.Coord,
		jobs:     cfg.Jobs,
		tools:    cfg.Tools,
		outputs:  cfg.Outputs,
		logger:   cfg.Logger.With().Str("component", "api").Logger(),
		maxChunk: maxChunk,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/reports/kpi", s.handleKPI)

	r.Route("/uploads", func(r chi.Router) {
		r.Post("/", s.handleInitialize)
		r.Put("/{id}/chunks/{index}", s.handlePutChunk)
		r.Get("/{id}/progress", s.handleProgress)
		r.Get("/{id}/artifact", s.handleUploadArtifact)
		r.Delete("/{id}", s.handleCancel)
	})

	r.Route("/tools/{tool}", func(r chi.Router) {
		r.Post("/process", s.handleProcess)
		r.Get("/jobs/{id}", s.handleJobProgress)
		r.Get("/outputs/{name}", s.handleDownload)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleKPI(w http.ResponseWriter, _ *http.Request) {
	successRate, p95, failures := s.coord.Metrics().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"job_success_rate": successRate,
		"job_p95_ms":       p95,
		"job_failures":     failures,
	})
}

type initializeRequest struct {
	Filename  string `json:"filename"`
	TotalSize int64  `json:"total_size"`
	MimeType  string `json:"mime_type"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	if req.Filename == "" || req.TotalSize <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "filename and a positive total_size are required")
		return
	}
	session, err := s.uploads.Initialize(r.Context(), req.Filename, req.TotalSize, req.MimeType)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id":   session.ID,
		"chunk_size":   session.ChunkSize,
		"total_chunks": session.TotalChunks,
		"status":       session.Status,
	})
}

func (s *Server) handlePutChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_chunk_index", "chunk index must be an integer")
		return
	}
	body := http.MaxBytesReader(w, r.Body, s.maxChunk)
	progress, err := s.uploads.PutChunk(r.Context(), id, index, body)
	if err != nil {
		if errors.Is(err, upload.ErrMissingChunk) || errors.Is(err, upload.ErrAssemblyFailed) {
			// The session survives an assembly failure; report the refreshed
			// missing set so the client can resend.
			writeJSON(w, http.StatusConflict, map[string]any{
				"error_key":      "assembly_failed",
				"message":        err.Error(),
				"session_id":     progress.SessionID,
				"missing_chunks": progress.MissingChunks,
			})
			return
		}
		s.writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.uploads.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, upload.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
			return
		}
		s.writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// handleUploadArtifact serves the assembled artifact of a completed session.
// The name comes from the session record, never from client input.
func (s *Server) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	progress, err := s.uploads.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, upload.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
			return
		}
		s.writeUploadError(w, err)
		return
	}
	if progress.Status != upload.StatusCompleted {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error_key":      "upload_incomplete",
			"message":        "upload session has not completed",
			"missing_chunks": progress.MissingChunks,
		})
		return
	}
	path, err := s.outputs.Path(progress.OutputFilename)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "invalid_name", err.Error())
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.uploads.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeUploadError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type processRequest struct {
	SessionID string            `json:"session_id"`
	Options   map[string]string `json:"options"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "tool")
	tool, ok := s.tools.Get(toolID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_tool", "no such tool: "+toolID)
		return
	}
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	progress, err := s.uploads.Progress(r.Context(), req.SessionID)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}
	if progress.Status != upload.StatusCompleted {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error_key":      "upload_incomplete",
			"message":        "upload session has not completed",
			"missing_chunks": progress.MissingChunks,
		})
		return
	}
	j, err := s.coord.Start(r.Context(), tool.ID, tool.Stages, progress.OutputPath, req.Options)
	if err != nil {
		s.logger.Error().Err(err).Str("tool", tool.ID).Msg("job start failed")
		writeError(w, http.StatusInternalServerError, "job_start_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": j.ID,
		"tool":   j.Tool,
		"status": j.Status,
	})
}

func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "tool")
	j, err := s.coord.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil || j.Tool != toolID {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// handleDownload serves a finished artifact. Names resolve only through job
// records, so a client cannot fetch outputs it never produced a job for.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "tool")
	name := chi.URLParam(r, "name")
	jobs, err := s.jobs.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing_failed", err.Error())
		return
	}
	for _, j := range jobs {
		if j.Tool != toolID || j.Status != job.StatusCompleted || j.OutputRef != name {
			continue
		}
		path, err := s.outputs.Path(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_name", err.Error())
			return
		}
		http.ServeFile(w, r, path)
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
}

func (s *Server) writeUploadError(w http.ResponseWriter, err error) {
	var violation *policy.Violation
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "chunk_too_large",
			fmt.Sprintf("chunk body exceeds %d bytes", tooLarge.Limit))
	case errors.As(err, &violation):
		status := http.StatusUnprocessableEntity
		if violation.Rule == policy.RuleSizeExceeded {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, map[string]string{
			"error_key": violation.Rule,
			"message":   violation.Detail,
		})
	case errors.Is(err, upload.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, upload.ErrInvalidChunkIndex):
		writeError(w, http.StatusBadRequest, "invalid_chunk_index", err.Error())
	default:
		s.logger.Error().Err(err).Msg("upload request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, key, message string) {
	writeJSON(w, code, map[string]string{"error_key": key, "message": message})
}

// corsMiddleware allows browser clients to talk to the API directly.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
