package server

import (
	"compress/gzip"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kilupskalvis/wfr/internal/remote"
	"github.com/kilupskalvis/wfr/internal/remote/blobstore"
	"github.com/kilupskalvis/wfr/internal/remote/metastore"
)

// ProjectOpener returns the MetaStore and BlobStore for a given project.
type ProjectOpener interface {
	Open(name string) (metastore.MetaStore, blobstore.BlobStore, error)
}

// ServerConfig holds configurable limits for the server.
type ServerConfig struct {
	MaxRequestBody    int64  // bytes, for JSON endpoints
	MaxLogSize        int64  // bytes, for step log uploads
	MaxListLimit      int    // cap on ?limit= for run listings
	RequestsPerMinute int    // per-token rate limit
	AdminToken        string // for admin endpoints
	Webhooks          *WebhookNotifier
}

// DefaultServerConfig returns reasonable defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxRequestBody:    16 * 1024 * 1024,  // 16MB
		MaxLogSize:        256 * 1024 * 1024, // 256MB
		MaxListLimit:      500,
		RequestsPerMinute: 300,
	}
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func Handler(projects ProjectOpener, tokens TokenStore, cfg *ServerConfig, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	rl := newRateLimiter(cfg.RequestsPerMinute)
	auth := authMiddleware(tokens, logger)

	// applyMiddleware runs the list front to back: auth -> requireProject -> rl -> handler
	withAuth := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, auth, requireProject, rl.middleware)
	}
	withAuthWrite := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, auth, requireProject, requireWrite, rl.middleware)
	}
	project := func(fn projectHandlerFunc) http.HandlerFunc {
		return makeProjectHandler(projects, cfg, logger, fn)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := tokens.ListTokens(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: token store unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if cfg.AdminToken != "" {
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("POST /admin/tokens", makeAdminCreateTokenHandler(tokens, logger))
		adminMux.HandleFunc("DELETE /admin/tokens/{id}", makeAdminDeleteTokenHandler(tokens, logger))
		adminMux.HandleFunc("GET /admin/tokens", makeAdminListTokensHandler(tokens, logger))
		adminMux.HandleFunc("POST /admin/projects/{project}/gc", makeAdminGCHandler(projects, logger))
		mux.Handle("/admin/", adminAuth(cfg.AdminToken, adminMux))
	}

	// Logs
	mux.Handle("POST /api/v1/projects/{project}/logs/have", withAuth(project(handleLogsHave)))
	mux.Handle("GET /api/v1/projects/{project}/logs/{hash}", withAuth(project(handleGetLog)))
	mux.Handle("POST /api/v1/projects/{project}/logs/{hash}", withAuthWrite(project(handlePostLog)))

	// Runs
	mux.Handle("GET /api/v1/projects/{project}/runs", withAuth(project(handleListRuns)))
	mux.Handle("POST /api/v1/projects/{project}/runs", withAuthWrite(project(handlePostRun)))
	mux.Handle("GET /api/v1/projects/{project}/runs/{id}", withAuth(project(handleGetRun)))
	mux.Handle("DELETE /api/v1/projects/{project}/runs/{id}", withAuthWrite(project(handleDeleteRun)))

	handler := applyMiddleware(mux,
		requestIDMiddleware,
		loggingMiddleware(logger),
		recoveryMiddleware(logger),
	)

	cleanup := func() {
		rl.Stop()
		cfg.Webhooks.Wait()
	}

	return handler, cleanup
}

// applyMiddleware wraps h so the first middleware in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type projectRequest struct {
	name   string
	meta   metastore.MetaStore
	blobs  blobstore.BlobStore
	cfg    *ServerConfig
	logger *slog.Logger
}

type projectHandlerFunc func(w http.ResponseWriter, r *http.Request, p *projectRequest)

// makeProjectHandler resolves the project stores and calls fn with them.
func makeProjectHandler(projects ProjectOpener, cfg *ServerConfig, logger *slog.Logger, fn projectHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("project")
		meta, blobs, err := projects.Open(name)
		if err != nil {
			if errors.Is(err, ErrInvalidProject) {
				writeError(w, http.StatusBadRequest, "bad_request", err.Error())
				return
			}
			logger.Error("open project", "project", name, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		fn(w, r, &projectRequest{name: name, meta: meta, blobs: blobs, cfg: cfg, logger: logger})
	}
}

// --- Log Handlers ---

func handleLogsHave(w http.ResponseWriter, r *http.Request, p *projectRequest) {
	var req remote.LogCheckRequest
	if err := readJSON(r, p.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	resp := &remote.LogCheckResponse{Have: []string{}, Missing: []string{}}
	for _, hash := range req.Hashes {
		exists, err := p.blobs.Has(r.Context(), hash)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		if exists {
			resp.Have = append(resp.Have, hash)
		} else {
			resp.Missing = append(resp.Missing, hash)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func handleGetLog(w http.ResponseWriter, r *http.Request, p *projectRequest) {
	hash := r.PathValue("hash")
	reader, err := p.blobs.Get(r.Context(), hash)
	if err != nil {
		if errors.Is(err, blobstore.ErrBlobNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "log not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		p.logger.Warn("stream log", "hash", hash, "error", err)
	}
}

func handlePostLog(w http.ResponseWriter, r *http.Request, p *projectRequest) {
	hash := r.PathValue("hash")
	if !blobstore.ValidHash(hash) {
		writeError(w, http.StatusBadRequest, "bad_request", "log hash must be a lowercase sha256 hex digest")
		return
	}

	limited := io.LimitReader(r.Body, p.cfg.MaxLogSize)
	if err := p.blobs.Put(r.Context(), hash, limited); err != nil {
		if errors.Is(err, blobstore.ErrHashMismatch) {
			writeError(w, http.StatusUnprocessableEntity, "hash_mismatch", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	w.WriteHeader(http.StatusCreated)
}

// --- Run Handlers ---

func handlePostRun(w http.ResponseWriter, r *http.Request, p *projectRequest) {
	body := io.Reader(r.Body)
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid gzip body")
			return
		}
		defer gz.Close()
		body = gz
	}

	var report remote.RunReport
	if err := json.NewDecoder(io.LimitReader(body, p.cfg.MaxRequestBody)).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	run := report.Run
	if run == nil || run.ID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "run with an id is required")
		return
	}
	if report.Project != "" && report.Project != p.name {
		writeError(w, http.StatusBadRequest, "bad_request",
			fmt.Sprintf("report is for project '%s', not '%s'", report.Project, p.name))
		return
	}

	// Logs are uploaded before the run, so every referenced hash must exist.
	var missing []string
	for _, hash := range run.LogHashes() {
		has, err := p.blobs.Has(r.Context(), hash)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		if !has {
			missing = append(missing, hash)
		}
	}
	if len(missing) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, &remote.ErrorResponse{
			Error:   "validation_failed",
			Message: fmt.Sprintf("run references %d log(s) the server does not have", len(missing)),
			Detail:  map[string][]string{"missing": missing},
		})
		return
	}

	// Local paths mean nothing on the server.
	for _, job := range run.Jobs {
		for _, step := range job.Steps {
			step.LogPath = ""
		}
	}

	if err := p.meta.PutRun(r.Context(), run); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	p.cfg.Webhooks.NotifyRunCompleted(p.name, run)

	writeJSON(w, http.StatusCreated, remote.Summarize(run))
}

func handleGetRun(w http.ResponseWriter, r *http.Request, p *projectRequest) {
	run, err := p.meta.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, metastore.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		case errors.Is(err, metastore.ErrAmbiguous):
			writeError(w, http.StatusConflict, "ambiguous", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func handleListRuns(w http.ResponseWriter, r *http.Request, p *projectRequest) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if p.cfg.MaxListLimit > 0 && limit > p.cfg.MaxListLimit {
		limit = p.cfg.MaxListLimit
	}

	runs, err := p.meta.ListRuns(r.Context(), limit, r.URL.Query().Get("workflow"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	summaries := make([]*remote.RunSummary, len(runs))
	for i, run := range runs {
		summaries[i] = remote.Summarize(run)
	}
	writeJSON(w, http.StatusOK, summaries)
}

func handleDeleteRun(w http.ResponseWriter, r *http.Request, p *projectRequest) {
	if err := p.meta.DeleteRun(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- Health Handlers ---

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// --- Admin Auth ---

func adminAuth(adminToken string, next http.Handler) http.Handler {
	expected := "Bearer " + adminToken
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			writeError(w, http.StatusUnauthorized, "auth_failed", "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, &remote.ErrorResponse{Error: code, Message: message})
}

func readJSON(r *http.Request, maxSize int64, v interface{}) error {
	limited := io.LimitReader(r.Body, maxSize)
	if err := json.NewDecoder(limited).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// --- Admin Token Handlers ---

type tokenEntry struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Projects    []string `json:"projects"`
	Permission  string   `json:"permission"`
}

func makeAdminCreateTokenHandler(tokens TokenStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Description string   `json:"description"`
			Projects    []string `json:"projects"`
			Permission  string   `json:"permission"`
		}
		if err := readJSON(r, 1<<20, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
			return
		}
		if req.Permission == "" {
			req.Permission = PermissionRead
		}
		if req.Permission != PermissionRead && req.Permission != PermissionReadWrite {
			writeError(w, http.StatusBadRequest, "bad_request", "permission must be 'ro' or 'rw'")
			return
		}
		if len(req.Projects) == 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "at least one project (or \"*\") is required")
			return
		}

		rawToken, info, err := tokens.CreateToken(req.Description, req.Projects, req.Permission)
		if err != nil {
			logger.Error("create token", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusCreated, &remote.AdminTokenCreateResponse{
			Token:       rawToken,
			ID:          info.ID,
			Description: info.Desc,
			Projects:    info.Projects,
			Permission:  info.Permission,
		})
	}
}

func makeAdminListTokensHandler(tokens TokenStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := tokens.ListTokens()
		if err != nil {
			logger.Error("list tokens", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		// metadata only, never hashes
		entries := make([]remote.AdminTokenInfo, len(list))
		for i, t := range list {
			entries[i] = remote.AdminTokenInfo{
				ID:          t.ID,
				Description: t.Desc,
				Projects:    t.Projects,
				Permission:  t.Permission,
			}
		}

		writeJSON(w, http.StatusOK, entries)
	}
}

func makeAdminDeleteTokenHandler(tokens TokenStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := tokens.DeleteToken(id); err != nil {
			logger.Error("delete token", "error", err, "token_id", id)
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}

// makeAdminGCHandler creates a handler that deletes a project's unreferenced logs.
func makeAdminGCHandler(projects ProjectOpener, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("project")
		meta, blobs, err := projects.Open(name)
		if err != nil {
			if errors.Is(err, ErrInvalidProject) {
				writeError(w, http.StatusBadRequest, "bad_request", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		result, err := GarbageCollect(r.Context(), meta, blobs, logger.With("project", name))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}
