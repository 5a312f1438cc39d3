package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/domain"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/repository"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/sandbox"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/service/changelog"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/service/export"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/service/logs"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/service/preview"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/service/project"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/service/snapshot"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	projects  project.Service
	changes   changelog.Service
	snapshots snapshot.Service
	exports   export.Service
	previews  *preview.Manager
	logs      *logs.Service
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	dbHealth  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWrite     = 120
	rateLimitRead      = 300
	rateLimitPreview   = 30
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeatPeriod = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, projectSvc project.Service, changeSvc changelog.Service, snapshotSvc snapshot.Service, exportSvc export.Service, previews *preview.Manager, logSvc *logs.Service, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		projects:  projectSvc,
		changes:   changeSvc,
		snapshots: snapshotSvc,
		exports:   exportSvc,
		previews:  previews,
		logs:      logSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/projects", r.audit("projects", r.withRateLimit("projects", rateLimitWrite, rateWindowDefault, r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit("projects_sub", r.withRateLimit("projects_sub", rateLimitRead, rateWindowDefault, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/logs/", r.audit("logs", r.withRateLimit("logs", rateLimitRead, rateWindowDefault, r.handleLogs)))
	r.mux.HandleFunc("/ws/logs", r.audit("ws_logs", r.withRateLimit("ws_logs", rateLimitStream, rateWindowRealtime, r.handleLogsWS)))
	r.mux.HandleFunc("/events/", r.audit("events", r.withRateLimit("events", rateLimitStream, rateWindowRealtime, r.handleLogsSSE)))
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			OwnerID     string `json:"owner_id"`
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		proj, err := r.projects.Create(req.Context(), payload.OwnerID, payload.Name, payload.Description)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, proj)
	case http.MethodGet:
		ownerID := strings.TrimSpace(req.URL.Query().Get("owner_id"))
		if ownerID == "" {
			writeError(w, http.StatusBadRequest, "owner_id query parameter required")
			return
		}
		projects, err := r.projects.List(req.Context(), ownerID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, projects)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.SplitN(trimmed, "/", 3)
	projectID := parts[0]
	if projectID == "" {
		r.notFound(w)
		return
	}
	if len(parts) == 1 {
		r.handleProjectByID(w, req, projectID)
		return
	}
	rest := ""
	if len(parts) == 3 {
		rest = parts[2]
	}
	switch parts[1] {
	case "files":
		r.handleProjectFiles(w, req, projectID, rest)
	case "changes":
		r.handleProjectChanges(w, req, projectID, rest)
	case "snapshots":
		r.handleProjectSnapshots(w, req, projectID, rest)
	case "export":
		if rest != "" {
			r.notFound(w)
			return
		}
		r.handleProjectExport(w, req, projectID)
	case "preview":
		r.handleProjectPreview(w, req, projectID, rest)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProjectByID(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodGet:
		proj, err := r.projects.Get(req.Context(), projectID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, proj)
	case http.MethodDelete:
		if err := r.projects.Delete(req.Context(), projectID); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectFiles(w http.ResponseWriter, req *http.Request, projectID, path string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if path == "" {
		files, err := r.projects.Files(req.Context(), projectID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, files)
		return
	}
	file, err := r.projects.ReadFile(req.Context(), projectID, path)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (r *Router) handleProjectChanges(w http.ResponseWriter, req *http.Request, projectID, rest string) {
	switch {
	case rest == "" && req.Method == http.MethodPost:
		var payload struct {
			Operations []domain.FileOperation `json:"operations"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		entry, err := r.changes.Append(req.Context(), projectID, payload.Operations)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)
	case rest == "" && req.Method == http.MethodGet:
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
		entries, err := r.changes.List(req.Context(), projectID, limit, offset)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	case rest == "pending" && req.Method == http.MethodGet:
		count, err := r.changes.PendingCount(req.Context(), projectID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"pending": count})
	default:
		parts := strings.Split(rest, "/")
		switch {
		case len(parts) == 1 && req.Method == http.MethodGet:
			entry, err := r.changes.Get(req.Context(), parts[0])
			if err != nil {
				r.writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, entry)
		case len(parts) == 2 && parts[1] == "apply" && req.Method == http.MethodPost:
			entry, err := r.changes.Apply(req.Context(), parts[0])
			if err != nil {
				r.writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, entry)
		default:
			r.notFound(w)
		}
	}
}

func (r *Router) handleProjectSnapshots(w http.ResponseWriter, req *http.Request, projectID, rest string) {
	if rest != "" {
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] != "restore" {
			r.notFound(w)
			return
		}
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		restored, err := r.snapshots.Restore(req.Context(), parts[0])
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"restored_files": restored})
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Label string `json:"label"`
		}
		_ = json.NewDecoder(req.Body).Decode(&payload)
		info, err := r.snapshots.Create(req.Context(), projectID, payload.Label)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, info)
	case http.MethodGet:
		infos, err := r.snapshots.List(req.Context(), projectID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, infos)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectExport(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	archive, err := r.exports.Package(req.Context(), projectID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+archive.Filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(archive.Content)))
	w.WriteHeader(http.StatusOK)
	w.Write(archive.Content)
}

func (r *Router) handleProjectPreview(w http.ResponseWriter, req *http.Request, projectID, action string) {
	switch {
	case (action == "" || action == "status") && req.Method == http.MethodGet:
		state, addr, phases := r.previews.Status(projectID)
		phaseNames := make(map[string]string, len(phases))
		for phase, st := range phases {
			phaseNames[phase] = st.String()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"state":  state.String(),
			"url":    addr,
			"phases": phaseNames,
		})
	case action == "start" && req.Method == http.MethodPost:
		if _, err := r.previews.Start(req.Context(), projectID); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
	case action == "stop" && req.Method == http.MethodPost:
		if err := r.previews.Stop(req.Context(), projectID); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	case action == "write" && req.Method == http.MethodPost:
		var payload struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(payload.Path) == "" {
			writeError(w, http.StatusBadRequest, "path is required")
			return
		}
		if err := r.previews.WriteFile(req.Context(), projectID, payload.Path, payload.Content); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "written"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	projectID := strings.TrimPrefix(req.URL.Path, "/logs/")
	if projectID == "" {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
		if offset < 0 {
			offset = 0
		}
		entries, err := r.logs.List(req.Context(), projectID, limit, offset)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	case http.MethodPost:
		var payload struct {
			Channel   string `json:"channel"`
			Message   string `json:"message"`
			Timestamp string `json:"timestamp"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		payload.Message = strings.TrimSpace(payload.Message)
		if payload.Message == "" {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}
		channel := domain.ChannelSystem.String()
		if strings.EqualFold(payload.Channel, domain.ChannelCoder.String()) {
			channel = domain.ChannelCoder.String()
		}
		timestamp := time.Now().UTC()
		if payload.Timestamp != "" {
			parsed, err := time.Parse(time.RFC3339Nano, payload.Timestamp)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid timestamp format")
				return
			}
			timestamp = parsed.UTC()
		}
		entry := domain.ProjectLog{
			ProjectID: projectID,
			Channel:   channel,
			Message:   payload.Message,
			CreatedAt: timestamp,
		}
		if err := r.logs.Append(req.Context(), entry); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	projectID := req.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.logs.Hub().Register(projectID, client)
	go func() {
		defer func() {
			r.logs.Hub().Unregister(projectID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleLogsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	projectID := strings.TrimPrefix(req.URL.Path, "/events/")
	if projectID == "" || strings.Contains(projectID, "/") {
		r.notFound(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.logs.Hub().Register(projectID, client)
	defer func() {
		r.logs.Hub().Unregister(projectID, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// writeServiceError maps service and repository sentinels to HTTP statuses.
func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrInvalidArgument),
		errors.Is(err, project.ErrInvalidName),
		errors.Is(err, changelog.ErrInvalidOperation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, changelog.ErrApplyConflict),
		errors.Is(err, repository.ErrConflict),
		errors.Is(err, export.ErrPendingChanges),
		errors.Is(err, preview.ErrAlreadyStarted):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, sandbox.ErrNotBooted):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
