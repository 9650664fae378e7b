package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oicur0t/logpulse/internal/autofix"
	"github.com/oicur0t/logpulse/internal/config"
	"github.com/oicur0t/logpulse/internal/hub"
	"github.com/oicur0t/logpulse/internal/metrics"
	"github.com/oicur0t/logpulse/internal/pipeline"
	"github.com/oicur0t/logpulse/internal/store"
	"github.com/oicur0t/logpulse/pkg/models"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Options configures the HTTP surface
type Options struct {
	// PublicURL is the externally reachable base URL used in webhook URLs.
	// When empty it is derived from the request.
	PublicURL   string
	Websocket   config.WebsocketConfig
	RateLimiter *RateLimiter
}

// Handler handles HTTP and websocket requests
type Handler struct {
	store    *store.Store
	hub      *hub.Registry
	pipeline *pipeline.Pipeline
	fixes    *autofix.Orchestrator
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
	closing  bool
}

// NewHandler creates a new HTTP handler
func NewHandler(st *store.Store, reg *hub.Registry, pl *pipeline.Pipeline, fixes *autofix.Orchestrator, opts Options, logger *zap.Logger) *Handler {
	if opts.Websocket.SendQueue <= 0 {
		opts.Websocket.SendQueue = 256
	}
	if opts.Websocket.WriteWait <= 0 {
		opts.Websocket.WriteWait = 10 * time.Second
	}
	if opts.Websocket.PongWait <= 0 {
		opts.Websocket.PongWait = 60 * time.Second
	}
	if opts.Websocket.PingInterval <= 0 || opts.Websocket.PingInterval >= opts.Websocket.PongWait {
		opts.Websocket.PingInterval = opts.Websocket.PongWait * 9 / 10
	}
	return &Handler{
		store:    st,
		hub:      reg,
		pipeline: pl,
		fixes:    fixes,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// dashboards are served from other origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:   logger,
		sessions: make(map[*session]struct{}),
	}
}

// Routes returns the hub's request multiplexer
func (h *Handler) Routes() *http.ServeMux {
	limit := RateLimitMiddleware(h.opts.RateLimiter, func(r *http.Request) string {
		return r.PathValue("instanceId")
	}, h.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /generate-url", h.GenerateURL)
	mux.Handle("POST /ingest/{instanceId}", limit(http.HandlerFunc(h.Ingest)))
	mux.HandleFunc("GET /logs", h.Logs)
	mux.HandleFunc("GET /status/{instanceId}", h.Status)
	mux.HandleFunc("GET /autofix/config/{instanceId}", h.GetAutoFixConfig)
	mux.HandleFunc("POST /autofix/config/{instanceId}", h.SetAutoFixConfig)
	mux.HandleFunc("POST /autofix/trigger/{instanceId}", h.TriggerFix)
	mux.HandleFunc("GET /autofix/history/{instanceId}", h.FixHistory)
	mux.HandleFunc("POST /ai/fix", h.AIFix)
	mux.HandleFunc("POST /ai/chat", h.AIChat)
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /ws", h.ServeWS)
	return mux
}

// GenerateURL creates an instance and returns its webhook URL
func (h *Handler) GenerateURL(w http.ResponseWriter, r *http.Request) {
	id := h.store.Create()
	h.logger.Info("Instance created", zap.String("instance_id", id))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instanceId": id,
		"webhookUrl": h.baseURL(r) + "/ingest/" + id,
		"status":     "Ready to receive logs",
	})
}

// Ingest accepts one log line for an instance
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LogLine string `json:"log_line"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.LogLine) == "" {
		writeError(w, http.StatusBadRequest, "log_line is required")
		return
	}

	entryID, err := h.pipeline.Ingest(r.Context(), r.PathValue("instanceId"), req.LogLine)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "Log received",
		"entryId": entryID,
	})
}

// Logs dumps every instance's log sequence
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	all := make(map[string][]models.LogEntry)
	for _, id := range h.store.IDs() {
		logs, err := h.store.Logs(id)
		if err != nil {
			continue
		}
		all[id] = logs
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"activeInstances": all})
}

// Status summarizes one instance
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("instanceId")
	stats, err := h.store.Stats(id)
	if err != nil {
		h.fail(w, err)
		return
	}
	cfg, err := h.fixes.Config(id)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instanceId":  id,
		"createdAt":   stats.CreatedAt,
		"logCount":    stats.LogCount,
		"pending":     stats.Pending,
		"errorCount":  stats.ErrorCount,
		"warnCount":   stats.WarnCount,
		"fixCount":    stats.FixCount,
		"agentOnline": h.hub.AgentOnline(id),
		"viewers":     h.hub.ViewerCount(id),
		"autoFix":     cfg,
	})
}

// GetAutoFixConfig returns an instance's auto-fix configuration
func (h *Handler) GetAutoFixConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("instanceId")
	cfg, err := h.fixes.Config(id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instanceId": id, "autoFix": cfg})
}

// SetAutoFixConfig replaces an instance's auto-fix configuration
func (h *Handler) SetAutoFixConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool   `json:"enabled"`
		Command string `json:"command"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	id := r.PathValue("instanceId")
	cfg, err := h.fixes.Configure(id, req.Enabled, req.Command)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "saved", "instanceId": id, "autoFix": cfg})
}

// TriggerFix runs the instance's fix command on request
func (h *Handler) TriggerFix(w http.ResponseWriter, r *http.Request) {
	rec, err := h.fixes.ManualTrigger(r.PathValue("instanceId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fix": rec})
}

// FixHistory lists an instance's fix records, most recent first
func (h *Handler) FixHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("instanceId")
	history, err := h.fixes.History(id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if history == nil {
		history = []models.FixRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instanceId": id, "history": history})
}

type entryRequest struct {
	InstanceID string `json:"instanceId"`
	EntryID    string `json:"entryId"`
	Message    string `json:"message"`
}

func (req entryRequest) validate() error {
	if req.InstanceID == "" || req.EntryID == "" {
		return fmt.Errorf("%w: instanceId and entryId are required", pipeline.ErrInvalidInput)
	}
	return nil
}

// AIFix returns a fix suggestion for an entry
func (h *Handler) AIFix(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		h.fail(w, err)
		return
	}

	suggestion, err := h.pipeline.Suggest(r.Context(), req.InstanceID, req.EntryID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"suggestion": suggestion})
}

// AIChat answers a question about an entry
func (h *Handler) AIChat(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		h.fail(w, err)
		return
	}

	reply, err := h.pipeline.Chat(r.Context(), req.InstanceID, req.EntryID, req.Message)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reply": reply})
}

// Health handles health check requests
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"instances": len(h.store.IDs()),
	})
}

func (h *Handler) baseURL(r *http.Request) string {
	if h.opts.PublicURL != "" {
		return strings.TrimSuffix(h.opts.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		h.logger.Debug("Failed to decode request", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return false
	}
	return true
}

// fail maps a domain error to its HTTP status
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidInput), errors.Is(err, autofix.ErrNoCommandConfigured):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrUnknownInstance), errors.Is(err, store.ErrUnknownEntry):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrSuggestionUnavailable), errors.Is(err, pipeline.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
