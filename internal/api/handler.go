// Package api exposes the HTTP and WebSocket surface of the decision
// core: health, stream submission, recovery lookups and decision fanout.
// The core itself never persists or forwards decisions; this layer is the
// caller that does.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/morphine-live/morphine-core/internal/orchestrator"
	"github.com/morphine-live/morphine-core/internal/state"
	"github.com/morphine-live/morphine-core/internal/store"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch     *orchestrator.Orchestrator
	stateMgr *state.Manager // nil when Redis is unavailable
	archive  *store.Store   // nil when Postgres is unavailable
	hub      *Hub
	logger   *zap.Logger

	mu     sync.Mutex
	inputs map[string]chan<- *orchestrator.StreamingContext
}

// NewHandler creates a new API handler. stateMgr and archive may be nil;
// the routes that need them degrade to 503.
func NewHandler(orch *orchestrator.Orchestrator, stateMgr *state.Manager, archive *store.Store, hub *Hub, logger *zap.Logger) *Handler {
	return &Handler{
		orch:     orch,
		stateMgr: stateMgr,
		archive:  archive,
		hub:      hub,
		logger:   logger,
		inputs:   make(map[string]chan<- *orchestrator.StreamingContext),
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/streams", h.listStreams)
		r.Post("/streams/{id}/contexts", h.submitContext)
		r.Get("/streams/{id}/recovery", h.recoverIncomplete)
		r.Get("/streams/{id}/decisions", h.archivedDecisions)
		r.Get("/patterns", h.listPatterns)
		r.Get("/discoveries", h.listDiscoveries)
		r.Get("/scheduler/metrics", h.schedulerMetrics)
	})
	r.Get("/ws", h.serveWS)

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.GetSystemHealth())
}

func (h *Handler) listStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active": h.orch.StreamIDs(),
	})
}

// submitContext pushes one streaming context onto its stream's input
// channel, creating the stream on first use. A full input channel is
// reported as backpressure rather than blocking the request.
func (h *Handler) submitContext(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "id")

	var sc orchestrator.StreamingContext
	if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	sc.StreamID = streamID
	if sc.Timestamp == 0 {
		sc.Timestamp = float64(time.Now().UnixMilli()) / 1000.0
	}
	if sc.Stage == "" {
		sc.Stage = orchestrator.StageContext
	}

	input := h.ensureStream(streamID)
	select {
	case input <- &sc:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "stream": streamID})
	default:
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "stream input full"})
	}
}

// ensureStream opens the stream on the orchestrator once and starts the
// pump that forwards its decisions to the websocket hub, Redis and the
// archive.
func (h *Handler) ensureStream(streamID string) chan<- *orchestrator.StreamingContext {
	h.mu.Lock()
	defer h.mu.Unlock()

	if input, ok := h.inputs[streamID]; ok {
		return input
	}

	input, output := h.orch.CreateStream(streamID)
	h.inputs[streamID] = input
	go h.pumpDecisions(streamID, output)

	if h.stateMgr != nil {
		info := &state.StreamInfo{ID: streamID, Status: "active", CreatedAt: time.Now()}
		if err := h.stateMgr.SetStream(context.Background(), info); err != nil {
			h.logger.Warn("failed to register stream in redis",
				zap.String("stream", streamID),
				zap.Error(err))
		}
	}

	return input
}

// pumpDecisions is the caller-side consumer of a stream's output channel.
// Forwarding failures are logged and skipped; the pump only stops when
// the orchestrator closes the output.
func (h *Handler) pumpDecisions(streamID string, output <-chan *orchestrator.MetacognitiveDecision) {
	for decision := range output {
		h.hub.Broadcast(streamID, decision)

		if h.stateMgr != nil {
			if err := h.stateMgr.PublishDecision(context.Background(), streamID, decision); err != nil {
				h.logger.Warn("failed to publish decision",
					zap.String("stream", streamID),
					zap.Error(err))
			}
		}
		if h.archive != nil {
			if err := h.archive.ArchiveDecision(context.Background(), decision); err != nil {
				h.logger.Warn("failed to archive decision",
					zap.String("decision", decision.DecisionID),
					zap.Error(err))
			}
		}
	}

	h.mu.Lock()
	delete(h.inputs, streamID)
	h.mu.Unlock()
}

func (h *Handler) recoverIncomplete(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "id")
	results := h.orch.Lactate().RecoverFromIncomplete(streamID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stream":  streamID,
		"results": results,
	})
}

func (h *Handler) archivedDecisions(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "archive not available"})
		return
	}

	streamID := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	decisions, err := h.archive.DecisionsForStream(r.Context(), streamID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

func (h *Handler) listPatterns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Dreaming().DiscoveredPatterns())
}

func (h *Handler) listDiscoveries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Dreaming().NovelDiscoveries())
}

func (h *Handler) schedulerMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": h.orch.Glycolytic().Metrics(),
		"workers": h.orch.Glycolytic().WorkerCount(),
		"pending": h.orch.Glycolytic().PendingTasks(),
		"load":    h.orch.Glycolytic().CurrentLoad(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
