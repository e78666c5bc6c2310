package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/core/bridge"
	"github.com/ClareAI/astra-voice-bridge/internal/core/call"
	"github.com/ClareAI/astra-voice-bridge/internal/core/session"
	"github.com/ClareAI/astra-voice-bridge/internal/domain"
	"github.com/ClareAI/astra-voice-bridge/internal/repository"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/gorilla/mux"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

// CallAPIHandler serves the call inspection and control API. Live calls
// come from the bridge manager; finished calls come from the repository
// when persistence is configured.
type CallAPIHandler struct {
	manager        *bridge.Manager
	repoManager    repository.RepositoryManager
	sessionManager *session.Manager
}

// NewCallAPIHandler creates a call API handler
func NewCallAPIHandler(manager *bridge.Manager, repoManager repository.RepositoryManager, sessionManager *session.Manager) *CallAPIHandler {
	return &CallAPIHandler{
		manager:        manager,
		repoManager:    repoManager,
		sessionManager: sessionManager,
	}
}

// SetupCallRoutes registers the call API routes
func (h *CallAPIHandler) SetupCallRoutes(router *mux.Router) {
	router.HandleFunc("/calls", h.ListActiveCalls).Methods("GET")
	router.HandleFunc("/calls/recent", h.ListRecentCalls).Methods("GET")
	router.HandleFunc("/calls/{id}", h.GetCall).Methods("GET")
	router.HandleFunc("/calls/{id}/end", h.EndCall).Methods("POST")
}

// ActiveCallsResponse lists the calls currently running on this pod.
type ActiveCallsResponse struct {
	Calls []call.Record `json:"calls"`
	Total int           `json:"total"`
}

// CallSummaryResponse is the API projection of one call.
type CallSummaryResponse struct {
	CallID          string     `json:"call_id"`
	Channel         string     `json:"channel,omitempty"`
	Caller          string     `json:"caller,omitempty"`
	BotName         string     `json:"bot_name,omitempty"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	TurnCount       int        `json:"turn_count"`
	FunctionCalls   int        `json:"function_calls"`
	EndReasonCode   string     `json:"end_reason_code,omitempty"`
	EndReason       string     `json:"end_reason,omitempty"`
	RecordingURL    string     `json:"recording_url,omitempty"`
}

// RecentCallsResponse lists finished calls from the repository.
type RecentCallsResponse struct {
	Calls []CallSummaryResponse `json:"calls"`
	Total int                   `json:"total"`
}

// CallTurnResponse is one transcript turn.
type CallTurnResponse struct {
	Role     string    `json:"role"`
	Content  string    `json:"content"`
	SpokenAt time.Time `json:"spoken_at"`
}

// CallDetailResponse is one call with its transcript.
type CallDetailResponse struct {
	CallSummaryResponse
	Transcript []CallTurnResponse `json:"transcript,omitempty"`
}

// EndCallRequest optionally overrides the reason reported to the caller.
type EndCallRequest struct {
	ReasonCode string `json:"reason_code,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// EndCallResponse acknowledges an end request.
type EndCallResponse struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

// ListActiveCalls returns the calls currently running on this pod
func (h *CallAPIHandler) ListActiveCalls(w http.ResponseWriter, r *http.Request) {
	calls := h.manager.List()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ActiveCallsResponse{Calls: calls, Total: len(calls)})
}

// ListRecentCalls returns finished calls from the repository, newest first
func (h *CallAPIHandler) ListRecentCalls(w http.ResponseWriter, r *http.Request) {
	if h.repoManager == nil {
		http.Error(w, "persistence is not configured", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	sessions, err := h.repoManager.CallSessions().ListRecent(r.Context(), limit)
	if err != nil {
		logger.Base().Error("failed to list call sessions", zap.Error(err))
		http.Error(w, "failed to list call sessions", http.StatusInternalServerError)
		return
	}

	items := make([]CallSummaryResponse, 0, len(sessions))
	for _, sess := range sessions {
		items = append(items, toCallSummary(sess))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(RecentCallsResponse{Calls: items, Total: len(items)})
}

// GetCall returns one call with its transcript. The stored record wins;
// a call still in flight without a stored record falls back to the live
// bridge snapshot.
func (h *CallAPIHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["id"]

	if h.repoManager != nil {
		sess, err := h.repoManager.CallSessions().GetByCallID(r.Context(), callID)
		if err != nil {
			logger.Base().Error("failed to load call session",
				zap.String("call_id", callID),
				zap.Error(err))
			http.Error(w, "failed to load call session", http.StatusInternalServerError)
			return
		}
		if sess != nil {
			response := CallDetailResponse{CallSummaryResponse: toCallSummary(sess)}

			turns, err := h.repoManager.CallTurns().GetBySessionID(r.Context(), sess.ID)
			if err != nil {
				logger.Base().Warn("failed to load call transcript",
					zap.String("call_id", callID),
					zap.Error(err))
			}
			for _, turn := range turns {
				response.Transcript = append(response.Transcript, CallTurnResponse{
					Role:     turn.Role,
					Content:  turn.Content,
					SpokenAt: turn.SpokenAt,
				})
			}

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(response)
			return
		}
	}

	if br, ok := h.manager.Find(callID); ok {
		if record, ok := br.Snapshot(); ok {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(CallDetailResponse{CallSummaryResponse: liveCallSummary(record)})
			return
		}
	}

	http.Error(w, "call not found", http.StatusNotFound)
}

// EndCall ends a live call. When the call runs on another pod the request
// is broadcast over the session registry instead.
func (h *CallAPIHandler) EndCall(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["id"]

	// The body is optional; an empty reason falls back to the defaults.
	var req EndCallRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if h.manager.EndCall(callID, req.ReasonCode, req.Reason) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(EndCallResponse{CallID: callID, Status: "ending"})
		return
	}

	if h.sessionManager.Enabled() {
		_, found, err := h.sessionManager.Lookup(r.Context(), callID)
		if err != nil {
			logger.Base().Error("failed to look up call in registry",
				zap.String("call_id", callID),
				zap.Error(err))
		}
		if err == nil && found {
			if err := h.sessionManager.NotifyCleanup(r.Context(), callID, req.Reason); err != nil {
				logger.Base().Error("failed to broadcast cleanup",
					zap.String("call_id", callID),
					zap.Error(err))
				http.Error(w, "failed to notify owning pod", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(EndCallResponse{CallID: callID, Status: "cleanup_requested"})
			return
		}
	}

	http.Error(w, "call not found", http.StatusNotFound)
}

// toCallSummary projects a stored session onto the API shape.
func toCallSummary(sess *domain.CallSession) CallSummaryResponse {
	var response CallSummaryResponse
	if err := copier.Copy(&response, sess); err != nil {
		logger.Base().Warn("failed to map call session", zap.Error(err))
	}
	if sess.EndedAt.IsZero() {
		response.EndedAt = nil
	}
	return response
}

// liveCallSummary projects an in-flight call onto the API shape.
func liveCallSummary(record call.Record) CallSummaryResponse {
	return CallSummaryResponse{
		CallID:    record.CallID,
		Channel:   record.Channel,
		Caller:    record.Caller,
		BotName:   record.BotName,
		Status:    record.Status.String(),
		StartedAt: record.CreatedAt,
	}
}
