// Package handlers provides the local REST API of a running sync agent.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/legacyguard/stronghold/backend/internal/errors"
	"github.com/legacyguard/stronghold/backend/internal/logging"
	"github.com/legacyguard/stronghold/backend/internal/models"
	syncengine "github.com/legacyguard/stronghold/backend/internal/sync"
	"github.com/legacyguard/stronghold/backend/internal/sync/realtime"
	"github.com/legacyguard/stronghold/backend/internal/sync/scheduler"
	"github.com/legacyguard/stronghold/backend/internal/telemetry"
)

// Engine is the engine surface the handlers use. *sync.Engine implements it.
type Engine interface {
	syncengine.SyncEngineInterface
	SetOnline(online bool)
	TriggerIncrementalSync() bool
	Device() *models.DeviceInfo
	IsRegistered() bool
	ChannelState() realtime.State
	SchedulerStatus() scheduler.SchedulerStatus
	PendingStats() map[string]int
	CurrentSession() *models.SyncSession
	LastSession() *models.SyncSession
}

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	engine Engine
	stats  *telemetry.Collector
}

// NewSyncHandler creates a new SyncHandler. stats may be nil.
func NewSyncHandler(engine Engine, stats *telemetry.Collector) *SyncHandler {
	return &SyncHandler{engine: engine, stats: stats}
}

// Routes returns the agent API.
func (h *SyncHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /sync/status", h.GetStatus)
	mux.HandleFunc("POST /sync/now", h.TriggerSync)
	mux.HandleFunc("POST /sync/flush", h.FlushPending)
	mux.HandleFunc("POST /sync/online", h.SetOnline)
	mux.HandleFunc("GET /sync/pending", h.ListPending)
	mux.HandleFunc("GET /sync/conflicts", h.ListConflicts)
	mux.HandleFunc("POST /sync/conflicts/{id}/resolve", h.ResolveConflict)
	mux.HandleFunc("POST /entities", h.PutEntity)
	mux.HandleFunc("DELETE /entities/{id}", h.DeleteEntity)
	return mux
}

// Health handles GET /api/health
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "stronghold-sync",
	})
}

// =====================================================
// Sync Status and Trigger Endpoints
// =====================================================

// GetStatus handles GET /sync/status
// Returns connectivity, the pending set and the latest sessions.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"online":     h.engine.IsOnline(),
		"registered": h.engine.IsRegistered(),
		"realtime":   h.engine.ChannelState().String(),
		"pending":    h.engine.PendingStats(),
		"conflicts":  len(h.engine.GetConflictQueue()),
		"scheduler":  h.engine.SchedulerStatus(),
	}
	if dev := h.engine.Device(); dev != nil {
		response["device"] = dev
	}
	if current := h.engine.CurrentSession(); current != nil {
		response["current_session"] = current
	}
	if last := h.engine.LastSession(); last != nil {
		response["last_session"] = last
	}
	if h.stats != nil {
		response["stats"] = h.stats.Snapshot()
	}
	writeJSON(w, http.StatusOK, response)
}

// TriggerSync handles POST /sync/now
// Runs a full sync and returns the finished session.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	session, err := h.engine.PerformFullSync(r.Context())
	if err != nil && session == nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if err != nil {
		// The session ran but failed; report it with its error.
		status = http.StatusBadGateway
	}
	writeJSON(w, status, session)
}

// FlushPending handles POST /sync/flush
// Starts an incremental upload of the pending set in the background.
func (h *SyncHandler) FlushPending(w http.ResponseWriter, r *http.Request) {
	if !h.engine.IsOnline() {
		writeError(w, errors.New(errors.ErrOffline, "cannot sync while offline"))
		return
	}
	if !h.engine.TriggerIncrementalSync() {
		writeError(w, errors.New(errors.ErrSyncInProgress, "incremental sync already running"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// SetOnline handles POST /sync/online
func (h *SyncHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Online == nil {
		http.Error(w, "online is required", http.StatusBadRequest)
		return
	}
	h.engine.SetOnline(*request.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": h.engine.IsOnline()})
}

// ListPending handles GET /sync/pending
func (h *SyncHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetPendingChanges())
}

// =====================================================
// Conflict Endpoints
// =====================================================

// ListConflicts handles GET /sync/conflicts
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetConflictQueue())
}

// ResolveConflict handles POST /sync/conflicts/{id}/resolve
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Strategy models.ResolutionStrategy `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if err := h.engine.ManualConflictResolution(r.Context(), id, request.Strategy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "resolved",
		"entity_id": id,
		"strategy":  string(request.Strategy),
	})
}

// =====================================================
// Entity Endpoints
// =====================================================

// entityRequest is the body of POST /entities.
type entityRequest struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Payload        map[string]interface{} `json:"payload"`
	OrganizationID string                 `json:"organizationId"`
	ConflictPolicy models.ConflictPolicy  `json:"conflictPolicy"`
	Priority       models.Priority        `json:"priority"`
	Tags           []string               `json:"tags"`
}

// PutEntity handles POST /entities
// Creates or updates an entity and queues it for upload.
func (h *SyncHandler) PutEntity(w http.ResponseWriter, r *http.Request) {
	var request entityRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.engine.SyncEntity(r.Context(), syncengine.EntityInput{
		ID:             request.ID,
		Type:           request.Type,
		Payload:        request.Payload,
		OrganizationID: request.OrganizationID,
		ConflictPolicy: request.ConflictPolicy,
		Priority:       request.Priority,
		Tags:           request.Tags,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// DeleteEntity handles DELETE /entities/{id}
func (h *SyncHandler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.DeleteEntity(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =====================================================
// Helpers
// =====================================================

// statusFor maps an engine error code to an HTTP status.
func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrInvalid:
		return http.StatusBadRequest
	case errors.ErrConflictNotFound:
		return http.StatusNotFound
	case errors.ErrSyncInProgress:
		return http.StatusConflict
	case errors.ErrOffline:
		return http.StatusServiceUnavailable
	case errors.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Agent request failed", string(errors.CodeOf(err)), err, nil)
	}
	writeJSON(w, status, map[string]string{
		"code":  string(errors.CodeOf(err)),
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
