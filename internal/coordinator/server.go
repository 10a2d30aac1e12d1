// Package coordinator is an in-memory sync coordinator for development and
// integration tests. It implements the HTTP surface the remote client talks
// to and pushes accepted changes to the other connected devices.
package coordinator

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/legacyguard/stronghold/backend/internal/logging"
	"github.com/legacyguard/stronghold/backend/internal/models"
	"github.com/legacyguard/stronghold/backend/internal/sync/conflict"
	"github.com/legacyguard/stronghold/backend/internal/sync/realtime"
	"github.com/legacyguard/stronghold/backend/internal/sync/remote"
	"github.com/legacyguard/stronghold/backend/internal/uuid"
)

const maxBodyBytes = 32 << 20

// Server holds the authoritative copy of every entity.
type Server struct {
	token string
	hub   *Hub
	now   func() time.Time

	mu       sync.RWMutex
	devices  map[string]*models.DeviceInfo
	entities map[string]*models.SyncEntity
	// received holds the receive stamp of each stored entity. Downloads are
	// cursored on it; LastModified stays the device edit time.
	received map[string]time.Time
	sessions []*models.SyncSession
	lastTick time.Time
}

// New creates a coordinator. An empty token disables authentication.
func New(token string) *Server {
	return &Server{
		token:    token,
		hub:      NewHub(),
		now:      time.Now,
		devices:  make(map[string]*models.DeviceInfo),
		entities: make(map[string]*models.SyncEntity),
		received: make(map[string]time.Time),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /devices/register", s.authenticated(s.handleRegister))
	mux.HandleFunc("POST /sync/upload", s.authenticated(s.handleUpload))
	mux.HandleFunc("GET /sync/download", s.authenticated(s.handleDownload))
	mux.HandleFunc("POST /sync/sessions", s.authenticated(s.handleSessions))
	mux.HandleFunc("GET /sync/ws", s.handleWS)
	return mux
}

// Close disconnects all devices.
func (s *Server) Close() {
	s.hub.Close()
}

// Hub exposes the real-time hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// RequestSync asks every connected device to run a sync.
func (s *Server) RequestSync() {
	s.hub.Broadcast(realtime.Message{Type: realtime.MessageSyncRequested}, "")
}

// Devices returns the registered devices.
func (s *Server) Devices() []*models.DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.DeviceInfo, 0, len(s.devices))
	for _, d := range s.devices {
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Entity returns the stored copy of id, including deletion markers.
func (s *Server) Entity(id string) *models.SyncEntity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entities[id].Clone()
}

// Sessions returns the sessions reported by devices.
func (s *Server) Sessions() []*models.SyncSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*models.SyncSession(nil), s.sessions...)
}

// =====================================================
// Handlers
// =====================================================

func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "stronghold-coordinator",
		"devices": s.hub.ConnectedDevices(),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var device models.DeviceInfo
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&device); err != nil {
		http.Error(w, "invalid device: "+err.Error(), http.StatusBadRequest)
		return
	}
	if device.DeviceID == "" || !device.Platform.Valid() {
		http.Error(w, "device id and a known platform are required", http.StatusBadRequest)
		return
	}
	if header := r.Header.Get(remote.HeaderDeviceID); header != "" && header != device.DeviceID {
		http.Error(w, "device id mismatch", http.StatusBadRequest)
		return
	}

	device.LastSeen = s.now().UTC()
	device.IsActive = true
	s.mu.Lock()
	s.devices[device.DeviceID] = &device
	s.mu.Unlock()

	logging.Info("Device registered", map[string]interface{}{
		"device_id": device.DeviceID,
		"platform":  string(device.Platform),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

// handleUpload accepts entities that supersede the stored copy and reports a
// conflict for the rest. Accepted entities get a fresh receive stamp so
// download cursors never skip them.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get(remote.HeaderDeviceID)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	compressed := strings.EqualFold(r.Header.Get(remote.HeaderCompression), remote.CompressionGzip)
	entities, err := remote.DecodeEntities(body, compressed)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := remote.UploadResponse{}
	var accepted []*models.SyncEntity

	s.mu.Lock()
	for _, e := range entities {
		if e == nil || uuid.ValidateEntityID(e.ID) != nil || !e.VerifyChecksum() {
			s.mu.Unlock()
			http.Error(w, "invalid entity in batch", http.StatusBadRequest)
			return
		}

		stored := s.entities[e.ID]
		switch {
		case stored == nil, e.Version > stored.Version:
			s.entities[e.ID] = e
			s.received[e.ID] = s.tickLocked()
			accepted = append(accepted, e.Clone())
		case models.SameState(stored, e):
			// Retried upload of an accepted copy.
		default:
			ctype, _ := conflict.Detect(e, stored)
			if ctype == "" {
				ctype = models.ConflictVersion
			}
			resp.Conflicts = append(resp.Conflicts, &models.SyncConflict{
				EntityID:           e.ID,
				Type:               e.Type,
				LocalVersion:       e.Clone(),
				RemoteVersion:      stored.Clone(),
				ConflictType:       ctype,
				ResolutionStrategy: conflict.SelectStrategy(e, stored, ctype, models.StrategyMerge),
				CreatedAt:          s.now().UTC(),
			})
			continue
		}
		resp.Accepted++
	}
	s.mu.Unlock()

	for _, e := range accepted {
		s.hub.Broadcast(changeMessage(e, deviceID), deviceID)
	}

	logging.Info("Upload processed", map[string]interface{}{
		"device_id": deviceID,
		"received":  len(entities),
		"accepted":  resp.Accepted,
		"conflicts": len(resp.Conflicts),
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			http.Error(w, "invalid since: "+err.Error(), http.StatusBadRequest)
			return
		}
		since = t
	}

	type stamped struct {
		entity   *models.SyncEntity
		received time.Time
	}
	s.mu.RLock()
	var found []stamped
	for id, e := range s.entities {
		if at := s.received[id]; at.After(since) {
			found = append(found, stamped{entity: e.Clone(), received: at})
		}
	}
	s.mu.RUnlock()
	sort.Slice(found, func(i, j int) bool { return found[i].received.Before(found[j].received) })

	resp := remote.DownloadResponse{Entities: make([]*models.SyncEntity, 0, len(found))}
	for _, f := range found {
		resp.Entities = append(resp.Entities, f.entity)
	}
	if len(found) > 0 {
		cursor := found[len(found)-1].received
		resp.Cursor = &cursor
	}

	if strings.EqualFold(r.Header.Get(remote.HeaderCompression), remote.CompressionGzip) {
		data, err := remote.EncodeEntities(resp.Entities, true)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Entities, resp.Compressed, resp.Data = []*models.SyncEntity{}, true, data
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	var session models.SyncSession
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&session); err != nil {
		http.Error(w, "invalid session: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.sessions = append(s.sessions, &session)
	s.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if s.token != "" && q.Get("token") != s.token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	deviceID := q.Get("device_id")
	if deviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}
	s.hub.serveWS(w, r, deviceID)
}

// tickLocked returns a strictly increasing receive stamp.
func (s *Server) tickLocked() time.Time {
	t := s.now().UTC()
	if !t.After(s.lastTick) {
		t = s.lastTick.Add(time.Microsecond)
	}
	s.lastTick = t
	return t
}

func changeMessage(e *models.SyncEntity, source string) realtime.Message {
	if e.Deleted {
		return realtime.Message{Type: realtime.MessageEntityDeleted, Tombstone: models.TombstoneFrom(e), SourceDeviceID: source}
	}
	return realtime.Message{Type: realtime.MessageEntityUpdated, Entity: e, SourceDeviceID: source}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}
