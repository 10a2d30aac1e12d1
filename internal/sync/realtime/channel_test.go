package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legacyguard/stronghold/backend/internal/models"
)

type recordingHandler struct {
	mu        sync.Mutex
	states    []State
	updated   []*models.SyncEntity
	deleted   []*models.Tombstone
	conflicts []*models.SyncConflict
	requested int
	events    chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{events: make(chan string, 256)}
}

func (h *recordingHandler) emit(event string) {
	select {
	case h.events <- event:
	default:
	}
}

func (h *recordingHandler) HandleEntityUpdated(_ context.Context, e *models.SyncEntity) {
	h.mu.Lock()
	h.updated = append(h.updated, e)
	h.mu.Unlock()
	h.emit("updated")
}

func (h *recordingHandler) HandleEntityDeleted(_ context.Context, ts *models.Tombstone) {
	h.mu.Lock()
	h.deleted = append(h.deleted, ts)
	h.mu.Unlock()
	h.emit("deleted")
}

func (h *recordingHandler) HandleConflictDetected(_ context.Context, c *models.SyncConflict) {
	h.mu.Lock()
	h.conflicts = append(h.conflicts, c)
	h.mu.Unlock()
	h.emit("conflict")
}

func (h *recordingHandler) HandleSyncRequested(context.Context) {
	h.mu.Lock()
	h.requested++
	h.mu.Unlock()
	h.emit("sync")
}

func (h *recordingHandler) HandleStateChange(s State, _ error) {
	h.mu.Lock()
	h.states = append(h.states, s)
	h.mu.Unlock()
	h.emit("state:" + s.String())
}

func (h *recordingHandler) await(t *testing.T, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case got := <-h.events:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync/ws"
}

// TestChannel_dispatch verifies messages reach the typed handler methods.
func TestChannel_dispatch(t *testing.T) {
	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.RawQuery)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		e := &models.SyncEntity{ID: "e1", Version: 2}
		conn.WriteJSON(Message{Type: MessageEntityUpdated, Entity: e})
		conn.WriteJSON(Message{Type: "mystery"})
		conn.WriteJSON(Message{Type: MessageEntityDeleted, Tombstone: &models.Tombstone{EntityID: "e2", Version: 3}})
		conn.WriteJSON(Message{Type: MessageConflictDetected, Conflict: &models.SyncConflict{EntityID: "e3"}})
		conn.WriteJSON(Message{Type: MessageSyncRequested})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	h := newRecordingHandler()
	ch := NewChannel(Options{URL: wsURL(srv), Token: "tok", DeviceID: "dev-1", ReconnectDelay: 50 * time.Millisecond}, h, nil)
	ch.Start(context.Background())
	defer ch.Close()

	h.await(t, "sync", 2*time.Second)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.updated, 1)
	assert.Equal(t, "e1", h.updated[0].ID)
	require.Len(t, h.deleted, 1)
	assert.Equal(t, int64(3), h.deleted[0].Version)
	require.Len(t, h.conflicts, 1)
	assert.Equal(t, 1, h.requested)

	q := gotQuery.Load().(string)
	assert.Contains(t, q, "token=tok")
	assert.Contains(t, q, "device_id=dev-1")
}

// TestChannel_reconnects verifies a dropped connection is re-established
// within the reconnect delay without outside help.
func TestChannel_reconnects(t *testing.T) {
	var connections atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if connections.Add(1) == 1 {
			// Drop the first connection.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	h := newRecordingHandler()
	delay := 100 * time.Millisecond
	ch := NewChannel(Options{URL: wsURL(srv), ReconnectDelay: delay}, h, nil)
	ch.Start(context.Background())
	defer ch.Close()

	h.await(t, "state:connected", time.Second)
	h.await(t, "state:disconnected", time.Second)
	h.await(t, "state:connecting", delay+time.Second)
	h.await(t, "state:connected", time.Second)

	assert.Equal(t, StateConnected, ch.State())
	assert.GreaterOrEqual(t, connections.Load(), int32(2))
}

// TestChannel_offlineDoesNotDial verifies no attempts are made while offline.
func TestChannel_offlineDoesNotDial(t *testing.T) {
	var connections atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connections.Add(1)
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var online atomic.Bool
	h := newRecordingHandler()
	ch := NewChannel(Options{URL: wsURL(srv), ReconnectDelay: 20 * time.Millisecond}, h, online.Load)
	ch.Start(context.Background())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), connections.Load())
	assert.Equal(t, StateDisconnected, ch.State())

	require.NoError(t, ch.Close())
}

// TestChannel_connectFailure verifies failed handshakes feed the retry loop.
func TestChannel_connectFailure(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	h := newRecordingHandler()
	ch := NewChannel(Options{URL: wsURL(srv), ReconnectDelay: 20 * time.Millisecond}, h, nil)
	ch.Start(context.Background())

	require.Eventually(t, func() bool { return attempts.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, ch.Close())
	assert.Equal(t, StateDisconnected, ch.State())
}

// TestState_String verifies state names.
func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
}
