package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/manpreetbhatti/roomsync/internal/crdt"
	"github.com/manpreetbhatti/roomsync/internal/db"
	"github.com/manpreetbhatti/roomsync/internal/protocol"
	"github.com/manpreetbhatti/roomsync/internal/ws"
)

type testAPI struct {
	api    *API
	hub    *ws.Hub
	router *mux.Router
}

func setupTestAPI(t *testing.T, withCatalog bool) *testAPI {
	t.Helper()
	logger := zaptest.NewLogger(t)

	var database *db.Database
	if withCatalog {
		var err error
		database, err = db.New(filepath.Join(t.TempDir(), "test.db"), logger)
		require.NoError(t, err)
		t.Cleanup(func() { database.Close() })
	}

	hub := ws.NewHub(ws.HubConfig{Logger: logger})
	t.Cleanup(hub.Close)

	api := New(hub, database, logger)
	router := mux.NewRouter()
	api.Register(router)
	router.Use(CORS)

	return &testAPI{api: api, hub: hub, router: router}
}

func (ta *testAPI) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)

	var response map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	}
	return w, response
}

func TestHealthHandler(t *testing.T) {
	ta := setupTestAPI(t, false)

	w, response := ta.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", response["status"])
	assert.Equal(t, "lobby", response["lobby"])
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatsHandler(t *testing.T) {
	ta := setupTestAPI(t, true)

	lobby, _ := ta.hub.Lookup("lobby")
	require.NoError(t, lobby.Join(context.Background(), 1, make(chan protocol.Message, 4)))
	_, err := lobby.Snapshot(context.Background(), 1)
	require.NoError(t, err)

	w, response := ta.do(t, http.MethodGet, "/api/stats")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, response["active_rooms"])
	assert.EqualValues(t, 1, response["active_clients"])
	assert.Contains(t, response, "total_rooms")
}

func TestStatsHandlerWithoutCatalog(t *testing.T) {
	ta := setupTestAPI(t, false)

	w, response := ta.do(t, http.MethodGet, "/api/stats")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, response, "total_rooms")
}

func TestGetLiveRoomIncludesText(t *testing.T) {
	ta := setupTestAPI(t, false)

	rm, err := ta.hub.GetOrCreate("team/notes")
	require.NoError(t, err)
	require.NoError(t, rm.Update(context.Background(), 7, crdt.NewDoc(7).Insert(0, "héllo")))

	w, response := ta.do(t, http.MethodGet, "/api/rooms/team/notes")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "team/notes", response["id"])
	assert.Equal(t, true, response["live"])
	assert.Equal(t, "héllo", response["text"])
	assert.EqualValues(t, 5, response["length"])
	assert.EqualValues(t, 1, response["updates_applied"])
}

func TestGetCataloguedRoom(t *testing.T) {
	ta := setupTestAPI(t, true)
	require.NoError(t, ta.api.database.UpsertRoom(db.Room{ID: "archived", PeakPeers: 3}))

	w, response := ta.do(t, http.MethodGet, "/api/rooms/archived")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, response["live"])
	assert.EqualValues(t, 3, response["peak_users"])
	assert.NotContains(t, response, "text")
	assert.Contains(t, response, "created_at")
}

func TestGetRoomNotFound(t *testing.T) {
	ta := setupTestAPI(t, true)

	w, response := ta.do(t, http.MethodGet, "/api/rooms/non-existent")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Room not found", response["error"])
}

func TestListRoomsMergesLiveAndCatalog(t *testing.T) {
	ta := setupTestAPI(t, true)

	_, err := ta.hub.GetOrCreate("live-only")
	require.NoError(t, err)
	require.NoError(t, ta.api.database.UpsertRoom(db.Room{ID: "lobby", PeakPeers: 9}))
	require.NoError(t, ta.api.database.UpsertRoom(db.Room{ID: "archived"}))

	w, response := ta.do(t, http.MethodGet, "/api/rooms")
	require.Equal(t, http.StatusOK, w.Code)

	rooms, ok := response["rooms"].([]any)
	require.True(t, ok)

	ids := make(map[string]map[string]any)
	for _, r := range rooms {
		room := r.(map[string]any)
		ids[room["id"].(string)] = room
	}
	assert.Len(t, ids, 3)
	assert.Equal(t, true, ids["lobby"]["live"])
	assert.EqualValues(t, 9, ids["lobby"]["peak_users"])
	assert.Equal(t, true, ids["live-only"]["live"])
	assert.Equal(t, false, ids["archived"]["live"])
}

func TestListRoomsPagination(t *testing.T) {
	ta := setupTestAPI(t, true)

	for i := 0; i < 10; i++ {
		require.NoError(t, ta.api.database.UpsertRoom(db.Room{ID: fmt.Sprintf("page-room-%c", 'a'+i)}))
	}

	live := len(ta.hub.Rooms())

	_, response := ta.do(t, http.MethodGet, "/api/rooms?limit=3")
	assert.Len(t, response["rooms"], live+3)
	assert.EqualValues(t, 3, response["limit"])

	_, response = ta.do(t, http.MethodGet, "/api/rooms?limit=3&offset=8")
	assert.Len(t, response["rooms"], live+2)
}

func TestDeleteRoom(t *testing.T) {
	ta := setupTestAPI(t, true)
	require.NoError(t, ta.api.database.UpsertRoom(db.Room{ID: "old"}))

	w, _ := ta.do(t, http.MethodDelete, "/api/rooms/old")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = ta.do(t, http.MethodGet, "/api/rooms/old")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteRoomWithoutCatalog(t *testing.T) {
	ta := setupTestAPI(t, false)

	w, _ := ta.do(t, http.MethodDelete, "/api/rooms/old")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLiveRoomAfterShutdown(t *testing.T) {
	ta := setupTestAPI(t, false)
	ta.hub.Close()

	w, _ := ta.do(t, http.MethodGet, "/api/rooms/lobby")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
