package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/roomsync/internal/crdt"
	"github.com/manpreetbhatti/roomsync/internal/db"
	"github.com/manpreetbhatti/roomsync/internal/room"
	"github.com/manpreetbhatti/roomsync/internal/ws"
)

const snapshotTimeout = 5 * time.Second

type API struct {
	hub      *ws.Hub
	database *db.Database
	logger   *zap.Logger
}

// New returns the HTTP operations surface. database may be nil when the
// catalog is disabled.
func New(hub *ws.Hub, database *db.Database, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		hub:      hub,
		database: database,
		logger:   logger,
	}
}

// Register adds the api routes to r.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", a.ListRoomsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{id:.+}", a.GetRoomHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{id:.+}", a.DeleteRoomHandler).Methods(http.MethodDelete)
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("encoding json response", zap.Error(err))
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"lobby":     a.hub.Lobby(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"live_rooms":     len(a.hub.Rooms()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err != nil {
			a.logger.Warn("catalog stats", zap.Error(err))
		} else {
			stats["total_rooms"] = dbStats["room_count"]
			stats["total_updates"] = dbStats["updates_applied"]
			stats["total_rejected"] = dbStats["updates_rejected"]
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID              string     `json:"id"`
	Live            bool       `json:"live"`
	ActiveUsers     int        `json:"active_users"`
	PeakUsers       int        `json:"peak_users"`
	UpdatesApplied  uint64     `json:"updates_applied"`
	UpdatesRejected uint64     `json:"updates_rejected"`
	Dropped         uint64     `json:"dropped"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
	Length          *int       `json:"length,omitempty"`
	Text            *string    `json:"text,omitempty"`
}

func liveResponse(st room.Stats) RoomResponse {
	return RoomResponse{
		ID:              st.Name,
		Live:            true,
		ActiveUsers:     st.Peers,
		PeakUsers:       st.PeakPeers,
		UpdatesApplied:  st.UpdatesApplied,
		UpdatesRejected: st.UpdatesRejected,
		Dropped:         st.Dropped,
	}
}

func catalogResponse(c db.Room) RoomResponse {
	return RoomResponse{
		ID:              c.ID,
		PeakUsers:       c.PeakPeers,
		UpdatesApplied:  uint64(c.UpdatesApplied),
		UpdatesRejected: uint64(c.UpdatesRejected),
		Dropped:         uint64(c.Dropped),
		CreatedAt:       &c.CreatedAt,
		UpdatedAt:       &c.UpdatedAt,
	}
}

// withCatalog adds the catalog timestamps and keeps the larger peak.
func (resp *RoomResponse) withCatalog(c db.Room) {
	resp.CreatedAt = &c.CreatedAt
	resp.UpdatedAt = &c.UpdatedAt
	resp.PeakUsers = max(resp.PeakUsers, c.PeakPeers)
}

// ListRoomsHandler returns the live rooms followed by catalogued rooms that
// are not live. limit and offset page the catalog.
func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	var catalog []db.Room
	if a.database != nil {
		var err error
		catalog, err = a.database.ListRooms(limit, offset)
		if err != nil {
			a.logger.Warn("listing catalog rooms", zap.Error(err))
			a.errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
			return
		}
	}

	byID := make(map[string]db.Room, len(catalog))
	for _, c := range catalog {
		byID[c.ID] = c
	}

	live := a.hub.Rooms()
	response := make([]RoomResponse, 0, len(live)+len(catalog))
	seen := make(map[string]bool, len(live))
	for _, rm := range live {
		resp := liveResponse(rm.Stats())
		if c, ok := byID[resp.ID]; ok {
			resp.withCatalog(c)
		}
		seen[resp.ID] = true
		response = append(response, resp)
	}
	for _, c := range catalog {
		if !seen[c.ID] {
			response = append(response, catalogResponse(c))
		}
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

// GetRoomHandler describes one room. For a live room the current document
// text is read through the room's mailbox.
func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	var catalog *db.Room
	if a.database != nil {
		var err error
		catalog, err = a.database.GetRoom(roomID)
		if err != nil {
			a.logger.Warn("reading catalog room", zap.String("room", roomID), zap.Error(err))
			a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
			return
		}
	}

	rm, live := a.hub.Lookup(roomID)
	if !live {
		if catalog == nil {
			a.errorResponse(w, http.StatusNotFound, "Room not found")
			return
		}
		a.jsonResponse(w, http.StatusOK, catalogResponse(*catalog))
		return
	}

	resp := liveResponse(rm.Stats())
	if catalog != nil {
		resp.withCatalog(*catalog)
	}

	text, err := a.documentText(r.Context(), rm)
	if err != nil {
		a.logger.Warn("reading room document", zap.String("room", roomID), zap.Error(err))
		a.errorResponse(w, http.StatusServiceUnavailable, "Failed to read document")
		return
	}
	length := len([]rune(text))
	resp.Text = &text
	resp.Length = &length

	a.jsonResponse(w, http.StatusOK, resp)
}

func (a *API) documentText(ctx context.Context, rm *room.Room) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	snap, err := rm.Snapshot(ctx, 0)
	if err != nil {
		return "", err
	}
	doc, err := crdt.Load(0, snap)
	if err != nil {
		return "", err
	}
	return doc.String(), nil
}

// DeleteRoomHandler forgets a catalogued room. Live rooms are not affected.
func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	if a.database == nil {
		a.errorResponse(w, http.StatusNotFound, "Catalog disabled")
		return
	}

	roomID := mux.Vars(r)["id"]
	if err := a.database.DeleteRoom(roomID); err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

// CORS allows browser clients on other origins to call the api.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
