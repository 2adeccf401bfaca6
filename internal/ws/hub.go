package ws

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/roomsync/internal/room"
)

const DefaultLobby = "lobby"

type HubConfig struct {
	// Lobby is created before the hub is returned.
	Lobby  string
	Room   room.Config
	Logger *zap.Logger
}

// Hub maps document names to their rooms. Every name gets exactly one room
// for the life of the hub.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]*room.Room
	closed bool

	cfg    HubConfig
	logger *zap.Logger
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Lobby == "" {
		cfg.Lobby = DefaultLobby
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Room.Logger == nil {
		cfg.Room.Logger = cfg.Logger.Named("room")
	}

	h := &Hub{
		rooms:  make(map[string]*room.Room),
		cfg:    cfg,
		logger: cfg.Logger,
	}
	h.rooms[cfg.Lobby] = room.New(cfg.Lobby, cfg.Room)
	return h
}

func (h *Hub) Lobby() string {
	return h.cfg.Lobby
}

// GetOrCreate returns the room for doc, starting it on first reference.
// It fails with room.ErrClosed after Close.
func (h *Hub) GetOrCreate(doc string) (*room.Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, room.ErrClosed
	}
	if r, ok := h.rooms[doc]; ok {
		return r, nil
	}

	r := room.New(doc, h.cfg.Room)
	h.rooms[doc] = r
	h.logger.Info("room created", zap.String("room", doc), zap.Int("rooms", len(h.rooms)))
	return r, nil
}

// Lookup returns an existing room without creating one.
func (h *Hub) Lookup(doc string) (*room.Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[doc]
	return r, ok
}

// Rooms returns every room sorted by name.
func (h *Hub) Rooms() []*room.Room {
	h.mu.Lock()
	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].Name() < rooms[j].Name()
	})
	return rooms
}

// Returns the number of rooms with at least one peer
func (h *Hub) GetRoomCount() int {
	return len(h.GetActiveRooms())
}

// Returns the number of peers across all rooms
func (h *Hub) GetClientCount() int {
	total := 0
	for _, r := range h.Rooms() {
		total += r.Stats().Peers
	}
	return total
}

// Returns peer counts for rooms that currently have peers
func (h *Hub) GetActiveRooms() map[string]int {
	active := make(map[string]int)
	for _, r := range h.Rooms() {
		if n := r.Stats().Peers; n > 0 {
			active[r.Name()] = n
		}
	}
	return active
}

// Close stops every room. Later GetOrCreate calls fail.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.Stop()
	}
	h.logger.Info("hub closed", zap.Int("rooms", len(rooms)))
}
