package ws

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/roomsync/internal/protocol"
	"github.com/manpreetbhatti/roomsync/internal/ratelimit"
	"github.com/manpreetbhatti/roomsync/internal/room"
)

const leaveTimeout = 5 * time.Second

type SessionConfig struct {
	OutboundSize   int
	MaxMessageSize int64

	// Inbound frames per second, bucket size, and how many denied frames
	// end the session.
	RateLimit         float64
	RateBurst         int
	MaxRateViolations int

	// Transport keepalive. A zero PongWait disables ping frames and read
	// deadlines.
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration

	Logger *zap.Logger
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		OutboundSize:      64,
		MaxMessageSize:    16 << 20,
		RateLimit:         100,
		RateBurst:         200,
		MaxRateViolations: 1000,
		PingPeriod:        54 * time.Second,
		PongWait:          60 * time.Second,
		WriteWait:         10 * time.Second,
	}
}

// withDefaults fills unset fields. PongWait is left alone since zero
// disables keepalive.
func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.OutboundSize <= 0 {
		c.OutboundSize = d.OutboundSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	if c.MaxRateViolations <= 0 {
		c.MaxRateViolations = d.MaxRateViolations
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait > 0 && c.PingPeriod <= 0 {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    protocol.Subprotocols,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Session bridges one websocket connection to a room.
type Session struct {
	id     string
	peer   protocol.PeerID
	room   *room.Room
	conn   *websocket.Conn
	codec  protocol.Codec
	send   chan protocol.Message
	done   chan struct{}
	wg     sync.WaitGroup
	cfg    SessionConfig
	logger *zap.Logger

	// closed by the write pump when it exits
	writerDone chan struct{}
}

// Handler serves sessions for the document named by the {doc} route variable.
func Handler(hub *Hub, cfg SessionConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := mux.Vars(r)["doc"]
		if doc == "" {
			doc = hub.Lobby()
		}
		ServeWs(hub, cfg, doc, w, r)
	})
}

// ServeWs upgrades the request and runs a session until the connection ends.
func ServeWs(hub *Hub, cfg SessionConfig, doc string, w http.ResponseWriter, r *http.Request) {
	cfg = cfg.withDefaults()
	logger := cfg.Logger

	rm, err := hub.GetOrCreate(doc)
	if err != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	s := &Session{
		id:         uuid.NewString(),
		peer:       protocol.PeerID(rand.Uint64()),
		room:       rm,
		conn:       conn,
		codec:      protocol.ForSubprotocol(conn.Subprotocol()),
		send:       make(chan protocol.Message, cfg.OutboundSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		cfg:        cfg,
	}
	s.logger = logger.With(
		zap.String("conn", s.id),
		zap.String("room", doc),
		zap.Uint64("peer", uint64(s.peer)),
	)
	s.run()
}

func (s *Session) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.conn.Close()

	if err := s.room.Join(ctx, s.peer, s.send); err != nil {
		s.logger.Warn("join failed", zap.Error(err))
		return
	}
	s.logger.Info("session started", zap.String("codec", s.codec.Name()))

	s.wg.Add(1)
	go s.writePump()

	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		if err := s.room.Leave(leaveCtx, s.peer); err != nil {
			s.logger.Debug("leave not delivered", zap.Error(err))
		}
		close(s.done)
		s.wg.Wait()
		s.logger.Info("session ended")
	}()

	snap, err := s.room.Snapshot(ctx, s.peer)
	if err != nil {
		s.logger.Warn("initial snapshot failed", zap.Error(err))
		return
	}
	if !s.enqueue(protocol.Snapshot(snap)) {
		return
	}

	s.readPump(ctx)
}

// enqueue puts m on the outbound channel, waiting for space. It reports
// false once the write pump is gone.
func (s *Session) enqueue(m protocol.Message) bool {
	select {
	case s.send <- m:
		return true
	case <-s.writerDone:
		return false
	}
}

func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	if s.cfg.PongWait > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		})
	}

	limiter := ratelimit.NewLimiter(s.cfg.RateLimit, s.cfg.RateBurst, s.cfg.MaxRateViolations)

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("read failed", zap.Error(err))
			} else {
				s.logger.Debug("connection closed", zap.Error(err))
			}
			return
		}

		codec := protocol.Binary
		if mt == websocket.TextMessage {
			codec = protocol.JSON
		}
		m, err := codec.Decode(data)
		if err != nil {
			var ute *protocol.UnknownTagError
			if errors.As(err, &ute) {
				s.logger.Warn("unknown tag", zap.Error(err))
			} else {
				s.logger.Warn("malformed frame", zap.Int("bytes", len(data)), zap.Error(err))
			}
			continue
		}

		// Document frames are never dropped; the reader stalls until a
		// token frees up. Everything else is dropped when over the limit.
		switch m.Tag {
		case protocol.TagUpdate, protocol.TagSnapshotRequest:
			if err := limiter.Wait(ctx); err != nil {
				s.logger.Debug("rate limit wait aborted", zap.Error(err))
				return
			}
		default:
			if !limiter.Allow() {
				violations := limiter.Violations()
				if violations%100 == 1 {
					s.logger.Warn("rate limit exceeded", zap.Stringer("tag", m.Tag), zap.Int("violations", violations))
				}
				if limiter.Exceeded() {
					s.logger.Warn("disconnecting for excessive rate limit violations", zap.Int("violations", violations))
					return
				}
				continue
			}
		}

		if err := s.dispatch(ctx, m); err != nil {
			s.logger.Warn("dispatch failed", zap.Stringer("tag", m.Tag), zap.Error(err))
			return
		}
	}
}

// dispatch forwards one inbound message. A returned error ends the session.
func (s *Session) dispatch(ctx context.Context, m protocol.Message) error {
	switch m.Tag {
	case protocol.TagUpdate:
		return s.room.Update(ctx, s.peer, m.Payload)
	case protocol.TagAwareness:
		return s.room.Awareness(ctx, s.peer, m.Payload)
	case protocol.TagSnapshotRequest:
		snap, err := s.room.Snapshot(ctx, s.peer)
		if err != nil {
			return err
		}
		if !s.enqueue(protocol.Snapshot(snap)) {
			return errWriterGone
		}
	case protocol.TagPingPong:
		if !s.enqueue(protocol.PingPong()) {
			return errWriterGone
		}
	default:
		s.logger.Warn("ignoring server-only message", zap.Stringer("tag", m.Tag))
	}
	return nil
}

var errWriterGone = errors.New("ws: write pump stopped")

func (s *Session) writePump() {
	defer s.wg.Done()
	defer close(s.writerDone)
	// unblocks the read loop if the write side fails first
	defer s.conn.Close()

	var ping <-chan time.Time
	if s.cfg.PongWait > 0 && s.cfg.PingPeriod > 0 {
		ticker := time.NewTicker(s.cfg.PingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case m := <-s.send:
			if err := s.write(m); err != nil {
				s.logger.Debug("write failed", zap.Error(err))
				return
			}

		case <-ping:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Session) write(m protocol.Message) error {
	frame, err := s.codec.Encode(m)
	if err != nil {
		s.logger.Warn("reply encoding failed", zap.Stringer("tag", m.Tag), zap.Error(err))
		frame, err = s.codec.Encode(protocol.Error(err.Error()))
		if err != nil {
			return nil
		}
	}

	mt := websocket.BinaryMessage
	if s.codec == protocol.JSON {
		mt = websocket.TextMessage
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	return s.conn.WriteMessage(mt, frame)
}
