// Package stats periodically records live room counters in the catalog.
package stats

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/roomsync/internal/db"
	"github.com/manpreetbhatti/roomsync/internal/room"
)

type Config struct {
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
	}
}

// Source lists the live rooms.
type Source interface {
	Rooms() []*room.Room
}

// Sink stores one room's peer count and adds its counter increments.
type Sink interface {
	UpsertRoom(r db.Room) error
}

type Service struct {
	source Source
	sink   Sink
	config Config
	logger *zap.Logger
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu   sync.Mutex
	last map[string]room.Stats
}

func New(source Source, sink Sink, config Config, logger *zap.Logger) *Service {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		source: source,
		sink:   sink,
		config: config,
		logger: logger,
		stop:   make(chan struct{}),
		last:   make(map[string]room.Stats),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("stats sampler started", zap.Duration("interval", s.config.Interval))
}

// Stop takes a final sample and waits for the sampler to exit.
func (s *Service) Stop() {
	s.once.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
	s.logger.Info("stats sampler stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.Sample()

	for {
		select {
		case <-s.stop:
			s.Sample()
			return
		case <-ticker.C:
			s.Sample()
		}
	}
}

// Sample records every live room once and returns how many were stored.
// Counters are sent as increments since the last stored sample.
func (s *Service) Sample() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := 0
	for _, r := range s.source.Rooms() {
		st := r.Stats()
		prev := s.last[st.Name]
		// a room recreated under the same name starts its counters over
		if st.UpdatesApplied < prev.UpdatesApplied || st.UpdatesRejected < prev.UpdatesRejected || st.Dropped < prev.Dropped {
			prev = room.Stats{}
		}
		err := s.sink.UpsertRoom(db.Room{
			ID:              st.Name,
			Peers:           st.Peers,
			PeakPeers:       st.PeakPeers,
			UpdatesApplied:  int64(st.UpdatesApplied - prev.UpdatesApplied),
			UpdatesRejected: int64(st.UpdatesRejected - prev.UpdatesRejected),
			Dropped:         int64(st.Dropped - prev.Dropped),
		})
		if err != nil {
			s.logger.Warn("failed to record room", zap.String("room", st.Name), zap.Error(err))
			continue
		}
		s.last[st.Name] = st
		stored++
	}

	s.logger.Debug("sampled rooms", zap.Int("rooms", stored))
	return stored
}
