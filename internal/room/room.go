package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/roomsync/internal/crdt"
	"github.com/manpreetbhatti/roomsync/internal/protocol"
)

var ErrClosed = errors.New("room: closed")

const DefaultMailboxSize = 128

type Config struct {
	MailboxSize int
	Logger      *zap.Logger
}

// A collaborative editing session for one document. All document and roster
// state is owned by the goroutine started in New and reached only through
// the mailbox.
type Room struct {
	name    string
	mailbox chan Command
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	logger  *zap.Logger

	// owned by run
	doc   *crdt.Doc
	peers *Peers

	stats counters
}

type counters struct {
	peers            atomic.Int64
	peakPeers        atomic.Int64
	updatesApplied   atomic.Uint64
	updatesRejected  atomic.Uint64
	awarenessRelayed atomic.Uint64
	snapshotsServed  atomic.Uint64
	dropped          atomic.Uint64
}

// Stats is a point-in-time view of a room's counters.
type Stats struct {
	Name             string `json:"name"`
	Peers            int    `json:"peers"`
	PeakPeers        int    `json:"peak_peers"`
	UpdatesApplied   uint64 `json:"updates_applied"`
	UpdatesRejected  uint64 `json:"updates_rejected"`
	AwarenessRelayed uint64 `json:"awareness_relayed"`
	SnapshotsServed  uint64 `json:"snapshots_served"`
	Dropped          uint64 `json:"dropped"`
}

// Creates a room and starts its actor
func New(name string, cfg Config) *Room {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultMailboxSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	r := &Room{
		name:    name,
		mailbox: make(chan Command, cfg.MailboxSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  cfg.Logger.With(zap.String("room", name)),
		doc:     crdt.NewDoc(0),
		peers:   NewPeers(),
	}
	go r.run()
	return r
}

func (r *Room) Name() string {
	return r.name
}

// Submit enqueues cmd, waiting while the mailbox is full. It fails with
// ErrClosed once the room is stopped, or with the context's error.
func (r *Room) Submit(ctx context.Context, cmd Command) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}

	select {
	case r.mailbox <- cmd:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) Join(ctx context.Context, id protocol.PeerID, out chan<- protocol.Message) error {
	return r.Submit(ctx, Join{Peer: id, Out: out})
}

func (r *Room) Leave(ctx context.Context, id protocol.PeerID) error {
	return r.Submit(ctx, Leave{Peer: id})
}

func (r *Room) Update(ctx context.Context, id protocol.PeerID, update []byte) error {
	return r.Submit(ctx, ClientUpdate{Peer: id, Update: update})
}

func (r *Room) Awareness(ctx context.Context, id protocol.PeerID, awareness []byte) error {
	return r.Submit(ctx, ClientAwareness{Peer: id, Awareness: awareness})
}

// Snapshot returns the encoded document state as of the moment the request
// reaches the front of the mailbox.
func (r *Room) Snapshot(ctx context.Context, id protocol.PeerID) ([]byte, error) {
	reply := make(chan []byte, 1)
	if err := r.Submit(ctx, SnapshotRequest{Peer: id, Reply: reply}); err != nil {
		return nil, err
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-r.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop terminates the actor. Commands still queued are discarded.
func (r *Room) Stop() {
	r.once.Do(func() {
		close(r.done)
	})
	<-r.stopped
}

func (r *Room) Stats() Stats {
	return Stats{
		Name:             r.name,
		Peers:            int(r.stats.peers.Load()),
		PeakPeers:        int(r.stats.peakPeers.Load()),
		UpdatesApplied:   r.stats.updatesApplied.Load(),
		UpdatesRejected:  r.stats.updatesRejected.Load(),
		AwarenessRelayed: r.stats.awarenessRelayed.Load(),
		SnapshotsServed:  r.stats.snapshotsServed.Load(),
		Dropped:          r.stats.dropped.Load(),
	}
}

func (r *Room) run() {
	defer close(r.stopped)

	r.logger.Info("room started")
	for {
		select {
		case <-r.done:
			r.logger.Info("room stopped", zap.Int("peers", r.peers.Len()))
			return
		case cmd := <-r.mailbox:
			r.handle(cmd)
		}
	}
}

func (r *Room) handle(cmd Command) {
	switch c := cmd.(type) {
	case Join:
		r.join(c)
	case Leave:
		if r.peers.Remove(c.Peer) {
			r.stats.peers.Store(int64(r.peers.Len()))
			r.logger.Info("peer left", zap.Uint64("peer", uint64(c.Peer)), zap.Int("peers", r.peers.Len()))
		}
	case ClientUpdate:
		r.update(c)
	case ClientAwareness:
		r.stats.awarenessRelayed.Add(1)
		r.broadcast(c.Peer, protocol.Awareness(c.Awareness))
	case SnapshotRequest:
		snap := r.doc.EncodeState()
		r.stats.snapshotsServed.Add(1)
		select {
		case c.Reply <- snap:
		default:
			r.logger.Warn("snapshot reply not received", zap.Uint64("peer", uint64(c.Peer)))
		}
	default:
		r.logger.Warn("unknown command", zap.String("type", fmt.Sprintf("%T", cmd)))
	}
}

func (r *Room) join(c Join) {
	peer := zap.Uint64("peer", uint64(c.Peer))

	// The reply must carry the roster from before this peer is added.
	if !trySend(c.Out, protocol.JoinReply(c.Peer, r.peers.IDs())) {
		r.logger.Warn("join reply dropped", peer)
	}
	if r.peers.Add(c.Peer, c.Out) {
		r.logger.Warn("peer id collision, replacing previous channel", peer)
	}
	n := int64(r.peers.Len())
	r.stats.peers.Store(n)
	if n > r.stats.peakPeers.Load() {
		r.stats.peakPeers.Store(n)
	}
	r.logger.Info("peer joined", peer, zap.Int("peers", r.peers.Len()))
}

func (r *Room) update(c ClientUpdate) {
	if len(c.Update) == 0 {
		r.logger.Debug("skipping empty update", zap.Uint64("peer", uint64(c.Peer)))
		return
	}
	if err := r.doc.ApplyUpdate(c.Update); err != nil {
		r.stats.updatesRejected.Add(1)
		r.logger.Warn("rejected update",
			zap.Uint64("peer", uint64(c.Peer)),
			zap.Int("bytes", len(c.Update)),
			zap.Error(err))
		return
	}
	r.stats.updatesApplied.Add(1)
	r.broadcast(c.Peer, protocol.Update(c.Update))
}

func (r *Room) broadcast(from protocol.PeerID, m protocol.Message) {
	_, dropped := r.peers.Notify(from, m)
	if dropped > 0 {
		r.stats.dropped.Add(uint64(dropped))
		r.logger.Debug("broadcast dropped for saturated peers",
			zap.Stringer("tag", m.Tag),
			zap.Int("dropped", dropped))
	}
}
