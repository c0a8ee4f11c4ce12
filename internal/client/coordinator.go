// Package client coordinates a single download: it owns the tracker
// client, the set of live peer sessions, and the tit-for-tat choke
// policy that decides which sessions get served.
package client

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashgrove/leech/internal/bitfield"
	"github.com/ashgrove/leech/internal/config"
	"github.com/ashgrove/leech/internal/peer"
	"github.com/ashgrove/leech/internal/piece"
	"github.com/ashgrove/leech/internal/storage"
	"github.com/ashgrove/leech/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// Stats accumulates swarm-wide counters for the progress line and the
// termination summary.
type Stats struct {
	TotalPeers       atomic.Int32
	ConnectingPeers  atomic.Int32
	FailedConnection atomic.Uint64
	UnchokedPeers    atomic.Int32
	InterestedPeers  atomic.Int32
	TotalDownloaded  atomic.Uint64
	TotalUploaded    atomic.Uint64
	DownloadRate     atomic.Uint64
	UploadRate       atomic.Uint64
}

// Metrics is a point-in-time snapshot of Stats.
type Metrics struct {
	TotalPeers      int32
	UnchokedPeers   int32
	InterestedPeers int32
	TotalDownloaded uint64
	TotalUploaded   uint64
	DownloadRate    uint64
	UploadRate      uint64
	PiecesHave      int
	PiecesTotal     int
}

// sessionHandle is the subset of *peer.Session the choke policy and
// request routing need; it exists so the policy can be tested without
// a live TCP connection.
type sessionHandle interface {
	ID() string
	PeerInterested() bool
	AmChoking() bool
	AmInterested() bool
	Idle() time.Duration
	Stats() peer.Metrics
	SendUnchoke()
	SendChoke()
	SendInterested()
	SendNotInterested()
	SendRequest(piece, begin, length int)
	SendPiece(piece, begin uint32, block []byte)
	SendBitfield(bf bitfield.Bitfield)
	Close()
}

// Coordinator runs a single torrent's tracker loop and peer swarm,
// applying the choke policy described in the choke-control design: a
// regular rechoke round unchokes the top UploadSlots interested peers
// by download-rate contribution, and every OptimisticUnchokeEvery
// rounds one choked-but-interested peer is unchoked at random, for
// exploration, in place of the last regular slot.
type Coordinator struct {
	cfg      *config.Config
	log      *slog.Logger
	infoHash [sha1.Size]byte
	sched    *piece.Scheduler
	store    *storage.Store
	tr       *tracker.Tracker
	stats    *Stats

	mu         sync.RWMutex
	sessions   map[string]sessionHandle
	bitfields  map[string]bitfield.Bitfield
	optimistic string
	round      int

	connectCh chan netip.AddrPort
}

// Opts bundles the dependencies a Coordinator needs from the entry
// shell; every field except Log is required, and a nil Log falls back
// to slog.Default().
type Opts struct {
	Config       *config.Config
	Log          *slog.Logger
	InfoHash     [sha1.Size]byte
	Scheduler    *piece.Scheduler
	Store        *storage.Store
	Announce     string
	AnnounceList [][]string
	Left         func() uint64
}

// New builds a Coordinator ready to Run. It wires its own tracker
// client so the caller does not need to construct one separately.
func New(opts Opts) (*Coordinator, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "coordinator")

	c := &Coordinator{
		cfg:       opts.Config,
		log:       log,
		infoHash:  opts.InfoHash,
		sched:     opts.Scheduler,
		store:     opts.Store,
		stats:     &Stats{},
		sessions:  make(map[string]sessionHandle),
		bitfields: make(map[string]bitfield.Bitfield),
		connectCh: make(chan netip.AddrPort, opts.Config.MaxPeers*4),
	}

	tr, err := tracker.New(opts.Announce, opts.AnnounceList, tracker.Config{
		BackoffBase: opts.Config.AnnounceBackoffBase,
		BackoffMax:  opts.Config.AnnounceBackoffMax,
		Interval:    90 * time.Second,
		MinInterval: 30 * time.Second,
		Timeout:     opts.Config.TrackerTimeout,
	}, tracker.Opts{
		Log: log,
		OnAnnounceStart: func() *tracker.AnnounceParams {
			return &tracker.AnnounceParams{
				InfoHash:   opts.InfoHash,
				PeerID:     opts.Config.ClientID,
				Port:       opts.Config.ListenPort,
				Downloaded: c.stats.TotalDownloaded.Load(),
				Left:       opts.Left(),
				NumWant:    opts.Config.NumWant,
			}
		},
		OnAnnounceSuccess: func(peers []netip.AddrPort) {
			c.admit(peers)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	c.tr = tr

	return c, nil
}

// Run drives the tracker loop, dial workers, and choke policy until
// ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.tr.Run(gctx) })
	g.Go(func() error { return c.chokeLoop(gctx) })
	g.Go(func() error { return c.maintenanceLoop(gctx) })

	for i := 0; i < 10; i++ {
		g.Go(func() error { return c.dialLoop(gctx) })
	}

	return g.Wait()
}

// Stats returns a snapshot of the coordinator's swarm-wide counters.
func (c *Coordinator) Stats() Metrics {
	var down, up uint64
	c.mu.RLock()
	for _, sess := range c.sessions {
		m := sess.Stats()
		down += m.DownloadRate
		up += m.UploadRate
	}
	c.mu.RUnlock()

	return Metrics{
		TotalPeers:      c.stats.TotalPeers.Load(),
		UnchokedPeers:   c.stats.UnchokedPeers.Load(),
		InterestedPeers: c.stats.InterestedPeers.Load(),
		TotalDownloaded: c.stats.TotalDownloaded.Load(),
		TotalUploaded:   c.stats.TotalUploaded.Load(),
		DownloadRate:    down,
		UploadRate:      up,
		PiecesHave:      c.sched.HaveCount(),
		PiecesTotal:     c.sched.PieceCount(),
	}
}

func (c *Coordinator) admit(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		select {
		case c.connectCh <- addr:
		default:
			c.log.Warn("admit queue full, dropping peer", "addr", addr)
		}
	}
}

func (c *Coordinator) dialLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case addr, ok := <-c.connectCh:
			if !ok {
				return nil
			}
			c.tryConnect(ctx, addr)
		}
	}
}

func (c *Coordinator) tryConnect(ctx context.Context, addr netip.AddrPort) {
	id := addr.String()

	c.mu.RLock()
	_, dup := c.sessions[id]
	n := len(c.sessions)
	c.mu.RUnlock()

	if dup || n >= c.cfg.MaxPeers {
		return
	}

	c.stats.ConnectingPeers.Add(1)
	defer c.stats.ConnectingPeers.Add(-1)

	sess, err := peer.Dial(id, c.infoHash, c.cfg.ClientID, c.sched.PieceCount(), peer.Config{
		DialTimeout:     c.cfg.DialTimeout,
		ReadTimeout:     c.cfg.ReadTimeout,
		WriteTimeout:    c.cfg.WriteTimeout,
		KeepAliveEvery:  2 * time.Minute,
		OutboundBacklog: c.cfg.PipelineDepth * 4,
	}, c.hooksFor(id), c.log)
	if err != nil {
		c.stats.FailedConnection.Add(1)
		c.log.Debug("dial failed", "addr", addr, "error", err)
		return
	}

	c.mu.Lock()
	c.sessions[id] = sess
	c.mu.Unlock()
	c.stats.TotalPeers.Add(1)

	go func() {
		defer c.removeSession(id)
		_ = sess.Run(ctx)
	}()
}

func (c *Coordinator) removeSession(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	delete(c.bitfields, id)
	c.mu.Unlock()
	c.stats.TotalPeers.Add(-1)
}

func (c *Coordinator) hooksFor(id string) peer.Hooks {
	return peer.Hooks{
		OnHandshake: func(string) {
			c.mu.RLock()
			sess := c.sessions[id]
			c.mu.RUnlock()
			if sess != nil {
				sess.SendBitfield(c.snapshotBitfield())
			}
		},
		OnBitfield: func(_ string, bf bitfield.Bitfield) {
			c.mu.Lock()
			c.bitfields[id] = bf
			c.mu.Unlock()
			c.sched.OnPeerBitfield(id, bf)
			c.updateInterest(id)
			c.requestWork(id)
		},
		OnHave: func(_ string, pieceIdx int) {
			c.sched.OnPeerHave(id, pieceIdx)
			c.mu.Lock()
			if bf := c.bitfields[id]; bf != nil {
				bf.Set(pieceIdx)
			}
			c.mu.Unlock()
			c.updateInterest(id)
			c.requestWork(id)
		},
		OnPiece: func(_ string, pieceIdx, begin int, data []byte) {
			outcome := c.sched.OnBlockReceived(id, pieceIdx, begin, data)
			if outcome != piece.Rejected {
				c.stats.TotalDownloaded.Add(uint64(len(data)))
			}
			if c.sched.Status(pieceIdx) == piece.Corrupt {
				c.sched.Retry(pieceIdx)
			}
			c.updateInterest(id)
			c.requestWork(id)
		},
		OnDisconnect: func(string) {
			c.mu.RLock()
			bf := c.bitfields[id]
			c.mu.RUnlock()
			c.sched.OnPeerGone(id, bf)
		},
		RequestWork: func(string) { c.requestWork(id) },
		OnRequest: func(_ string, pieceIdx, begin, length int) {
			c.serve(id, pieceIdx, begin, length)
		},
	}
}

// updateInterest sends interested/not-interested to reflect whether
// peer's advertised bitfield currently holds any piece we still want.
// Per §3, requests are only issued to peers we are interested in, so
// this must run whenever peer's bitfield or our own Have set changes.
func (c *Coordinator) updateInterest(id string) {
	c.mu.RLock()
	sess, ok := c.sessions[id]
	bf := c.bitfields[id]
	c.mu.RUnlock()
	if !ok {
		return
	}

	if c.peerHasWanted(bf) {
		if !sess.AmInterested() {
			sess.SendInterested()
		}
	} else if sess.AmInterested() {
		sess.SendNotInterested()
	}
}

// peerHasWanted reports whether bf advertises any piece that is not
// yet Have, i.e. one we could still request from its holder.
func (c *Coordinator) peerHasWanted(bf bitfield.Bitfield) bool {
	if bf == nil {
		return false
	}
	for i := 0; i < c.sched.PieceCount(); i++ {
		if bf.Has(i) && c.sched.Status(i) != piece.Have {
			return true
		}
	}
	return false
}

func (c *Coordinator) requestWork(id string) {
	c.mu.RLock()
	sess, ok := c.sessions[id]
	bf := c.bitfields[id]
	c.mu.RUnlock()
	if !ok {
		return
	}

	remaining := c.cfg.PipelineDepth - c.sched.Outstanding(id)
	if remaining <= 0 {
		return
	}

	for _, req := range c.sched.NextForPeer(id, bf, remaining) {
		sess.SendRequest(req.Piece, req.Begin, req.Length)
	}
}

func (c *Coordinator) serve(id string, pieceIdx, begin, length int) {
	c.mu.RLock()
	sess, ok := c.sessions[id]
	c.mu.RUnlock()
	if !ok || c.sched.Status(pieceIdx) != piece.Have {
		return
	}

	buf := make([]byte, begin+length)
	if err := c.store.ReadPiece(pieceIdx, buf); err != nil {
		c.log.Debug("serve request failed", "peer", id, "piece", pieceIdx, "error", err)
		return
	}

	sess.SendPiece(uint32(pieceIdx), uint32(begin), buf[begin:])
	c.stats.TotalUploaded.Add(uint64(length))
}

func (c *Coordinator) snapshotBitfield() bitfield.Bitfield {
	bf := bitfield.New(c.sched.PieceCount())
	for i := 0; i < c.sched.PieceCount(); i++ {
		if c.sched.Status(i) == piece.Have {
			bf.Set(i)
		}
	}
	return bf
}

func (c *Coordinator) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.closeIdleSessions()
			c.reapStaleRequests()
		}
	}
}

func (c *Coordinator) closeIdleSessions() {
	c.mu.RLock()
	var stale []string
	for id, sess := range c.sessions {
		if sess.Idle() > c.cfg.PeerIdleTimeout {
			stale = append(stale, id)
		}
	}
	c.mu.RUnlock()

	for _, id := range stale {
		c.mu.RLock()
		sess := c.sessions[id]
		c.mu.RUnlock()
		if sess != nil {
			sess.Close()
		}
	}
}

// reapStaleRequests closes any session holding a block requested
// longer than RequestTimeout ago without delivering it, per §4.2/§5,
// then gives every remaining session a chance to pick up the freed
// blocks ReapStale just returned to Absent.
func (c *Coordinator) reapStaleRequests() {
	stale := c.sched.ReapStale(c.cfg.RequestTimeout)
	if len(stale) == 0 {
		return
	}

	closed := make(map[string]bool, len(stale))
	for _, sr := range stale {
		if closed[sr.Peer] {
			continue
		}
		closed[sr.Peer] = true

		c.mu.RLock()
		sess := c.sessions[sr.Peer]
		c.mu.RUnlock()
		if sess != nil {
			c.log.Debug("closing session on stale request", "peer", sr.Peer, "piece", sr.Piece, "begin", sr.Begin)
			sess.Close()
		}
	}

	c.mu.RLock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		if !closed[id] {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()
	for _, id := range ids {
		c.requestWork(id)
	}
}

func (c *Coordinator) chokeLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.RechokeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.round++
			optimistic := c.round%c.cfg.OptimisticUnchokeEvery == 0
			c.rechoke(optimistic)
		}
	}
}

// rechoke ranks sessions the remote end is interested in by their
// download-rate contribution to us and unchokes the top UploadSlots,
// choking everyone else. On an optimistic round, one otherwise-choked
// interested peer is unchoked at random in place of the last slot so
// exploration doesn't starve.
func (c *Coordinator) rechoke(optimistic bool) {
	c.mu.RLock()
	var candidates []sessionHandle
	for _, sess := range c.sessions {
		if sess.PeerInterested() {
			candidates = append(candidates, sess)
		}
	}
	c.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Stats().DownloadRate > candidates[j].Stats().DownloadRate
	})

	slots := c.cfg.UploadSlots
	top := candidates
	if len(top) > slots {
		top = top[:slots]
	}
	if optimistic && slots > 0 && len(candidates) > slots {
		top = candidates[:slots-1]
	}

	keep := make(map[string]bool, len(top))
	for _, sess := range top {
		keep[sess.ID()] = true
	}

	if optimistic && len(candidates) > len(top) {
		choked := candidates[len(top):]
		pick := choked[rand.IntN(len(choked))]
		keep[pick.ID()] = true
		c.optimistic = pick.ID()
	} else if !optimistic {
		c.optimistic = ""
	}

	var unchoked, interested int32
	for _, sess := range candidates {
		interested++
		if keep[sess.ID()] {
			unchoked++
			if sess.AmChoking() {
				sess.SendUnchoke()
			}
		} else if !sess.AmChoking() {
			sess.SendChoke()
		}
	}
	c.stats.UnchokedPeers.Store(unchoked)
	c.stats.InterestedPeers.Store(interested)
}
