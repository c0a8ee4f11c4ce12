// Package peer manages a single peer-wire connection: the handshake,
// the choke/interested state machine, and the read/write loops that
// translate wire messages into scheduler calls.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashgrove/leech/internal/bitfield"
	"github.com/ashgrove/leech/internal/wire"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking = 1 << iota
	maskAmInterested
	maskPeerChoking
	maskPeerInterested
)

// Stats holds per-connection atomic counters and timestamps.
type Stats struct {
	Downloaded   atomic.Uint64
	Uploaded     atomic.Uint64
	DownloadRate atomic.Uint64
	UploadRate   atomic.Uint64

	RequestsSent      atomic.Uint64
	RequestsReceived  atomic.Uint64
	RequestsCancelled atomic.Uint64
	PiecesReceived    atomic.Uint64
	PiecesSent        atomic.Uint64
	Errors            atomic.Uint64

	ConnectedAt    time.Time
	DisconnectedAt time.Time
}

// Metrics is a point-in-time snapshot of a session's stats, safe to pass
// across goroutines for display.
type Metrics struct {
	Addr         string
	Downloaded   uint64
	Uploaded     uint64
	DownloadRate uint64
	UploadRate   uint64
	RequestsSent uint64
	LastActive   time.Time
	ConnectedAt  time.Time
	Choked       bool
	Interested   bool
}

// Hooks wires a Session's inbound events back into the owning
// coordinator and piece scheduler. Every field is required.
type Hooks struct {
	OnBitfield   func(id string, bf bitfield.Bitfield)
	OnHave       func(id string, piece int)
	OnPiece      func(id string, piece, begin int, data []byte)
	OnDisconnect func(id string)
	OnHandshake  func(id string)
	RequestWork  func(id string)
	OnRequest    func(id string, piece, begin, length int)
}

// Config bounds a session's timeouts and outbound queue depth.
type Config struct {
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	KeepAliveEvery  time.Duration
	OutboundBacklog int
}

// Session is one live connection to a remote peer.
type Session struct {
	log   *slog.Logger
	conn  net.Conn
	addr  string
	cfg   Config
	hooks Hooks

	pieceCount int

	state      uint32
	bf         bitfield.Bitfield
	sawMessage atomic.Bool
	stats      *Stats
	lastActive atomic.Int64

	outbox    chan *wire.Message
	cancel    context.CancelFunc
	closeOnce sync.Once
	stopped   atomic.Bool
}

// Dial opens a TCP connection to addr, performs the handshake, and
// returns a ready-to-run Session.
func Dial(addr string, infoHash, clientID [sha1.Size]byte, pieceCount int, cfg Config, hooks Hooks, log *slog.Logger) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}

	hs := wire.NewHandshake(infoHash, clientID)
	if _, err := hs.Exchange(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}

	return newSession(conn, addr, pieceCount, cfg, hooks, log), nil
}

// Accept wraps an already-handshaken inbound connection.
func Accept(conn net.Conn, addr string, pieceCount int, cfg Config, hooks Hooks, log *slog.Logger) *Session {
	return newSession(conn, addr, pieceCount, cfg, hooks, log)
}

func newSession(conn net.Conn, addr string, pieceCount int, cfg Config, hooks Hooks, log *slog.Logger) *Session {
	s := &Session{
		log:        log.With("peer", addr),
		conn:       conn,
		addr:       addr,
		cfg:        cfg,
		hooks:      hooks,
		pieceCount: pieceCount,
		bf:         bitfield.New(pieceCount),
		stats:      &Stats{ConnectedAt: time.Now()},
		outbox:     make(chan *wire.Message, cfg.OutboundBacklog),
	}
	s.setState(maskAmChoking|maskPeerChoking, true)
	s.lastActive.Store(time.Now().UnixNano())
	return s
}

// ID identifies this session for scheduler/coordinator bookkeeping.
func (s *Session) ID() string { return s.addr }

// Bitfield returns the peer's last-known advertised bitfield.
func (s *Session) Bitfield() bitfield.Bitfield { return s.bf }

// Run drives the session's read, write, and rate-tracking loops until
// ctx is canceled or a protocol/IO error occurs.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.rateLoop(gctx) })

	return g.Wait()
}

// Close tears down the connection and outbound queue exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.stopped.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()
		close(s.outbox)
		s.stats.DisconnectedAt = time.Now()
		s.hooks.OnDisconnect(s.addr)
	})
}

func (s *Session) Idle() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}

func (s *Session) SendBitfield(bf bitfield.Bitfield) { s.enqueue(wire.MessageBitfield(bf.Bytes())) }
func (s *Session) SendKeepAlive()                    { s.enqueue(nil) }
func (s *Session) SendChoke()                        { s.enqueue(wire.MessageChoke()) }
func (s *Session) SendUnchoke()                      { s.enqueue(wire.MessageUnchoke()) }
func (s *Session) SendInterested()                   { s.enqueue(wire.MessageInterested()) }
func (s *Session) SendNotInterested()                { s.enqueue(wire.MessageNotInterested()) }
func (s *Session) SendHave(piece int)                { s.enqueue(wire.MessageHave(uint32(piece))) }

func (s *Session) SendCancel(piece, begin, length int) {
	s.enqueue(wire.MessageCancel(uint32(piece), uint32(begin), uint32(length)))
}

// SendRequest asks the peer for a block. It is a no-op if the peer is
// choking us, or if we have nothing from them to be interested in:
// requests are only meaningful once am_interested is true and
// peer_choking is false.
func (s *Session) SendRequest(piece, begin, length int) {
	if s.PeerChoking() || !s.AmInterested() {
		return
	}
	s.enqueue(wire.MessageRequest(uint32(piece), uint32(begin), uint32(length)))
}

// SendPiece uploads a block to the peer. It is a no-op if we are
// choking the peer: a choking client must not serve blocks regardless
// of whether the peer itself happens to be choking us.
func (s *Session) SendPiece(piece, begin uint32, block []byte) {
	if s.AmChoking() {
		return
	}
	s.enqueue(wire.MessagePiece(piece, begin, block))
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := s.readMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}

		if err := s.handleMessage(msg); err != nil {
			return err
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	s.hooks.OnHandshake(s.addr)

	keepAlive := s.cfg.KeepAliveEvery
	if keepAlive <= 0 {
		keepAlive = 2 * time.Minute
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-s.outbox:
			if !ok {
				return nil
			}
			if err := s.writeMessage(msg); err != nil {
				return err
			}

		case <-ticker.C:
			if time.Since(time.Unix(0, s.lastActive.Load())) >= keepAlive {
				s.SendKeepAlive()
			}
		}
	}
}

func (s *Session) rateLoop(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	const alpha = 0.2
	var upEMA, downEMA float64
	lastUp, lastDown := s.stats.Uploaded.Load(), s.stats.Downloaded.Load()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			curUp, curDown := s.stats.Uploaded.Load(), s.stats.Downloaded.Load()
			upEMA = alpha*float64(curUp-lastUp) + (1-alpha)*upEMA
			downEMA = alpha*float64(curDown-lastDown) + (1-alpha)*downEMA
			s.stats.UploadRate.Store(uint64(upEMA))
			s.stats.DownloadRate.Store(uint64(downEMA))
			lastUp, lastDown = curUp, curDown
		}
	}
}

func (s *Session) readMessage() (*wire.Message, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	msg, err := wire.ReadMessage(s.conn)
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, err
	}

	s.lastActive.Store(time.Now().UnixNano())
	return msg, nil
}

func (s *Session) writeMessage(msg *wire.Message) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})

	if err := wire.WriteMessage(s.conn, msg); err != nil {
		s.stats.Errors.Add(1)
		return err
	}

	s.onMessageWritten(msg)
	return nil
}

func (s *Session) AmChoking() bool      { return s.getState(maskAmChoking) }
func (s *Session) AmInterested() bool   { return s.getState(maskAmInterested) }
func (s *Session) PeerChoking() bool    { return s.getState(maskPeerChoking) }
func (s *Session) PeerInterested() bool { return s.getState(maskPeerInterested) }

func (s *Session) getState(mask uint32) bool { return atomic.LoadUint32(&s.state)&mask != 0 }

func (s *Session) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&s.state)
		next := old &^ mask
		if on {
			next = old | mask
		}
		if atomic.CompareAndSwapUint32(&s.state, old, next) {
			return
		}
	}
}

func (s *Session) handleMessage(msg *wire.Message) error {
	if wire.IsKeepAlive(msg) {
		return nil
	}
	firstMessage := !s.sawMessage.Swap(true)

	switch msg.ID {
	case wire.Choke:
		s.setState(maskPeerChoking, true)
	case wire.Unchoke:
		s.setState(maskPeerChoking, false)
		s.hooks.RequestWork(s.addr)
	case wire.Interested:
		s.setState(maskPeerInterested, true)
	case wire.NotInterested:
		s.setState(maskPeerInterested, false)
	case wire.Bitfield:
		if !firstMessage {
			return errors.New("peer: bitfield arrived after the first message")
		}
		bf := bitfield.FromBytes(msg.Payload)
		if bf.Len() < s.pieceCount || !bf.SpareBitsClear(s.pieceCount) {
			return errors.New("peer: bitfield has non-zero spare bits")
		}
		s.bf = bf
		s.hooks.OnBitfield(s.addr, s.bf)
	case wire.Have:
		piece, ok := msg.ParseHave()
		if !ok {
			return errors.New("peer: malformed have message")
		}
		s.bf.Set(int(piece))
		s.hooks.OnHave(s.addr, int(piece))
	case wire.Piece:
		piece, begin, block, ok := msg.ParsePiece()
		if !ok {
			return errors.New("peer: malformed piece message")
		}
		s.hooks.OnPiece(s.addr, int(piece), int(begin), block)
		s.stats.PiecesReceived.Add(1)
		s.stats.Downloaded.Add(uint64(len(block)))
	case wire.Request:
		piece, begin, length, ok := msg.ParseRequest()
		if !ok {
			return errors.New("peer: malformed request message")
		}
		s.stats.RequestsReceived.Add(1)
		s.hooks.OnRequest(s.addr, int(piece), int(begin), int(length))
	case wire.Cancel:
		s.stats.RequestsCancelled.Add(1)
	default:
		s.log.Debug("discarding unknown message id", "id", msg.ID)
	}

	return nil
}

func (s *Session) enqueue(msg *wire.Message) bool {
	if s.stopped.Load() {
		return false
	}
	select {
	case s.outbox <- msg:
		return true
	default:
		return false
	}
}

func (s *Session) onMessageWritten(msg *wire.Message) {
	s.lastActive.Store(time.Now().UnixNano())

	if msg == nil {
		return
	}

	switch msg.ID {
	case wire.Choke:
		s.setState(maskAmChoking, true)
	case wire.Unchoke:
		s.setState(maskAmChoking, false)
	case wire.Interested:
		s.setState(maskAmInterested, true)
	case wire.NotInterested:
		s.setState(maskAmInterested, false)
	case wire.Request:
		s.stats.RequestsSent.Add(1)
	case wire.Piece:
		if n := len(msg.Payload); n >= 8 {
			s.stats.PiecesSent.Add(1)
			s.stats.Uploaded.Add(uint64(n - 8))
		}
	case wire.Cancel:
		s.stats.RequestsCancelled.Add(1)
	}
}

// Stats returns a snapshot of this session's connection and transfer
// metrics.
func (s *Session) Stats() Metrics {
	return Metrics{
		Addr:         s.addr,
		Downloaded:   s.stats.Downloaded.Load(),
		Uploaded:     s.stats.Uploaded.Load(),
		DownloadRate: s.stats.DownloadRate.Load(),
		UploadRate:   s.stats.UploadRate.Load(),
		RequestsSent: s.stats.RequestsSent.Load(),
		LastActive:   time.Unix(0, s.lastActive.Load()),
		ConnectedAt:  s.stats.ConnectedAt,
		Choked:       s.PeerChoking(),
		Interested:   s.PeerInterested(),
	}
}
