// Package piece owns piece and block bookkeeping for a single download:
// which pieces are missing, in flight, verified, or corrupt; which
// blocks within an in-flight piece have been requested or received; and
// which piece a given peer should be asked for next.
package piece

import (
	"crypto/sha1"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a whole piece.
type Status int

const (
	Missing Status = iota
	InFlight
	Have
	Corrupt
)

func (s Status) String() string {
	switch s {
	case Missing:
		return "missing"
	case InFlight:
		return "in-flight"
	case Have:
		return "have"
	case Corrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// SlotStatus is the lifecycle state of a single block within a piece.
type SlotStatus int

const (
	Absent SlotStatus = iota
	Requested
	Present
)

// Request identifies a block to ask a peer for.
type Request struct {
	Piece  int
	Begin  int
	Length int
}

// Outcome reports what OnBlockReceived did with an incoming block.
type Outcome int

const (
	// Rejected means the block was not recognized as wanted (unknown
	// piece/offset, or the piece already left InFlight).
	Rejected Outcome = iota
	// Duplicate means the slot was already Present; the bytes are
	// discarded.
	Duplicate
	// Accepted means the block was stored. The piece may or may not
	// have completed as a result; check the Completed channel.
	Accepted
)

// CompletedPiece is emitted on the Completed channel once a piece's
// digest has been verified against the torrent's piece hash.
type CompletedPiece struct {
	Index int
	Data  []byte
}

// blockSlot tracks one block's state within an in-flight piece.
type blockSlot struct {
	status   SlotStatus
	owner    string // peer ID holding the Requested slot
	issuedAt time.Time
	data     []byte
}

// pieceState tracks one piece's in-flight bookkeeping. It exists only
// while the piece is Missing or InFlight; once verified, the slots are
// discarded and only the Have/Corrupt status remains in Scheduler.status.
type pieceState struct {
	length int64
	slots  []blockSlot
	have   int // count of Present slots, for quick completeness checks
}

// Scheduler tracks piece and block state for a single torrent download
// and decides, per peer, which piece to request next. It never performs
// I/O itself: verified pieces are handed off on the Completed channel so
// callers can write them to storage without holding the scheduler's
// lock.
type Scheduler struct {
	mu sync.Mutex

	pieceLen  int64
	totalSize int64
	hashes    [][sha1.Size]byte

	status  []Status
	inFlt   map[int]*pieceState
	haveCnt int

	avail            *availabilityBucket
	randomFirstBelow int

	completed chan CompletedPiece
}

// NewScheduler builds a Scheduler for a torrent with the given piece
// hashes (one sha1.Size-byte digest per piece, in order), nominal piece
// length, and total content size (used to compute the final piece's
// shorter length). maxAvail bounds the availability-bucket levels and
// should be the maximum number of peers the client will keep connected
// at once. randomFirstBelow is the number of Have pieces below which
// NextForPeer picks randomly rather than by rarity (config's
// MinPiecesForRarestFirst).
func NewScheduler(hashes [][sha1.Size]byte, pieceLen, totalSize int64, maxAvail, randomFirstBelow int) *Scheduler {
	n := len(hashes)
	return &Scheduler{
		pieceLen:         pieceLen,
		totalSize:        totalSize,
		hashes:           hashes,
		status:           make([]Status, n),
		inFlt:            make(map[int]*pieceState),
		avail:            newAvailabilityBucket(n, maxAvail),
		randomFirstBelow: randomFirstBelow,
		completed:        make(chan CompletedPiece, n),
	}
}

// Completed delivers one CompletedPiece per piece as its digest is
// verified.
func (s *Scheduler) Completed() <-chan CompletedPiece { return s.completed }

// PieceCount returns the total number of pieces tracked.
func (s *Scheduler) PieceCount() int { return len(s.hashes) }

// Status returns the current lifecycle state of piece i.
func (s *Scheduler) Status(i int) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.status) {
		return Missing
	}
	return s.status[i]
}

// Done reports whether every piece has been verified.
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haveCnt == len(s.status)
}

// HaveCount returns the number of verified pieces.
func (s *Scheduler) HaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haveCnt
}

func (s *Scheduler) pieceLength(i int) int64 {
	return LengthAt(i, s.totalSize, s.pieceLen)
}

func (s *Scheduler) newPieceState(i int) *pieceState {
	length := s.pieceLength(i)
	return &pieceState{
		length: length,
		slots:  make([]blockSlot, BlockCount(length)),
	}
}

func (s *Scheduler) verify(i int, data []byte) bool {
	return sha1.Sum(data) == s.hashes[i]
}

func (s *Scheduler) assemble(ps *pieceState) []byte {
	buf := make([]byte, ps.length)
	for bi, slot := range ps.slots {
		begin, length := BlockBounds(ps.length, bi)
		copy(buf[begin:begin+length], slot.data[:length])
	}
	return buf
}

func (s *Scheduler) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("piece scheduler: %d/%d have, %d in flight", s.haveCnt, len(s.status), len(s.inFlt))
}
