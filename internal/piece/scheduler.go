package piece

import (
	"time"

	"github.com/ashgrove/leech/internal/bitfield"
)

// OnPeerBitfield records that peer advertises every piece set in bf,
// bumping the availability count for each.
func (s *Scheduler) OnPeerBitfield(peer string, bf bitfield.Bitfield) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < len(s.status); i++ {
		if bf.Has(i) {
			s.avail.Move(i, +1)
		}
	}
}

// OnPeerHave records that peer now advertises piece i.
func (s *Scheduler) OnPeerHave(peer string, i int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.status) {
		return
	}
	s.avail.Move(i, +1)
}

// OnPeerGone releases peer's advertised availability and frees any
// blocks it held in Requested state so they can be reassigned.
func (s *Scheduler) OnPeerGone(peer string, bf bitfield.Bitfield) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < len(s.status); i++ {
		if bf.Has(i) {
			s.avail.Move(i, -1)
		}
	}

	for _, ps := range s.inFlt {
		for bi := range ps.slots {
			if ps.slots[bi].status == Requested && ps.slots[bi].owner == peer {
				ps.slots[bi] = blockSlot{}
			}
		}
	}
}

// Reclaim frees a single block back to Absent if it is still owned by
// peer in Requested state. The coordinator's timeout handling uses
// ReapStale, which reclaims every timed-out block in one pass.
func (s *Scheduler) Reclaim(peer string, piece, begin int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.inFlt[piece]
	if !ok {
		return
	}
	bi := BlockIndexForBegin(begin)
	if bi < 0 || bi >= len(ps.slots) {
		return
	}
	if ps.slots[bi].status == Requested && ps.slots[bi].owner == peer {
		ps.slots[bi] = blockSlot{}
	}
}

// OnBlockReceived stores a block's payload for piece/begin, verifying
// and emitting the piece on Completed once every block has arrived.
func (s *Scheduler) OnBlockReceived(peer string, piece, begin int, data []byte) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if piece < 0 || piece >= len(s.status) || s.status[piece] != InFlight {
		return Rejected
	}

	ps, ok := s.inFlt[piece]
	if !ok {
		return Rejected
	}

	bi := BlockIndexForBegin(begin)
	if bi < 0 || bi >= len(ps.slots) {
		return Rejected
	}

	if ps.slots[bi].status == Present {
		return Duplicate
	}
	if ps.slots[bi].status != Requested || ps.slots[bi].owner != peer {
		return Rejected
	}

	_, wantLength := BlockBounds(ps.length, bi)
	if len(data) != wantLength {
		return Rejected
	}

	ps.slots[bi] = blockSlot{status: Present, data: data}
	ps.have++

	if ps.have < len(ps.slots) {
		return Accepted
	}

	assembled := s.assemble(ps)
	delete(s.inFlt, piece)

	if !s.verify(piece, assembled) {
		s.status[piece] = Corrupt
		return Accepted
	}

	s.status[piece] = Have
	s.haveCnt++
	s.completed <- CompletedPiece{Index: piece, Data: assembled}

	return Accepted
}

// Outstanding returns the number of blocks currently Requested from
// peer across every in-flight piece. The coordinator uses this to cap
// a peer's outstanding requests at the configured pipeline depth
// instead of handing out a fresh full batch on every hook event.
func (s *Scheduler) Outstanding(peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, ps := range s.inFlt {
		for bi := range ps.slots {
			if ps.slots[bi].status == Requested && ps.slots[bi].owner == peer {
				n++
			}
		}
	}
	return n
}

// StaleRequest identifies one block that was requested from Peer more
// than a timeout ago and has not yet arrived.
type StaleRequest struct {
	Peer  string
	Piece int
	Begin int
}

// ReapStale scans every in-flight block and reclaims (restores to
// Absent) any Requested slot whose issuedAt is older than timeout,
// returning one StaleRequest per reclaimed block so the caller can
// close the offending sessions.
func (s *Scheduler) ReapStale(timeout time.Duration) []StaleRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	var stale []StaleRequest

	for piece, ps := range s.inFlt {
		for bi := range ps.slots {
			slot := ps.slots[bi]
			if slot.status != Requested || !slot.issuedAt.Before(cutoff) {
				continue
			}
			begin, _ := BlockBounds(ps.length, bi)
			stale = append(stale, StaleRequest{Peer: slot.owner, Piece: piece, Begin: begin})
			ps.slots[bi] = blockSlot{}
		}
	}
	return stale
}

// Retry re-marks piece as Missing so it can be picked again, clearing
// any stale in-flight state. Used after a Corrupt verdict.
func (s *Scheduler) Retry(piece int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if piece < 0 || piece >= len(s.status) {
		return
	}
	delete(s.inFlt, piece)
	s.status[piece] = Missing
}

// requestedAt reports when the block at piece/begin was requested, if it
// is currently Requested, without exporting pieceState. Nothing in the
// module calls it.
func (s *Scheduler) requestedAt(piece, begin int) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.inFlt[piece]
	if !ok {
		return time.Time{}, false
	}
	bi := BlockIndexForBegin(begin)
	if bi < 0 || bi >= len(ps.slots) || ps.slots[bi].status != Requested {
		return time.Time{}, false
	}
	return ps.slots[bi].issuedAt, true
}
