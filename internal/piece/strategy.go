package piece

import (
	"math/rand/v2"
	"slices"
	"time"

	"github.com/ashgrove/leech/internal/bitfield"
)

// NextForPeer returns up to maxRequests block requests to issue to peer,
// restricted to pieces peer's bitfield advertises. While fewer than
// randomFirstBelow pieces are Have, pieces are chosen uniformly at
// random; afterward, selection is rarest-first using the availability
// counts built from every peer's OnPeerBitfield/OnPeerHave calls.
func (s *Scheduler) NextForPeer(peer string, peerBF bitfield.Bitfield, maxRequests int) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxRequests <= 0 {
		return nil
	}

	var reqs []Request

	for piece := range s.inFlt {
		if !peerBF.Has(piece) {
			continue
		}
		reqs = s.fillFromPiece(peer, piece, reqs, maxRequests)
		if len(reqs) >= maxRequests {
			return reqs
		}
	}

	if s.haveCnt < s.randomFirstBelow {
		reqs = s.pickRandom(peer, peerBF, reqs, maxRequests)
	} else {
		reqs = s.pickRarest(peer, peerBF, reqs, maxRequests)
	}

	return reqs
}

func (s *Scheduler) pickRandom(peer string, peerBF bitfield.Bitfield, reqs []Request, maxRequests int) []Request {
	candidates := make([]int, 0, len(s.status))
	for i, st := range s.status {
		if st == Missing && peerBF.Has(i) {
			candidates = append(candidates, i)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	for _, piece := range candidates {
		reqs = s.startPiece(peer, piece, reqs, maxRequests)
		if len(reqs) >= maxRequests {
			break
		}
	}
	return reqs
}

func (s *Scheduler) pickRarest(peer string, peerBF bitfield.Bitfield, reqs []Request, maxRequests int) []Request {
	for a := 0; a <= s.avail.maxAvail; a++ {
		bucket := s.avail.Bucket(a)
		slices.Sort(bucket) // ties within a level go to the lowest index
		for _, piece := range bucket {
			if s.status[piece] != Missing || !peerBF.Has(piece) {
				continue
			}
			reqs = s.startPiece(peer, piece, reqs, maxRequests)
			if len(reqs) >= maxRequests {
				return reqs
			}
		}
	}
	return reqs
}

func (s *Scheduler) startPiece(peer string, piece int, reqs []Request, maxRequests int) []Request {
	ps := s.newPieceState(piece)
	s.inFlt[piece] = ps
	s.status[piece] = InFlight
	return s.fillFromPiece(peer, piece, reqs, maxRequests)
}

func (s *Scheduler) fillFromPiece(peer string, piece int, reqs []Request, maxRequests int) []Request {
	ps := s.inFlt[piece]
	now := time.Now()

	for bi := range ps.slots {
		if len(reqs) >= maxRequests {
			break
		}
		if ps.slots[bi].status != Absent {
			continue
		}
		begin, length := BlockBounds(ps.length, bi)
		ps.slots[bi] = blockSlot{status: Requested, owner: peer, issuedAt: now}
		reqs = append(reqs, Request{Piece: piece, Begin: begin, Length: length})
	}
	return reqs
}
