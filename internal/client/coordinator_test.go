package client

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/ashgrove/leech/internal/bitfield"
	"github.com/ashgrove/leech/internal/config"
	"github.com/ashgrove/leech/internal/peer"
	"github.com/ashgrove/leech/internal/piece"
)

type fakeSession struct {
	id             string
	interested     bool
	amInterested   bool
	choking        bool
	downRate       uint64
	chokeCalls     int
	unchokeCalls   int
	interestCalls  int
	uninterestCall int
}

func (f *fakeSession) ID() string                      { return f.id }
func (f *fakeSession) PeerInterested() bool             { return f.interested }
func (f *fakeSession) AmChoking() bool                  { return f.choking }
func (f *fakeSession) AmInterested() bool               { return f.amInterested }
func (f *fakeSession) Idle() time.Duration              { return 0 }
func (f *fakeSession) Stats() peer.Metrics              { return peer.Metrics{DownloadRate: f.downRate} }
func (f *fakeSession) SendUnchoke()                     { f.choking = false; f.unchokeCalls++ }
func (f *fakeSession) SendChoke()                       { f.choking = true; f.chokeCalls++ }
func (f *fakeSession) SendInterested()                  { f.amInterested = true; f.interestCalls++ }
func (f *fakeSession) SendNotInterested()               { f.amInterested = false; f.uninterestCall++ }
func (f *fakeSession) SendRequest(int, int, int)        {}
func (f *fakeSession) SendPiece(uint32, uint32, []byte) {}
func (f *fakeSession) SendBitfield(bitfield.Bitfield)   {}
func (f *fakeSession) Close()                           {}

func newTestCoordinator(uploadSlots int) *Coordinator {
	return &Coordinator{
		cfg:       &config.Config{UploadSlots: uploadSlots, OptimisticUnchokeEvery: 3},
		sessions:  make(map[string]sessionHandle),
		bitfields: make(map[string]bitfield.Bitfield),
		stats:     &Stats{},
	}
}

func TestRechoke_UnchokesTopFourByDownloadRate(t *testing.T) {
	c := newTestCoordinator(4)

	rates := map[string]uint64{"a": 100, "b": 50, "c": 200, "d": 10, "e": 5}
	for id, rate := range rates {
		c.sessions[id] = &fakeSession{id: id, interested: true, choking: true, downRate: rate}
	}

	c.rechoke(false)

	wantUnchoked := map[string]bool{"a": true, "b": true, "c": true, "d": true}
	for id, sess := range c.sessions {
		fs := sess.(*fakeSession)
		if wantUnchoked[id] && fs.choking {
			t.Errorf("peer %s: expected unchoked, still choking", id)
		}
		if !wantUnchoked[id] && !fs.choking {
			t.Errorf("peer %s: expected choked, was unchoked", id)
		}
	}
}

func TestRechoke_NotInterestedPeersIgnored(t *testing.T) {
	c := newTestCoordinator(4)

	c.sessions["a"] = &fakeSession{id: "a", interested: false, choking: true, downRate: 1000}
	c.sessions["b"] = &fakeSession{id: "b", interested: true, choking: true, downRate: 1}

	c.rechoke(false)

	if c.sessions["a"].(*fakeSession).choking == false {
		t.Fatalf("uninterested peer should never be unchoked regardless of rate")
	}
	if c.sessions["b"].(*fakeSession).choking {
		t.Fatalf("sole interested peer should be unchoked")
	}
}

func TestRechoke_FewerThanSlotsUnchokesAll(t *testing.T) {
	c := newTestCoordinator(4)

	c.sessions["a"] = &fakeSession{id: "a", interested: true, choking: true, downRate: 10}
	c.sessions["b"] = &fakeSession{id: "b", interested: true, choking: true, downRate: 20}

	c.rechoke(false)

	for id, sess := range c.sessions {
		if sess.(*fakeSession).choking {
			t.Errorf("peer %s: expected unchoked when below slot count", id)
		}
	}
}

func TestRechoke_OptimisticRoundReplacesLastSlot(t *testing.T) {
	c := newTestCoordinator(2)

	c.sessions["a"] = &fakeSession{id: "a", interested: true, choking: true, downRate: 100}
	c.sessions["b"] = &fakeSession{id: "b", interested: true, choking: true, downRate: 50}
	c.sessions["extra"] = &fakeSession{id: "extra", interested: true, choking: true, downRate: 1}

	c.rechoke(true)

	unchoked := 0
	for _, sess := range c.sessions {
		if !sess.(*fakeSession).choking {
			unchoked++
		}
	}
	if unchoked != 2 {
		t.Fatalf("optimistic round: got %d unchoked, want 2 (top 1 + optimistic)", unchoked)
	}
	if c.sessions["a"].(*fakeSession).choking {
		t.Fatalf("optimistic round: top-ranked peer a was choked")
	}
}

func newTestScheduler(numPieces int) *piece.Scheduler {
	hashes := make([][sha1.Size]byte, numPieces)
	return piece.NewScheduler(hashes, piece.BlockLength, int64(numPieces)*piece.BlockLength, 8, 4)
}

func TestUpdateInterest_SendsInterestedWhenPeerHasWantedPiece(t *testing.T) {
	c := newTestCoordinator(4)
	c.sched = newTestScheduler(4)

	bf := bitfield.New(4)
	bf.Set(2)
	c.bitfields["a"] = bf
	fs := &fakeSession{id: "a"}
	c.sessions["a"] = fs

	c.updateInterest("a")

	if !fs.amInterested || fs.interestCalls != 1 {
		t.Fatalf("expected SendInterested once, amInterested=%v calls=%d", fs.amInterested, fs.interestCalls)
	}
}

func TestUpdateInterest_SendsNotInterestedWhenNothingWanted(t *testing.T) {
	c := newTestCoordinator(4)
	c.sched = newTestScheduler(1)

	// An empty bitfield advertises nothing, so it can never hold a
	// wanted piece regardless of our own Have set.
	bf := bitfield.New(1)
	c.bitfields["a"] = bf
	fs := &fakeSession{id: "a", amInterested: true}
	c.sessions["a"] = fs

	c.updateInterest("a")

	if fs.amInterested || fs.uninterestCall != 1 {
		t.Fatalf("expected SendNotInterested once, amInterested=%v calls=%d", fs.amInterested, fs.uninterestCall)
	}
}

func TestRechoke_StableRatesKeepTopSetAcrossRounds(t *testing.T) {
	c := newTestCoordinator(4)

	rates := map[string]uint64{"a": 100, "b": 50, "c": 200, "d": 10}
	for id, rate := range rates {
		c.sessions[id] = &fakeSession{id: id, interested: true, choking: true, downRate: rate}
	}

	c.rechoke(false)
	c.rechoke(false)

	for id, sess := range c.sessions {
		if sess.(*fakeSession).choking {
			t.Errorf("peer %s: expected unchoked on second stable round", id)
		}
	}
}
