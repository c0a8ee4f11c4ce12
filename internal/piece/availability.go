package piece

import (
	"math/bits"
	"math/rand/v2"
	"sync"
)

// availabilityBucket tracks, for every piece, how many connected peers
// advertise it. Pieces are kept in dense per-level buckets so the rarest
// non-empty level can be found in O(1)-O(64) without scanning every
// piece, and moving a piece between levels is O(1) swap-remove.
type availabilityBucket struct {
	mu sync.RWMutex

	buckets      [][]int
	avail        []uint16
	pos          []int
	maxAvail     int
	nonEmptyBits []uint64
}

func newAvailabilityBucket(pieceCount, maxAvail int) *availabilityBucket {
	if maxAvail < 1 {
		maxAvail = 1
	}

	b := &availabilityBucket{
		maxAvail:     maxAvail,
		buckets:      make([][]int, maxAvail+1),
		avail:        make([]uint16, pieceCount),
		pos:          make([]int, pieceCount),
		nonEmptyBits: make([]uint64, (maxAvail>>6)+1),
	}

	capacity := max(1, pieceCount/(maxAvail+1))
	for a := range b.buckets {
		b.buckets[a] = make([]int, 0, capacity)
	}

	b.buckets[0] = make([]int, pieceCount)
	for i := 0; i < pieceCount; i++ {
		b.buckets[0][i] = i
		b.pos[i] = i
	}
	if pieceCount > 0 {
		b.setBit(0)
	}

	return b
}

// FirstNonEmpty returns the smallest availability level with at least
// one piece.
func (b *availabilityBucket) FirstNonEmpty() (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for w := 0; w < len(b.nonEmptyBits); w++ {
		if x := b.nonEmptyBits[w]; x != 0 {
			return w<<6 + bits.TrailingZeros64(x), true
		}
	}
	return 0, false
}

// Bucket returns a copy of the piece indices at availability level a.
func (b *availabilityBucket) Bucket(a int) []int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if a < 0 || a > b.maxAvail {
		return nil
	}
	return append([]int(nil), b.buckets[a]...)
}

// Move changes piece i's availability by delta (+1 when a peer gains the
// piece, -1 when a peer loses it or disconnects).
func (b *availabilityBucket) Move(i, delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldA := int(b.avail[i])
	newA := min(b.maxAvail, max(0, oldA+delta))
	if newA == oldA {
		return
	}

	b.removeFrom(i, oldA)
	b.addTo(i, newA)
	b.avail[i] = uint16(newA)
}

func (b *availabilityBucket) removeFrom(i, avail int) {
	pos := b.pos[i]
	bucket := b.buckets[avail]
	lastIdx := len(bucket) - 1

	bucket[pos] = bucket[lastIdx]
	b.pos[bucket[pos]] = pos
	bucket = bucket[:lastIdx]
	b.buckets[avail] = bucket

	if len(bucket) == 0 {
		b.clearBit(avail)
	}
}

// addTo inserts i into the bucket at avail, swapping it to a random
// position within the level. pickRarest sorts a level before scanning
// it, so this order does not decide which piece is picked.
func (b *availabilityBucket) addTo(i, avail int) {
	bucket := append(b.buckets[avail], i)
	idx := len(bucket) - 1

	if idx > 0 {
		j := rand.IntN(idx + 1)
		bucket[idx], bucket[j] = bucket[j], bucket[idx]
		b.pos[bucket[idx]] = idx
		b.pos[bucket[j]] = j
	} else {
		b.pos[i] = 0
	}

	b.buckets[avail] = bucket
	b.setBit(avail)
}

func (b *availabilityBucket) setBit(a int) {
	w, bit := a>>6, uint(a&63)
	b.nonEmptyBits[w] |= 1 << bit
}

func (b *availabilityBucket) clearBit(a int) {
	w, bit := a>>6, uint(a&63)
	b.nonEmptyBits[w] &^= 1 << bit
}
