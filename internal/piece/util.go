package piece

// BlockLength is the fixed block size used for every request except the
// final block of a piece, which may be shorter.
const BlockLength = 16 * 1024

// Count returns how many pieces of length pieceLen are needed to cover
// size bytes.
func Count(size, pieceLen int64) int {
	if size <= 0 || pieceLen <= 0 {
		return 0
	}
	return int((size + pieceLen - 1) / pieceLen)
}

// LengthAt returns the length of piece index, accounting for a possibly
// shorter final piece.
func LengthAt(index int, size, pieceLen int64) int64 {
	n := Count(size, pieceLen)
	if index < 0 || index >= n {
		return 0
	}
	if index == n-1 {
		if rem := size % pieceLen; rem != 0 {
			return rem
		}
	}
	return pieceLen
}

// BlockCount returns the number of BlockLength blocks needed to cover a
// piece of length pieceLen.
func BlockCount(pieceLen int64) int {
	if pieceLen <= 0 {
		return 0
	}
	return int((pieceLen + BlockLength - 1) / BlockLength)
}

// BlockBounds returns the begin offset and length, within the piece, of
// block blockIdx.
func BlockBounds(pieceLen int64, blockIdx int) (begin, length int) {
	begin = blockIdx * BlockLength
	length = BlockLength
	if remaining := pieceLen - int64(begin); remaining < BlockLength {
		length = int(remaining)
	}
	return begin, length
}

// BlockIndexForBegin maps a byte offset within a piece back to its block
// index.
func BlockIndexForBegin(begin int) int { return begin / BlockLength }
