package piece

import "testing"

func TestCount(t *testing.T) {
	tests := []struct {
		name     string
		size     int64
		pieceLen int64
		want     int
	}{
		{"zero size", 0, 1024, 0},
		{"zero pieceLen", 1024, 0, 0},
		{"exact fit", 2048, 1024, 2},
		{"one extra byte", 2049, 1024, 3},
		{"less than one piece", 512, 1024, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Count(tt.size, tt.pieceLen); got != tt.want {
				t.Errorf("Count() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLengthAt(t *testing.T) {
	const size, pieceLen = 2049, 1024

	if got := LengthAt(0, size, pieceLen); got != 1024 {
		t.Errorf("piece 0 length = %d, want 1024", got)
	}
	if got := LengthAt(1, size, pieceLen); got != 1024 {
		t.Errorf("piece 1 length = %d, want 1024", got)
	}
	if got := LengthAt(2, size, pieceLen); got != 1 {
		t.Errorf("last piece length = %d, want 1", got)
	}
	if got := LengthAt(3, size, pieceLen); got != 0 {
		t.Errorf("out-of-bounds length = %d, want 0", got)
	}
	if got := LengthAt(-1, size, pieceLen); got != 0 {
		t.Errorf("negative index length = %d, want 0", got)
	}
}

func TestLengthAt_ExactMultiple(t *testing.T) {
	if got := LengthAt(1, 2048, 1024); got != 1024 {
		t.Errorf("exact-multiple last piece = %d, want 1024", got)
	}
}

func TestBlockCount(t *testing.T) {
	tests := []struct {
		pieceLen int64
		want     int
	}{
		{0, 0},
		{BlockLength, 1},
		{BlockLength + 1, 2},
		{BlockLength * 3, 3},
	}
	for _, tt := range tests {
		if got := BlockCount(tt.pieceLen); got != tt.want {
			t.Errorf("BlockCount(%d) = %d, want %d", tt.pieceLen, got, tt.want)
		}
	}
}

func TestBlockBounds(t *testing.T) {
	pieceLen := int64(BlockLength*2 + 100)

	begin, length := BlockBounds(pieceLen, 0)
	if begin != 0 || length != BlockLength {
		t.Errorf("block 0 = (%d, %d), want (0, %d)", begin, length, BlockLength)
	}

	begin, length = BlockBounds(pieceLen, 1)
	if begin != BlockLength || length != BlockLength {
		t.Errorf("block 1 = (%d, %d), want (%d, %d)", begin, length, BlockLength, BlockLength)
	}

	begin, length = BlockBounds(pieceLen, 2)
	if begin != BlockLength*2 || length != 100 {
		t.Errorf("final block = (%d, %d), want (%d, 100)", begin, length, BlockLength*2)
	}
}

func TestBlockIndexForBegin(t *testing.T) {
	if got := BlockIndexForBegin(0); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
	if got := BlockIndexForBegin(BlockLength); got != 1 {
		t.Errorf("got %d, want 1", got)
	}
	if got := BlockIndexForBegin(BlockLength + 100); got != 1 {
		t.Errorf("got %d, want 1", got)
	}
}
