package piece

import "testing"

func TestAvailabilityBucket_StartsAllAtZero(t *testing.T) {
	b := newAvailabilityBucket(5, 10)

	lvl, ok := b.FirstNonEmpty()
	if !ok || lvl != 0 {
		t.Fatalf("FirstNonEmpty = (%d, %v), want (0, true)", lvl, ok)
	}
	if got := len(b.Bucket(0)); got != 5 {
		t.Fatalf("bucket 0 size = %d, want 5", got)
	}
}

func TestAvailabilityBucket_MoveUpAndDown(t *testing.T) {
	b := newAvailabilityBucket(3, 10)

	b.Move(1, +1)
	if got := len(b.Bucket(0)); got != 2 {
		t.Fatalf("bucket 0 size = %d, want 2", got)
	}
	if got := len(b.Bucket(1)); got != 1 {
		t.Fatalf("bucket 1 size = %d, want 1", got)
	}

	b.Move(1, -1)
	if got := len(b.Bucket(0)); got != 3 {
		t.Fatalf("bucket 0 size = %d, want 3", got)
	}
	if got := len(b.Bucket(1)); got != 0 {
		t.Fatalf("bucket 1 size = %d, want 0", got)
	}
}

func TestAvailabilityBucket_ClampsAtBounds(t *testing.T) {
	b := newAvailabilityBucket(1, 2)

	b.Move(0, -5)
	if got := len(b.Bucket(0)); got != 1 {
		t.Fatalf("clamped-low bucket 0 size = %d, want 1", got)
	}

	b.Move(0, 10)
	if got := len(b.Bucket(2)); got != 1 {
		t.Fatalf("clamped-high bucket 2 size = %d, want 1", got)
	}
}

func TestAvailabilityBucket_FirstNonEmptyTracksRemovals(t *testing.T) {
	b := newAvailabilityBucket(2, 10)

	b.Move(0, +1)
	b.Move(1, +1)

	if lvl, ok := b.FirstNonEmpty(); !ok || lvl != 1 {
		t.Fatalf("FirstNonEmpty = (%d, %v), want (1, true) once level 0 is empty", lvl, ok)
	}

	b.Move(0, -1)
	lvl, ok := b.FirstNonEmpty()
	if !ok || lvl != 0 {
		t.Fatalf("FirstNonEmpty = (%d, %v), want (0, true)", lvl, ok)
	}
}
