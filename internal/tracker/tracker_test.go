package tracker

import (
	"context"
	"net/netip"
	"testing"
	"time"
)

type fakeTracker struct {
	resp *AnnounceResponse
	err  error
	n    int
}

func (f *fakeTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	f.n++
	return f.resp, f.err
}

func TestBuildAnnounceURLs_SingleAnnounce(t *testing.T) {
	tiers, err := buildAnnounceURLs("http://tracker.example/announce", nil)
	if err != nil {
		t.Fatalf("buildAnnounceURLs: %v", err)
	}
	if len(tiers) != 1 || len(tiers[0]) != 1 {
		t.Fatalf("tiers = %#v", tiers)
	}
}

func TestBuildAnnounceURLs_DropsUnsupportedSchemes(t *testing.T) {
	tiers, err := buildAnnounceURLs("", [][]string{
		{"udp://tracker1.example:80", "http://tracker2.example/a"},
	})
	if err != nil {
		t.Fatalf("buildAnnounceURLs: %v", err)
	}
	if len(tiers) != 1 || len(tiers[0]) != 1 {
		t.Fatalf("expected udp tracker dropped, got %#v", tiers)
	}
}

func TestBuildAnnounceURLs_NoUsableURLs(t *testing.T) {
	if _, err := buildAnnounceURLs("", nil); err == nil {
		t.Fatalf("expected error for no announce urls")
	}
}

func TestTracker_Announce_PromotesSuccessfulURL(t *testing.T) {
	tr, err := New("", [][]string{{"http://a.example/ann", "http://b.example/ann"}}, Config{}, Opts{
		OnAnnounceStart:   func() *AnnounceParams { return &AnnounceParams{} },
		OnAnnounceSuccess: func([]netip.AddrPort) {},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	failing := &fakeTracker{err: context.DeadlineExceeded}
	succeeding := &fakeTracker{resp: &AnnounceResponse{Interval: time.Minute}}

	tr.mu.Lock()
	urlA := tr.tiers[0][0].String()
	urlB := tr.tiers[0][1].String()
	tr.trackers[urlA] = failing
	tr.trackers[urlB] = succeeding
	tr.mu.Unlock()

	if _, err := tr.Announce(context.Background(), &AnnounceParams{}); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	tr.mu.Lock()
	promoted := tr.tiers[0][0].String()
	tr.mu.Unlock()

	if promoted != urlB {
		t.Fatalf("expected successful url promoted to front, got %q", promoted)
	}
}

func TestTracker_NextInterval_PrefersResponseThenFloor(t *testing.T) {
	tr := &Tracker{cfg: Config{Interval: time.Minute, MinInterval: 30 * time.Second}}

	got := tr.nextInterval(&AnnounceResponse{Interval: 10 * time.Second})
	if got != 30*time.Second {
		t.Fatalf("nextInterval = %v, want floor of 30s", got)
	}

	got = tr.nextInterval(&AnnounceResponse{Interval: 90 * time.Second})
	if got != 90*time.Second {
		t.Fatalf("nextInterval = %v, want 90s", got)
	}
}

func TestTracker_Backoff_CapsAtMax(t *testing.T) {
	tr := &Tracker{cfg: Config{BackoffBase: time.Second, BackoffMax: 10 * time.Second}}

	for failures := 1; failures <= 10; failures++ {
		if d := tr.backoff(failures); d > 10*time.Second {
			t.Fatalf("backoff(%d) = %v, exceeds max", failures, d)
		}
	}
}
