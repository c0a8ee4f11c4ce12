// Package tracker announces a download to its torrent's tiered tracker
// list and reports back the peer addresses learned from each announce.
// Only the HTTP(S) tracker protocol is implemented; UDP trackers present
// in a torrent's announce-list are skipped.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const maxConsecutiveFailures = 8

// AnnounceParams is everything a single announce call needs to report
// about the download's current state.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	Key        uint32
	TrackerID  string
	NumWant    int
	Port       uint16
}

// AnnounceResponse is a tracker's reply to one announce call.
type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int64
	Seeders     int64
	Peers       []netip.AddrPort
}

// Event is the BitTorrent tracker announce event.
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// Protocol is implemented by a single tracker's wire transport.
type Protocol interface {
	Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error)
}

// Stats accumulates lifetime announce counters for display.
type Stats struct {
	TotalAnnounces      atomic.Uint64
	SuccessfulAnnounces atomic.Uint64
	FailedAnnounces     atomic.Uint64
	LastAnnounce        atomic.Int64
	LastSuccess         atomic.Int64
	TotalPeersReceived  atomic.Uint64
	CurrentSeeders      atomic.Int64
	CurrentLeechers     atomic.Int64
}

// Metrics is a point-in-time snapshot of Stats for callers that don't
// want to touch atomics directly.
type Metrics struct {
	TotalAnnounces      uint64
	SuccessfulAnnounces uint64
	FailedAnnounces     uint64
	TotalPeersReceived  uint64
	CurrentSeeders      int64
	CurrentLeechers     int64
	LastAnnounce        time.Time
	LastSuccess         time.Time
}

// Config tunes the announce loop's cadence and backoff.
type Config struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Interval    time.Duration
	MinInterval time.Duration
	Timeout     time.Duration
}

// Tracker owns a torrent's tiered announce-list and runs the periodic
// announce loop that keeps the peer pool supplied with addresses.
type Tracker struct {
	cfg   Config
	log   *slog.Logger
	stats *Stats

	mu       sync.Mutex
	tiers    [][]*url.URL
	trackers map[string]Protocol

	onAnnounceStart   func() *AnnounceParams
	onAnnounceSuccess func(peers []netip.AddrPort)
}

// Opts bundles the hooks Tracker needs from its caller: how to build
// the next announce's parameters, and what to do with peers a
// successful announce returns.
type Opts struct {
	OnAnnounceStart   func() *AnnounceParams
	OnAnnounceSuccess func(peers []netip.AddrPort)
	Log               *slog.Logger
}

// New builds a Tracker from a torrent's announce and announce-list
// fields, shuffling the tracker URLs within each tier so repeated runs don't
// always hit the same tracker first.
func New(announce string, announceList [][]string, cfg Config, opts Opts) (*Tracker, error) {
	if opts.OnAnnounceStart == nil {
		return nil, errors.New("tracker: OnAnnounceStart hook missing")
	}
	if opts.OnAnnounceSuccess == nil {
		return nil, errors.New("tracker: OnAnnounceSuccess hook missing")
	}

	tiers, err := buildAnnounceURLs(announce, announceList)
	if err != nil {
		return nil, err
	}

	for i := range tiers {
		rand.Shuffle(len(tiers[i]), func(a, b int) { tiers[i][a], tiers[i][b] = tiers[i][b], tiers[i][a] })
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "tracker", "tiers", len(tiers))

	return &Tracker{
		cfg:               cfg,
		log:               log,
		tiers:             tiers,
		stats:             &Stats{},
		trackers:          make(map[string]Protocol),
		onAnnounceStart:   opts.OnAnnounceStart,
		onAnnounceSuccess: opts.OnAnnounceSuccess,
	}, nil
}

// Run drives the periodic announce loop until ctx is canceled, sending
// a final "stopped" announce on the way out.
func (t *Tracker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.announceLoop(gctx) })
	return g.Wait()
}

// Stats returns a snapshot of the tracker's lifetime announce counters.
func (t *Tracker) Stats() Metrics {
	s := t.stats

	var lastAnn, lastSuc time.Time
	if v := s.LastAnnounce.Load(); v > 0 {
		lastAnn = time.Unix(v, 0)
	}
	if v := s.LastSuccess.Load(); v > 0 {
		lastSuc = time.Unix(v, 0)
	}

	return Metrics{
		TotalAnnounces:      s.TotalAnnounces.Load(),
		SuccessfulAnnounces: s.SuccessfulAnnounces.Load(),
		FailedAnnounces:     s.FailedAnnounces.Load(),
		TotalPeersReceived:  s.TotalPeersReceived.Load(),
		CurrentSeeders:      s.CurrentSeeders.Load(),
		CurrentLeechers:     s.CurrentLeechers.Load(),
		LastAnnounce:        lastAnn,
		LastSuccess:         lastSuc,
	}
}

// Announce tries each tier in order, and within a tier each tracker URL
// in its current priority order, returning the first successful reply.
// A tracker that answers is promoted to the front of its tier.
func (t *Tracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	t.stats.TotalAnnounces.Add(1)
	t.stats.LastAnnounce.Store(time.Now().Unix())

	var lastErr error

	for tierIdx := range t.tiers {
		tier := t.snapshotTier(tierIdx)

		for i, u := range tier {
			tracker, err := t.getTracker(u)
			if err != nil {
				lastErr = err
				continue
			}

			resp, err := tracker.Announce(ctx, params)
			if err != nil {
				lastErr = err
				continue
			}

			t.promoteWithinTier(tierIdx, i)

			t.stats.SuccessfulAnnounces.Add(1)
			t.stats.LastSuccess.Store(time.Now().Unix())
			t.stats.TotalPeersReceived.Add(uint64(len(resp.Peers)))
			t.stats.CurrentSeeders.Store(resp.Seeders)
			t.stats.CurrentLeechers.Store(resp.Leechers)

			t.log.Info("announce ok",
				"tier", tierIdx, "url", u.String(),
				"peers", len(resp.Peers), "seeders", resp.Seeders, "leechers", resp.Leechers,
			)

			return resp, nil
		}

		t.log.Warn("announce tier exhausted", "tier", tierIdx)
	}

	t.stats.FailedAnnounces.Add(1)
	if lastErr == nil {
		lastErr = errors.New("tracker: all tiers exhausted")
	}
	return nil, lastErr
}

func (t *Tracker) announceLoop(ctx context.Context) error {
	l := t.log.With("loop", "announce")

	failures := 0
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			params := t.onAnnounceStart()
			params.Event = EventStopped
			_, _ = t.Announce(sctx, params)
			cancel()
			return nil

		case <-ticker.C:
			if failures >= maxConsecutiveFailures {
				return fmt.Errorf("tracker: exhausted %d consecutive announce failures", failures)
			}

			resp, err := t.Announce(ctx, t.onAnnounceStart())
			if err != nil {
				failures++
				l.Warn("announce failed", "consecutive_failures", failures, "error", err)
				ticker.Reset(t.backoff(failures))
				continue
			}

			t.onAnnounceSuccess(resp.Peers)
			failures = 0
			ticker.Reset(t.nextInterval(resp))
		}
	}
}

func (t *Tracker) snapshotTier(at int) []*url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*url.URL(nil), t.tiers[at]...)
}

func (t *Tracker) promoteWithinTier(tierIdx, urlIdx int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tier := t.tiers[tierIdx]
	if urlIdx <= 0 || urlIdx >= len(tier) {
		return
	}

	u := tier[urlIdx]
	copy(tier[1:urlIdx+1], tier[0:urlIdx])
	tier[0] = u
}

func (t *Tracker) getTracker(u *url.URL) (Protocol, error) {
	key := u.String()

	t.mu.Lock()
	tr, ok := t.trackers[key]
	t.mu.Unlock()
	if ok {
		return tr, nil
	}

	log := t.log.With("scheme", u.Scheme, "host", u.Host)

	var (
		tracker Protocol
		err     error
	)

	switch u.Scheme {
	case "http", "https":
		tracker, err = newHTTPTracker(u, t.cfg.Timeout, log)
	default:
		err = fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.trackers[key] = tracker
	t.mu.Unlock()

	return tracker, nil
}

func (t *Tracker) backoff(failures int) time.Duration {
	const maxShift = 5

	shift := min(failures-1, maxShift)
	delay := t.cfg.BackoffBase * (1 << uint(shift))
	if delay > t.cfg.BackoffMax {
		delay = t.cfg.BackoffMax
	}

	jitter := time.Duration(rand.Int64N(int64(delay)/2 + 1))
	return min(delay-delay/4+jitter, t.cfg.BackoffMax)
}

func (t *Tracker) nextInterval(resp *AnnounceResponse) time.Duration {
	interval := t.cfg.Interval
	if resp.Interval > 0 {
		interval = resp.Interval
	}
	if resp.MinInterval > interval {
		interval = resp.MinInterval
	}
	if t.cfg.MinInterval > 0 && interval < t.cfg.MinInterval {
		interval = t.cfg.MinInterval
	}
	return interval
}

func buildAnnounceURLs(announce string, announceList [][]string) ([][]*url.URL, error) {
	tiers := make([][]*url.URL, 0, len(announceList)+1)

	if s := strings.TrimSpace(announce); s != "" {
		if u, ok := parseTrackerURL(s); ok {
			tiers = append(tiers, []*url.URL{u})
		}
	}

	for _, tier := range announceList {
		out := make([]*url.URL, 0, len(tier))
		for _, raw := range tier {
			if u, ok := parseTrackerURL(raw); ok {
				out = append(out, u)
			}
		}
		if len(out) > 0 {
			tiers = append(tiers, out)
		}
	}

	if len(tiers) == 0 {
		return nil, errors.New("tracker: no usable announce urls")
	}
	return tiers, nil
}

func parseTrackerURL(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	switch u.Scheme {
	case "http", "https":
		return u, true
	default:
		return nil, false
	}
}
