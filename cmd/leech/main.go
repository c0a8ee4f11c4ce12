// Command leech downloads a single torrent to disk, printing a live
// progress line and a termination summary. It never seeds: once every
// piece is verified (or max-pieces is reached) it exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/ashgrove/leech/internal/client"
	"github.com/ashgrove/leech/internal/config"
	"github.com/ashgrove/leech/internal/logging"
	"github.com/ashgrove/leech/internal/metainfo"
	"github.com/ashgrove/leech/internal/piece"
	"github.com/ashgrove/leech/internal/storage"
)

const (
	exitOK = iota
	exitMetainfoError
	exitTrackerFailure
	exitPeersExhausted
	exitIOError
)

var (
	progressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	summaryLabel  = lipgloss.NewStyle().Bold(true)
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: leech <metainfo-path> [output-path] [max-pieces]")
		return exitMetainfoError
	}

	color.NoColor = false
	log := slog.New(logging.New(os.Stderr, nil))

	metaPath := os.Args[1]
	data, err := os.ReadFile(metaPath)
	if err != nil {
		log.Error("read metainfo", "error", err)
		return exitMetainfoError
	}

	mi, err := metainfo.Parse(data)
	if err != nil {
		log.Error("parse metainfo", "error", err)
		return exitMetainfoError
	}

	cfg, err := config.Default()
	if err != nil {
		log.Error("build config", "error", err)
		return exitIOError
	}

	var outputPath string
	if len(os.Args) >= 3 && os.Args[2] != "" {
		outputPath = os.Args[2]
		cfg.DownloadDir = filepath.Dir(outputPath)
	}
	if len(os.Args) >= 4 {
		var n int
		if _, err := fmt.Sscanf(os.Args[3], "%d", &n); err == nil {
			cfg.MaxPieces = n
		}
	}

	store, err := storage.Open(mi, &storage.Config{
		DownloadDir:   cfg.DownloadDir,
		DiskQueueSize: 100,
		OutputPath:    outputPath,
	}, log)
	if err != nil {
		log.Error("open storage", "error", err)
		return exitIOError
	}
	defer store.Close()

	target := mi.PieceCount()
	if cfg.MaxPieces > 0 && cfg.MaxPieces < target {
		target = cfg.MaxPieces
	}

	sched := piece.NewScheduler(mi.Info.Pieces, mi.Info.PieceLength, mi.Size(), cfg.MaxPeers, cfg.MinPiecesForRarestFirst)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	totalSize := mi.Size()

	coord, err := client.New(client.Opts{
		Config:       cfg,
		Log:          log,
		InfoHash:     mi.InfoHash,
		Scheduler:    sched,
		Store:        store,
		Announce:     mi.Announce,
		AnnounceList: mi.AnnounceList,
		Left: func() uint64 {
			have := int64(sched.HaveCount()) * mi.Info.PieceLength
			left := totalSize - have
			if left < 0 {
				left = 0
			}
			return uint64(left)
		},
	})
	if err != nil {
		log.Error("build coordinator", "error", err)
		return exitTrackerFailure
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- coord.Run(ctx) }()
	go func() { _ = store.Run(ctx, sched) }()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			printProgress(sched, coord, target)
			if sched.HaveCount() >= target {
				break loop
			}
		}
	}

	cancel()
	printSummary(sched, coord, target)

	select {
	case err := <-runErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("coordinator exited with error", "error", err)
		}
	case <-time.After(cfg.ShutdownGrace):
	}

	if sched.HaveCount() < target {
		if coord.Stats().TotalPeers == 0 {
			return exitTrackerFailure
		}
		return exitPeersExhausted
	}

	return exitOK
}

func printProgress(sched *piece.Scheduler, coord *client.Coordinator, target int) {
	have := sched.HaveCount()
	stats := coord.Stats()

	line := progressStyle.Render(fmt.Sprintf(
		"pieces %d/%d  rate %s/s  peers %d",
		have, target,
		humanize.IBytes(stats.DownloadRate),
		stats.TotalPeers,
	))

	fmt.Printf("\r%s", line)
}

func printSummary(sched *piece.Scheduler, coord *client.Coordinator, target int) {
	stats := coord.Stats()

	fmt.Println()
	fmt.Println(summaryLabel.Render("download summary"))
	fmt.Printf("  pieces:     %d/%d\n", sched.HaveCount(), target)
	fmt.Printf("  downloaded: %s\n", humanize.IBytes(stats.TotalDownloaded))
	fmt.Printf("  uploaded:   %s\n", humanize.IBytes(stats.TotalUploaded))
	fmt.Printf("  peers seen: %d\n", stats.TotalPeers)
}
