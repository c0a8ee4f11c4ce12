// Package storage writes verified pieces to disk and serves read-back
// for seeding peers. It performs no hash verification itself: by the
// time a piece reaches Store, the piece scheduler has already checked
// its digest.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/ashgrove/leech/internal/metainfo"
	"github.com/ashgrove/leech/internal/piece"
)

// Config controls where downloaded files land and how deeply the
// writer queue may buffer completed pieces before back-pressuring the
// scheduler.
type Config struct {
	DownloadDir   string
	DiskQueueSize int

	// OutputPath, if set, names the exact file a single-file torrent is
	// written to, overriding the DownloadDir/name.Info.Name default.
	// Ignored for multi-file torrents, which always lay out under
	// DownloadDir/name.Info.Name/....
	OutputPath string
}

// DefaultConfig returns a download directory under the user's home and
// a modestly sized writer queue.
func DefaultConfig() *Config {
	return &Config{
		DownloadDir:   defaultDownloadDir(),
		DiskQueueSize: 100,
	}
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "leech")
	default:
		return filepath.Join(home, ".local", "share", "leech", "downloads")
	}
}

type datafile struct {
	f      *os.File
	offset int64
	length int64
	path   string
}

// Store writes completed pieces consumed from a piece.Scheduler to the
// files described by a torrent's layout, and serves byte ranges back
// for upload.
type Store struct {
	cfg      *Config
	log      *slog.Logger
	files    []*datafile
	pieceLen int64
}

// Open lays out the on-disk files for mi (truncating/creating them as
// needed) without reading or writing piece data.
func Open(mi *metainfo.Metainfo, cfg *Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "storage")

	if cfg == nil {
		cfg = DefaultConfig()
	}

	files, err := setupFiles(mi, cfg.DownloadDir, cfg.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("setup files: %w", err)
	}

	return &Store{
		cfg:      cfg,
		log:      log,
		files:    files,
		pieceLen: mi.Info.PieceLength,
	}, nil
}

// Run drains completed pieces from sched until ctx is canceled or the
// Completed channel closes, writing each through to disk.
func (s *Store) Run(ctx context.Context, sched *piece.Scheduler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cp, ok := <-sched.Completed():
			if !ok {
				return nil
			}
			if err := s.writePiece(cp.Index, cp.Data); err != nil {
				s.log.Error("write piece failed", "piece", cp.Index, "error", err)
				continue
			}
			s.log.Debug("piece written", "piece", cp.Index, "bytes", len(cp.Data))
		}
	}
}

func (s *Store) writePiece(index int, data []byte) error {
	absStart := int64(index) * s.pieceLen
	absEnd := absStart + int64(len(data))

	for _, file := range s.files {
		fileStart, fileEnd := file.offset, file.offset+file.length

		overlapStart := max(absStart, fileStart)
		overlapEnd := min(absEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		writeLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileStart
		offsetInData := overlapStart - absStart

		n, err := file.f.WriteAt(data[offsetInData:offsetInData+writeLen], offsetInFile)
		if err != nil {
			return fmt.Errorf("write %s: %w", file.path, err)
		}
		if int64(n) != writeLen {
			return fmt.Errorf("short write to %s: wrote %d, wanted %d", file.path, n, writeLen)
		}
	}

	return nil
}

// ReadPiece fills buf with the bytes of piece index, reading across
// whichever files overlap it.
func (s *Store) ReadPiece(index int, buf []byte) error {
	absStart := int64(index) * s.pieceLen
	absEnd := absStart + int64(len(buf))

	for _, file := range s.files {
		fileStart, fileEnd := file.offset, file.offset+file.length

		overlapStart := max(absStart, fileStart)
		overlapEnd := min(absEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		readLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileStart
		offsetInData := overlapStart - absStart

		n, err := file.f.ReadAt(buf[offsetInData:offsetInData+readLen], offsetInFile)
		if err != nil {
			return fmt.Errorf("read %s: %w", file.path, err)
		}
		if int64(n) != readLen {
			return fmt.Errorf("short read from %s: read %d, wanted %d", file.path, n, readLen)
		}
	}

	return nil
}

// Close releases the underlying file handles.
func (s *Store) Close() error {
	var firstErr error
	for _, file := range s.files {
		if err := file.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// setupFiles lays out mi's files on disk under downloadDir. For a
// single-file torrent, outputPath, when non-empty, is used verbatim as
// the destination instead of downloadDir/mi.Info.Name: a user-supplied
// output path names the exact file to write, leaf name included.
func setupFiles(mi *metainfo.Metainfo, downloadDir, outputPath string) ([]*datafile, error) {
	var (
		offset int64
		files  []*datafile
	)

	if mi.Info.Length > 0 {
		fp := filepath.Join(downloadDir, mi.Info.Name)
		if outputPath != "" {
			fp = outputPath
		}
		mapping, err := createFileMapping(fp, mi.Info.Length, offset)
		if err != nil {
			return nil, err
		}
		return []*datafile{mapping}, nil
	}

	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, err
	}

	for _, file := range mi.Info.Files {
		fp := filepath.Join(downloadDir, mi.Info.Name)
		for _, part := range file.Path {
			fp = filepath.Join(fp, part)
		}

		mapping, err := createFileMapping(fp, file.Length, offset)
		if err != nil {
			return nil, err
		}
		files = append(files, mapping)
		offset += file.Length
	}

	return files, nil
}

func createFileMapping(path string, size, offset int64) (*datafile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}

	return &datafile{path: path, length: size, offset: offset, f: f}, nil
}
