package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ashgrove/leech/internal/metainfo"
)

func genStream(n int64, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((int64(i)*7 + int64(seed)) % 256)
	}
	return b
}

func TestStore_SingleFile_WriteThenRead(t *testing.T) {
	dir := t.TempDir()
	mi := &metainfo.Metainfo{
		Info: &metainfo.Info{
			Name:        "single.bin",
			PieceLength: 1024,
			Length:      2500,
		},
	}

	s, err := Open(mi, &Config{DownloadDir: dir}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	data := genStream(1024, 1)
	if err := s.writePiece(0, data); err != nil {
		t.Fatalf("writePiece: %v", err)
	}

	got := make([]byte, len(data))
	if err := s.ReadPiece(0, got); err != nil {
		t.Fatalf("ReadPiece: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("round trip mismatch")
	}

	info, err := os.Stat(filepath.Join(dir, "single.bin"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 2500 {
		t.Fatalf("file size = %d, want 2500", info.Size())
	}
}

func TestStore_SingleFile_OutputPathOverridesName(t *testing.T) {
	dir := t.TempDir()
	want := filepath.Join(dir, "renamed.bin")

	mi := &metainfo.Metainfo{
		Info: &metainfo.Info{
			Name:        "original-name.bin",
			PieceLength: 1024,
			Length:      2500,
		},
	}

	s, err := Open(mi, &Config{DownloadDir: dir, OutputPath: want}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.writePiece(0, genStream(1024, 1)); err != nil {
		t.Fatalf("writePiece: %v", err)
	}

	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected file at user-supplied output path: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "original-name.bin")); err == nil {
		t.Fatalf("did not expect a file named after the torrent when OutputPath is set")
	}
}

func TestStore_MultiFile_PieceSpansFileBoundary(t *testing.T) {
	dir := t.TempDir()
	mi := &metainfo.Metainfo{
		Info: &metainfo.Info{
			Name:        "bundle",
			PieceLength: 100,
			Files: []metainfo.File{
				{Length: 60, Path: []string{"a.txt"}},
				{Length: 60, Path: []string{"sub", "b.txt"}},
			},
		},
	}

	s, err := Open(mi, &Config{DownloadDir: dir}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	piece0 := genStream(100, 2)
	if err := s.writePiece(0, piece0); err != nil {
		t.Fatalf("writePiece 0: %v", err)
	}

	piece1 := genStream(20, 9)
	if err := s.writePiece(1, piece1); err != nil {
		t.Fatalf("writePiece 1: %v", err)
	}

	aData, err := os.ReadFile(filepath.Join(dir, "bundle", "a.txt"))
	if err != nil {
		t.Fatalf("read a.txt: %v", err)
	}
	if string(aData) != string(piece0[:60]) {
		t.Fatalf("a.txt content mismatch")
	}

	bData, err := os.ReadFile(filepath.Join(dir, "bundle", "sub", "b.txt"))
	if err != nil {
		t.Fatalf("read b.txt: %v", err)
	}
	want := append(append([]byte{}, piece0[60:100]...), piece1...)
	if string(bData) != string(want) {
		t.Fatalf("b.txt content mismatch")
	}
}

func TestStore_ReadPiece_AcrossFiles(t *testing.T) {
	dir := t.TempDir()
	mi := &metainfo.Metainfo{
		Info: &metainfo.Info{
			Name:        "bundle",
			PieceLength: 100,
			Files: []metainfo.File{
				{Length: 60, Path: []string{"a.txt"}},
				{Length: 60, Path: []string{"b.txt"}},
			},
		},
	}

	s, err := Open(mi, &Config{DownloadDir: dir}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	data := genStream(100, 5)
	if err := s.writePiece(0, data); err != nil {
		t.Fatalf("writePiece: %v", err)
	}

	got := make([]byte, 100)
	if err := s.ReadPiece(0, got); err != nil {
		t.Fatalf("ReadPiece: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("read-back across file boundary mismatch")
	}
}
