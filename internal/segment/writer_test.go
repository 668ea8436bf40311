package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mhagander/pg-streamrecv/internal/archive"
	"github.com/mhagander/pg-streamrecv/internal/walfmt"
)

func setupBase(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, archive.InprogressDirName), 0o755); err != nil {
		t.Fatal(err)
	}
	return base
}

func TestWriterFullLifecycle(t *testing.T) {
	base := setupBase(t)
	w := NewWriter(base)

	if err := w.Open(1, 0, 2); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if w.Name() != walfmt.SegName(1, 0, 2) {
		t.Fatalf("unexpected name %s", w.Name())
	}

	chunk := make([]byte, walfmt.SegmentSize/4)
	for i := 0; i < 4; i++ {
		if err := w.AssertAt(int64(i) * int64(len(chunk))); err != nil {
			t.Fatalf("AssertAt: %v", err)
		}
		if err := w.Append(chunk); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	archivedPath := filepath.Join(base, walfmt.SegName(1, 0, 2))
	info, err := os.Stat(archivedPath)
	if err != nil {
		t.Fatalf("expected archived segment: %v", err)
	}
	if info.Size() != walfmt.SegmentSize {
		t.Errorf("archived segment size = %d, want %d", info.Size(), walfmt.SegmentSize)
	}
	if w.IsOpen() {
		t.Errorf("writer should be closed after Finalize")
	}
}

func TestWriterRejectsMisalignedFrame(t *testing.T) {
	base := setupBase(t)
	w := NewWriter(base)
	if err := w.Open(1, 0, 0); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Append(make([]byte, 16)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.AssertAt(8); err == nil {
		t.Fatalf("expected FrameMisaligned error")
	}
}

func TestFinalizeRejectsShortSegment(t *testing.T) {
	base := setupBase(t)
	w := NewWriter(base)
	if err := w.Open(1, 0, 0); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Append(make([]byte, 16)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Finalize(); err == nil {
		t.Fatalf("expected ShortSegment error")
	}
}

func TestOpenRejectsNameCollision(t *testing.T) {
	base := setupBase(t)
	path := filepath.Join(base, archive.InprogressDirName, walfmt.SegName(1, 0, 0))
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	w := NewWriter(base)
	if err := w.Open(1, 0, 0); err == nil {
		t.Fatalf("expected collision error")
	}
}

func TestGuardianRollover(t *testing.T) {
	base := setupBase(t)
	savePath := filepath.Join(base, archive.InprogressDirName, walfmt.SegName(1, 0, 9)+archive.SaveSuffix)
	if err := os.WriteFile(savePath, make([]byte, 100), 0o600); err != nil {
		t.Fatal(err)
	}
	g := NewGuardian(savePath, 100)

	if err := g.ConsiderOffset(50); err != nil {
		t.Fatalf("ConsiderOffset: %v", err)
	}
	if _, err := os.Stat(savePath); err != nil {
		t.Fatalf("save file should still exist at offset 50: %v", err)
	}

	if err := g.ConsiderRollover(); err != nil {
		t.Fatalf("ConsiderRollover: %v", err)
	}
	if _, err := os.Stat(savePath); !os.IsNotExist(err) {
		t.Fatalf("save file should be retired after rollover")
	}
	if g.Active() {
		t.Fatalf("guardian should be inactive after retirement")
	}
}

func TestGuardianInSegmentCatchUpIsStrictlyGreater(t *testing.T) {
	base := setupBase(t)
	savePath := filepath.Join(base, archive.InprogressDirName, walfmt.SegName(1, 0, 9)+archive.SaveSuffix)
	if err := os.WriteFile(savePath, make([]byte, 100), 0o600); err != nil {
		t.Fatal(err)
	}
	g := NewGuardian(savePath, 100)

	if err := g.ConsiderOffset(100); err != nil {
		t.Fatalf("ConsiderOffset: %v", err)
	}
	if !g.Active() {
		t.Fatalf("guardian should remain active at offset == save size (strictly-greater rule)")
	}

	if err := g.ConsiderOffset(101); err != nil {
		t.Fatalf("ConsiderOffset: %v", err)
	}
	if g.Active() {
		t.Fatalf("guardian should retire once offset strictly exceeds save size")
	}
}
