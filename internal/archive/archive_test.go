package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mhagander/pg-streamrecv/internal/walerr"
	"github.com/mhagander/pg-streamrecv/internal/walfmt"
)

func mustMkInprogress(t *testing.T, base string) string {
	t.Helper()
	dir := filepath.Join(base, InprogressDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestScanEmptyArchiveHasNoLocalState(t *testing.T) {
	base := t.TempDir()
	mustMkInprogress(t, base)

	r, err := Scan(base)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if r.HasLocalState {
		t.Fatalf("expected no local state, got %+v", r)
	}
}

func TestScanResumesAfterCompletedSegment(t *testing.T) {
	base := t.TempDir()
	mustMkInprogress(t, base)

	name := walfmt.SegName(1, 0, 5)
	if err := os.WriteFile(filepath.Join(base, name), make([]byte, walfmt.SegmentSize), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := Scan(base)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !r.HasLocalState {
		t.Fatalf("expected local state")
	}
	want := walfmt.PosOf(0, 6)
	if r.Pos != want {
		t.Errorf("resume pos = %X, want %X", r.Pos, want)
	}
}

func TestScanPicksLexicographicallyLargestSegment(t *testing.T) {
	base := t.TempDir()
	mustMkInprogress(t, base)

	for _, seg := range []uint32{3, 9, 5} {
		name := walfmt.SegName(1, 0, seg)
		if err := os.WriteFile(filepath.Join(base, name), make([]byte, walfmt.SegmentSize), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	r, err := Scan(base)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	want := walfmt.PosOf(0, 10)
	if r.Pos != want {
		t.Errorf("resume pos = %X, want %X (resume after seg 9)", r.Pos, want)
	}
}

func TestScanRecoversPartialSegmentAsSaveFile(t *testing.T) {
	base := t.TempDir()
	inprogress := mustMkInprogress(t, base)

	name := walfmt.SegName(1, 0, 9)
	half := int64(walfmt.SegmentSize / 2)
	if err := os.WriteFile(filepath.Join(inprogress, name), make([]byte, half), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := Scan(base)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !r.HasLocalState {
		t.Fatalf("expected local state")
	}
	if r.Pos != walfmt.PosOf(0, 9) {
		t.Errorf("resume pos = %X, want start of segment 9", r.Pos)
	}
	if r.SaveSize != half {
		t.Errorf("save size = %d, want %d", r.SaveSize, half)
	}
	if _, err := os.Stat(r.SavePath); err != nil {
		t.Errorf("expected save file at %s: %v", r.SavePath, err)
	}
	if _, err := os.Stat(filepath.Join(inprogress, name)); err == nil {
		t.Errorf("original partial name should no longer exist")
	}
}

func TestScanRejectsPreexistingSaveFile(t *testing.T) {
	base := t.TempDir()
	inprogress := mustMkInprogress(t, base)

	name := walfmt.SegName(1, 0, 9) + SaveSuffix
	if err := os.WriteFile(filepath.Join(inprogress, name), make([]byte, 100), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Scan(base)
	if err == nil {
		t.Fatal("expected StaleSaveFile error")
	}
	var stale *walerr.StaleSaveFile
	if !matchesStale(err, &stale) {
		t.Errorf("expected *walerr.StaleSaveFile, got %T: %v", err, err)
	}
}

func TestScanRejectsMultipleInprogressEntries(t *testing.T) {
	base := t.TempDir()
	inprogress := mustMkInprogress(t, base)

	if err := os.WriteFile(filepath.Join(inprogress, walfmt.SegName(1, 0, 1)), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(inprogress, walfmt.SegName(1, 0, 2)), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Scan(base)
	if err == nil {
		t.Fatal("expected CorruptInprogress error")
	}
}

func matchesStale(err error, target **walerr.StaleSaveFile) bool {
	e, ok := err.(*walerr.StaleSaveFile)
	if ok {
		*target = e
	}
	return ok
}
