// Package segment owns the currently-open WAL segment file: it enforces
// write-position invariants, performs the fsync-then-rename durability
// fence on completion, and tracks the saved-aside partial segment left by
// a prior crashed run until the new stream has re-covered its bytes.
package segment

import (
	"os"
	"path/filepath"

	"github.com/mhagander/pg-streamrecv/internal/archive"
	"github.com/mhagander/pg-streamrecv/internal/walerr"
	"github.com/mhagander/pg-streamrecv/internal/walfmt"
)

// segmentFileMode is deliberately 0600: pg_streamrecv's C source used 0666
// in one place and 0066 (group+other execute only) in another — the
// latter almost certainly a typo. Neither matches the intended "owner
// read/write only" policy.
const segmentFileMode = 0o600

// Writer owns the currently-open segment file under baseDir/inprogress/.
type Writer struct {
	baseDir string
	file    *os.File
	name    string
	off     int64
}

// NewWriter creates a Writer rooted at baseDir (the archive directory; its
// inprogress/ child must already exist).
func NewWriter(baseDir string) *Writer {
	return &Writer{baseDir: baseDir}
}

// IsOpen reports whether a segment is currently open for writing.
func (w *Writer) IsOpen() bool { return w.file != nil }

// Offset returns the current write offset within the open segment.
func (w *Writer) Offset() int64 { return w.off }

// Name returns the 24-hex name of the currently open segment.
func (w *Writer) Name() string { return w.name }

func (w *Writer) inprogressPath(name string) string {
	return filepath.Join(w.baseDir, archive.InprogressDirName, name)
}

// Open creates a new segment file for (timeline, log, seg) by exclusive
// create. A collision here indicates corruption: the archive scanner should
// already have guaranteed inprogress/ is clear of this name.
func (w *Writer) Open(timeline, log, seg uint32) error {
	name := walfmt.SegName(timeline, log, seg)
	path := w.inprogressPath(name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, segmentFileMode)
	if err != nil {
		if os.IsExist(err) {
			return &walerr.CorruptInprogress{Dir: filepath.Join(w.baseDir, archive.InprogressDirName), Reason: "segment " + name + " already exists (NameCollision)"}
		}
		return &walerr.IOError{Op: "create segment " + name, Err: err}
	}

	w.file = f
	w.name = name
	w.off = 0
	return nil
}

// Append writes bytes to the open segment. A short write is treated as
// fatal: there is no partial-write recovery inside the receive loop, only
// the startup archive scan's .save recovery.
func (w *Writer) Append(b []byte) error {
	n, err := w.file.Write(b)
	if err != nil {
		return &walerr.IOError{Op: "append to segment " + w.name, Err: err}
	}
	if n != len(b) {
		return &walerr.IOError{Op: "append to segment " + w.name, Err: errShortWrite(n, len(b))}
	}
	w.off += int64(n)
	return nil
}

// AssertAt fails with FrameMisaligned if the writer's offset does not match
// the protocol's claimed in-segment offset for a non-rollover frame.
func (w *Writer) AssertAt(expected int64) error {
	if w.off != expected {
		return &walerr.FrameMisaligned{Segment: w.name, Expected: w.off, Got: expected}
	}
	return nil
}

// Finalize requires the segment to be exactly full, fsyncs it, closes it,
// and atomically renames it into the archive directory. It also fsyncs the
// archive directory afterward (best-effort), narrowing the window where a
// completed rename is not yet durable and could be lost in a crash.
func (w *Writer) Finalize() error {
	if w.off != walfmt.SegmentSize {
		return &walerr.ShortSegment{Segment: w.name, Size: w.off}
	}

	if err := w.file.Sync(); err != nil {
		return &walerr.IOError{Op: "fsync segment " + w.name, Err: err}
	}
	if err := w.file.Close(); err != nil {
		return &walerr.IOError{Op: "close segment " + w.name, Err: err}
	}

	from := w.inprogressPath(w.name)
	to := filepath.Join(w.baseDir, w.name)
	if err := os.Rename(from, to); err != nil {
		return &walerr.IOError{Op: "rename segment " + w.name + " into archive", Err: err}
	}
	fsyncDir(w.baseDir)

	w.file = nil
	w.off = 0
	return nil
}

// CloseWithoutRename closes the currently-open segment file without
// finalizing it, leaving a correct partial for the next startup's archive
// scan to recover. It is used on a clean interrupt/shutdown mid-segment.
func (w *Writer) CloseWithoutRename() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return &walerr.IOError{Op: "close segment " + w.name + " on shutdown", Err: err}
	}
	return nil
}

type shortWriteError struct {
	wrote, want int
}

func (e *shortWriteError) Error() string {
	return "short write"
}

func errShortWrite(wrote, want int) error { return &shortWriteError{wrote, want} }
