// Package archive inspects the archive directory and its inprogress/
// subdirectory at startup to decide where the receive loop should resume.
package archive

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/mhagander/pg-streamrecv/internal/walerr"
	"github.com/mhagander/pg-streamrecv/internal/walfmt"
)

// InprogressDirName is the fixed name of the archive directory's working subdirectory.
const InprogressDirName = "inprogress"

// SaveSuffix is appended to a segment name to mark it as a saved-aside
// partial left over from a previous, interrupted run.
const SaveSuffix = ".save"

// Resume describes where the receive loop should pick up.
type Resume struct {
	// Pos is always aligned to a segment boundary.
	Pos walfmt.Pos
	// HasLocalState is true when the decision came from the archive
	// directory itself rather than "no state" (caller must then query the
	// server's current position).
	HasLocalState bool
	// SavePath and SaveSize are set only when a partial segment was found
	// in inprogress/ and renamed aside; they seed the Partial-Segment Guardian.
	SavePath string
	SaveSize int64
}

// Scan decides where to resume from: a partial segment left in
// inprogress/, the newest completed segment in the archive root, or an
// empty archive with no local state at all.
func Scan(baseDir string) (Resume, error) {
	inprogressDir := filepath.Join(baseDir, InprogressDirName)

	entries, err := os.ReadDir(inprogressDir)
	if err != nil {
		return Resume{}, &walerr.IOError{Op: "read inprogress directory", Err: err}
	}

	regular := entries[:0:0]
	for _, e := range entries {
		if e.Name() == "." || e.Name() == ".." {
			continue
		}
		regular = append(regular, e)
	}

	switch len(regular) {
	case 0:
		return scanArchiveRoot(baseDir)
	case 1:
		return resumeFromPartial(inprogressDir, regular[0])
	default:
		return Resume{}, &walerr.CorruptInprogress{
			Dir:    inprogressDir,
			Reason: "more than one entry present",
		}
	}
}

func resumeFromPartial(inprogressDir string, e os.DirEntry) (Resume, error) {
	if !e.Type().IsRegular() {
		return Resume{}, &walerr.CorruptInprogress{
			Dir:    inprogressDir,
			Reason: "non-regular entry " + e.Name(),
		}
	}

	name := e.Name()
	if isSaveName(name) {
		return Resume{}, &walerr.StaleSaveFile{Path: filepath.Join(inprogressDir, name)}
	}

	timeline, log, seg, err := walfmt.ParseSegName(name)
	if err != nil {
		return Resume{}, &walerr.CorruptInprogress{
			Dir:    inprogressDir,
			Reason: "unparseable entry " + name,
		}
	}
	_ = timeline

	info, err := e.Info()
	if err != nil {
		return Resume{}, &walerr.IOError{Op: "stat " + name, Err: err}
	}

	savePath := filepath.Join(inprogressDir, name+SaveSuffix)
	if err := os.Rename(filepath.Join(inprogressDir, name), savePath); err != nil {
		return Resume{}, &walerr.IOError{Op: "rename partial segment to .save", Err: err}
	}

	return Resume{
		Pos:           walfmt.PosOf(log, seg),
		HasLocalState: true,
		SavePath:      savePath,
		SaveSize:      info.Size(),
	}, nil
}

func scanArchiveRoot(baseDir string) (Resume, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return Resume{}, &walerr.IOError{Op: "read archive directory", Err: err}
	}

	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if _, _, _, err := walfmt.ParseSegName(e.Name()); err != nil {
			continue
		}
		names = append(names, e.Name())
	}

	if len(names) == 0 {
		return Resume{HasLocalState: false}, nil
	}

	// Fixed-width uppercase hex names sort lexicographically in WAL order
	// (invariant 5): do not parse-then-sort-numerically.
	sort.Strings(names)
	newest := names[len(names)-1]

	_, log, seg, err := walfmt.ParseSegName(newest)
	if err != nil {
		// Unreachable: newest was already validated above.
		return Resume{}, &walerr.CorruptInprogress{Dir: baseDir, Reason: "newest segment failed to reparse"}
	}
	nextLog, nextSeg := walfmt.NextSegment(log, seg)
	return Resume{
		Pos:           walfmt.PosOf(nextLog, nextSeg),
		HasLocalState: true,
	}, nil
}

func isSaveName(name string) bool {
	const suffixLen = len(SaveSuffix)
	if len(name) <= suffixLen || name[len(name)-suffixLen:] != SaveSuffix {
		return false
	}
	base := name[:len(name)-suffixLen]
	_, _, _, err := walfmt.ParseSegName(base)
	return err == nil
}
