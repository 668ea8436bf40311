//go:build unix

package segment

import (
	"os"

	"golang.org/x/sys/unix"
)

// fsyncDir fsyncs the directory entry after a rename so that a completed
// segment's visibility survives a crash. Best-effort: a failure here does
// not affect correctness of already-renamed data, only that narrow crash
// window.
func fsyncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	defer f.Close()
	_ = unix.Fsync(int(f.Fd()))
}
