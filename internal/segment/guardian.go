package segment

import "os"

// Guardian tracks the saved-aside partial file left by a prior run and
// retires it only once the new stream has actually re-covered its bytes —
// rationale: if the primary failed catastrophically between runs, the
// .save file may be the only surviving copy of the latest transactions.
type Guardian struct {
	path string
	size int64
}

// NewGuardian seeds a Guardian from an archive.Resume's save fields. A zero
// value (no path) is a no-op Guardian: every method becomes a no-op.
func NewGuardian(path string, size int64) *Guardian {
	return &Guardian{path: path, size: size}
}

// Active reports whether a .save file is still being tracked.
func (g *Guardian) Active() bool { return g != nil && g.path != "" }

// ConsiderRollover retires the .save file at a segment rollover — the
// rollover rule. It does not compare the finalized segment's name with the
// .save file's: any rollover while a .save file is tracked retires it.
// Call this immediately after Writer.Finalize succeeds.
func (g *Guardian) ConsiderRollover() error {
	if !g.Active() {
		return nil
	}
	return g.retire()
}

// ConsiderOffset retires the .save file once the currently-growing
// segment's write offset strictly exceeds the saved size — the in-segment
// catch-up rule. Strictly-greater, not greater-or-equal: reaching exactly
// the saved size means the new stream has reproduced the saved bytes but
// not yet gone beyond them. Call this after every successful Append.
func (g *Guardian) ConsiderOffset(currentOffset int64) error {
	if !g.Active() {
		return nil
	}
	if currentOffset > g.size {
		return g.retire()
	}
	return nil
}

func (g *Guardian) retire() error {
	path := g.path
	g.path = ""
	g.size = 0
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
