// Package walfmt converts between WAL positions and the fixed-width segment
// names used in the archive directory. All arithmetic here is pure; nothing
// in this package touches a filesystem or a network connection.
package walfmt

import (
	"fmt"
	"strings"

	"github.com/jackc/pglogrepl"
)

// SegmentSize is the fixed size of one WAL segment file, in bytes.
const SegmentSize int64 = 16 * 1024 * 1024

// Pos is a WAL position: a 64-bit byte offset into the logical log,
// rendered on the wire and in command strings as two uppercase hex halves.
type Pos = pglogrepl.LSN

const segNameLen = 24

// SegName renders the (timeline, log, seg) triple as the 24 uppercase hex
// character file name used for both completed and in-progress segments.
func SegName(timeline, log, seg uint32) string {
	return fmt.Sprintf("%08X%08X%08X", timeline, log, seg)
}

// ParseSegName is the inverse of SegName. It rejects anything that is not
// exactly 24 uppercase hex characters.
func ParseSegName(name string) (timeline, log, seg uint32, err error) {
	if len(name) != segNameLen {
		return 0, 0, 0, fmt.Errorf("walfmt: segment name %q is not %d characters", name, segNameLen)
	}
	if strings.ToUpper(name) != name {
		return 0, 0, 0, fmt.Errorf("walfmt: segment name %q is not uppercase hex", name)
	}
	var t, l, n uint32
	if _, err := fmt.Sscanf(name, "%08X%08X%08X", &t, &l, &n); err != nil {
		return 0, 0, 0, fmt.Errorf("walfmt: segment name %q is not valid hex: %w", name, err)
	}
	// Sscanf with %X is permissive about case on input; re-derive and compare
	// to reject lower-case or short-field input that happened to parse.
	if SegName(t, l, n) != name {
		return 0, 0, 0, fmt.Errorf("walfmt: segment name %q does not round-trip", name)
	}
	return t, l, n, nil
}

// PosOf returns the WAL position at the start of segment (log, seg).
func PosOf(log, seg uint32) Pos {
	return Pos(uint64(log)<<32 | uint64(seg)*uint64(SegmentSize))
}

// RoundDownToSegment rounds p down to the start of the segment containing it.
func RoundDownToSegment(p Pos) Pos {
	return Pos(uint64(p) - uint64(p)%uint64(SegmentSize))
}

// SegOf returns the segment ordinal within its log file for a given log-half
// byte offset (the low 32 bits of a WAL position).
func SegOf(posLow uint32) uint32 {
	return posLow / uint32(SegmentSize)
}

// Split decomposes a WAL position into its log half and segment ordinal.
func Split(p Pos) (log, seg uint32) {
	log = uint32(uint64(p) >> 32)
	seg = SegOf(uint32(uint64(p)))
	return log, seg
}

// NextSegment returns the segment following (log, seg), carrying into log
// when (seg+1)*SegmentSize would cross the 32-bit low-half boundary.
func NextSegment(log, seg uint32) (nextLog, nextSeg uint32) {
	segsPerLog := uint32(0x100000000 / uint64(SegmentSize))
	seg++
	if seg >= segsPerLog {
		seg = 0
		log++
	}
	return log, seg
}
