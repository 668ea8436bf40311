// Package receiver drives the replication session: it issues the start
// request at the resume position, reads framed data messages, routes
// payload bytes to the segment writer, and handles rollover and clean
// termination. It is the only mutator of segment state, guardian state,
// and the open file descriptor. All of that state lives on one Receiver
// value rather than package-level globals.
package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pglogrepl"

	"github.com/mhagander/pg-streamrecv/internal/archive"
	"github.com/mhagander/pg-streamrecv/internal/pgstream"
	"github.com/mhagander/pg-streamrecv/internal/segment"
	"github.com/mhagander/pg-streamrecv/internal/walerr"
	"github.com/mhagander/pg-streamrecv/internal/walfmt"
)

// Conn is the subset of *pgstream.Conn the receive loop needs. It is an
// interface so tests can drive the loop with a fake server instead of a
// live Postgres connection.
type Conn interface {
	Close(ctx context.Context) error
	Query(ctx context.Context, sql string) ([]pgstream.Row, error)
	Identify(ctx context.Context) (timeline int32, err error)
	StartReplication(ctx context.Context, startPos walfmt.Pos, timeline int32) error
	ReadFrame(ctx context.Context) (pgstream.Frame, error)
}

// ConnectFunc opens a Conn of the given flavor. The default wraps
// pgstream.Connect; tests substitute a fake.
type ConnectFunc func(ctx context.Context, connString string, mode pgstream.Mode) (Conn, error)

// DefaultConnect wraps pgstream.Connect to satisfy ConnectFunc.
func DefaultConnect(ctx context.Context, connString string, mode pgstream.Mode) (Conn, error) {
	return pgstream.Connect(ctx, connString, mode)
}

// Receiver holds all per-session mutable state: the connection string, the
// archive directory, the currently-open segment writer, the partial-segment
// guardian, the session timeline, and a logger. There is no package-level
// mutable state anywhere in this repository.
type Receiver struct {
	ConnString string
	BaseDir    string
	Logger     *slog.Logger
	Connect    ConnectFunc

	timeline int32
	writer   *segment.Writer
	guardian *segment.Guardian
}

// New builds a Receiver ready to Run.
func New(connString, baseDir string, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		ConnString: connString,
		BaseDir:    baseDir,
		Logger:     logger,
		Connect:    DefaultConnect,
		writer:     segment.NewWriter(baseDir),
		guardian:   segment.NewGuardian("", 0),
	}
}

// Run executes the full pre-session and main loop. It returns a typed error
// from the taxonomy in internal/walerr; the caller decides whether/how to
// exit. ctx cancellation is translated into a clean mid-segment close: the
// current file is closed without renaming so the next startup's archive
// scan recovers it as a .save file.
func (r *Receiver) Run(ctx context.Context) error {
	if err := r.ensureInprogressDir(); err != nil {
		return err
	}

	resume, err := archive.Scan(r.BaseDir)
	if err != nil {
		return err
	}
	if resume.SavePath != "" {
		r.guardian = segment.NewGuardian(resume.SavePath, resume.SaveSize)
	}

	startPos := resume.Pos
	if !resume.HasLocalState {
		startPos, err = r.queryServerPosition(ctx)
		if err != nil {
			return err
		}
	}

	conn, err := r.Connect(ctx, r.ConnString, pgstream.Replication)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	timeline, err := conn.Identify(ctx)
	if err != nil {
		return err
	}
	r.timeline = timeline
	r.Logger.Info("identified", "timeline", timeline)

	if err := conn.StartReplication(ctx, startPos, timeline); err != nil {
		return err
	}
	r.Logger.Info("replication started", "pos", fmt.Sprintf("%X/%X", uint64(startPos)>>32, uint64(startPos)&0xFFFFFFFF))

	return r.loop(ctx, conn)
}

func (r *Receiver) ensureInprogressDir() error {
	dir := filepath.Join(r.BaseDir, archive.InprogressDirName)
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &walerr.IOError{Op: "create inprogress directory", Err: err}
		}
		return nil
	case err != nil:
		return &walerr.IOError{Op: "stat inprogress directory", Err: err}
	case !info.IsDir():
		return &walerr.ConfigError{What: "inprogress is not a directory: " + dir}
	default:
		return nil
	}
}

func (r *Receiver) queryServerPosition(ctx context.Context) (walfmt.Pos, error) {
	conn, err := r.Connect(ctx, r.ConnString, pgstream.Plain)
	if err != nil {
		return 0, err
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, "SELECT pg_current_xlog_location()")
	if err != nil {
		return 0, err
	}
	if len(rows) != 1 || len(rows[0]) != 1 {
		return 0, &walerr.ConnectionError{Detail: "pg_current_xlog_location() did not return exactly one value"}
	}
	pos, err := pglogrepl.ParseLSN(rows[0][0])
	if err != nil {
		return 0, &walerr.ConnectionError{Detail: "parse current log position", Err: err}
	}
	return walfmt.RoundDownToSegment(pos), nil
}

func (r *Receiver) loop(ctx context.Context, conn Conn) error {
	for {
		if ctx.Err() != nil {
			return r.writer.CloseWithoutRename()
		}

		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return r.writer.CloseWithoutRename()
			}
			return err
		}
		if frame.Kind == pgstream.FrameEnd {
			r.Logger.Info("replication stream ended cleanly")
			if r.writer.IsOpen() && r.writer.Offset() == walfmt.SegmentSize {
				finished := r.writer.Name()
				if err := r.writer.Finalize(); err != nil {
					return err
				}
				r.Logger.Info("segment finalized", "segment", finished)
				if err := r.guardian.ConsiderRollover(); err != nil {
					return &walerr.IOError{Op: "retire save file on rollover", Err: err}
				}
				return nil
			}
			return r.writer.CloseWithoutRename()
		}

		if err := r.handleDataFrame(frame); err != nil {
			return err
		}
	}
}

func (r *Receiver) handleDataFrame(frame pgstream.Frame) error {
	xlogoff := int64(uint64(frame.StartPos) % uint64(walfmt.SegmentSize))
	log, seg := walfmt.Split(frame.StartPos)

	switch {
	case !r.writer.IsOpen():
		if xlogoff != 0 {
			return &walerr.ProtocolViolation{Reason: "first frame needs to start at xlog boundary"}
		}
		if err := r.writer.Open(uint32(r.timeline), log, seg); err != nil {
			return err
		}
		r.Logger.Info("segment opened", "segment", r.writer.Name())

	case xlogoff == 0:
		// The writer is open and the new frame starts a fresh segment:
		// the previous one is assumed complete.
		finished := r.writer.Name()
		if err := r.writer.Finalize(); err != nil {
			return err
		}
		r.Logger.Info("segment finalized", "segment", finished)
		if err := r.guardian.ConsiderRollover(); err != nil {
			return &walerr.IOError{Op: "retire save file on rollover", Err: err}
		}
		if err := r.writer.Open(uint32(r.timeline), log, seg); err != nil {
			return err
		}
		r.Logger.Info("segment opened", "segment", r.writer.Name())

	default:
		if err := r.writer.AssertAt(xlogoff); err != nil {
			return err
		}
	}

	if err := r.writer.Append(frame.Payload); err != nil {
		return err
	}
	r.Logger.Debug("frame written", "segment", r.writer.Name(), "offset", xlogoff, "bytes", len(frame.Payload))
	if err := r.guardian.ConsiderOffset(r.writer.Offset()); err != nil {
		return &walerr.IOError{Op: "retire save file on catch-up", Err: err}
	}
	return nil
}
