// Package pgstream is the Connection Facade: a thin wrapper over
// github.com/jackc/pgx/v5/pgconn and github.com/jackc/pglogrepl providing
// the two connection flavors the receive loop needs, plus the raw
// copy-stream access the base-backup mode uses.
package pgstream

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/mhagander/pg-streamrecv/internal/walerr"
)

// Mode selects which of the two connection flavors to establish.
type Mode int

const (
	// Plain connections append dbname=postgres; used once to ask for the
	// server's current log position when the local archive is empty.
	Plain Mode = iota
	// Replication connections append dbname=replication replication=true;
	// used for identify, start-replication, and the receive loop.
	Replication
)

// Conn wraps a single pgconn.PgConn for one of the two flavors above.
type Conn struct {
	pg *pgconn.PgConn
}

// Connect opens a connection of the given flavor using the caller-supplied
// connection string, which per the CLI surface MUST NOT specify a database.
func Connect(ctx context.Context, connString string, mode Mode) (*Conn, error) {
	var suffix string
	switch mode {
	case Plain:
		suffix = " dbname=postgres"
	case Replication:
		suffix = " dbname=replication replication=true"
	default:
		return nil, &walerr.ConfigError{What: "unknown connection mode"}
	}

	pg, err := pgconn.Connect(ctx, connString+suffix)
	if err != nil {
		return nil, &walerr.ConnectionError{Detail: "connect", Err: err}
	}
	return &Conn{pg: pg}, nil
}

// Close terminates the connection.
func (c *Conn) Close(ctx context.Context) error {
	return c.pg.Close(ctx)
}

// Row is one result row from Query, as raw text values.
type Row []string

// Query runs a simple query and returns its rows as text. It is used
// exactly once, by the receive loop, to ask for the server's current
// log position when the local archive is empty.
func (c *Conn) Query(ctx context.Context, sql string) ([]Row, error) {
	result := c.pg.Exec(ctx, sql)
	datas, err := result.ReadAll()
	if err != nil {
		return nil, &walerr.ConnectionError{Detail: "query " + sql, Err: err}
	}
	var rows []Row
	for _, rs := range datas {
		for _, rawRow := range rs.Rows {
			row := make(Row, len(rawRow))
			for i, v := range rawRow {
				row[i] = string(v)
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// Identify issues IDENTIFY_SYSTEM and returns the session's timeline. The
// timeline is obtained once per session and held constant for its duration.
func (c *Conn) Identify(ctx context.Context) (timeline int32, err error) {
	res, err := pglogrepl.IdentifySystem(ctx, c.pg)
	if err != nil {
		return 0, &walerr.ConnectionError{Detail: "IDENTIFY_SYSTEM", Err: err}
	}
	return res.Timeline, nil
}

// StartReplication issues START_REPLICATION at the given position and
// enters copy-out (or copy-both) mode. Either PGRES_COPY_OUT- or
// PGRES_COPY_BOTH-equivalent results are accepted, since servers across
// supported versions differ on which one they return here.
func (c *Conn) StartReplication(ctx context.Context, startPos pglogrepl.LSN, timeline int32) error {
	err := pglogrepl.StartReplication(ctx, c.pg, "", startPos, pglogrepl.StartReplicationOptions{
		Timeline: timeline,
		Mode:     pglogrepl.PhysicalReplication,
	})
	if err != nil {
		return &walerr.ConnectionError{Detail: "START_REPLICATION", Err: err}
	}
	return nil
}

// StartCommand issues an arbitrary replication-protocol command that enters
// copy-out mode (e.g. BASE_BACKUP), for callers outside the core receive
// loop that do not go through pglogrepl's typed helpers.
func (c *Conn) StartCommand(ctx context.Context, sql string) error {
	if _, err := c.pg.Exec(ctx, sql).ReadAll(); err != nil {
		return &walerr.ConnectionError{Detail: sql, Err: err}
	}
	return nil
}

// FrameKind classifies the result of ReadFrame.
type FrameKind int

const (
	// FrameData carries WAL payload bytes (tag 'w').
	FrameData FrameKind = iota
	// FrameEnd means the copy stream ended normally and the command result
	// that followed it was a success (ReadRaw checks it).
	FrameEnd
)

// Frame is one decoded message from the copy-out stream.
type Frame struct {
	Kind     FrameKind
	StartPos pglogrepl.LSN // valid when Kind == FrameData
	Payload  []byte        // valid when Kind == FrameData
}

// ReadFrame reads and classifies the next message from the replication
// copy stream. Only the 'w' (wal data) tag is accepted as frame data;
// anything else that isn't a clean end-of-copy is a fatal ProtocolViolation.
func (c *Conn) ReadFrame(ctx context.Context) (Frame, error) {
	data, end, err := c.ReadRaw(ctx)
	if err != nil {
		return Frame{}, err
	}
	if end {
		return Frame{Kind: FrameEnd}, nil
	}
	return decodeCopyData(data)
}

// ReadRaw reads the next message from a copy-out/copy-both stream without
// interpreting its payload, for callers (e.g. basebackup) that copy opaque
// bytes rather than decoding the WAL-data header. end is true once the copy
// stream has terminated cleanly; a non-nil error is always fatal.
func (c *Conn) ReadRaw(ctx context.Context) (data []byte, end bool, err error) {
	msg, err := c.pg.ReceiveMessage(ctx)
	if err != nil {
		return nil, false, &walerr.ProtocolViolation{Reason: fmt.Sprintf("read error: %v", err)}
	}

	switch m := msg.(type) {
	case *pgproto3.CopyData:
		return m.Data, false, nil
	case *pgproto3.CopyDone:
		// The copy stream ended; the command result that follows decides
		// whether this was a clean shutdown or a fatal replication error.
		return nil, true, c.awaitCleanCommandResult(ctx)
	case *pgproto3.ErrorResponse:
		return nil, false, &walerr.ReplicationError{Detail: m.Message}
	default:
		return nil, false, &walerr.ProtocolViolation{Reason: fmt.Sprintf("unexpected message type %T", msg)}
	}
}

// awaitCleanCommandResult reads past the CommandComplete (or error) that
// follows CopyDone, failing unless the terminal result is a success.
func (c *Conn) awaitCleanCommandResult(ctx context.Context) error {
	for {
		msg, err := c.pg.ReceiveMessage(ctx)
		if err != nil {
			return &walerr.ProtocolViolation{Reason: fmt.Sprintf("read error awaiting command result: %v", err)}
		}
		switch m := msg.(type) {
		case *pgproto3.CommandComplete:
			continue
		case *pgproto3.ReadyForQuery:
			return nil
		case *pgproto3.ErrorResponse:
			return &walerr.ReplicationError{Detail: m.Message}
		default:
			return &walerr.ReplicationError{Detail: fmt.Sprintf("unexpected terminal message %T", msg)}
		}
	}
}

func decodeCopyData(data []byte) (Frame, error) {
	if len(data) < 1 {
		return Frame{}, &walerr.ProtocolViolation{Reason: "empty copy-data message"}
	}
	tag := data[0]
	switch tag {
	case 'w':
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return Frame{}, &walerr.ProtocolViolation{Reason: "malformed wal-data header: " + err.Error()}
		}
		if len(xld.WALData) == 0 {
			return Frame{}, &walerr.ProtocolViolation{Reason: "wal-data frame has non-positive body length"}
		}
		return Frame{Kind: FrameData, StartPos: xld.WALStart, Payload: xld.WALData}, nil
	default:
		// Includes 'k' (primary keepalive): this core issues no
		// acknowledgment/flow-control feedback (Non-goals), so a keepalive
		// is simply an unrecognized tag like any other and is fatal.
		return Frame{}, &walerr.ProtocolViolation{Reason: fmt.Sprintf("unknown frame tag %q", tag)}
	}
}
