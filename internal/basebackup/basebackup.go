// Package basebackup is the out-of-scope companion mode: a one-shot tar
// streamer that copies a BASE_BACKUP result to local files. It shares no
// state with the core streaming receiver beyond the connection facade.
package basebackup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/mhagander/pg-streamrecv/internal/pgstream"
	"github.com/mhagander/pg-streamrecv/internal/walerr"
)

// Run issues BASE_BACKUP over a fresh replication-mode connection and
// copies the first resulting tar stream to outputDir/base.tar. Tar streams
// for additional tablespaces are not copied. The errgroup below runs that
// single copy in one goroutine.
func Run(ctx context.Context, connString, outputDir string) error {
	conn, err := pgstream.Connect(ctx, connString, pgstream.Replication)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	if _, err := conn.Identify(ctx); err != nil {
		return err
	}
	if err := conn.StartCommand(ctx, "BASE_BACKUP LABEL 'pg-streamrecv' NOWAIT TABLESPACE_MAP"); err != nil {
		return err
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return &walerr.IOError{Op: "create output directory", Err: err}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return copyTarStream(gctx, conn, filepath.Join(outputDir, "base.tar"))
	})
	return g.Wait()
}

func copyTarStream(ctx context.Context, conn *pgstream.Conn, destPath string) error {
	f, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return &walerr.IOError{Op: "create " + destPath, Err: err}
	}
	defer f.Close()

	for {
		data, end, err := conn.ReadRaw(ctx)
		if err != nil {
			return err
		}
		if end {
			return nil
		}
		if _, err := f.Write(data); err != nil {
			return &walerr.IOError{Op: fmt.Sprintf("write %s", destPath), Err: err}
		}
	}
}
