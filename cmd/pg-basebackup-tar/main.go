// Command pg-basebackup-tar is the independent, one-shot base-backup
// companion mode: it streams a BASE_BACKUP tar result to a local
// directory. It shares no state with pg-streamrecv beyond the connection
// facade.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mhagander/pg-streamrecv/internal/basebackup"
)

func main() {
	os.Exit(run0())
}

func run0() int {
	var connString, outputDir string
	flag.StringVar(&connString, "connection-string", "", "server connection string (must not specify a database)")
	flag.StringVar(&outputDir, "output-directory", "", "directory to write the tar stream(s) into")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if connString == "" || outputDir == "" {
		logger.Error("connection-string and output-directory are required")
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := basebackup.Run(ctx, connString, outputDir); err != nil {
		logger.Error("base backup failed", "error", err)
		return 1
	}
	return 0
}
