// Command pg-streamrecv is the standby-side WAL streaming receiver. It
// maintains a local archive directory shaped like a primary's WAL archive:
// a sequence of fixed-size completed segment files, kept up to date as soon
// as bytes arrive from the primary rather than on a timer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mhagander/pg-streamrecv/internal/config"
	"github.com/mhagander/pg-streamrecv/internal/receiver"
)

func main() {
	os.Exit(run0())
}

func run0() int {
	var cfg config.Config
	var verbose countFlag
	flag.StringVar(&cfg.ConnString, "connection-string", "", "server connection string (must not specify a database)")
	flag.StringVar(&cfg.ArchiveDir, "archive-directory", "", "archive directory; must already exist")
	flag.Var(&verbose, "v", "increase verbosity (repeatable: -v for lifecycle events, -v -v for per-frame)")
	flag.Parse()
	cfg.Verbose = int(verbose)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: levelFor(cfg.Verbose),
	}))

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r := receiver.New(cfg.ConnString, cfg.ArchiveDir, logger)
	if err := r.Run(ctx); err != nil {
		logger.Error("receiver exited", "error", err)
		return 1
	}
	return 0
}

func levelFor(verbose int) slog.Level {
	switch {
	case verbose >= 2:
		return slog.LevelDebug
	case verbose == 1:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

// countFlag implements flag.Value for a repeatable -v counter, matching
// pg-streamrecv's preference for explicit flag.Var registration over a
// CLI framework.
type countFlag int

func (c *countFlag) String() string { return fmt.Sprintf("%d", int(*c)) }
func (c *countFlag) Set(string) error {
	*c++
	return nil
}
func (c *countFlag) IsBoolFlag() bool { return true }
