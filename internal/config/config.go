// Package config validates the streaming receiver's CLI surface: a
// connection string, an archive directory that must already exist, and a
// verbosity counter. There is no file-based configuration for this mode —
// the archive directory itself is the persisted state.
package config

import (
	"os"

	"github.com/mhagander/pg-streamrecv/internal/walerr"
)

// Config is the validated result of parsing the streaming receiver's flags.
type Config struct {
	ConnString string
	ArchiveDir string
	Verbose    int
}

// Validate checks that the connection string is non-empty and that the
// archive directory already exists. The flavor-specific dbname suffix is
// appended later by internal/pgstream, not here.
func (c Config) Validate() error {
	if c.ConnString == "" {
		return &walerr.ConfigError{What: "connection string is required"}
	}
	if c.ArchiveDir == "" {
		return &walerr.ConfigError{What: "archive directory is required"}
	}
	info, err := os.Stat(c.ArchiveDir)
	if err != nil {
		return &walerr.ConfigError{What: "archive directory does not exist: " + c.ArchiveDir}
	}
	if !info.IsDir() {
		return &walerr.ConfigError{What: "archive directory is not a directory: " + c.ArchiveDir}
	}
	return nil
}
