// Package cleanup removes a run's local artifacts once its archive is stored remotely.
package cleanup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/mongo-backup/internal/domain"
)

// Cleaner deletes run-owned files and the emptied working directory
type Cleaner struct {
	logger *slog.Logger
}

// New creates a Cleaner that logs every removal
func New(logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{logger: logger}
}

// Clean removes every file of run in its working directory, the archive
// included, then the directory itself when nothing else is left in it.
// Failures are logged one by one and returned joined; Clean keeps going
// after a failure.
func (c *Cleaner) Clean(run *domain.BackupRun) error {
	entries, err := os.ReadDir(run.WorkingDir)
	if err != nil {
		c.logger.Error("cannot read working directory", "dir", run.WorkingDir, "error", err)
		return fmt.Errorf("%w: read %s: %w", domain.ErrIO, run.WorkingDir, err)
	}

	var errs []error
	remaining := 0
	for _, e := range entries {
		if !run.Owns(e.Name()) {
			remaining++
			continue
		}
		path := filepath.Join(run.WorkingDir, e.Name())
		if err := os.Remove(path); err != nil {
			c.logger.Error("cannot remove local file", "path", path, "error", err)
			errs = append(errs, err)
			remaining++
			continue
		}
		c.logger.Info("removed local file", "path", path)
	}

	if remaining > 0 {
		c.logger.Warn("working directory kept, not empty", "dir", run.WorkingDir, "entries", remaining)
	} else if err := os.Remove(run.WorkingDir); err != nil {
		c.logger.Error("cannot remove working directory", "dir", run.WorkingDir, "error", err)
		errs = append(errs, err)
	} else {
		c.logger.Info("removed working directory", "dir", run.WorkingDir)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: cleanup: %w", domain.ErrIO, errors.Join(errs...))
	}
	return nil
}
