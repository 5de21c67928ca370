// Package backup sequences one backup run: export every collection, archive
// the snapshots, upload the archive and remove the local files.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/mongo-backup/internal/domain"
	"github.com/hochfrequenz/mongo-backup/internal/notify"
)

// Exporter enumerates collections and writes their snapshots
type Exporter interface {
	Collections(ctx context.Context) ([]string, error)
	Export(ctx context.Context, run *domain.BackupRun, collection string) (domain.CollectionSnapshot, error)
}

// Archiver bundles the files of a directory carrying prefix into dst
type Archiver interface {
	Build(ctx context.Context, sourceDir, dst, prefix string) (*domain.ArchiveArtifact, error)
}

// Uploader stores a local file under key
type Uploader interface {
	Upload(ctx context.Context, path, key string) (*domain.RemoteObject, error)
}

// Cleaner removes a run's local artifacts
type Cleaner interface {
	Clean(run *domain.BackupRun) error
}

// Recorder persists run state after every transition
type Recorder interface {
	SaveRun(run *domain.BackupRun) error
}

// Config holds pipeline settings
type Config struct {
	RootDir            string
	KeyPrefix          string
	MaxParallelExports int
}

// Components are the collaborators of a Pipeline. Recorder, Notifier,
// Logger and Now are optional.
type Components struct {
	Exporter Exporter
	Archiver Archiver
	Uploader Uploader
	Cleaner  Cleaner
	Recorder Recorder
	Notifier notify.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

// Pipeline runs backups. Run must not be called concurrently; the scheduler
// guarantees a single active run.
type Pipeline struct {
	cfg Config
	Components
}

// New creates a Pipeline
func New(cfg Config, c Components) *Pipeline {
	if cfg.MaxParallelExports <= 0 {
		cfg.MaxParallelExports = 4
	}
	if c.Notifier == nil {
		c.Notifier = notify.NoopNotifier{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Pipeline{cfg: cfg, Components: c}
}

type stage struct {
	status domain.RunStatus
	run    func(ctx context.Context, run *domain.BackupRun, log *slog.Logger) error
}

// Run executes one backup. The returned run is terminal; err is non-nil
// exactly when the run failed. Local artifacts of a failed run are kept.
func (p *Pipeline) Run(ctx context.Context) (*domain.BackupRun, error) {
	started := p.Now()
	run := domain.NewRun(p.cfg.RootDir, started)
	run.StartedAt = &started
	log := p.Logger.With("run_id", run.ID)

	p.record(run, log)
	log.Info("backup run started", "dir", run.WorkingDir)

	if err := os.MkdirAll(run.WorkingDir, 0o755); err != nil {
		return p.fail(ctx, run, log, &domain.StageError{
			Stage: domain.RunPending,
			Err:   fmt.Errorf("%w: create working directory: %w", domain.ErrIO, err),
		})
	}
	if err := claim(run); err != nil {
		return p.fail(ctx, run, log, &domain.StageError{Stage: domain.RunPending, Err: err})
	}

	stages := []stage{
		{domain.RunExporting, p.export},
		{domain.RunArchiving, p.archive},
		{domain.RunUploading, p.upload},
	}
	for _, st := range stages {
		if err := p.advance(run, log, st.status); err != nil {
			return p.fail(ctx, run, log, err)
		}
		if err := ctx.Err(); err != nil {
			return p.fail(ctx, run, log, &domain.StageError{Stage: st.status, Err: err})
		}
		if err := st.run(ctx, run, log); err != nil {
			return p.fail(ctx, run, log, err)
		}
	}

	// The archive is stored remotely from here on; nothing below can fail the run.
	if err := p.advance(run, log, domain.RunCleaningUp); err != nil {
		return p.fail(ctx, run, log, err)
	}
	if err := p.Cleaner.Clean(run); err != nil {
		run.CleanupError = err.Error()
		log.Warn("local cleanup incomplete", "stage", domain.RunCleaningUp, "error", err)
	}
	if err := p.advance(run, log, domain.RunSucceeded); err != nil {
		return p.fail(ctx, run, log, err)
	}
	p.finish(ctx, run, log)
	log.Info("backup run succeeded",
		"bucket", run.Remote.Bucket,
		"key", run.Remote.Key,
		"collections", len(run.Snapshots),
		"documents", run.DocumentCount(),
		"duration", run.FinishedAt.Sub(started).Round(time.Millisecond))
	return run, nil
}

// export scatters one task per collection and gathers every result before
// returning. The first failure cancels the remaining exports.
func (p *Pipeline) export(ctx context.Context, run *domain.BackupRun, log *slog.Logger) error {
	names, err := p.Exporter.Collections(ctx)
	if err != nil {
		return &domain.StageError{Stage: domain.RunExporting, Err: err}
	}
	if len(names) == 0 {
		log.Warn("database has no collections", "stage", domain.RunExporting)
	}
	log.Info("collections enumerated", "stage", domain.RunExporting, "count", len(names))

	snaps := make([]domain.CollectionSnapshot, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxParallelExports)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			snap, err := p.Exporter.Export(gctx, run, name)
			if err != nil {
				return &domain.StageError{Stage: domain.RunExporting, Collection: name, Err: err}
			}
			snaps[i] = snap
			log.Info("collection exported",
				"stage", domain.RunExporting,
				"collection", name,
				"documents", snap.DocumentCount,
				"size", humanize.Bytes(uint64(snap.SizeBytes)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	run.Snapshots = snaps
	return nil
}

func (p *Pipeline) archive(ctx context.Context, run *domain.BackupRun, log *slog.Logger) error {
	dst := filepath.Join(run.WorkingDir, run.ArchiveName())
	art, err := p.Archiver.Build(ctx, run.WorkingDir, dst, run.Prefix()+"_")
	if err != nil {
		return &domain.StageError{Stage: domain.RunArchiving, Err: err}
	}

	run.Archive = art
	run.ArchivePath = art.Path
	log.Info("archive built",
		"stage", domain.RunArchiving,
		"path", art.Path,
		"entries", len(art.Entries),
		"size", humanize.Bytes(uint64(art.SizeBytes)))
	return nil
}

func (p *Pipeline) upload(ctx context.Context, run *domain.BackupRun, log *slog.Logger) error {
	key := run.ObjectKey(p.cfg.KeyPrefix)
	obj, err := p.Uploader.Upload(ctx, run.ArchivePath, key)
	if err != nil {
		return &domain.StageError{Stage: domain.RunUploading, Err: err}
	}

	run.Remote = obj
	log.Info("archive uploaded", "stage", domain.RunUploading, "bucket", obj.Bucket, "key", obj.Key)
	return nil
}

func (p *Pipeline) advance(run *domain.BackupRun, log *slog.Logger, to domain.RunStatus) error {
	from := run.Status
	if err := run.Transition(to); err != nil {
		return &domain.StageError{Stage: from, Err: err}
	}
	log.Debug("run state changed", "from", from, "to", to)
	p.record(run, log)
	return nil
}

func (p *Pipeline) fail(ctx context.Context, run *domain.BackupRun, log *slog.Logger, err error) (*domain.BackupRun, error) {
	run.Error = err.Error()
	attrs := []any{"error", err, "dir", run.WorkingDir}
	var se *domain.StageError
	if errors.As(err, &se) {
		run.FailedStage = se.Stage
		run.FailedCollection = se.Collection
		attrs = append(attrs, "stage", se.Stage)
		if se.Collection != "" {
			attrs = append(attrs, "collection", se.Collection)
		}
	}
	if terr := run.Transition(domain.RunFailed); terr != nil {
		log.Error("cannot mark run failed", "error", terr)
	}
	p.finish(ctx, run, log)

	log.Error("backup run failed, local artifacts kept", attrs...)
	return run, err
}

func (p *Pipeline) finish(ctx context.Context, run *domain.BackupRun, log *slog.Logger) {
	finished := p.Now()
	run.FinishedAt = &finished
	p.record(run, log)
	if err := p.Notifier.Send(ctx, notify.ForRun(run)); err != nil {
		log.Warn("notification failed", "error", err)
	}
}

// claim creates the run's lock file so that a run started in the same second
// by another process fails instead of sharing file names.
func claim(run *domain.BackupRun) error {
	path := filepath.Join(run.WorkingDir, run.LockName())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", domain.ErrRunExists, path)
	}
	if err != nil {
		return fmt.Errorf("%w: claim %s: %w", domain.ErrIO, path, err)
	}
	_, err = f.WriteString(run.ID + "\n")
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: claim %s: %w", domain.ErrIO, path, err)
	}
	return nil
}

func (p *Pipeline) record(run *domain.BackupRun, log *slog.Logger) {
	if p.Recorder == nil {
		return
	}
	if err := p.Recorder.SaveRun(run); err != nil {
		log.Warn("cannot record run", "status", run.Status, "error", err)
	}
}
