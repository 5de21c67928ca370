// Package export enumerates collections and writes each one to a JSON snapshot.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hochfrequenz/mongo-backup/internal/domain"
)

// Database is the read capability the exporter needs from the document store
type Database interface {
	CollectionNames(ctx context.Context) ([]string, error)
	ForEach(ctx context.Context, collection string, fn func(doc map[string]any) error) error
}

// Exporter turns collections into snapshot files
type Exporter struct {
	db Database
}

// New creates an Exporter reading from db
func New(db Database) *Exporter {
	return &Exporter{db: db}
}

// Collections lists every collection present right now. A partial listing is
// never returned.
func (e *Exporter) Collections(ctx context.Context) ([]string, error) {
	names, err := e.db.CollectionNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list collections: %w", domain.ErrDataAccess, err)
	}
	return names, nil
}

// Export streams all documents of collection into the run's snapshot file as a
// single JSON array.
func (e *Exporter) Export(ctx context.Context, run *domain.BackupRun, collection string) (domain.CollectionSnapshot, error) {
	path := run.SnapshotPath(collection)
	snap := domain.CollectionSnapshot{Collection: collection, Path: path}

	f, err := os.Create(path)
	if err != nil {
		return snap, fmt.Errorf("%w: create snapshot: %w", domain.ErrIO, err)
	}
	defer f.Close()

	w := newArrayWriter(f)
	var writeErr error
	err = e.db.ForEach(ctx, collection, func(doc map[string]any) error {
		if werr := w.Write(doc); werr != nil {
			writeErr = werr
			return werr
		}
		return nil
	})
	switch {
	case writeErr != nil:
		return snap, fmt.Errorf("%w: write %s: %w", domain.ErrIO, path, writeErr)
	case err != nil:
		return snap, fmt.Errorf("%w: read %s: %w", domain.ErrDataAccess, collection, err)
	}

	if err := w.Close(); err != nil {
		return snap, fmt.Errorf("%w: write %s: %w", domain.ErrIO, path, err)
	}
	if err := f.Close(); err != nil {
		return snap, fmt.Errorf("%w: close %s: %w", domain.ErrIO, path, err)
	}

	snap.DocumentCount = w.count
	snap.SizeBytes = w.size
	return snap, nil
}

// arrayWriter emits a JSON array one element at a time, indented by two
// spaces per level.
type arrayWriter struct {
	w     *bufio.Writer
	count int64
	size  int64
}

func newArrayWriter(f *os.File) *arrayWriter {
	return &arrayWriter{w: bufio.NewWriterSize(f, 64*1024)}
}

func (a *arrayWriter) Write(doc map[string]any) error {
	data, err := json.MarshalIndent(jsonValue(doc), "  ", "  ")
	if err != nil {
		return err
	}
	sep := ",\n  "
	if a.count == 0 {
		sep = "[\n  "
	}
	if err := a.write([]byte(sep)); err != nil {
		return err
	}
	if err := a.write(data); err != nil {
		return err
	}
	a.count++
	return nil
}

func (a *arrayWriter) Close() error {
	tail := "\n]"
	if a.count == 0 {
		tail = "[]"
	}
	if err := a.write([]byte(tail)); err != nil {
		return err
	}
	return a.w.Flush()
}

func (a *arrayWriter) write(p []byte) error {
	n, err := a.w.Write(p)
	a.size += int64(n)
	return err
}
