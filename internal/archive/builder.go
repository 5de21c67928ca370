// Package archive bundles a run's snapshot files into one zip file.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/hochfrequenz/mongo-backup/internal/domain"
)

// Builder writes zip archives
type Builder struct {
	level int
}

// NewBuilder returns a Builder that favours ratio over speed
func NewBuilder() *Builder {
	return &Builder{level: flate.BestCompression}
}

// Build archives every regular file in sourceDir whose name starts with
// prefix into dst. dst only appears once the archive is complete and synced.
func (b *Builder) Build(ctx context.Context, sourceDir, dst, prefix string) (*domain.ArchiveArtifact, error) {
	entries, err := b.collect(sourceDir, dst, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrArchive, err)
	}

	tmp := dst + ".tmp"
	size, err := b.write(ctx, sourceDir, tmp, entries)
	if err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: %w", domain.ErrArchive, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: finalize %s: %w", domain.ErrArchive, dst, err)
	}

	return &domain.ArchiveArtifact{
		Path:      dst,
		SourceDir: sourceDir,
		SizeBytes: size,
		Entries:   entries,
	}, nil
}

func (b *Builder) collect(sourceDir, dst, prefix string) ([]string, error) {
	dirEntries, err := os.ReadDir(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", sourceDir, err)
	}

	skip := filepath.Base(dst)
	var names []string
	for _, de := range dirEntries {
		name := de.Name()
		if !de.Type().IsRegular() || name == skip || name == skip+".tmp" {
			continue
		}
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *Builder) write(ctx context.Context, sourceDir, path string, entries []string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, b.level)
	})

	for _, name := range entries {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := addFile(zw, filepath.Join(sourceDir, name)); err != nil {
			return 0, err
		}
	}

	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finish zip: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", path, err)
	}
	return info.Size(), nil
}

func addFile(zw *zip.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("add %s: %w", hdr.Name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("compress %s: %w", path, err)
	}
	return nil
}
