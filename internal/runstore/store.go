package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hochfrequenz/mongo-backup/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed backup run history
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared across queries.
	db.SetMaxOpenConns(1)

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun inserts or updates the record of a run
func (s *Store) SaveRun(run *domain.BackupRun) error {
	snapsJSON, err := json.Marshal(run.Snapshots)
	if err != nil {
		return err
	}

	var archiveBytes int64
	if run.Archive != nil {
		archiveBytes = run.Archive.SizeBytes
	}
	var bucket, key sql.NullString
	if run.Remote != nil {
		bucket = sql.NullString{String: run.Remote.Bucket, Valid: true}
		key = sql.NullString{String: run.Remote.Key, Valid: true}
	}

	_, err = s.db.Exec(`
		INSERT INTO backup_runs (id, run_timestamp, working_dir, archive_path, status, snapshots, documents, archive_bytes, bucket, object_key, error, failed_stage, failed_collection, cleanup_error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			archive_path = excluded.archive_path,
			status = excluded.status,
			snapshots = excluded.snapshots,
			documents = excluded.documents,
			archive_bytes = excluded.archive_bytes,
			bucket = excluded.bucket,
			object_key = excluded.object_key,
			error = excluded.error,
			failed_stage = excluded.failed_stage,
			failed_collection = excluded.failed_collection,
			cleanup_error = excluded.cleanup_error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`,
		run.ID,
		run.Timestamp,
		run.WorkingDir,
		run.ArchivePath,
		string(run.Status),
		string(snapsJSON),
		run.DocumentCount(),
		archiveBytes,
		bucket,
		key,
		run.Error,
		string(run.FailedStage),
		run.FailedCollection,
		run.CleanupError,
		run.StartedAt,
		run.FinishedAt,
	)
	return err
}

const selectRuns = `SELECT id, run_timestamp, working_dir, archive_path, status, snapshots, archive_bytes, bucket, object_key, error, failed_stage, failed_collection, cleanup_error, started_at, finished_at FROM backup_runs`

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*domain.BackupRun, error) {
	row := s.db.QueryRow(selectRuns+` WHERE id = ?`, id)
	return scanRun(row)
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	Status domain.RunStatus
	Limit  int
}

// ListRuns returns runs newest first
func (s *Store) ListRuns(opts ListOptions) ([]*domain.BackupRun, error) {
	query := selectRuns + ` WHERE 1=1`
	var args []interface{}

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY run_timestamp DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.BackupRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.BackupRun, error) {
	var run domain.BackupRun
	var status string
	var archivePath, snapsJSON, bucket, key, errMsg, failedStage, failedColl, cleanupErr sql.NullString
	var archiveBytes sql.NullInt64
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&run.ID, &run.Timestamp, &run.WorkingDir, &archivePath, &status, &snapsJSON, &archiveBytes, &bucket, &key, &errMsg, &failedStage, &failedColl, &cleanupErr, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	run.ArchivePath = archivePath.String
	run.Error = errMsg.String
	run.FailedStage = domain.RunStatus(failedStage.String)
	run.FailedCollection = failedColl.String
	run.CleanupError = cleanupErr.String
	if archivePath.String != "" {
		run.Archive = &domain.ArchiveArtifact{Path: archivePath.String, SourceDir: run.WorkingDir, SizeBytes: archiveBytes.Int64}
	}
	if bucket.Valid {
		run.Remote = &domain.RemoteObject{Bucket: bucket.String, Key: key.String, SourcePath: archivePath.String, SizeBytes: archiveBytes.Int64}
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}

	if snapsJSON.String != "" && snapsJSON.String != "null" {
		if err := json.Unmarshal([]byte(snapsJSON.String), &run.Snapshots); err != nil {
			return nil, err
		}
	}

	return &run, nil
}
