package domain

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DateLayout names the per-day directory under the backup root
	DateLayout = "2006-01-02"
	// TimestampLayout prefixes every file and object a run produces
	TimestampLayout = "2006-01-02_15-04-05"
)

// BackupRun represents a single execution of the backup pipeline
type BackupRun struct {
	ID          string
	Timestamp   time.Time
	WorkingDir  string
	ArchivePath string
	Status      RunStatus
	Snapshots   []CollectionSnapshot
	Archive     *ArchiveArtifact
	Remote      *RemoteObject
	Error       string
	StartedAt   *time.Time
	FinishedAt  *time.Time

	// Set when the run failed
	FailedStage      RunStatus
	FailedCollection string

	// Set when a succeeded run left local files behind
	CleanupError string
}

// CollectionSnapshot is one exported collection on local disk
type CollectionSnapshot struct {
	Collection    string
	DocumentCount int64
	Path          string
	SizeBytes     int64
}

// ArchiveArtifact is the compressed bundle of a run's snapshots
type ArchiveArtifact struct {
	Path      string
	SourceDir string
	SizeBytes int64
	Entries   []string
}

// RemoteObject identifies an uploaded archive. It only exists once the
// storage service acknowledged the upload.
type RemoteObject struct {
	Bucket     string
	Key        string
	SourcePath string
	SizeBytes  int64
	ETag       string
}

// NewRun creates a pending run rooted at root for the instant at.
func NewRun(root string, at time.Time) *BackupRun {
	return &BackupRun{
		ID:         uuid.NewString(),
		Timestamp:  at,
		WorkingDir: filepath.Join(root, at.Format(DateLayout)),
		Status:     RunPending,
	}
}

// Prefix is the name every file owned by the run starts with
func (r *BackupRun) Prefix() string {
	return r.Timestamp.Format(TimestampLayout) + "_backup"
}

// SnapshotPath returns where the given collection is exported to
func (r *BackupRun) SnapshotPath(collection string) string {
	return filepath.Join(r.WorkingDir, r.Prefix()+"_"+SafeName(collection)+".json")
}

// LockName returns the file that claims the run's prefix in the working
// directory. A second run with the same timestamp cannot create it.
func (r *BackupRun) LockName() string {
	return r.Prefix() + ".lock"
}

// ArchiveName returns the file name of the run's archive
func (r *BackupRun) ArchiveName() string {
	return r.Prefix() + ".zip"
}

// ObjectKey returns the storage key of the run's archive under keyPrefix
func (r *BackupRun) ObjectKey(keyPrefix string) string {
	return path.Join(keyPrefix, r.ArchiveName())
}

// Owns reports whether a file name in the working directory belongs to the run
func (r *BackupRun) Owns(name string) bool {
	return strings.HasPrefix(name, r.Prefix()+"_") || name == r.ArchiveName() || name == r.LockName()
}

// Transition moves the run to status, rejecting anything the state machine forbids.
func (r *BackupRun) Transition(to RunStatus) error {
	if !r.Status.CanTransition(to) {
		return fmt.Errorf("invalid run transition %s -> %s", r.Status, to)
	}
	r.Status = to
	return nil
}

// DocumentCount sums documents over all snapshots
func (r *BackupRun) DocumentCount() int64 {
	var n int64
	for _, s := range r.Snapshots {
		n += s.DocumentCount
	}
	return n
}

var safeNameReplacer = strings.NewReplacer("%", "%25", "/", "%2F", "\\", "%5C")

// SafeName makes a collection name usable as part of a file name. Distinct
// collection names always give distinct results.
func SafeName(collection string) string {
	return safeNameReplacer.Replace(collection)
}
