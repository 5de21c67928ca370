package notify

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/mongo-backup/internal/domain"
)

// NotificationType represents the outcome a notification reports
type NotificationType int

const (
	NotifySuccess NotificationType = iota
	NotifyWarning                  // succeeded, but local cleanup was incomplete
	NotifyError
)

// Notification describes a finished backup run
type Notification struct {
	Title       string
	Message     string
	Type        NotificationType
	RunID       string
	ObjectKey   string           // set once the archive is uploaded
	Stage       domain.RunStatus // failing stage
	Collection  string           // failing collection
	ArchiveSize string
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// ForRun describes the outcome of a finished backup run
func ForRun(run *domain.BackupRun) Notification {
	n := Notification{RunID: run.ID}
	if run.Remote != nil {
		n.ObjectKey = run.Remote.Key
	}
	if run.Archive != nil {
		n.ArchiveSize = humanize.Bytes(uint64(run.Archive.SizeBytes))
	}

	if run.Status != domain.RunSucceeded {
		n.Type = NotifyError
		n.Title = "Backup failed"
		n.Message = fmt.Sprintf("%s (local files kept in %s)", run.Error, run.WorkingDir)
		n.Stage = run.FailedStage
		n.Collection = run.FailedCollection
		return n
	}

	n.Type = NotifySuccess
	n.Title = "Backup succeeded"
	n.Message = fmt.Sprintf("%d collections, %d documents", len(run.Snapshots), run.DocumentCount())
	if run.Remote != nil {
		n.Message += fmt.Sprintf(" uploaded to s3://%s/%s", run.Remote.Bucket, run.Remote.Key)
	}
	if run.CleanupError != "" {
		n.Type = NotifyWarning
		n.Title = "Backup succeeded, cleanup incomplete"
		n.Message += fmt.Sprintf("; local files left in %s: %s", run.WorkingDir, run.CleanupError)
	}
	return n
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(context.Context, Notification) error { return nil }
