package backup

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/mongo-backup/internal/archive"
	"github.com/hochfrequenz/mongo-backup/internal/cleanup"
	"github.com/hochfrequenz/mongo-backup/internal/domain"
	"github.com/hochfrequenz/mongo-backup/internal/export"
	"github.com/hochfrequenz/mongo-backup/internal/notify"
)

var runTime = time.Date(2024, 3, 10, 2, 0, 0, 0, time.Local)

// events is a shared, ordered log of calls into the instrumented components.
type events struct {
	mu   sync.Mutex
	list []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, s)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

func (e *events) has(s string) bool {
	for _, got := range e.all() {
		if got == s {
			return true
		}
	}
	return false
}

type fakeDB struct {
	collections map[string][]map[string]any
	listErr     error
	readErr     map[string]error
}

func (f *fakeDB) CollectionNames(ctx context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var names []string
	for name := range f.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeDB) ForEach(ctx context.Context, collection string, fn func(doc map[string]any) error) error {
	if err := f.readErr[collection]; err != nil {
		return err
	}
	for _, doc := range f.collections[collection] {
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

type recordingArchiver struct {
	inner *archive.Builder
	ev    *events
}

func (a *recordingArchiver) Build(ctx context.Context, sourceDir, dst, prefix string) (*domain.ArchiveArtifact, error) {
	a.ev.add("archive")
	return a.inner.Build(ctx, sourceDir, dst, prefix)
}

// fakeUploader keeps the uploaded bytes like a bucket would.
type fakeUploader struct {
	ev      *events
	err     error
	objects map[string][]byte
}

func (u *fakeUploader) Upload(ctx context.Context, path, key string) (*domain.RemoteObject, error) {
	u.ev.add("upload")
	if u.err != nil {
		return nil, u.err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if u.objects == nil {
		u.objects = make(map[string][]byte)
	}
	u.objects[key] = data
	u.ev.add("upload-acked")
	return &domain.RemoteObject{Bucket: "db-backups", Key: key, SourcePath: path, SizeBytes: int64(len(data))}, nil
}

type recordingCleaner struct {
	inner Cleaner
	ev    *events
	err   error
}

func (c *recordingCleaner) Clean(run *domain.BackupRun) error {
	c.ev.add("cleanup")
	if c.err != nil {
		return c.err
	}
	return c.inner.Clean(run)
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []domain.RunStatus
}

func (r *statusRecorder) SaveRun(run *domain.BackupRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.statuses); n == 0 || r.statuses[n-1] != run.Status {
		r.statuses = append(r.statuses, run.Status)
	}
	return nil
}

type captureNotifier struct {
	sent []notify.Notification
}

func (c *captureNotifier) Send(_ context.Context, n notify.Notification) error {
	c.sent = append(c.sent, n)
	return nil
}

type fixture struct {
	root     string
	db       *fakeDB
	ev       *events
	uploader *fakeUploader
	cleaner  *recordingCleaner
	recorder *statusRecorder
	notifier *captureNotifier
	pipeline *Pipeline
}

func newFixture(t *testing.T, collections map[string][]map[string]any) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		root:     filepath.Join(t.TempDir(), "backups"),
		db:       &fakeDB{collections: collections, readErr: map[string]error{}},
		ev:       &events{},
		recorder: &statusRecorder{},
		notifier: &captureNotifier{},
	}
	f.uploader = &fakeUploader{ev: f.ev}
	f.cleaner = &recordingCleaner{inner: cleanup.New(logger), ev: f.ev}
	f.pipeline = New(Config{RootDir: f.root, KeyPrefix: "backups", MaxParallelExports: 2}, Components{
		Exporter: export.New(f.db),
		Archiver: &recordingArchiver{inner: archive.NewBuilder(), ev: f.ev},
		Uploader: f.uploader,
		Cleaner:  f.cleaner,
		Recorder: f.recorder,
		Notifier: f.notifier,
		Logger:   logger,
		Now:      func() time.Time { return runTime },
	})
	return f
}

func sampleCollections() map[string][]map[string]any {
	return map[string][]map[string]any{
		"users": {
			{"_id": "docA", "name": "Ada"},
			{"_id": "docB", "name": "Bob"},
		},
		"orders": {},
	}
}

func unzip(t *testing.T, data []byte) map[string][]map[string]any {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string][]map[string]any)
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		var docs []map[string]any
		err = json.NewDecoder(rc).Decode(&docs)
		rc.Close()
		if err != nil {
			t.Fatalf("entry %s: %v", f.Name, err)
		}
		out[f.Name] = docs
	}
	return out
}

func TestPipeline_EndToEnd(t *testing.T) {
	f := newFixture(t, sampleCollections())

	run, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if run.Status != domain.RunSucceeded {
		t.Errorf("Status = %q, want %q", run.Status, domain.RunSucceeded)
	}
	if len(run.Snapshots) != 2 {
		t.Fatalf("Snapshots = %d, want 2", len(run.Snapshots))
	}

	key := "backups/2024-03-10_02-00-00_backup.zip"
	data, ok := f.uploader.objects[key]
	if !ok {
		t.Fatalf("object %s not uploaded, have %v", key, f.uploader.objects)
	}
	if run.Remote == nil || run.Remote.Key != key {
		t.Errorf("Remote = %+v", run.Remote)
	}

	entries := unzip(t, data)
	users := entries["2024-03-10_02-00-00_backup_users.json"]
	orders, hasOrders := entries["2024-03-10_02-00-00_backup_orders.json"]
	if len(entries) != 2 || !hasOrders {
		t.Fatalf("archive entries = %v", entries)
	}
	if len(users) != 2 || users[0]["_id"] != "docA" || users[1]["_id"] != "docB" {
		t.Errorf("users snapshot = %v", users)
	}
	if len(orders) != 0 {
		t.Errorf("orders snapshot = %v, want empty", orders)
	}

	if _, err := os.Stat(run.WorkingDir); !os.IsNotExist(err) {
		t.Errorf("working directory should be gone, stat err = %v", err)
	}
	if _, err := os.Stat(f.root); err != nil {
		t.Errorf("backup root should remain: %v", err)
	}
}

func TestPipeline_SnapshotCountMatchesCollections(t *testing.T) {
	collections := map[string][]map[string]any{}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		collections[name] = []map[string]any{{"_id": name}}
	}
	f := newFixture(t, collections)

	run, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(run.Snapshots) != len(collections) {
		t.Errorf("Snapshots = %d, want %d", len(run.Snapshots), len(collections))
	}
	entries := unzip(t, f.uploader.objects[run.ObjectKey("backups")])
	if len(entries) != len(collections) {
		t.Errorf("archive entries = %d, want %d", len(entries), len(collections))
	}
}

func TestPipeline_CleanupOnlyAfterUploadAck(t *testing.T) {
	f := newFixture(t, sampleCollections())

	if _, err := f.pipeline.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{"archive", "upload", "upload-acked", "cleanup"}
	got := f.ev.all()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events = %v, want %v", got, want)
			break
		}
	}
}

func TestPipeline_RecordsEveryTransition(t *testing.T) {
	f := newFixture(t, sampleCollections())

	if _, err := f.pipeline.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []domain.RunStatus{
		domain.RunPending, domain.RunExporting, domain.RunArchiving,
		domain.RunUploading, domain.RunCleaningUp, domain.RunSucceeded,
	}
	if len(f.recorder.statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", f.recorder.statuses, want)
	}
	for i := range want {
		if f.recorder.statuses[i] != want[i] {
			t.Errorf("statuses = %v, want %v", f.recorder.statuses, want)
			break
		}
	}
	if len(f.notifier.sent) != 1 || f.notifier.sent[0].Type != notify.NotifySuccess {
		t.Errorf("notifications = %+v", f.notifier.sent)
	}
}

func TestPipeline_ExportFailureStopsRun(t *testing.T) {
	f := newFixture(t, sampleCollections())
	f.db.readErr["orders"] = errors.New("cursor not found")

	run, err := f.pipeline.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, domain.ErrDataAccess) {
		t.Errorf("err = %v, want ErrDataAccess", err)
	}
	var se *domain.StageError
	if !errors.As(err, &se) || se.Stage != domain.RunExporting || se.Collection != "orders" {
		t.Errorf("StageError = %+v", se)
	}
	if run.Status != domain.RunFailed || run.Error == "" {
		t.Errorf("run = %+v", run)
	}
	if run.FailedStage != domain.RunExporting || run.FailedCollection != "orders" {
		t.Errorf("FailedStage = %q, FailedCollection = %q", run.FailedStage, run.FailedCollection)
	}
	if f.ev.has("archive") || f.ev.has("upload") || f.ev.has("cleanup") {
		t.Errorf("no later stage may run after a failed export, events = %v", f.ev.all())
	}
	if _, err := os.Stat(filepath.Join(run.WorkingDir, run.ArchiveName())); !os.IsNotExist(err) {
		t.Error("no archive may be built from a partial export")
	}
	if len(f.notifier.sent) != 1 || f.notifier.sent[0].Type != notify.NotifyError || f.notifier.sent[0].Collection != "orders" {
		t.Errorf("notifications = %+v", f.notifier.sent)
	}
}

func TestPipeline_EnumerationFailure(t *testing.T) {
	f := newFixture(t, sampleCollections())
	f.db.listErr = errors.New("no reachable servers")

	run, err := f.pipeline.Run(context.Background())
	if !errors.Is(err, domain.ErrDataAccess) {
		t.Errorf("err = %v, want ErrDataAccess", err)
	}
	if run.Status != domain.RunFailed {
		t.Errorf("Status = %q, want failed", run.Status)
	}
	if len(f.ev.all()) != 0 {
		t.Errorf("events = %v, want none", f.ev.all())
	}
}

func TestPipeline_UploadFailureKeepsArtifacts(t *testing.T) {
	f := newFixture(t, sampleCollections())
	f.uploader.err = errors.New("RequestTimeout")

	run, err := f.pipeline.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if run.Status != domain.RunFailed {
		t.Errorf("Status = %q, want failed", run.Status)
	}
	if run.Remote != nil {
		t.Error("failed upload must not produce a remote object")
	}
	var se *domain.StageError
	if !errors.As(err, &se) || se.Stage != domain.RunUploading {
		t.Errorf("StageError = %+v", se)
	}
	if f.ev.has("cleanup") {
		t.Error("cleanup must not run after a failed upload")
	}

	for _, p := range []string{
		run.WorkingDir,
		run.SnapshotPath("users"),
		run.SnapshotPath("orders"),
		filepath.Join(run.WorkingDir, run.ArchiveName()),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s should be kept: %v", p, err)
		}
	}
}

func TestPipeline_CleanupFailureStillSucceeds(t *testing.T) {
	f := newFixture(t, sampleCollections())
	f.cleaner.err = errors.New("permission denied")

	run, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("cleanup failure must not fail the run: %v", err)
	}
	if run.Status != domain.RunSucceeded {
		t.Errorf("Status = %q, want succeeded", run.Status)
	}
	if run.CleanupError == "" {
		t.Error("CleanupError should describe the incomplete cleanup")
	}
	if len(f.notifier.sent) != 1 || f.notifier.sent[0].Type != notify.NotifyWarning {
		t.Errorf("notifications = %+v", f.notifier.sent)
	}
}

func TestPipeline_CancelledBeforeUpload(t *testing.T) {
	f := newFixture(t, sampleCollections())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := f.pipeline.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if run.Status != domain.RunFailed {
		t.Errorf("Status = %q, want failed", run.Status)
	}
	if f.ev.has("upload") || f.ev.has("cleanup") {
		t.Errorf("events = %v, want no upload or cleanup", f.ev.all())
	}
	if _, err := os.Stat(run.WorkingDir); err != nil {
		t.Errorf("working directory should exist: %v", err)
	}
}

func TestPipeline_EmptyDatabase(t *testing.T) {
	f := newFixture(t, map[string][]map[string]any{})

	run, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(run.Archive.Entries) != 0 {
		t.Errorf("Entries = %v, want none", run.Archive.Entries)
	}
	if !f.ev.has("upload-acked") {
		t.Error("empty archive should still be uploaded")
	}
}

func TestPipeline_WorkingDirectoryNotCreatable(t *testing.T) {
	f := newFixture(t, sampleCollections())
	// a regular file where the backup root should be
	if err := os.WriteFile(f.root, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	run, err := f.pipeline.Run(context.Background())
	if !errors.Is(err, domain.ErrIO) {
		t.Errorf("err = %v, want ErrIO", err)
	}
	if run.Status != domain.RunFailed {
		t.Errorf("Status = %q, want failed", run.Status)
	}
}

func TestPipeline_SameTimestampRunRefused(t *testing.T) {
	f := newFixture(t, sampleCollections())

	// another process already runs with the same timestamp
	other := domain.NewRun(f.root, runTime)
	if err := os.MkdirAll(other.WorkingDir, 0755); err != nil {
		t.Fatal(err)
	}
	lock := filepath.Join(other.WorkingDir, other.LockName())
	snapshot := other.SnapshotPath("users")
	for _, p := range []string{lock, snapshot} {
		if err := os.WriteFile(p, []byte("other"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	run, err := f.pipeline.Run(context.Background())
	if !errors.Is(err, domain.ErrRunExists) {
		t.Fatalf("err = %v, want ErrRunExists", err)
	}
	if run.Status != domain.RunFailed || run.FailedStage != domain.RunPending {
		t.Errorf("Status = %q, FailedStage = %q", run.Status, run.FailedStage)
	}
	if len(f.ev.all()) != 0 {
		t.Errorf("events = %v, want none", f.ev.all())
	}
	for _, p := range []string{lock, snapshot} {
		data, err := os.ReadFile(p)
		if err != nil || string(data) != "other" {
			t.Errorf("%s was touched: %q, %v", p, data, err)
		}
	}
}

func TestPipeline_CollectionNamesThatLookAlike(t *testing.T) {
	f := newFixture(t, map[string][]map[string]any{
		"a/b": {{"_id": "slash"}},
		"a_b": {{"_id": "underscore"}},
	})

	run, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	entries := unzip(t, f.uploader.objects[run.ObjectKey("backups")])
	if len(entries) != 2 {
		t.Fatalf("archive entries = %v, want 2", entries)
	}
	ids := map[any]bool{}
	for _, docs := range entries {
		for _, doc := range docs {
			ids[doc["_id"]] = true
		}
	}
	if !ids["slash"] || !ids["underscore"] {
		t.Errorf("documents = %v, want both collections", ids)
	}
}
