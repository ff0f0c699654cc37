package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"recpost/internal/config"
	"recpost/internal/logging"
	"recpost/internal/retriever"
	"recpost/internal/store"
	"recpost/internal/testsupport"
)

type fakeFetcher struct {
	dir     string
	fetched []string
	missing map[string]bool
	err     error
	onFetch func(conversationID string)
}

func (f *fakeFetcher) Fetch(_ context.Context, conversationID string, _ time.Time) (retriever.File, bool, error) {
	if f.onFetch != nil {
		f.onFetch(conversationID)
	}
	if f.err != nil {
		return retriever.File{}, false, f.err
	}
	f.fetched = append(f.fetched, conversationID)
	if f.missing[conversationID] {
		return retriever.File{}, false, nil
	}
	name := conversationID + ".wav"
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		return retriever.File{}, false, err
	}
	return retriever.File{Path: path, Name: name}, true, nil
}

type fakeUploader struct {
	uploads []string
	folders []string
	err     error
}

func (u *fakeUploader) Upload(_ context.Context, localPath, destFolder string) error {
	if u.err != nil {
		return u.err
	}
	u.uploads = append(u.uploads, filepath.Base(localPath))
	u.folders = append(u.folders, destFolder)
	return nil
}

func windowDate(date string) testsupport.ConfigOption {
	return func(cfg *config.Config) {
		cfg.Worker.WindowDate = date
	}
}

func newTestWorker(t *testing.T, opts ...testsupport.ConfigOption) (*Worker, *store.Store, *fakeFetcher, *fakeUploader, *config.Config) {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	st := testsupport.MustOpenStore(t, cfg)
	fetcher := &fakeFetcher{dir: cfg.Paths.RecordingDir}
	uploader := &fakeUploader{}
	return New(cfg, logging.NewNop(), st, fetcher, uploader), st, fetcher, uploader, cfg
}

func TestRunCycleProcessesOnlyEligibleConversations(t *testing.T) {
	w, st, fetcher, uploader, _ := newTestWorker(t, windowDate("2025-03-14"))
	ctx := context.Background()

	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	testsupport.SeedConversation(t, st, "division-test", "conv-a", day.Add(9*time.Hour), false)
	testsupport.SeedConversation(t, st, "division-test", "conv-b", day.Add(11*time.Hour), true)

	if err := w.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if len(fetcher.fetched) != 1 || fetcher.fetched[0] != "conv-a" {
		t.Fatalf("fetched: %v", fetcher.fetched)
	}
	if len(uploader.uploads) != 1 || uploader.uploads[0] != "conv-a.wav" {
		t.Fatalf("uploads: %v", uploader.uploads)
	}
	if uploader.folders[0] != "2025/03-Mar" {
		t.Fatalf("upload folder: %q", uploader.folders[0])
	}

	conv, err := st.Get(ctx, "conv-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !conv.Posted {
		t.Fatal("conv-a should be posted after the cycle")
	}
}

func TestRunCycleRemovesStagedFileAfterPosting(t *testing.T) {
	w, st, _, _, cfg := newTestWorker(t, windowDate("2025-03-14"))
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	testsupport.SeedConversation(t, st, "division-test", "conv-a", day.Add(9*time.Hour), false)

	if err := w.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	staged := filepath.Join(cfg.Paths.RecordingDir, "conv-a.wav")
	if _, err := os.Stat(staged); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("staged file not removed: %v", err)
	}
}

func TestRunCycleUploadFailureLeavesConversationUnposted(t *testing.T) {
	w, st, _, uploader, _ := newTestWorker(t, windowDate("2025-03-14"))
	uploader.err = errors.New("archive unreachable")
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	testsupport.SeedConversation(t, st, "division-test", "conv-a", day.Add(9*time.Hour), false)

	// The failure is contained; the cycle itself succeeds.
	if err := w.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	conv, err := st.Get(context.Background(), "conv-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.Posted {
		t.Fatal("conversation must stay unposted after a failed upload")
	}
}

func TestRunCycleNoFileLeavesConversationUnposted(t *testing.T) {
	w, st, fetcher, uploader, _ := newTestWorker(t, windowDate("2025-03-14"))
	fetcher.missing = map[string]bool{"conv-a": true}
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	testsupport.SeedConversation(t, st, "division-test", "conv-a", day.Add(9*time.Hour), false)

	if err := w.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(uploader.uploads) != 0 {
		t.Fatalf("expected no uploads, got %v", uploader.uploads)
	}
	conv, err := st.Get(context.Background(), "conv-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.Posted {
		t.Fatal("conversation must stay unposted when no file was produced")
	}
}

func TestRunCycleIsolatesPerConversationFailures(t *testing.T) {
	w, st, fetcher, uploader, _ := newTestWorker(t, windowDate("2025-03-14"))
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	testsupport.SeedConversation(t, st, "division-test", "conv-a", day.Add(9*time.Hour), false)
	testsupport.SeedConversation(t, st, "division-test", "conv-b", day.Add(10*time.Hour), false)

	// conv-a yields nothing; conv-b proceeds normally.
	fetcher.missing = map[string]bool{"conv-a": true}

	if err := w.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(uploader.uploads) != 1 || uploader.uploads[0] != "conv-b.wav" {
		t.Fatalf("uploads: %v", uploader.uploads)
	}
}

func TestRunCycleStopsOnCancellation(t *testing.T) {
	w, st, fetcher, _, _ := newTestWorker(t, windowDate("2025-03-14"))
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	testsupport.SeedConversation(t, st, "division-test", "conv-a", day.Add(9*time.Hour), false)
	testsupport.SeedConversation(t, st, "division-test", "conv-b", day.Add(10*time.Hour), false)

	ctx, cancel := context.WithCancel(context.Background())
	fetcher.onFetch = func(string) { cancel() }

	err := w.RunCycle(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(fetcher.fetched) > 1 {
		t.Fatalf("expected the batch to stop after cancellation, fetched %v", fetcher.fetched)
	}
}

func TestProcessConversationOnDemand(t *testing.T) {
	w, st, _, uploader, _ := newTestWorker(t)
	ended := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	testsupport.SeedConversation(t, st, "division-test", "conv-a", ended, false)

	if err := w.ProcessConversation(context.Background(), "conv-a"); err != nil {
		t.Fatalf("ProcessConversation: %v", err)
	}
	if len(uploader.uploads) != 1 {
		t.Fatalf("uploads: %v", uploader.uploads)
	}
	conv, err := st.Get(context.Background(), "conv-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !conv.Posted {
		t.Fatal("conversation should be posted after a manual run")
	}
}

func TestProcessConversationRejectsAlreadyPosted(t *testing.T) {
	w, st, fetcher, _, _ := newTestWorker(t)
	testsupport.SeedConversation(t, st, "division-test", "conv-a", time.Now().UTC(), true)

	err := w.ProcessConversation(context.Background(), "conv-a")
	if err == nil || !strings.Contains(err.Error(), "already posted") {
		t.Fatalf("expected already-posted error, got %v", err)
	}
	if len(fetcher.fetched) != 0 {
		t.Fatal("posted conversations must not be fetched again")
	}
}

func TestProcessConversationUnknownID(t *testing.T) {
	w, _, _, _, _ := newTestWorker(t)
	if err := w.ProcessConversation(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	w, _, _, _, _ := newTestWorker(t, windowDate("2025-03-14"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
