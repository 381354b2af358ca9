package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"media-downloader/internal/domain"
	"media-downloader/internal/fetch"
	"media-downloader/internal/store"
)

type fakeExecutor struct {
	run     func(ctx context.Context, req fetch.Request) (fetch.Result, error)
	started chan fetch.Request
}

func (f *fakeExecutor) Run(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	if f.started != nil {
		f.started <- req
	}
	if f.run != nil {
		return f.run(ctx, req)
	}
	return fetch.Result{}, nil
}

type fakeProcessor struct {
	process      func(ctx context.Context, filePath string, settings domain.AudioSettings) (string, error)
	lastSettings domain.AudioSettings
	calls        int
}

func (f *fakeProcessor) Process(ctx context.Context, filePath string, settings domain.AudioSettings) (string, error) {
	f.calls++
	f.lastSettings = settings
	if f.process != nil {
		return f.process(ctx, filePath, settings)
	}
	return filePath, nil
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "downloads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg.Store = st
	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = t.TempDir()
	}
	return NewManager(cfg), st
}

func waitForStatus(t *testing.T, st *store.Store, id string, want domain.DownloadStatus) domain.Download {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := st.Get(context.Background(), id)
		if err == nil && rec.Status == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("record %s never reached status %s", id, want)
	return domain.Download{}
}

func TestSubmitRejectsUnsupportedURL(t *testing.T) {
	mgr, st := newTestManager(t, Config{Executor: &fakeExecutor{}})

	_, err := mgr.Submit(context.Background(), "https://example.com/watch?v=abc")
	require.ErrorIs(t, err, ErrUnsupportedPlatform)

	records, err := st.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestSubmitRejectsWhenExecutorUnavailable(t *testing.T) {
	mgr, st := newTestManager(t, Config{
		Executor:      &fakeExecutor{},
		ExecutorReady: func() bool { return false },
	})

	_, err := mgr.Submit(context.Background(), "https://youtube.com/watch?v=abc")
	require.ErrorIs(t, err, ErrExecutorUnavailable)

	records, err := st.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	dir := t.TempDir()
	exec := &fakeExecutor{
		run: func(ctx context.Context, req fetch.Request) (fetch.Result, error) {
			req.OnProgress(10)
			req.OnProgress(55.5)
			req.OnProgress(100)
			return fetch.Result{
				FilePath: filepath.Join(dir, "My_Song-"+req.JobID+".mp3"),
				FileSize: 4096,
				Title:    "My Song",
				Artist:   "Some Artist",
			}, nil
		},
	}
	mgr, st := newTestManager(t, Config{Executor: exec, DownloadsDir: dir})

	id, err := mgr.Submit(context.Background(), "https://youtube.com/watch?v=abc")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec := waitForStatus(t, st, id, domain.StatusCompleted)
	require.Equal(t, 100.0, rec.Progress)
	require.NotNil(t, rec.FilePath)
	require.Equal(t, filepath.Join(dir, "My_Song-"+id+".mp3"), *rec.FilePath)
	require.NotNil(t, rec.FileSize)
	require.Equal(t, int64(4096), *rec.FileSize)
	require.NotNil(t, rec.Title)
	require.Equal(t, "My Song", *rec.Title)
	require.NotNil(t, rec.CompletedAt)
	require.Nil(t, rec.Error)
}

func TestSubmitRecordsExecutorFailure(t *testing.T) {
	exec := &fakeExecutor{
		run: func(ctx context.Context, req fetch.Request) (fetch.Result, error) {
			return fetch.Result{}, errors.New("yt-dlp: video unavailable")
		},
	}
	mgr, st := newTestManager(t, Config{Executor: exec})

	id, err := mgr.Submit(context.Background(), "https://youtu.be/abc")
	require.NoError(t, err)

	rec := waitForStatus(t, st, id, domain.StatusFailed)
	require.NotNil(t, rec.Error)
	require.Equal(t, "yt-dlp: video unavailable", *rec.Error)
	require.Nil(t, rec.CompletedAt)
}

func TestOnProgressMovesPendingToDownloading(t *testing.T) {
	mgr, st := newTestManager(t, Config{Executor: &fakeExecutor{}})
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, "job-1", "https://youtube.com/watch?v=a", domain.PlatformYouTube))

	mgr.OnProgress(ctx, "job-1", 12.5)

	rec, err := st.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusDownloading, rec.Status)
	require.Equal(t, 12.5, rec.Progress)
}

func TestOnProgressIgnoresRegressions(t *testing.T) {
	mgr, st := newTestManager(t, Config{Executor: &fakeExecutor{}})
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, "job-1", "https://youtube.com/watch?v=a", domain.PlatformYouTube))
	mgr.OnProgress(ctx, "job-1", 60)
	mgr.OnProgress(ctx, "job-1", 40)

	rec, err := st.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 60.0, rec.Progress)
}

func TestCallbacksIgnoreTerminalRecords(t *testing.T) {
	mgr, st := newTestManager(t, Config{Executor: &fakeExecutor{}})
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, "job-1", "https://youtube.com/watch?v=a", domain.PlatformYouTube))
	mgr.OnFailed(ctx, "job-1", "network error")

	mgr.OnProgress(ctx, "job-1", 50)
	mgr.OnCompleted(ctx, "job-1", fetch.Result{FilePath: "/tmp/x.mp3", FileSize: 1})
	mgr.OnFailed(ctx, "job-1", "second failure")

	rec, err := st.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, rec.Status)
	require.Equal(t, 0.0, rec.Progress)
	require.NotNil(t, rec.Error)
	require.Equal(t, "network error", *rec.Error)
}

func TestCallbacksIgnoreDeletedRecords(t *testing.T) {
	mgr, st := newTestManager(t, Config{Executor: &fakeExecutor{}})
	ctx := context.Background()

	mgr.OnProgress(ctx, "ghost", 50)
	mgr.OnCompleted(ctx, "ghost", fetch.Result{FilePath: "/tmp/x.mp3"})
	mgr.OnFailed(ctx, "ghost", "boom")

	records, err := st.List(ctx)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestOnCompletedAppliesAudioProcessing(t *testing.T) {
	proc := &fakeProcessor{}
	mgr, st := newTestManager(t, Config{Executor: &fakeExecutor{}, Processor: proc})
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, "job-1", "https://youtube.com/watch?v=a", domain.PlatformYouTube))

	mgr.OnCompleted(ctx, "job-1", fetch.Result{FilePath: "/music/song.mp3", FileSize: 2048, Title: "Song"})

	require.Equal(t, 1, proc.calls)
	require.Equal(t, domain.DefaultAudioSettings(), proc.lastSettings)

	rec, err := st.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, rec.Status)
	require.Equal(t, "/music/song.mp3", *rec.FilePath)
}

func TestOnCompletedSurvivesProcessorFailure(t *testing.T) {
	proc := &fakeProcessor{
		process: func(ctx context.Context, filePath string, settings domain.AudioSettings) (string, error) {
			return "", errors.New("ffmpeg exited with code 1")
		},
	}
	mgr, st := newTestManager(t, Config{Executor: &fakeExecutor{}, Processor: proc})
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, "job-1", "https://youtube.com/watch?v=a", domain.PlatformYouTube))
	mgr.OnCompleted(ctx, "job-1", fetch.Result{FilePath: "/music/song.mp3", FileSize: 2048})

	rec, err := st.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, rec.Status)
	require.Equal(t, "/music/song.mp3", *rec.FilePath)
	require.Equal(t, int64(2048), *rec.FileSize)
}

func TestOnCompletedUsesProcessedFileSize(t *testing.T) {
	dir := t.TempDir()
	processed := filepath.Join(dir, "song.mp3")
	require.NoError(t, os.WriteFile(processed, []byte("processed audio bytes"), 0o644))

	proc := &fakeProcessor{
		process: func(ctx context.Context, filePath string, settings domain.AudioSettings) (string, error) {
			return processed, nil
		},
	}
	mgr, st := newTestManager(t, Config{Executor: &fakeExecutor{}, Processor: proc})
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, "job-1", "https://youtube.com/watch?v=a", domain.PlatformYouTube))
	mgr.OnCompleted(ctx, "job-1", fetch.Result{FilePath: processed, FileSize: 1})

	rec, err := st.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, int64(len("processed audio bytes")), *rec.FileSize)
}

func TestRedownloadResetsRecord(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{
		started: make(chan fetch.Request, 1),
		run: func(ctx context.Context, req fetch.Request) (fetch.Result, error) {
			<-release
			return fetch.Result{}, errors.New("released")
		},
	}
	mgr, st := newTestManager(t, Config{Executor: exec})
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, "job-1", "https://youtube.com/watch?v=a", domain.PlatformYouTube))
	mgr.OnFailed(ctx, "job-1", "network error")

	require.NoError(t, mgr.Redownload(ctx, "job-1"))

	req := <-exec.started
	require.Equal(t, "job-1", req.JobID)
	require.Equal(t, "https://youtube.com/watch?v=a", req.URL)

	rec, err := st.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, rec.Status)
	require.Equal(t, 0.0, rec.Progress)
	require.Nil(t, rec.Error)

	close(release)
	waitForStatus(t, st, "job-1", domain.StatusFailed)
}

func TestRedownloadRejectsRunningJob(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{
		started: make(chan fetch.Request, 1),
		run: func(ctx context.Context, req fetch.Request) (fetch.Result, error) {
			<-release
			return fetch.Result{FilePath: "/tmp/a.mp3", FileSize: 1}, nil
		},
	}
	mgr, st := newTestManager(t, Config{Executor: exec})

	id, err := mgr.Submit(context.Background(), "https://youtube.com/watch?v=a")
	require.NoError(t, err)
	<-exec.started

	err = mgr.Redownload(context.Background(), id)
	require.ErrorIs(t, err, ErrInvalidState)

	close(release)
	waitForStatus(t, st, id, domain.StatusCompleted)
}

func TestRedownloadUnknownID(t *testing.T) {
	mgr, _ := newTestManager(t, Config{Executor: &fakeExecutor{}})

	err := mgr.Redownload(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCancelsRunningJob(t *testing.T) {
	exec := &fakeExecutor{
		started: make(chan fetch.Request, 1),
		run: func(ctx context.Context, req fetch.Request) (fetch.Result, error) {
			<-ctx.Done()
			return fetch.Result{}, ctx.Err()
		},
	}
	mgr, st := newTestManager(t, Config{Executor: exec})
	ctx := context.Background()

	id, err := mgr.Submit(ctx, "https://youtube.com/watch?v=a")
	require.NoError(t, err)
	<-exec.started

	require.NoError(t, mgr.Delete(ctx, id))

	_, err = st.Get(ctx, id)
	require.ErrorIs(t, err, store.ErrNotFound)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mgr.mu.Lock()
		n := len(mgr.active)
		mgr.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cancelled job never left the active set")
}

func TestClearAllCancelsEverything(t *testing.T) {
	exec := &fakeExecutor{
		started: make(chan fetch.Request, 3),
		run: func(ctx context.Context, req fetch.Request) (fetch.Result, error) {
			<-ctx.Done()
			return fetch.Result{}, ctx.Err()
		},
	}
	mgr, st := newTestManager(t, Config{Executor: exec})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := mgr.Submit(ctx, fmt.Sprintf("https://youtube.com/watch?v=%d", i))
		require.NoError(t, err)
		<-exec.started
	}

	require.NoError(t, mgr.ClearAll(ctx))

	records, err := st.List(ctx)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestManagerPublishesLifecycleEvents(t *testing.T) {
	exec := &fakeExecutor{
		run: func(ctx context.Context, req fetch.Request) (fetch.Result, error) {
			req.OnProgress(50)
			return fetch.Result{FilePath: "/tmp/a.mp3", FileSize: 10}, nil
		},
	}
	mgr, st := newTestManager(t, Config{Executor: exec})

	id, err := mgr.Submit(context.Background(), "https://youtube.com/watch?v=a")
	require.NoError(t, err)
	waitForStatus(t, st, id, domain.StatusCompleted)

	events := mgr.EventsSince(0)
	require.Len(t, events, 3)
	require.Equal(t, EventTypeStatus, events[0].Type)
	require.Equal(t, domain.StatusPending, events[0].Status)
	require.Equal(t, EventTypeProgress, events[1].Type)
	require.Equal(t, 50.0, events[1].Progress)
	require.Equal(t, EventTypeResult, events[2].Type)
	require.Equal(t, "/tmp/a.mp3", events[2].FilePath)
}

func TestIsValidTransition(t *testing.T) {
	cases := []struct {
		from, to domain.DownloadStatus
		want     bool
	}{
		{domain.StatusPending, domain.StatusDownloading, true},
		{domain.StatusPending, domain.StatusCompleted, true},
		{domain.StatusPending, domain.StatusFailed, true},
		{domain.StatusDownloading, domain.StatusDownloading, true},
		{domain.StatusDownloading, domain.StatusCompleted, true},
		{domain.StatusDownloading, domain.StatusFailed, true},
		{domain.StatusCompleted, domain.StatusFileMissing, true},
		{domain.StatusCompleted, domain.StatusPending, true},
		{domain.StatusFailed, domain.StatusPending, true},
		{domain.StatusFileMissing, domain.StatusPending, true},
		{domain.StatusCompleted, domain.StatusDownloading, false},
		{domain.StatusFailed, domain.StatusDownloading, false},
		{domain.StatusFailed, domain.StatusCompleted, false},
		{domain.StatusFileMissing, domain.StatusCompleted, false},
		{domain.StatusFailed, domain.StatusFailed, false},
	}

	for _, tc := range cases {
		got := isValidTransition(tc.from, tc.to)
		require.Equalf(t, tc.want, got, "%s -> %s", tc.from, tc.to)
	}
}
