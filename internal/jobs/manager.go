package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"media-downloader/internal/domain"
	"media-downloader/internal/fetch"
	"media-downloader/internal/platform"
	"media-downloader/internal/store"
)

var (
	// ErrUnsupportedPlatform means the URL matched no known service.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	// ErrNotFound means the download record does not exist.
	ErrNotFound = store.ErrNotFound
	// ErrInvalidState means the operation conflicts with a running job.
	ErrInvalidState = errors.New("download already in progress")
	// ErrExecutorUnavailable means no downloader tool can run right now.
	ErrExecutorUnavailable = errors.New("download executor unavailable")
)

// Executor runs one download end to end and reports progress through
// the request callback. It must return exactly once per invocation.
type Executor interface {
	Run(ctx context.Context, req fetch.Request) (fetch.Result, error)
}

// AudioProcessor rewrites a finished file according to audio settings
// and returns the path of the final file.
type AudioProcessor interface {
	Process(ctx context.Context, filePath string, settings domain.AudioSettings) (string, error)
}

// Config carries the manager's collaborators.
type Config struct {
	Store        *store.Store
	Executor     Executor
	Processor    AudioProcessor
	Events       *EventBus
	Logger       *zap.Logger
	DownloadsDir string

	// ExecutorReady, when set, gates submissions on tool availability.
	ExecutorReady func() bool
}

// Manager owns the download lifecycle: it creates records, launches
// executor jobs, applies their callbacks to the store and publishes
// events. All record writes go through the manager.
type Manager struct {
	store         *store.Store
	executor      Executor
	processor     AudioProcessor
	events        *EventBus
	logger        *zap.Logger
	downloadsDir  string
	executorReady func() bool

	mu     sync.Mutex
	active map[string]context.CancelFunc
	notify func(Event)
}

// NewManager wires a manager from its collaborators.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	events := cfg.Events
	if events == nil {
		events = NewEventBus(0)
	}

	return &Manager{
		store:         cfg.Store,
		executor:      cfg.Executor,
		processor:     cfg.Processor,
		events:        events,
		logger:        logger,
		downloadsDir:  cfg.DownloadsDir,
		executorReady: cfg.ExecutorReady,
		active:        make(map[string]context.CancelFunc),
	}
}

// SetNotify registers a callback invoked for every published event.
// Used by the UI layer to forward events to the frontend.
func (m *Manager) SetNotify(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

// EventsSince returns buffered events newer than the given sequence.
func (m *Manager) EventsSince(seq int64) []Event {
	return m.events.Since(seq)
}

// Submit registers a new download and starts it in the background.
// It returns the new record's id without waiting for the download.
func (m *Manager) Submit(ctx context.Context, rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)

	plat, ok := platform.Detect(rawURL)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedPlatform, rawURL)
	}

	if err := m.checkExecutor(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	if err := m.store.Create(ctx, id, rawURL, plat); err != nil {
		return "", err
	}

	m.logger.Info("download submitted",
		zap.String("id", id),
		zap.String("platform", string(plat)))

	m.publish(Event{
		JobID:  id,
		Type:   EventTypeStatus,
		Status: domain.StatusPending,
	})

	m.startJob(id, rawURL, plat)
	return id, nil
}

// Redownload resets a finished record to pending and runs it again
// under the same id. Records with a job in flight are rejected.
func (m *Manager) Redownload(ctx context.Context, id string) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	_, running := m.active[id]
	m.mu.Unlock()
	if running || rec.Status == domain.StatusDownloading {
		return fmt.Errorf("%w: %s", ErrInvalidState, id)
	}

	if err := m.checkExecutor(); err != nil {
		return err
	}

	progress := 0.0
	err = m.store.Update(ctx, id, domain.StatusPending, store.UpdateOptions{
		Progress:   &progress,
		ClearError: true,
	})
	if err != nil {
		return err
	}

	m.logger.Info("download restarted", zap.String("id", id))

	m.publish(Event{
		JobID:  id,
		Type:   EventTypeStatus,
		Status: domain.StatusPending,
	})

	m.startJob(id, rec.URL, rec.Platform)
	return nil
}

// Get returns one download record.
func (m *Manager) Get(ctx context.Context, id string) (domain.Download, error) {
	return m.store.Get(ctx, id)
}

// List returns all download records, newest first.
func (m *Manager) List(ctx context.Context) ([]domain.Download, error) {
	return m.store.List(ctx)
}

// Delete removes a record and cancels its job if one is running.
// Downloaded files on disk are left in place.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	if cancel, ok := m.active[id]; ok {
		cancel()
		delete(m.active, id)
	}
	m.mu.Unlock()

	return m.store.Delete(ctx, id)
}

// ClearAll removes every record and cancels all running jobs.
func (m *Manager) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	for id, cancel := range m.active {
		cancel()
		delete(m.active, id)
	}
	m.mu.Unlock()

	return m.store.Clear(ctx)
}

// AudioSettings returns the persisted post-processing settings.
func (m *Manager) AudioSettings(ctx context.Context) (domain.AudioSettings, error) {
	return m.store.AudioSettings(ctx)
}

// SaveAudioSettings persists post-processing settings. New settings
// affect downloads finishing after the write, not earlier files.
func (m *Manager) SaveAudioSettings(ctx context.Context, settings domain.AudioSettings) error {
	return m.store.SaveAudioSettings(ctx, settings)
}

// OnProgress records executor progress. Calls for deleted or already
// terminal records are ignored so a lagging job cannot resurrect them.
func (m *Manager) OnProgress(ctx context.Context, id string, percent float64) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return
	}
	if !isValidTransition(rec.Status, domain.StatusDownloading) {
		return
	}
	if rec.Status == domain.StatusDownloading && percent < rec.Progress {
		return
	}

	err = m.store.Update(ctx, id, domain.StatusDownloading, store.UpdateOptions{
		Progress: &percent,
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("progress update failed", zap.String("id", id), zap.Error(err))
		}
		return
	}

	m.publish(Event{
		JobID:    id,
		Type:     EventTypeProgress,
		Status:   domain.StatusDownloading,
		Progress: percent,
	})
}

// OnCompleted finalizes a successful download: it applies audio
// post-processing when configured and marks the record completed.
// Post-processing failures keep the unprocessed file and still
// complete the record.
func (m *Manager) OnCompleted(ctx context.Context, id string, result fetch.Result) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return
	}
	if !isValidTransition(rec.Status, domain.StatusCompleted) {
		return
	}

	filePath := result.FilePath
	fileSize := result.FileSize

	if m.processor != nil {
		settings, serr := m.store.AudioSettings(ctx)
		if serr != nil {
			m.logger.Warn("loading audio settings failed, skipping post-processing",
				zap.String("id", id), zap.Error(serr))
		} else if processed, perr := m.processor.Process(ctx, filePath, settings); perr != nil {
			m.logger.Warn("audio post-processing failed, keeping unprocessed file",
				zap.String("id", id), zap.Error(perr))
		} else {
			filePath = processed
			if info, statErr := os.Stat(filePath); statErr == nil {
				fileSize = info.Size()
			}
		}
	}

	progress := 100.0
	opts := store.UpdateOptions{
		Progress:   &progress,
		FilePath:   &filePath,
		FileSize:   &fileSize,
		ClearError: true,
	}
	if result.Title != "" {
		opts.Title = &result.Title
	}
	if result.Artist != "" {
		opts.Artist = &result.Artist
	}

	err = m.store.Update(ctx, id, domain.StatusCompleted, opts)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("completion update failed", zap.String("id", id), zap.Error(err))
		}
		return
	}

	m.logger.Info("download completed",
		zap.String("id", id),
		zap.String("file", filePath))

	m.publish(Event{
		JobID:    id,
		Type:     EventTypeResult,
		Status:   domain.StatusCompleted,
		Progress: 100,
		FilePath: filePath,
	})
}

// OnFailed marks a record failed with the given message. Like the
// other callbacks it ignores deleted and already terminal records.
func (m *Manager) OnFailed(ctx context.Context, id string, message string) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return
	}
	if !isValidTransition(rec.Status, domain.StatusFailed) {
		return
	}

	err = m.store.Update(ctx, id, domain.StatusFailed, store.UpdateOptions{
		Error: &message,
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("failure update failed", zap.String("id", id), zap.Error(err))
		}
		return
	}

	m.logger.Warn("download failed",
		zap.String("id", id),
		zap.String("reason", message))

	m.publish(Event{
		JobID:   id,
		Type:    EventTypeError,
		Status:  domain.StatusFailed,
		Message: message,
	})
}

func (m *Manager) checkExecutor() error {
	if m.executor == nil {
		return ErrExecutorUnavailable
	}
	if m.executorReady != nil && !m.executorReady() {
		return ErrExecutorUnavailable
	}
	return nil
}

func (m *Manager) startJob(id, rawURL string, plat domain.Platform) {
	jobCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.active[id] = cancel
	m.mu.Unlock()

	go m.runJob(jobCtx, id, rawURL, plat)
}

func (m *Manager) runJob(ctx context.Context, id, rawURL string, plat domain.Platform) {
	defer func() {
		m.mu.Lock()
		if cancel, ok := m.active[id]; ok {
			cancel()
			delete(m.active, id)
		}
		m.mu.Unlock()
	}()

	result, err := m.executor.Run(ctx, fetch.Request{
		JobID:        id,
		URL:          rawURL,
		Platform:     plat,
		DownloadsDir: m.downloadsDir,
		OnProgress: func(percent float64) {
			m.OnProgress(context.Background(), id, percent)
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			m.logger.Info("download cancelled", zap.String("id", id))
			return
		}
		m.OnFailed(context.Background(), id, err.Error())
		return
	}

	m.OnCompleted(context.Background(), id, result)
}

func (m *Manager) publish(event Event) {
	published := m.events.Publish(event)

	m.mu.Lock()
	notify := m.notify
	m.mu.Unlock()

	if notify != nil {
		notify(published)
	}
}
