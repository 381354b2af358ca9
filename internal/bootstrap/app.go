package bootstrap

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"go.uber.org/zap"

	"media-downloader/internal/audio"
	"media-downloader/internal/config"
	"media-downloader/internal/diagnostics"
	"media-downloader/internal/domain"
	"media-downloader/internal/fetch"
	"media-downloader/internal/jobs"
	"media-downloader/internal/logging"
	"media-downloader/internal/store"

	wailsruntime "github.com/wailsapp/wails/v2/pkg/runtime"
)

// App wires configuration, persistence, jobs, and UI runtime callbacks.
type App struct {
	Settings    domain.Settings
	Store       config.Store
	Records     *store.Store
	Jobs        *jobs.Manager
	Poller      *jobs.Poller
	Diagnostics domain.DiagnosticReport

	assets   fs.FS
	checker  *diagnostics.Checker
	logger   *zap.Logger
	validate *validator.Validate

	mu         sync.Mutex
	runtimeCtx context.Context
	stopPoller context.CancelFunc
}

// New builds the application with persisted settings and startup diagnostics.
func New() (*App, error) {
	return NewWithAssets(nil)
}

// NewWithAssets builds the application and optionally configures embedded frontend assets.
func NewWithAssets(assets fs.FS) (*App, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve user home: %w", err)
	}
	if err := ensureLocalBinOnPATH(homeDir); err != nil {
		return nil, fmt.Errorf("prepare local tool path: %w", err)
	}

	cfgStore := config.NewJSONStore(filepath.Join(homeDir, ".media-downloader", "settings.json"))
	settings, err := cfgStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	logger, err := logging.New(settings.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	records, err := store.Open(settings.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open download store: %w", err)
	}

	checker := diagnostics.NewChecker()
	report := checker.Run(settings)

	events := jobs.NewEventBus(1000)
	manager := jobs.NewManager(jobs.Config{
		Store:        records,
		Executor:     fetch.NewFetcher(),
		Processor:    audio.NewProcessor(),
		Events:       events,
		Logger:       logger.Named("jobs"),
		DownloadsDir: settings.DownloadsDir,
		ExecutorReady: func() bool {
			return checker.ExecutorAvailable(settings)
		},
	})

	interval := time.Duration(settings.PollIntervalSeconds) * time.Second
	poller := jobs.NewPoller(records, events, logger.Named("poller"), interval)

	app := &App{
		Settings:    settings,
		Store:       cfgStore,
		Records:     records,
		Jobs:        manager,
		Poller:      poller,
		Diagnostics: report,
		assets:      assets,
		checker:     checker,
		logger:      logger,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}

	manager.SetNotify(app.emitEvent)
	return app, nil
}

// Run starts the Wails desktop application and binds backend methods.
func (a *App) Run() error {
	assetOptions := &assetserver.Options{}
	if a.assets != nil {
		assetOptions.Assets = a.assets
	} else {
		assetOptions.Handler = http.FileServer(http.Dir("./frontend"))
	}

	return wails.Run(&options.App{
		Title:       "Media Downloader",
		Width:       1180,
		Height:      780,
		AssetServer: assetOptions,
		OnStartup:   a.Startup,
		OnShutdown:  a.Shutdown,
		Bind:        []interface{}{a},
	})
}

// Startup stores Wails runtime context and launches the file poller.
func (a *App) Startup(ctx context.Context) {
	pollCtx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.runtimeCtx = ctx
	a.stopPoller = cancel
	a.mu.Unlock()

	go a.Poller.Run(pollCtx)
}

// Shutdown stops background work and releases the record store.
func (a *App) Shutdown(ctx context.Context) {
	a.mu.Lock()
	stop := a.stopPoller
	a.runtimeCtx = nil
	a.stopPoller = nil
	a.mu.Unlock()

	if stop != nil {
		stop()
	}
	if err := a.Records.Close(); err != nil {
		a.logger.Warn("closing download store failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// StartDownload submits a URL and returns the new pending record.
func (a *App) StartDownload(url string) (domain.Download, error) {
	ctx := context.Background()

	id, err := a.Jobs.Submit(ctx, url)
	if err != nil {
		return domain.Download{}, err
	}

	return a.Jobs.Get(ctx, id)
}

// GetDownload returns one download record by id.
func (a *App) GetDownload(id string) (domain.Download, error) {
	return a.Jobs.Get(context.Background(), id)
}

// ListDownloads returns all download records, newest first.
func (a *App) ListDownloads() ([]domain.Download, error) {
	return a.Jobs.List(context.Background())
}

// DeleteDownload removes one record, cancelling its job if running.
func (a *App) DeleteDownload(id string) error {
	return a.Jobs.Delete(context.Background(), id)
}

// ClearDownloads removes all records and cancels running jobs.
func (a *App) ClearDownloads() error {
	return a.Jobs.ClearAll(context.Background())
}

// RedownloadFile restarts a finished download under its existing id.
func (a *App) RedownloadFile(id string) (domain.Download, error) {
	ctx := context.Background()

	if err := a.Jobs.Redownload(ctx, id); err != nil {
		return domain.Download{}, err
	}

	return a.Jobs.Get(ctx, id)
}

// GetAudioSettings returns persisted post-processing settings.
func (a *App) GetAudioSettings() (domain.AudioSettings, error) {
	return a.Jobs.AudioSettings(context.Background())
}

// UpdateAudioSettings validates and persists post-processing settings.
func (a *App) UpdateAudioSettings(settings domain.AudioSettings) (domain.AudioSettings, error) {
	if err := a.validate.Struct(settings); err != nil {
		return domain.AudioSettings{}, fmt.Errorf("invalid audio settings: %w", err)
	}

	if err := a.Jobs.SaveAudioSettings(context.Background(), settings); err != nil {
		return domain.AudioSettings{}, err
	}
	return settings, nil
}

// GetDiagnostics returns the latest cached diagnostics report.
func (a *App) GetDiagnostics() domain.DiagnosticReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Diagnostics
}

// RefreshDiagnostics reloads settings and reruns dependency checks.
func (a *App) RefreshDiagnostics() (domain.DiagnosticReport, error) {
	settings, err := a.Store.Load()
	if err != nil {
		return domain.DiagnosticReport{}, fmt.Errorf("load settings: %w", err)
	}

	report := a.checker.Run(settings)

	a.mu.Lock()
	a.Settings = settings
	a.Diagnostics = report
	a.mu.Unlock()

	return report, nil
}

// GetSettings loads and returns the latest persisted settings.
func (a *App) GetSettings() (domain.Settings, error) {
	settings, err := a.Store.Load()
	if err != nil {
		return domain.Settings{}, fmt.Errorf("load settings: %w", err)
	}

	a.mu.Lock()
	a.Settings = settings
	a.mu.Unlock()

	return settings, nil
}

// SaveSettings normalizes and persists settings, then refreshes
// diagnostics. Database path changes take effect on next launch.
func (a *App) SaveSettings(settings domain.Settings) (domain.Settings, error) {
	normalized := normalizeSettings(settings)
	if err := a.Store.Save(normalized); err != nil {
		return domain.Settings{}, fmt.Errorf("save settings: %w", err)
	}

	report := a.checker.Run(normalized)

	a.mu.Lock()
	a.Settings = normalized
	a.Diagnostics = report
	a.mu.Unlock()

	return normalized, nil
}

// JobEvents returns all events with sequence greater than sinceSeq.
func (a *App) JobEvents(sinceSeq int64) []jobs.Event {
	return a.Jobs.EventsSince(sinceSeq)
}

// OpenDownloadsFolder opens the given path (or configured downloads dir)
// in the platform file manager.
func (a *App) OpenDownloadsFolder(path string) error {
	target := strings.TrimSpace(path)
	if target == "" {
		a.mu.Lock()
		target = a.Settings.DownloadsDir
		a.mu.Unlock()
	}
	if target == "" {
		return fmt.Errorf("downloads path is empty")
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("resolve downloads path: %w", err)
	}

	openPath := target
	if !info.IsDir() {
		openPath = filepath.Dir(target)
	}

	return openInFileManager(openPath)
}

// emitEvent pushes one published event to the frontend.
func (a *App) emitEvent(event jobs.Event) {
	a.mu.Lock()
	ctx := a.runtimeCtx
	a.mu.Unlock()

	if ctx != nil {
		wailsruntime.EventsEmit(ctx, "download:event", event)
	}
}

// normalizeSettings trims user inputs and applies defaults for empty fields.
func normalizeSettings(settings domain.Settings) domain.Settings {
	defaults := config.DefaultSettings()

	settings.DownloadsDir = strings.TrimSpace(settings.DownloadsDir)
	settings.DatabasePath = strings.TrimSpace(settings.DatabasePath)
	settings.LogLevel = strings.TrimSpace(settings.LogLevel)

	if settings.DownloadsDir == "" {
		settings.DownloadsDir = defaults.DownloadsDir
	}
	if settings.DatabasePath == "" {
		settings.DatabasePath = defaults.DatabasePath
	}
	if settings.PollIntervalSeconds <= 0 {
		settings.PollIntervalSeconds = defaults.PollIntervalSeconds
	}
	if settings.LogLevel == "" {
		settings.LogLevel = defaults.LogLevel
	}
	return settings
}

// ensureLocalBinOnPATH prepends the app's private bin directory so
// pip-installed downloader tools resolve without shell configuration.
func ensureLocalBinOnPATH(homeDir string) error {
	binDir := filepath.Join(homeDir, ".media-downloader", "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return err
	}

	current := os.Getenv("PATH")
	for _, entry := range filepath.SplitList(current) {
		if filepath.Clean(entry) == filepath.Clean(binDir) {
			return nil
		}
	}

	if current == "" {
		return os.Setenv("PATH", binDir)
	}
	return os.Setenv("PATH", binDir+string(os.PathListSeparator)+current)
}

// openInFileManager launches the platform file explorer for the provided path.
func openInFileManager(path string) error {
	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", filepath.Clean(path))
	default:
		cmd = exec.Command("xdg-open", path)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch file manager: %w", err)
	}
	return nil
}
