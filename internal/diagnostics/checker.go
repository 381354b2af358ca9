package diagnostics

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"media-downloader/internal/domain"
)

// downloaderTools maps each tool to the platform it serves. At least
// one of them must be installed for submissions to be accepted.
var downloaderTools = map[string]string{
	"yt-dlp": "YouTube",
	"spotdl": "Spotify",
	"scdl":   "SoundCloud",
}

// Checker validates external tools and required filesystem paths.
type Checker struct {
	lookPath   func(string) (string, error)
	mkdirAll   func(string, os.FileMode) error
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error

	mu     sync.Mutex
	latest *domain.DiagnosticReport
}

// NewChecker builds a checker using real OS dependencies.
func NewChecker() *Checker {
	return &Checker{
		lookPath:   exec.LookPath,
		mkdirAll:   os.MkdirAll,
		createTemp: os.CreateTemp,
		remove:     os.Remove,
	}
}

// Run executes all startup checks and returns a combined report.
// The report is cached for ExecutorAvailable.
func (c *Checker) Run(settings domain.Settings) domain.DiagnosticReport {
	items := []domain.DiagnosticItem{
		c.checkDownloader("yt-dlp"),
		c.checkDownloader("spotdl"),
		c.checkDownloader("scdl"),
		c.checkTool("ffmpeg", "Audio post-processing is disabled until ffmpeg is installed."),
		c.checkDownloadsDir(settings.DownloadsDir),
		c.checkDatabasePath(settings.DatabasePath),
	}

	hasFailures := false
	for _, item := range items {
		if item.Status == domain.DiagnosticStatusFail {
			hasFailures = true
			break
		}
	}

	report := domain.DiagnosticReport{
		GeneratedAt: time.Now().UTC(),
		HasFailures: hasFailures,
		Items:       items,
	}

	c.mu.Lock()
	c.latest = &report
	c.mu.Unlock()

	return report
}

// ExecutorAvailable reports whether at least one downloader tool passed
// the most recent check. It runs the checks on first use.
func (c *Checker) ExecutorAvailable(settings domain.Settings) bool {
	c.mu.Lock()
	latest := c.latest
	c.mu.Unlock()

	if latest == nil {
		report := c.Run(settings)
		latest = &report
	}

	for _, item := range latest.Items {
		if _, ok := downloaderTools[item.Name]; ok && item.Status == domain.DiagnosticStatusPass {
			return true
		}
	}
	return false
}

// checkDownloader verifies one platform downloader is on PATH.
func (c *Checker) checkDownloader(name string) domain.DiagnosticItem {
	item := c.checkTool(name,
		fmt.Sprintf("Install %s to enable %s downloads.", name, downloaderTools[name]))
	item.ID = "downloader_" + name
	return item
}

// checkTool verifies a required CLI executable is on PATH.
func (c *Checker) checkTool(name, hint string) domain.DiagnosticItem {
	path, err := c.lookPath(name)
	if err != nil {
		return domain.DiagnosticItem{
			ID:      "tool_" + name,
			Name:    name,
			Status:  domain.DiagnosticStatusFail,
			Message: fmt.Sprintf("Tool not found in PATH: %s", name),
			Hint:    hint,
		}
	}

	return domain.DiagnosticItem{
		ID:      "tool_" + name,
		Name:    name,
		Status:  domain.DiagnosticStatusPass,
		Message: fmt.Sprintf("Found at %s", path),
	}
}

// checkDownloadsDir validates downloads directory existence and write access.
func (c *Checker) checkDownloadsDir(downloadsDir string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "downloads_dir",
		Name: "Downloads directory",
	}

	if strings.TrimSpace(downloadsDir) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "Downloads directory is empty."
		item.Hint = "Set a directory where finished files can be written."
		return item
	}

	if err := c.mkdirAll(downloadsDir, 0o755); err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Cannot create downloads directory: %s", downloadsDir)
		item.Hint = "Choose a writable location or adjust filesystem permissions."
		return item
	}

	tmpFile, err := c.createTemp(downloadsDir, ".write-check-*")
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Downloads directory is not writable: %s", downloadsDir)
		item.Hint = "Choose a writable directory for downloaded files."
		return item
	}

	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	_ = c.remove(tmpPath)

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Writable directory: %s", downloadsDir)
	return item
}

// checkDatabasePath validates the history database location is usable.
func (c *Checker) checkDatabasePath(databasePath string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "database_path",
		Name: "History database",
	}

	if strings.TrimSpace(databasePath) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "Database path is empty."
		item.Hint = "Set a file path where download history can be stored."
		return item
	}

	parent := filepath.Dir(databasePath)
	if err := c.mkdirAll(parent, 0o755); err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Cannot create database directory: %s", parent)
		item.Hint = "Choose a writable location for the history database."
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Database location is usable: %s", databasePath)
	return item
}

// NewCheckerForTests creates checker with injectable dependencies.
func NewCheckerForTests(
	lookPath func(string) (string, error),
	mkdirAll func(string, os.FileMode) error,
	createTemp func(string, string) (*os.File, error),
	remove func(string) error,
) *Checker {
	return &Checker{
		lookPath:   lookPath,
		mkdirAll:   mkdirAll,
		createTemp: createTemp,
		remove:     remove,
	}
}
