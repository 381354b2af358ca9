package config

import (
	"os"
	"path/filepath"

	"media-downloader/internal/domain"
)

const defaultPollIntervalSeconds = 5

// DefaultSettings returns baseline local configuration for first launch.
func DefaultSettings() domain.Settings {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	return domain.Settings{
		DownloadsDir:        filepath.Join(homeDir, "Downloads", "media-downloader"),
		DatabasePath:        filepath.Join(homeDir, ".media-downloader", "downloads.db"),
		PollIntervalSeconds: defaultPollIntervalSeconds,
		LogLevel:            "info",
	}
}
