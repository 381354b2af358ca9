package domain

import "time"

// DownloadStatus tracks the lifecycle state of a single download job.
type DownloadStatus string

const (
	StatusPending     DownloadStatus = "pending"
	StatusDownloading DownloadStatus = "downloading"
	StatusCompleted   DownloadStatus = "completed"
	StatusFailed      DownloadStatus = "failed"
	StatusFileMissing DownloadStatus = "file_missing"
)

// Terminal reports whether a status accepts no further executor updates.
// Redownload is the only way out of a terminal status.
func (s DownloadStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusFileMissing:
		return true
	default:
		return false
	}
}

// Platform classifies the source site of a submitted URL.
type Platform string

const (
	PlatformYouTube    Platform = "youtube"
	PlatformSpotify    Platform = "spotify"
	PlatformSoundCloud Platform = "soundcloud"
)

// Download is one tracked download job and its persisted lifecycle state.
type Download struct {
	ID          string         `db:"id" json:"id"`
	URL         string         `db:"url" json:"url"`
	Title       *string        `db:"title" json:"title,omitempty"`
	Artist      *string        `db:"artist" json:"artist,omitempty"`
	Album       *string        `db:"album" json:"album,omitempty"`
	Platform    Platform       `db:"platform" json:"platform"`
	Status      DownloadStatus `db:"status" json:"status"`
	Progress    float64        `db:"progress" json:"progress"`
	FilePath    *string        `db:"file_path" json:"filePath,omitempty"`
	FileSize    *int64         `db:"file_size" json:"fileSize,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"createdAt"`
	CompletedAt *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
	Error       *string        `db:"error" json:"error,omitempty"`
}

// AudioSettings is the process-wide post-processing configuration.
// VolumeBoost multiplies output volume; TargetLUFS is the loudness
// normalization target and must be one of the supported presets.
type AudioSettings struct {
	VolumeBoost       float64 `db:"volume_boost" json:"volume_boost" validate:"gte=1.0,lte=5.0"`
	NormalizeLoudness bool    `db:"normalize_loudness" json:"normalize_loudness"`
	TargetLUFS        float64 `db:"target_lufs" json:"target_lufs" validate:"eq=-14|eq=-16|eq=-18|eq=-20"`
}

// DefaultAudioSettings returns the baseline post-processing configuration.
func DefaultAudioSettings() AudioSettings {
	return AudioSettings{
		VolumeBoost:       2.0,
		NormalizeLoudness: true,
		TargetLUFS:        -16.0,
	}
}

// Settings contains user-selectable runtime configuration.
type Settings struct {
	DownloadsDir        string `json:"downloadsDir"`
	DatabasePath        string `json:"databasePath"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds"`
	LogLevel            string `json:"logLevel"`
}
