package jobs

import "media-downloader/internal/domain"

// isValidTransition reports whether a record may move between the two
// lifecycle states. Same-state updates are allowed for progress and
// file refreshes; anything else must follow the lifecycle graph.
func isValidTransition(from, to domain.DownloadStatus) bool {
	if from == to {
		return from == domain.StatusPending ||
			from == domain.StatusDownloading ||
			from == domain.StatusCompleted
	}

	switch from {
	case domain.StatusPending:
		return to == domain.StatusDownloading ||
			to == domain.StatusCompleted ||
			to == domain.StatusFailed
	case domain.StatusDownloading:
		return to == domain.StatusCompleted || to == domain.StatusFailed
	case domain.StatusCompleted:
		return to == domain.StatusFileMissing || to == domain.StatusPending
	case domain.StatusFailed, domain.StatusFileMissing:
		return to == domain.StatusPending
	default:
		return false
	}
}
