// Package platform classifies submitted URLs and derives filesystem-safe
// names for downloaded artifacts.
package platform

import (
	"net/url"
	"strings"

	"media-downloader/internal/domain"
)

// Detect classifies a URL into a supported platform tag by host matching.
// The second return value is false for unknown or unparseable hosts.
func Detect(rawURL string) (domain.Platform, bool) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", false
	}

	host := strings.ToLower(parsed.Hostname())
	switch {
	case hostMatches(host, "youtube.com"), hostMatches(host, "youtu.be"):
		return domain.PlatformYouTube, true
	case hostMatches(host, "spotify.com"):
		return domain.PlatformSpotify, true
	case hostMatches(host, "soundcloud.com"):
		return domain.PlatformSoundCloud, true
	default:
		return "", false
	}
}

// hostMatches reports whether host is domain itself or one of its subdomains.
func hostMatches(host, domainName string) bool {
	return host == domainName || strings.HasSuffix(host, "."+domainName)
}

// CleanTitle converts a track title into a filesystem-safe base name.
// Only alphanumerics, dashes, and underscores survive; spaces become
// underscores.
func CleanTitle(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune(r)
		}
	}

	cleaned := strings.TrimSpace(b.String())
	if cleaned == "" {
		return "download"
	}
	return strings.ReplaceAll(cleaned, " ", "_")
}
