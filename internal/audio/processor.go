// Package audio rewrites completed downloads with loudness normalization
// and volume boost via ffmpeg.
package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"media-downloader/internal/domain"
)

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (output string, exitCode int, err error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return string(out), exitCode, err
	}
	return string(out), 0, nil
}

// Processor applies post-processing filters to a finished audio file.
type Processor struct {
	ffmpegPath string
	runner     commandRunner
	stat       func(name string) (os.FileInfo, error)
	rename     func(oldpath, newpath string) error
	remove     func(name string) error
}

// NewProcessor constructs the production processor with OS dependencies.
func NewProcessor() *Processor {
	return &Processor{
		ffmpegPath: "ffmpeg",
		runner:     &execRunner{},
		stat:       os.Stat,
		rename:     os.Rename,
		remove:     os.Remove,
	}
}

// Process rewrites filePath according to settings and returns the final
// path. The original file is replaced only after the processed file is
// confirmed on disk, so a failure leaves the original usable. Settings
// that require no work return the input path unchanged.
func (p *Processor) Process(ctx context.Context, filePath string, settings domain.AudioSettings) (string, error) {
	filter := buildFilter(settings)
	if filter == "" {
		return filePath, nil
	}

	if _, err := p.stat(filePath); err != nil {
		return "", fmt.Errorf("cannot access audio file %s: %w", filePath, err)
	}

	ext := filepath.Ext(filePath)
	tempPath := strings.TrimSuffix(filePath, ext) + ".processed" + ext

	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", filePath,
		"-af", filter,
		"-codec:a", "libmp3lame",
		"-qscale:a", "0",
		tempPath,
	}
	output, exitCode, err := p.runner.Run(ctx, p.ffmpegPath, args...)
	if err != nil {
		_ = p.remove(tempPath)
		return "", fmt.Errorf("ffmpeg filter failed (exit=%d): %w: %s", exitCode, err, lastLine(output))
	}

	if _, err := p.stat(tempPath); err != nil {
		return "", fmt.Errorf("ffmpeg completed but processed file is missing: %w", err)
	}

	if err := p.rename(tempPath, filePath); err != nil {
		_ = p.remove(tempPath)
		return "", fmt.Errorf("replace original with processed file: %w", err)
	}
	return filePath, nil
}

// buildFilter assembles the ffmpeg -af chain for the given settings.
// An empty string means no processing is needed.
func buildFilter(settings domain.AudioSettings) string {
	var parts []string
	if settings.NormalizeLoudness {
		parts = append(parts, fmt.Sprintf("loudnorm=I=%g:TP=-1.5:LRA=11", settings.TargetLUFS))
	}
	if settings.VolumeBoost != 1.0 && settings.VolumeBoost > 0 {
		parts = append(parts, fmt.Sprintf("volume=%g", settings.VolumeBoost))
	}
	return strings.Join(parts, ",")
}

// lastLine returns the final non-empty output line for compact errors.
func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// NewProcessorForTests constructs a processor with injectable dependencies.
func NewProcessorForTests(
	ffmpegPath string,
	runner commandRunner,
	stat func(name string) (os.FileInfo, error),
	rename func(oldpath, newpath string) error,
	remove func(name string) error,
) *Processor {
	return &Processor{
		ffmpegPath: ffmpegPath,
		runner:     runner,
		stat:       stat,
		rename:     rename,
		remove:     remove,
	}
}
