package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"media-downloader/internal/domain"
)

// fakeRunner records invocations and simulates ffmpeg outcomes.
type fakeRunner struct {
	lastName string
	lastArgs []string
	output   string
	exitCode int
	err      error
	onRun    func(args []string)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, int, error) {
	f.lastName = name
	f.lastArgs = append([]string{}, args...)
	if f.onRun != nil {
		f.onRun(args)
	}
	return f.output, f.exitCode, f.err
}

// TestProcessBuildsFilterAndReplacesOriginal checks the happy path.
func TestProcessBuildsFilterAndReplacesOriginal(t *testing.T) {
	dir := t.TempDir()
	original := filepath.Join(dir, "track.mp3")
	if err := os.WriteFile(original, []byte("original"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	runner := &fakeRunner{
		onRun: func(args []string) {
			out := args[len(args)-1]
			if err := os.WriteFile(out, []byte("processed"), 0o644); err != nil {
				t.Fatalf("write processed: %v", err)
			}
		},
	}
	processor := NewProcessorForTests("ffmpeg-test", runner, os.Stat, os.Rename, os.Remove)

	settings := domain.AudioSettings{VolumeBoost: 2.0, NormalizeLoudness: true, TargetLUFS: -16}
	got, err := processor.Process(context.Background(), original, settings)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if got != original {
		t.Fatalf("path = %q, want %q", got, original)
	}

	filter := argValue(runner.lastArgs, "-af")
	if filter != "loudnorm=I=-16:TP=-1.5:LRA=11,volume=2" {
		t.Fatalf("filter = %q", filter)
	}
	data, err := os.ReadFile(original)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "processed" {
		t.Fatalf("content = %q, want processed", data)
	}
	if _, err := os.Stat(strings.TrimSuffix(original, ".mp3") + ".processed.mp3"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file should be gone, stat err = %v", err)
	}
}

// TestProcessNoWorkReturnsInputUnchanged checks the skip path.
func TestProcessNoWorkReturnsInputUnchanged(t *testing.T) {
	runner := &fakeRunner{}
	processor := NewProcessorForTests("ffmpeg", runner, os.Stat, os.Rename, os.Remove)

	settings := domain.AudioSettings{VolumeBoost: 1.0, NormalizeLoudness: false, TargetLUFS: -16}
	got, err := processor.Process(context.Background(), "/tmp/whatever.mp3", settings)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if got != "/tmp/whatever.mp3" {
		t.Fatalf("path = %q", got)
	}
	if runner.lastName != "" {
		t.Fatal("ffmpeg should not run when no filter applies")
	}
}

// TestProcessFailureKeepsOriginal checks graceful failure behavior.
func TestProcessFailureKeepsOriginal(t *testing.T) {
	dir := t.TempDir()
	original := filepath.Join(dir, "track.mp3")
	if err := os.WriteFile(original, []byte("original"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	runner := &fakeRunner{
		output:   "something went wrong\nInvalid data found",
		exitCode: 1,
		err:      errors.New("exit status 1"),
	}
	processor := NewProcessorForTests("ffmpeg", runner, os.Stat, os.Rename, os.Remove)

	settings := domain.AudioSettings{VolumeBoost: 3.0, NormalizeLoudness: true, TargetLUFS: -14}
	if _, err := processor.Process(context.Background(), original, settings); err == nil {
		t.Fatal("expected error")
	}

	data, err := os.ReadFile(original)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "original" {
		t.Fatalf("original file was modified: %q", data)
	}
}

// TestBuildFilter verifies combinations of the filter chain.
func TestBuildFilter(t *testing.T) {
	tests := []struct {
		name     string
		settings domain.AudioSettings
		want     string
	}{
		{
			"normalize and boost",
			domain.AudioSettings{VolumeBoost: 2.5, NormalizeLoudness: true, TargetLUFS: -18},
			"loudnorm=I=-18:TP=-1.5:LRA=11,volume=2.5",
		},
		{
			"normalize only",
			domain.AudioSettings{VolumeBoost: 1.0, NormalizeLoudness: true, TargetLUFS: -14},
			"loudnorm=I=-14:TP=-1.5:LRA=11",
		},
		{
			"boost only",
			domain.AudioSettings{VolumeBoost: 4.0, NormalizeLoudness: false, TargetLUFS: -16},
			"volume=4",
		},
		{
			"nothing to do",
			domain.AudioSettings{VolumeBoost: 1.0, NormalizeLoudness: false, TargetLUFS: -16},
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildFilter(tt.settings); got != tt.want {
				t.Fatalf("buildFilter() = %q, want %q", got, tt.want)
			}
		})
	}
}

// argValue returns the value following flag in args, or empty string.
func argValue(args []string, flag string) string {
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
