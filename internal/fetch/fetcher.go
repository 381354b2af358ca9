// Package fetch invokes the platform-specific downloader CLI tools and
// reports progress while a retrieval is in flight.
package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"media-downloader/internal/domain"
	"media-downloader/internal/platform"
)

// Request describes one retrieval attempt for a single job.
type Request struct {
	JobID        string
	URL          string
	Platform     domain.Platform
	DownloadsDir string
	OnProgress   func(percent float64)
}

// Result is the terminal success outcome of one retrieval.
type Result struct {
	FilePath string
	FileSize int64
	Title    string
	Artist   string
}

// CommandLog captures one external command invocation result.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Output   string   `json:"output"`
}

// FetchError is a tool-aware error with optional command context.
type FetchError struct {
	Tool       string     `json:"tool"`
	Message    string     `json:"message"`
	CommandLog CommandLog `json:"commandLog"`
	Err        error      `json:"-"`
}

// Error formats retrieval failures for logs and stored error text.
func (e *FetchError) Error() string {
	if e == nil {
		return ""
	}
	if e.CommandLog.Command == "" {
		return fmt.Sprintf("%s: %s", e.Tool, e.Message)
	}

	return fmt.Sprintf("%s: %s (cmd=%s exit=%d)", e.Tool, e.Message, e.CommandLog.Command, e.CommandLog.ExitCode)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *FetchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// commandResult is an internal process execution response.
type commandResult struct {
	Output   string
	ExitCode int
}

// commandRunner abstracts process execution for testability. Run buffers
// output; Stream delivers combined output line by line as it arrives.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
	Stream(ctx context.Context, onLine func(string), name string, args ...string) (commandResult, error)
}

// maxTailLines bounds how much streamed output is kept for error context.
const maxTailLines = 50

// execRunner executes commands via os/exec.
type execRunner struct{}

// Run executes one command and captures combined output and exit code.
func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	result := commandResult{Output: string(out), ExitCode: 0}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// Stream executes one command, invoking onLine for every combined
// stdout/stderr line. The returned output holds the final lines only.
func (r *execRunner) Stream(ctx context.Context, onLine func(string), name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return commandResult{ExitCode: -1}, err
	}

	var tail []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if onLine != nil {
				onLine(line)
			}
			tail = append(tail, line)
			if len(tail) > maxTailLines {
				tail = tail[1:]
			}
		}
	}()

	err := cmd.Wait()
	_ = pw.Close()
	<-done

	result := commandResult{Output: strings.Join(tail, "\n"), ExitCode: 0}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// Fetcher runs the downloader tool matching a job's platform.
type Fetcher struct {
	ytdlpPath  string
	spotdlPath string
	scdlPath   string
	runner     commandRunner
	mkdirAll   func(path string, perm os.FileMode) error
	removeAll  func(path string) error
	stat       func(name string) (os.FileInfo, error)
	rename     func(oldpath, newpath string) error
	readDir    func(name string) ([]os.DirEntry, error)
}

// NewFetcher constructs the production fetcher with OS dependencies.
func NewFetcher() *Fetcher {
	return &Fetcher{
		ytdlpPath:  "yt-dlp",
		spotdlPath: "spotdl",
		scdlPath:   "scdl",
		runner:     &execRunner{},
		mkdirAll:   os.MkdirAll,
		removeAll:  os.RemoveAll,
		stat:       os.Stat,
		rename:     os.Rename,
		readDir:    os.ReadDir,
	}
}

// Run performs the retrieval and delivers exactly one terminal outcome:
// a Result on success or an error on failure. Zero or more OnProgress
// callbacks fire before the terminal outcome.
func (f *Fetcher) Run(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.URL) == "" {
		return Result{}, &FetchError{Tool: string(req.Platform), Message: "url is required"}
	}
	if strings.TrimSpace(req.DownloadsDir) == "" {
		return Result{}, &FetchError{Tool: string(req.Platform), Message: "downloads directory is required"}
	}
	if err := f.mkdirAll(req.DownloadsDir, 0o755); err != nil {
		return Result{}, &FetchError{
			Tool:    string(req.Platform),
			Message: fmt.Sprintf("cannot create downloads directory: %s", req.DownloadsDir),
			Err:     err,
		}
	}

	switch req.Platform {
	case domain.PlatformYouTube:
		return f.runYouTube(ctx, req)
	case domain.PlatformSpotify:
		return f.runSpotify(ctx, req)
	case domain.PlatformSoundCloud:
		return f.runSoundCloud(ctx, req)
	default:
		return Result{}, &FetchError{
			Tool:    string(req.Platform),
			Message: fmt.Sprintf("no downloader tool for platform %q", req.Platform),
		}
	}
}

// runYouTube retrieves audio via yt-dlp with mp3 extraction.
func (f *Fetcher) runYouTube(ctx context.Context, req Request) (Result, error) {
	tempDir, cleanup, err := f.tempDir(req)
	if err != nil {
		return Result{}, err
	}
	defer cleanup()

	title := "Unknown Title"
	titleResult, titleErr := f.runner.Run(ctx, f.ytdlpPath, req.URL, "--no-playlist", "--get-title")
	if titleErr == nil {
		if trimmed := strings.TrimSpace(titleResult.Output); trimmed != "" {
			title = trimmed
		}
	}

	// --newline makes yt-dlp emit one progress line per update rather
	// than rewriting a single line with carriage returns, which the
	// line scanner would only see at process exit.
	args := []string{
		req.URL,
		"--no-playlist",
		"--newline",
		"--output", filepath.Join(tempDir, "download.%(ext)s"),
		"--extract-audio",
		"--audio-format", "mp3",
		"--audio-quality", "0",
	}
	cmdResult, runErr := f.runner.Stream(ctx, func(line string) {
		if percent, ok := parseProgress(line); ok && req.OnProgress != nil {
			req.OnProgress(percent)
		}
	}, f.ytdlpPath, args...)
	if runErr != nil {
		return Result{}, &FetchError{
			Tool:       "yt-dlp",
			Message:    "download failed",
			CommandLog: CommandLog{Command: f.ytdlpPath, Args: args, ExitCode: cmdResult.ExitCode, Output: cmdResult.Output},
			Err:        runErr,
		}
	}

	return f.finalize(req, tempDir, "yt-dlp", title, "")
}

// runSpotify retrieves audio via spotdl. The query string is stripped so
// share links resolve to the bare track URL.
func (f *Fetcher) runSpotify(ctx context.Context, req Request) (Result, error) {
	tempDir, cleanup, err := f.tempDir(req)
	if err != nil {
		return Result{}, err
	}
	defer cleanup()

	cleanURL := req.URL
	if idx := strings.Index(cleanURL, "?"); idx >= 0 {
		cleanURL = cleanURL[:idx]
	}

	title := "Unknown Title"
	titleResult, titleErr := f.runner.Run(ctx, f.spotdlPath, cleanURL, "--print-errors")
	if titleErr == nil {
		for _, line := range strings.Split(titleResult.Output, "\n") {
			line = strings.TrimSpace(line)
			if strings.Contains(line, " - ") && !strings.HasPrefix(line, "Found") && !strings.HasPrefix(line, "Error") {
				title = line
				break
			}
		}
	}

	args := []string{cleanURL, "--output", tempDir}
	var ffmpegError string
	cmdResult, runErr := f.runner.Stream(ctx, func(line string) {
		if strings.Contains(line, "FFmpegError") {
			ffmpegError = strings.TrimSpace(line)
		}
	}, f.spotdlPath, args...)
	log := CommandLog{Command: f.spotdlPath, Args: args, ExitCode: cmdResult.ExitCode, Output: cmdResult.Output}
	if runErr != nil {
		return Result{}, &FetchError{Tool: "spotdl", Message: "download failed", CommandLog: log, Err: runErr}
	}
	if ffmpegError != "" {
		return Result{}, &FetchError{Tool: "spotdl", Message: ffmpegError, CommandLog: log}
	}

	artist := ""
	if parts := strings.SplitN(title, " - ", 2); len(parts) == 2 {
		artist = strings.TrimSpace(parts[0])
		title = strings.TrimSpace(parts[1])
	}
	return f.finalize(req, tempDir, "spotdl", title, artist)
}

// runSoundCloud retrieves audio via scdl, capturing the track title from
// its completion output.
func (f *Fetcher) runSoundCloud(ctx context.Context, req Request) (Result, error) {
	tempDir, cleanup, err := f.tempDir(req)
	if err != nil {
		return Result{}, err
	}
	defer cleanup()

	title := ""
	args := []string{"-l", req.URL, "--path", tempDir, "--overwrite", "--onlymp3"}
	cmdResult, runErr := f.runner.Stream(ctx, func(line string) {
		trimmed := strings.TrimSpace(line)
		if strings.HasSuffix(trimmed, ".mp3 Downloaded.") {
			name := strings.TrimSuffix(trimmed, " Downloaded.")
			title = strings.TrimSuffix(name, ".mp3")
		}
	}, f.scdlPath, args...)
	if runErr != nil {
		return Result{}, &FetchError{
			Tool:       "scdl",
			Message:    "download failed",
			CommandLog: CommandLog{Command: f.scdlPath, Args: args, ExitCode: cmdResult.ExitCode, Output: cmdResult.Output},
			Err:        runErr,
		}
	}

	if title == "" {
		title = "Unknown Title"
	}
	return f.finalize(req, tempDir, "scdl", title, "")
}

// tempDir creates the per-job scratch directory inside the downloads dir.
func (f *Fetcher) tempDir(req Request) (string, func(), error) {
	dir := filepath.Join(req.DownloadsDir, "tmp-"+req.JobID)
	_ = f.removeAll(dir)
	if err := f.mkdirAll(dir, 0o755); err != nil {
		return "", nil, &FetchError{
			Tool:    string(req.Platform),
			Message: "failed to create temporary download directory",
			Err:     err,
		}
	}
	return dir, func() { _ = f.removeAll(dir) }, nil
}

// finalize moves the single produced mp3 into the downloads directory
// under a job-unique name and reports its size.
func (f *Fetcher) finalize(req Request, tempDir, tool, title, artist string) (Result, error) {
	entries, err := f.readDir(tempDir)
	if err != nil {
		return Result{}, &FetchError{Tool: tool, Message: "cannot read temporary download directory", Err: err}
	}

	var mp3s []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".mp3") {
			mp3s = append(mp3s, entry.Name())
		}
	}
	if len(mp3s) != 1 {
		return Result{}, &FetchError{
			Tool:    tool,
			Message: fmt.Sprintf("expected one mp3 file in temp dir, found %d", len(mp3s)),
		}
	}

	finalName := platform.CleanTitle(title) + "-" + req.JobID + ".mp3"
	finalPath := filepath.Join(req.DownloadsDir, finalName)
	if err := f.rename(filepath.Join(tempDir, mp3s[0]), finalPath); err != nil {
		return Result{}, &FetchError{Tool: tool, Message: "failed to move downloaded file", Err: err}
	}

	info, err := f.stat(finalPath)
	if err != nil {
		return Result{}, &FetchError{Tool: tool, Message: "downloaded file vanished after move", Err: err}
	}

	return Result{FilePath: finalPath, FileSize: info.Size(), Title: title, Artist: artist}, nil
}

// parseProgress extracts the percent value from a yt-dlp download line,
// e.g. "[download]  42.3% of 4.2MiB at 1.1MiB/s".
func parseProgress(line string) (float64, bool) {
	if !strings.Contains(line, "[download]") || !strings.Contains(line, "%") {
		return 0, false
	}

	before := line[:strings.Index(line, "%")]
	fields := strings.Fields(before)
	if len(fields) == 0 {
		return 0, false
	}

	percent, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil || percent < 0 || percent > 100 {
		return 0, false
	}
	return percent, true
}

// NewFetcherForTests constructs a fetcher with injectable dependencies.
func NewFetcherForTests(
	ytdlpPath string,
	spotdlPath string,
	scdlPath string,
	runner commandRunner,
) *Fetcher {
	return &Fetcher{
		ytdlpPath:  ytdlpPath,
		spotdlPath: spotdlPath,
		scdlPath:   scdlPath,
		runner:     runner,
		mkdirAll:   os.MkdirAll,
		removeAll:  os.RemoveAll,
		stat:       os.Stat,
		rename:     os.Rename,
		readDir:    os.ReadDir,
	}
}
