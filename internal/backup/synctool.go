package backup

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/halcyonvault/halcyon/internal/classify"
	"github.com/rs/zerolog"
)

// SyncStats summarizes one sync-tool invocation.
type SyncStats struct {
	FilesTransferred int
	BytesTransferred int64
}

// SyncOptions carries the per-invocation knobs shared by the sync tools.
// Fields a tool does not support are ignored by that tool.
type SyncOptions struct {
	Delete         bool
	Excludes       []string
	StorageClass   string
	Checksum       bool
	BandwidthLimit string
	Env            []string

	// OnOutput receives each output line as the tool produces it. Used to
	// drive progress events while a transfer is running.
	OnOutput func(line string)
}

// SyncTool wraps an external transfer binary. Implementations build the
// argument list, run the process, and parse transfer statistics from its
// output.
type SyncTool interface {
	Name() string
	Sync(ctx context.Context, sources []string, destination string, opts SyncOptions) (*SyncStats, error)
}

// commandRunner executes a subprocess and returns its combined stdout.
// Abstracted so strategy tests can run without the real binaries.
type commandRunner interface {
	Run(ctx context.Context, name string, args []string, env []string, onLine func(string)) (string, error)
}

// execRunner runs commands with os/exec. Output lines are streamed to
// onLine as they arrive; stdout is also collected for stats parsing.
// stderr is folded into the stream because rclone reports stats there.
type execRunner struct {
	logger zerolog.Logger
}

func (r execRunner) Run(ctx context.Context, name string, args []string, env []string, onLine func(string)) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", &classify.ToolError{Tool: name, Err: err}
	}

	cmd := exec.CommandContext(ctx, path, args...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("%s: stdout pipe: %w", name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("%s: stderr pipe: %w", name, err)
	}

	r.logger.Debug().Str("tool", name).Strs("args", args).Msg("running sync tool")

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%s: start: %w", name, err)
	}

	var out, errBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, &out, onLine)
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, &errBuf, onLine)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return out.String(), &classify.ToolError{
			Tool:     name,
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(errBuf.String()),
			Err:      err,
		}
	}

	// Stats may land on either stream depending on the tool.
	return out.String() + errBuf.String(), nil
}

func scanLines(r io.Reader, buf *bytes.Buffer, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if onLine != nil {
			onLine(line)
		}
	}
}

// rsyncTool drives the rsync binary for local staging syncs.
type rsyncTool struct {
	binary string
	runner commandRunner
}

func newRsyncTool(runner commandRunner) *rsyncTool {
	return &rsyncTool{binary: "rsync", runner: runner}
}

func (t *rsyncTool) Name() string { return t.binary }

func (t *rsyncTool) Sync(ctx context.Context, sources []string, destination string, opts SyncOptions) (*SyncStats, error) {
	args := t.buildArgs(sources, destination, opts)
	output, err := t.runner.Run(ctx, t.binary, args, opts.Env, opts.OnOutput)
	if err != nil {
		return nil, err
	}
	return parseRsyncStats(output), nil
}

func (t *rsyncTool) buildArgs(sources []string, destination string, opts SyncOptions) []string {
	args := []string{"-a", "--hard-links", "--stats"}
	if opts.Delete {
		args = append(args, "--delete")
	}
	if opts.BandwidthLimit != "" {
		args = append(args, "--bwlimit="+opts.BandwidthLimit)
	}
	for _, pattern := range opts.Excludes {
		args = append(args, "--exclude", pattern)
	}
	args = append(args, sources...)
	return append(args, destination)
}

var (
	rsyncFilesRe = regexp.MustCompile(`Number of (?:regular )?files transferred:\s*([\d,]+)`)
	rsyncBytesRe = regexp.MustCompile(`Total transferred file size:\s*([\d,]+)`)
	rsyncSentRe  = regexp.MustCompile(`Total bytes sent:\s*([\d,]+)`)
)

// parseRsyncStats extracts counters from rsync --stats output. If the
// transferred-size line is missing, bytes sent is used as a lower bound.
func parseRsyncStats(output string) *SyncStats {
	stats := &SyncStats{}
	if m := rsyncFilesRe.FindStringSubmatch(output); m != nil {
		stats.FilesTransferred = int(parseCommaInt(m[1]))
	}
	if m := rsyncBytesRe.FindStringSubmatch(output); m != nil {
		stats.BytesTransferred = parseCommaInt(m[1])
	} else if m := rsyncSentRe.FindStringSubmatch(output); m != nil {
		stats.BytesTransferred = parseCommaInt(m[1])
	}
	return stats
}

func parseCommaInt(s string) int64 {
	n, _ := strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
	return n
}

// awsCLITool drives `aws s3 sync` for uploading a staged tree to S3.
type awsCLITool struct {
	binary string
	runner commandRunner
}

func newAWSCLITool(runner commandRunner) *awsCLITool {
	return &awsCLITool{binary: "aws", runner: runner}
}

func (t *awsCLITool) Name() string { return t.binary }

func (t *awsCLITool) Sync(ctx context.Context, sources []string, destination string, opts SyncOptions) (*SyncStats, error) {
	if len(sources) != 1 {
		return nil, fmt.Errorf("aws s3 sync takes exactly one source, got %d", len(sources))
	}
	args := []string{"s3", "sync", sources[0], destination}
	if opts.Delete {
		args = append(args, "--delete")
	}
	if opts.StorageClass != "" {
		args = append(args, "--storage-class", opts.StorageClass)
	}
	for _, pattern := range opts.Excludes {
		args = append(args, "--exclude", pattern)
	}

	uploads := 0
	_, err := t.runner.Run(ctx, t.binary, args, opts.Env, func(line string) {
		if strings.HasPrefix(line, "upload:") {
			uploads++
		}
		if opts.OnOutput != nil {
			opts.OnOutput(line)
		}
	})
	if err != nil {
		return nil, err
	}
	// The CLI prints no summary, so the upload line count is all we get.
	return &SyncStats{FilesTransferred: uploads}, nil
}

// rcloneTool drives the rclone binary for both local and remote syncs.
type rcloneTool struct {
	binary string
	runner commandRunner
}

func newRcloneTool(runner commandRunner) *rcloneTool {
	return &rcloneTool{binary: "rclone", runner: runner}
}

func (t *rcloneTool) Name() string { return t.binary }

func (t *rcloneTool) Sync(ctx context.Context, sources []string, destination string, opts SyncOptions) (*SyncStats, error) {
	if len(sources) != 1 {
		return nil, fmt.Errorf("rclone sync takes exactly one source, got %d", len(sources))
	}
	args := t.buildArgs(sources[0], destination, opts)
	output, err := t.runner.Run(ctx, t.binary, args, opts.Env, opts.OnOutput)
	if err != nil {
		return nil, err
	}
	return parseRcloneStats(output), nil
}

func (t *rcloneTool) buildArgs(source, destination string, opts SyncOptions) []string {
	args := []string{"sync", source, destination, "--stats", "1s", "--stats-log-level", "NOTICE"}
	if opts.Checksum {
		args = append(args, "--checksum")
	}
	if opts.BandwidthLimit != "" {
		args = append(args, "--bwlimit", opts.BandwidthLimit)
	}
	if opts.StorageClass != "" {
		args = append(args, "--s3-storage-class", opts.StorageClass)
	}
	for _, pattern := range opts.Excludes {
		args = append(args, "--exclude", pattern)
	}
	return args
}

var (
	rcloneBytesRe = regexp.MustCompile(`Transferred:\s+([\d.]+)\s*(B|KiB|MiB|GiB|TiB)\s*/`)
	rcloneFilesRe = regexp.MustCompile(`Transferred:\s+(\d+)\s*/\s*\d+,`)
)

// parseRcloneStats reads the final stats block rclone prints. rclone emits
// the block repeatedly during a run, so the last match wins.
func parseRcloneStats(output string) *SyncStats {
	stats := &SyncStats{}
	if matches := rcloneBytesRe.FindAllStringSubmatch(output, -1); len(matches) > 0 {
		m := matches[len(matches)-1]
		value, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			stats.BytesTransferred = int64(value * float64(byteUnit(m[2])))
		}
	}
	if matches := rcloneFilesRe.FindAllStringSubmatch(output, -1); len(matches) > 0 {
		m := matches[len(matches)-1]
		n, _ := strconv.Atoi(m[1])
		stats.FilesTransferred = n
	}
	return stats
}

func byteUnit(unit string) int64 {
	switch unit {
	case "KiB":
		return 1 << 10
	case "MiB":
		return 1 << 20
	case "GiB":
		return 1 << 30
	case "TiB":
		return 1 << 40
	default:
		return 1
	}
}
