// Package merge reassembles multi-segment screen recordings into a single
// file by driving the external ffmpeg binary over a concat manifest, then
// hands the result to the archive uploader.
package merge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"recpost/internal/config"
	"recpost/internal/genesys"
	"recpost/internal/logging"
	"recpost/internal/sftp"
)

// ErrNoSegments indicates a screen recording descriptor carried no media URIs.
var ErrNoSegments = errors.New("screen recording has no segments")

// defaultExtension is used when no extension can be derived from a segment URI.
const defaultExtension = ".mp4"

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onOutput func(string)) error
}

// MediaDownloader fetches a media URI to a local path. Satisfied by the
// genesys client.
type MediaDownloader interface {
	Download(ctx context.Context, uri, destPath string) error
}

// Merger concatenates ordered screen segments and uploads the result.
type Merger struct {
	cfg      *config.Config
	logger   *slog.Logger
	exec     Executor
	uploader sftp.Uploader
}

// Option configures the merger.
type Option func(*Merger)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(executor Executor) Option {
	return func(m *Merger) {
		if executor != nil {
			m.exec = executor
		}
	}
}

// New constructs a merger.
func New(cfg *config.Config, logger *slog.Logger, uploader sftp.Uploader, opts ...Option) *Merger {
	merger := &Merger{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "merge"),
		exec:     commandExecutor{},
		uploader: uploader,
	}
	for _, opt := range opts {
		opt(merger)
	}
	return merger
}

// Merge downloads the recording's segments in sequence order, concatenates
// them losslessly, and uploads the merged file to the screen archive folder.
// Segment temp files and the manifest are removed regardless of outcome; the
// merged output is removed only after a successful upload.
func (m *Merger) Merge(ctx context.Context, dl MediaDownloader, conversationID, recordingID string, endedAt time.Time, segments []genesys.SegmentURI) error {
	if len(segments) == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNoSegments, conversationID, recordingID)
	}

	ext := genesys.ExtensionFromURI(segments[0].URI)
	if ext == "" {
		ext = defaultExtension
	}

	segmentPaths := make([]string, 0, len(segments))
	defer m.removeAll(&segmentPaths)

	for i, segment := range segments {
		name := fmt.Sprintf("%s_%s_%03d%s", conversationID, recordingID, i, ext)
		segPath := filepath.Join(m.cfg.Paths.TempDir, name)
		if _, err := os.Stat(segPath); errors.Is(err, os.ErrNotExist) {
			if err := dl.Download(ctx, segment.URI, segPath); err != nil {
				return fmt.Errorf("download segment %d: %w", i, err)
			}
		}
		segmentPaths = append(segmentPaths, segPath)
	}

	manifestPath, err := m.writeManifest(segmentPaths)
	if err != nil {
		return err
	}
	segmentPaths = append(segmentPaths, manifestPath)

	outputPath := filepath.Join(m.cfg.Paths.RecordingDir,
		fmt.Sprintf("%s_%s_%s_screen_merged%s", safeDate(endedAt), conversationID, recordingID, ext))

	if err := m.runFFmpeg(ctx, manifestPath, outputPath); err != nil {
		return fmt.Errorf("ffmpeg concat for %s/%s: %w", conversationID, recordingID, err)
	}

	folder := sftp.ScreenDestinationFolder(archiveTime(endedAt))
	if err := m.uploader.Upload(ctx, outputPath, folder); err != nil {
		return fmt.Errorf("upload merged screen recording: %w", err)
	}
	if err := os.Remove(outputPath); err != nil {
		m.logger.Warn("remove merged output",
			logging.String("path", outputPath), logging.Error(err))
	}

	m.logger.Info("screen recording merged and uploaded",
		logging.String("conversation_id", conversationID),
		logging.String("recording_id", recordingID),
		logging.Int("segments", len(segments)),
		logging.String("folder", folder),
	)
	return nil
}

func (m *Merger) writeManifest(segmentPaths []string) (string, error) {
	var builder strings.Builder
	for _, segPath := range segmentPaths {
		fmt.Fprintf(&builder, "file '%s'\n", strings.ReplaceAll(segPath, "\\", "/"))
	}
	manifestPath := filepath.Join(m.cfg.Paths.TempDir, fmt.Sprintf("concat_%s.txt", uuid.New().String()))
	if err := os.WriteFile(manifestPath, []byte(builder.String()), 0o644); err != nil {
		return "", fmt.Errorf("write concat manifest: %w", err)
	}
	return manifestPath, nil
}

func (m *Merger) runFFmpeg(ctx context.Context, manifestPath, outputPath string) error {
	runCtx := ctx
	if timeout := m.cfg.FFmpegTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := []string{"-y", "-f", "concat", "-safe", "0", "-i", manifestPath, "-c", "copy", outputPath}
	return m.exec.Run(runCtx, m.cfg.FFmpeg.Binary, args, func(line string) {
		m.logger.Debug("ffmpeg", logging.String("line", line))
	})
}

// removeAll deletes the paths accumulated so far, best-effort.
func (m *Merger) removeAll(paths *[]string) {
	for _, p := range *paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("remove temp file", logging.String("path", p), logging.Error(err))
		}
	}
}

func safeDate(t time.Time) string {
	if t.IsZero() {
		return "NoDate"
	}
	return t.UTC().Format("2006-01-02_15-04-05")
}

func archiveTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, onOutput func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	var wg sync.WaitGroup
	scan := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if onOutput != nil {
				onOutput(scanner.Text())
			}
		}
	}
	wg.Add(2)
	go scan(stdout)
	go scan(stderr)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s exited: %w", binary, err)
	}
	return nil
}
