package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/halcyonvault/halcyon/internal/agent"
	"github.com/halcyonvault/halcyon/internal/classify"
	"github.com/halcyonvault/halcyon/internal/retry"
	"github.com/halcyonvault/halcyon/pkg/models"
	"github.com/rs/zerolog"
)

// ArchiveStrategy packs all sources into a single gzip-compressed tar
// archive in a temporary directory, uploads it, and removes the temporary
// file regardless of outcome.
type ArchiveStrategy struct {
	client   *agent.Client
	sink     ProgressSink
	uploader *Uploader
	budgets  retry.Budgets
	tempDir  string
	logger   zerolog.Logger
}

func NewArchiveStrategy(client *agent.Client, sink ProgressSink, httpClient *http.Client, budgets retry.Budgets, logger zerolog.Logger) *ArchiveStrategy {
	if sink == nil {
		sink = nopSink{}
	}
	return &ArchiveStrategy{
		client:   client,
		sink:     sink,
		uploader: NewUploader(httpClient, logger),
		budgets:  budgets,
		tempDir:  os.TempDir(),
		logger:   logger.With().Str("component", "archive").Logger(),
	}
}

func (s *ArchiveStrategy) Method() models.BackupMethod { return models.MethodArchive }

func (s *ArchiveStrategy) Execute(ctx context.Context, cfg *models.BackupConfig) (*models.ExecutionResult, error) {
	start := time.Now()
	rep := &reporter{client: s.client, sink: s.sink, budgets: s.budgets, logger: s.logger}

	s.sink.BackupStarted(cfg.ID, cfg.Name)
	emitStage(s.sink, cfg, models.StagePreparing)

	if err := validateSources(cfg.Sources); err != nil {
		return rep.fail(ctx, cfg, start, nil, err), nil
	}

	filename := fmt.Sprintf("%s-%s.tar.gz", sanitizeName(cfg.Name), time.Now().UTC().Format("20060102-150405"))
	archivePath := filepath.Join(s.tempDir, fmt.Sprintf("%s-%s", uuid.New().String(), filename))
	defer func() {
		if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", archivePath).Msg("failed to remove temporary archive")
		}
	}()

	emitStage(s.sink, cfg, models.StageArchiving)
	files, bytes, err := s.createArchive(ctx, cfg, archivePath)
	if err != nil {
		return rep.fail(ctx, cfg, start, nil, err), nil
	}

	resp, err := rep.startRun(ctx, cfg, filename)
	if err != nil {
		return rep.fail(ctx, cfg, start, nil, err), nil
	}

	emitStage(s.sink, cfg, models.StageUploading)
	if err := s.upload(ctx, cfg, resp, archivePath); err != nil {
		return rep.fail(ctx, cfg, start, &resp.LogID, err), nil
	}

	info, statErr := os.Stat(archivePath)
	transferred := bytes
	if statErr == nil {
		transferred = info.Size()
	}

	result := &models.ExecutionResult{
		ConfigID:         cfg.ID,
		Success:          true,
		FilesTransferred: files,
		BytesTransferred: transferred,
		Duration:         time.Since(start),
	}
	if err := rep.complete(ctx, cfg, resp.LogID, result); err != nil {
		return rep.fail(ctx, cfg, start, &resp.LogID, err), nil
	}

	s.logger.Info().
		Str("config", cfg.Name).
		Int("files", files).
		Int64("bytes", transferred).
		Dur("duration", result.Duration).
		Msg("archive backup completed")
	return result, nil
}

// upload picks between the pre-signed URL and the direct credential path.
func (s *ArchiveStrategy) upload(ctx context.Context, cfg *models.BackupConfig, resp *agent.StartBackupResponse, archivePath string) error {
	opts := retry.Options{
		MaxAttempts: s.budgets.Upload,
		BaseDelay:   2 * time.Second,
		ShouldRetry: classify.IsRetriable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			s.logger.Warn().Err(err).
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("config", cfg.Name).
				Msg("retrying archive upload")
		},
	}

	switch {
	case resp.Upload != nil:
		return retry.Do(ctx, opts, func(ctx context.Context) error {
			return s.uploader.UploadPresigned(ctx, resp.Upload, archivePath)
		})
	case cfg.Credentials != nil:
		key := filepath.Base(archivePath)
		return retry.Do(ctx, opts, func(ctx context.Context) error {
			return s.uploader.UploadDirect(ctx, cfg.Credentials, key, archivePath)
		})
	default:
		return fmt.Errorf("server returned no upload target and no credentials are configured")
	}
}

// createArchive writes all sources into a gzip-compressed tar file and
// returns the entry count and uncompressed byte total.
func (s *ArchiveStrategy) createArchive(ctx context.Context, cfg *models.BackupConfig, path string) (int, int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, 0, fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	level := gzip.DefaultCompression
	if cfg.Archive != nil && cfg.Archive.CompressionLevel != 0 {
		level = cfg.Archive.CompressionLevel
	}
	gz, err := gzip.NewWriterLevel(f, level)
	if err != nil {
		return 0, 0, fmt.Errorf("gzip level %d: %w", level, err)
	}
	tw := tar.NewWriter(gz)

	progress := newProgressThrottle(s.sink, cfg, models.StageArchiving)
	files := 0
	var bytes int64

	for _, src := range cfg.Sources {
		n, b, err := s.addSource(ctx, tw, src, progress, files, bytes)
		if err != nil {
			tw.Close()
			gz.Close()
			return files, bytes, err
		}
		files = n
		bytes = b
	}

	if err := tw.Close(); err != nil {
		return files, bytes, fmt.Errorf("finalize tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return files, bytes, fmt.Errorf("finalize gzip: %w", err)
	}
	if err := f.Close(); err != nil {
		return files, bytes, fmt.Errorf("close archive: %w", err)
	}

	progress.flush()
	return files, bytes, nil
}

// addSource walks one source into the tar writer. The source is stat'ed
// again here; it may have disappeared since validation.
func (s *ArchiveStrategy) addSource(ctx context.Context, tw *tar.Writer, src models.Source, progress *progressThrottle, files int, bytes int64) (int, int64, error) {
	root := filepath.Clean(src.Path)
	info, err := os.Stat(root)
	if err != nil {
		return files, bytes, fmt.Errorf("source %s: %w", root, err)
	}

	base := filepath.Base(root)
	if !info.IsDir() {
		if !info.Mode().IsRegular() {
			s.logger.Warn().Str("path", root).Msg("skipping non-regular source")
			return files, bytes, nil
		}
		n, err := writeEntry(tw, root, base, info)
		if err != nil {
			return files, bytes, err
		}
		files++
		bytes += n
		progress.update(files, bytes, root)
		return files, bytes, nil
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// Entries can vanish mid-walk.
			s.logger.Warn().Err(walkErr).Str("path", path).Msg("skipping unreadable entry")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(filepath.Join(base, rel))

		if excluded(rel, src.Exclude) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("skipping entry")
			return nil
		}

		if d.IsDir() {
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return fmt.Errorf("tar header %s: %w", path, err)
			}
			hdr.Name = name + "/"
			return tw.WriteHeader(hdr)
		}

		if !info.Mode().IsRegular() {
			s.logger.Warn().Str("path", path).Str("mode", info.Mode().String()).Msg("skipping unsupported file type")
			return nil
		}
		if len(src.Include) > 0 && !included(rel, src.Include) {
			return nil
		}

		n, err := writeEntry(tw, path, name, info)
		if err != nil {
			return err
		}
		files++
		bytes += n
		progress.update(files, bytes, path)
		return nil
	})
	return files, bytes, err
}

// writeEntry copies one regular file into the archive.
func writeEntry(tw *tar.Writer, path, name string, info fs.FileInfo) (int64, error) {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, fmt.Errorf("tar header %s: %w", path, err)
	}
	hdr.Name = name

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := tw.WriteHeader(hdr); err != nil {
		return 0, fmt.Errorf("write header %s: %w", path, err)
	}
	n, err := io.Copy(tw, f)
	if err != nil {
		return n, fmt.Errorf("archive %s: %w", path, err)
	}
	return n, nil
}

// excluded reports whether a relative path matches any exclude pattern.
// Patterns match against the base name and every path prefix, so excluding
// "node_modules" prunes the whole subtree.
func excluded(rel string, patterns []string) bool {
	return matchesAny(rel, patterns)
}

// included reports whether a relative path matches any include pattern.
func included(rel string, patterns []string) bool {
	return matchesAny(rel, patterns)
}

func matchesAny(rel string, patterns []string) bool {
	rel = filepath.ToSlash(rel)
	segments := strings.Split(rel, "/")
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		for _, seg := range segments {
			if ok, _ := filepath.Match(pattern, seg); ok {
				return true
			}
		}
	}
	return false
}

// sanitizeName makes a config name safe for use in a filename.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "backup"
	}
	return b.String()
}
