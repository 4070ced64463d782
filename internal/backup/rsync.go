package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/halcyonvault/halcyon/internal/agent"
	"github.com/halcyonvault/halcyon/internal/classify"
	"github.com/halcyonvault/halcyon/internal/retry"
	"github.com/halcyonvault/halcyon/pkg/models"
	"github.com/rs/zerolog"
)

// defaultRsyncExcludes are always applied on top of per-source excludes.
var defaultRsyncExcludes = []string{"node_modules", ".git", "*.log"}

// RsyncStrategy mirrors sources into a local staging directory with rsync,
// then optionally pushes the staging directory to object storage with a
// second tool.
type RsyncStrategy struct {
	client  *agent.Client
	sink    ProgressSink
	rsync   SyncTool
	awscli  SyncTool
	rclone  SyncTool
	budgets retry.Budgets
	logger  zerolog.Logger
}

func NewRsyncStrategy(client *agent.Client, sink ProgressSink, budgets retry.Budgets, logger zerolog.Logger) *RsyncStrategy {
	if sink == nil {
		sink = nopSink{}
	}
	runner := execRunner{logger: logger}
	return &RsyncStrategy{
		client:  client,
		sink:    sink,
		rsync:   newRsyncTool(runner),
		awscli:  newAWSCLITool(runner),
		rclone:  newRcloneTool(runner),
		budgets: budgets,
		logger:  logger.With().Str("component", "rsync").Logger(),
	}
}

func (s *RsyncStrategy) Method() models.BackupMethod { return models.MethodRsync }

func (s *RsyncStrategy) Execute(ctx context.Context, cfg *models.BackupConfig) (*models.ExecutionResult, error) {
	start := time.Now()
	rep := &reporter{client: s.client, sink: s.sink, budgets: s.budgets, logger: s.logger}

	s.sink.BackupStarted(cfg.ID, cfg.Name)
	emitStage(s.sink, cfg, models.StagePreparing)

	if cfg.Rsync == nil || cfg.Rsync.StagingDir == "" {
		return rep.fail(ctx, cfg, start, nil, fmt.Errorf("rsync configuration requires a staging directory")), nil
	}
	if err := validateSources(cfg.Sources); err != nil {
		return rep.fail(ctx, cfg, start, nil, err), nil
	}
	if err := os.MkdirAll(cfg.Rsync.StagingDir, 0o755); err != nil {
		return rep.fail(ctx, cfg, start, nil, fmt.Errorf("create staging dir: %w", err)), nil
	}

	resp, err := rep.startRun(ctx, cfg, "")
	if err != nil {
		return rep.fail(ctx, cfg, start, nil, err), nil
	}

	emitStage(s.sink, cfg, models.StageRsync)
	stats, err := s.stage(ctx, cfg)
	if err != nil {
		return rep.fail(ctx, cfg, start, &resp.LogID, err), nil
	}

	if cfg.Rsync.Upload {
		emitStage(s.sink, cfg, models.StageUploading)
		if err := s.upload(ctx, cfg); err != nil {
			return rep.fail(ctx, cfg, start, &resp.LogID, err), nil
		}
	}

	result := &models.ExecutionResult{
		ConfigID:         cfg.ID,
		Success:          true,
		FilesTransferred: stats.FilesTransferred,
		BytesTransferred: stats.BytesTransferred,
		Duration:         time.Since(start),
	}
	if err := rep.complete(ctx, cfg, resp.LogID, result); err != nil {
		return rep.fail(ctx, cfg, start, &resp.LogID, err), nil
	}

	s.logger.Info().
		Str("config", cfg.Name).
		Int("files", stats.FilesTransferred).
		Int64("bytes", stats.BytesTransferred).
		Dur("duration", result.Duration).
		Msg("rsync backup completed")
	return result, nil
}

// stage runs one rsync invocation with every source against the staging
// directory.
func (s *RsyncStrategy) stage(ctx context.Context, cfg *models.BackupConfig) (*SyncStats, error) {
	excludes := append([]string{}, defaultRsyncExcludes...)
	sources := make([]string, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		sources = append(sources, filepath.Clean(src.Path))
		excludes = append(excludes, src.Exclude...)
	}

	progress := newProgressThrottle(s.sink, cfg, models.StageRsync)
	lines := 0
	return s.rsync.Sync(ctx, sources, cfg.Rsync.StagingDir, SyncOptions{
		Delete:   cfg.Rsync.Delete,
		Excludes: excludes,
		OnOutput: func(line string) {
			lines++
			progress.update(lines, 0, line)
		},
	})
}

// upload pushes the staging directory to the configured destination with
// the selected tool, retried with the upload budget.
func (s *RsyncStrategy) upload(ctx context.Context, cfg *models.BackupConfig) error {
	if cfg.Rsync.Destination == "" {
		return fmt.Errorf("rsync upload requires a destination")
	}

	tool := s.awscli
	destination := "s3://" + cfg.Rsync.Destination
	if cfg.Rsync.UploadTool == "rclone" {
		tool = s.rclone
		destination = cfg.Rsync.Destination
	}

	env := credentialEnv(cfg.Credentials)
	progress := newProgressThrottle(s.sink, cfg, models.StageUploading)
	lines := 0

	return retry.Do(ctx, retry.Options{
		MaxAttempts: s.budgets.Upload,
		BaseDelay:   2 * time.Second,
		ShouldRetry: classify.IsRetriable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			s.logger.Warn().Err(err).
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("config", cfg.Name).
				Msg("retrying staging upload")
		},
	}, func(ctx context.Context) error {
		_, err := tool.Sync(ctx, []string{cfg.Rsync.StagingDir}, destination, SyncOptions{
			StorageClass: cfg.Rsync.StorageClass,
			Env:          env,
			OnOutput: func(line string) {
				lines++
				progress.update(lines, 0, line)
			},
		})
		return err
	})
}

// credentialEnv translates per-cycle cloud credentials into the standard
// AWS environment variables the upload tools understand.
func credentialEnv(creds *models.CloudCredentials) []string {
	if creds == nil {
		return nil
	}
	env := []string{
		"AWS_ACCESS_KEY_ID=" + creds.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY=" + creds.SecretAccessKey,
	}
	if creds.SessionToken != "" {
		env = append(env, "AWS_SESSION_TOKEN="+creds.SessionToken)
	}
	if creds.Region != "" {
		env = append(env, "AWS_DEFAULT_REGION="+creds.Region)
	}
	return env
}
