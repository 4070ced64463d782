package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/halcyonvault/halcyon/internal/agent"
	"github.com/halcyonvault/halcyon/internal/classify"
	"github.com/halcyonvault/halcyon/internal/retry"
	"github.com/halcyonvault/halcyon/pkg/models"
	"github.com/rs/zerolog"
)

// remoteName is the rclone remote configured through environment variables
// for the duration of one invocation.
const remoteName = "dest"

// RcloneStrategy syncs a single source to a cloud remote with rclone,
// either directly or through a date-stamped local snapshot (two-phase).
type RcloneStrategy struct {
	client  *agent.Client
	sink    ProgressSink
	rclone  SyncTool
	budgets retry.Budgets
	logger  zerolog.Logger

	now func() time.Time
}

func NewRcloneStrategy(client *agent.Client, sink ProgressSink, budgets retry.Budgets, logger zerolog.Logger) *RcloneStrategy {
	if sink == nil {
		sink = nopSink{}
	}
	return &RcloneStrategy{
		client:  client,
		sink:    sink,
		rclone:  newRcloneTool(execRunner{logger: logger}),
		budgets: budgets,
		logger:  logger.With().Str("component", "rclone").Logger(),
		now:     time.Now,
	}
}

func (s *RcloneStrategy) Method() models.BackupMethod { return models.MethodRclone }

func (s *RcloneStrategy) Execute(ctx context.Context, cfg *models.BackupConfig) (*models.ExecutionResult, error) {
	start := time.Now()
	rep := &reporter{client: s.client, sink: s.sink, budgets: s.budgets, logger: s.logger}

	s.sink.BackupStarted(cfg.ID, cfg.Name)
	emitStage(s.sink, cfg, models.StagePreparing)

	if cfg.Rclone == nil {
		return rep.fail(ctx, cfg, start, nil, fmt.Errorf("rclone configuration is missing")), nil
	}
	if err := validateSources(cfg.Sources); err != nil {
		return rep.fail(ctx, cfg, start, nil, err), nil
	}

	// rclone syncs exactly one tree; extra sources are ignored.
	source := filepath.Clean(cfg.Sources[0].Path)
	if len(cfg.Sources) > 1 {
		s.logger.Warn().
			Str("config", cfg.Name).
			Int("sources", len(cfg.Sources)).
			Str("using", source).
			Msg("rclone backups sync only the first source; remaining sources ignored")
	}

	resp, err := rep.startRun(ctx, cfg, "")
	if err != nil {
		return rep.fail(ctx, cfg, start, nil, err), nil
	}

	var stats *SyncStats
	if cfg.Rclone.TwoPhase {
		stats, err = s.twoPhase(ctx, cfg, source)
	} else {
		stats, err = s.single(ctx, cfg, source)
	}
	if err != nil {
		return rep.fail(ctx, cfg, start, &resp.LogID, err), nil
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
		Msg("rclone backup completed")
	return result, nil
}

// single syncs the source straight to the remote.
func (s *RcloneStrategy) single(ctx context.Context, cfg *models.BackupConfig, source string) (*SyncStats, error) {
	return s.remoteSync(ctx, cfg, source, models.StageSyncing)
}

// twoPhase snapshots the source into a date-stamped local directory, then
// forwards the snapshot to the remote and prunes old snapshots.
func (s *RcloneStrategy) twoPhase(ctx context.Context, cfg *models.BackupConfig, source string) (*SyncStats, error) {
	if cfg.Rclone.LocalDir == "" {
		return nil, fmt.Errorf("two-phase rclone backup requires a local directory")
	}
	snapshot := filepath.Join(cfg.Rclone.LocalDir, s.now().Format("2006-01-02"))
	if err := os.MkdirAll(snapshot, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	emitStage(s.sink, cfg, models.StageLocalSync)
	progress := newProgressThrottle(s.sink, cfg, models.StageLocalSync)
	lines := 0
	localStats, err := s.rclone.Sync(ctx, []string{source}, snapshot, SyncOptions{
		Checksum:       !cfg.Rclone.SkipChecksum,
		BandwidthLimit: cfg.Rclone.BandwidthLimit,
		Excludes:       cfg.Sources[0].Exclude,
		OnOutput: func(line string) {
			lines++
			progress.update(lines, 0, line)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("local sync: %w", err)
	}

	stats := localStats
	if !cfg.Rclone.SkipRemote {
		remoteStats, err := s.remoteSync(ctx, cfg, snapshot, models.StageRemoteSync)
		if err != nil {
			return nil, fmt.Errorf("remote sync: %w", err)
		}
		stats = remoteStats
	}

	s.pruneSnapshots(cfg, snapshot)
	return stats, nil
}

// remoteSync pushes a local tree to the remote, retried with the upload
// budget. Checksum verification is always on for remote transfers.
func (s *RcloneStrategy) remoteSync(ctx context.Context, cfg *models.BackupConfig, source string, stage models.ProgressStage) (*SyncStats, error) {
	emitStage(s.sink, cfg, stage)
	destination := remoteName + ":" + cfg.Rclone.RemotePath
	env := append(remoteEnv(cfg.Rclone.RemoteType), credentialEnvRclone(cfg.Rclone.RemoteType, cfg.Credentials)...)

	progress := newProgressThrottle(s.sink, cfg, stage)
	lines := 0
	opts := SyncOptions{
		Checksum:       true,
		BandwidthLimit: cfg.Rclone.BandwidthLimit,
		StorageClass:   cfg.Rclone.StorageClass,
		Excludes:       cfg.Sources[0].Exclude,
		Env:            env,
		OnOutput: func(line string) {
			lines++
			progress.update(lines, 0, line)
		},
	}

	return retry.DoValue(ctx, retry.Options{
		MaxAttempts: s.budgets.Upload,
		BaseDelay:   2 * time.Second,
		ShouldRetry: classify.IsRetriable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			s.logger.Warn().Err(err).
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("config", cfg.Name).
				Msg("retrying remote sync")
		},
	}, func(ctx context.Context) (*SyncStats, error) {
		return s.rclone.Sync(ctx, []string{source}, destination, opts)
	})
}

// pruneSnapshots removes the oldest local snapshots beyond the retention
// count. Pruning failures never fail the backup.
func (s *RcloneStrategy) pruneSnapshots(cfg *models.BackupConfig, current string) {
	keep := cfg.Rclone.KeepLocal
	if keep <= 0 {
		return
	}

	entries, err := os.ReadDir(cfg.Rclone.LocalDir)
	if err != nil {
		s.logger.Warn().Err(err).Str("dir", cfg.Rclone.LocalDir).Msg("cannot list snapshots for pruning")
		return
	}

	type snapshot struct {
		path    string
		modTime time.Time
	}
	var snapshots []snapshot
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		snapshots = append(snapshots, snapshot{
			path:    filepath.Join(cfg.Rclone.LocalDir, entry.Name()),
			modTime: info.ModTime(),
		})
	}
	if len(snapshots) <= keep {
		return
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].modTime.After(snapshots[j].modTime)
	})
	for _, old := range snapshots[keep:] {
		if old.path == current {
			continue
		}
		if err := os.RemoveAll(old.path); err != nil {
			s.logger.Warn().Err(err).Str("path", old.path).Msg("failed to prune snapshot")
			continue
		}
		s.logger.Info().Str("path", old.path).Msg("pruned local snapshot")
	}
}

// remoteEnv configures the rclone remote backend through environment
// variables, avoiding any on-disk rclone config.
func remoteEnv(remoteType models.RcloneRemoteType) []string {
	prefix := "RCLONE_CONFIG_DEST_"
	switch remoteType {
	case models.RcloneRemoteWasabi:
		return []string{prefix + "TYPE=s3", prefix + "PROVIDER=Wasabi"}
	case models.RcloneRemoteB2:
		return []string{prefix + "TYPE=b2"}
	case models.RcloneRemoteGCS:
		return []string{prefix + "TYPE=google cloud storage"}
	case models.RcloneRemoteAzure:
		return []string{prefix + "TYPE=azureblob"}
	default:
		return []string{prefix + "TYPE=s3", prefix + "PROVIDER=AWS"}
	}
}

// credentialEnvRclone maps per-cycle credentials onto the environment
// variables of the selected rclone backend.
func credentialEnvRclone(remoteType models.RcloneRemoteType, creds *models.CloudCredentials) []string {
	if creds == nil {
		return nil
	}
	prefix := "RCLONE_CONFIG_DEST_"
	switch remoteType {
	case models.RcloneRemoteB2:
		return []string{
			prefix + "ACCOUNT=" + creds.AccessKeyID,
			prefix + "KEY=" + creds.SecretAccessKey,
		}
	case models.RcloneRemoteAzure:
		return []string{
			prefix + "ACCOUNT=" + creds.AccessKeyID,
			prefix + "KEY=" + creds.SecretAccessKey,
		}
	case models.RcloneRemoteGCS:
		return nil
	default:
		env := []string{
			prefix + "ACCESS_KEY_ID=" + creds.AccessKeyID,
			prefix + "SECRET_ACCESS_KEY=" + creds.SecretAccessKey,
		}
		if creds.SessionToken != "" {
			env = append(env, prefix+"SESSION_TOKEN="+creds.SessionToken)
		}
		if creds.Region != "" {
			env = append(env, prefix+"REGION="+creds.Region)
		}
		return env
	}
}
