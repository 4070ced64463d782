// Package backup implements the agent's backup execution engine: the three
// execution strategies, the cycle coordinator, and their supporting glue.
package backup

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/halcyonvault/halcyon/internal/agent"
	"github.com/halcyonvault/halcyon/internal/classify"
	"github.com/halcyonvault/halcyon/internal/retry"
	"github.com/halcyonvault/halcyon/pkg/models"
	"github.com/rs/zerolog"
)

// Strategy executes one backup configuration and produces a result or a
// classified failure. Implementations emit progress events at stage
// boundaries and re-validate source paths immediately before use, because
// the filesystem may change between validation and I/O.
type Strategy interface {
	Method() models.BackupMethod
	Execute(ctx context.Context, cfg *models.BackupConfig) (*models.ExecutionResult, error)
}

// ProgressSink receives lifecycle events from strategies. Sends are
// fire-and-forget; a sink must never block execution.
type ProgressSink interface {
	Notify(configID uuid.UUID, configName string, event models.ProgressEvent)
	BackupStarted(configID uuid.UUID, configName string)
	BackupCompleted(configID uuid.UUID, configName string, result *models.ExecutionResult)
	BackupFailed(configID uuid.UUID, configName, errMsg string)
}

// nopSink discards all events.
type nopSink struct{}

func (nopSink) Notify(uuid.UUID, string, models.ProgressEvent)                {}
func (nopSink) BackupStarted(uuid.UUID, string)                              {}
func (nopSink) BackupCompleted(uuid.UUID, string, *models.ExecutionResult)   {}
func (nopSink) BackupFailed(uuid.UUID, string, string)                       {}

// progressInterval throttles per-entry progress events to at most one per second.
const progressInterval = time.Second

// progressThrottle rate-limits progress events during long-running phases.
type progressThrottle struct {
	sink     ProgressSink
	configID uuid.UUID
	name     string
	stage    models.ProgressStage
	lastSent time.Time

	files int
	bytes int64
}

func newProgressThrottle(sink ProgressSink, cfg *models.BackupConfig, stage models.ProgressStage) *progressThrottle {
	return &progressThrottle{
		sink:     sink,
		configID: cfg.ID,
		name:     cfg.Name,
		stage:    stage,
	}
}

// update records progress and emits an event if the throttle interval has
// elapsed since the last one.
func (p *progressThrottle) update(files int, bytes int64, currentFile string) {
	p.files = files
	p.bytes = bytes
	if time.Since(p.lastSent) < progressInterval {
		return
	}
	p.lastSent = time.Now()
	p.sink.Notify(p.configID, p.name, models.ProgressEvent{
		ConfigID:       p.configID,
		Stage:          p.stage,
		FilesProcessed: files,
		BytesProcessed: bytes,
		CurrentFile:    currentFile,
	})
}

// flush emits a final event with the latest totals regardless of throttling.
func (p *progressThrottle) flush() {
	p.sink.Notify(p.configID, p.name, models.ProgressEvent{
		ConfigID:       p.configID,
		Stage:          p.stage,
		FilesProcessed: p.files,
		BytesProcessed: p.bytes,
	})
}

// emitStage sends a bare stage-transition event.
func emitStage(sink ProgressSink, cfg *models.BackupConfig, stage models.ProgressStage) {
	sink.Notify(cfg.ID, cfg.Name, models.ProgressEvent{
		ConfigID: cfg.ID,
		Stage:    stage,
	})
}

// validateSources checks that every source path exists and is readable.
// Errors are returned with their underlying fs error intact so the
// classifier can map them.
func validateSources(sources []models.Source) error {
	if len(sources) == 0 {
		return fmt.Errorf("configuration has no sources: %w", os.ErrInvalid)
	}
	for _, src := range sources {
		if err := checkReadable(src.Path); err != nil {
			return err
		}
	}
	return nil
}

// checkReadable stats and opens a path to confirm it exists and is readable.
func checkReadable(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("source %s: %w", path, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("source %s: %w", path, err)
	}
	f.Close()
	return nil
}

// reporter bundles the failure-handling path shared by all strategies:
// classify the error, push backup_failed, then best-effort report the
// failure to the server with the report budget. A failure to report the
// failure is logged and does not change the already-failed result.
type reporter struct {
	client  *agent.Client
	sink    ProgressSink
	budgets retry.Budgets
	logger  zerolog.Logger
}

// fail produces the failed ExecutionResult for err and performs failure
// reporting. logID is nil when the failure happened before the server knew
// about the run, in which case no network reporting is attempted.
func (r *reporter) fail(ctx context.Context, cfg *models.BackupConfig, start time.Time, logID *uuid.UUID, err error) *models.ExecutionResult {
	classification := classify.Classify(err)

	r.logger.Error().Err(err).
		Str("config", cfg.Name).
		Str("category", string(classification.Category)).
		Bool("retriable", classification.Retriable).
		Msg("backup failed")

	r.sink.BackupFailed(cfg.ID, cfg.Name, classification.UserMessage)

	if logID != nil {
		reportErr := retry.Do(ctx, retry.Options{
			MaxAttempts: r.budgets.Report,
			BaseDelay:   time.Second,
			ShouldRetry: classify.IsRetriable,
		}, func(ctx context.Context) error {
			return r.client.CompleteBackup(ctx, &agent.CompleteBackupRequest{
				LogID:  *logID,
				Status: "failed",
				Errors: []string{classification.UserMessage},
			})
		})
		if reportErr != nil {
			r.logger.Warn().Err(reportErr).
				Str("config", cfg.Name).
				Msg("failed to report backup failure")
		}
	}

	return &models.ExecutionResult{
		ConfigID: cfg.ID,
		Success:  false,
		Duration: time.Since(start),
		Error:    &classification,
	}
}

// complete finalizes a successful run: server report (retried), completing
// stage, and the success notification.
func (r *reporter) complete(ctx context.Context, cfg *models.BackupConfig, logID uuid.UUID, result *models.ExecutionResult) error {
	emitStage(r.sink, cfg, models.StageCompleting)

	err := retry.Do(ctx, retry.Options{
		MaxAttempts: r.budgets.Default,
		BaseDelay:   time.Second,
		ShouldRetry: classify.IsRetriable,
	}, func(ctx context.Context) error {
		return r.client.CompleteBackup(ctx, &agent.CompleteBackupRequest{
			LogID:            logID,
			Status:           "completed",
			BytesTransferred: result.BytesTransferred,
		})
	})
	if err != nil {
		return fmt.Errorf("report completion: %w", err)
	}

	r.sink.BackupCompleted(cfg.ID, cfg.Name, result)
	return nil
}

// startRun registers the run with the server, retried with the default budget.
func (r *reporter) startRun(ctx context.Context, cfg *models.BackupConfig, filename string) (*agent.StartBackupResponse, error) {
	return retry.DoValue(ctx, retry.Options{
		MaxAttempts: r.budgets.Default,
		BaseDelay:   time.Second,
		ShouldRetry: classify.IsRetriable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			r.logger.Warn().Err(err).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying backup start")
		},
	}, func(ctx context.Context) (*agent.StartBackupResponse, error) {
		return r.client.StartBackup(ctx, cfg.ID, filename)
	})
}
