package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/halcyonvault/halcyon/internal/agent"
	"github.com/halcyonvault/halcyon/internal/classify"
	"github.com/halcyonvault/halcyon/internal/health"
	"github.com/halcyonvault/halcyon/internal/metrics"
	"github.com/halcyonvault/halcyon/internal/retry"
	"github.com/halcyonvault/halcyon/internal/schedule"
	"github.com/halcyonvault/halcyon/pkg/models"
	"github.com/rs/zerolog"
)

// CycleResult summarizes one execution cycle.
type CycleResult struct {
	Total     int
	Due       int
	Succeeded int
	Failed    int
	Results   []*models.ExecutionResult
}

// Coordinator fetches configurations from the server, filters them through
// the schedule evaluator, and runs the due ones sequentially. It holds no
// state between cycles.
type Coordinator struct {
	client     *agent.Client
	sink       ProgressSink
	collector  *health.Collector
	checker    *health.Checker
	sizer      *agent.Sizer
	metrics    *metrics.Metrics
	strategies map[models.BackupMethod]Strategy
	budgets    retry.Budgets
	version    string
	logger     zerolog.Logger

	now func() time.Time
}

// CoordinatorConfig wires a Coordinator's collaborators.
type CoordinatorConfig struct {
	Client     *agent.Client
	Sink       ProgressSink
	Collector  *health.Collector
	Sizer      *agent.Sizer
	Metrics    *metrics.Metrics
	Strategies []Strategy
	Budgets    retry.Budgets
	Version    string
	Logger     zerolog.Logger
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	sink := cfg.Sink
	if sink == nil {
		sink = nopSink{}
	}
	strategies := make(map[models.BackupMethod]Strategy, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		strategies[s.Method()] = s
	}
	return &Coordinator{
		client:     cfg.Client,
		sink:       sink,
		collector:  cfg.Collector,
		checker:    health.NewCheckerWithDefaults(),
		sizer:      cfg.Sizer,
		metrics:    cfg.Metrics,
		strategies: strategies,
		budgets:    cfg.Budgets,
		version:    cfg.Version,
		logger:     cfg.Logger.With().Str("component", "coordinator").Logger(),
		now:        time.Now,
	}
}

// RunCycle performs one full cycle: heartbeat, fetch configurations, run
// everything that is due, then serve any pending size requests. The error
// return is non-nil only when the configuration fetch fails; individual
// backup failures are reflected in the CycleResult.
func (c *Coordinator) RunCycle(ctx context.Context) (*CycleResult, error) {
	cycleStart := c.now()
	c.heartbeat(ctx)

	configs, err := retry.DoValue(ctx, retry.Options{
		MaxAttempts: c.budgets.Default,
		BaseDelay:   time.Second,
		ShouldRetry: classify.IsRetriable,
	}, func(ctx context.Context) ([]models.BackupConfig, error) {
		return c.client.GetConfigs(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch configurations: %w", err)
	}

	result := &CycleResult{Total: len(configs)}
	now := c.now()
	for i := range configs {
		cfg := &configs[i]
		decision := schedule.Evaluate(cfg.Schedule, now)
		if !decision.Due {
			c.logger.Debug().
				Str("config", cfg.Name).
				Str("reason", decision.Reason).
				Msg("configuration not due")
			continue
		}
		result.Due++

		res := c.runConfig(ctx, cfg)
		result.Results = append(result.Results, res)
		if res.Success {
			result.Succeeded++
		} else {
			result.Failed++
		}

		if ctx.Err() != nil {
			break
		}
	}

	if c.sizer != nil {
		if err := c.sizer.Run(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("size assessment pass failed")
		}
	}

	if c.metrics != nil {
		c.metrics.CyclesTotal.Inc()
		c.metrics.CycleDuration.Observe(time.Since(cycleStart).Seconds())
		c.metrics.ConfigsScheduled.Set(float64(result.Due))
	}

	c.logger.Info().
		Int("total", result.Total).
		Int("due", result.Due).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Dur("duration", time.Since(cycleStart)).
		Msg("cycle finished")
	return result, nil
}

// RunConfig executes one configuration unconditionally, bypassing its
// schedule. Used for manually triggered runs.
func (c *Coordinator) RunConfig(ctx context.Context, cfg *models.BackupConfig) *models.ExecutionResult {
	return c.runConfig(ctx, cfg)
}

func (c *Coordinator) runConfig(ctx context.Context, cfg *models.BackupConfig) *models.ExecutionResult {
	strategy, ok := c.strategies[cfg.Method]
	if !ok {
		classification := classify.Classify(fmt.Errorf("unsupported backup method %q", cfg.Method))
		c.logger.Error().
			Str("config", cfg.Name).
			Str("method", string(cfg.Method)).
			Msg("no strategy for backup method")
		c.sink.BackupFailed(cfg.ID, cfg.Name, classification.UserMessage)
		return &models.ExecutionResult{
			ConfigID: cfg.ID,
			Success:  false,
			Error:    &classification,
		}
	}

	c.logger.Info().
		Str("config", cfg.Name).
		Str("method", string(cfg.Method)).
		Msg("starting backup")

	start := c.now()
	result, err := strategy.Execute(ctx, cfg)
	if err != nil {
		// Strategies report their own failures; an error here means the
		// strategy itself broke.
		classification := classify.Classify(err)
		c.logger.Error().Err(err).Str("config", cfg.Name).Msg("strategy error")
		result = &models.ExecutionResult{
			ConfigID: cfg.ID,
			Success:  false,
			Duration: time.Since(start),
			Error:    &classification,
		}
	}

	if c.metrics != nil {
		c.metrics.ObserveBackup(string(cfg.Method), result.Success, result.BytesTransferred, result.Duration.Seconds())
	}
	return result
}

// heartbeat reports agent health to the server. Heartbeat failures are
// logged and never abort the cycle.
func (c *Coordinator) heartbeat(ctx context.Context) {
	req := &models.HeartbeatRequest{
		Status:       string(health.StatusUnknown),
		AgentVersion: c.version,
		OSInfo:       health.GetOSInfo(),
	}
	if c.collector != nil {
		if m, err := c.collector.Collect(ctx); err == nil {
			req.Metrics = m
			req.Status = string(c.checker.EvaluateMetrics(m).Status)
		}
	}

	err := retry.Do(ctx, retry.Options{
		MaxAttempts: c.budgets.Default,
		BaseDelay:   time.Second,
		ShouldRetry: classify.IsRetriable,
	}, func(ctx context.Context) error {
		_, err := c.client.Heartbeat(ctx, req)
		return err
	})
	if c.metrics != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		c.metrics.HeartbeatsTotal.WithLabelValues(status).Inc()
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("heartbeat failed")
	}
}

// Daemon runs cycles on a fixed interval until the context is canceled.
// The first cycle runs immediately.
func (c *Coordinator) Daemon(ctx context.Context, interval time.Duration) error {
	c.logger.Info().Dur("interval", interval).Msg("daemon started")

	if _, err := c.RunCycle(ctx); err != nil {
		c.logger.Error().Err(err).Msg("cycle failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("daemon stopped")
			return nil
		case <-ticker.C:
			if _, err := c.RunCycle(ctx); err != nil {
				c.logger.Error().Err(err).Msg("cycle failed")
			}
		}
	}
}
