// Halcyon agent CLI - the client-side backup agent.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/halcyonvault/halcyon/internal/agent"
	"github.com/halcyonvault/halcyon/internal/backup"
	"github.com/halcyonvault/halcyon/internal/config"
	"github.com/halcyonvault/halcyon/internal/health"
	"github.com/halcyonvault/halcyon/internal/httpclient"
	"github.com/halcyonvault/halcyon/internal/metrics"
	"github.com/halcyonvault/halcyon/internal/retry"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "halcyon-agent",
		Short:        "Halcyon backup agent",
		Long:         `Halcyon agent runs backups on this machine and reports to a Halcyon server.`,
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newRegisterCmd(),
		newConfigCmd(),
		newStatusCmd(),
		newRunCmd(),
		newStartCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("halcyon-agent %s\n", Version)
			fmt.Printf("  commit:  %s\n", Commit)
			fmt.Printf("  built:   %s\n", BuildDate)
			fmt.Printf("  go:      %s\n", runtime.Version())
			fmt.Printf("  os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newRegisterCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this agent with a Halcyon server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(serverURL)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Server URL (e.g. https://halcyon.example.com)")
	_ = cmd.MarkFlagRequired("server")

	return cmd
}

func runRegister(serverURL string) error {
	u, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server URL must start with http:// or https://")
	}

	fmt.Print("API key: ")
	reader := bufio.NewReader(os.Stdin)
	apiKey, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read API key: %w", err)
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return fmt.Errorf("API key cannot be empty")
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cfg.ServerURL = strings.TrimSuffix(serverURL, "/")
	cfg.APIKey = apiKey
	if cfg.Hostname == "" {
		hostname, _ := os.Hostname()
		cfg.Hostname = hostname
	}

	if err := cfg.SaveDefault(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	path, _ := config.DefaultConfigPath()
	fmt.Printf("Registered with %s\n", cfg.ServerURL)
	fmt.Printf("Config saved to %s\n", path)
	return nil
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage agent configuration",
	}

	cmd.AddCommand(newConfigShowCmd(), newConfigSetServerCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if !cfg.IsConfigured() {
				fmt.Println("Agent is not configured.")
				fmt.Println("Run 'halcyon-agent register --server <url>' to get started.")
				return nil
			}

			fmt.Printf("Server URL:    %s\n", cfg.ServerURL)
			fmt.Printf("API key:       %s\n", maskAPIKey(cfg.APIKey))
			fmt.Printf("Hostname:      %s\n", cfg.Hostname)
			fmt.Printf("Poll interval: %s\n", cfg.GetPollInterval())
			if cfg.MetricsAddr != "" {
				fmt.Printf("Metrics:       %s\n", cfg.MetricsAddr)
			}
			fmt.Printf("Proxy:         %s\n", httpclient.ProxyInfo(cfg.GetProxyConfig()))
			return nil
		},
	}
}

func newConfigSetServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-server <url>",
		Short: "Update the server URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := url.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid server URL: %w", err)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("server URL must start with http:// or https://")
			}

			cfg, err := config.LoadDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			cfg.ServerURL = strings.TrimSuffix(args[0], "/")

			if err := cfg.SaveDefault(); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			fmt.Printf("Server URL set to: %s\n", cfg.ServerURL)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent status and server connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if !cfg.IsConfigured() {
				fmt.Println("Status: Not configured")
				fmt.Println("Run 'halcyon-agent register' to connect to a server.")
				return nil
			}

			fmt.Printf("Server:   %s\n", cfg.ServerURL)
			fmt.Printf("Hostname: %s\n", cfg.Hostname)
			fmt.Println()

			fmt.Print("Checking server connection... ")

			client, err := httpclient.NewWithConfig(cfg, 10*time.Second)
			if err != nil {
				fmt.Println("FAILED")
				return fmt.Errorf("build HTTP client: %w", err)
			}

			resp, err := client.Get(cfg.ServerURL + "/health")
			if err != nil {
				fmt.Println("FAILED")
				return fmt.Errorf("connect to server: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				fmt.Printf("FAILED (HTTP %d)\n", resp.StatusCode)
				fmt.Println("Connection: Error")
				return fmt.Errorf("server returned HTTP %d", resp.StatusCode)
			}

			fmt.Println("OK")
			fmt.Println("Connection: Online")

			collector := health.NewCollector(cfg.ServerURL)
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			m, err := collector.Collect(ctx)
			if err != nil {
				fmt.Printf("Metrics:  unavailable (%v)\n", err)
				return nil
			}

			result := health.NewCheckerWithDefaults().EvaluateMetrics(m)
			fmt.Println()
			fmt.Printf("Health:   %s\n", result.Status)
			fmt.Printf("CPU:      %.1f%%\n", m.CPUUsage)
			fmt.Printf("Memory:   %.1f%%\n", m.MemoryUsage)
			fmt.Printf("Disk:     %.1f%% used (%.1f GB free)\n", m.DiskUsage, float64(m.DiskFreeBytes)/(1024*1024*1024))
			if m.RsyncAvailable {
				fmt.Println("Rsync:    available")
			} else {
				fmt.Println("Rsync:    not installed")
			}
			if m.RcloneAvailable {
				fmt.Printf("Rclone:   %s\n", m.RcloneVersion)
			} else {
				fmt.Println("Rclone:   not installed")
			}
			for _, issue := range result.Issues {
				fmt.Printf("  ! %s\n", issue.Message)
			}
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one backup cycle and exit",
		Long: `Run a single cycle: send a heartbeat, fetch backup configurations
from the server, execute every configuration that is due, and exit.

Exits non-zero if any backup fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("agent not configured: %w", err)
			}

			logger := newLogger()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			coord, notifier, _, err := buildCoordinator(cfg, logger)
			if err != nil {
				return err
			}
			notifier.Start()
			defer notifier.Stop()

			result, err := coord.RunCycle(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Cycle complete: %d configured, %d due, %d succeeded, %d failed\n",
				result.Total, result.Due, result.Succeeded, result.Failed)

			if result.Failed > 0 {
				return fmt.Errorf("%d backup(s) failed", result.Failed)
			}
			return nil
		},
	}
}

func newStartCmd() *cobra.Command {
	var pollInterval time.Duration

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the agent daemon",
		Long: `Start the Halcyon agent as a long-running daemon process.

The daemon will:
  - Send periodic heartbeats with system metrics to the server
  - Execute scheduled backups based on cron expressions
  - Stream progress events to the server over WebSocket
  - Report backup results to the server`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("agent not configured: %w", err)
			}

			if pollInterval <= 0 {
				pollInterval = cfg.GetPollInterval()
			}

			return runDaemon(cmd.Context(), cfg, pollInterval)
		},
	}

	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "How often to check for due backups (default: from config)")

	return cmd
}

func runDaemon(ctx context.Context, cfg *config.AgentConfig, pollInterval time.Duration) error {
	logger := newLogger()

	fmt.Printf("Halcyon Agent %s starting...\n", Version)
	fmt.Printf("Server: %s\n", cfg.ServerURL)
	fmt.Printf("Poll interval: %s\n", pollInterval)
	fmt.Println()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coord, notifier, m, err := buildCoordinator(cfg, logger)
	if err != nil {
		return err
	}

	notifier.Start()
	defer notifier.Stop()

	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr, m, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		fmt.Printf("Metrics listening on %s\n", cfg.MetricsAddr)
	}

	fmt.Println("Agent daemon running. Press Ctrl+C to stop.")

	if err := coord.Daemon(ctx, pollInterval); err != nil {
		return err
	}

	fmt.Println("\nShutting down...")
	return nil
}

// buildCoordinator wires the shared HTTP client, API client, notifier,
// strategies, and coordinator from the agent configuration.
func buildCoordinator(cfg *config.AgentConfig, logger zerolog.Logger) (*backup.Coordinator, *agent.Notifier, *metrics.Metrics, error) {
	httpClient, err := httpclient.NewWithConfig(cfg, 0)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build HTTP client: %w", err)
	}

	client := agent.NewClient(cfg.ServerURL, cfg.APIKey, httpClient, logger)
	budgets := retry.DefaultBudgets()

	notifier := agent.NewNotifier(
		agent.DefaultNotifierConfig(websocketURL(cfg.ServerURL), cfg.UserID, cfg.AgentID),
		logger,
	)

	m := metrics.New()

	// Uploads can run much longer than API calls.
	uploadClient, err := httpclient.NewWithConfig(cfg, time.Hour)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build upload client: %w", err)
	}

	coord := backup.NewCoordinator(backup.CoordinatorConfig{
		Client:    client,
		Sink:      notifier,
		Collector: health.NewCollector(cfg.ServerURL),
		Sizer:     agent.NewSizer(client, logger),
		Metrics:   m,
		Strategies: []backup.Strategy{
			backup.NewArchiveStrategy(client, notifier, uploadClient, budgets, logger),
			backup.NewRsyncStrategy(client, notifier, budgets, logger),
			backup.NewRcloneStrategy(client, notifier, budgets, logger),
		},
		Budgets: budgets,
		Version: Version,
		Logger:  logger,
	})

	return coord, notifier, m, nil
}

// websocketURL converts the configured server URL to the agent
// WebSocket endpoint.
func websocketURL(serverURL string) string {
	ws := serverURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimSuffix(ws, "/") + "/ws/agent"
}

func startMetricsServer(addr string, m *metrics.Metrics, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	return srv
}

// maskAPIKey returns a masked version of the API key for display.
func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if v := os.Getenv("HALCYON_LOG_LEVEL"); v != "" {
		if parsed, err := zerolog.ParseLevel(v); err == nil {
			level = parsed
		}
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}
