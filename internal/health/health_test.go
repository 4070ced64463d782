package health

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/halcyonvault/halcyon/pkg/models"
)

func TestDefaultThresholds(t *testing.T) {
	th := DefaultThresholds()

	if th.DiskWarning != 80.0 {
		t.Errorf("expected DiskWarning 80.0, got %f", th.DiskWarning)
	}
	if th.DiskCritical != 90.0 {
		t.Errorf("expected DiskCritical 90.0, got %f", th.DiskCritical)
	}
	if th.MemoryWarning != 85.0 {
		t.Errorf("expected MemoryWarning 85.0, got %f", th.MemoryWarning)
	}
	if th.MemoryCritical != 95.0 {
		t.Errorf("expected MemoryCritical 95.0, got %f", th.MemoryCritical)
	}
	if th.CPUWarning != 80.0 {
		t.Errorf("expected CPUWarning 80.0, got %f", th.CPUWarning)
	}
	if th.CPUCritical != 95.0 {
		t.Errorf("expected CPUCritical 95.0, got %f", th.CPUCritical)
	}
}

func TestNewChecker(t *testing.T) {
	th := Thresholds{DiskWarning: 50.0, DiskCritical: 75.0}
	c := NewChecker(th)

	if c == nil {
		t.Fatal("expected non-nil checker")
	}
	if c.thresholds.DiskWarning != 50.0 {
		t.Errorf("expected custom DiskWarning 50.0, got %f", c.thresholds.DiskWarning)
	}
}

func TestNewCheckerWithDefaults(t *testing.T) {
	c := NewCheckerWithDefaults()
	if c == nil {
		t.Fatal("expected non-nil checker")
	}
	if c.thresholds.DiskWarning != 80.0 {
		t.Errorf("expected default DiskWarning 80.0, got %f", c.thresholds.DiskWarning)
	}
}

func TestEvaluateMetrics_NilMetrics(t *testing.T) {
	c := NewCheckerWithDefaults()
	result := c.EvaluateMetrics(nil)

	if result.Status != StatusUnknown {
		t.Errorf("expected StatusUnknown, got %q", result.Status)
	}
	if result.Message != "No metrics available" {
		t.Errorf("expected 'No metrics available', got %q", result.Message)
	}
}

func healthyMetrics() *models.HeartbeatMetrics {
	return &models.HeartbeatMetrics{
		CPUUsage:        30.0,
		MemoryUsage:     50.0,
		DiskUsage:       40.0,
		DiskFreeBytes:   100_000_000_000,
		DiskTotalBytes:  200_000_000_000,
		NetworkUp:       true,
		UptimeSeconds:   3600,
		RsyncAvailable:  true,
		RcloneAvailable: true,
		RcloneVersion:   "1.66.0",
	}
}

func TestEvaluateMetrics_AllHealthy(t *testing.T) {
	c := NewCheckerWithDefaults()
	result := c.EvaluateMetrics(healthyMetrics())

	if result.Status != StatusHealthy {
		t.Errorf("expected StatusHealthy, got %q", result.Status)
	}
	if result.Message != "All systems operational" {
		t.Errorf("expected 'All systems operational', got %q", result.Message)
	}
	if len(result.Issues) != 0 {
		t.Errorf("expected 0 issues, got %d", len(result.Issues))
	}
	if result.CheckedAt.IsZero() {
		t.Error("expected CheckedAt to be set")
	}
}

func TestEvaluateMetrics_DiskWarning(t *testing.T) {
	c := NewCheckerWithDefaults()
	m := healthyMetrics()
	m.DiskUsage = 85.0

	result := c.EvaluateMetrics(m)

	if result.Status != StatusWarning {
		t.Errorf("expected StatusWarning, got %q", result.Status)
	}
	if len(result.Issues) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(result.Issues))
	}
	if result.Issues[0].Component != "disk" {
		t.Errorf("expected disk issue, got %q", result.Issues[0].Component)
	}
	if result.Issues[0].Severity != StatusWarning {
		t.Errorf("expected warning severity, got %q", result.Issues[0].Severity)
	}
	if result.Issues[0].Value != 85.0 {
		t.Errorf("expected value 85.0, got %f", result.Issues[0].Value)
	}
	if result.Issues[0].Threshold != 80.0 {
		t.Errorf("expected threshold 80.0, got %f", result.Issues[0].Threshold)
	}
}

func TestEvaluateMetrics_DiskCritical(t *testing.T) {
	c := NewCheckerWithDefaults()
	m := healthyMetrics()
	m.DiskUsage = 95.0

	result := c.EvaluateMetrics(m)

	if result.Status != StatusCritical {
		t.Errorf("expected StatusCritical, got %q", result.Status)
	}
	if len(result.Issues) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(result.Issues))
	}
	if result.Issues[0].Component != "disk" {
		t.Errorf("expected disk issue, got %q", result.Issues[0].Component)
	}
	if result.Issues[0].Severity != StatusCritical {
		t.Errorf("expected critical severity, got %q", result.Issues[0].Severity)
	}
}

func TestEvaluateMetrics_MemoryAndCPU(t *testing.T) {
	c := NewCheckerWithDefaults()

	tests := []struct {
		name      string
		mutate    func(*models.HeartbeatMetrics)
		component string
		severity  HealthStatus
	}{
		{"memory warning", func(m *models.HeartbeatMetrics) { m.MemoryUsage = 90.0 }, "memory", StatusWarning},
		{"memory critical", func(m *models.HeartbeatMetrics) { m.MemoryUsage = 96.0 }, "memory", StatusCritical},
		{"cpu warning", func(m *models.HeartbeatMetrics) { m.CPUUsage = 85.0 }, "cpu", StatusWarning},
		{"cpu critical", func(m *models.HeartbeatMetrics) { m.CPUUsage = 96.0 }, "cpu", StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := healthyMetrics()
			tt.mutate(m)
			result := c.EvaluateMetrics(m)

			if result.Status != tt.severity {
				t.Errorf("expected %q, got %q", tt.severity, result.Status)
			}
			found := false
			for _, issue := range result.Issues {
				if issue.Component == tt.component && issue.Severity == tt.severity {
					found = true
				}
			}
			if !found {
				t.Errorf("expected %s %s issue", tt.component, tt.severity)
			}
		})
	}
}

func TestEvaluateMetrics_NetworkDown(t *testing.T) {
	c := NewCheckerWithDefaults()
	m := healthyMetrics()
	m.NetworkUp = false

	result := c.EvaluateMetrics(m)

	if result.Status != StatusWarning {
		t.Errorf("expected StatusWarning, got %q", result.Status)
	}
	found := false
	for _, issue := range result.Issues {
		if issue.Component == "network" {
			found = true
			if issue.Severity != StatusWarning {
				t.Errorf("expected warning severity for network, got %q", issue.Severity)
			}
		}
	}
	if !found {
		t.Error("expected network issue")
	}
}

func TestEvaluateMetrics_ToolsUnavailable(t *testing.T) {
	c := NewCheckerWithDefaults()
	m := healthyMetrics()
	m.RsyncAvailable = false
	m.RcloneAvailable = false

	result := c.EvaluateMetrics(m)

	if result.Status != StatusWarning {
		t.Errorf("expected StatusWarning, got %q", result.Status)
	}
	components := map[string]bool{}
	for _, issue := range result.Issues {
		components[issue.Component] = true
	}
	if !components["rsync"] {
		t.Error("expected rsync issue")
	}
	if !components["rclone"] {
		t.Error("expected rclone issue")
	}
}

func TestEvaluateMetrics_MultipleIssues(t *testing.T) {
	c := NewCheckerWithDefaults()
	m := &models.HeartbeatMetrics{
		CPUUsage:        96.0, // critical
		MemoryUsage:     90.0, // warning
		DiskUsage:       85.0, // warning
		NetworkUp:       false,
		RsyncAvailable:  false,
		RcloneAvailable: false,
	}

	result := c.EvaluateMetrics(m)

	if result.Status != StatusCritical {
		t.Errorf("expected StatusCritical (critical trumps warning), got %q", result.Status)
	}
	if len(result.Issues) != 6 {
		t.Errorf("expected 6 issues, got %d", len(result.Issues))
	}
	if result.Message != "Critical issues detected" {
		t.Errorf("expected 'Critical issues detected', got %q", result.Message)
	}
}

func TestEvaluateMetrics_BoundaryValues(t *testing.T) {
	c := NewCheckerWithDefaults()

	t.Run("exactly at warning threshold", func(t *testing.T) {
		m := healthyMetrics()
		m.DiskUsage = 80.0
		result := c.EvaluateMetrics(m)
		if result.Status != StatusWarning {
			t.Errorf("expected StatusWarning at exactly 80%%, got %q", result.Status)
		}
	})

	t.Run("just below warning threshold", func(t *testing.T) {
		m := healthyMetrics()
		m.DiskUsage = 79.9
		result := c.EvaluateMetrics(m)
		if result.Status != StatusHealthy {
			t.Errorf("expected StatusHealthy below 80%%, got %q", result.Status)
		}
	})

	t.Run("exactly at critical threshold", func(t *testing.T) {
		m := healthyMetrics()
		m.DiskUsage = 90.0
		result := c.EvaluateMetrics(m)
		if result.Status != StatusCritical {
			t.Errorf("expected StatusCritical at exactly 90%%, got %q", result.Status)
		}
	})

	t.Run("just below critical threshold", func(t *testing.T) {
		m := healthyMetrics()
		m.DiskUsage = 89.9
		result := c.EvaluateMetrics(m)
		if result.Status != StatusWarning {
			t.Errorf("expected StatusWarning just below 90%%, got %q", result.Status)
		}
	})
}

func TestDetermineOverallStatus(t *testing.T) {
	c := NewCheckerWithDefaults()

	t.Run("no issues returns healthy", func(t *testing.T) {
		status := c.determineOverallStatus([]Issue{})
		if status != StatusHealthy {
			t.Errorf("expected StatusHealthy, got %q", status)
		}
	})

	t.Run("only warnings returns warning", func(t *testing.T) {
		issues := []Issue{
			{Severity: StatusWarning},
			{Severity: StatusWarning},
		}
		status := c.determineOverallStatus(issues)
		if status != StatusWarning {
			t.Errorf("expected StatusWarning, got %q", status)
		}
	})

	t.Run("critical trumps warning", func(t *testing.T) {
		issues := []Issue{
			{Severity: StatusWarning},
			{Severity: StatusCritical},
		}
		status := c.determineOverallStatus(issues)
		if status != StatusCritical {
			t.Errorf("expected StatusCritical, got %q", status)
		}
	})

	t.Run("unknown severity treated as healthy", func(t *testing.T) {
		issues := []Issue{
			{Severity: StatusUnknown},
		}
		status := c.determineOverallStatus(issues)
		if status != StatusHealthy {
			t.Errorf("expected StatusHealthy for unknown-only severity, got %q", status)
		}
	})
}

func TestGenerateMessage(t *testing.T) {
	c := NewCheckerWithDefaults()

	tests := []struct {
		status   HealthStatus
		expected string
	}{
		{StatusHealthy, "All systems operational"},
		{StatusWarning, "Some metrics require attention"},
		{StatusCritical, "Critical issues detected"},
		{StatusUnknown, "Health status unknown"},
		{"invalid", "Health status unknown"},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			result := &CheckResult{Status: tt.status}
			msg := c.generateMessage(result)
			if msg != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, msg)
			}
		})
	}
}

func TestNewCollector(t *testing.T) {
	c := NewCollector("https://example.com")

	if c == nil {
		t.Fatal("expected non-nil collector")
	}
	if c.serverURL != "https://example.com" {
		t.Errorf("expected serverURL 'https://example.com', got %q", c.serverURL)
	}
	if c.startTime.IsZero() {
		t.Error("expected startTime to be set")
	}
}

func TestCollect(t *testing.T) {
	c := NewCollector("https://example.com")
	ctx := context.Background()

	m, err := c.Collect(ctx)

	if err != nil {
		t.Fatalf("Collect() returned error: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil metrics")
	}
	if m.UptimeSeconds < 0 {
		t.Errorf("expected non-negative uptime, got %d", m.UptimeSeconds)
	}
}

func TestCollect_CanceledContext(t *testing.T) {
	c := NewCollector("https://example.com")
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	m, err := c.Collect(ctx)

	// Collect does not return errors from individual checks, just partial metrics
	if err != nil {
		t.Fatalf("Collect() returned error: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil metrics even with canceled context")
	}
}

func TestCheckNetworkConnectivity_EmptyServerURL(t *testing.T) {
	c := NewCollector("")
	ctx := context.Background()

	if c.checkNetworkConnectivity(ctx) {
		t.Error("expected false for empty server URL")
	}
}

func TestRcloneVersion_NotInstalled(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	version, available := rcloneVersion(context.Background())

	if available {
		t.Error("expected available=false with empty PATH")
	}
	if version != "" {
		t.Errorf("expected empty version, got %q", version)
	}
}

func TestRcloneVersion_MockBinary(t *testing.T) {
	dir := t.TempDir()
	script := "#!/bin/sh\necho 'rclone v1.66.0'\necho '- os/version: debian 12'\n"
	if err := os.WriteFile(dir+"/rclone", []byte(script), 0o755); err != nil {
		t.Fatalf("failed to create mock binary: %v", err)
	}
	t.Setenv("PATH", dir)

	version, available := rcloneVersion(context.Background())

	if !available {
		t.Fatal("expected available=true for mock binary")
	}
	if version != "1.66.0" {
		t.Errorf("expected version '1.66.0', got %q", version)
	}
}

func TestToolAvailable(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/rsync", []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("failed to create mock binary: %v", err)
	}
	t.Setenv("PATH", dir)

	if !toolAvailable("rsync") {
		t.Error("expected rsync to be found on PATH")
	}
	if toolAvailable("rclone") {
		t.Error("expected rclone to be missing")
	}
}

func TestGetOSInfo(t *testing.T) {
	info := GetOSInfo()

	if info.OS == "" {
		t.Error("expected non-empty os")
	}
	if info.Arch == "" {
		t.Error("expected non-empty arch")
	}
	if info.Version == "" {
		t.Error("expected non-empty version")
	}
}

func TestGetOSVersion(t *testing.T) {
	// getOSVersion is unexported but called via GetOSInfo
	if getOSVersion() == "" {
		t.Error("expected non-empty OS version")
	}
}

func TestCollectUptime(t *testing.T) {
	c := NewCollector("https://example.com")
	c.startTime = time.Now().Add(-90 * time.Second)

	m, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() returned error: %v", err)
	}
	if m.UptimeSeconds < 90 {
		t.Errorf("expected uptime >= 90s, got %d", m.UptimeSeconds)
	}
}
