// Package health collects system metrics and tool availability for
// heartbeat reporting.
package health

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/halcyonvault/halcyon/pkg/models"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// Collector gathers system metrics for heartbeats.
type Collector struct {
	startTime time.Time
	serverURL string
}

// NewCollector creates a new metrics collector.
func NewCollector(serverURL string) *Collector {
	return &Collector{
		startTime: time.Now(),
		serverURL: serverURL,
	}
}

// Collect gathers all system metrics.
func (c *Collector) Collect(ctx context.Context) (*models.HeartbeatMetrics, error) {
	m := &models.HeartbeatMetrics{
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	// CPU usage (average over 1 second)
	cpuPercent, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err == nil && len(cpuPercent) > 0 {
		m.CPUUsage = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil {
		m.MemoryUsage = memStat.UsedPercent
	}

	// Disk usage - check the root filesystem or current drive
	diskPath := "/"
	if runtime.GOOS == "windows" {
		diskPath = "C:\\"
	}
	diskStat, err := disk.UsageWithContext(ctx, diskPath)
	if err == nil {
		m.DiskUsage = diskStat.UsedPercent
		m.DiskFreeBytes = int64(diskStat.Free)
		m.DiskTotalBytes = int64(diskStat.Total)
	}

	m.NetworkUp = c.checkNetworkConnectivity(ctx)

	m.RsyncAvailable = toolAvailable("rsync")
	m.RcloneVersion, m.RcloneAvailable = rcloneVersion(ctx)

	return m, nil
}

// checkNetworkConnectivity reports whether any non-loopback interface has
// an address.
func (c *Collector) checkNetworkConnectivity(ctx context.Context) bool {
	if c.serverURL == "" {
		return false
	}

	interfaces, err := net.InterfacesWithContext(ctx)
	if err != nil {
		return false
	}

	for _, iface := range interfaces {
		// Skip loopback
		if strings.Contains(strings.ToLower(iface.Name), "lo") ||
			strings.Contains(strings.ToLower(iface.Name), "loopback") {
			continue
		}
		if len(iface.Addrs) > 0 {
			return true
		}
	}
	return false
}

func toolAvailable(binary string) bool {
	_, err := exec.LookPath(binary)
	return err == nil
}

// rcloneVersion reports the installed rclone version.
func rcloneVersion(ctx context.Context) (string, bool) {
	path, err := exec.LookPath("rclone")
	if err != nil {
		return "", false
	}

	cmd := exec.CommandContext(ctx, path, "version")
	output, err := cmd.Output()
	if err != nil {
		return "", false
	}

	// First line looks like "rclone v1.66.0".
	line, _, _ := strings.Cut(strings.TrimSpace(string(output)), "\n")
	parts := strings.Fields(line)
	if len(parts) >= 2 {
		return strings.TrimPrefix(parts[1], "v"), true
	}
	return line, true
}

// GetOSInfo returns operating system information.
func GetOSInfo() *models.OSInfo {
	hostname, _ := os.Hostname()
	return &models.OSInfo{
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		Hostname: hostname,
		Version:  getOSVersion(),
	}
}

// getOSVersion returns the OS version string.
func getOSVersion() string {
	switch runtime.GOOS {
	case "linux":
		// Try to read /etc/os-release
		data, err := os.ReadFile("/etc/os-release")
		if err == nil {
			lines := strings.Split(string(data), "\n")
			for _, line := range lines {
				if strings.HasPrefix(line, "PRETTY_NAME=") {
					return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), "\"")
				}
			}
		}
	case "darwin":
		cmd := exec.Command("sw_vers", "-productVersion")
		output, err := cmd.Output()
		if err == nil {
			return fmt.Sprintf("macOS %s", strings.TrimSpace(string(output)))
		}
	case "windows":
		cmd := exec.Command("cmd", "/c", "ver")
		output, err := cmd.Output()
		if err == nil {
			return strings.TrimSpace(string(output))
		}
	}
	return runtime.GOOS
}
