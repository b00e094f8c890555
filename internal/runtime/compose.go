package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/command"
)

// Container health vocabulary reported by the runtime
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthStarting  = "starting"
	HealthUnknown   = "unknown"
)

// ContainerStats holds resource gauges for one tenant stack
type ContainerStats struct {
	CPUPercent    float64
	MemoryPercent float64
	MemoryUsedMB  float64
}

// Client drives a tenant's docker-compose stack through the compose CLI.
// Every stack lives in its own directory under the tenant root.
type Client struct {
	runner command.Runner
	log    *logrus.Entry
}

// NewClient creates a container runtime client
func NewClient(runner command.Runner) *Client {
	return &Client{
		runner: runner,
		log:    logrus.WithField("component", "runtime"),
	}
}

// Up starts (or creates) the stack in dir
func (c *Client) Up(ctx context.Context, dir string) error {
	if _, err := c.runner.Run(ctx, "docker", "compose",
		"--project-directory", dir, "up", "-d"); err != nil {
		return fmt.Errorf("failed to start stack in %s: %w", dir, err)
	}
	return nil
}

// Stop stops the stack in dir without removing volumes
func (c *Client) Stop(ctx context.Context, dir string) error {
	if _, err := c.runner.Run(ctx, "docker", "compose",
		"--project-directory", dir, "stop"); err != nil {
		return fmt.Errorf("failed to stop stack in %s: %w", dir, err)
	}
	return nil
}

// Restart restarts the stack in dir
func (c *Client) Restart(ctx context.Context, dir string) error {
	if _, err := c.runner.Run(ctx, "docker", "compose",
		"--project-directory", dir, "restart"); err != nil {
		return fmt.Errorf("failed to restart stack in %s: %w", dir, err)
	}
	return nil
}

// Health inspects the named service's container health. Returns one of the
// health vocabulary constants.
func (c *Client) Health(ctx context.Context, dir, service string) (string, error) {
	out, err := c.runner.Run(ctx, "docker", "inspect",
		"--format", "{{.State.Health.Status}}", containerName(dir, service))
	if err != nil {
		return HealthUnknown, fmt.Errorf("failed to inspect %s: %w", service, err)
	}

	switch status := strings.TrimSpace(string(out)); status {
	case HealthHealthy, HealthUnhealthy, HealthStarting:
		return status, nil
	default:
		return HealthUnknown, nil
	}
}

// Exec runs argv inside the named service's container and returns its output
func (c *Client) Exec(ctx context.Context, dir, service string, argv ...string) ([]byte, error) {
	args := append([]string{"compose", "--project-directory", dir, "exec", "-T", service}, argv...)
	out, err := c.runner.Run(ctx, "docker", args...)
	if err != nil {
		return out, fmt.Errorf("failed to exec in %s: %w", service, err)
	}
	return out, nil
}

// Stats reads resource gauges for the named service's container
func (c *Client) Stats(ctx context.Context, dir, service string) (*ContainerStats, error) {
	out, err := c.runner.Run(ctx, "docker", "stats", "--no-stream",
		"--format", "{{.CPUPerc}};{{.MemPerc}};{{.MemUsage}}", containerName(dir, service))
	if err != nil {
		return nil, fmt.Errorf("failed to read stats for %s: %w", service, err)
	}

	return parseStats(strings.TrimSpace(string(out)))
}

// DiskUsage reports the stack directory's disk usage in MB. Tenant volumes
// are bind mounts under the stack directory, so du over it covers the
// whole tenant footprint.
func (c *Client) DiskUsage(ctx context.Context, dir string) (float64, error) {
	out, err := c.runner.Run(ctx, "du", "-sm", dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read disk usage for %s: %w", dir, err)
	}

	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return 0, fmt.Errorf("unexpected du output %q", out)
	}
	usedMB, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("bad disk usage %q: %w", fields[0], err)
	}

	return usedMB, nil
}

// parseStats parses "12.34%;56.78%;512MiB / 1GiB" docker stats output
func parseStats(line string) (*ContainerStats, error) {
	parts := strings.Split(line, ";")
	if len(parts) != 3 {
		return nil, fmt.Errorf("unexpected stats output %q", line)
	}

	cpu, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(parts[0]), "%"), 64)
	if err != nil {
		return nil, fmt.Errorf("bad cpu gauge %q: %w", parts[0], err)
	}
	mem, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(parts[1]), "%"), 64)
	if err != nil {
		return nil, fmt.Errorf("bad memory gauge %q: %w", parts[1], err)
	}

	usage := strings.TrimSpace(strings.SplitN(parts[2], "/", 2)[0])
	usedMB, err := parseSizeMB(usage)
	if err != nil {
		return nil, fmt.Errorf("bad memory usage %q: %w", parts[2], err)
	}

	return &ContainerStats{CPUPercent: cpu, MemoryPercent: mem, MemoryUsedMB: usedMB}, nil
}

func parseSizeMB(s string) (float64, error) {
	s = strings.TrimSpace(s)
	for _, unit := range []struct {
		suffix string
		factor float64
	}{
		{"GiB", 1024}, {"MiB", 1}, {"KiB", 1.0 / 1024},
		{"GB", 1000}, {"MB", 1}, {"kB", 0.001}, {"B", 1.0 / (1024 * 1024)},
	} {
		if strings.HasSuffix(s, unit.suffix) {
			value, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, unit.suffix)), 64)
			if err != nil {
				return 0, err
			}
			return value * unit.factor, nil
		}
	}
	return 0, fmt.Errorf("unknown size unit in %q", s)
}

// containerName derives the compose container name for a service from the
// stack directory, matching compose's default project naming.
func containerName(dir, service string) string {
	return filepath.Base(dir) + "-" + service + "-1"
}
