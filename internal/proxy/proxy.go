package proxy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/command"
)

// routeTemplate is the per-tenant reverse proxy server block. The proxy
// protocol itself is out of scope; the contract is write-config-then-reload
// with a success/failure result.
const routeTemplate = `server {
    listen 443 ssl;
    server_name %s;

    ssl_certificate /etc/letsencrypt/live/%s/fullchain.pem;
    ssl_certificate_key /etc/letsencrypt/live/%s/privkey.pem;

    location / {
        proxy_pass http://127.0.0.1:%d;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-Proto https;
    }
}
`

// Client writes per-tenant routing config and reloads the reverse proxy
type Client struct {
	configDir string
	reloadCmd []string
	runner    command.Runner
	log       *logrus.Entry
}

// NewClient creates a reverse proxy client. reloadCmd is a shell-style
// command line, e.g. "nginx -s reload".
func NewClient(configDir, reloadCmd string, runner command.Runner) *Client {
	return &Client{
		configDir: configDir,
		reloadCmd: strings.Fields(reloadCmd),
		runner:    runner,
		log:       logrus.WithField("component", "proxy"),
	}
}

// Route writes the tenant's routing config and reloads the proxy
func (c *Client) Route(ctx context.Context, domain string, port int) error {
	config := fmt.Sprintf(routeTemplate, domain, domain, domain, port)
	path := c.configPath(domain)

	if err := os.WriteFile(path, []byte(config), 0o644); err != nil {
		return fmt.Errorf("failed to write proxy config for %s: %w", domain, err)
	}

	if err := c.reload(ctx); err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{"domain": domain, "port": port}).Info("Configured proxy route")
	return nil
}

// Unroute removes the tenant's routing config and reloads the proxy.
// Removing a missing config is a no-op.
func (c *Client) Unroute(ctx context.Context, domain string) error {
	if err := os.Remove(c.configPath(domain)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove proxy config for %s: %w", domain, err)
	}

	return c.reload(ctx)
}

func (c *Client) reload(ctx context.Context) error {
	if len(c.reloadCmd) == 0 {
		return fmt.Errorf("proxy reload command not configured")
	}

	if _, err := c.runner.Run(ctx, c.reloadCmd[0], c.reloadCmd[1:]...); err != nil {
		return fmt.Errorf("failed to reload proxy: %w", err)
	}
	return nil
}

func (c *Client) configPath(domain string) string {
	return filepath.Join(c.configDir, domain+".conf")
}
