package certs

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/command"
	"fleet-orchestrator/internal/services"
)

// Client requests TLS certificates from the external issuer. The issuance
// protocol is the issuer's concern; the contract here is success, retryable
// failure or permanent failure.
type Client struct {
	email  string
	runner command.Runner
	log    *logrus.Entry
}

// NewClient creates a certificate issuer client
func NewClient(email string, runner command.Runner) *Client {
	return &Client{
		email:  email,
		runner: runner,
		log:    logrus.WithField("component", "certs"),
	}
}

// Obtain requests a certificate for the domain. Rate-limit responses from
// the issuer are reported as retryable.
func (c *Client) Obtain(ctx context.Context, domain string) error {
	out, err := c.runner.Run(ctx, "certbot", "certonly",
		"--nginx",
		"--non-interactive",
		"--agree-tos",
		"-m", c.email,
		"-d", domain)
	if err != nil {
		if cmdErr, ok := services.IsExternalCommandError(err); ok {
			if containsRateLimit(string(out)) {
				cmdErr.Retryable = true
			}
		}
		return fmt.Errorf("failed to obtain certificate for %s: %w", domain, err)
	}

	c.log.WithField("domain", domain).Info("Obtained certificate")
	return nil
}

func containsRateLimit(output string) bool {
	for _, marker := range []string{"too many certificates", "rateLimited", "rate limit"} {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}
