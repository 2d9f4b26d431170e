package tls

import (
	"context"
	"strconv"
	"time"

	"github.com/jkoelker/newtab/health"
)

// expiryWarning is how close to expiry a file-backed certificate turns
// the check degraded.
const expiryWarning = 7 * 24 * time.Hour

// Checker reports certificate availability and expiry.
type Checker struct {
	manager *Manager
}

// NewChecker creates a certificate health checker.
func NewChecker(manager *Manager) *Checker {
	return &Checker{manager: manager}
}

// Name returns the checker name.
func (c *Checker) Name() string {
	return "tls"
}

// Check is unhealthy without a valid certificate and degraded when a
// file-backed certificate expires within a week.
func (c *Checker) Check(_ context.Context) health.Check {
	now := c.manager.clock.Now()
	check := health.Check{Name: c.Name(), LastChecked: now}

	notAfter := c.manager.NotAfter()
	if notAfter.IsZero() {
		check.Status = health.StatusUnhealthy
		check.Error = ErrNoCertificate.Error()

		return check
	}

	selfSigned := c.manager.SelfSigned()
	check.Metadata = map[string]string{
		"not_after":   notAfter.UTC().Format(time.RFC3339),
		"self_signed": strconv.FormatBool(selfSigned),
	}

	remaining := notAfter.Sub(now)

	switch {
	case remaining <= 0:
		check.Status = health.StatusUnhealthy
		check.Error = "Certificate expired"
	case !selfSigned && remaining < expiryWarning:
		check.Status = health.StatusDegraded
		check.Message = "Certificate expires soon"
	default:
		check.Status = health.StatusHealthy
		check.Message = "Certificate valid"
	}

	return check
}
