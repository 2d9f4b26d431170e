package backend

import (
	"context"
	"strconv"

	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/health"
)

// capacityWarning is the fill ratio at which the registry reports degraded.
const capacityWarning = 0.9

// CapacityChecker reports how full the session registry is.
type CapacityChecker struct {
	registry *Registry
	clock    clock.Clock
}

// NewCapacityChecker creates a registry capacity checker.
func NewCapacityChecker(registry *Registry, clk clock.Clock) *CapacityChecker {
	if clk == nil {
		clk = clock.Real()
	}

	return &CapacityChecker{registry: registry, clock: clk}
}

// Name returns the checker name.
func (c *CapacityChecker) Name() string {
	return "sessions"
}

// Check is degraded at 90% of capacity and unhealthy when sessions
// cannot be counted.
func (c *CapacityChecker) Check(ctx context.Context) health.Check {
	check := health.Check{
		Name:        c.Name(),
		LastChecked: c.clock.Now(),
	}

	count, err := c.registry.Count(ctx)
	if err != nil {
		check.Status = health.StatusUnhealthy
		check.Error = "Failed to count sessions: " + err.Error()

		return check
	}

	capacity := c.registry.Capacity()
	check.Metadata = map[string]string{
		"sessions": strconv.Itoa(count),
		"capacity": strconv.Itoa(capacity),
	}

	if float64(count) >= float64(capacity)*capacityWarning {
		check.Status = health.StatusDegraded
		check.Message = "Session registry nearly full"

		return check
	}

	check.Status = health.StatusHealthy
	check.Message = "Session registry has capacity"

	return check
}
