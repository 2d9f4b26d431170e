package health

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/log"
	"github.com/jkoelker/newtab/registration"
	"github.com/jkoelker/newtab/storage"
)

const (
	storageCheckerName      = "storage"
	registrationCheckerName = "registration"
	tokenCheckerName        = "token"

	// storageTestTimeout is the timeout for storage health check operations.
	storageTestTimeout = 5 * time.Second

	healthKeyPrefix = "health:check:"
)

// StorageChecker verifies the store with a write, read, and delete.
type StorageChecker struct {
	store storage.Store
	clock clock.Clock
}

// NewStorageChecker creates a new storage health checker.
func NewStorageChecker(store storage.Store, clk clock.Clock) *StorageChecker {
	if clk == nil {
		clk = clock.Real()
	}

	return &StorageChecker{store: store, clock: clk}
}

// Name returns the checker name.
func (sc *StorageChecker) Name() string {
	return storageCheckerName
}

// Check performs the storage health check.
func (sc *StorageChecker) Check(ctx context.Context) Check {
	now := sc.clock.Now()
	check := Check{
		Name:        storageCheckerName,
		LastChecked: now,
	}

	ctx, cancel := context.WithTimeout(ctx, storageTestTimeout)
	defer cancel()

	testKey := healthKeyPrefix + strconv.FormatInt(now.UnixNano(), 10)
	testValue := "health-check-value"

	if err := sc.store.Set(ctx, testKey, testValue); err != nil {
		check.Status = StatusUnhealthy
		check.Error = "Failed to write to storage: " + err.Error()

		return check
	}

	var retrievedValue string
	if err := sc.store.Get(ctx, testKey, &retrievedValue); err != nil {
		check.Status = StatusUnhealthy
		check.Error = "Failed to read from storage: " + err.Error()

		return check
	}

	if retrievedValue != testValue {
		check.Status = StatusUnhealthy
		check.Error = "Storage returned incorrect value"

		return check
	}

	if err := sc.store.Delete(ctx, testKey); err != nil {
		log.Warn(ctx, "Failed to clean up health check key", "key", testKey, "error", err.Error())
	}

	check.Status = StatusHealthy
	check.Message = "Storage is accessible and functioning"

	return check
}

// RegistrationSource reports registration state.
type RegistrationSource interface {
	State() registration.Status
	Record(ctx context.Context) registration.Record
}

// RegistrationChecker reports degraded while the installation is not
// registered with the backend. The extension keeps working offline, so
// it is never unhealthy.
type RegistrationChecker struct {
	source RegistrationSource
	clock  clock.Clock
}

// NewRegistrationChecker creates a registration health checker.
func NewRegistrationChecker(source RegistrationSource, clk clock.Clock) *RegistrationChecker {
	if clk == nil {
		clk = clock.Real()
	}

	return &RegistrationChecker{source: source, clock: clk}
}

// Name returns the checker name.
func (rc *RegistrationChecker) Name() string {
	return registrationCheckerName
}

// Check reports the persisted registration record and live phase.
func (rc *RegistrationChecker) Check(ctx context.Context) Check {
	status := rc.source.State()
	record := rc.source.Record(ctx)

	check := Check{
		Name:        registrationCheckerName,
		LastChecked: rc.clock.Now(),
		Metadata: map[string]string{
			"phase":       string(status.Phase),
			"retry_count": strconv.FormatInt(record.RetryCount, 10),
		},
	}

	if !status.NextRetry.IsZero() {
		check.Metadata["next_retry"] = status.NextRetry.Format(time.RFC3339)
	}

	if record.BackendRegistered {
		check.Status = StatusHealthy
		check.Message = "Registered with backend"
		check.Metadata["registered_at"] = time.UnixMilli(record.RegistrationTime).UTC().Format(time.RFC3339)

		return check
	}

	check.Status = StatusDegraded
	check.Error = record.LastError

	switch status.Phase {
	case registration.PhaseRetrying, registration.PhaseRegistering:
		check.Message = "Registration in progress"
	case registration.PhaseOffline:
		check.Message = "Registration retries exhausted, running offline"
	case registration.PhaseUnregistered, registration.PhaseRegistered:
		check.Message = "Not registered with backend"
	}

	return check
}

// TokenChecker reports whether credentials can be produced.
type TokenChecker struct {
	source oauth2.TokenSource
	clock  clock.Clock
}

// NewTokenChecker creates a token health checker.
func NewTokenChecker(source oauth2.TokenSource, clk clock.Clock) *TokenChecker {
	if clk == nil {
		clk = clock.Real()
	}

	return &TokenChecker{source: source, clock: clk}
}

// Name returns the checker name.
func (tc *TokenChecker) Name() string {
	return tokenCheckerName
}

// Check is healthy while a token is available; an expired token is still
// healthy since it is reissued on demand.
func (tc *TokenChecker) Check(_ context.Context) Check {
	now := tc.clock.Now()
	check := Check{
		Name:        tokenCheckerName,
		LastChecked: now,
		Metadata:    make(map[string]string),
	}

	token, err := tc.source.Token()
	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = "Failed to obtain token: " + err.Error()

		return check
	}

	check.Status = StatusHealthy
	check.Metadata["token_expires_at"] = token.Expiry.UTC().Format(time.RFC3339)

	if !token.Expiry.IsZero() && now.After(token.Expiry) {
		check.Message = "Token expired - will refresh on demand"
		check.Metadata["token_expired"] = "true"

		return check
	}

	check.Message = "Token is valid"

	return check
}
