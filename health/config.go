package health

// Config holds health check configuration options.
type Config struct {
	// StrictReadiness reports degraded as 503 instead of 200.
	StrictReadiness bool

	// Version to include in health responses
	Version string
}

// DefaultConfig returns the health configuration used when none is given.
func DefaultConfig() *Config {
	return &Config{
		StrictReadiness: true,
		Version:         "newtab",
	}
}
