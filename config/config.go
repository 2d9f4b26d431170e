// Package config loads agent and backend settings from the environment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"

	"github.com/jkoelker/newtab/kdf"
)

const (
	keySize  = 32
	dirMode  = 0o700
	fileMode = 0o600

	keyringService = "newtab"
	keyringSeedKey = "storage-seed"

	seedFileName     = "storage_seed"
	adminKeyFileName = "admin_api_key"
)

// Config holds the application configuration.
type Config struct {
	// Storage
	DataPath        string `env:"DATA_PATH"         envDefault:"./data"`
	StorageSeed     string `env:"STORAGE_SEED"`
	KDFSpec         string `env:"KDF_SPEC"          envDefault:"argon2:default"`
	InMemoryStorage bool   `env:"IN_MEMORY_STORAGE" envDefault:"false"`

	// UseKeyring stores a generated storage seed in the OS keyring
	// instead of a file under DataPath.
	UseKeyring bool `env:"USE_KEYRING" envDefault:"true"`

	// Logging and observability
	DebugLogging   bool   `env:"DEBUG_LOGGING"   envDefault:"false"`
	LogFormat      string `env:"LOG_FORMAT"      envDefault:"json"`
	ServiceName    string `env:"SERVICE_NAME"    envDefault:"newtab"`
	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"true"`
	TracingEnabled bool   `env:"TRACING_ENABLED" envDefault:"false"`

	// Agent
	APIBaseURL       string `env:"API_BASE_URL"      envDefault:"http://localhost:8080"`
	ChartBaseURL     string `env:"CHART_BASE_URL"    envDefault:"https://query1.finance.yahoo.com"`
	ExtensionID      string `env:"EXTENSION_ID"`
	ExtensionVersion string `env:"EXTENSION_VERSION" envDefault:"1.0.0"`
	UserAgent        string `env:"USER_AGENT"        envDefault:"newtab-agent"`
	Timezone         string `env:"TZ"`
	StatusAddr       string `env:"STATUS_ADDR"`

	// Chat
	ChatAPIKey  string `env:"CHAT_API_KEY"`
	ChatBaseURL string `env:"CHAT_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	ChatModel   string `env:"CHAT_MODEL"    envDefault:"deepseek/deepseek-chat"`

	// Backend
	ListenAddr        string `env:"LISTEN_ADDR"         envDefault:"127.0.0.1"`
	Port              int    `env:"PORT"                envDefault:"8080"`
	TLSCertPath       string `env:"TLS_CERT_PATH"`
	TLSKeyPath        string `env:"TLS_KEY_PATH"`
	MaxSessions       int    `env:"MAX_SESSIONS"        envDefault:"10000"`
	RequestsPerMinute int    `env:"REQUESTS_PER_MINUTE" envDefault:"120"`
	StrictReadiness   bool   `env:"STRICT_READINESS"    envDefault:"false"`

	// AdminAPIKey falls back to a generated key file; see LoadAdminKey.
	AdminAPIKey string `env:"ADMIN_API_KEY"`
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	return Parse()
}

// Parse builds a Config from the environment only.
func Parse() (*Config, error) {
	config := &Config{}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	clearEnvVar("STORAGE_SEED")
	clearEnvVar("ADMIN_API_KEY")

	return config, nil
}

// StorageKDFParams returns the KDF parameters for storage encryption.
func (c *Config) StorageKDFParams() (kdf.Params, error) {
	params, err := kdf.ParseSpec(c.KDFSpec)
	if err != nil {
		return nil, fmt.Errorf("invalid KDF spec %q: %w", c.KDFSpec, err)
	}

	return params, nil
}

// ResolveStorageSeed returns the configured seed, or one loaded from the
// keyring or seed file, generating and persisting a new one on first use.
// A keyring that cannot be reached falls back to the seed file.
func (c *Config) ResolveStorageSeed() (string, error) {
	if c.StorageSeed != "" {
		return c.StorageSeed, nil
	}

	if c.UseKeyring {
		seed, err := keyringSeed()
		if err == nil {
			c.StorageSeed = seed

			return seed, nil
		}
	}

	seed, err := loadOrCreate(filepath.Join(filepath.Clean(c.DataPath), seedFileName))
	if err != nil {
		return "", fmt.Errorf("failed to resolve storage seed: %w", err)
	}

	c.StorageSeed = seed

	return seed, nil
}

func keyringSeed() (string, error) {
	seed, err := keyring.Get(keyringService, keyringSeedKey)
	if err == nil && seed != "" {
		return seed, nil
	}

	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("keyring unavailable: %w", err)
	}

	seed, err = generateSecureKey()
	if err != nil {
		return "", err
	}

	if err := keyring.Set(keyringService, keyringSeedKey, seed); err != nil {
		return "", fmt.Errorf("failed to store seed in keyring: %w", err)
	}

	return seed, nil
}

// LoadAdminKey keeps an AdminAPIKey from the environment, otherwise
// reads the key file under DataPath, generating it on first use.
func (c *Config) LoadAdminKey() (string, error) {
	if c.AdminAPIKey != "" {
		return c.AdminAPIKey, nil
	}

	key, err := loadOrCreate(filepath.Join(filepath.Clean(c.DataPath), adminKeyFileName))
	if err != nil {
		return "", fmt.Errorf("failed to get admin API key: %w", err)
	}

	c.AdminAPIKey = key

	return key, nil
}

// loadOrCreate reads a secret from path, writing a fresh one when the
// file is missing or empty.
func loadOrCreate(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret, nil
		}
	}

	secret, err := generateSecureKey()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(secret), fileMode); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	return secret, nil
}

func generateSecureKey() (string, error) {
	bytes := make([]byte, keySize)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secure key: %w", err)
	}

	return hex.EncodeToString(bytes), nil
}

// clearEnvVar removes a secret from the environment so child processes
// and process listings do not see it.
func clearEnvVar(key string) {
	_ = os.Unsetenv(key)
}
