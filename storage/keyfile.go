package storage

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jkoelker/newtab/kdf"
)

const (
	keyFileName        = "kdf.json"
	keyFileVersion     = 1
	keyFilePermissions = 0o600
	saltLength         = 32
)

// ErrUnsupportedKeyFile is returned for key files written by an unknown
// format version.
var ErrUnsupportedKeyFile = errors.New("unsupported storage key file")

// keyFile records how the storage encryption key is derived. It lives
// next to the database so the salt survives restarts.
type keyFile struct {
	Version   int             `json:"version"`
	KDF       json.RawMessage `json:"kdf"`
	Salt      string          `json:"salt"`
	CreatedAt time.Time       `json:"created_at"`
}

func newKeyFile(params kdf.Params) (*keyFile, error) {
	encoded, err := kdf.Marshal(params)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	return &keyFile{
		Version:   keyFileVersion,
		KDF:       encoded,
		Salt:      base64.StdEncoding.EncodeToString(salt),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func readKeyFile(dir string) (*keyFile, error) {
	data, err := os.ReadFile(filepath.Join(dir, keyFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read storage key file: %w", err)
	}

	var file keyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse storage key file: %w", err)
	}

	if file.Version != keyFileVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedKeyFile, file.Version)
	}

	return &file, nil
}

func (f *keyFile) write(dir string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal storage key file: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, keyFileName), data, keyFilePermissions); err != nil {
		return fmt.Errorf("failed to write storage key file: %w", err)
	}

	return nil
}

func (f *keyFile) params() (kdf.Params, error) {
	params, err := kdf.Unmarshal(f.KDF)
	if err != nil {
		return nil, fmt.Errorf("invalid storage key file: %w", err)
	}

	return params, nil
}

func (f *keyFile) salt() ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil || len(salt) == 0 {
		return nil, fmt.Errorf("%w: bad salt", ErrUnsupportedKeyFile)
	}

	return salt, nil
}
