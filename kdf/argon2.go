package kdf

import (
	"fmt"

	"golang.org/x/crypto/argon2"
)

const maxArgon2KeyLen = 1024

// Argon2idParams holds parameters for Argon2id key derivation.
type Argon2idParams struct {
	Iterations  uint32 `json:"iterations"`
	Memory      uint32 `json:"memory"` // KiB
	Parallelism uint8  `json:"parallelism"`
}

var argon2Presets = map[string]Argon2idParams{
	"default":  {Iterations: 2, Memory: 19 * 1024, Parallelism: 1},
	"moderate": {Iterations: 3, Memory: 64 * 1024, Parallelism: 4},
	"high":     {Iterations: 4, Memory: 128 * 1024, Parallelism: 8},
}

// DefaultArgon2idParams returns the OWASP 2023 recommendation.
func DefaultArgon2idParams() *Argon2idParams {
	preset := argon2Presets["default"]

	return &preset
}

func (p *Argon2idParams) Type() Type {
	return TypeArgon2id
}

// DeriveKey derives keyLen bytes from secret and salt.
func (p *Argon2idParams) DeriveKey(secret, salt []byte, keyLen int) ([]byte, error) {
	switch {
	case p.Iterations == 0:
		return nil, fmt.Errorf("%w: argon2id iterations must be positive", ErrInvalidParams)
	case p.Memory == 0:
		return nil, fmt.Errorf("%w: argon2id memory must be positive", ErrInvalidParams)
	case p.Parallelism == 0:
		return nil, fmt.Errorf("%w: argon2id parallelism must be positive", ErrInvalidParams)
	case keyLen <= 0 || keyLen > maxArgon2KeyLen:
		return nil, fmt.Errorf("%w: argon2id key length %d out of range", ErrInvalidParams, keyLen)
	}

	return argon2.IDKey(secret, salt, p.Iterations, p.Memory, p.Parallelism, uint32(keyLen)), nil
}

func (p *Argon2idParams) Equal(other Params) bool {
	o, ok := other.(*Argon2idParams)

	return ok && *p == *o
}

func (p *Argon2idParams) String() string {
	return fmt.Sprintf("argon2id(iterations=%d,memory=%dKiB,parallelism=%d)", p.Iterations, p.Memory, p.Parallelism)
}
