package kdf

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"golang.org/x/crypto/pbkdf2"
)

// HashType names the PRF used by PBKDF2.
type HashType string

const (
	HashSHA256 HashType = "sha256"
	HashSHA512 HashType = "sha512"

	defaultPBKDF2Iterations = 600_000
)

// PBKDF2Params holds parameters for PBKDF2 key derivation.
type PBKDF2Params struct {
	Iterations int      `json:"iterations"`
	Hash       HashType `json:"hash"`
}

// DefaultPBKDF2Params returns the OWASP 2023 recommendation.
func DefaultPBKDF2Params() *PBKDF2Params {
	return &PBKDF2Params{Iterations: defaultPBKDF2Iterations, Hash: HashSHA256}
}

func (p *PBKDF2Params) Type() Type {
	return TypePBKDF2
}

// DeriveKey derives keyLen bytes from secret and salt.
func (p *PBKDF2Params) DeriveKey(secret, salt []byte, keyLen int) ([]byte, error) {
	if p.Iterations <= 0 {
		return nil, fmt.Errorf("%w: pbkdf2 iterations must be positive, got %d", ErrInvalidParams, p.Iterations)
	}

	prf, err := p.prf()
	if err != nil {
		return nil, err
	}

	return pbkdf2.Key(secret, salt, p.Iterations, keyLen, prf), nil
}

func (p *PBKDF2Params) Equal(other Params) bool {
	o, ok := other.(*PBKDF2Params)
	if !ok {
		return false
	}

	return p.Iterations == o.Iterations && p.hash() == o.hash()
}

func (p *PBKDF2Params) String() string {
	return fmt.Sprintf("pbkdf2(iterations=%d,hash=%s)", p.Iterations, p.hash())
}

func (p *PBKDF2Params) hash() HashType {
	if p.Hash == "" {
		return HashSHA256
	}

	return p.Hash
}

func (p *PBKDF2Params) prf() (func() hash.Hash, error) {
	switch p.hash() {
	case HashSHA256:
		return sha256.New, nil
	case HashSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("%w: unsupported hash %q", ErrInvalidParams, p.Hash)
	}
}
