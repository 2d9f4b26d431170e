// Package kdf derives the at-rest encryption key for persistent storage
// from an installation seed.
package kdf

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidParams is returned when KDF parameters are invalid.
var ErrInvalidParams = errors.New("invalid KDF parameters")

// Type names a key derivation function.
type Type string

const (
	// TypePBKDF2 is PBKDF2-HMAC.
	TypePBKDF2 Type = "pbkdf2"
	// TypeArgon2id is Argon2id.
	TypeArgon2id Type = "argon2id"
)

// KeySize is the length of derived storage keys (AES-256).
const KeySize = 32

// Params describes a configured key derivation function.
type Params interface {
	Type() Type
	DeriveKey(secret, salt []byte, keyLen int) ([]byte, error)
	Equal(other Params) bool
	String() string
}

type envelope struct {
	Type   Type            `json:"type"`
	Params json.RawMessage `json:"params"`
}

// Marshal encodes params together with their type.
func Marshal(params Params) ([]byte, error) {
	inner, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s params: %w", params.Type(), err)
	}

	data, err := json.Marshal(envelope{Type: params.Type(), Params: inner})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal KDF envelope: %w", err)
	}

	return data, nil
}

// Unmarshal decodes params written by Marshal.
func Unmarshal(data []byte) (Params, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal KDF envelope: %w", err)
	}

	var params Params

	switch env.Type {
	case TypePBKDF2:
		params = &PBKDF2Params{}
	case TypeArgon2id:
		params = &Argon2idParams{}
	default:
		return nil, fmt.Errorf("%w: unknown KDF type %q", ErrInvalidParams, env.Type)
	}

	if err := json.Unmarshal(env.Params, params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s params: %w", env.Type, err)
	}

	return params, nil
}
