package identity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// TokenValidity is how long a minted token is accepted.
	TokenValidity = 24 * time.Hour

	// staleTimestamp is the largest ts a seconds-based token can carry;
	// anything above it was minted by the millisecond scheme.
	staleTimestamp = 9999999999

	signatureLength = 32
)

var (
	ErrMalformedToken      = errors.New("malformed token")
	ErrStaleTokenFormat    = errors.New("token uses millisecond timestamps")
	ErrTokenExpired        = errors.New("token expired")
	ErrExtensionMismatch   = errors.New("token extension id mismatch")
	ErrFingerprintMismatch = errors.New("token fingerprint mismatch")
	ErrBadSignature        = errors.New("token signature mismatch")
)

// Payload is the decoded first half of a token.
type Payload struct {
	Ext   string `json:"ext"`
	FP    string `json:"fp"`
	TS    int64  `json:"ts"`
	Nonce string `json:"nonce"`
}

// IsStaleFormat reports whether TS is a millisecond timestamp.
func (p Payload) IsStaleFormat() bool {
	return p.TS > staleTimestamp
}

// IssuedAt converts TS to a time.
func (p Payload) IssuedAt() time.Time {
	return time.Unix(p.TS, 0)
}

// Age is the time since the token was minted. Tokens without a
// timestamp are infinitely old.
func (p Payload) Age(now time.Time) time.Duration {
	if p.TS <= 0 {
		return time.Duration(1<<63 - 1)
	}

	return now.Sub(p.IssuedAt())
}

// Expired reports whether the token is past TokenValidity.
func (p Payload) Expired(now time.Time) bool {
	return p.Age(now) > TokenValidity
}

// Mint builds base64(payload) + "." + the first 32 characters of
// digest(base64(payload) + fingerprint).
func Mint(ctx context.Context, id Identity, now time.Time, nonce string, digest DigestProvider) (string, error) {
	raw, err := json.Marshal(Payload{
		Ext:   id.ExtensionID,
		FP:    id.Fingerprint,
		TS:    now.Unix(),
		Nonce: nonce,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode token payload: %w", err)
	}

	data := base64.StdEncoding.EncodeToString(raw)

	signature, err := sign(ctx, data, id.Fingerprint, digest)
	if err != nil {
		return "", err
	}

	return data + "." + signature, nil
}

// ParseToken splits and decodes a token without checking its signature.
func ParseToken(token string) (Payload, error) {
	data, _, err := split(token)
	if err != nil {
		return Payload{}, err
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}

	return payload, nil
}

// VerifyToken performs the server-side acceptance check: the token must
// parse, name extensionID, be within TokenValidity, carry fingerprint
// when one is presented, and have the matching signature. The signature
// is computed over the presented fingerprint, as the registration
// server does.
func VerifyToken(
	ctx context.Context,
	token, extensionID, fingerprint string,
	now time.Time,
	digest DigestProvider,
) (Payload, error) {
	payload, err := ParseToken(token)
	if err != nil {
		return Payload{}, err
	}

	data, signature, _ := split(token)

	switch {
	case payload.Ext != extensionID:
		return payload, ErrExtensionMismatch
	case payload.IsStaleFormat():
		return payload, ErrStaleTokenFormat
	case now.Unix()-payload.TS > int64(TokenValidity/time.Second):
		return payload, ErrTokenExpired
	case fingerprint != "" && payload.FP != fingerprint:
		return payload, ErrFingerprintMismatch
	}

	expected, err := sign(ctx, data, fingerprint, digest)
	if err != nil {
		return payload, err
	}

	if signature != expected {
		return payload, ErrBadSignature
	}

	return payload, nil
}

func sign(ctx context.Context, data, fingerprint string, digest DigestProvider) (string, error) {
	sum, err := digest.Digest(ctx, []byte(data+fingerprint))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	if len(sum) > signatureLength {
		sum = sum[:signatureLength]
	}

	return sum, nil
}

func split(token string) (string, string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", ErrMalformedToken
	}

	return parts[0], parts[1], nil
}
