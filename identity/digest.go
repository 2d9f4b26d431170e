package identity

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"regexp"

	"github.com/jkoelker/newtab/log"
)

// ErrDigestUnavailable is returned by a provider that cannot run in the
// current environment.
var ErrDigestUnavailable = errors.New("digest unavailable")

const weakDigestLength = 64

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9]`)

// DigestProvider hashes fingerprint inputs and token signatures into a
// string of hex-like characters.
type DigestProvider interface {
	Name() string
	Digest(ctx context.Context, data []byte) (string, error)
}

// SHA256 is the standard digest: lowercase hex of SHA-256.
type SHA256 struct{}

func (SHA256) Name() string { return "sha256" }

func (SHA256) Digest(_ context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:]), nil
}

// WeakFallback is the reversible encoding used when no digest primitive
// is available: base64 with non-alphanumerics removed, truncated to 64
// characters. It is not a hash and offers no integrity.
type WeakFallback struct{}

func (WeakFallback) Name() string { return "weak-fallback" }

func (WeakFallback) Digest(_ context.Context, data []byte) (string, error) {
	encoded := nonAlphanumeric.ReplaceAllString(base64.StdEncoding.EncodeToString(data), "")
	if len(encoded) > weakDigestLength {
		encoded = encoded[:weakDigestLength]
	}

	return encoded, nil
}

// Fallback uses Primary and substitutes Secondary when Primary fails.
// Every substitution is logged at warn level.
type Fallback struct {
	Primary   DigestProvider
	Secondary DigestProvider
}

// DefaultDigest is SHA-256 with the weak encoding as its fallback.
func DefaultDigest() Fallback {
	return Fallback{Primary: SHA256{}, Secondary: WeakFallback{}}
}

func (f Fallback) Name() string {
	return f.Primary.Name()
}

func (f Fallback) Digest(ctx context.Context, data []byte) (string, error) {
	sum, err := f.Primary.Digest(ctx, data)
	if err == nil {
		return sum, nil
	}

	log.Warn(ctx, "Digest provider failed, using fallback encoding",
		"primary", f.Primary.Name(),
		"fallback", f.Secondary.Name(),
		"error", err.Error(),
	)

	return f.Secondary.Digest(ctx, data)
}
