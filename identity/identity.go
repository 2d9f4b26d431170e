// Package identity derives the per-installation identity and mints and
// verifies the self-issued bearer token that names it.
//
// The token signature is keyed only by the fingerprint, which the client
// also sends in the clear. It identifies an installation for rate
// limiting and telemetry; it is not a credential.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	// DefaultExtensionID is used when the host does not report an id.
	DefaultExtensionID = "dev-extension"
	// DefaultVersion is used when the host does not report a version.
	DefaultVersion = "1.0.0"

	maxUserAgentLength = 200
)

var (
	whitespace    = regexp.MustCompile(`\s+`)
	chromeVersion = regexp.MustCompile(`Chrome/[\d.]+`)
	safariVersion = regexp.MustCompile(`Safari/[\d.]+`)
)

// Runtime is what the host environment reports about the installation.
type Runtime struct {
	ExtensionID string
	Version     string
	UserAgent   string
	Timezone    string
}

// Identity is the persisted per-installation identity.
type Identity struct {
	ExtensionID      string `json:"extensionId"`
	ExtensionVersion string `json:"extensionVersion"`
	InstallTime      int64  `json:"installTime"`
	Fingerprint      string `json:"fingerprint"`
	UserAgent        string `json:"userAgent"`
	Timezone         string `json:"timezone"`
}

// SanitizeUserAgent collapses whitespace, masks the Chrome and Safari
// build numbers, and truncates to 200 characters.
func SanitizeUserAgent(userAgent string) string {
	sanitized := whitespace.ReplaceAllString(userAgent, " ")
	sanitized = replaceFirst(chromeVersion, sanitized, "Chrome/xxx")
	sanitized = replaceFirst(safariVersion, sanitized, "Safari/xxx")

	if len(sanitized) > maxUserAgentLength {
		sanitized = sanitized[:maxUserAgentLength]
	}

	return sanitized
}

func replaceFirst(re *regexp.Regexp, s, replacement string) string {
	loc := re.FindStringIndex(s)
	if loc == nil {
		return s
	}

	return s[:loc[0]] + replacement + s[loc[1]:]
}

// Fingerprint digests the sorted-key JSON of the identity fields. Field
// order never affects the result.
func Fingerprint(ctx context.Context, digest DigestProvider, fields map[string]any) (string, error) {
	var buf bytes.Buffer

	// encoding/json sorts map keys; HTML escaping is disabled so the
	// bytes match a plain JSON serializer.
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(fields); err != nil {
		return "", fmt.Errorf("failed to encode fingerprint fields: %w", err)
	}

	return digest.Digest(ctx, bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}

// New builds an identity for the runtime. The user agent is sanitized
// before it is fingerprinted and stored.
func New(ctx context.Context, rt Runtime, installTime int64, digest DigestProvider) (Identity, error) {
	id := Identity{
		ExtensionID:      orDefault(rt.ExtensionID, DefaultExtensionID),
		ExtensionVersion: orDefault(rt.Version, DefaultVersion),
		InstallTime:      installTime,
		UserAgent:        SanitizeUserAgent(rt.UserAgent),
		Timezone:         orDefault(rt.Timezone, "UTC"),
	}

	if err := id.refingerprint(ctx, digest); err != nil {
		return Identity{}, err
	}

	return id, nil
}

// WithVersion returns a copy at version with a recomputed fingerprint.
func (id Identity) WithVersion(ctx context.Context, version string, digest DigestProvider) (Identity, error) {
	id.ExtensionVersion = version

	if err := id.refingerprint(ctx, digest); err != nil {
		return Identity{}, err
	}

	return id, nil
}

// Verify reports whether the stored fingerprint matches the fields.
func (id Identity) Verify(ctx context.Context, digest DigestProvider) bool {
	fp, err := Fingerprint(ctx, digest, id.fields())

	return err == nil && fp == id.Fingerprint
}

// Valid reports whether the identity has the fields required to mint.
func (id Identity) Valid() bool {
	return id.ExtensionID != "" && id.Fingerprint != ""
}

func (id *Identity) refingerprint(ctx context.Context, digest DigestProvider) error {
	fp, err := Fingerprint(ctx, digest, id.fields())
	if err != nil {
		return err
	}

	id.Fingerprint = fp

	return nil
}

func (id Identity) fields() map[string]any {
	return map[string]any{
		"extensionId":      id.ExtensionID,
		"extensionVersion": id.ExtensionVersion,
		"installTime":      id.InstallTime,
		"userAgent":        id.UserAgent,
		"timezone":         id.Timezone,
	}
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}

	return value
}
