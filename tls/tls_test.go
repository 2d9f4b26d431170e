package tls_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/health"
	tlspkg "github.com/jkoelker/newtab/tls"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func writeCertFiles(t *testing.T, certPath, keyPath string, notAfter time.Time) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"Test Org"}},
		NotBefore:             notAfter.Add(-30 * 24 * time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}), 0o600))
}

func serialOf(t *testing.T, cert *tls.Certificate) *big.Int {
	t.Helper()

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	return parsed.SerialNumber
}

func TestGenerateSelfSignedCert(t *testing.T) {
	t.Parallel()

	cert, err := tlspkg.GenerateSelfSignedCert(epoch, "backend.internal", "10.1.2.3")
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	assert.Equal(t, epoch.Add(24*time.Hour).Unix(), leaf.NotAfter.Unix())
	assert.Contains(t, leaf.DNSNames, "backend.internal")

	var ips []string
	for _, ip := range leaf.IPAddresses {
		ips = append(ips, ip.String())
	}

	assert.Contains(t, ips, "10.1.2.3")
	assert.Contains(t, ips, "127.0.0.1")
	assert.True(t, leaf.IPAddresses[0].Equal(net.IPv4(127, 0, 0, 1)))
}

func TestSelfSignedFallbackRenews(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(epoch)
	manager := tlspkg.NewManager("", "", clk)

	require.NoError(t, manager.Initialize(t.Context()))
	assert.True(t, manager.SelfSigned())

	first, err := manager.GetCertificate(nil)
	require.NoError(t, err)

	clk.Set(epoch.Add(12 * time.Hour))
	manager.Poll(t.Context())

	same, err := manager.GetCertificate(nil)
	require.NoError(t, err)
	assert.Equal(t, serialOf(t, first), serialOf(t, same))

	clk.Set(epoch.Add(23*time.Hour + 30*time.Minute))
	manager.Poll(t.Context())

	renewed, err := manager.GetCertificate(nil)
	require.NoError(t, err)
	assert.NotEqual(t, serialOf(t, first), serialOf(t, renewed))
	assert.Equal(t, clk.Now().Add(24*time.Hour).Unix(), manager.NotAfter().Unix())
}

func TestManagerReloadsFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")

	writeCertFiles(t, certPath, keyPath, epoch.Add(90*24*time.Hour))

	manager := tlspkg.NewManager(certPath, keyPath, clock.NewFake(epoch))
	require.NoError(t, manager.Initialize(t.Context()))
	assert.False(t, manager.SelfSigned())

	initial, err := manager.GetCertificate(nil)
	require.NoError(t, err)

	writeCertFiles(t, certPath, keyPath, epoch.Add(120*24*time.Hour))
	require.NoError(t, manager.ReadCertificate(t.Context()))

	reloaded, err := manager.GetCertificate(nil)
	require.NoError(t, err)

	assert.NotEqual(t, serialOf(t, initial), serialOf(t, reloaded))
	assert.Equal(t, epoch.Add(120*24*time.Hour).Unix(), manager.NotAfter().Unix())
}

func TestMissingFilesFallBackToSelfSigned(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	manager := tlspkg.NewManager(filepath.Join(dir, "missing.crt"), filepath.Join(dir, "missing.key"), nil)

	require.NoError(t, manager.Initialize(t.Context()))
	assert.True(t, manager.SelfSigned())
}

func TestConfig(t *testing.T) {
	t.Parallel()

	config := tlspkg.NewManager("", "", nil).Config()

	assert.Equal(t, uint16(tls.VersionTLS12), config.MinVersion)
	assert.NotNil(t, config.GetCertificate)
	assert.NotEmpty(t, config.CipherSuites)
}

func TestChecker(t *testing.T) {
	t.Parallel()

	empty := tlspkg.NewChecker(tlspkg.NewManager("", "", clock.NewFake(epoch))).Check(t.Context())
	assert.Equal(t, health.StatusUnhealthy, empty.Status)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")

	writeCertFiles(t, certPath, keyPath, epoch.Add(3*24*time.Hour))

	clk := clock.NewFake(epoch)
	manager := tlspkg.NewManager(certPath, keyPath, clk)
	require.NoError(t, manager.Initialize(t.Context()))

	checker := tlspkg.NewChecker(manager)

	soon := checker.Check(t.Context())
	assert.Equal(t, health.StatusDegraded, soon.Status)
	assert.Equal(t, "false", soon.Metadata["self_signed"])

	clk.Advance(4 * 24 * time.Hour)

	expired := checker.Check(t.Context())
	assert.Equal(t, health.StatusUnhealthy, expired.Status)
}
