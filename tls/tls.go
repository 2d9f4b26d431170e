// Package tls serves the backend certificate: loaded from files and
// reloaded on change, or self-signed and renewed before it lapses.
package tls

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/log"
)

const (
	defaultSerialBits    = 128
	selfSignedValidity   = 24 * time.Hour
	selfSignedRenewal    = time.Hour
	defaultWatchInterval = 10 * time.Second
)

// ErrNoCertificate is returned when no certificate is available.
var ErrNoCertificate = errors.New("no TLS certificate available")

// Manager handles certificate loading and automatic reloading.
type Manager struct {
	sync.RWMutex

	certPath string
	keyPath  string
	hosts    []string
	clock    clock.Clock

	certificate       *tls.Certificate
	leaf              *x509.Certificate
	cachedKeyPEMBlock []byte
	selfSigned        bool
	watcher           *fsnotify.Watcher
	interval          time.Duration
}

// NewManager creates a certificate manager. Without both paths it serves
// a self-signed certificate for hosts (localhost when empty).
func NewManager(certPath, keyPath string, clk clock.Clock, hosts ...string) *Manager {
	if clk == nil {
		clk = clock.Real()
	}

	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}

	return &Manager{
		certPath: certPath,
		keyPath:  keyPath,
		hosts:    hosts,
		clock:    clk,
		interval: defaultWatchInterval,
	}
}

// Initialize loads or generates the certificate and starts the reload
// loop, which stops with ctx.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.certPath != "" && m.keyPath != "" {
		err := m.ReadCertificate(ctx)
		if err == nil {
			log.Info(ctx, "Loaded TLS certificate from files",
				"cert_path", m.certPath,
				"key_path", m.keyPath)

			if err := m.setupWatcher(ctx); err != nil {
				log.Warn(ctx, "Failed to setup file watcher, using polling only", "error", err.Error())
			}

			go m.watchForChanges(ctx)

			return nil
		}

		log.Warn(ctx, "Failed to load TLS certificate from files, will use self-signed",
			"cert_path", m.certPath,
			"key_path", m.keyPath,
			"error", err.Error())
	}

	if err := m.renewSelfSigned(ctx); err != nil {
		return err
	}

	go m.watchForChanges(ctx)

	return nil
}

// GetCertificate returns the current certificate for tls.Config.GetCertificate.
func (m *Manager) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	m.RLock()
	defer m.RUnlock()

	if m.certificate == nil {
		return nil, ErrNoCertificate
	}

	return m.certificate, nil
}

// NotAfter returns the current certificate's expiry, zero when none.
func (m *Manager) NotAfter() time.Time {
	m.RLock()
	defer m.RUnlock()

	if m.leaf == nil {
		return time.Time{}
	}

	return m.leaf.NotAfter
}

// SelfSigned reports whether the manager is serving a generated certificate.
func (m *Manager) SelfSigned() bool {
	m.RLock()
	defer m.RUnlock()

	return m.selfSigned
}

// Config creates a tls.Config using the certificate manager.
func (m *Manager) Config() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: m.GetCertificate,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// ReadCertificate reads and parses the certificate files, replacing the
// current certificate when they changed.
func (m *Manager) ReadCertificate(ctx context.Context) error {
	certPEMBlock, err := os.ReadFile(m.certPath)
	if err != nil {
		return fmt.Errorf("failed to read cert file: %w", err)
	}

	keyPEMBlock, err := os.ReadFile(m.keyPath)
	if err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEMBlock, keyPEMBlock)
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	if !m.updateCachedCertificate(&cert, keyPEMBlock, false) {
		return nil
	}

	log.Info(ctx, "Updated current TLS certificate", "not_after", m.NotAfter().Format(time.RFC3339))

	return nil
}

func (m *Manager) renewSelfSigned(ctx context.Context) error {
	cert, err := GenerateSelfSignedCert(m.clock.Now(), m.hosts...)
	if err != nil {
		return fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}

	m.updateCachedCertificate(&cert, nil, true)

	log.Info(ctx, "Using self-signed TLS certificate", "not_after", m.NotAfter().Format(time.RFC3339))

	return nil
}

func (m *Manager) setupWatcher(ctx context.Context) error {
	var err error

	m.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := m.watcher.Add(m.certPath); err != nil {
		_ = m.watcher.Close()

		return fmt.Errorf("failed to watch cert file: %w", err)
	}

	if err := m.watcher.Add(m.keyPath); err != nil {
		_ = m.watcher.Close()

		return fmt.Errorf("failed to watch key file: %w", err)
	}

	go m.handleWatchEvents(ctx)

	return nil
}

// updateCachedCertificate swaps in cert unless it matches the current
// one, reporting whether it did.
func (m *Manager) updateCachedCertificate(cert *tls.Certificate, keyPEMBlock []byte, selfSigned bool) bool {
	m.Lock()
	defer m.Unlock()

	if m.certificate != nil &&
		len(cert.Certificate) > 0 && len(m.certificate.Certificate) > 0 &&
		bytes.Equal(m.certificate.Certificate[0], cert.Certificate[0]) &&
		bytes.Equal(m.cachedKeyPEMBlock, keyPEMBlock) {
		return false
	}

	leaf := cert.Leaf
	if leaf == nil && len(cert.Certificate) > 0 {
		leaf, _ = x509.ParseCertificate(cert.Certificate[0])
	}

	m.certificate = cert
	m.leaf = leaf
	m.cachedKeyPEMBlock = keyPEMBlock
	m.selfSigned = selfSigned

	return true
}

// Poll runs one reload pass: file-backed certificates are re-read and a
// self-signed certificate is renewed within an hour of expiry.
func (m *Manager) Poll(ctx context.Context) {
	if !m.SelfSigned() {
		if err := m.ReadCertificate(ctx); err != nil {
			log.Error(ctx, err, "failed to read certificate during polling")
		}

		return
	}

	if m.NotAfter().Sub(m.clock.Now()) > selfSignedRenewal {
		return
	}

	if err := m.renewSelfSigned(ctx); err != nil {
		log.Error(ctx, err, "failed to renew self-signed certificate")
	}
}

func (m *Manager) watchForChanges(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	defer func() {
		if m.watcher != nil {
			_ = m.watcher.Close()
		}
	}()

	log.Debug(ctx, "Starting certificate poll", "interval", m.interval.String())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.Poll(ctx)
		}
	}
}

func (m *Manager) handleWatchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			m.handleEvent(ctx, event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}

			log.Error(ctx, err, "certificate watch error")
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, event fsnotify.Event) {
	switch {
	case event.Op.Has(fsnotify.Write):
	case event.Op.Has(fsnotify.Create):
	case event.Op.Has(fsnotify.Chmod), event.Op.Has(fsnotify.Remove):
		// Editors and secret mounts replace files; watch the new inode.
		if err := m.watcher.Add(event.Name); err != nil {
			log.Error(ctx, err, "error re-watching file", "file", event.Name)
		}
	default:
		return
	}

	log.Debug(ctx, "certificate file event", "event", event.Op.String(), "file", event.Name)

	if err := m.ReadCertificate(ctx); err != nil {
		log.Error(ctx, err, "error re-reading certificate after file event")
	}
}

// GenerateSelfSignedCert generates a P-256 certificate for hosts valid
// for 24 hours from now. Hosts that parse as IPs become IP SANs; the
// loopback addresses are always included.
func GenerateSelfSignedCert(now time.Time, hosts ...string) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), defaultSerialBits))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"newtab backend (self-signed)"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}, //nolint:mnd // loopback
	}

	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if host != "" {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to marshal EC private key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create key pair: %w", err)
	}

	return pair, nil
}
