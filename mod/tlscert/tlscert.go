package tlscert

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sidcorp-team/pingwall/mod/pwlog"
	"github.com/sidcorp-team/pingwall/mod/pwmetrics"
)

// ErrNoMatchingCertificate is returned by GetCert when SNI selection
// exhausts exact match, wildcard match, and listener default without
// finding a certificate. The caller MUST abort the handshake; there
// is no further fallback.
var ErrNoMatchingCertificate = errors.New("tlscert: no matching certificate for server name, aborting handshake")

// Manager resolves a TLS ClientHello's server name to one of the
// certificate/key pairs configured for a listener. Unlike a
// general-purpose cert store, a Manager is scoped to a single
// listener and is built once at startup from the configuration
// snapshot; it never touches the filesystem at handshake time.
type Manager struct {
	mu           sync.RWMutex
	exact        map[string]*tls.Certificate // lowercased domain -> cert
	wildcards    map[string]*tls.Certificate // lowercased suffix (without "*.") -> cert
	defaultCert  *tls.Certificate
	clientCAs    *x509.CertPool
	requireMTLS  bool
	logger       *pwlog.Logger
	metrics      *pwmetrics.Sink
	listenerAddr string
}

// NewManager builds a Manager for one listener. metrics may be nil;
// listenerAddr labels the pingwall_tls_handshake_failures_total metric
// incremented whenever GetCert fails closed for this listener.
func NewManager(logger *pwlog.Logger, metrics *pwmetrics.Sink, listenerAddr string) *Manager {
	return &Manager{
		exact:        make(map[string]*tls.Certificate),
		wildcards:    make(map[string]*tls.Certificate),
		logger:       logger,
		metrics:      metrics,
		listenerAddr: listenerAddr,
	}
}

// AddCert registers a certificate for one SNI name. A name beginning
// with "*." is registered as a single-level wildcard.
func (m *Manager) AddCert(domain string, certPEM, keyPEM []byte) error {
	cer, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("tlscert: loading cert for %s: %w", domain, err)
	}

	name := strings.ToLower(strings.TrimSpace(domain))
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.HasPrefix(name, "*.") {
		m.wildcards[strings.TrimPrefix(name, "*.")] = &cer
	} else {
		m.exact[name] = &cer
	}
	return nil
}

// SetDefault registers the listener's fallback certificate, used only
// when neither an exact nor a wildcard match is found.
func (m *Manager) SetDefault(certPEM, keyPEM []byte) error {
	cer, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("tlscert: loading default cert: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultCert = &cer
	return nil
}

// AddClientCA registers a CA used to verify client certificates on
// this listener. When any domain on a listener specifies a
// ca_path, mutual TLS is required for the whole listener; per-domain
// client auth scoping is not expressible in a single tls.Config.
func (m *Manager) AddClientCA(caPEM []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clientCAs == nil {
		m.clientCAs = x509.NewCertPool()
	}
	if !m.clientCAs.AppendCertsFromPEM(caPEM) {
		return errors.New("tlscert: no certificates found in CA PEM")
	}
	m.requireMTLS = true
	return nil
}

// ClientCAPool returns the pool built from AddClientCA calls, or nil
// if none were registered.
func (m *Manager) ClientCAPool() *x509.CertPool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clientCAs
}

// RequireClientCert reports whether this listener requires mTLS.
func (m *Manager) RequireClientCert() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requireMTLS
}

// GetCert implements tls.Config.GetCertificate. Lookup order per the
// SNI resolution policy: exact match, single-level wildcard, listener
// default, fail closed.
func (m *Manager) GetCert(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.ToLower(hello.ServerName)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if cer, ok := m.exact[name]; ok {
		return cer, nil
	}

	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		if cer, ok := m.wildcards[name[idx+1:]]; ok {
			return cer, nil
		}
	}

	if m.defaultCert != nil {
		return m.defaultCert, nil
	}

	if m.metrics != nil {
		m.metrics.IncTLSHandshakeFailure(m.listenerAddr)
	}
	if m.logger != nil {
		m.logger.Warnf("tlscert", "aborting handshake: no certificate for server name %q", hello.ServerName)
	}
	return nil, ErrNoMatchingCertificate
}

// IsValidTLSFile sanity-checks that a PEM blob is either a
// non-CA leaf certificate or a private key, used by config loading
// to fail fast on a malformed cert_path/key_path before startup.
func IsValidTLSFile(r io.Reader) bool {
	contents, err := io.ReadAll(r)
	if err != nil {
		return false
	}

	block, _ := pem.Decode(contents)
	if block == nil {
		return false
	}

	if strings.Contains(block.Type, "CERTIFICATE") {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return false
		}
		return !cert.IsCA
	}
	if strings.Contains(block.Type, "PRIVATE KEY") {
		if _, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
			return true
		}
		_, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		return err == nil
	}
	return false
}
