package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BetterCallFirewall/Replaycon/internal/config"
)

const (
	caValidityYears  = 10
	leafValidityDays = 365
	// leaves within this window of expiry are regenerated early so a
	// handshake never gets a certificate that dies mid-session
	leafRenewWindow = 24 * time.Hour
)

// CAError wraps failures of the certificate authority itself: unusable root
// material or a failed leaf generation. It is fatal for the TLS path of one
// connection, never for the process.
type CAError struct {
	Host string
	Op   string
	Err  error
}

func (e *CAError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("cert: %s for %s: %v", e.Op, e.Host, e.Err)
	}
	return fmt.Sprintf("cert: %s: %v", e.Op, e.Err)
}

func (e *CAError) Unwrap() error { return e.Err }

type leafEntry struct {
	cert      *tls.Certificate
	notAfter  time.Time
	generated time.Time
}

// Manager is the certificate authority: it owns the root key pair and issues
// per-host leaf certificates on demand, cached until close to expiry.
type Manager struct {
	ca     *x509.Certificate
	caKey  *rsa.PrivateKey
	caPEM  []byte
	leaves map[string]*leafEntry
	mu     sync.RWMutex
	caFile string
}

func NewManager(cfg *config.Config) (*Manager, error) {
	cm := &Manager{
		leaves: make(map[string]*leafEntry),
		caFile: cfg.Cert.CertFile,
	}

	if err := cm.loadCA(); err != nil {
		if err := cm.generateCA(); err != nil {
			return nil, &CAError{Op: "generate root", Err: err}
		}
	}

	return cm, nil
}

func (cm *Manager) generateCA() error {
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}

	ca := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().Unix()),
		Subject: pkix.Name{
			Organization: []string{"Replaycon Proxy CA"},
			CommonName:   "Replaycon Root CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(caValidityYears, 0, 0),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	caBytes, err := x509.CreateCertificate(rand.Reader, ca, ca, &caKey.PublicKey, caKey)
	if err != nil {
		return err
	}
	parsed, err := x509.ParseCertificate(caBytes)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cm.caFile), 0755); err != nil {
		return err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caBytes})
	if err := os.WriteFile(cm.caFile, certPEM, 0644); err != nil {
		return err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(caKey),
	})
	keyFile := filepath.Join(filepath.Dir(cm.caFile), "ca-key.pem")
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return err
	}

	cm.ca = parsed
	cm.caKey = caKey
	cm.caPEM = certPEM

	return nil
}

func (cm *Manager) loadCA() error {
	certPEM, err := os.ReadFile(cm.caFile)
	if err != nil {
		return err
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return &CAError{Op: "parse root certificate", Err: fmt.Errorf("no CERTIFICATE block in %s", cm.caFile)}
	}

	ca, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return &CAError{Op: "parse root certificate", Err: err}
	}

	keyPEM, err := os.ReadFile(filepath.Join(filepath.Dir(cm.caFile), "ca-key.pem"))
	if err != nil {
		return err
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return &CAError{Op: "parse root key", Err: fmt.Errorf("no PEM block in ca-key.pem")}
	}

	caKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return &CAError{Op: "parse root key", Err: err}
	}

	cm.ca = ca
	cm.caKey = caKey
	cm.caPEM = certPEM

	return nil
}

// Leaf returns a certificate for host signed by the root, issuing one on
// first use. While a cached pair is still valid the very same certificate is
// returned; concurrent first requests for one host produce a single
// generation, the rest wait on the lock.
func (cm *Manager) Leaf(host string) (*tls.Certificate, error) {
	if host == "" {
		return nil, &CAError{Op: "issue leaf", Err: fmt.Errorf("empty hostname")}
	}

	now := time.Now()

	cm.mu.RLock()
	if entry, ok := cm.leaves[host]; ok && now.Before(entry.notAfter.Add(-leafRenewWindow)) {
		cm.mu.RUnlock()
		return entry.cert, nil
	}
	cm.mu.RUnlock()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// another handshake may have generated it while we waited
	if entry, ok := cm.leaves[host]; ok && now.Before(entry.notAfter.Add(-leafRenewWindow)) {
		return entry.cert, nil
	}

	entry, err := cm.issue(host)
	if err != nil {
		return nil, &CAError{Host: host, Op: "issue leaf", Err: err}
	}
	cm.leaves[host] = entry

	return entry.cert, nil
}

func (cm *Manager) issue(host string) (*leafEntry, error) {
	certKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	notAfter := time.Now().AddDate(0, 0, leafValidityDays)
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Replaycon Proxy"},
			CommonName:   host,
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	// the subject must match what the client asked for, including IPs
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, cm.ca, &certKey.PublicKey, cm.caKey)
	if err != nil {
		return nil, err
	}

	return &leafEntry{
		cert: &tls.Certificate{
			Certificate: [][]byte{certBytes, cm.ca.Raw},
			PrivateKey:  certKey,
		},
		notAfter:  notAfter,
		generated: time.Now(),
	}, nil
}

// CAPEM returns the root certificate in PEM form for export into a client's
// trust store.
func (cm *Manager) CAPEM() []byte {
	return append([]byte(nil), cm.caPEM...)
}

func (cm *Manager) CAPath() string {
	return cm.caFile
}
