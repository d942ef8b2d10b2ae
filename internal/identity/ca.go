// Package identity implements the control plane's IdentityStore: the CA
// key material, one-shot bootstrap tokens, and CSR-to-certificate signing
// that together back the worker enrollment flow (spec.md §4.6).
package identity

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"regexp"
	"strings"
	"time"
)

// workerCNPattern matches the "worker:<id>" Common Name format; <id> must
// be nonempty and drawn from [A-Za-z0-9_-]+ (spec.md §4.1, §4.6).
var workerCNPattern = regexp.MustCompile(`^worker:([A-Za-z0-9_-]+)$`)

// ParseWorkerCN extracts and validates the worker id from a Common Name
// of the form "worker:<id>". It is shared by CSR signing (this file) and
// by mTLS peer-certificate authentication (internal/worker).
func ParseWorkerCN(cn string) (string, error) {
	m := workerCNPattern.FindStringSubmatch(cn)
	if m == nil {
		return "", fmt.Errorf("CN must match 'worker:<id>' with <id> in [A-Za-z0-9_-]+, got %q", cn)
	}
	return m[1], nil
}

// SignedCertificate is the result of signing a worker's CSR.
type SignedCertificate struct {
	CertPEM   string
	ExpiresAt time.Time
	WorkerId  string
}

// CertificateAuthority holds the CA certificate and private key in memory
// and signs worker CSRs against them.
type CertificateAuthority struct {
	caCert    *x509.Certificate
	caKey     any // crypto.Signer, concretely *rsa.PrivateKey or *ecdsa.PrivateKey
	caCertPEM string

	validityDays int
}

// LoadCA reads a PEM-encoded CA certificate and private key from disk.
func LoadCA(certPath, keyPath string, validityDays int) (*CertificateAuthority, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("no PEM block found in CA certificate file")
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	caKey, err := parsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing CA key: %w", err)
	}

	return &CertificateAuthority{
		caCert:       caCert,
		caKey:        caKey,
		caCertPEM:    string(certPEM),
		validityDays: validityDays,
	}, nil
}

func parsePrivateKeyPEM(keyPEM []byte) (any, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in key file")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unrecognized private key format")
}

// CACertPEM returns the CA certificate in PEM form, for inclusion in
// enrollment responses.
func (ca *CertificateAuthority) CACertPEM() string {
	return ca.caCertPEM
}

// SignCSR parses a PEM-encoded PKCS#10 certificate signing request,
// validates its Common Name against the worker:<id> policy, and issues a
// client-auth certificate signed by the CA.
//
// Unlike the reference implementation this is adapted from (which
// generated a fresh key pair server-side as a documented shortcut), this
// signs the CSR's own public key via crypto/x509.CreateCertificate, so
// the worker's private key never leaves the worker. See DESIGN.md.
func (ca *CertificateAuthority) SignCSR(csrPEM string) (SignedCertificate, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || !strings.Contains(block.Type, "CERTIFICATE REQUEST") {
		return SignedCertificate{}, fmt.Errorf("no certificate request PEM block found")
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return SignedCertificate{}, fmt.Errorf("parsing CSR: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return SignedCertificate{}, fmt.Errorf("CSR signature invalid: %w", err)
	}

	workerID, err := ParseWorkerCN(csr.Subject.CommonName)
	if err != nil {
		return SignedCertificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return SignedCertificate{}, fmt.Errorf("generating serial number: %w", err)
	}

	notBefore := time.Now().UTC()
	notAfter := notBefore.AddDate(0, 0, ca.validityDays)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   csr.Subject.CommonName,
			Organization: []string{"TaskRun Worker"},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, ca.caCert, csr.PublicKey, ca.caKey)
	if err != nil {
		return SignedCertificate{}, fmt.Errorf("signing certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	return SignedCertificate{
		CertPEM:   string(certPEM),
		ExpiresAt: notAfter,
		WorkerId:  workerID,
	}, nil
}
