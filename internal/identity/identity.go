package identity

import "time"

// Store is the IdentityStore described in spec.md §4.6: CA material plus
// bootstrap-token bookkeeping, combined behind one small API surface for
// the enrollment HTTP handler.
type Store struct {
	ca     *CertificateAuthority
	tokens *TokenStore
}

// NewStore wraps a loaded CertificateAuthority with a fresh TokenStore.
func NewStore(ca *CertificateAuthority) *Store {
	return &Store{ca: ca, tokens: NewTokenStore()}
}

// IssueBootstrapToken generates a new one-shot token valid for the given
// duration and returns its plaintext exactly once.
func (s *Store) IssueBootstrapToken(validity time.Duration) (string, error) {
	return s.tokens.Issue(validity)
}

// ConsumeToken redeems a bootstrap token, returning ErrTokenInvalid if it
// is unknown, expired, or already consumed.
func (s *Store) ConsumeToken(plaintext string) error {
	return s.tokens.Consume(plaintext)
}

// SignCSR signs a worker's certificate signing request against the CA.
func (s *Store) SignCSR(csrPEM string) (SignedCertificate, error) {
	return s.ca.SignCSR(csrPEM)
}

// CACertPEM returns the CA certificate in PEM form.
func (s *Store) CACertPEM() string {
	return s.ca.CACertPEM()
}
