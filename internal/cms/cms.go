// Package cms implements the certificate operations of OFTP secure
// authentication with CMS enveloped data.
package cms

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/smallstep/pkcs7"
	"golang.org/x/crypto/pkcs12"

	"github.com/drunlade/go-oftp/oftp"
)

// pkcs7 selects the content cipher through a package variable.
var encryptMu sync.Mutex

type identity struct {
	cert *x509.Certificate
	key  crypto.PrivateKey
}

type partner struct {
	cert  *x509.Certificate
	suite int
}

// Authenticator holds the certificates of partners and the keys of local
// ids. It satisfies oftp.Authenticator.
type Authenticator struct {
	mu         sync.RWMutex
	partners   map[string]partner
	identities map[string]identity
}

// New returns an empty Authenticator.
func New() *Authenticator {
	return &Authenticator{
		partners:   make(map[string]partner),
		identities: make(map[string]identity),
	}
}

// AddPartner registers the certificate challenges for id are encrypted to.
func (a *Authenticator) AddPartner(id string, cert *x509.Certificate, cipherSuite int) error {
	if _, ok := oftp.LookupCipherSuite(cipherSuite); !ok {
		return fmt.Errorf("cms: unknown cipher suite %d", cipherSuite)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.partners[strings.ToUpper(id)] = partner{cert: cert, suite: cipherSuite}
	return nil
}

// AddIdentity registers the certificate and key of a local id.
func (a *Authenticator) AddIdentity(id string, cert *x509.Certificate, key crypto.PrivateKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.identities[strings.ToUpper(id)] = identity{cert: cert, key: key}
}

var contentCiphers = map[string]int{
	"AES_256_CBC":       pkcs7.EncryptionAlgorithmAES256CBC,
	"3DES_EDE_CBC_3KEY": pkcs7.EncryptionAlgorithmAES256CBC, // pkcs7 has no 3DES
}

func contentAlgorithm(suite int) int {
	cs, _ := oftp.LookupCipherSuite(suite)
	if alg, ok := contentCiphers[cs.Symmetric]; ok {
		return alg
	}
	return pkcs7.EncryptionAlgorithmAES256CBC
}

// EncryptChallenge envelopes challenge for the certificate of remoteID.
func (a *Authenticator) EncryptChallenge(remoteID string, challenge []byte) ([]byte, error) {
	a.mu.RLock()
	p, ok := a.partners[strings.ToUpper(remoteID)]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("cms: no certificate for partner %s", remoteID)
	}

	encryptMu.Lock()
	defer encryptMu.Unlock()
	pkcs7.ContentEncryptionAlgorithm = contentAlgorithm(p.suite)
	return pkcs7.Encrypt(challenge, []*x509.Certificate{p.cert})
}

// DecryptChallenge opens an envelope with the key of localID.
func (a *Authenticator) DecryptChallenge(localID string, envelope []byte) ([]byte, error) {
	a.mu.RLock()
	id, ok := a.identities[strings.ToUpper(localID)]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("cms: no key for local id %s", localID)
	}

	p7, err := pkcs7.Parse(envelope)
	if err != nil {
		return nil, fmt.Errorf("cms: %w", err)
	}
	plain, err := p7.Decrypt(id.cert, id.key)
	if err != nil {
		return nil, fmt.Errorf("cms: %w", err)
	}
	return plain, nil
}

// LoadCertificate reads a PEM or DER certificate.
func LoadCertificate(path string) (*x509.Certificate, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(b); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("cms: %s: unexpected PEM block %s", path, block.Type)
		}
		b = block.Bytes
	}
	return x509.ParseCertificate(b)
}

// LoadKeyPair reads a PEM certificate and its private key.
func LoadKeyPair(certFile, keyFile string) (*x509.Certificate, crypto.PrivateKey, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, nil, err
	}
	return cert, pair.PrivateKey, nil
}

// LoadPKCS12 reads a PKCS#12 bundle holding one certificate and key.
func LoadPKCS12(path, password string) (*x509.Certificate, crypto.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	key, cert, err := pkcs12.Decode(b, password)
	if err != nil {
		return nil, nil, fmt.Errorf("cms: %s: %w", path, err)
	}
	if cert == nil || key == nil {
		return nil, nil, errors.New("cms: bundle lacks certificate or key")
	}
	return cert, key, nil
}
