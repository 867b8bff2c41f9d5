package cms

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSigned(t *testing.T, cn string) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func TestChallengeRoundTrip(t *testing.T) {
	cert, key := selfSigned(t, "BOB")

	alice := New()
	require.NoError(t, alice.AddPartner("bob", cert, 4))
	bob := New()
	bob.AddIdentity("BOB", cert, key)

	challenge := make([]byte, 20)
	_, err := rand.Read(challenge)
	require.NoError(t, err)

	for _, suite := range []int{0, 1, 6} {
		require.NoError(t, alice.AddPartner("BOB", cert, suite))
		env, err := alice.EncryptChallenge("BOB", challenge)
		require.NoError(t, err)
		assert.NotContains(t, string(env), string(challenge))

		plain, err := bob.DecryptChallenge("bob", env)
		require.NoError(t, err)
		assert.Equal(t, challenge, plain)
	}
}

func TestWrongKeyFails(t *testing.T) {
	cert, _ := selfSigned(t, "BOB")
	otherCert, otherKey := selfSigned(t, "MALLORY")

	a := New()
	require.NoError(t, a.AddPartner("BOB", cert, 0))
	env, err := a.EncryptChallenge("BOB", []byte("challenge"))
	require.NoError(t, err)

	m := New()
	m.AddIdentity("BOB", otherCert, otherKey)
	_, err = m.DecryptChallenge("BOB", env)
	assert.Error(t, err)
}

func TestUnknownIDs(t *testing.T) {
	a := New()
	_, err := a.EncryptChallenge("NOBODY", []byte("x"))
	assert.Error(t, err)
	_, err = a.DecryptChallenge("NOBODY", []byte("x"))
	assert.Error(t, err)

	cert, _ := selfSigned(t, "X")
	assert.Error(t, a.AddPartner("X", cert, 42))
}

func TestLoadPEM(t *testing.T) {
	cert, key := selfSigned(t, "FILES")
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}), 0600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0600))

	loaded, err := LoadCertificate(certFile)
	require.NoError(t, err)
	assert.Equal(t, cert.Raw, loaded.Raw)

	derFile := filepath.Join(dir, "cert.der")
	require.NoError(t, os.WriteFile(derFile, cert.Raw, 0600))
	loaded, err = LoadCertificate(derFile)
	require.NoError(t, err)
	assert.Equal(t, "FILES", loaded.Subject.CommonName)

	pairCert, pairKey, err := LoadKeyPair(certFile, keyFile)
	require.NoError(t, err)
	assert.Equal(t, cert.Raw, pairCert.Raw)
	assert.IsType(t, &rsa.PrivateKey{}, pairKey)

	_, err = LoadCertificate(keyFile)
	assert.Error(t, err)

	_, _, err = LoadPKCS12(certFile, "secret")
	assert.Error(t, err)
}
