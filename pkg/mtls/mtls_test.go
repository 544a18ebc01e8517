package mtls

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func Test_NewTLSConfig(t *testing.T) {
	t.Run("nil_arguments", func(t *testing.T) {
		cfg, err := NewTLSConfig(nil, nil)
		require.Error(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("nil_private_key", func(t *testing.T) {
		pub, _, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)

		cfg, err := NewTLSConfig(nil, []ed25519.PublicKey{pub})
		require.Error(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("empty_public_keys", func(t *testing.T) {
		_, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)

		cfg, err := NewTLSConfig(priv, []ed25519.PublicKey{})
		require.Error(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("invalid_public_key_length", func(t *testing.T) {
		_, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)

		invalidPub := make([]byte, ed25519.PublicKeySize+1)
		cfg, err := NewTLSConfig(priv, []ed25519.PublicKey{invalidPub})
		require.Error(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("valid_keys", func(t *testing.T) {
		pub1, _, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		pub2, _, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		_, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)

		cfg, err := NewTLSConfig(priv, []ed25519.PublicKey{pub1, pub2})
		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
		assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)
		assert.True(t, cfg.InsecureSkipVerify)
		assert.Equal(t, tls.RequireAnyClientCert, cfg.ClientAuth)
		assert.Len(t, cfg.Certificates, 1)
	})
}

func Test_VerifyPeerCertificate(t *testing.T) {
	_, cpriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	spub, spriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	cfg, err := NewTLSConfig(cpriv, []ed25519.PublicKey{spub})
	require.NoError(t, err)

	t.Run("accepts a registered peer", func(t *testing.T) {
		scert, err := newMinimalX509Cert(spriv)
		require.NoError(t, err)
		require.NoError(t, cfg.VerifyPeerCertificate(scert.Certificate, [][]*x509.Certificate{}))
	})

	t.Run("rejects an unregistered peer", func(t *testing.T) {
		_, unknown, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)

		cert, err := newMinimalX509Cert(unknown)
		require.NoError(t, err)
		require.Error(t, cfg.VerifyPeerCertificate(cert.Certificate, [][]*x509.Certificate{}))
	})

	t.Run("rejects peers presenting more than one certificate", func(t *testing.T) {
		scert, err := newMinimalX509Cert(spriv)
		require.NoError(t, err)
		raw := append(scert.Certificate, scert.Certificate[0])
		require.Error(t, cfg.VerifyPeerCertificate(raw, [][]*x509.Certificate{}))
	})
}

func Test_MinimalCertSubject(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	tlsCert, err := newMinimalX509Cert(priv)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(tlsCert.Certificate[0])
	require.NoError(t, err)

	pubKeyHex := hex.EncodeToString(pub)
	assert.Equal(t, pubKeyHex[:32], cert.Subject.CommonName)
	require.Len(t, cert.Subject.OrganizationalUnit, 1)
	assert.Equal(t, pubKeyHex, cert.Subject.OrganizationalUnit[0])
	require.Len(t, cert.Subject.Organization, 1)
	assert.Equal(t, certOrganization, cert.Subject.Organization[0])
}

func Test_TLSUsername(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	name, err := TLSUsername(pub)
	require.NoError(t, err)

	pubKeyHex := hex.EncodeToString(pub)
	assert.Equal(t, "CN="+pubKeyHex[:32]+",OU="+pubKeyHex+",O="+certOrganization, name)

	_, err = TLSUsername(pub[:16])
	require.Error(t, err)
}

func Test_PublicKeys_Replace(t *testing.T) {
	oldPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	newPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	pk, err := ValidPublicKeysFromEd25519(oldPub)
	require.NoError(t, err)
	require.True(t, pk.isValidPublicKey(oldPub))
	require.False(t, pk.isValidPublicKey(newPub))

	replacement, err := ValidPublicKeysFromEd25519(newPub)
	require.NoError(t, err)
	pk.Replace(replacement)

	assert.False(t, pk.isValidPublicKey(oldPub))
	assert.True(t, pk.isValidPublicKey(newPub))
	assert.Len(t, pk.Keys(), 1)
}

func Test_PubKeyFromCert(t *testing.T) {
	randReader := rand.New(rand.NewSource(42)) //nolint:gosec

	pub, priv, err := ed25519.GenerateKey(randReader)
	require.NoError(t, err)

	template := x509.Certificate{SerialNumber: big.NewInt(0)}
	encodedCert, err := x509.CreateCertificate(randReader, &template, &template, priv.Public(), priv)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(encodedCert)
	require.NoError(t, err)

	actual, err := PubKeyFromCert(cert)
	require.NoError(t, err)

	assert.ElementsMatch(t, pub, actual)
}

func Test_PubKeyFromCert_MustBeEd25519KeyError(t *testing.T) {
	randReader := rand.New(rand.NewSource(42)) //nolint:gosec

	priv, err := rsa.GenerateKey(randReader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{SerialNumber: big.NewInt(0)}
	encodedCert, err := x509.CreateCertificate(randReader, &template, &template, priv.Public(), priv)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(encodedCert)
	require.NoError(t, err)

	_, err = PubKeyFromCert(cert)
	require.EqualError(t, err, "requires an ed25519 public key")
}
