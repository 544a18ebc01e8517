// Package mtls builds mutual TLS 1.3 configs from raw ed25519 keys.
//
// Peers identify each other by public key rather than by certificate chain:
// each side wraps its key in a minimal self-signed certificate and the
// verification callback checks the peer's key against a registered set. The
// certificates exist only to satisfy crypto/tls.
package mtls

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// certOrganization marks certificates minted by this package. The NATS
// server's user mapping keys off the certificate subject, so the subject
// layout (CN, OU, O) is load-bearing.
const certOrganization = "Chainlink Quorum Oracle"

type StaticSizedPublicKey [ed25519.PublicKeySize]byte

func (p StaticSizedPublicKey) String() string {
	return fmt.Sprintf("%x", p[:])
}

// NewTLSConfig builds a mutual TLS config from a raw ed25519 private key,
// accepting any peer whose public key is in pubKeys.
func NewTLSConfig(privKey ed25519.PrivateKey, pubKeys []ed25519.PublicKey) (*tls.Config, error) {
	priv, err := ValidPrivateKeyFromEd25519(privKey)
	if err != nil {
		return nil, err
	}
	return NewTLSTransportSigner(priv.key, pubKeys)
}

// NewTLSTransportSigner is NewTLSConfig for keys held behind a crypto.Signer,
// such as keys in an HSM or remote keystore.
func NewTLSTransportSigner(signer crypto.Signer, pubKeys []ed25519.PublicKey) (*tls.Config, error) {
	pubs, err := ValidPublicKeysFromEd25519(pubKeys...)
	if err != nil {
		return nil, err
	}

	c, err := newMutualTLSConfig(signer, pubs)
	if err != nil {
		return nil, err
	}
	c.ClientAuth = tls.RequireAnyClientCert

	return c, nil
}

// newMutualTLSConfig constructs a TLS 1.3 only config whose peer verification
// is the registered key check, not chain validation.
//
// Peers present self-signed certificates, so standard verification is
// disabled and VerifyPeerCertificate does the real work. Nothing in here may
// start trusting standard x509 fields (CN, expiry) without revisiting
// InsecureSkipVerify.
func newMutualTLSConfig(signer crypto.Signer, pubs *PublicKeys) (*tls.Config, error) {
	cert, err := newMinimalX509Cert(signer)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},

		InsecureSkipVerify: true, //nolint:gosec

		MaxVersion: tls.VersionTLS13,
		MinVersion: tls.VersionTLS13,

		VerifyPeerCertificate: pubs.VerifyPeerCertificate(),
	}, nil
}

// newMinimalX509Cert wraps an ed25519 key in a self-signed certificate that
// would not be considered valid outside this protocol. The subject carries
// the public key (CN holds the first 32 hex chars, OU the full hex) so
// servers can map connections to identities without parsing the key again.
func newMinimalX509Cert(signer crypto.Signer) (tls.Certificate, error) {
	pubKey, ok := signer.Public().(ed25519.PublicKey)
	if !ok {
		return tls.Certificate{}, fmt.Errorf("invalid public key type")
	}

	pubKeyHex := hex.EncodeToString(pubKey)

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %v", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:         pubKeyHex[:32],
			Organization:       []string{certOrganization},
			OrganizationalUnit: []string{pubKeyHex},
		},
		NotBefore:             now,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	encodedCert, err := x509.CreateCertificate(rand.Reader, &template, &template, signer.Public(), signer)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate:                  [][]byte{encodedCert},
		PrivateKey:                   signer,
		SupportedSignatureAlgorithms: []tls.SignatureScheme{tls.Ed25519},
	}, nil
}

// TLSUsername returns the RFC 2253 subject string a TLS-mapping server sees
// for a certificate minted by this package for pub. Servers that authorize
// peers by username must register exactly this string.
func TLSUsername(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid key length: %d, expected: %d", len(pub), ed25519.PublicKeySize)
	}
	pubKeyHex := hex.EncodeToString(pub)
	return fmt.Sprintf("CN=%s,OU=%s,O=%s", pubKeyHex[:32], pubKeyHex, certOrganization), nil
}

type PrivateKey struct {
	key ed25519.PrivateKey
}

func ValidPrivateKeyFromEd25519(key ed25519.PrivateKey) (*PrivateKey, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key length: %d, expected: %d", len(key), ed25519.PrivateKeySize)
	}

	return &PrivateKey{
		key: key,
	}, nil
}

// PublicKeys is the mutable set of peer keys a config trusts. Handshakes read
// it through VerifyPeerCertificate, so Replace takes effect for all later
// handshakes without rebuilding the tls.Config.
type PublicKeys struct {
	mu   sync.RWMutex
	keys []ed25519.PublicKey
}

func ValidPublicKeysFromEd25519(keys ...ed25519.PublicKey) (*PublicKeys, error) {
	if len(keys) == 0 {
		return nil, errors.New("no public keys provided")
	}
	for _, key := range keys {
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid key length: %d, expected: %d", len(key), ed25519.PublicKeySize)
		}
	}

	return &PublicKeys{
		keys: keys,
	}, nil
}

func (r *PublicKeys) Keys() []ed25519.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keysCopy := make([]ed25519.PublicKey, len(r.keys))
	copy(keysCopy, r.keys)
	return keysCopy
}

// VerifyPeerCertificate returns the callback enforcing that the peer
// presented exactly one certificate and that its key is registered.
func (r *PublicKeys) VerifyPeerCertificate() func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		if len(rawCerts) != 1 {
			return fmt.Errorf("required exactly one client certificate")
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return err
		}
		pk, err := pubKeyFromCert(cert)
		if err != nil {
			return err
		}

		if !r.isValidPublicKey(pk) {
			return fmt.Errorf("unknown public key on cert %x", pk)
		}

		return nil
	}
}

// Replace swaps in a new key set. Use this to rotate the allowed peers at
// runtime.
func (r *PublicKeys) Replace(pubs *PublicKeys) {
	pubs.mu.RLock()
	newKeys := make([]ed25519.PublicKey, len(pubs.keys))
	copy(newKeys, pubs.keys)
	pubs.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = newKeys
}

func (r *PublicKeys) isValidPublicKey(pub ed25519.PublicKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, vpub := range r.keys {
		if subtle.ConstantTimeCompare(pub, vpub) == 1 {
			return true
		}
	}

	return false
}

// PubKeyFromCert extracts the peer's ed25519 key from its certificate as a
// statically sized array, suitable as a map key.
func PubKeyFromCert(cert *x509.Certificate) (StaticSizedPublicKey, error) {
	pubKey, err := pubKeyFromCert(cert)
	if err != nil {
		return StaticSizedPublicKey{}, err
	}

	return ToStaticallySizedPublicKey(pubKey)
}

func pubKeyFromCert(cert *x509.Certificate) (ed25519.PublicKey, error) {
	if cert.PublicKeyAlgorithm != x509.Ed25519 {
		return nil, fmt.Errorf("requires an ed25519 public key")
	}

	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("invalid ed25519 public key")
	}

	return pub, nil
}

// ToStaticallySizedPublicKey converts an ed25519 public key into a statically
// sized byte array.
func ToStaticallySizedPublicKey(pubKey ed25519.PublicKey) (StaticSizedPublicKey, error) {
	var result [ed25519.PublicKeySize]byte

	if ed25519.PublicKeySize != copy(result[:], pubKey) {
		return StaticSizedPublicKey{}, errors.New("copying public key failed")
	}

	return result, nil
}
