// Package trustroot implements the trust domain authority: a signing
// key derived deterministically from a master secret, the self-signed
// root certificate, and issuance of identity and membership
// credentials for devices. One trust anchor corresponds to one trust
// domain; a process may hold several.
package trustroot

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/ruteri/device-trust-manager/cryptoutils"
	"github.com/ruteri/device-trust-manager/interfaces"
)

// TrustAnchor derives its signing key and root certificate from a
// master key, so the same master key always reconstitutes the same
// trust domain. The master key never leaves the anchor.
type TrustAnchor struct {
	masterKey []byte

	mu       sync.Mutex
	key      *ecdsa.PrivateKey
	rootCert []byte
	rotPEM   interfaces.RootOfTrust
}

// NewTrustAnchor creates an anchor from a master key of at least 32
// bytes.
func NewTrustAnchor(masterKey []byte) (*TrustAnchor, error) {
	if len(masterKey) < 32 {
		return nil, errors.New("master key must be at least 32 bytes")
	}

	anchor := &TrustAnchor{masterKey: append([]byte(nil), masterKey...)}
	if err := anchor.init(); err != nil {
		return nil, err
	}
	return anchor, nil
}

// NewTrustAnchorFromPassphrase derives the master key from an operator
// passphrase with argon2id. The salt must be stable across restarts.
func NewTrustAnchorFromPassphrase(passphrase, salt []byte) (*TrustAnchor, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}
	return NewTrustAnchor(cryptoutils.MasterKeyFromPassphrase(passphrase, salt))
}

func (a *TrustAnchor) init() error {
	seed := sha256.New()
	seed.Write(a.masterKey)
	seed.Write([]byte("root-of-trust"))

	key, err := cryptoutils.DeriveP256Key(seed.Sum(nil))
	if err != nil {
		return fmt.Errorf("failed to derive root key: %w", err)
	}

	rotPEM, err := cryptoutils.MarshalPublicKeyPEM(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to encode root public key: %w", err)
	}

	rootCert, err := cryptoutils.CreateRootCertificate(key, "device-trust-manager root")
	if err != nil {
		return fmt.Errorf("failed to create root certificate: %w", err)
	}

	a.key = key
	a.rotPEM = rotPEM
	a.rootCert = rootCert
	return nil
}

// RootOfTrust returns the PEM-encoded authority public key installed
// on claimed devices.
func (a *TrustAnchor) RootOfTrust() interfaces.RootOfTrust {
	return append(interfaces.RootOfTrust(nil), a.rotPEM...)
}

// RootCertificate returns the self-signed root certificate.
func (a *TrustAnchor) RootCertificate() []byte {
	return append([]byte(nil), a.rootCert...)
}

// IssueIdentityCertificate binds an identity to a device public key,
// signed by the trust domain authority.
func (a *TrustAnchor) IssueIdentityCertificate(identity interfaces.IdentityInfo, devicePublicKey []byte) (interfaces.IdentityCertificate, error) {
	devicePub, err := cryptoutils.ParsePublicKeyPEM(devicePublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse device public key: %w", err)
	}

	keyID := interfaces.NewPublicKeyID(devicePublicKey)

	a.mu.Lock()
	defer a.mu.Unlock()

	cert, err := cryptoutils.IssueCredential(cryptoutils.CredentialTemplate{
		CommonName:   identity.Name,
		SerialName:   identity.GUID.String(),
		SubjectKeyID: keyID.Bytes(),
	}, devicePub, a.rootCert, a.key)
	if err != nil {
		return nil, fmt.Errorf("failed to issue identity certificate: %w", err)
	}
	return interfaces.IdentityCertificate(cert), nil
}

// IssueMembershipCertificate attests a device's membership in a group,
// signed by the trust domain authority.
func (a *TrustAnchor) IssueMembershipCertificate(group interfaces.GroupInfo, devicePublicKey []byte) (interfaces.MembershipCertificate, error) {
	devicePub, err := cryptoutils.ParsePublicKeyPEM(devicePublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse device public key: %w", err)
	}

	keyID := interfaces.NewPublicKeyID(devicePublicKey)

	a.mu.Lock()
	defer a.mu.Unlock()

	cert, err := cryptoutils.IssueCredential(cryptoutils.CredentialTemplate{
		CommonName:   group.Name,
		SerialName:   group.GUID.String(),
		SubjectKeyID: keyID.Bytes(),
	}, devicePub, a.rootCert, a.key)
	if err != nil {
		return nil, fmt.Errorf("failed to issue membership certificate: %w", err)
	}
	return interfaces.MembershipCertificate(cert), nil
}
