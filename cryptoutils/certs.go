package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// CreateRootCertificate builds the self-signed root certificate of a
// trust domain authority.
func CreateRootCertificate(key *ecdsa.PrivateKey, commonName string) ([]byte, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create root certificate: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

// CredentialTemplate describes the subject of an issued credential.
type CredentialTemplate struct {
	// CommonName is the human-readable subject name.
	CommonName string

	// SerialName carries the subject GUID in the Subject.SerialNumber
	// field, so the credential kind and target survive re-parsing.
	SerialName string

	// SubjectKeyID ties the credential to the device's PublicKeyID.
	SubjectKeyID []byte
}

// IssueCredential signs a certificate binding the template subject to
// the device public key, valid for one year.
func IssueCredential(tmpl CredentialTemplate, devicePub *ecdsa.PublicKey, caCertPEM []byte, caKey *ecdsa.PrivateKey) ([]byte, error) {
	caCert, err := ParseCertificatePEM(caCertPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer certificate: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   tmpl.CommonName,
			SerialNumber: tmpl.SerialName,
		},
		SubjectKeyId:          tmpl.SubjectKeyID,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, caCert, devicePub, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

// ParseCertificatePEM decodes a PEM CERTIFICATE block.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("failed to decode certificate PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

// VerifyIssuedBy checks that a credential was signed by the holder of
// the given authority public key.
func VerifyIssuedBy(certPEM []byte, authorityPub *ecdsa.PublicKey) error {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return err
	}

	issuer := &x509.Certificate{
		PublicKey:          authorityPub,
		PublicKeyAlgorithm: x509.ECDSA,
	}
	if err := issuer.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return fmt.Errorf("certificate not signed by the given authority: %w", err)
	}
	return nil
}
