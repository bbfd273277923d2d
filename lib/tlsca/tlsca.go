/*
Copyright 2024 QKD Lab, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package tlsca issues and parses the X.509 material used by the KME:
// a deployment CA, a server certificate whose common name is the KME ID,
// and client certificates whose common name is the SAE ID.
package tlsca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"net"
	"net/url"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// CertAuthority is a certificate authority that can issue leaf
// certificates for KME and SAE identities.
type CertAuthority struct {
	// Cert is the parsed CA certificate.
	Cert *x509.Certificate
	// Signer is the CA private key.
	Signer *ecdsa.PrivateKey
}

// GenerateCAConfig defines the configuration for generating a
// self-signed deployment CA.
type GenerateCAConfig struct {
	// Entity is the CA subject; the common name typically carries the
	// deployment name.
	Entity pkix.Name
	// TTL is the CA validity period.
	TTL time.Duration
	// Clock is used to compute the validity window.
	Clock clockwork.Clock
}

func (c *GenerateCAConfig) setDefaults() {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TTL == 0 {
		c.TTL = 10 * 365 * 24 * time.Hour
	}
}

// GenerateSelfSignedCA generates a self-signed certificate authority used
// to anchor both sides of the mutual TLS exchange. Returns the authority
// plus PEM-encoded certificate and private key payloads.
func GenerateSelfSignedCA(config GenerateCAConfig) (*CertAuthority, []byte, []byte, error) {
	config.setDefaults()
	notBefore := config.Clock.Now().UTC()
	notAfter := notBefore.Add(config.TTL)

	signer, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}

	serialNumber, err := newSerialNumber()
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}
	// this is important, otherwise go will accept certificate authorities
	// signed by the same private key and having the same subject (happens
	// in tests)
	config.Entity.SerialNumber = serialNumber.String()

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Issuer:                config.Entity,
		Subject:               config.Entity,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, signer.Public(), signer)
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}

	keyDER, err := x509.MarshalECPrivateKey(signer)
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return &CertAuthority{Cert: cert, Signer: signer}, certPEM, keyPEM, nil
}

// IssueCertConfig describes a leaf certificate request.
type IssueCertConfig struct {
	// CommonName carries the SAE or KME identifier.
	CommonName string
	// DNSNames are optional subject alternative DNS names.
	DNSNames []string
	// IPAddresses are optional subject alternative IP addresses.
	IPAddresses []net.IP
	// URIs are optional subject alternative URIs; a SAE identity may be
	// carried here instead of the common name.
	URIs []*url.URL
	// Server marks the certificate for TLS server use in addition to
	// client use.
	Server bool
	// TTL is the validity period.
	TTL time.Duration
	// Clock is used to compute the validity window.
	Clock clockwork.Clock
}

func (c *IssueCertConfig) checkAndSetDefaults() error {
	if c.CommonName == "" {
		return trace.BadParameter("missing parameter CommonName")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TTL == 0 {
		c.TTL = 365 * 24 * time.Hour
	}
	return nil
}

// IssueCert issues a leaf certificate signed by the authority. Returns
// PEM-encoded certificate and private key payloads.
func (ca *CertAuthority) IssueCert(config IssueCertConfig) ([]byte, []byte, error) {
	if err := config.checkAndSetDefaults(); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	notBefore := config.Clock.Now().UTC()
	notAfter := notBefore.Add(config.TTL)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	serialNumber, err := newSerialNumber()
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	extUsage := []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	if config.Server {
		extUsage = append(extUsage, x509.ExtKeyUsageServerAuth)
	}
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: config.CommonName},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  extUsage,
		DNSNames:     config.DNSNames,
		IPAddresses:  config.IPAddresses,
		URIs:         config.URIs,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, ca.Cert, key.Public(), ca.Signer)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// ParseCertificatePEM parses PEM-encoded certificate.
func ParseCertificatePEM(bytes []byte) (*x509.Certificate, error) {
	if len(bytes) == 0 {
		return nil, trace.BadParameter("missing PEM encoded block")
	}
	block, _ := pem.Decode(bytes)
	if block == nil {
		return nil, trace.BadParameter("expected PEM encoded block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, trace.BadParameter("failed to parse certificate: %v", err)
	}
	return cert, nil
}

// ParseCertAuthorityPEM reconstructs a certificate authority from
// PEM-encoded certificate and private key payloads.
func ParseCertAuthorityPEM(certPEM, keyPEM []byte) (*CertAuthority, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, trace.BadParameter("expected PEM encoded private key")
	}
	signer, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, trace.BadParameter("failed to parse private key: %v", err)
	}
	return &CertAuthority{Cert: cert, Signer: signer}, nil
}

// Fingerprint returns the lower-case hex SHA-256 fingerprint of the
// certificate's DER encoding.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

func newSerialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return serialNumber, nil
}
