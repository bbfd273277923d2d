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

package sae

import (
	"crypto/x509"
	"errors"
	"fmt"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/qkdlab/kmed/lib/defaults"
	"github.com/qkdlab/kmed/lib/tlsca"
	"github.com/qkdlab/kmed/lib/utils"
)

// UnauthenticatedError indicates the client presented no usable identity.
// It maps to HTTP 401, unlike trace.AccessDenied which maps to 403.
type UnauthenticatedError struct {
	// Message is the human readable cause.
	Message string
}

// Error implements the error interface.
func (e *UnauthenticatedError) Error() string {
	return e.Message
}

// NewUnauthenticatedError returns a formatted authentication error.
func NewUnauthenticatedError(format string, args ...any) error {
	return trace.Wrap(&UnauthenticatedError{Message: fmt.Sprintf(format, args...)})
}

// IsUnauthenticatedError reports whether err is an UnauthenticatedError,
// possibly wrapped.
func IsUnauthenticatedError(err error) bool {
	var ue *UnauthenticatedError
	return errors.As(err, &ue)
}

// CertResolverConfig configures the certificate to SAE ID resolver.
type CertResolverConfig struct {
	// SANURIScheme is the URI scheme searched in subject alternative
	// names when the common name does not carry a legal SAE ID.
	SANURIScheme string
	// Clock is used to check the certificate validity period.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *CertResolverConfig) CheckAndSetDefaults() error {
	if c.SANURIScheme == "" {
		c.SANURIScheme = "qkd-sae"
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// CertResolver extracts the requesting SAE identifier from a verified
// client certificate. Resolution is deterministic: the subject common
// name wins; otherwise the first subject alternative URI with the
// configured scheme. Results are cached by certificate fingerprint.
type CertResolver struct {
	cfg CertResolverConfig

	mu    sync.Mutex
	cache map[string]string
}

// NewCertResolver returns a resolver with an empty cache.
func NewCertResolver(cfg CertResolverConfig) (*CertResolver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &CertResolver{
		cfg:   cfg,
		cache: make(map[string]string),
	}, nil
}

// ResolveSAE returns the SAE ID bound to the certificate. The caller must
// have already verified the certificate chain; this only checks the
// validity period and extracts the identity.
func (r *CertResolver) ResolveSAE(cert *x509.Certificate) (string, error) {
	if cert == nil {
		return "", NewUnauthenticatedError("no client certificate presented")
	}
	now := r.cfg.Clock.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return "", NewUnauthenticatedError("client certificate is outside its validity period")
	}

	fingerprint := tlsca.Fingerprint(cert)
	r.mu.Lock()
	saeID, ok := r.cache[fingerprint]
	r.mu.Unlock()
	if ok {
		return saeID, nil
	}

	saeID, err := r.extract(cert)
	if err != nil {
		return "", trace.Wrap(err)
	}

	r.mu.Lock()
	r.cache[fingerprint] = saeID
	r.mu.Unlock()
	return saeID, nil
}

func (r *CertResolver) extract(cert *x509.Certificate) (string, error) {
	if cn := cert.Subject.CommonName; utils.IsPrintableID(cn, defaults.SAEIDMaxLen) {
		return cn, nil
	}
	for _, uri := range cert.URIs {
		if uri.Scheme != r.cfg.SANURIScheme {
			continue
		}
		id := uri.Opaque
		if id == "" {
			id = uri.Host
		}
		if utils.IsPrintableID(id, defaults.SAEIDMaxLen) {
			return id, nil
		}
	}
	return "", NewUnauthenticatedError("certificate carries no SAE identity in its common name or %v subject alternative names", r.cfg.SANURIScheme)
}
