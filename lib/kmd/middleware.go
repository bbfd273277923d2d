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

package kmd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/net/http2"

	"github.com/qkdlab/kmed"
	"github.com/qkdlab/kmed/lib/defaults"
	"github.com/qkdlab/kmed/lib/httplib"
	"github.com/qkdlab/kmed/lib/sae"
	"github.com/qkdlab/kmed/lib/tlsca"
)

// Identity is the authenticated caller attached to every API request.
type Identity struct {
	// SAEID is the resolved SAE identifier.
	SAEID string
	// Certificate is the verified client certificate the identity was
	// extracted from.
	Certificate *x509.Certificate
}

type contextKey string

// contextKeyIdentity is the request context key holding the caller
// identity.
const contextKeyIdentity contextKey = "kmed-identity"

// ContextWithIdentity returns a new context with the caller identity.
func ContextWithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext returns the caller identity set by the auth
// middleware.
func IdentityFromContext(ctx context.Context) (*Identity, error) {
	identity, ok := ctx.Value(contextKeyIdentity).(*Identity)
	if !ok || identity == nil {
		return nil, sae.NewUnauthenticatedError("no authenticated identity in request context")
	}
	return identity, nil
}

// TrustedProxyConfig enables terminating TLS at a fronting proxy. The
// proxy must verify the client certificate itself and forward it
// URL-encoded in PEM form in the configured header. Only requests
// arriving from the allowed networks are trusted to carry the header.
type TrustedProxyConfig struct {
	// Header is the request header carrying the escaped client
	// certificate PEM.
	Header string
	// AllowedNetworks are the CIDRs proxies may connect from.
	AllowedNetworks []*net.IPNet
}

// AuthMiddlewareConfig configures the authentication middleware.
type AuthMiddlewareConfig struct {
	// Resolver extracts SAE identifiers from client certificates.
	Resolver *sae.CertResolver
	// Registry resolves SAE registrations; a registration carrying a
	// certificate fingerprint pins that SAE to one certificate.
	Registry sae.Registry
	// RequestTimeout is the deadline set on every authenticated request
	// context.
	RequestTimeout time.Duration
	// TrustedProxy, when set, switches the middleware from direct mTLS
	// extraction to proxy header extraction. The two modes are exclusive.
	TrustedProxy *TrustedProxyConfig
	// Handler is the next handler in the chain.
	Handler http.Handler
}

// CheckAndSetDefaults checks and sets default values.
func (c *AuthMiddlewareConfig) CheckAndSetDefaults() error {
	if c.Resolver == nil {
		return trace.BadParameter("missing parameter Resolver")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Handler == nil {
		return trace.BadParameter("missing parameter Handler")
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.TrustedProxy != nil {
		if c.TrustedProxy.Header == "" {
			return trace.BadParameter("missing parameter TrustedProxy.Header")
		}
		if len(c.TrustedProxy.AllowedNetworks) == 0 {
			return trace.BadParameter("missing parameter TrustedProxy.AllowedNetworks")
		}
	}
	return nil
}

// AuthMiddleware authenticates every API request and attaches the caller
// identity to its context. Health endpoints pass through unauthenticated.
type AuthMiddleware struct {
	cfg AuthMiddlewareConfig
	log *slog.Logger
}

// NewAuthMiddleware returns the middleware wrapping handler.
func NewAuthMiddleware(cfg AuthMiddlewareConfig) (*AuthMiddleware, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &AuthMiddleware{
		cfg: cfg,
		log: slog.With(kmed.ComponentKey, kmed.ComponentAuth),
	}, nil
}

// ServeHTTP implements http.Handler.
func (a *AuthMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/metrics" || strings.HasPrefix(r.URL.Path, "/health/") {
		a.cfg.Handler.ServeHTTP(w, r)
		return
	}

	cert, err := a.clientCertificate(r)
	if err != nil {
		a.log.WarnContext(r.Context(), "Rejecting unauthenticated request",
			"remote_addr", r.RemoteAddr, "path", r.URL.Path, "error", err)
		httplib.ReplyError(w, err)
		return
	}
	saeID, err := a.cfg.Resolver.ResolveSAE(cert)
	if err != nil {
		a.log.WarnContext(r.Context(), "Failed to resolve SAE identity",
			"remote_addr", r.RemoteAddr, "error", err)
		httplib.ReplyError(w, err)
		return
	}
	if err := a.checkPinnedCertificate(r.Context(), saeID, cert); err != nil {
		a.log.WarnContext(r.Context(), "Rejecting certificate failing the registered fingerprint pin",
			"remote_addr", r.RemoteAddr, "sae_id", saeID, "error", err)
		httplib.ReplyError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.cfg.RequestTimeout)
	defer cancel()
	ctx = ContextWithIdentity(ctx, &Identity{SAEID: saeID, Certificate: cert})
	a.cfg.Handler.ServeHTTP(w, r.WithContext(ctx))
}

// checkPinnedCertificate enforces the certificate fingerprint pin of a
// registration when one is set. Unregistered SAEs pass through here; the
// authorization policy rejects them later.
func (a *AuthMiddleware) checkPinnedCertificate(ctx context.Context, saeID string, cert *x509.Certificate) error {
	registration, err := a.cfg.Registry.GetSAE(ctx, saeID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	if registration.CertificateFingerprint == "" {
		return nil
	}
	if !strings.EqualFold(registration.CertificateFingerprint, tlsca.Fingerprint(cert)) {
		return sae.NewUnauthenticatedError("certificate does not match the fingerprint pinned for SAE %q", saeID)
	}
	return nil
}

// clientCertificate returns the verified client certificate for the
// request, from the TLS connection state in direct mode or from the
// proxy header in trusted-proxy mode.
func (a *AuthMiddleware) clientCertificate(r *http.Request) (*x509.Certificate, error) {
	if a.cfg.TrustedProxy == nil {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			return nil, sae.NewUnauthenticatedError("no client certificate presented")
		}
		return r.TLS.PeerCertificates[0], nil
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil || !a.proxyAllowed(ip) {
		return nil, trace.AccessDenied("request from %v is not an allowed proxy", r.RemoteAddr)
	}

	escaped := r.Header.Get(a.cfg.TrustedProxy.Header)
	if escaped == "" {
		return nil, sae.NewUnauthenticatedError("proxy did not forward a client certificate in %v", a.cfg.TrustedProxy.Header)
	}
	pem, err := url.QueryUnescape(escaped)
	if err != nil {
		return nil, sae.NewUnauthenticatedError("malformed %v header: %v", a.cfg.TrustedProxy.Header, err)
	}
	cert, err := tlsca.ParseCertificatePEM([]byte(pem))
	if err != nil {
		return nil, sae.NewUnauthenticatedError("malformed forwarded client certificate: %v", err)
	}
	return cert, nil
}

func (a *AuthMiddleware) proxyAllowed(ip net.IP) bool {
	for _, network := range a.cfg.TrustedProxy.AllowedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// TLSServerConfig configures the mTLS listener.
type TLSServerConfig struct {
	// Listener accepts raw TCP connections.
	Listener net.Listener
	// Certificate is the server certificate and key.
	Certificate tls.Certificate
	// ClientCAs verifies client certificate chains in direct mode.
	ClientCAs *x509.CertPool
	// Handler serves the decrypted requests.
	Handler http.Handler
	// TrustedProxyMode relaxes client certificate demands; the proxy
	// authenticates clients instead.
	TrustedProxyMode bool
}

// CheckAndSetDefaults checks and sets default values.
func (c *TLSServerConfig) CheckAndSetDefaults() error {
	if c.Listener == nil {
		return trace.BadParameter("missing parameter Listener")
	}
	if len(c.Certificate.Certificate) == 0 {
		return trace.BadParameter("missing parameter Certificate")
	}
	if c.Handler == nil {
		return trace.BadParameter("missing parameter Handler")
	}
	if !c.TrustedProxyMode && c.ClientCAs == nil {
		return trace.BadParameter("missing parameter ClientCAs")
	}
	return nil
}

// NewTLSServer returns an HTTP server over a TLS listener requiring and
// verifying client certificates against the configured CA pool.
func NewTLSServer(cfg TLSServerConfig) (*http.Server, net.Listener, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cfg.Certificate},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		},
		NextProtos: []string{"h2", "http/1.1"},
	}
	if cfg.TrustedProxyMode {
		tlsConfig.ClientAuth = tls.NoClientCert
	} else {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = cfg.ClientCAs
	}
	server := &http.Server{
		Handler:           cfg.Handler,
		ReadHeaderTimeout: defaults.ReadHeaderTimeout,
	}
	// Serve on a plain TLS listener bypasses the automatic HTTP/2 setup
	// that ServeTLS would do
	if err := http2.ConfigureServer(server, &http2.Server{}); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return server, tls.NewListener(cfg.Listener, tlsConfig), nil
}
