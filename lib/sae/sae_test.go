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
	"context"
	"crypto/x509/pkix"
	"net/url"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/qkdlab/kmed/lib/tlsca"
)

func newTestCA(t *testing.T, clock clockwork.Clock) *tlsca.CertAuthority {
	t.Helper()
	ca, _, _, err := tlsca.GenerateSelfSignedCA(tlsca.GenerateCAConfig{
		Entity: pkix.Name{CommonName: "kme-test-ca"},
		Clock:  clock,
	})
	require.NoError(t, err)
	return ca
}

func TestResolveSAEFromCommonName(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ca := newTestCA(t, clock)

	certPEM, _, err := ca.IssueCert(tlsca.IssueCertConfig{
		CommonName: "MASTER01",
		Clock:      clock,
	})
	require.NoError(t, err)
	cert, err := tlsca.ParseCertificatePEM(certPEM)
	require.NoError(t, err)

	resolver, err := NewCertResolver(CertResolverConfig{Clock: clock})
	require.NoError(t, err)

	saeID, err := resolver.ResolveSAE(cert)
	require.NoError(t, err)
	require.Equal(t, "MASTER01", saeID)

	// second resolution is served from the fingerprint cache
	saeID, err = resolver.ResolveSAE(cert)
	require.NoError(t, err)
	require.Equal(t, "MASTER01", saeID)
}

func TestResolveSAEFromSAN(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ca := newTestCA(t, clock)

	// the common name is not a legal SAE ID, the SAN URI is
	certPEM, _, err := ca.IssueCert(tlsca.IssueCertConfig{
		CommonName: "some client with spaces",
		URIs:       []*url.URL{{Scheme: "qkd-sae", Opaque: "SLAVE0001"}},
		Clock:      clock,
	})
	require.NoError(t, err)
	cert, err := tlsca.ParseCertificatePEM(certPEM)
	require.NoError(t, err)

	resolver, err := NewCertResolver(CertResolverConfig{Clock: clock})
	require.NoError(t, err)

	saeID, err := resolver.ResolveSAE(cert)
	require.NoError(t, err)
	require.Equal(t, "SLAVE0001", saeID)
}

func TestResolveSAEFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ca := newTestCA(t, clock)
	resolver, err := NewCertResolver(CertResolverConfig{Clock: clock})
	require.NoError(t, err)

	// no certificate
	_, err = resolver.ResolveSAE(nil)
	require.True(t, IsUnauthenticatedError(err))

	// no identity anywhere
	certPEM, _, err := ca.IssueCert(tlsca.IssueCertConfig{
		CommonName: "not a sae id",
		Clock:      clock,
	})
	require.NoError(t, err)
	cert, err := tlsca.ParseCertificatePEM(certPEM)
	require.NoError(t, err)
	_, err = resolver.ResolveSAE(cert)
	require.True(t, IsUnauthenticatedError(err), "expected UnauthenticatedError, got %v", err)

	// expired certificate
	certPEM, _, err = ca.IssueCert(tlsca.IssueCertConfig{
		CommonName: "MASTER01",
		TTL:        time.Hour,
		Clock:      clock,
	})
	require.NoError(t, err)
	cert, err = tlsca.ParseCertificatePEM(certPEM)
	require.NoError(t, err)

	expiredClock := clockwork.NewFakeClockAt(clock.Now().Add(2 * time.Hour))
	expiredResolver, err := NewCertResolver(CertResolverConfig{Clock: expiredClock})
	require.NoError(t, err)
	_, err = expiredResolver.ResolveSAE(cert)
	require.True(t, IsUnauthenticatedError(err))
}

func newTestPolicy(t *testing.T, allowAnyStatus bool) *Policy {
	t.Helper()
	registry, err := NewStaticRegistry([]Registration{
		{SAEID: "MASTER01", Status: StatusActive, KMEID: "KME-A"},
		{SAEID: "SLAVE0001", Status: StatusActive, KMEID: "KME-B"},
		{SAEID: "SLAVE0002", Status: StatusActive, KMEID: "KME-B"},
		{SAEID: "SUSPENDED1", Status: StatusSuspended, KMEID: "KME-B"},
	})
	require.NoError(t, err)
	policy, err := NewPolicy(PolicyConfig{Registry: registry, AllowAnyStatus: allowAnyStatus})
	require.NoError(t, err)
	return policy
}

func TestAuthorizeStatus(t *testing.T) {
	ctx := context.Background()
	policy := newTestPolicy(t, false)

	// own status
	require.NoError(t, policy.AuthorizeStatus(ctx, "MASTER01", "MASTER01"))
	// registered relationship
	require.NoError(t, policy.AuthorizeStatus(ctx, "MASTER01", "SLAVE0001"))
	// unknown target
	err := policy.AuthorizeStatus(ctx, "MASTER01", "NOBODY001")
	require.True(t, trace.IsAccessDenied(err))
	// unregistered caller
	err = policy.AuthorizeStatus(ctx, "NOBODY001", "SLAVE0001")
	require.True(t, trace.IsAccessDenied(err))
	// suspended caller
	err = policy.AuthorizeStatus(ctx, "SUSPENDED1", "SLAVE0001")
	require.True(t, trace.IsAccessDenied(err))

	// the any-status deployment option admits any active SAE
	open := newTestPolicy(t, true)
	require.NoError(t, open.AuthorizeStatus(ctx, "MASTER01", "NOBODY001"))
}

func TestAuthorizeKeyRequest(t *testing.T) {
	ctx := context.Background()
	policy := newTestPolicy(t, false)

	require.NoError(t, policy.AuthorizeKeyRequest(ctx, "MASTER01", "SLAVE0001", nil))
	require.NoError(t, policy.AuthorizeKeyRequest(ctx, "MASTER01", "SLAVE0001", []string{"SLAVE0002"}))

	// a SAE may not request keys for itself
	err := policy.AuthorizeKeyRequest(ctx, "MASTER01", "MASTER01", nil)
	require.True(t, trace.IsAccessDenied(err))

	// the slave must be active
	err = policy.AuthorizeKeyRequest(ctx, "MASTER01", "SUSPENDED1", nil)
	require.True(t, trace.IsAccessDenied(err))

	// every additional slave must be registered and active
	err = policy.AuthorizeKeyRequest(ctx, "MASTER01", "SLAVE0001", []string{"NOBODY001"})
	require.True(t, trace.IsAccessDenied(err))
	err = policy.AuthorizeKeyRequest(ctx, "MASTER01", "SLAVE0001", []string{"SUSPENDED1"})
	require.True(t, trace.IsAccessDenied(err))
}

func TestAuthorizeKeyRetrieval(t *testing.T) {
	ctx := context.Background()
	policy := newTestPolicy(t, false)

	require.NoError(t, policy.AuthorizeKeyRetrieval(ctx, "SLAVE0001", "MASTER01"))

	err := policy.AuthorizeKeyRetrieval(ctx, "NOBODY001", "MASTER01")
	require.True(t, trace.IsAccessDenied(err))

	err = policy.AuthorizeKeyRetrieval(ctx, "SLAVE0001", "NOBODY001")
	require.True(t, trace.IsAccessDenied(err))

	err = policy.AuthorizeKeyRetrieval(ctx, "SUSPENDED1", "MASTER01")
	require.True(t, trace.IsAccessDenied(err))
}

func TestStaticRegistry(t *testing.T) {
	_, err := NewStaticRegistry([]Registration{
		{SAEID: "A"}, {SAEID: "A"},
	})
	require.True(t, trace.IsAlreadyExists(err))

	_, err = NewStaticRegistry([]Registration{
		{SAEID: "A", Status: "bogus"},
	})
	require.True(t, trace.IsBadParameter(err))

	registry, err := NewStaticRegistry([]Registration{{SAEID: "A"}})
	require.NoError(t, err)
	reg, err := registry.GetSAE(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, StatusActive, reg.Status, "status defaults to active")
}
