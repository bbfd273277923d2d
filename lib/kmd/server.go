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
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/qkdlab/kmed"
	"github.com/qkdlab/kmed/lib/defaults"
	"github.com/qkdlab/kmed/lib/extensions"
	"github.com/qkdlab/kmed/lib/keypool"
	"github.com/qkdlab/kmed/lib/keystore"
	"github.com/qkdlab/kmed/lib/sae"
)

// ServerConfig assembles every dependency of a running KME.
type ServerConfig struct {
	// KMEID identifies this KME.
	KMEID string
	// TargetKMEID identifies the paired KME.
	TargetKMEID string
	// Listener accepts client connections. Takes precedence over
	// ListenAddr when set.
	Listener net.Listener
	// ListenAddr is the address to bind when no Listener is given.
	ListenAddr string
	// Store is the durable key store.
	Store keystore.KeyStore
	// Source yields fresh key material.
	Source keypool.Source
	// Registry holds the SAE registrations.
	Registry sae.Registry
	// AllowAnyStatus relaxes the Get Status relationship check.
	AllowAnyStatus bool
	// Limits are the advertised pool bounds.
	Limits Limits
	// KeyTTL, ReservationTTL and SweepInterval tune the pool lifecycle;
	// zero values take the package defaults.
	KeyTTL         time.Duration
	ReservationTTL time.Duration
	SweepInterval  time.Duration
	// PrechargeCount fills the pool with this many keys at startup.
	PrechargeCount int
	// EnabledExtensions selects built-in extensions; empty enables all.
	EnabledExtensions []string
	// Certificate is the server TLS certificate.
	Certificate tls.Certificate
	// ClientCAs verifies client certificates in direct mTLS mode.
	ClientCAs *x509.CertPool
	// TrustedProxy switches client authentication to the proxy header
	// mode.
	TrustedProxy *TrustedProxyConfig
	// Clock overrides time for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.KMEID == "" {
		return trace.BadParameter("missing parameter KMEID")
	}
	if c.TargetKMEID == "" {
		return trace.BadParameter("missing parameter TargetKMEID")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Listener == nil && c.ListenAddr == "" {
		c.ListenAddr = defaults.ListenAddr
	}
	if c.Source == nil {
		c.Source = keypool.CryptoSource{}
	}
	if err := c.Limits.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Server is a complete KME instance: pool, sweeper, authentication and
// the HTTPS API.
type Server struct {
	cfg  ServerConfig
	pool *keypool.Pool
	http *http.Server
	ln   net.Listener
	log  *slog.Logger
}

// NewServer wires a server from its config. Call Run to serve.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	pool, err := keypool.New(keypool.Config{
		Store:            cfg.Store,
		Source:           cfg.Source,
		Link:             keystore.Link{SourceKMEID: cfg.KMEID, TargetKMEID: cfg.TargetKMEID},
		DefaultKeySize:   cfg.Limits.KeySize,
		MinKeySize:       cfg.Limits.MinKeySize,
		MaxKeySize:       cfg.Limits.MaxKeySize,
		MaxKeyPerRequest: cfg.Limits.MaxKeyPerRequest,
		MaxKeyCount:      cfg.Limits.MaxKeyCount,
		MaxSAEIDCount:    cfg.Limits.MaxSAEIDCount,
		KeyTTL:           cfg.KeyTTL,
		ReservationTTL:   cfg.ReservationTTL,
		SweepInterval:    cfg.SweepInterval,
		Clock:            cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	policy, err := sae.NewPolicy(sae.PolicyConfig{
		Registry:       cfg.Registry,
		AllowAnyStatus: cfg.AllowAnyStatus,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	engine := extensions.NewEngine()
	if err := extensions.RegisterBuiltins(engine, cfg.EnabledExtensions); err != nil {
		return nil, trace.Wrap(err)
	}

	service, err := NewService(ServiceConfig{
		KMEID:       cfg.KMEID,
		TargetKMEID: cfg.TargetKMEID,
		Pool:        pool,
		Policy:      policy,
		Engine:      engine,
		Store:       cfg.Store,
		Limits:      cfg.Limits,
		Clock:       cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	api, err := NewAPIServer(APIServerConfig{
		Service: service,
		ReadyCheck: func(r *http.Request) error {
			_, err := pool.Stats(r.Context())
			return trace.Wrap(err)
		},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	resolver, err := sae.NewCertResolver(sae.CertResolverConfig{Clock: cfg.Clock})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	authMiddleware, err := NewAuthMiddleware(AuthMiddlewareConfig{
		Resolver:     resolver,
		Registry:     cfg.Registry,
		TrustedProxy: cfg.TrustedProxy,
		Handler:      api,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	ln := cfg.Listener
	if ln == nil {
		ln, err = net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	httpServer, tlsListener, err := NewTLSServer(TLSServerConfig{
		Listener:         ln,
		Certificate:      cfg.Certificate,
		ClientCAs:        cfg.ClientCAs,
		Handler:          authMiddleware,
		TrustedProxyMode: cfg.TrustedProxy != nil,
	})
	if err != nil {
		ln.Close()
		return nil, trace.Wrap(err)
	}

	return &Server{
		cfg:  cfg,
		pool: pool,
		http: httpServer,
		ln:   tlsListener,
		log:  slog.With(kmed.ComponentKey, kmed.ComponentKMD),
	}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Run serves until ctx is canceled, then shuts down gracefully. The pool
// sweeper runs alongside the HTTP server for the whole lifetime.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.PrechargeCount > 0 {
		if err := s.pool.Precharge(ctx, s.cfg.PrechargeCount, s.cfg.Limits.KeySize); err != nil {
			return trace.Wrap(err)
		}
		s.log.InfoContext(ctx, "Precharged key pool", "count", s.cfg.PrechargeCount)
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go s.pool.Run(sweepCtx)

	errC := make(chan error, 1)
	go func() {
		errC <- s.http.Serve(s.ln)
	}()
	s.log.InfoContext(ctx, "Key management entity is listening",
		"kme_id", s.cfg.KMEID, "target_kme_id", s.cfg.TargetKMEID, "addr", s.ln.Addr().String())

	select {
	case err := <-errC:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.log.WarnContext(shutdownCtx, "Graceful shutdown did not complete", "error", err)
		s.http.Close()
	}
	<-errC
	return nil
}

// Close releases the listener without waiting for in-flight requests.
func (s *Server) Close() error {
	return trace.Wrap(s.http.Close())
}
