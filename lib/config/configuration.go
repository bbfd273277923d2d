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

package config

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net"
	"os"

	"github.com/gravitational/trace"

	"github.com/qkdlab/kmed/lib/keystore"
	"github.com/qkdlab/kmed/lib/kmd"
	"github.com/qkdlab/kmed/lib/sae"
)

// Apply turns the parsed file configuration into a server configuration,
// opening the key store and loading the TLS material.
func Apply(ctx context.Context, fc *FileConfig) (*kmd.ServerConfig, error) {
	store, err := newStore(ctx, fc)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	registry, err := sae.NewStaticRegistry(fc.SAEs)
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}

	cfg := &kmd.ServerConfig{
		KMEID:       fc.KMEID,
		TargetKMEID: fc.TargetKMEID,
		ListenAddr:  fc.ListenAddr,
		Store:       store,
		Registry:    registry,
		Limits: kmd.Limits{
			KeySize:          fc.Keys.DefaultSize,
			MinKeySize:       fc.Keys.MinSize,
			MaxKeySize:       fc.Keys.MaxSize,
			MaxKeyPerRequest: fc.Keys.MaxPerRequest,
			MaxKeyCount:      fc.Keys.MaxCount,
			MaxSAEIDCount:    fc.Keys.MaxSAEIDCount,
		},
		KeyTTL:            fc.Keys.TTL,
		ReservationTTL:    fc.Keys.ReservationTTL,
		SweepInterval:     fc.Keys.SweepInterval,
		PrechargeCount:    fc.Keys.Precharge,
		EnabledExtensions: fc.Extensions.Enabled,
		AllowAnyStatus:    fc.Policy.AllowAnyStatus,
	}

	cfg.Certificate, err = tls.LoadX509KeyPair(fc.TLS.CertFile, fc.TLS.KeyFile)
	if err != nil {
		store.Close()
		return nil, trace.BadParameter("failed to load server certificate: %v", err)
	}

	if fc.TrustedProxy.Enabled() {
		proxy, err := applyTrustedProxy(&fc.TrustedProxy)
		if err != nil {
			store.Close()
			return nil, trace.Wrap(err)
		}
		cfg.TrustedProxy = proxy
	} else {
		pool, err := readCertPool(fc.TLS.ClientCAFile)
		if err != nil {
			store.Close()
			return nil, trace.Wrap(err)
		}
		cfg.ClientCAs = pool
	}

	return cfg, nil
}

func newStore(ctx context.Context, fc *FileConfig) (keystore.KeyStore, error) {
	switch fc.Storage.Type {
	case StorageMemory:
		return keystore.NewMemory(keystore.MemoryConfig{}), nil
	case StorageSQLite:
		store, err := keystore.NewSQLite(ctx, keystore.SQLiteConfig{Path: fc.Storage.Path})
		return store, trace.Wrap(err)
	}
	return nil, trace.BadParameter("unknown storage type %q", fc.Storage.Type)
}

func applyTrustedProxy(fc *TrustedProxyConfig) (*kmd.TrustedProxyConfig, error) {
	proxy := &kmd.TrustedProxyConfig{Header: fc.Header}
	for _, cidr := range fc.Allow {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, trace.BadParameter("trusted_proxy.allow entry %q is not a CIDR", cidr)
		}
		proxy.AllowedNetworks = append(proxy.AllowedNetworks, network)
	}
	return proxy, nil
}

func readCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, trace.BadParameter("no certificates found in %v", path)
	}
	return pool, nil
}

// NewLogger builds the process logger from the log section.
func NewLogger(fc LogConfig) (*slog.Logger, error) {
	var level slog.Level
	switch fc.Severity {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, trace.BadParameter("unknown log severity %q", fc.Severity)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch fc.Format {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, trace.BadParameter("unknown log format %q", fc.Format)
}
