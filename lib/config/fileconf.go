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

// Package config loads the KME YAML configuration file and turns it into
// a runnable server configuration.
package config

import (
	"bytes"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/qkdlab/kmed/lib/defaults"
	"github.com/qkdlab/kmed/lib/sae"
	"github.com/qkdlab/kmed/lib/utils"
)

// FileConfig is the on-disk YAML configuration.
type FileConfig struct {
	// KMEID identifies this KME.
	KMEID string `yaml:"kme_id"`
	// TargetKMEID identifies the paired KME.
	TargetKMEID string `yaml:"target_kme_id"`
	// ListenAddr is the HTTPS bind address.
	ListenAddr string `yaml:"listen_addr,omitempty"`

	Keys         KeysConfig         `yaml:"keys,omitempty"`
	Storage      StorageConfig      `yaml:"storage,omitempty"`
	TLS          TLSConfig          `yaml:"tls"`
	TrustedProxy TrustedProxyConfig `yaml:"trusted_proxy,omitempty"`
	SAEs         []sae.Registration `yaml:"saes,omitempty"`
	Extensions   ExtensionsConfig   `yaml:"extensions,omitempty"`
	Policy       PolicyConfig       `yaml:"policy,omitempty"`
	Log          LogConfig          `yaml:"log,omitempty"`
}

// KeysConfig tunes the key pool.
type KeysConfig struct {
	// DefaultSize is the delivered key size in bits when a request omits
	// one.
	DefaultSize int `yaml:"default_size,omitempty"`
	// MinSize and MaxSize bound requested key sizes in bits.
	MinSize int `yaml:"min_size,omitempty"`
	MaxSize int `yaml:"max_size,omitempty"`
	// MaxPerRequest bounds keys per enc_keys request.
	MaxPerRequest int `yaml:"max_per_request,omitempty"`
	// MaxCount is the pool capacity.
	MaxCount int `yaml:"max_count,omitempty"`
	// MaxSAEIDCount bounds additional_slave_SAE_IDs; zero disables
	// multicast.
	MaxSAEIDCount int `yaml:"max_sae_id_count,omitempty"`
	// TTL is the stored key lifetime.
	TTL time.Duration `yaml:"ttl,omitempty"`
	// ReservationTTL bounds uncommitted reservations.
	ReservationTTL time.Duration `yaml:"reservation_ttl,omitempty"`
	// SweepInterval is the background sweeper period.
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`
	// Precharge fills the pool with this many keys at startup.
	Precharge int `yaml:"precharge,omitempty"`
}

// StorageConfig selects the key store backend.
type StorageConfig struct {
	// Type is "sqlite" or "memory".
	Type string `yaml:"type,omitempty"`
	// Path is the sqlite database file.
	Path string `yaml:"path,omitempty"`
}

// TLSConfig locates the server certificate and the client CA.
type TLSConfig struct {
	// CertFile and KeyFile hold the server certificate and key in PEM.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// ClientCAFile holds the CA bundle client certificates must chain to.
	// Optional in trusted proxy mode.
	ClientCAFile string `yaml:"client_ca_file,omitempty"`
}

// TrustedProxyConfig enables the TLS-terminating proxy mode.
type TrustedProxyConfig struct {
	// Header carries the URL-encoded client certificate PEM.
	Header string `yaml:"header,omitempty"`
	// Allow lists the CIDRs proxies may connect from.
	Allow []string `yaml:"allow,omitempty"`
}

// Enabled reports whether the proxy mode is configured.
func (c *TrustedProxyConfig) Enabled() bool {
	return c.Header != "" || len(c.Allow) > 0
}

// ExtensionsConfig selects the built-in extensions to register.
type ExtensionsConfig struct {
	// Enabled names the built-ins to register; empty enables all.
	Enabled []string `yaml:"enabled,omitempty"`
}

// PolicyConfig tunes authorization.
type PolicyConfig struct {
	// AllowAnyStatus lets any active SAE query any SAE's status.
	AllowAnyStatus bool `yaml:"allow_any_status,omitempty"`
}

// LogConfig tunes the process logger.
type LogConfig struct {
	// Severity is one of debug, info, warn, error.
	Severity string `yaml:"severity,omitempty"`
	// Format is "text" or "json".
	Format string `yaml:"format,omitempty"`
}

// Storage backend names.
const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// ReadFromFile reads and parses the configuration file.
func ReadFromFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return ReadConfig(data)
}

// ReadConfig parses YAML configuration bytes. Unknown fields are
// rejected so typos surface at startup instead of silently taking
// defaults.
func ReadConfig(data []byte) (*FileConfig, error) {
	var fc FileConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&fc); err != nil {
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	if err := fc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fc, nil
}

// CheckAndSetDefaults checks and sets default values.
func (fc *FileConfig) CheckAndSetDefaults() error {
	if !utils.IsPrintableID(fc.KMEID, defaults.SAEIDMaxLen) {
		return trace.BadParameter("kme_id %q is not a legal KME identifier", fc.KMEID)
	}
	if !utils.IsPrintableID(fc.TargetKMEID, defaults.SAEIDMaxLen) {
		return trace.BadParameter("target_kme_id %q is not a legal KME identifier", fc.TargetKMEID)
	}
	if fc.ListenAddr == "" {
		fc.ListenAddr = defaults.ListenAddr
	}
	if fc.TLS.CertFile == "" || fc.TLS.KeyFile == "" {
		return trace.BadParameter("tls.cert_file and tls.key_file are required")
	}
	if fc.TrustedProxy.Enabled() {
		if fc.TrustedProxy.Header == "" {
			return trace.BadParameter("trusted_proxy.header is required when trusted_proxy is set")
		}
		if len(fc.TrustedProxy.Allow) == 0 {
			return trace.BadParameter("trusted_proxy.allow is required when trusted_proxy is set")
		}
	} else if fc.TLS.ClientCAFile == "" {
		return trace.BadParameter("tls.client_ca_file is required unless trusted_proxy is set")
	}
	switch fc.Storage.Type {
	case "":
		fc.Storage.Type = StorageSQLite
	case StorageSQLite, StorageMemory:
	default:
		return trace.BadParameter("unknown storage type %q, expected %q or %q",
			fc.Storage.Type, StorageSQLite, StorageMemory)
	}
	if fc.Storage.Type == StorageSQLite && fc.Storage.Path == "" {
		return trace.BadParameter("storage.path is required for sqlite storage")
	}
	switch fc.Log.Severity {
	case "":
		fc.Log.Severity = "info"
	case "debug", "info", "warn", "error":
	default:
		return trace.BadParameter("unknown log severity %q", fc.Log.Severity)
	}
	switch fc.Log.Format {
	case "":
		fc.Log.Format = "text"
	case "text", "json":
	default:
		return trace.BadParameter("unknown log format %q", fc.Log.Format)
	}
	return nil
}
