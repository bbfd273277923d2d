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

// Package sae maps verified client certificates to secure application
// entity identities and enforces the per-endpoint authorization rules.
package sae

import (
	"context"

	"github.com/gravitational/trace"
)

// RegistrationStatus is the administrative state of a SAE registration.
type RegistrationStatus string

const (
	// StatusActive permits the SAE to use the API.
	StatusActive RegistrationStatus = "active"
	// StatusSuspended temporarily blocks the SAE.
	StatusSuspended RegistrationStatus = "suspended"
	// StatusRevoked permanently blocks the SAE.
	StatusRevoked RegistrationStatus = "revoked"
)

// Registration is one SAE's on-boarding record.
type Registration struct {
	// SAEID is the unique SAE identifier bound to its certificate.
	SAEID string `yaml:"sae_id"`
	// Status is the administrative state.
	Status RegistrationStatus `yaml:"status"`
	// KMEID is the KME the SAE is attached to.
	KMEID string `yaml:"kme_id"`
	// CertificateFingerprint optionally pins the SAE to one certificate
	// (lower-case hex SHA-256 of the DER encoding).
	CertificateFingerprint string `yaml:"certificate_fingerprint,omitempty"`
}

// CheckAndSetDefaults checks and sets default values.
func (r *Registration) CheckAndSetDefaults() error {
	if r.SAEID == "" {
		return trace.BadParameter("missing parameter SAEID")
	}
	if r.Status == "" {
		r.Status = StatusActive
	}
	switch r.Status {
	case StatusActive, StatusSuspended, StatusRevoked:
	default:
		return trace.BadParameter("unknown SAE status %q", r.Status)
	}
	return nil
}

// Registry resolves SAE identifiers to registration records. It is an
// external collaborator of the core; StaticRegistry is the bundled
// config-fed implementation.
type Registry interface {
	// GetSAE returns the registration for saeID or NotFound.
	GetSAE(ctx context.Context, saeID string) (*Registration, error)
}

// StaticRegistry serves registrations loaded from configuration at
// startup. It is immutable after construction.
type StaticRegistry struct {
	registrations map[string]Registration
}

// NewStaticRegistry validates the records and returns a registry over
// them.
func NewStaticRegistry(registrations []Registration) (*StaticRegistry, error) {
	m := make(map[string]Registration, len(registrations))
	for _, reg := range registrations {
		if err := reg.CheckAndSetDefaults(); err != nil {
			return nil, trace.Wrap(err)
		}
		if _, ok := m[reg.SAEID]; ok {
			return nil, trace.AlreadyExists("SAE %v is registered twice", reg.SAEID)
		}
		m[reg.SAEID] = reg
	}
	return &StaticRegistry{registrations: m}, nil
}

// GetSAE implements Registry.
func (r *StaticRegistry) GetSAE(ctx context.Context, saeID string) (*Registration, error) {
	reg, ok := r.registrations[saeID]
	if !ok {
		return nil, trace.NotFound("SAE %v is not registered", saeID)
	}
	return &reg, nil
}
