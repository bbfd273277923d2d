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

	"github.com/gravitational/trace"
)

// PolicyConfig configures the per-endpoint authorization policy.
type PolicyConfig struct {
	// Registry resolves SAE registrations.
	Registry Registry
	// AllowAnyStatus permits any active SAE to query any SAE's status.
	// The default is relationship-only: the caller must be the queried
	// SAE itself or registered on this deployment as a potential master
	// for it.
	AllowAnyStatus bool
}

// CheckAndSetDefaults checks and sets default values.
func (c *PolicyConfig) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	return nil
}

// Policy applies the master/slave role rules per endpoint. Key-level
// access decisions stay with the pool; the policy only decides whether a
// request may proceed to it.
type Policy struct {
	cfg PolicyConfig
}

// NewPolicy returns a policy over the registry.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Policy{cfg: cfg}, nil
}

// AuthorizeStatus admits a Get Status request from requester about the
// SAE in the URL.
func (p *Policy) AuthorizeStatus(ctx context.Context, requesterSAEID, urlSAEID string) error {
	if err := p.requireActive(ctx, requesterSAEID); err != nil {
		return trace.Wrap(err)
	}
	if requesterSAEID == urlSAEID || p.cfg.AllowAnyStatus {
		return nil
	}
	// relationship-only: the queried SAE must be registered on this
	// deployment for the caller to pair with
	if _, err := p.cfg.Registry.GetSAE(ctx, urlSAEID); err != nil {
		if trace.IsNotFound(err) {
			return trace.AccessDenied("SAE %v has no registered relationship with %v", requesterSAEID, urlSAEID)
		}
		return trace.Wrap(err)
	}
	return nil
}

// AuthorizeKeyRequest admits a Get Key request: the caller is the master,
// the URL names the slave, and every additional slave must be admissible
// too.
func (p *Policy) AuthorizeKeyRequest(ctx context.Context, masterSAEID, urlSlaveSAEID string, additionalSlaveSAEIDs []string) error {
	if masterSAEID == urlSlaveSAEID {
		return trace.AccessDenied("SAE %v may not request keys for itself", masterSAEID)
	}
	if err := p.requireActive(ctx, masterSAEID); err != nil {
		return trace.Wrap(err)
	}
	if err := p.requireActive(ctx, urlSlaveSAEID); err != nil {
		return trace.Wrap(err)
	}
	for _, id := range additionalSlaveSAEIDs {
		if err := p.requireActive(ctx, id); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// AuthorizeKeyRetrieval admits a Get Key with Key IDs request: the caller
// is a slave, the URL names the master that produced the keys. Per-key
// slave membership is verified by the pool.
func (p *Policy) AuthorizeKeyRetrieval(ctx context.Context, slaveSAEID, urlMasterSAEID string) error {
	if err := p.requireActive(ctx, slaveSAEID); err != nil {
		return trace.Wrap(err)
	}
	if _, err := p.cfg.Registry.GetSAE(ctx, urlMasterSAEID); err != nil {
		if trace.IsNotFound(err) {
			return trace.AccessDenied("SAE %v is not registered as a master on this KME", urlMasterSAEID)
		}
		return trace.Wrap(err)
	}
	return nil
}

// requireActive verifies the SAE is registered and active.
func (p *Policy) requireActive(ctx context.Context, saeID string) error {
	reg, err := p.cfg.Registry.GetSAE(ctx, saeID)
	if err != nil {
		if trace.IsNotFound(err) {
			return trace.AccessDenied("SAE %v is not registered", saeID)
		}
		return trace.Wrap(err)
	}
	if reg.Status != StatusActive {
		return trace.AccessDenied("SAE %v is %v", saeID, reg.Status)
	}
	return nil
}
