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
	"encoding/base64"
	"log/slog"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/qkdlab/kmed"
	"github.com/qkdlab/kmed/lib/defaults"
	"github.com/qkdlab/kmed/lib/extensions"
	"github.com/qkdlab/kmed/lib/keypool"
	"github.com/qkdlab/kmed/lib/keystore"
	"github.com/qkdlab/kmed/lib/sae"
	"github.com/qkdlab/kmed/lib/utils"
)

// Limits are the advertised pool bounds, reported verbatim by Get Status.
type Limits struct {
	// KeySize is the default key size in bits.
	KeySize int
	// MaxKeyCount is the pool capacity.
	MaxKeyCount int
	// MaxKeyPerRequest bounds keys per enc_keys request.
	MaxKeyPerRequest int
	// MaxKeySize and MinKeySize bound requested key sizes in bits.
	MaxKeySize int
	MinKeySize int
	// MaxSAEIDCount bounds additional slaves; zero disables multicast.
	MaxSAEIDCount int
}

// CheckAndSetDefaults checks and sets default values.
func (l *Limits) CheckAndSetDefaults() error {
	if l.KeySize == 0 {
		l.KeySize = defaults.KeySize
	}
	if l.MaxKeyCount == 0 {
		l.MaxKeyCount = defaults.MaxKeyCount
	}
	if l.MaxKeyPerRequest == 0 {
		l.MaxKeyPerRequest = defaults.MaxKeyPerRequest
	}
	if l.MaxKeySize == 0 {
		l.MaxKeySize = defaults.MaxKeySize
	}
	if l.MinKeySize == 0 {
		l.MinKeySize = defaults.MinKeySize
	}
	return nil
}

// ServiceConfig wires the key delivery service.
type ServiceConfig struct {
	// KMEID identifies this KME.
	KMEID string
	// TargetKMEID identifies the paired KME.
	TargetKMEID string
	// Pool mediates key reservation and retrieval.
	Pool *keypool.Pool
	// Policy authorizes SAE requests.
	Policy *sae.Policy
	// Engine processes extension parameter blocks.
	Engine *extensions.Engine
	// Store records the request audit trail.
	Store keystore.KeyStore
	// Limits are the advertised pool bounds.
	Limits Limits
	// Clock overrides time for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *ServiceConfig) CheckAndSetDefaults() error {
	if c.KMEID == "" {
		return trace.BadParameter("missing parameter KMEID")
	}
	if c.TargetKMEID == "" {
		return trace.BadParameter("missing parameter TargetKMEID")
	}
	if c.Pool == nil {
		return trace.BadParameter("missing parameter Pool")
	}
	if c.Policy == nil {
		return trace.BadParameter("missing parameter Policy")
	}
	if c.Engine == nil {
		return trace.BadParameter("missing parameter Engine")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if err := c.Limits.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service implements the three key delivery operations on top of the
// pool, the policy and the extension engine. Callers arrive with their
// identity already attached to the context by the auth middleware.
type Service struct {
	cfg ServiceConfig
	log *slog.Logger
}

// NewService returns a service over the given pool and policy.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{
		cfg: cfg,
		log: slog.With(kmed.ComponentKey, kmed.ComponentKMD),
	}, nil
}

// GetStatus returns the pairing status between the caller and the SAE in
// the URL. The caller takes the master role in the reported pairing.
func (s *Service) GetStatus(ctx context.Context, urlSAEID string) (*Status, error) {
	identity, err := IdentityFromContext(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.Policy.AuthorizeStatus(ctx, identity.SAEID, urlSAEID); err != nil {
		return nil, trace.Wrap(err)
	}
	stats, err := s.cfg.Pool.Stats(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Status{
		SourceKMEID:      s.cfg.KMEID,
		TargetKMEID:      s.cfg.TargetKMEID,
		MasterSAEID:      identity.SAEID,
		SlaveSAEID:       urlSAEID,
		KeySize:          s.cfg.Limits.KeySize,
		StoredKeyCount:   stats.StoredKeyCount,
		MaxKeyCount:      s.cfg.Limits.MaxKeyCount,
		MaxKeyPerRequest: s.cfg.Limits.MaxKeyPerRequest,
		MaxKeySize:       s.cfg.Limits.MaxKeySize,
		MinKeySize:       s.cfg.Limits.MinKeySize,
		MaxSAEIDCount:    s.cfg.Limits.MaxSAEIDCount,
	}, nil
}

// GetKeys serves the master side: it reserves keys for the caller and the
// slave named in the URL, commits them and returns the material. The
// reservation is aborted on every failure path so no request can leak
// reserved keys.
func (s *Service) GetKeys(ctx context.Context, urlSlaveSAEID string, req *KeyRequest) (*KeyContainer, error) {
	identity, err := IdentityFromContext(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.Policy.AuthorizeKeyRequest(ctx, identity.SAEID, urlSlaveSAEID, req.AdditionalSlaveSAEIDs); err != nil {
		return nil, trace.Wrap(err)
	}

	number := req.Number
	if number == 0 {
		number = 1
	}
	size := req.Size
	if size == 0 {
		size = s.cfg.Limits.KeySize
	}

	directives, err := s.cfg.Engine.ProcessMandatory(ctx, req.ExtensionMandatory)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if diags := s.cfg.Engine.ProcessOptional(ctx, req.ExtensionOptional); len(diags) > 0 {
		s.log.DebugContext(ctx, "Processed optional extensions", "diagnostics", diags)
	}

	slaveSAEIDs := append([]string{urlSlaveSAEID}, req.AdditionalSlaveSAEIDs...)
	res, err := s.cfg.Pool.ReserveForMaster(ctx, identity.SAEID, slaveSAEIDs, number, size, directives.SingleUse)
	if err != nil {
		s.audit(ctx, "", identity.SAEID, slaveSAEIDs, number, size, "rejected", err)
		return nil, trace.Wrap(err)
	}

	// the client may have gone away during reservation; committing now
	// would strand delivered keys nobody received
	if err := ctx.Err(); err != nil {
		s.cfg.Pool.Abort(ctx, res)
		s.audit(ctx, res.ID, identity.SAEID, slaveSAEIDs, number, size, "aborted", err)
		return nil, trace.Wrap(err)
	}

	keys, err := s.cfg.Pool.Commit(ctx, res)
	if err != nil {
		s.audit(ctx, res.ID, identity.SAEID, slaveSAEIDs, number, size, "aborted", err)
		return nil, trace.Wrap(err)
	}

	s.audit(ctx, res.ID, identity.SAEID, slaveSAEIDs, number, size, "delivered", nil)
	return containerFromRecords(keys), nil
}

// GetKeysWithIDs serves the slave side: it returns the keys named by the
// request, in request order, provided the caller is authorized for every
// one of them.
func (s *Service) GetKeysWithIDs(ctx context.Context, urlMasterSAEID string, req *KeyIDs) (*KeyContainer, error) {
	identity, err := IdentityFromContext(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.Policy.AuthorizeKeyRetrieval(ctx, identity.SAEID, urlMasterSAEID); err != nil {
		return nil, trace.Wrap(err)
	}

	if len(req.KeyIDs) == 0 {
		return nil, trace.BadParameter("key_IDs must name at least one key")
	}
	if len(req.KeyIDs) > s.cfg.Limits.MaxKeyPerRequest {
		return nil, trace.BadParameter("%v key IDs exceed the per-request limit %v",
			len(req.KeyIDs), s.cfg.Limits.MaxKeyPerRequest)
	}
	// validate every ID before touching the store so a single typo cannot
	// partially consume single-use keys
	keyIDs := make([]string, 0, len(req.KeyIDs))
	for _, entry := range req.KeyIDs {
		id, err := utils.CheckKeyID(entry.KeyID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		keyIDs = append(keyIDs, id)
	}

	keys, err := s.cfg.Pool.RetrieveForSlave(ctx, identity.SAEID, urlMasterSAEID, keyIDs)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return containerFromRecords(keys), nil
}

// audit writes the request trail row; audit failures are logged, never
// surfaced to the caller.
func (s *Service) audit(ctx context.Context, requestID, masterSAEID string, slaveSAEIDs []string, number, size int, status string, cause error) {
	rec := keystore.RequestRecord{
		RequestID:   requestID,
		MasterSAEID: masterSAEID,
		SlaveSAEIDs: slaveSAEIDs,
		Number:      number,
		SizeBits:    size,
		Status:      status,
		CreatedAt:   s.cfg.Clock.Now().UTC(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	if rec.RequestID == "" {
		id, err := utils.NewKeyID()
		if err != nil {
			s.log.WarnContext(ctx, "Failed to allocate audit request ID", "error", err)
			return
		}
		rec.RequestID = id
	}
	if err := s.cfg.Store.RecordRequest(ctx, rec); err != nil {
		s.log.WarnContext(ctx, "Failed to record key request", "request_id", rec.RequestID, "error", err)
	}
}

func containerFromRecords(records []keystore.KeyRecord) *KeyContainer {
	container := &KeyContainer{Keys: make([]Key, 0, len(records))}
	for _, rec := range records {
		container.Keys = append(container.Keys, Key{
			KeyID: rec.KeyID,
			Key:   base64.StdEncoding.EncodeToString(rec.Bytes),
		})
	}
	return container
}
