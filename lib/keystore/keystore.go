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

// Package keystore provides the durable store for key records and their
// SAE access relations. Key bytes are written once at insert and never
// mutated afterwards; every status transition is an atomic compare-and-set
// so multiple KME processes can share one store without extra locking.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/gravitational/trace"
)

// Status is the lifecycle state of a stored key.
type Status string

const (
	// StatusAvailable marks a key eligible for master reservation.
	StatusAvailable Status = "available"
	// StatusReserved marks a key bound to an in-flight reservation.
	// Reserved keys are invisible to both endpoints.
	StatusReserved Status = "reserved"
	// StatusDeliveredMaster marks a key whose bytes were returned to the
	// master; authorized slaves may retrieve it.
	StatusDeliveredMaster Status = "delivered_master"
	// StatusDeliveredSlave marks a key retrieved by at least one slave.
	StatusDeliveredSlave Status = "delivered_slave"
	// StatusConsumed marks a single-use key read by a slave.
	StatusConsumed Status = "consumed"
	// StatusExpired marks a key past its expiry time.
	StatusExpired Status = "expired"
	// StatusRevoked marks a key withdrawn by the operator.
	StatusRevoked Status = "revoked"
)

// Live reports whether a key in this status may still be served to an
// authorized slave.
func (s Status) Live() bool {
	switch s {
	case StatusDeliveredMaster, StatusDeliveredSlave:
		return true
	}
	return false
}

// Link identifies the KME pair a key is shared across.
type Link struct {
	// SourceKMEID is the KME that produced the key.
	SourceKMEID string
	// TargetKMEID is the paired KME.
	TargetKMEID string
}

// KeyRecord is the central entity: one symmetric key, its identifier and
// the SAE relationships fixed at delivery time.
type KeyRecord struct {
	// KeyID is the UUID primary key, immutable after insert.
	KeyID string
	// Bytes is the confidential key material; len(Bytes)*8 == SizeBits.
	Bytes []byte
	// SizeBits is the declared key size in bits.
	SizeBits int
	// MasterSAEID is the SAE that obtained the key via enc_keys. Empty
	// until the key is reserved.
	MasterSAEID string
	// SlaveSAEIDs are the SAEs authorized to retrieve the key via
	// dec_keys. Empty until the key is reserved.
	SlaveSAEIDs []string
	// Link is the KME pair the key is shared across.
	Link Link
	// Status is the lifecycle state.
	Status Status
	// ReservationID binds a reserved or delivered key to the reservation
	// that selected it. Never exposed on the wire.
	ReservationID string
	// SingleUse marks a key that transitions to consumed after its first
	// successful slave retrieval.
	SingleUse bool
	// CreatedAt is the insert time.
	CreatedAt time.Time
	// ReservedAt is when the current reservation took the key; zero when
	// the key is not reserved. Used to sweep stale reservations.
	ReservedAt time.Time
	// ExpiresAt is the expiry time; zero means the key never expires.
	ExpiresAt time.Time
}

// CheckAndSetDefaults validates the record before insert.
func (r *KeyRecord) CheckAndSetDefaults() error {
	if r.KeyID == "" {
		return trace.BadParameter("missing parameter KeyID")
	}
	if r.SizeBits <= 0 || r.SizeBits%8 != 0 {
		return trace.BadParameter("key size %v is not a positive multiple of 8", r.SizeBits)
	}
	if len(r.Bytes)*8 != r.SizeBits {
		return trace.BadParameter("key %v has %v bytes, declared size is %v bits", r.KeyID, len(r.Bytes), r.SizeBits)
	}
	if r.Link.SourceKMEID == "" || r.Link.TargetKMEID == "" {
		return trace.BadParameter("key %v is missing its KME link", r.KeyID)
	}
	if r.Status == "" {
		r.Status = StatusAvailable
	}
	return nil
}

// HasSlave reports whether saeID is one of the key's authorized slaves.
func (r *KeyRecord) HasSlave(saeID string) bool {
	return slices.Contains(r.SlaveSAEIDs, saeID)
}

// RequestRecord is the audit row written for every master key request.
type RequestRecord struct {
	// RequestID identifies the request; it doubles as the reservation ID.
	RequestID string
	// MasterSAEID is the requesting SAE.
	MasterSAEID string
	// SlaveSAEIDs are all slaves bound by the request.
	SlaveSAEIDs []string
	// Number is the requested key count.
	Number int
	// SizeBits is the requested key size.
	SizeBits int
	// Status records the request outcome, e.g. "delivered" or "aborted".
	Status string
	// Error holds the failure message for unsuccessful requests.
	Error string
	// CreatedAt is the request time.
	CreatedAt time.Time
}

// KeyStore is the durable store contract. Every mutating operation is
// individually atomic; compare-and-set style operations report whether
// the swap happened without treating a lost race as an error.
type KeyStore interface {
	// Create inserts a new key record, failing with AlreadyExists if the
	// key ID is taken.
	Create(ctx context.Context, rec KeyRecord) error

	// Get returns a key record by ID or NotFound.
	Get(ctx context.Context, keyID string) (*KeyRecord, error)

	// GetMany returns the records found for ids plus the ids that are
	// missing from the store. Found records preserve no particular order.
	GetMany(ctx context.Context, ids []string) (found []KeyRecord, missing []string, err error)

	// ListAvailable returns up to limit available keys on the link with
	// the given size.
	ListAvailable(ctx context.Context, link Link, sizeBits, limit int) ([]KeyRecord, error)

	// Reserve atomically moves an available key to reserved and binds the
	// SAE tuple. Returns false if the key was not available.
	Reserve(ctx context.Context, keyID, reservationID, masterSAEID string, slaveSAEIDs []string, singleUse bool) (bool, error)

	// Commit atomically moves a key reserved by reservationID to
	// delivered_master. Returns false if the key is not reserved by that
	// reservation.
	Commit(ctx context.Context, keyID, reservationID string) (bool, error)

	// Release returns a key held by reservationID (reserved or already
	// committed, for commit rollback) to available and clears its SAE
	// binding. Returns false if the key is not held by that reservation.
	Release(ctx context.Context, keyID, reservationID string) (bool, error)

	// CompareAndSwapStatus atomically replaces the status if it currently
	// equals expected. Returns false on mismatch.
	CompareAndSwapStatus(ctx context.Context, keyID string, expected, next Status) (bool, error)

	// CountByStatus counts keys on the link in the given status.
	CountByStatus(ctx context.Context, link Link, status Status) (int, error)

	// ExpireKeys transitions available and delivered keys whose expiry
	// passed to expired, returning how many were swept.
	ExpireKeys(ctx context.Context, now time.Time) (int, error)

	// ReleaseStaleReservations returns reserved keys whose reservation
	// predates the cutoff to available, returning how many were released.
	ReleaseStaleReservations(ctx context.Context, cutoff time.Time) (int, error)

	// RecordRequest appends an audit row for a master key request.
	RecordRequest(ctx context.Context, rec RequestRecord) error

	// Close releases store resources.
	Close() error
}

// GoneError indicates a key exists but is no longer live.
type GoneError struct {
	// KeyID is the dead key.
	KeyID string
	// Status is the state the key was found in.
	Status Status
}

// Error implements the error interface.
func (e *GoneError) Error() string {
	return fmt.Sprintf("key %v is no longer available: %v", e.KeyID, e.Status)
}

// NewGoneError returns an error for a key in a non-live state.
func NewGoneError(keyID string, status Status) error {
	return trace.Wrap(&GoneError{KeyID: keyID, Status: status})
}

// IsGoneError reports whether err is a GoneError, possibly wrapped.
func IsGoneError(err error) bool {
	var ge *GoneError
	return errors.As(err, &ge)
}
