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

// Package kmd implements the key management entity server: the ETSI
// GS QKD 014 HTTP front end, its three services and the TLS layer that
// authenticates calling SAEs.
package kmd

import "github.com/qkdlab/kmed/lib/extensions"

// Status is the Get Status response, field names per ETSI GS QKD 014
// section 6.1.
type Status struct {
	SourceKMEID      string `json:"source_KME_ID"`
	TargetKMEID      string `json:"target_KME_ID"`
	MasterSAEID      string `json:"master_SAE_ID"`
	SlaveSAEID       string `json:"slave_SAE_ID"`
	KeySize          int    `json:"key_size"`
	StoredKeyCount   int    `json:"stored_key_count"`
	MaxKeyCount      int    `json:"max_key_count"`
	MaxKeyPerRequest int    `json:"max_key_per_request"`
	MaxKeySize       int    `json:"max_key_size"`
	MinKeySize       int    `json:"min_key_size"`
	MaxSAEIDCount    int    `json:"max_SAE_ID_count"`
	StatusExtension  any    `json:"status_extension"`
}

// KeyRequest is the Get Key request body.
type KeyRequest struct {
	// Number of keys requested, default 1.
	Number int `json:"number,omitempty"`
	// Size of each key in bits, default key_size from status.
	Size int `json:"size,omitempty"`
	// AdditionalSlaveSAEIDs extends delivery to more slaves (multicast).
	AdditionalSlaveSAEIDs []string `json:"additional_slave_SAE_IDs,omitempty"`
	// ExtensionMandatory must all be recognized and accepted.
	ExtensionMandatory []extensions.Extension `json:"extension_mandatory,omitempty"`
	// ExtensionOptional may be ignored when unknown.
	ExtensionOptional []extensions.Extension `json:"extension_optional,omitempty"`
}

// KeyContainer is the successful response of both key endpoints.
type KeyContainer struct {
	Keys []Key `json:"keys"`
}

// Key is one delivered key: its identifier and base64 encoded bytes.
type Key struct {
	KeyID string `json:"key_ID"`
	Key   string `json:"key"`
}

// KeyIDs is the Get Key with Key IDs request body.
type KeyIDs struct {
	KeyIDs          []KeyID `json:"key_IDs"`
	KeyIDsExtension any     `json:"key_IDs_extension,omitempty"`
}

// KeyID wraps one requested key identifier.
type KeyID struct {
	KeyID string `json:"key_ID"`
}
