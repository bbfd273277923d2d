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

// Package defaults contains default constants for the key management entity.
package defaults

import "time"

const (
	// ListenAddr is the default address the HTTPS front end binds to.
	ListenAddr = "0.0.0.0:13000"

	// KeySize is the default delivered key size in bits when a request
	// does not specify one.
	KeySize = 256

	// MinKeySize is the smallest key size in bits a request may ask for.
	MinKeySize = 64

	// MaxKeySize is the largest key size in bits a request may ask for.
	MaxKeySize = 4096

	// MaxKeyPerRequest bounds the number of keys a single enc_keys
	// request may obtain.
	MaxKeyPerRequest = 128

	// MaxKeyCount is the default key pool capacity.
	MaxKeyCount = 100000

	// MaxSAEIDCount bounds the additional_slave_SAE_IDs list; zero
	// disables multicast.
	MaxSAEIDCount = 0

	// SAEIDMaxLen is the longest SAE or KME identifier accepted.
	SAEIDMaxLen = 64
)

const (
	// KeyTTL is how long a stored key remains live before the sweeper
	// expires it.
	KeyTTL = 24 * time.Hour

	// ReservationTTL is how long a reservation may stay uncommitted
	// before the sweeper releases its keys back to the pool.
	ReservationTTL = 30 * time.Second

	// SweepInterval is how often the background sweeper runs.
	SweepInterval = 10 * time.Second

	// ReadHeaderTimeout bounds how long the HTTP server waits for
	// request headers.
	ReadHeaderTimeout = 10 * time.Second

	// RequestTimeout is the per-request deadline propagated to handlers.
	RequestTimeout = 30 * time.Second

	// ShutdownTimeout bounds graceful server shutdown.
	ShutdownTimeout = 15 * time.Second
)

// MaxHTTPRequestSize is the largest request body the front end reads.
const MaxHTTPRequestSize = 1024 * 1024
