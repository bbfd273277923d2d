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

// Package kmed contains constants shared across the key management entity.
package kmed

const (
	// Version is the semantic version of the kmed release.
	Version = "1.0.0"

	// APIVersion is the ETSI GS QKD 014 API version segment served by the
	// HTTP front end.
	APIVersion = "v1"
)

const (
	// ComponentKey is the attribute key used to report the component
	// emitting a structured log record.
	ComponentKey = "component"

	// ComponentKMD is the HTTP front end and its services.
	ComponentKMD = "kmd"

	// ComponentKeyPool is the key pool manager.
	ComponentKeyPool = "keypool"

	// ComponentKeyStore is the durable key store.
	ComponentKeyStore = "keystore"

	// ComponentSweeper is the background expiry sweeper.
	ComponentSweeper = "sweeper"

	// ComponentAuth is the certificate resolver and authorization policy.
	ComponentAuth = "auth"
)
