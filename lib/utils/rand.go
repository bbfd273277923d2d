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

// Package utils holds small helpers shared across kmed packages.
package utils

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/gravitational/trace"
)

// CryptoRandomBytes returns n bytes drawn from the platform CSPRNG.
// A failure here means the process has lost its entropy source and the
// error is treated as fatal by callers.
func CryptoRandomBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, trace.BadParameter("negative random byte count %v", n)
	}
	out := make([]byte, n)
	if _, err := rand.Reader.Read(out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// CryptoRandomHex returns hex encoded random string generated with
// crypto-strong pseudo random generator of the given bytes.
func CryptoRandomHex(length int) (string, error) {
	randomBytes, err := CryptoRandomBytes(length)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(randomBytes), nil
}
