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

package keypool

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/qkdlab/kmed/lib/keystore"
	"github.com/qkdlab/kmed/lib/utils"
)

// Source yields fresh key material for a KME link. Implementations stand
// in for the QKD layer; the pool never inspects the bytes beyond their
// length. The link parameter allows per-link sources later without
// reshaping callers.
type Source interface {
	// Fetch returns count octet strings of sizeBits/8 bytes each.
	Fetch(ctx context.Context, link keystore.Link, sizeBits, count int) ([][]byte, error)
}

// CryptoSource draws key material from the platform CSPRNG. It is the
// stand-in source used when no QKD link is attached.
type CryptoSource struct{}

// Fetch implements Source.
func (CryptoSource) Fetch(ctx context.Context, link keystore.Link, sizeBits, count int) ([][]byte, error) {
	if sizeBits <= 0 || sizeBits%8 != 0 {
		return nil, trace.BadParameter("key size %v is not a positive multiple of 8", sizeBits)
	}
	out := make([][]byte, 0, count)
	for range count {
		b, err := utils.CryptoRandomBytes(sizeBits / 8)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, b)
	}
	return out, nil
}
