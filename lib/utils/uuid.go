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

package utils

import (
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// NewKeyID returns a fresh RFC 4122 v4 UUID in canonical lower-case form.
// The underlying generator draws from the platform CSPRNG; generation
// failure is surfaced rather than papered over because every key
// identifier must be unpredictable.
func NewKeyID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return id.String(), nil
}

// CheckKeyID validates that s is a syntactically correct UUID and returns
// its canonical lower-case form.
func CheckKeyID(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", trace.BadParameter("invalid key ID %q: not a UUID", s)
	}
	return id.String(), nil
}

// IsPrintableID reports whether s is a legal SAE or KME identifier:
// printable ASCII without whitespace, between 1 and maxLen characters.
func IsPrintableID(s string, maxLen int) bool {
	if len(s) == 0 || len(s) > maxLen {
		return false
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return false
	}
	for _, r := range s {
		if r < '!' || r > '~' {
			return false
		}
	}
	return true
}
