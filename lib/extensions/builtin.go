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

package extensions

import (
	"context"

	"github.com/gravitational/trace"
)

// Built-in extension type names.
const (
	// TypeRouteType constrains the QKD route; accepted values are
	// "direct" and "relay".
	TypeRouteType = "route_type"
	// TypeKeyQuality declares a minimum acceptable QBER for the keys.
	TypeKeyQuality = "key_quality"
	// TypeSingleUse opts delivered keys into consume-on-first-read.
	TypeSingleUse = "single_use"
)

// RegisterBuiltins registers the extensions this KME understands out of
// the box. names selects which of them to enable; an empty list enables
// all.
func RegisterBuiltins(e *Engine, names []string) error {
	builtins := map[string]HandlerFunc{
		TypeRouteType:  handleRouteType,
		TypeKeyQuality: handleKeyQuality,
		TypeSingleUse:  handleSingleUse,
	}
	if len(names) == 0 {
		for typ, handler := range builtins {
			if err := e.Register("", typ, handler); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	}
	for _, name := range names {
		handler, ok := builtins[name]
		if !ok {
			return trace.BadParameter("unknown built-in extension %q", name)
		}
		if err := e.Register("", name, handler); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// handleRouteType validates the requested route kind. The stand-in key
// source serves every route, so validation is the whole effect.
func handleRouteType(ctx context.Context, ext Extension, d *Directives) (any, error) {
	value, _ := ext.Data["value"].(string)
	switch value {
	case "direct", "relay":
		return map[string]any{"route_type": value}, nil
	}
	return nil, trace.BadParameter("route_type must be %q or %q", "direct", "relay")
}

// handleKeyQuality validates the requested quality bound. Locally
// generated material always satisfies it.
func handleKeyQuality(ctx context.Context, ext Extension, d *Directives) (any, error) {
	qber, ok := ext.Data["max_qber"].(float64)
	if !ok || qber < 0 || qber > 1 {
		return nil, trace.BadParameter("key_quality requires max_qber in [0, 1]")
	}
	return map[string]any{"max_qber": qber}, nil
}

// handleSingleUse flags the delivered keys for consumption on first
// slave retrieval.
func handleSingleUse(ctx context.Context, ext Extension, d *Directives) (any, error) {
	d.SingleUse = true
	return nil, nil
}
