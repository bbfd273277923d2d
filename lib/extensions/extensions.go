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

// Package extensions validates and dispatches the extension parameter
// blocks carried by Get Key requests. Handlers are pure functions of the
// extension data plus read-only configuration; they may influence key
// selection but never the bytes of a delivered key.
package extensions

import (
	"context"
	"log/slog"

	"github.com/gravitational/trace"

	"github.com/qkdlab/kmed"
)

// Extension is one extension parameter block on the wire.
type Extension struct {
	// Type names the extension.
	Type string `json:"type"`
	// Data is the extension payload.
	Data map[string]any `json:"data,omitempty"`
	// Version optionally versions the extension semantics.
	Version string `json:"version,omitempty"`
	// Vendor optionally scopes the extension to a vendor namespace.
	Vendor string `json:"vendor,omitempty"`
}

// Directives collects the effects mandatory extensions may have on key
// delivery. Handlers write here; services read it after validation.
type Directives struct {
	// SingleUse requests consume-on-first-read semantics for the
	// delivered keys.
	SingleUse bool
}

// HandlerFunc processes one extension block. Mandatory handlers returning
// an error reject the whole request; optional handler errors are logged
// and dropped. The returned value, if any, is a best-effort diagnostic.
type HandlerFunc func(ctx context.Context, ext Extension, d *Directives) (any, error)

type handlerKey struct {
	vendor string
	typ    string
}

// Engine is the registry of recognized extensions keyed by
// (vendor, type). Lookup tries the vendor-scoped handler first, then the
// unscoped one.
type Engine struct {
	handlers map[handlerKey]HandlerFunc
	log      *slog.Logger
}

// NewEngine returns an engine with no registered extensions.
func NewEngine() *Engine {
	return &Engine{
		handlers: make(map[handlerKey]HandlerFunc),
		log:      slog.With(kmed.ComponentKey, kmed.ComponentKMD),
	}
}

// Register binds a handler to (vendor, type). An empty vendor registers
// the unscoped handler.
func (e *Engine) Register(vendor, typ string, handler HandlerFunc) error {
	if typ == "" {
		return trace.BadParameter("missing extension type")
	}
	if handler == nil {
		return trace.BadParameter("missing handler for extension %q", typ)
	}
	key := handlerKey{vendor: vendor, typ: typ}
	if _, ok := e.handlers[key]; ok {
		return trace.AlreadyExists("extension %q is already registered", typ)
	}
	e.handlers[key] = handler
	return nil
}

func (e *Engine) lookup(ext Extension) (HandlerFunc, bool) {
	if ext.Vendor != "" {
		if h, ok := e.handlers[handlerKey{vendor: ext.Vendor, typ: ext.Type}]; ok {
			return h, true
		}
	}
	h, ok := e.handlers[handlerKey{typ: ext.Type}]
	return h, ok
}

// ProcessMandatory validates and applies every mandatory extension. Any
// unknown or rejected extension fails the whole request.
func (e *Engine) ProcessMandatory(ctx context.Context, exts []Extension) (*Directives, error) {
	d := &Directives{}
	for _, ext := range exts {
		if ext.Type == "" {
			return nil, trace.BadParameter("mandatory extension is missing its type")
		}
		handler, ok := e.lookup(ext)
		if !ok {
			return nil, trace.BadParameter("unsupported mandatory extension %q", ext.Type)
		}
		if _, err := handler(ctx, ext, d); err != nil {
			return nil, trace.BadParameter("mandatory extension %q rejected: %v", ext.Type, err)
		}
	}
	return d, nil
}

// ProcessOptional applies known optional extensions on a best-effort
// basis. Unknown extensions are ignored and handler failures never fail
// the request; diagnostics from successful handlers are returned for
// logging.
func (e *Engine) ProcessOptional(ctx context.Context, exts []Extension) []any {
	var diags []any
	// optional handlers may not steer delivery, so their directive
	// writes land in a throwaway
	var discard Directives
	for _, ext := range exts {
		handler, ok := e.lookup(ext)
		if !ok {
			e.log.DebugContext(ctx, "Ignoring unknown optional extension", "type", ext.Type)
			continue
		}
		diag, err := handler(ctx, ext, &discard)
		if err != nil {
			e.log.DebugContext(ctx, "Optional extension failed", "type", ext.Type, "error", err)
			continue
		}
		if diag != nil {
			diags = append(diags, diag)
		}
	}
	return diags
}
