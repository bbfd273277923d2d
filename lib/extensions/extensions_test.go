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
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func newBuiltinEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine()
	require.NoError(t, RegisterBuiltins(e, nil))
	return e
}

func TestProcessMandatory(t *testing.T) {
	ctx := context.Background()
	e := newBuiltinEngine(t)

	// empty list is fine
	d, err := e.ProcessMandatory(ctx, nil)
	require.NoError(t, err)
	require.False(t, d.SingleUse)

	// known extensions pass and write directives
	d, err = e.ProcessMandatory(ctx, []Extension{
		{Type: TypeRouteType, Data: map[string]any{"value": "direct"}},
		{Type: TypeSingleUse},
	})
	require.NoError(t, err)
	require.True(t, d.SingleUse)

	// an unknown mandatory extension fails the whole request
	_, err = e.ProcessMandatory(ctx, []Extension{{Type: "no-such-ext"}})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)

	// a rejected mandatory extension fails the whole request
	_, err = e.ProcessMandatory(ctx, []Extension{
		{Type: TypeRouteType, Data: map[string]any{"value": "carrier-pigeon"}},
	})
	require.True(t, trace.IsBadParameter(err))

	// a missing type fails
	_, err = e.ProcessMandatory(ctx, []Extension{{}})
	require.True(t, trace.IsBadParameter(err))
}

func TestProcessOptional(t *testing.T) {
	ctx := context.Background()
	e := newBuiltinEngine(t)

	// unknown optional extensions are silently ignored
	diags := e.ProcessOptional(ctx, []Extension{{Type: "no-such-ext"}})
	require.Empty(t, diags)

	// failing optional extensions never fail the request
	diags = e.ProcessOptional(ctx, []Extension{
		{Type: TypeKeyQuality, Data: map[string]any{"max_qber": 7.0}},
	})
	require.Empty(t, diags)

	// successful ones return diagnostics
	diags = e.ProcessOptional(ctx, []Extension{
		{Type: TypeKeyQuality, Data: map[string]any{"max_qber": 0.02}},
	})
	require.Len(t, diags, 1)

	// an optional single_use cannot steer delivery: the directive write
	// lands in a throwaway, which is exactly what we want
	d, err := e.ProcessMandatory(ctx, nil)
	require.NoError(t, err)
	e.ProcessOptional(ctx, []Extension{{Type: TypeSingleUse}})
	require.False(t, d.SingleUse)
}

func TestVendorScopedLookup(t *testing.T) {
	ctx := context.Background()
	e := NewEngine()

	var calledVendor, calledGeneric bool
	require.NoError(t, e.Register("acme", "tuning", func(ctx context.Context, ext Extension, d *Directives) (any, error) {
		calledVendor = true
		return nil, nil
	}))
	require.NoError(t, e.Register("", "tuning", func(ctx context.Context, ext Extension, d *Directives) (any, error) {
		calledGeneric = true
		return nil, nil
	}))

	_, err := e.ProcessMandatory(ctx, []Extension{{Type: "tuning", Vendor: "acme"}})
	require.NoError(t, err)
	require.True(t, calledVendor)
	require.False(t, calledGeneric)

	// an unknown vendor falls back to the unscoped handler
	_, err = e.ProcessMandatory(ctx, []Extension{{Type: "tuning", Vendor: "globex"}})
	require.NoError(t, err)
	require.True(t, calledGeneric)
}

func TestRegisterValidation(t *testing.T) {
	e := NewEngine()
	require.NoError(t, RegisterBuiltins(e, []string{TypeSingleUse}))

	// double registration conflicts
	err := RegisterBuiltins(e, []string{TypeSingleUse})
	require.True(t, trace.IsAlreadyExists(err))

	// unknown built-in name
	err = RegisterBuiltins(NewEngine(), []string{"warp-drive"})
	require.True(t, trace.IsBadParameter(err))

	require.Error(t, e.Register("", "", nil))
}
