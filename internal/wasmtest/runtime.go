package wasmtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmclang/wasmclang/runtime"
	_ "github.com/wasmclang/wasmclang/runtime/wazero"
)

// NewRuntime returns a wazero-backed runtime closed at test cleanup.
func NewRuntime(t testing.TB, cfg runtime.Config) runtime.Runtime {
	t.Helper()
	rt, err := runtime.NewRuntime(runtime.RuntimeTypeWazero, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

// Compile compiles bin on rt and fails the test on error.
func Compile(t testing.TB, rt runtime.Runtime, bin []byte) runtime.CompiledModule {
	t.Helper()
	compiled, err := rt.Compile(context.Background(), bin)
	require.NoError(t, err)
	return compiled
}

// Instantiate compiles and instantiates bin under name.
func Instantiate(t testing.TB, rt runtime.Runtime, name string, bin []byte) runtime.ModuleInstance {
	t.Helper()
	instance, err := rt.Instantiate(context.Background(), Compile(t, rt, bin), runtime.ModuleConfig{Name: name})
	require.NoError(t, err)
	return instance
}
