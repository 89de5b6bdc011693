package wazero

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"

	"github.com/wasmclang/wasmclang/runtime"
)

// newWazeroRuntime creates a new Wazero runtime instance
func newWazeroRuntime(config runtime.Config) (runtime.Runtime, error) {
	// Create wazero runtime config based on mode
	var wrc wazero.RuntimeConfig
	switch config.Mode {
	case runtime.ModeInterpreter, "":
		wrc = wazero.NewRuntimeConfigInterpreter()
	case runtime.ModeCompiler:
		wrc = wazero.NewRuntimeConfigCompiler()
	default:
		return nil, fmt.Errorf("wazero: unsupported mode %q: %w", config.Mode, runtime.ErrInvalidConfiguration)
	}

	// Cancelling the call context is the only way to stop a running guest.
	wrc = wrc.WithCloseOnContextDone(true)

	if config.MemoryLimitPages > 0 {
		wrc = wrc.WithMemoryLimitPages(config.MemoryLimitPages)
	}

	var cache wazero.CompilationCache
	if config.CacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(config.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("wazero: compilation cache %s: %w", config.CacheDir, err)
		}
	} else {
		cache = wazero.NewCompilationCache()
	}
	wrc = wrc.WithCompilationCache(cache)

	return &wazeroRuntime{
		runtime: wazero.NewRuntimeWithConfig(context.Background(), wrc),
		cache:   cache,
		config:  config,
	}, nil
}
