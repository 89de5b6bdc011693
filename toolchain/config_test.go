package toolchain

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmclang/wasmclang/runtime"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, runtime.RuntimeTypeWazero, cfg.Engine)
	assert.Equal(t, runtime.ModeInterpreter, cfg.Runtime.Mode)
	assert.Equal(t, "clang.wasm", cfg.Clang)
	assert.Equal(t, "lld.wasm", cfg.LLD)
	assert.Equal(t, "sysroot.tar", cfg.Sysroot)
	assert.Equal(t, "memfs.wasm", cfg.Memfs)
	assert.Equal(t, 10*time.Second, cfg.RunTimeout)
	assert.Equal(t, "2", cfg.Opt)
	assert.Equal(t, 1048576, cfg.StackSize)
	assert.Equal(t, "en-US", cfg.Locale)
	assert.False(t, cfg.ShowTiming)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wasmclang.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
assets: https://example.com/toolchain
sysroot: sysroot.tar.zst
run_timeout: 0s
opt: s
runtime:
  mode: compiler
digests:
  - name: clang.wasm
    blake3: af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262
`), 0o600))
	t.Setenv("WASMCLANG_SHOW_TIMING", "true")
	t.Setenv("WASMCLANG_RUNTIME__CACHE_DIR", "/tmp/cache")
	t.Setenv("WASMCLANG_OPT", "3")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/toolchain", cfg.Assets)
	assert.Equal(t, "sysroot.tar.zst", cfg.Sysroot)
	assert.Equal(t, "clang.wasm", cfg.Clang, "unset keys keep their defaults")
	assert.Zero(t, cfg.RunTimeout)
	assert.Equal(t, "3", cfg.Opt, "environment overrides the file")
	assert.True(t, cfg.ShowTiming)
	assert.Equal(t, runtime.ModeCompiler, cfg.Runtime.Mode)
	assert.Equal(t, "/tmp/cache", cfg.Runtime.CacheDir)
	assert.Equal(t, map[string]string{
		"clang.wasm": "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262",
	}, cfg.DigestMap())
}

func TestLoadConfigWithoutFile(t *testing.T) {
	t.Setenv("WASMCLANG_LOCALE", "de-DE")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "de-DE", cfg.Locale)
	assert.Equal(t, 10*time.Second, cfg.RunTimeout)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	t.Setenv("WASMCLANG_STACK_SIZE", "1000")
	_, err = LoadConfig("")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "empty clang", mutate: func(c *Config) { c.Clang = "" }},
		{name: "empty sysroot", mutate: func(c *Config) { c.Sysroot = "" }},
		{name: "bad opt", mutate: func(c *Config) { c.Opt = "4" }},
		{name: "negative timeout", mutate: func(c *Config) { c.RunTimeout = -time.Second }},
		{name: "unaligned stack", mutate: func(c *Config) { c.StackSize = 1000 }},
		{name: "short digest", mutate: func(c *Config) { c.Digests = []Digest{{Name: "lld.wasm", BLAKE3: "abc"}} }},
		{name: "unnamed digest", mutate: func(c *Config) {
			c.Digests = []Digest{{BLAKE3: "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"}}
		}},
		{name: "bad mode", mutate: func(c *Config) { c.Runtime.Mode = "jit" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
