package toolchain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/wasmclang/wasmclang/runtime"
)

// EnvPrefix prefixes the environment variables that override the config
// file. A double underscore separates nested keys, so
// WASMCLANG_RUNTIME__MODE sets runtime.mode.
const EnvPrefix = "WASMCLANG_"

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("toolchain: invalid configuration")

// Config configures an Orchestrator.
type Config struct {
	// Engine names the registered runtime implementation.
	Engine string `mapstructure:"engine"`

	// Runtime configures the engine.
	Runtime runtime.Config `mapstructure:"runtime"`

	// Assets is the directory or http(s) URL the artifacts are fetched from.
	Assets string `mapstructure:"assets"`

	// Artifact names.
	Clang   string `mapstructure:"clang"`
	LLD     string `mapstructure:"lld"`
	Sysroot string `mapstructure:"sysroot"`
	Memfs   string `mapstructure:"memfs"`

	// Digests pins artifacts to BLAKE3-256 digests.
	Digests []Digest `mapstructure:"digests"`

	// ShowTiming adds timing lines to the output.
	ShowTiming bool `mapstructure:"show_timing"`

	// RunTimeout bounds the execution of the user program. Zero disables it.
	RunTimeout time.Duration `mapstructure:"run_timeout"`

	// Opt is the default optimization level passed as -O<opt>.
	Opt string `mapstructure:"opt"`

	// StackSize is the linker's stack-size for the user program.
	StackSize int `mapstructure:"stack_size"`

	// ClangInclude is the compiler's resource include directory.
	ClangInclude string `mapstructure:"clang_include"`

	// Locale is exported to guests as LANG.
	Locale string `mapstructure:"locale"`
}

// Digest pins one artifact.
type Digest struct {
	Name   string `mapstructure:"name"`
	BLAKE3 string `mapstructure:"blake3"`
}

// DigestMap returns the pinned digests keyed by artifact name.
func (cfg *Config) DigestMap() map[string]string {
	m := make(map[string]string, len(cfg.Digests))
	for _, d := range cfg.Digests {
		m[d.Name] = d.BLAKE3
	}
	return m
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	cfg := &Config{RunTimeout: 10 * time.Second}
	cfg.Default()
	return cfg
}

// Default fills unset fields.
func (cfg *Config) Default() {
	if cfg.Engine == "" {
		cfg.Engine = runtime.RuntimeTypeWazero
	}
	cfg.Runtime.Default()
	if cfg.Assets == "" {
		cfg.Assets = "."
	}
	if cfg.Clang == "" {
		cfg.Clang = "clang.wasm"
	}
	if cfg.LLD == "" {
		cfg.LLD = "lld.wasm"
	}
	if cfg.Sysroot == "" {
		cfg.Sysroot = "sysroot.tar"
	}
	if cfg.Memfs == "" {
		cfg.Memfs = "memfs.wasm"
	}
	if cfg.Opt == "" {
		cfg.Opt = "2"
	}
	if cfg.StackSize == 0 {
		cfg.StackSize = 1048576
	}
	if cfg.ClangInclude == "" {
		cfg.ClangInclude = "/lib/clang/15.0.0/include"
	}
	if cfg.Locale == "" {
		cfg.Locale = "en-US"
	}
}

// Validate validates the configuration
func (cfg *Config) Validate() error {
	for key, v := range map[string]string{
		"clang":   cfg.Clang,
		"lld":     cfg.LLD,
		"sysroot": cfg.Sysroot,
		"memfs":   cfg.Memfs,
	} {
		if v == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidConfig, key)
		}
	}
	for _, d := range cfg.Digests {
		if d.Name == "" || len(d.BLAKE3) != 64 {
			return fmt.Errorf("%w: digest for %q must be 64 hex characters", ErrInvalidConfig, d.Name)
		}
	}
	if !validOpt(cfg.Opt) {
		return fmt.Errorf("%w: opt %q is not one of 0, 1, 2, 3, s, z", ErrInvalidConfig, cfg.Opt)
	}
	if cfg.RunTimeout < 0 {
		return fmt.Errorf("%w: run_timeout must not be negative", ErrInvalidConfig)
	}
	if cfg.StackSize <= 0 || cfg.StackSize%16 != 0 {
		return fmt.Errorf("%w: stack_size %d must be a positive multiple of 16", ErrInvalidConfig, cfg.StackSize)
	}
	if err := cfg.Runtime.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func validOpt(opt string) bool {
	switch opt {
	case "0", "1", "2", "3", "s", "z":
		return true
	}
	return false
}

// LoadConfig builds a Config from defaults, the YAML file at path (skipped
// when path is empty) and WASMCLANG_ environment variables, in that order.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("toolchain: load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("toolchain: load environment: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("toolchain: decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}
