package runtime

import "fmt"

// Mode selects how the engine executes guest code.
type Mode string

const (
	ModeInterpreter Mode = "interpreter"
	ModeCompiler    Mode = "compiler"
)

// Config is the engine-independent runtime configuration.
type Config struct {
	// Mode is the execution mode. Defaults to the interpreter.
	Mode Mode `mapstructure:"mode"`

	// CacheDir persists compiled code between runs when set.
	CacheDir string `mapstructure:"cache_dir"`

	// MemoryLimitPages caps the linear memory of every instance, in 64KiB
	// pages. Zero keeps the engine default.
	MemoryLimitPages uint32 `mapstructure:"memory_limit_pages"`
}

// Default fills unset fields.
func (c *Config) Default() {
	if c.Mode == "" {
		c.Mode = ModeInterpreter
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeInterpreter, ModeCompiler:
	default:
		return fmt.Errorf("runtime: invalid mode %q: %w", c.Mode, ErrInvalidConfiguration)
	}
	if c.MemoryLimitPages > 65536 {
		return fmt.Errorf("runtime: memory_limit_pages %d exceeds 65536: %w", c.MemoryLimitPages, ErrInvalidConfiguration)
	}
	return nil
}
