package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
)

type nopRuntime struct {
	Runtime
	config Config
}

func TestRegisterAndNewRuntime(t *testing.T) {
	Register("nop", func(cfg Config) (Runtime, error) {
		return &nopRuntime{config: cfg}, nil
	})
	assert.Contains(t, List(), "nop")
	assert.Panics(t, func() {
		Register("nop", func(Config) (Runtime, error) { return nil, nil })
	})

	rt, err := NewRuntime("nop", Config{})
	require.NoError(t, err)
	assert.Equal(t, ModeInterpreter, rt.(*nopRuntime).config.Mode, "defaults are applied before the factory runs")

	_, err = NewRuntime("nop", Config{Mode: "jit"})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewRuntime("missing", Config{})
	assert.ErrorIs(t, err, ErrRuntimeNotFound)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "interpreter", config: Config{Mode: ModeInterpreter}},
		{name: "compiler with limit", config: Config{Mode: ModeCompiler, MemoryLimitPages: 65536}},
		{name: "unknown mode", config: Config{Mode: "aot"}, wantErr: true},
		{name: "limit too large", config: Config{Mode: ModeCompiler, MemoryLimitPages: 65537}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfiguration)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestExitCode(t *testing.T) {
	code, ok := ExitCode(fmt.Errorf("wrapped: %w", &ExitError{Code: 3}))
	assert.True(t, ok)
	assert.Equal(t, uint32(3), code)

	_, ok = ExitCode(errors.New("trap"))
	assert.False(t, ok)
}

func TestHostModule(t *testing.T) {
	fn := func(context.Context, api.Module, []uint64) {}
	hm := NewHostModule("env").
		AddWazeroFunction("abort", None, None, fn).
		AddWazeroFunction("host_write", I32x4, I32, fn)

	assert.True(t, hm.Has("abort"))
	assert.False(t, hm.Has("host_read"))
	require.Len(t, hm.Functions, 2)
	assert.Equal(t, I32x4, hm.Functions[1].ParamTypes)
	assert.NotNil(t, hm.Functions[1].Function.GetImplementation(RuntimeTypeWazero))
	assert.Nil(t, hm.Functions[1].Function.GetImplementation("other"))
	assert.Equal(t, "env.abort", Import{Module: "env", Name: "abort"}.String())
	assert.Equal(t, "i64", ValueTypeI64.String())
}
