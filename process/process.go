// Package process runs guest programs against the wasi_snapshot_preview1
// subset the toolchain needs. Filesystem syscalls are delegated to the
// shared memfs service; everything else is answered by the host.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
	"go.uber.org/zap"

	"github.com/wasmclang/wasmclang/memory"
	"github.com/wasmclang/wasmclang/runtime"
)

// ContinueExitCode is the exit code a guest uses to yield while staying
// resumable. A process that exits with it can be re-entered with Call.
const ContinueExitCode uint32 = 0xC0C0A

// DefaultLocale is the LANG value when none is configured.
const DefaultLocale = "en-US"

var (
	// ErrStartNotExported is returned by Run when the module has no _start.
	ErrStartNotExported = errors.New("process: _start not exported")
	// ErrUnsupportedImport is returned for imports outside the emulated set.
	ErrUnsupportedImport = errors.New("process: unsupported import")
	// ErrNotInstantiated is returned when a process is driven before
	// Instantiate succeeded or after it was closed.
	ErrNotInstantiated = errors.New("process: not instantiated")
	// ErrFunctionNotExported is returned by Call for unknown exports.
	ErrFunctionNotExported = errors.New("process: function not exported")
)

// Filesystem serves the delegated syscalls and the output channel.
type Filesystem interface {
	Syscall(ctx context.Context, caller *memory.Accessor, name string, params ...uint64) (uint32, error)
	Output(text string)
}

// Config configures one process.
type Config struct {
	// Name is argv[0] and the prefix of the instance name.
	Name string
	// Args follow Name in argv.
	Args []string
	// Locale is exported as LANG.
	Locale string
	// Logger receives operator diagnostics.
	Logger *zap.Logger
	// Clock drives clock_time_get. Defaults to the wall clock.
	Clock clock.Clock
	// Random overrides the primary random source. Defaults to crypto/rand.
	Random io.Reader
	// OwnsModule makes Close release the compiled module as well.
	OwnsModule bool
}

// Kind tags an Outcome.
type Kind int

const (
	// Exited means _start returned or the guest called proc_exit(0).
	Exited Kind = iota
	// ExitCode means the guest exited with a non-zero code.
	ExitCode
	// Continue means the guest exited with ContinueExitCode.
	Continue
	// Trapped means the guest trapped.
	Trapped
	// Interrupted means the context was cancelled or timed out.
	Interrupted
)

func (k Kind) String() string {
	switch k {
	case Exited:
		return "exited"
	case ExitCode:
		return "exit-code"
	case Continue:
		return "continue"
	case Trapped:
		return "trapped"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Outcome is the result of Run.
type Outcome struct {
	Kind Kind
	Code uint32
	Err  error
}

var instanceSeq atomic.Uint64

// Process is one instantiation of a guest program.
type Process struct {
	rt       runtime.Runtime
	compiled runtime.CompiledModule
	fs       Filesystem
	logger   *zap.Logger
	clock    clock.Clock

	name    string
	argv    []string
	environ []string

	random     *randomSource
	ownsModule bool
	started    time.Time
	instance   runtime.ModuleInstance
	mem        *memory.Accessor
}

// New prepares a process for compiled. The module may only import the
// emulated wasi_snapshot_preview1 functions.
func New(rt runtime.Runtime, compiled runtime.CompiledModule, fs Filesystem, cfg Config) (*Process, error) {
	for _, imp := range compiled.ImportedFunctions() {
		if imp.Module != HostModuleName || !slices.Contains(hostFunctionNames, imp.Name) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedImport, imp)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewClock()
	}
	locale := cfg.Locale
	if locale == "" {
		locale = DefaultLocale
	}

	p := &Process{
		rt:       rt,
		compiled: compiled,
		fs:       fs,
		logger:   logger.With(zap.String("process", cfg.Name)),
		clock:    clk,
		name:     cfg.Name,
		argv:     append([]string{cfg.Name}, cfg.Args...),
		environ:  environment(locale),

		ownsModule: cfg.OwnsModule,
	}
	p.random = newRandomSource(cfg.Random, clk, p.logger)
	return p, nil
}

// environment returns the fixed environment in sorted order.
func environment(locale string) []string {
	env := []string{
		"HOME=/",
		"LANG=" + locale,
		"PATH=/bin",
		"PWD=/",
		"TERM=xterm-256color",
		"USER=web_user",
	}
	slices.Sort(env)
	return env
}

// Argv returns the argument vector.
func (p *Process) Argv() []string {
	return slices.Clone(p.argv)
}

// Environ returns the environment as NAME=value strings.
func (p *Process) Environ() []string {
	return slices.Clone(p.environ)
}

// RandomSource reports which generator random_get currently draws from.
func (p *Process) RandomSource() RandomSource {
	return p.random.Source()
}

// Memory returns the process memory, or nil before Instantiate.
func (p *Process) Memory() *memory.Accessor {
	return p.mem
}

// Instantiate creates the module instance and runs _initialize when the
// module exports one. A failing initializer is logged and ignored.
func (p *Process) Instantiate(ctx context.Context) error {
	instanceName := fmt.Sprintf("%s#%d", p.name, instanceSeq.Add(1))
	instance, err := p.rt.Instantiate(ctx, p.compiled, runtime.ModuleConfig{Name: instanceName})
	if err != nil {
		p.fs.Output(fmt.Sprintf("Error: Failed to instantiate Wasm module %s.\n", p.name))
		return fmt.Errorf("process %s: %w", p.name, err)
	}
	mem := instance.Memory()
	if mem == nil {
		_ = instance.Close(ctx)
		return fmt.Errorf("process %s: %w", p.name, runtime.ErrMemoryExportNotFound)
	}
	p.instance = instance
	p.mem = memory.New(mem)
	p.started = p.clock.Now()

	if initialize := instance.Function("_initialize"); initialize != nil {
		if _, err := initialize.Call(p.bind(ctx)); err != nil {
			p.logger.Warn("_initialize failed", zap.Error(err))
		}
	}
	return nil
}

// Run calls _start and classifies how the guest finished. The instance is
// released unless the outcome is Continue. Traps and interruptions are also
// returned as errors.
func (p *Process) Run(ctx context.Context) (Outcome, error) {
	if p.instance == nil {
		return Outcome{}, ErrNotInstantiated
	}
	start := p.instance.Function("_start")
	if start == nil {
		p.fs.Output("Error: Wasm module does not export '_start' function.\n")
		return Outcome{}, ErrStartNotExported
	}

	_, err := start.Call(p.bind(ctx))
	outcome := p.classify(err)
	switch outcome.Kind {
	case Continue:
		return outcome, nil
	case ExitCode:
		p.fs.Output(fmt.Sprintf("Process exited with code %d\n", outcome.Code))
	case Trapped:
		if strings.Contains(outcome.Err.Error(), "unreachable") {
			p.fs.Output("WebAssembly unreachable code executed.\n")
		} else {
			p.fs.Output(fmt.Sprintf("Unexpected Error: %v\n", outcome.Err))
		}
	}
	if closeErr := p.Close(context.WithoutCancel(ctx)); closeErr != nil {
		p.logger.Debug("close after run", zap.Error(closeErr))
	}
	return outcome, outcome.Err
}

// Call re-enters a process left open by a Continue outcome. A guest exit is
// returned as *runtime.ExitError.
func (p *Process) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	if p.instance == nil {
		return nil, ErrNotInstantiated
	}
	fn := p.instance.Function(name)
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotExported, name)
	}
	return fn.Call(p.bind(ctx), params...)
}

// Close releases the instance, and the compiled module when the process
// owns it. It is safe to call more than once.
func (p *Process) Close(ctx context.Context) error {
	var err error
	if p.instance != nil {
		err = p.instance.Close(ctx)
		p.instance = nil
	}
	if p.ownsModule && p.compiled != nil {
		err = errors.Join(err, p.compiled.Close(ctx))
		p.compiled = nil
	}
	return err
}

func (p *Process) classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: Exited}
	}
	if code, ok := runtime.ExitCode(err); ok {
		switch code {
		case 0:
			return Outcome{Kind: Exited}
		case ContinueExitCode:
			return Outcome{Kind: Continue, Code: code}
		default:
			return Outcome{Kind: ExitCode, Code: code}
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: Interrupted, Err: fmt.Errorf("process %s: %w", p.name, err)}
	}
	return Outcome{Kind: Trapped, Err: fmt.Errorf("process %s: %w", p.name, err)}
}
