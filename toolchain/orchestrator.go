// Package toolchain drives the compile, link and run pipeline: clang.wasm
// and lld.wasm run as guest processes over a shared memfs seeded from the
// sysroot archive, and the linked program is then run the same way.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"code.cloudfoundry.org/clock"
	"go.uber.org/zap"

	"github.com/wasmclang/wasmclang/archive"
	"github.com/wasmclang/wasmclang/assets"
	"github.com/wasmclang/wasmclang/memfs"
	"github.com/wasmclang/wasmclang/process"
	"github.com/wasmclang/wasmclang/runtime"
	_ "github.com/wasmclang/wasmclang/runtime/wazero" // Register wazero runtime
)

// Files written by CompileLinkRun.
const (
	ObjectFile = "main.o"
	BinaryFile = "main.wasm"
)

var (
	// ErrStageFailed is returned when the compiler or linker exits with a
	// non-zero code. Later stages are not started.
	ErrStageFailed = errors.New("toolchain: stage failed")
	// ErrNoContents is returned by Compile for empty sources.
	ErrNoContents = errors.New("toolchain: compile requires contents")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("toolchain: orchestrator closed")
)

// CompileOptions configures one compile.
type CompileOptions struct {
	// Input is the source path in memfs. Defaults per language.
	Input string
	// Obj is the object path. Defaults to output.o.
	Obj string
	// Opt is the optimization level. Defaults to the configured level.
	Opt string
	// Language defaults to C++.
	Language Language
}

// Orchestrator owns the runtime, the filesystem service and the module
// cache. Its operations are serialized.
type Orchestrator struct {
	cfg    *Config
	loader assets.Loader
	output func(string)
	logger *zap.Logger
	clock  clock.Clock

	mu          sync.Mutex
	initialized bool
	initErr     error
	closed      bool
	stdin       string

	rt   runtime.Runtime
	wasi runtime.Closer
	fs   *memfs.Service

	// modules caches compiled artifacts by name. cached holds the BLAKE3
	// digest of every cached binary: the engine shares compiled code between
	// modules with identical bytes, so closing such a module would evict
	// the cached one too.
	modules map[string]runtime.CompiledModule
	cached  map[string]string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock used for timing lines and guest clocks.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// New returns an Orchestrator. Nothing is fetched until the first
// operation.
func New(cfg *Config, loader assets.Loader, output func(string), logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Default()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if output == nil {
		output = func(string) {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:     cfg,
		loader:  loader,
		output:  output,
		logger:  logger,
		clock:   clock.NewClock(),
		modules: make(map[string]runtime.CompiledModule),
		cached:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// hostLog writes a progress line to the output channel.
func (o *Orchestrator) hostLog(format string, args ...any) {
	o.output("> " + fmt.Sprintf(format, args...) + "\n")
}

// timeIt runs fn, surrounded by timing lines when enabled.
func (o *Orchestrator) timeIt(message string, fn func() error) error {
	if !o.cfg.ShowTiming {
		return fn()
	}
	o.hostLog("%s...", message)
	start := o.clock.Now()
	err := fn()
	elapsed := o.clock.Since(start).Seconds()
	if err != nil {
		o.hostLog("%s FAILED in %.2fs", message, elapsed)
		return err
	}
	o.hostLog("%s done in %.2fs", message, elapsed)
	return nil
}

// ready builds the runtime, the filesystem and the sysroot once. The
// outcome, failure included, is shared by every later call, except when the
// caller's context ended first: then the partial state is dropped and the
// next call starts over.
func (o *Orchestrator) ready(ctx context.Context) error {
	if o.closed {
		return ErrClosed
	}
	if o.initialized {
		return o.initErr
	}
	err := o.init(ctx)
	if err != nil && ctx.Err() != nil {
		o.logger.Warn("initialization interrupted", zap.Error(err))
		o.reset(context.WithoutCancel(ctx))
		return err
	}
	o.initialized, o.initErr = true, err
	if err != nil {
		o.logger.Error("initialization failed", zap.Error(err))
		o.output("Error: API Initialization failed. Check logs.\n")
	}
	return err
}

// reset releases whatever a failed init built.
func (o *Orchestrator) reset(ctx context.Context) {
	if o.fs != nil {
		_ = o.fs.Close(ctx)
	}
	if o.wasi != nil {
		_ = o.wasi.Close(ctx)
	}
	if o.rt != nil {
		_ = o.rt.Close(ctx)
	}
	o.fs, o.wasi, o.rt = nil, nil, nil
	clear(o.modules)
	clear(o.cached)
}

func (o *Orchestrator) init(ctx context.Context) error {
	rt, err := runtime.NewRuntime(o.cfg.Engine, o.cfg.Runtime)
	if err != nil {
		return fmt.Errorf("toolchain: %w", err)
	}
	o.rt = rt

	if o.wasi, err = process.InstallHostModule(ctx, rt); err != nil {
		return fmt.Errorf("toolchain: %w", err)
	}

	fsModule, err := o.getModule(ctx, o.cfg.Memfs)
	if err != nil {
		return err
	}
	o.fs, err = memfs.New(ctx, rt, fsModule, memfs.Config{
		Output: o.output,
		Logger: o.logger.Named("memfs"),
		Stdin:  o.stdin,
	})
	if err != nil {
		o.output(fmt.Sprintf("Error: Failed to initialize virtual filesystem (%s).\n", o.cfg.Memfs))
		return fmt.Errorf("toolchain: %w", err)
	}

	return o.timeIt("Untarring "+o.cfg.Sysroot, func() error {
		buf, err := o.loader.ReadBuffer(ctx, o.cfg.Sysroot)
		if err != nil {
			return fmt.Errorf("toolchain: %w", err)
		}
		summary, err := archive.Extract(ctx, buf, o.fs, o.logger.Named("archive"))
		if err != nil {
			return fmt.Errorf("toolchain: extract %s: %w", o.cfg.Sysroot, err)
		}
		o.logger.Info("sysroot extracted",
			zap.String("archive", o.cfg.Sysroot),
			zap.Int("files", summary.Files),
			zap.Int("dirs", summary.Dirs),
			zap.Int("skipped", summary.Skipped),
			zap.Int64("bytes", summary.Bytes))
		return nil
	})
}

// getModule returns the compiled module for name, fetching and compiling it
// on first use.
func (o *Orchestrator) getModule(ctx context.Context, name string) (runtime.CompiledModule, error) {
	if m, ok := o.modules[name]; ok {
		return m, nil
	}
	var compiled runtime.CompiledModule
	var digest string
	err := o.timeIt("Fetching/Compiling "+name, func() error {
		bin, err := o.loader.ReadBuffer(ctx, name)
		if err != nil {
			return err
		}
		digest = assets.Digest(bin)
		compiled, err = o.rt.Compile(ctx, bin)
		return err
	})
	if err != nil {
		o.logger.Error("module load failed", zap.String("module", name), zap.Error(err))
		o.output(fmt.Sprintf("Error: Failed to load Wasm module %s. Check network and logs.\n", name))
		return nil, fmt.Errorf("toolchain: load %s: %w", name, err)
	}
	o.modules[name] = compiled
	o.cached[digest] = name
	return compiled, nil
}

// sharesCachedCode reports whether bin has the same contents as a cached
// module.
func (o *Orchestrator) sharesCachedCode(bin []byte) (string, bool) {
	name, ok := o.cached[assets.Digest(bin)]
	return name, ok
}

// SetStdin sets the text served to guests reading standard input.
func (o *Orchestrator) SetStdin(stdin string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stdin = stdin
	if o.fs != nil {
		o.fs.SetStdin(stdin)
	}
}

// ReadFile returns the contents of path in the virtual filesystem.
func (o *Orchestrator) ReadFile(ctx context.Context, path string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.ready(ctx); err != nil {
		return nil, err
	}
	return o.fs.GetFileContents(ctx, path)
}

// Compile writes contents to opts.Input and compiles it to opts.Obj.
func (o *Orchestrator) Compile(ctx context.Context, contents []byte, opts CompileOptions) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.compile(ctx, contents, opts)
}

func (o *Orchestrator) compile(ctx context.Context, contents []byte, opts CompileOptions) error {
	if len(contents) == 0 {
		return ErrNoContents
	}
	if opts.Language == "" {
		opts.Language = CXX
	}
	spec, err := opts.Language.spec()
	if err != nil {
		return err
	}
	if opts.Input == "" {
		opts.Input = spec.defaultInput
	}
	if opts.Obj == "" {
		opts.Obj = "output.o"
	}
	if opts.Opt == "" {
		opts.Opt = o.cfg.Opt
	}

	if err := o.ready(ctx); err != nil {
		return err
	}
	if err := o.fs.AddFile(ctx, opts.Input, contents); err != nil {
		return fmt.Errorf("toolchain: %w", err)
	}
	clang, err := o.getModule(ctx, o.cfg.Clang)
	if err != nil {
		return err
	}

	args := compileArgs(o.cfg, opts.Language, spec, opts)
	o.hostLog("Compiling %s%s with args: %s", opts.Input, spec.tag, strings.Join(args[1:], " "))
	return o.timeIt("Compiling "+opts.Input+spec.tag, func() error {
		return o.runStage(ctx, clang, args)
	})
}

// Link links obj into wasm with the library set of lang.
func (o *Orchestrator) Link(ctx context.Context, obj, wasm string, lang Language) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.link(ctx, obj, wasm, lang)
}

func (o *Orchestrator) link(ctx context.Context, obj, wasm string, lang Language) error {
	if lang == "" {
		lang = CXX
	}
	spec, err := lang.spec()
	if err != nil {
		return err
	}
	if err := o.ready(ctx); err != nil {
		return err
	}
	lld, err := o.getModule(ctx, o.cfg.LLD)
	if err != nil {
		return err
	}

	args := linkArgs(o.cfg, spec, obj, wasm)
	o.hostLog("Linking %s%s with args: %s", obj, spec.tag, strings.Join(args[1:], " "))
	return o.timeIt("Linking "+obj+spec.tag, func() error {
		return o.runStage(ctx, lld, args)
	})
}

// Run executes module with argv args against the shared filesystem. It
// returns the process only when the guest exited with the continuation
// code; a non-zero exit is reported on the output channel and returns nil,
// nil. Traps are returned as errors.
//
// The caller keeps ownership of module. The engine shares compiled code
// between modules with identical bytes, so a module built from the same
// binary as clang, lld or memfs must not be closed while the Orchestrator
// is in use.
func (o *Orchestrator) Run(ctx context.Context, module runtime.CompiledModule, args ...string) (*process.Process, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.ready(ctx); err != nil {
		return nil, err
	}
	_, p, err := o.run(ctx, module, args, false)
	return p, err
}

// runStage runs a toolchain process and fails on a non-zero exit.
func (o *Orchestrator) runStage(ctx context.Context, module runtime.CompiledModule, args []string) error {
	outcome, p, err := o.run(ctx, module, args, false)
	if p != nil {
		_ = p.Close(ctx)
	}
	if err != nil {
		return err
	}
	if outcome.Kind == process.ExitCode {
		return fmt.Errorf("%w: %s exited with code %d", ErrStageFailed, args[0], outcome.Code)
	}
	return nil
}

// run executes module as a process. When owned is set the process takes
// over module and releases it on Close.
func (o *Orchestrator) run(ctx context.Context, module runtime.CompiledModule, args []string, owned bool) (process.Outcome, *process.Process, error) {
	release := context.WithoutCancel(ctx)
	if len(args) == 0 {
		if owned {
			_ = module.Close(release)
		}
		return process.Outcome{}, nil, errors.New("toolchain: run requires argv[0]")
	}
	name := args[0]
	o.hostLog("Running %s...", name)

	p, err := process.New(o.rt, module, o.fs, process.Config{
		Name:       name,
		Args:       args[1:],
		Locale:     o.cfg.Locale,
		Logger:     o.logger.Named("process"),
		Clock:      o.clock,
		OwnsModule: owned,
	})
	if err != nil {
		if owned {
			_ = module.Close(release)
		}
		o.hostLog("%s failed.", name)
		return process.Outcome{}, nil, err
	}
	if err := p.Instantiate(ctx); err != nil {
		_ = p.Close(release)
		o.hostLog("%s failed.", name)
		return process.Outcome{}, nil, err
	}

	outcome, err := p.Run(ctx)
	if err != nil {
		_ = p.Close(release)
		o.hostLog("%s failed.", name)
		return outcome, nil, err
	}
	o.hostLog("%s finished.", name)
	if outcome.Kind == process.Continue {
		return outcome, p, nil
	}
	return outcome, nil, nil
}

// CompileLinkRun compiles and links contents as lang, then runs the result
// under the configured run timeout. A continued process is returned to the
// caller, whose Close also releases the compiled program.
func (o *Orchestrator) CompileLinkRun(ctx context.Context, contents []byte, lang Language) (*process.Process, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if lang == "" {
		lang = CXX
	}
	spec, err := lang.spec()
	if err != nil {
		return nil, err
	}
	if err := o.compile(ctx, contents, CompileOptions{Input: spec.mainFile, Obj: ObjectFile, Language: lang}); err != nil {
		return nil, err
	}
	if err := o.link(ctx, ObjectFile, BinaryFile, lang); err != nil {
		return nil, err
	}

	buf, err := o.fs.GetFileContents(ctx, BinaryFile)
	if err != nil {
		return nil, fmt.Errorf("toolchain: %w", err)
	}
	var user runtime.CompiledModule
	err = o.timeIt("Compiling final Wasm "+BinaryFile, func() error {
		user, err = o.rt.Compile(ctx, buf)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("toolchain: %w", err)
	}

	runCtx := ctx
	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}

	// The process owns the user module unless its code is shared with a
	// cached artifact, which must stay compiled.
	owned := true
	if name, shared := o.sharesCachedCode(buf); shared {
		o.logger.Debug("user program shares code with a cached module", zap.String("module", name))
		owned = false
	}

	o.hostLog("--- Running User Code%s ---", spec.tag)
	var p *process.Process
	err = o.timeIt("Executing "+BinaryFile, func() error {
		var err error
		_, p, err = o.run(runCtx, user, []string{BinaryFile}, owned)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.hostLog("--- User Code Finished%s ---", spec.tag)
	return p, nil
}

// Close releases the runtime and everything instantiated in it.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	var err error
	if o.fs != nil {
		err = o.fs.Close(ctx)
	}
	if o.wasi != nil {
		err = errors.Join(err, o.wasi.Close(ctx))
	}
	if o.rt != nil {
		err = errors.Join(err, o.rt.Close(ctx))
	}
	return err
}
