// Package memfs runs memfs.wasm, the in-memory filesystem shared by every
// guest process, and exposes its management calls and delegated syscalls to
// the host.
package memfs

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/wasmclang/wasmclang/memory"
	"github.com/wasmclang/wasmclang/runtime"
)

// ModuleName is the instance name of the filesystem module.
const ModuleName = "memfs"

// HostModuleName is the import module the filesystem expects its host
// functions under.
const HostModuleName = "env"

var (
	// ErrNotFound is returned by GetFileContents for missing paths.
	ErrNotFound = errors.New("memfs: file not found")
	// ErrAbort is the trap raised when the filesystem calls abort.
	ErrAbort = errors.New("memfs: abort")
	// ErrMissingExport is returned when memfs.wasm lacks a required export.
	ErrMissingExport = errors.New("memfs: required export missing")
	// ErrUnsupportedImport is returned when memfs.wasm imports a host
	// function outside the env set.
	ErrUnsupportedImport = errors.New("memfs: unsupported import")
	// ErrUnknownSyscall is returned by Syscall for names that are not
	// delegated to the filesystem.
	ErrUnknownSyscall = errors.New("memfs: unknown syscall")
)

// Syscalls lists the WASI calls that processes delegate to the filesystem.
var Syscalls = []string{
	"fd_write",
	"fd_read",
	"fd_seek",
	"fd_close",
	"path_open",
	"fd_prestat_get",
	"fd_prestat_dir_name",
	"fd_fdstat_get",
}

var managementExports = []string{
	"GetPathBuf",
	"AddDirectoryNode",
	"AddFileNode",
	"GetFileNodeAddress",
	"GetFileNodeSize",
	"FindNode",
}

// Config configures a Service.
type Config struct {
	// Output receives text the guests write to stdout and stderr.
	Output func(string)
	// Logger receives operator diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
	// Stdin is served to guests reading fd 0.
	Stdin string
}

// Service is a running instance of memfs.wasm. There is at most one per
// runtime since it owns the runtime's env host module.
type Service struct {
	instance runtime.ModuleInstance
	env      runtime.Closer
	mem      *memory.Accessor
	fns      map[string]runtime.FunctionInstance

	output func(string)
	logger *zap.Logger

	stdin    []byte
	stdinPos int
}

// New binds the env host module on rt, instantiates compiled as the
// filesystem and runs its init export when present.
func New(ctx context.Context, rt runtime.Runtime, compiled runtime.CompiledModule, cfg Config) (*Service, error) {
	s := &Service{
		output: cfg.Output,
		logger: cfg.Logger,
		stdin:  []byte(cfg.Stdin),
		fns:    make(map[string]runtime.FunctionInstance),
	}
	if s.output == nil {
		s.output = func(string) {}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	host := s.hostModule()
	for _, imp := range compiled.ImportedFunctions() {
		if imp.Module != HostModuleName || !host.Has(imp.Name) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedImport, imp)
		}
	}
	exports := compiled.ExportedFunctions()
	for _, name := range slices.Concat(managementExports, Syscalls) {
		if !slices.Contains(exports, name) {
			return nil, fmt.Errorf("%w: %s", ErrMissingExport, name)
		}
	}

	env, err := rt.InstantiateHostModule(ctx, *host)
	if err != nil {
		return nil, fmt.Errorf("memfs: failed to instantiate %s host module: %w", HostModuleName, err)
	}
	s.env = env

	instance, err := rt.Instantiate(ctx, compiled, runtime.ModuleConfig{Name: ModuleName})
	if err != nil {
		_ = env.Close(ctx)
		return nil, fmt.Errorf("memfs: %w", err)
	}
	s.instance = instance
	s.mem = memory.New(instance.Memory())

	for _, name := range exports {
		s.fns[name] = instance.Function(name)
	}

	if initFn, ok := s.fns["init"]; ok {
		if _, err := initFn.Call(ctx); err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("memfs: init failed: %w", err)
		}
	} else {
		s.logger.Warn("memfs module does not export init")
	}
	return s, nil
}

// Memory returns the filesystem's own memory accessor.
func (s *Service) Memory() *memory.Accessor {
	return s.mem
}

// SetStdin replaces the stdin text and rewinds the read cursor.
func (s *Service) SetStdin(stdin string) {
	s.stdin = []byte(stdin)
	s.stdinPos = 0
}

// Output forwards text to the output sink.
func (s *Service) Output(text string) {
	s.output(text)
}

// AddDirectory creates a directory node.
func (s *Service) AddDirectory(ctx context.Context, path string) error {
	n, err := s.writePath(ctx, path)
	if err != nil {
		return err
	}
	if _, err := s.call(ctx, "AddDirectoryNode", uint64(n)); err != nil {
		return fmt.Errorf("memfs: add directory %q: %w", path, err)
	}
	return nil
}

// AddFile creates or replaces a file node holding contents.
func (s *Service) AddFile(ctx context.Context, path string, contents []byte) error {
	n, err := s.writePath(ctx, path)
	if err != nil {
		return err
	}
	inode, err := s.call(ctx, "AddFileNode", uint64(n), uint64(len(contents)))
	if err != nil {
		return fmt.Errorf("memfs: add file %q: %w", path, err)
	}
	addr, err := s.call(ctx, "GetFileNodeAddress", uint64(inode))
	if err != nil {
		return fmt.Errorf("memfs: add file %q: %w", path, err)
	}
	if _, err := s.mem.Write(addr, contents); err != nil {
		return fmt.Errorf("memfs: add file %q: %w", path, err)
	}
	return nil
}

// GetFileContents returns a copy of the file stored at path.
func (s *Service) GetFileContents(ctx context.Context, path string) ([]byte, error) {
	n, err := s.writePath(ctx, path)
	if err != nil {
		return nil, err
	}
	inode, err := s.call(ctx, "FindNode", uint64(n))
	if err != nil {
		return nil, fmt.Errorf("memfs: find %q: %w", path, err)
	}
	if inode == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	addr, err := s.call(ctx, "GetFileNodeAddress", uint64(inode))
	if err != nil {
		return nil, fmt.Errorf("memfs: read %q: %w", path, err)
	}
	size, err := s.call(ctx, "GetFileNodeSize", uint64(inode))
	if err != nil {
		return nil, fmt.Errorf("memfs: read %q: %w", path, err)
	}
	contents, err := s.mem.Bytes(addr, size)
	if err != nil {
		return nil, fmt.Errorf("memfs: read %q: %w", path, err)
	}
	return contents, nil
}

// Syscall runs the delegated syscall name on behalf of the process whose
// memory is caller and returns the errno it produced.
func (s *Service) Syscall(ctx context.Context, caller *memory.Accessor, name string, params ...uint64) (uint32, error) {
	if !slices.Contains(Syscalls, name) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSyscall, name)
	}
	return s.call(WithCaller(ctx, caller), name, params...)
}

// Close releases the filesystem instance and its host module.
func (s *Service) Close(ctx context.Context) error {
	var err error
	if s.instance != nil {
		err = s.instance.Close(ctx)
	}
	if s.env != nil {
		err = errors.Join(err, s.env.Close(ctx))
	}
	return err
}

// writePath stores path in the module's path buffer and returns its byte
// length.
func (s *Service) writePath(ctx context.Context, path string) (int, error) {
	buf, err := s.call(ctx, "GetPathBuf")
	if err != nil {
		return 0, fmt.Errorf("memfs: path buffer: %w", err)
	}
	if _, err := s.mem.WriteString(buf, path); err != nil {
		return 0, fmt.Errorf("memfs: path %q: %w", path, err)
	}
	return len(path), nil
}

func (s *Service) call(ctx context.Context, name string, params ...uint64) (uint32, error) {
	fn := s.fns[name]
	if fn == nil {
		return 0, fmt.Errorf("%w: %s", ErrMissingExport, name)
	}
	results, err := fn.Call(ctx, params...)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	return uint32(results[0]), nil
}
