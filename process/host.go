package process

import (
	"context"
	"fmt"

	"github.com/stealthrocket/wasi-go"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wasmclang/wasmclang/runtime"
)

// HostModuleName is the import module guests use for system calls.
const HostModuleName = "wasi_snapshot_preview1"

// processKey is the key used to store the running process in the context
type processKey struct{}

func (p *Process) bind(ctx context.Context) context.Context {
	return context.WithValue(ctx, processKey{}, p)
}

// processFromContext retrieves the Process from the context
func processFromContext(ctx context.Context) *Process {
	return ctx.Value(processKey{}).(*Process)
}

var (
	fdSeekParams   = []runtime.ValueType{runtime.ValueTypeI32, runtime.ValueTypeI64, runtime.ValueTypeI32, runtime.ValueTypeI32}
	clockParams    = []runtime.ValueType{runtime.ValueTypeI32, runtime.ValueTypeI64, runtime.ValueTypeI32}
	pathOpenParams = []runtime.ValueType{
		runtime.ValueTypeI32, runtime.ValueTypeI32, runtime.ValueTypeI32, runtime.ValueTypeI32, runtime.ValueTypeI32,
		runtime.ValueTypeI64, runtime.ValueTypeI64, runtime.ValueTypeI32, runtime.ValueTypeI32,
	}
)

type hostFunction struct {
	name   string
	params []runtime.ValueType
	fn     func(context.Context, api.Module, []uint64)
}

var hostFunctions = []hostFunction{
	{"proc_exit", runtime.I32, procExit},
	{"environ_sizes_get", runtime.I32x2, environSizesGet},
	{"environ_get", runtime.I32x2, environGet},
	{"args_sizes_get", runtime.I32x2, argsSizesGet},
	{"args_get", runtime.I32x2, argsGet},
	{"random_get", runtime.I32x2, randomGet},
	{"clock_time_get", clockParams, clockTimeGet},
	{"poll_oneoff", runtime.I32x4, pollOneoff},
	{"fd_write", runtime.I32x4, delegate("fd_write", 4)},
	{"fd_read", runtime.I32x4, delegate("fd_read", 4)},
	{"fd_seek", fdSeekParams, delegate("fd_seek", 4)},
	{"fd_close", runtime.I32, delegate("fd_close", 1)},
	{"path_open", pathOpenParams, delegate("path_open", 9)},
	{"fd_prestat_get", runtime.I32x2, delegate("fd_prestat_get", 2)},
	{"fd_prestat_dir_name", runtime.I32x3, delegate("fd_prestat_dir_name", 3)},
	{"fd_fdstat_get", runtime.I32x2, delegate("fd_fdstat_get", 2)},
}

var hostFunctionNames = func() []string {
	names := make([]string, len(hostFunctions))
	for i, f := range hostFunctions {
		names[i] = f.name
	}
	return names
}()

// InstallHostModule makes the emulated system calls available on rt. It
// must run once per runtime before any process is instantiated.
func InstallHostModule(ctx context.Context, rt runtime.Runtime) (runtime.Closer, error) {
	host := runtime.NewHostModule(HostModuleName)
	for _, f := range hostFunctions {
		results := runtime.I32
		if f.name == "proc_exit" {
			results = runtime.None
		}
		host.AddWazeroFunction(f.name, f.params, results, f.fn)
	}
	closer, err := rt.InstantiateHostModule(ctx, *host)
	if err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}
	return closer, nil
}

func procExit(ctx context.Context, mod api.Module, stack []uint64) {
	code := uint32(stack[0])
	if code != ContinueExitCode {
		_ = mod.CloseWithExitCode(ctx, code)
	}
	panic(sys.NewExitError(code))
}

// stringsSize returns the count of strs and their total size including one
// terminator each.
func stringsSize(strs []string) (count, size uint32) {
	for _, s := range strs {
		size += uint32(len(s)) + 1
	}
	return uint32(len(strs)), size
}

func writeSizes(p *Process, strs []string, countOut, sizeOut uint32) wasi.Errno {
	count, size := stringsSize(strs)
	if p.mem.Write32(countOut, count) != nil || p.mem.Write32(sizeOut, size) != nil {
		return wasi.EFAULT
	}
	return wasi.ESUCCESS
}

// writeStrings stores strs NUL-terminated at buf and their addresses at ptrs.
func writeStrings(p *Process, strs []string, ptrs, buf uint32) wasi.Errno {
	for _, s := range strs {
		if err := p.mem.Write32(ptrs, buf); err != nil {
			return wasi.EFAULT
		}
		ptrs += 4
		n, err := p.mem.WriteStr(buf, s)
		if err != nil {
			return wasi.EFAULT
		}
		buf += n
	}
	return wasi.ESUCCESS
}

func environSizesGet(ctx context.Context, _ api.Module, stack []uint64) {
	p := processFromContext(ctx)
	stack[0] = uint64(writeSizes(p, p.environ, uint32(stack[0]), uint32(stack[1])))
}

func environGet(ctx context.Context, _ api.Module, stack []uint64) {
	p := processFromContext(ctx)
	stack[0] = uint64(writeStrings(p, p.environ, uint32(stack[0]), uint32(stack[1])))
}

func argsSizesGet(ctx context.Context, _ api.Module, stack []uint64) {
	p := processFromContext(ctx)
	stack[0] = uint64(writeSizes(p, p.argv, uint32(stack[0]), uint32(stack[1])))
}

func argsGet(ctx context.Context, _ api.Module, stack []uint64) {
	p := processFromContext(ctx)
	stack[0] = uint64(writeStrings(p, p.argv, uint32(stack[0]), uint32(stack[1])))
}

func randomGet(ctx context.Context, _ api.Module, stack []uint64) {
	p := processFromContext(ctx)
	buf, n := uint32(stack[0]), uint32(stack[1])
	if uint64(buf)+uint64(n) > uint64(p.mem.Size()) {
		stack[0] = uint64(wasi.EFAULT)
		return
	}
	data := make([]byte, n)
	p.random.Read(data)
	if _, err := p.mem.Write(buf, data); err != nil {
		stack[0] = uint64(wasi.EFAULT)
		return
	}
	stack[0] = uint64(wasi.ESUCCESS)
}

// clockTimeGet answers every clock id with nanoseconds elapsed since the
// process was instantiated.
func clockTimeGet(ctx context.Context, _ api.Module, stack []uint64) {
	p := processFromContext(ctx)
	id := wasi.ClockID(stack[0])
	timeOut := uint32(stack[2])
	if id != wasi.Realtime && id != wasi.Monotonic {
		p.logger.Debug("clock_time_get: unsupported clock id, using monotonic time", zap.Uint32("id", uint32(id)))
	}
	elapsed := p.clock.Since(p.started)
	if err := p.mem.Write64(timeOut, uint64(elapsed.Nanoseconds())); err != nil {
		stack[0] = uint64(wasi.EFAULT)
		return
	}
	stack[0] = uint64(wasi.ESUCCESS)
}

// pollOneoff reports that no event fired.
func pollOneoff(ctx context.Context, _ api.Module, stack []uint64) {
	p := processFromContext(ctx)
	if err := p.mem.Write32(uint32(stack[3]), 0); err != nil {
		stack[0] = uint64(wasi.EFAULT)
		return
	}
	stack[0] = uint64(wasi.ESUCCESS)
}

// delegate forwards a filesystem syscall to memfs. The filesystem call is
// not bound to the process deadline so that a timeout only tears down the
// process.
func delegate(name string, nparams int) func(context.Context, api.Module, []uint64) {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		p := processFromContext(ctx)
		errno, err := p.fs.Syscall(context.WithoutCancel(ctx), p.mem, name, stack[:nparams]...)
		if err != nil {
			panic(fmt.Errorf("%s: %w", name, err))
		}
		stack[0] = uint64(errno)
	}
}
