package wasmtest

// WASI import module name.
const WASI = "wasi_snapshot_preview1"

// Program layout used by the canned guests.
const (
	iovecAddr    = 0
	nwrittenAddr = 16
	textAddr     = 64
)

// Empty builds a guest whose _start returns immediately.
func Empty() []byte {
	m := New().Memory(1)
	m.Func("_start", Sig(nil))
	return m.Bytes()
}

// Exit builds a guest whose _start calls proc_exit(code).
func Exit(code int32) []byte {
	m := New().Memory(1)
	procExit := m.Import(WASI, "proc_exit", Sig(Params(I32)))
	m.Func("_start", Sig(nil), I32Const(code), Call(procExit), Unreachable())
	m.Func("frame", Sig(nil))
	return m.Bytes()
}

// Trap builds a guest whose _start executes unreachable.
func Trap() []byte {
	m := New().Memory(1)
	m.Func("_start", Sig(nil), Unreachable())
	return m.Bytes()
}

// Hello builds a guest that writes text to fd with a single fd_write call
// and then returns from _start.
func Hello(fd int32, text string) []byte {
	m := New().Memory(1)
	fdWrite := m.Import(WASI, "fd_write", Sig(Params(I32, I32, I32, I32), I32))
	m.Func("_start", Sig(nil),
		I32Const(iovecAddr), I32Const(textAddr), I32Store(0),
		I32Const(iovecAddr), I32Const(int32(len(text))), I32Store(4),
		I32Const(fd), I32Const(iovecAddr), I32Const(1), I32Const(nwrittenAddr), Call(fdWrite), Drop(),
	)
	m.Data(textAddr, []byte(text))
	return m.Bytes()
}

// NoStart builds a guest with memory but without _start.
func NoStart() []byte {
	m := New().Memory(1)
	m.Func("main", Sig(nil))
	return m.Bytes()
}

// NoMemory builds a guest without a memory export.
func NoMemory() []byte {
	m := New()
	m.Func("_start", Sig(nil))
	return m.Bytes()
}

// Importing builds a guest that imports module.name with a () -> () type.
func Importing(module, name string) []byte {
	m := New().Memory(1)
	m.Import(module, name, Sig(nil))
	m.Func("_start", Sig(nil))
	return m.Bytes()
}

// Initializer builds a guest with an _initialize export that stores marker
// at address 0 and a _start that returns.
func Initializer(marker int32) []byte {
	m := New().Memory(1)
	m.Func("_initialize", Sig(nil), I32Const(0), I32Const(marker), I32Store(0))
	m.Func("_start", Sig(nil))
	return m.Bytes()
}

// Grower builds a guest with a "grow" export that grows memory by the
// given number of pages.
func Grower() []byte {
	m := New().Memory(1)
	m.Func("grow", Sig(Params(I32), I32), LocalGet(0), MemoryGrow())
	m.Func("_start", Sig(nil))
	return m.Bytes()
}

// Spin builds a guest whose _start never returns.
func Spin() []byte {
	m := New().Memory(1)
	m.Func("_start", Sig(nil), Loop(), Br(0), End())
	return m.Bytes()
}

// forwarded lists the system calls Forwarder re-exports.
var forwarded = []struct {
	name string
	sig  FuncType
}{
	{"args_sizes_get", Sig(Params(I32, I32), I32)},
	{"args_get", Sig(Params(I32, I32), I32)},
	{"environ_sizes_get", Sig(Params(I32, I32), I32)},
	{"environ_get", Sig(Params(I32, I32), I32)},
	{"random_get", Sig(Params(I32, I32), I32)},
	{"clock_time_get", Sig(Params(I32, I64, I32), I32)},
	{"poll_oneoff", Sig(Params(I32, I32, I32, I32), I32)},
	{"fd_write", Sig(Params(I32, I32, I32, I32), I32)},
	{"fd_close", Sig(Params(I32), I32)},
}

// Forwarder builds a guest that re-exports a set of system calls as
// "call_<name>" so tests can drive each one directly. Its memory has two
// pages.
func Forwarder() []byte {
	m := New().Memory(2)
	indices := make([]uint32, len(forwarded))
	for i, f := range forwarded {
		indices[i] = m.Import(WASI, f.name, f.sig)
	}
	for i, f := range forwarded {
		var body [][]byte
		for p := range f.sig.Params {
			body = append(body, LocalGet(uint32(p)))
		}
		body = append(body, Call(indices[i]))
		m.Func("call_"+f.name, f.sig, body...)
	}
	m.Func("_start", Sig(nil))
	return m.Bytes()
}
