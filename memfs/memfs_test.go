package memfs

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wasmclang/wasmclang/internal/wasmtest"
	"github.com/wasmclang/wasmclang/memory"
	"github.com/wasmclang/wasmclang/runtime"
)

type harness struct {
	rt     runtime.Runtime
	fs     *Service
	out    *strings.Builder
	logs   *observer.ObservedLogs
	caller *memory.Accessor
}

func newHarness(t *testing.T, opts wasmtest.MemfsOptions) *harness {
	t.Helper()
	ctx := context.Background()
	rt := wasmtest.NewRuntime(t, runtime.Config{})
	core, logs := observer.New(zapcore.DebugLevel)
	out := &strings.Builder{}

	fs, err := New(ctx, rt, wasmtest.Compile(t, rt, wasmtest.Memfs(opts)), Config{
		Output: func(s string) { out.WriteString(s) },
		Logger: zap.New(core),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close(ctx) })

	caller := wasmtest.Instantiate(t, rt, "caller", wasmtest.Empty())
	return &harness{rt: rt, fs: fs, out: out, logs: logs, caller: memory.New(caller.Memory())}
}

// iovec stores a single iovec at 0 describing n bytes at buf.
func (h *harness) iovec(t *testing.T, buf, n uint32) {
	t.Helper()
	require.NoError(t, h.caller.Write32(0, buf))
	require.NoError(t, h.caller.Write32(4, n))
}

func TestNewValidatesModule(t *testing.T) {
	ctx := context.Background()
	rt := wasmtest.NewRuntime(t, runtime.Config{})

	t.Run("missing export", func(t *testing.T) {
		_, err := New(ctx, rt, wasmtest.Compile(t, rt, wasmtest.Memfs(wasmtest.MemfsOptions{SkipExports: []string{"FindNode"}})), Config{})
		assert.ErrorIs(t, err, ErrMissingExport)
		assert.ErrorContains(t, err, "FindNode")
	})

	t.Run("foreign import", func(t *testing.T) {
		_, err := New(ctx, rt, wasmtest.Compile(t, rt, wasmtest.Importing("env", "fopen")), Config{})
		assert.ErrorIs(t, err, ErrUnsupportedImport)
	})

	t.Run("missing init is tolerated", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		fs, err := New(ctx, rt, wasmtest.Compile(t, rt, wasmtest.Memfs(wasmtest.MemfsOptions{SkipExports: []string{"init"}})), Config{Logger: zap.New(core)})
		require.NoError(t, err)
		require.NoError(t, fs.Close(ctx))
		assert.Equal(t, 1, logs.FilterMessage("memfs module does not export init").Len())
	})
}

func TestAddFile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, wasmtest.MemfsOptions{NewInode: 3})

	require.NoError(t, h.fs.AddFile(ctx, "main.cc", []byte("int main() {}")))

	path, err := h.fs.Memory().ReadStr(wasmtest.PathBuf, len("main.cc"))
	require.NoError(t, err)
	assert.Equal(t, "main.cc", path)

	stored, err := h.fs.Memory().Bytes(wasmtest.NodeAddress(3), uint32(len("int main() {}")))
	require.NoError(t, err)
	assert.Equal(t, "int main() {}", string(stored))
}

func TestAddDirectory(t *testing.T) {
	h := newHarness(t, wasmtest.MemfsOptions{})
	require.NoError(t, h.fs.AddDirectory(context.Background(), "include/c++"))
	path, err := h.fs.Memory().ReadStr(wasmtest.PathBuf, len("include/c++"))
	require.NoError(t, err)
	assert.Equal(t, "include/c++", path)
}

func TestGetFileContents(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		h := newHarness(t, wasmtest.MemfsOptions{
			FoundInode: 1,
			FileSize:   5,
			Files:      map[int32][]byte{1: []byte("hello world")},
		})
		got, err := h.fs.GetFileContents(ctx, "main.wasm")
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got))

		got[0] = 'J'
		again, err := h.fs.GetFileContents(ctx, "main.wasm")
		require.NoError(t, err)
		assert.Equal(t, "hello", string(again), "contents are a copy")
	})

	t.Run("not found", func(t *testing.T) {
		h := newHarness(t, wasmtest.MemfsOptions{})
		_, err := h.fs.GetFileContents(ctx, "missing.o")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorContains(t, err, "missing.o")
	})
}

func TestSyscallWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, wasmtest.MemfsOptions{})
	_, err := h.caller.WriteString(64, "hello\n")
	require.NoError(t, err)
	h.iovec(t, 64, 6)

	errno, err := h.fs.Syscall(ctx, h.caller, "fd_write", 1, 0, 1, 16)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), errno)
	assert.Equal(t, "hello\n", h.out.String())
	nwritten, err := h.caller.Read32(16)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), nwritten)

	h.out.Reset()
	text := "héllo, wörld ✓\n"
	_, err = h.caller.WriteString(64, text)
	require.NoError(t, err)
	h.iovec(t, 64, uint32(len(text)))
	errno, err = h.fs.Syscall(ctx, h.caller, "fd_write", 1, 0, 1, 16)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), errno)
	assert.Equal(t, text, h.out.String())
	nwritten, err = h.caller.Read32(16)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(text)), nwritten, "byte count, not rune count")
	assert.Equal(t, uint32(19), nwritten)

	errno, err = h.fs.Syscall(ctx, h.caller, "fd_write", 5, 0, 1, 16)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), errno, "EBADF for descriptors past stderr")
}

func TestSyscallWriteOutOfBounds(t *testing.T) {
	h := newHarness(t, wasmtest.MemfsOptions{})
	h.iovec(t, 0xfff0, 0x100)

	errno, err := h.fs.Syscall(context.Background(), h.caller, "fd_write", 2, 0, 1, 16)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), errno)
	assert.True(t, strings.HasPrefix(h.out.String(), "Error during host_write: "))
	assert.Equal(t, 1, h.logs.FilterMessage("host_write failed").Len())
}

func TestSyscallRead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, wasmtest.MemfsOptions{})
	h.fs.SetStdin("abc")
	h.iovec(t, 64, 2)

	read := func() string {
		errno, err := h.fs.Syscall(ctx, h.caller, "fd_read", 0, 0, 1, 16)
		require.NoError(t, err)
		require.Equal(t, uint32(0), errno)
		n, err := h.caller.Read32(16)
		require.NoError(t, err)
		b, err := h.caller.Bytes(64, n)
		require.NoError(t, err)
		return string(b)
	}
	assert.Equal(t, "ab", read())
	assert.Equal(t, "c", read())
	assert.Equal(t, "", read())

	h.fs.SetStdin("xy")
	assert.Equal(t, "xy", read(), "SetStdin rewinds")

	errno, err := h.fs.Syscall(ctx, h.caller, "fd_read", 1, 0, 1, 16)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), errno)
}

func TestSyscallUnknown(t *testing.T) {
	h := newHarness(t, wasmtest.MemfsOptions{})
	_, err := h.fs.Syscall(context.Background(), h.caller, "sock_accept")
	assert.ErrorIs(t, err, ErrUnknownSyscall)
}

func TestHostWriteWithoutCaller(t *testing.T) {
	h := newHarness(t, wasmtest.MemfsOptions{})
	errno, err := h.fs.call(context.Background(), "fd_write", 1, 0, 1, 16)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), errno)
	assert.Empty(t, h.out.String())
	assert.Equal(t, 1, h.logs.FilterMessage("host_write outside a process syscall").Len())
}

func TestAbortTraps(t *testing.T) {
	h := newHarness(t, wasmtest.MemfsOptions{})
	_, err := h.fs.call(context.Background(), "trigger_abort")
	assert.ErrorIs(t, err, ErrAbort)
	assert.ErrorIs(t, err, runtime.ErrTrap)
}

func TestCopyInOut(t *testing.T) {
	h := newHarness(t, wasmtest.MemfsOptions{})
	ctx := WithCaller(context.Background(), h.caller)

	_, err := h.caller.WriteString(100, "payload")
	require.NoError(t, err)
	_, err = h.fs.call(ctx, "trigger_copy_in", 5000, 100, 7)
	require.NoError(t, err)
	inFs, err := h.fs.Memory().Bytes(5000, 7)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(inFs))

	_, err = h.fs.call(ctx, "trigger_copy_out", 200, 5000, 7)
	require.NoError(t, err)
	back, err := h.caller.Bytes(200, 7)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(back))

	_, err = h.fs.call(ctx, "trigger_copy_out", 0xfffe, 5000, 7)
	assert.ErrorIs(t, err, memory.ErrOutOfBounds)
	assert.ErrorIs(t, err, runtime.ErrTrap)
}

func TestMemfsLog(t *testing.T) {
	h := newHarness(t, wasmtest.MemfsOptions{})
	_, err := h.fs.Memory().WriteString(3000, "node added")
	require.NoError(t, err)
	_, err = h.fs.call(context.Background(), "trigger_log", 3000, 10)
	require.NoError(t, err)

	entries := h.logs.FilterMessage("memfs").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "node added", entries[0].ContextMap()["message"])
}
