package toolchain

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmclang/wasmclang/assets"
	"github.com/wasmclang/wasmclang/internal/wasmtest"
	"github.com/wasmclang/wasmclang/process"
	"github.com/wasmclang/wasmclang/runtime"
)

// stubLoader serves artifacts from memory and counts the requests.
type stubLoader struct {
	mu       sync.Mutex
	files    map[string][]byte
	requests map[string]int
	// onRequest runs before each fetch.
	onRequest func(name string)
}

func (l *stubLoader) ReadBuffer(ctx context.Context, name string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests[name]++
	if l.onRequest != nil {
		l.onRequest(name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, ok := l.files[name]
	if !ok {
		return nil, assets.ErrFetch
	}
	return b, nil
}

func (l *stubLoader) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests[name]
}

func sysroot(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "include/", Typeflag: tar.TypeDir, Mode: 0o755}))
	body := []byte("int printf(const char *, ...);\n")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "include/stdio.h", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

type fixture struct {
	o      *Orchestrator
	loader *stubLoader
	out    *strings.Builder
}

// newFixture wires an Orchestrator to stub artifacts. The stub filesystem
// answers every lookup with user, so main.wasm links to that program.
func newFixture(t *testing.T, user []byte, mutate func(*Config, map[string][]byte), opts ...Option) *fixture {
	t.Helper()
	files := map[string][]byte{
		"memfs.wasm": wasmtest.Memfs(wasmtest.MemfsOptions{
			FoundInode: 1,
			FileSize:   int32(len(user)),
			Files:      map[int32][]byte{1: user},
		}),
		"clang.wasm":  wasmtest.Empty(),
		"lld.wasm":    wasmtest.Empty(),
		"sysroot.tar": sysroot(t),
	}
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(cfg, files)
	}
	loader := &stubLoader{files: files, requests: map[string]int{}}
	out := &strings.Builder{}
	o, err := New(cfg, loader, func(s string) { out.WriteString(s) }, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close(context.Background()) })
	return &fixture{o: o, loader: loader, out: out}
}

// assertOrder checks that each part appears in s after the previous one.
func assertOrder(t *testing.T, s string, parts ...string) {
	t.Helper()
	pos := 0
	for _, part := range parts {
		i := strings.Index(s[pos:], part)
		if !assert.GreaterOrEqual(t, i, 0, "missing %q after offset %d in:\n%s", part, pos, s) {
			return
		}
		pos += i + len(part)
	}
}

func TestCompileLinkRun(t *testing.T) {
	f := newFixture(t, wasmtest.Hello(1, "hello, world\n"), nil)

	p, err := f.o.CompileLinkRun(context.Background(), []byte("int main() { return 0; }"), C)
	require.NoError(t, err)
	assert.Nil(t, p)

	assertOrder(t, f.out.String(),
		"> Compiling main.c (C) with args: -cc1 -emit-obj",
		"-o main.o -x c main.c\n",
		"> Running clang...\n",
		"> clang finished.\n",
		"> Linking main.o (C) with args: --no-threads",
		"> Running wasm-ld...\n",
		"> wasm-ld finished.\n",
		"> --- Running User Code (C) ---\n",
		"> Running main.wasm...\n",
		"hello, world\n",
		"> main.wasm finished.\n",
		"> --- User Code Finished (C) ---\n",
	)
	assert.NotContains(t, f.out.String(), " done in ")
}

func TestCompileLinkRunCachesModules(t *testing.T) {
	// The user program has the same bytes as clang and lld, so the engine
	// shares their compiled code.
	f := newFixture(t, wasmtest.Empty(), nil)
	ctx := context.Background()

	for range 3 {
		_, err := f.o.CompileLinkRun(ctx, []byte("int main() {}"), CXX)
		require.NoError(t, err)
	}
	for _, name := range []string{"memfs.wasm", "sysroot.tar", "clang.wasm", "lld.wasm"} {
		assert.Equal(t, 1, f.loader.count(name), name)
	}
	assert.Contains(t, f.out.String(), "> --- Running User Code ---\n")
}

func TestCompileFailureStopsPipeline(t *testing.T) {
	f := newFixture(t, wasmtest.Empty(), func(_ *Config, files map[string][]byte) {
		files["clang.wasm"] = wasmtest.Exit(1)
	})

	_, err := f.o.CompileLinkRun(context.Background(), []byte("int main() {"), CXX)
	require.ErrorIs(t, err, ErrStageFailed)
	assert.Contains(t, f.out.String(), "Process exited with code 1\n")
	assert.Contains(t, f.out.String(), "> clang finished.\n")
	assert.NotContains(t, f.out.String(), "Linking")
	assert.Zero(t, f.loader.count("lld.wasm"))
}

func TestUserTrap(t *testing.T) {
	f := newFixture(t, wasmtest.Trap(), nil)

	_, err := f.o.CompileLinkRun(context.Background(), []byte("int main() { __builtin_trap(); }"), CXX)
	require.ErrorIs(t, err, runtime.ErrTrap)
	assertOrder(t, f.out.String(),
		"> Running main.wasm...\n",
		"WebAssembly unreachable code executed.\n",
		"> main.wasm failed.\n",
	)
	assert.NotContains(t, f.out.String(), "User Code Finished")
}

func TestUserExitCode(t *testing.T) {
	f := newFixture(t, wasmtest.Exit(7), nil)

	p, err := f.o.CompileLinkRun(context.Background(), []byte("int main() { return 7; }"), CXX)
	require.NoError(t, err)
	assert.Nil(t, p)
	assertOrder(t, f.out.String(),
		"Process exited with code 7\n",
		"> main.wasm finished.\n",
		"> --- User Code Finished ---\n",
	)
}

func TestUserContinue(t *testing.T) {
	f := newFixture(t, wasmtest.Exit(int32(process.ContinueExitCode)), nil)
	ctx := context.Background()

	p, err := f.o.CompileLinkRun(ctx, []byte("int main() {}"), CXX)
	require.NoError(t, err)
	require.NotNil(t, p)
	t.Cleanup(func() { _ = p.Close(ctx) })

	_, err = p.Call(ctx, "frame")
	assert.NoError(t, err)
}

func TestContinuedProcessSharingCachedCode(t *testing.T) {
	bin := wasmtest.Exit(int32(process.ContinueExitCode))
	f := newFixture(t, bin, func(_ *Config, files map[string][]byte) {
		files["clang.wasm"] = bin
	})
	ctx := context.Background()

	for range 2 {
		p, err := f.o.CompileLinkRun(ctx, []byte("int main() {}"), CXX)
		require.NoError(t, err)
		require.NotNil(t, p)
		_, err = p.Call(ctx, "frame")
		require.NoError(t, err)
		require.NoError(t, p.Close(ctx))
	}
	assert.Equal(t, 1, f.loader.count("clang.wasm"))
}

func TestRunTimeout(t *testing.T) {
	f := newFixture(t, wasmtest.Spin(), func(cfg *Config, _ map[string][]byte) {
		cfg.RunTimeout = 50 * time.Millisecond
	})

	_, err := f.o.CompileLinkRun(context.Background(), []byte("int main() { for (;;); }"), CXX)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, f.out.String(), "> main.wasm failed.\n")
}

func TestInitializationFailureIsMemoized(t *testing.T) {
	f := newFixture(t, wasmtest.Empty(), func(_ *Config, files map[string][]byte) {
		delete(files, "memfs.wasm")
	})
	ctx := context.Background()

	err := f.o.Compile(ctx, []byte("int x;"), CompileOptions{})
	require.ErrorIs(t, err, assets.ErrFetch)
	assert.Contains(t, f.out.String(), "Error: Failed to load Wasm module memfs.wasm. Check network and logs.\n")
	assert.Contains(t, f.out.String(), "Error: API Initialization failed. Check logs.\n")

	err2 := f.o.Link(ctx, "a.o", "a.wasm", C)
	assert.Same(t, err, err2)
	assert.Equal(t, 1, f.loader.count("memfs.wasm"))
}

func TestInitializationRetriesAfterCancel(t *testing.T) {
	f := newFixture(t, wasmtest.Empty(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	f.loader.onRequest = func(name string) {
		if name == "memfs.wasm" {
			cancel()
		}
	}
	err := f.o.Compile(ctx, []byte("int x;"), CompileOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, f.out.String(), "API Initialization failed")

	f.loader.onRequest = nil
	require.NoError(t, f.o.Compile(context.Background(), []byte("int x;"), CompileOptions{}))
	assert.Equal(t, 2, f.loader.count("memfs.wasm"))
	assert.Equal(t, 1, f.loader.count("sysroot.tar"))
}

func TestInvalidFilesystemModule(t *testing.T) {
	f := newFixture(t, wasmtest.Empty(), func(_ *Config, files map[string][]byte) {
		files["memfs.wasm"] = wasmtest.Empty()
	})

	err := f.o.Compile(context.Background(), []byte("int x;"), CompileOptions{})
	require.Error(t, err)
	assert.Contains(t, f.out.String(), "Error: Failed to initialize virtual filesystem (memfs.wasm).\n")
}

func TestCompileDefaults(t *testing.T) {
	f := newFixture(t, wasmtest.Empty(), nil)
	ctx := context.Background()

	assert.ErrorIs(t, f.o.Compile(ctx, nil, CompileOptions{}), ErrNoContents)

	require.NoError(t, f.o.Compile(ctx, []byte("int x;"), CompileOptions{}))
	assert.Contains(t, f.out.String(), "> Compiling input.cpp with args: ")
	assert.Contains(t, f.out.String(), " -O2 -o output.o -x c++ input.cpp\n")

	require.NoError(t, f.o.Compile(ctx, []byte("int x;"), CompileOptions{Language: C, Opt: "z"}))
	assert.Contains(t, f.out.String(), " -Oz -o output.o -x c input.c\n")
}

func TestTimingLines(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(1700000000, 0))
	f := newFixture(t, wasmtest.Empty(), func(cfg *Config, _ map[string][]byte) {
		cfg.ShowTiming = true
	}, WithClock(clk))

	_, err := f.o.CompileLinkRun(context.Background(), []byte("int main() {}"), C)
	require.NoError(t, err)
	assertOrder(t, f.out.String(),
		"> Fetching/Compiling memfs.wasm...\n",
		"> Fetching/Compiling memfs.wasm done in 0.00s\n",
		"> Untarring sysroot.tar done in 0.00s\n",
		"> Fetching/Compiling clang.wasm done in 0.00s\n",
		"> Compiling main.c (C)...\n",
		"> Compiling main.c (C) done in 0.00s\n",
		"> Linking main.o (C) done in 0.00s\n",
		"> Compiling final Wasm main.wasm done in 0.00s\n",
		"> Executing main.wasm done in 0.00s\n",
	)
}

func TestTimingFailure(t *testing.T) {
	f := newFixture(t, wasmtest.Empty(), func(cfg *Config, files map[string][]byte) {
		cfg.ShowTiming = true
		files["lld.wasm"] = wasmtest.Exit(2)
	})

	_, err := f.o.CompileLinkRun(context.Background(), []byte("int main() {}"), C)
	require.ErrorIs(t, err, ErrStageFailed)
	assert.Contains(t, f.out.String(), "> Linking main.o (C) FAILED in ")
}

func TestReadFile(t *testing.T) {
	user := wasmtest.Empty()
	f := newFixture(t, user, nil)

	got, err := f.o.ReadFile(context.Background(), "output.o")
	require.NoError(t, err)
	assert.Equal(t, user, got)
}

func TestClose(t *testing.T) {
	f := newFixture(t, wasmtest.Empty(), nil)
	ctx := context.Background()

	require.NoError(t, f.o.Compile(ctx, []byte("int x;"), CompileOptions{}))
	require.NoError(t, f.o.Close(ctx))
	require.NoError(t, f.o.Close(ctx))

	err := f.o.Compile(ctx, []byte("int x;"), CompileOptions{})
	assert.True(t, errors.Is(err, ErrClosed))
}
