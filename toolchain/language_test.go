package toolchain

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLanguage(t *testing.T) {
	for in, want := range map[string]Language{"c": C, "C": C, "c++": CXX, "cpp": CXX, "cxx": CXX, "cc": CXX} {
		got, err := ParseLanguage(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLanguage("rust")
	assert.Error(t, err)
}

func TestLanguageFromFilename(t *testing.T) {
	lang, ok := LanguageFromFilename("hello.c")
	assert.True(t, ok)
	assert.Equal(t, C, lang)

	lang, ok = LanguageFromFilename("src/hello.cpp")
	assert.True(t, ok)
	assert.Equal(t, CXX, lang)

	_, ok = LanguageFromFilename("README")
	assert.False(t, ok)
}

func TestCompileArgs(t *testing.T) {
	cfg := DefaultConfig()
	opts := CompileOptions{Input: "main.cc", Obj: "main.o", Opt: "2"}

	spec, err := CXX.spec()
	require.NoError(t, err)
	want := []string{
		"clang", "-cc1", "-emit-obj",
		"-target", "wasm32-wasi",
		"-disable-free",
		"-isysroot", "/",
		"-internal-isystem", "/include/c++/v1",
		"-internal-isystem", "/include",
		"-internal-isystem", "/lib/clang/15.0.0/include",
		"-ferror-limit", "19",
		"-fmessage-length", "80",
		"-fvisibility=hidden",
		"-mthread-model", "single",
		"-O2",
		"-o", "main.o",
		"-x", "c++", "main.cc",
	}
	if diff := cmp.Diff(want, compileArgs(cfg, CXX, spec, opts)); diff != "" {
		t.Errorf("c++ args mismatch (-want +got):\n%s", diff)
	}

	spec, err = C.spec()
	require.NoError(t, err)
	opts = CompileOptions{Input: "main.c", Obj: "main.o", Opt: "0"}
	got := compileArgs(cfg, C, spec, opts)
	assert.NotContains(t, got, "/include/c++/v1")
	assert.Contains(t, got, "-O0")
	assert.Equal(t, []string{"-x", "c", "main.c"}, got[len(got)-3:])
}

func TestLinkArgs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StackSize = 65536

	spec, err := C.spec()
	require.NoError(t, err)
	want := []string{
		"wasm-ld", "--no-threads", "--export-dynamic", "--allow-undefined",
		"-z", "stack-size=65536",
		"-L/lib/wasm32-wasi", "/lib/wasm32-wasi/crt1.o",
		"main.o", "-lc",
		"-o", "main.wasm",
	}
	if diff := cmp.Diff(want, linkArgs(cfg, spec, "main.o", "main.wasm")); diff != "" {
		t.Errorf("c link args mismatch (-want +got):\n%s", diff)
	}

	spec, err = CXX.spec()
	require.NoError(t, err)
	got := linkArgs(cfg, spec, "main.o", "main.wasm")
	assert.Equal(t, []string{"main.o", "-lc", "-lc++", "-lc++abi", "-o", "main.wasm"}, got[8:])
}
