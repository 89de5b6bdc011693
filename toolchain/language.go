package toolchain

import (
	"fmt"
	"path"
	"strings"
)

// Language selects the source language of a compile.
type Language string

const (
	C   Language = "c"
	CXX Language = "c++"
)

type languageSpec struct {
	// mainFile is the source name used by CompileLinkRun.
	mainFile string
	// defaultInput is the source name when CompileOptions.Input is empty.
	defaultInput string
	// cxxIncludes adds the C++ standard library headers.
	cxxIncludes bool
	// libs are linked after the object file.
	libs []string
	// tag is appended to progress lines.
	tag string
}

var languages = map[Language]languageSpec{
	C: {
		mainFile:     "main.c",
		defaultInput: "input.c",
		libs:         []string{"-lc"},
		tag:          " (C)",
	},
	CXX: {
		mainFile:     "main.cc",
		defaultInput: "input.cpp",
		cxxIncludes:  true,
		libs:         []string{"-lc", "-lc++", "-lc++abi"},
	},
}

func (l Language) spec() (languageSpec, error) {
	s, ok := languages[l]
	if !ok {
		return languageSpec{}, fmt.Errorf("toolchain: unsupported language %q", string(l))
	}
	return s, nil
}

// ParseLanguage accepts c, c++, cpp, cxx and cc.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(s) {
	case "c":
		return C, nil
	case "c++", "cpp", "cxx", "cc":
		return CXX, nil
	}
	return "", fmt.Errorf("toolchain: unsupported language %q", s)
}

// LanguageFromFilename infers the language from a source file extension.
func LanguageFromFilename(name string) (Language, bool) {
	switch path.Ext(name) {
	case ".c":
		return C, true
	case ".cc", ".cpp", ".cxx", ".C", ".c++":
		return CXX, true
	}
	return "", false
}

// compileArgs builds the clang -cc1 command line.
func compileArgs(cfg *Config, lang Language, spec languageSpec, opts CompileOptions) []string {
	args := []string{
		"clang", "-cc1", "-emit-obj",
		"-target", "wasm32-wasi",
		"-disable-free",
		"-isysroot", "/",
	}
	if spec.cxxIncludes {
		args = append(args, "-internal-isystem", "/include/c++/v1")
	}
	return append(args,
		"-internal-isystem", "/include",
		"-internal-isystem", cfg.ClangInclude,
		"-ferror-limit", "19",
		"-fmessage-length", "80",
		"-fvisibility=hidden",
		"-mthread-model", "single",
		"-O"+opts.Opt,
		"-o", opts.Obj,
		"-x", string(lang), opts.Input,
	)
}

// linkArgs builds the wasm-ld command line.
func linkArgs(cfg *Config, spec languageSpec, obj, wasm string) []string {
	args := []string{
		"wasm-ld",
		"--no-threads",
		"--export-dynamic",
		"--allow-undefined",
		"-z", fmt.Sprintf("stack-size=%d", cfg.StackSize),
		"-L/lib/wasm32-wasi",
		"/lib/wasm32-wasi/crt1.o",
		obj,
	}
	args = append(args, spec.libs...)
	return append(args, "-o", wasm)
}
