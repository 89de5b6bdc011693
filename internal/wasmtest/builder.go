// Package wasmtest assembles small WebAssembly binaries for tests.
//
// Only the handful of sections and instructions the tests need are
// supported: imported and defined functions, one exported memory, exports
// and active data segments.
package wasmtest

const (
	I32 byte = 0x7f
	I64 byte = 0x7e
)

// FuncType is a function signature.
type FuncType struct {
	Params  []byte
	Results []byte
}

// Sig builds a FuncType.
func Sig(params []byte, results ...byte) FuncType {
	return FuncType{Params: params, Results: results}
}

// Params is a readability helper for Sig.
func Params(types ...byte) []byte { return types }

type importDef struct {
	module, name string
	typeIndex    uint32
}

type funcDef struct {
	export    string
	typeIndex uint32
	locals    []byte
	body      []byte
}

type dataDef struct {
	offset uint32
	bytes  []byte
}

// Module accumulates the pieces of a binary module.
type Module struct {
	types    []FuncType
	imports  []importDef
	funcs    []funcDef
	memPages uint32
	memory   bool
	data     []dataDef
}

// New returns an empty module.
func New() *Module {
	return &Module{}
}

func (m *Module) typeIndex(ft FuncType) uint32 {
	for i, t := range m.types {
		if string(t.Params) == string(ft.Params) && string(t.Results) == string(ft.Results) {
			return uint32(i)
		}
	}
	m.types = append(m.types, ft)
	return uint32(len(m.types) - 1)
}

// Import declares an imported function and returns its function index.
// All imports must be declared before the first Func.
func (m *Module) Import(module, name string, ft FuncType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmtest: imports must be declared before functions")
	}
	m.imports = append(m.imports, importDef{module: module, name: name, typeIndex: m.typeIndex(ft)})
	return uint32(len(m.imports) - 1)
}

// Func defines a function. A non-empty export name exports it. The body is
// the concatenation of instructions without the trailing end opcode.
func (m *Module) Func(export string, ft FuncType, body ...[]byte) uint32 {
	return m.FuncWithLocals(export, ft, nil, body...)
}

// FuncWithLocals is Func with one declared local per entry in locals.
func (m *Module) FuncWithLocals(export string, ft FuncType, locals []byte, body ...[]byte) uint32 {
	var code []byte
	for _, b := range body {
		code = append(code, b...)
	}
	m.funcs = append(m.funcs, funcDef{export: export, typeIndex: m.typeIndex(ft), locals: locals, body: code})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Memory defines a memory of the given size exported as "memory".
func (m *Module) Memory(pages uint32) *Module {
	m.memory = true
	m.memPages = pages
	return m
}

// Data places bytes at offset in memory 0.
func (m *Module) Data(offset uint32, b []byte) *Module {
	m.data = append(m.data, dataDef{offset: offset, bytes: append([]byte(nil), b...)})
	return m
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	out := []byte{
		0x00, 0x61, 0x73, 0x6d, // magic
		0x01, 0x00, 0x00, 0x00, // version
	}
	section := func(id byte, payload []byte) {
		out = append(out, id)
		out = append(out, ULEB128(uint32(len(payload)))...)
		out = append(out, payload...)
	}

	if len(m.types) > 0 {
		p := ULEB128(uint32(len(m.types)))
		for _, t := range m.types {
			p = append(p, 0x60)
			p = append(p, ULEB128(uint32(len(t.Params)))...)
			p = append(p, t.Params...)
			p = append(p, ULEB128(uint32(len(t.Results)))...)
			p = append(p, t.Results...)
		}
		section(0x01, p)
	}

	if len(m.imports) > 0 {
		p := ULEB128(uint32(len(m.imports)))
		for _, imp := range m.imports {
			p = append(p, name(imp.module)...)
			p = append(p, name(imp.name)...)
			p = append(p, 0x00) // func
			p = append(p, ULEB128(imp.typeIndex)...)
		}
		section(0x02, p)
	}

	if len(m.funcs) > 0 {
		p := ULEB128(uint32(len(m.funcs)))
		for _, fn := range m.funcs {
			p = append(p, ULEB128(fn.typeIndex)...)
		}
		section(0x03, p)
	}

	if m.memory {
		p := []byte{0x01, 0x00}
		p = append(p, ULEB128(m.memPages)...)
		section(0x05, p)
	}

	var exports [][]byte
	if m.memory {
		e := name("memory")
		e = append(e, 0x02, 0x00)
		exports = append(exports, e)
	}
	for i, fn := range m.funcs {
		if fn.export == "" {
			continue
		}
		e := name(fn.export)
		e = append(e, 0x00)
		e = append(e, ULEB128(uint32(len(m.imports)+i))...)
		exports = append(exports, e)
	}
	if len(exports) > 0 {
		p := ULEB128(uint32(len(exports)))
		for _, e := range exports {
			p = append(p, e...)
		}
		section(0x07, p)
	}

	if len(m.funcs) > 0 {
		p := ULEB128(uint32(len(m.funcs)))
		for _, fn := range m.funcs {
			var body []byte
			if len(fn.locals) == 0 {
				body = append(body, 0x00)
			} else {
				body = append(body, ULEB128(uint32(len(fn.locals)))...)
				for _, l := range fn.locals {
					body = append(body, 0x01, l)
				}
			}
			body = append(body, fn.body...)
			body = append(body, 0x0b)
			p = append(p, ULEB128(uint32(len(body)))...)
			p = append(p, body...)
		}
		section(0x0a, p)
	}

	if len(m.data) > 0 {
		p := ULEB128(uint32(len(m.data)))
		for _, d := range m.data {
			p = append(p, 0x00) // active, memory 0
			p = append(p, I32Const(int32(d.offset))...)
			p = append(p, 0x0b)
			p = append(p, ULEB128(uint32(len(d.bytes)))...)
			p = append(p, d.bytes...)
		}
		section(0x0b, p)
	}

	return out
}

func name(s string) []byte {
	return append(ULEB128(uint32(len(s))), s...)
}

// ULEB128 encodes v as unsigned LEB128.
func ULEB128(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

// SLEB128 encodes v as signed LEB128.
func SLEB128(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}
