package wazero

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wasmclang/wasmclang/runtime"
)

const (
	// guestExportMemory is the name of the memory export in the guest module
	guestExportMemory = "memory"
)

// wazeroRuntime implements runtime.Runtime using Wazero
type wazeroRuntime struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache
	config  runtime.Config
}

// wazeroCompiledModule implements runtime.CompiledModule for Wazero
type wazeroCompiledModule struct {
	module wazero.CompiledModule
}

// wazeroModuleInstance implements runtime.ModuleInstance for Wazero
type wazeroModuleInstance struct {
	instance api.Module
}

// wazeroFunctionInstance implements runtime.FunctionInstance for Wazero
type wazeroFunctionInstance struct {
	function api.Function
}

// wazeroMemory implements runtime.Memory for Wazero
type wazeroMemory struct {
	memory api.Memory
}

// Compile compiles the given Wasm binary into a CompiledModule
func (r *wazeroRuntime) Compile(ctx context.Context, binary []byte) (runtime.CompiledModule, error) {
	compiled, err := r.runtime.CompileModule(ctx, binary)
	if err != nil {
		return nil, fmt.Errorf("wazero compile error: %w: %w", runtime.ErrModuleCompileFailed, err)
	}

	if _, ok := compiled.ExportedMemories()[guestExportMemory]; !ok {
		_ = compiled.Close(ctx)
		return nil, fmt.Errorf("wasm: guest doesn't export memory[%s]: %w", guestExportMemory, runtime.ErrMemoryExportNotFound)
	}

	return &wazeroCompiledModule{module: compiled}, nil
}

// Instantiate creates a module instance without running any start function.
func (r *wazeroRuntime) Instantiate(ctx context.Context, module runtime.CompiledModule, cfg runtime.ModuleConfig) (runtime.ModuleInstance, error) {
	wazeroModule, ok := module.(*wazeroCompiledModule)
	if !ok {
		return nil, fmt.Errorf("invalid module type for wazero runtime: %w", runtime.ErrInvalidConfiguration)
	}

	config := wazero.NewModuleConfig().
		WithName(cfg.Name).
		WithStartFunctions() // entry points are driven by the caller

	instance, err := r.runtime.InstantiateModule(ctx, wazeroModule.module, config)
	if err != nil {
		return nil, fmt.Errorf("guest module instantiation failed: %w: %w", runtime.ErrModuleInstantiateFailed, err)
	}
	return &wazeroModuleInstance{instance: instance}, nil
}

// InstantiateHostModule creates and instantiates a host module with exported functions
func (r *wazeroRuntime) InstantiateHostModule(ctx context.Context, hostModule runtime.HostModule) (runtime.Closer, error) {
	builder := r.runtime.NewHostModuleBuilder(hostModule.Name)

	// Register all host functions
	for _, hostFunc := range hostModule.Functions {
		// Get wazero-specific implementation
		wazeroImpl := hostFunc.Function.GetImplementation(runtime.RuntimeTypeWazero)
		if wazeroImpl == nil {
			return nil, fmt.Errorf("no wazero implementation for host function %s: %w", hostFunc.FunctionName, runtime.ErrHostFunctionNotFound)
		}

		// Cast to the expected function signature
		wazeroFunc, ok := wazeroImpl.(func(context.Context, api.Module, []uint64))
		if !ok {
			return nil, fmt.Errorf("invalid wazero function signature for %s: %w", hostFunc.FunctionName, runtime.ErrHostFunctionNotFound)
		}

		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(wazeroFunc), convertValueTypes(hostFunc.ParamTypes), convertValueTypes(hostFunc.ResultTypes)).
			WithName(hostFunc.FunctionName).
			Export(hostFunc.FunctionName)
	}

	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("host module %s instantiation failed: %w", hostModule.Name, err)
	}
	return mod, nil
}

// Close closes the runtime and releases all resources
func (r *wazeroRuntime) Close(ctx context.Context) error {
	err := r.runtime.Close(ctx)
	if r.cache != nil {
		err = errors.Join(err, r.cache.Close(ctx))
	}
	return err
}

// ImportedFunctions lists the function imports of the module.
func (m *wazeroCompiledModule) ImportedFunctions() []runtime.Import {
	defs := m.module.ImportedFunctions()
	imports := make([]runtime.Import, 0, len(defs))
	for _, def := range defs {
		moduleName, name, ok := def.Import()
		if !ok {
			continue
		}
		imports = append(imports, runtime.Import{Module: moduleName, Name: name})
	}
	return imports
}

// ExportedFunctions lists the exported function names in sorted order.
func (m *wazeroCompiledModule) ExportedFunctions() []string {
	exports := m.module.ExportedFunctions()
	names := make([]string, 0, len(exports))
	for name := range exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases the resources associated with the compiled module
func (m *wazeroCompiledModule) Close(ctx context.Context) error {
	return m.module.Close(ctx)
}

// Name returns the instance name.
func (m *wazeroModuleInstance) Name() string {
	return m.instance.Name()
}

// Function returns a handle to an exported function
func (m *wazeroModuleInstance) Function(name string) runtime.FunctionInstance {
	fn := m.instance.ExportedFunction(name)
	if fn == nil {
		return nil
	}
	return &wazeroFunctionInstance{function: fn}
}

// Memory returns the memory instance of the module
func (m *wazeroModuleInstance) Memory() runtime.Memory {
	memory := m.instance.Memory()
	if memory == nil {
		return nil
	}
	return &wazeroMemory{memory: memory}
}

// Close closes the instance and releases its resources
func (m *wazeroModuleInstance) Close(ctx context.Context) error {
	return m.instance.Close(ctx)
}

// CloseWithExitCode closes the instance with the given exit code.
func (m *wazeroModuleInstance) CloseWithExitCode(ctx context.Context, code uint32) error {
	return m.instance.CloseWithExitCode(ctx, code)
}

// Call executes the function with the given parameters
func (f *wazeroFunctionInstance) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	results, err := f.function.Call(ctx, params...)
	if err != nil {
		return nil, classifyCallError(ctx, err)
	}
	return results, nil
}

// classifyCallError maps wazero failures onto the runtime error model.
func classifyCallError(ctx context.Context, err error) error {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return fmt.Errorf("wasm: %w", context.DeadlineExceeded)
		case sys.ExitCodeContextCanceled:
			return fmt.Errorf("wasm: %w", context.Canceled)
		}
		return &runtime.ExitError{Code: exitErr.ExitCode()}
	}

	// A host function may forward an exit observed in a nested call.
	var hostExit *runtime.ExitError
	if errors.As(err, &hostExit) {
		return hostExit
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("wasm: %w: %w", ctxErr, err)
	}
	return fmt.Errorf("%w: %w", runtime.ErrTrap, err)
}

// Size returns the memory size in bytes.
func (mem *wazeroMemory) Size() uint32 {
	return mem.memory.Size()
}

// Read reads 'size' bytes from the memory at 'offset'
func (mem *wazeroMemory) Read(offset uint32, size uint32) ([]byte, bool) {
	return mem.memory.Read(offset, size)
}

// Write writes 'data' to the memory at 'offset'
func (mem *wazeroMemory) Write(offset uint32, data []byte) bool {
	return mem.memory.Write(offset, data)
}

// convertValueTypes converts runtime.ValueType to api.ValueType
func convertValueTypes(types []runtime.ValueType) []api.ValueType {
	out := make([]api.ValueType, len(types))
	for i, vt := range types {
		out[i] = convertValueType(vt)
	}
	return out
}

// convertValueType converts runtime.ValueType to api.ValueType
func convertValueType(vt runtime.ValueType) api.ValueType {
	switch vt {
	case runtime.ValueTypeI32:
		return api.ValueTypeI32
	case runtime.ValueTypeI64:
		return api.ValueTypeI64
	case runtime.ValueTypeF32:
		return api.ValueTypeF32
	case runtime.ValueTypeF64:
		return api.ValueTypeF64
	default:
		return api.ValueTypeI32 // default fallback
	}
}
