// Package runtime provides an abstraction layer for WebAssembly runtime engines.
package runtime

import "context"

// Runtime represents a Wasm runtime engine
type Runtime interface {
	// Compile compiles the given Wasm binary into a CompiledModule.
	// Binaries that do not export linear memory are rejected.
	Compile(ctx context.Context, binary []byte) (CompiledModule, error)
	// Instantiate creates a module instance from a compiled module. No start
	// function is run; initializers are the caller's responsibility.
	Instantiate(ctx context.Context, module CompiledModule, cfg ModuleConfig) (ModuleInstance, error)
	// InstantiateHostModule makes host functions available to modules
	// instantiated afterwards.
	InstantiateHostModule(ctx context.Context, hostModule HostModule) (Closer, error)
	// Close closes the runtime and releases all resources
	Close(ctx context.Context) error
}

// Closer releases resources bound to a runtime.
type Closer interface {
	Close(ctx context.Context) error
}

// ModuleConfig configures a single instantiation.
type ModuleConfig struct {
	// Name must be unique among the live instances of a runtime. An empty
	// name is allowed for instances nobody imports from.
	Name string
}

// CompiledModule represents a compiled Wasm module, ready for instantiation
type CompiledModule interface {
	// ImportedFunctions lists the functions the module imports.
	ImportedFunctions() []Import
	// ExportedFunctions lists the names of the exported functions.
	ExportedFunctions() []string
	// Close releases the resources associated with the compiled module
	Close(ctx context.Context) error
}

// Import names one imported function.
type Import struct {
	Module string
	Name   string
}

func (i Import) String() string {
	return i.Module + "." + i.Name
}

// ModuleInstance represents an instantiated Wasm module
type ModuleInstance interface {
	// Name returns the instance name given at instantiation.
	Name() string
	// Function returns a handle to an exported function
	// Returns nil if the function is not found
	Function(name string) FunctionInstance
	// Memory returns the memory instance of the module
	// Returns nil if the module does not export memory
	Memory() Memory
	// Close closes the instance and releases its resources
	Close(ctx context.Context) error
	// CloseWithExitCode closes the instance and records code as the exit
	// code seen by later calls.
	CloseWithExitCode(ctx context.Context, code uint32) error
}

// FunctionInstance represents an exported function from a Wasm module
type FunctionInstance interface {
	// Call executes the function with the given parameters.
	//
	// A guest exit is reported as *ExitError, a cancelled context as an
	// error wrapping ctx.Err(), and any other failure as an error wrapping
	// ErrTrap.
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// Memory represents the linear memory of a Wasm module instance
type Memory interface {
	// Size returns the current size in bytes.
	Size() uint32
	// Read returns a view of 'size' bytes from the memory at 'offset'.
	// The view is invalidated when the memory grows.
	Read(offset uint32, size uint32) ([]byte, bool)
	// Write writes 'data' to the memory at 'offset'
	Write(offset uint32, data []byte) bool
}
