package runtime

import (
	"errors"
	"fmt"
)

// Common errors used across runtime implementations
var (
	ErrRuntimeNotFound         = errors.New("runtime not found")
	ErrModuleCompileFailed     = errors.New("module compilation failed")
	ErrModuleInstantiateFailed = errors.New("module instantiation failed")
	ErrFunctionNotExported     = errors.New("function not exported")
	ErrInvalidConfiguration    = errors.New("invalid configuration")
	ErrMemoryExportNotFound    = errors.New("memory export not found")
	ErrHostFunctionNotFound    = errors.New("host function not found")
	ErrTrap                    = errors.New("wasm trap")
)

// ExitError is returned by FunctionInstance.Call when the guest exits the
// process instead of returning.
type ExitError struct {
	Code uint32
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with code %d", e.Code)
}

// ExitCode extracts the exit code when err is an *ExitError.
func ExitCode(err error) (uint32, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}
