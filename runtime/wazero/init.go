package wazero

import (
	"github.com/wasmclang/wasmclang/runtime"
)

func init() {
	runtime.Register(runtime.RuntimeTypeWazero, newWazeroRuntime)
}
