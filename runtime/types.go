package runtime

// ValueType represents WASM value types
type ValueType int

const (
	ValueTypeI32 ValueType = iota
	ValueTypeI64
	ValueTypeF32
	ValueTypeF64
)

func (v ValueType) String() string {
	switch v {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	default:
		return "unknown"
	}
}

// Signature shorthands used by host module tables.
var (
	I32   = []ValueType{ValueTypeI32}
	I32x2 = []ValueType{ValueTypeI32, ValueTypeI32}
	I32x3 = []ValueType{ValueTypeI32, ValueTypeI32, ValueTypeI32}
	I32x4 = []ValueType{ValueTypeI32, ValueTypeI32, ValueTypeI32, ValueTypeI32}
	None  = []ValueType{}
)
