package wasmtest

// Instruction encoders. Each returns the bytes of a single instruction.

func Unreachable() []byte { return []byte{0x00} }

func Drop() []byte { return []byte{0x1a} }

func Return() []byte { return []byte{0x0f} }

func I32Const(v int32) []byte {
	return append([]byte{0x41}, SLEB128(int64(v))...)
}

func I64Const(v int64) []byte {
	return append([]byte{0x42}, SLEB128(v)...)
}

func Call(funcIndex uint32) []byte {
	return append([]byte{0x10}, ULEB128(funcIndex)...)
}

func LocalGet(index uint32) []byte {
	return append([]byte{0x20}, ULEB128(index)...)
}

func I32Shl() []byte { return []byte{0x74} }

func I32Add() []byte { return []byte{0x6a} }

// I32Store stores the i32 on top of the stack at the address below it.
func I32Store(offset uint32) []byte {
	return append([]byte{0x36, 0x02}, ULEB128(offset)...)
}

// MemoryGrow grows memory 0 by the page count on the stack.
func MemoryGrow() []byte { return []byte{0x40, 0x00} }

// Loop opens a loop block with an empty block type.
func Loop() []byte { return []byte{0x03, 0x40} }

// Br branches to the enclosing block at depth.
func Br(depth uint32) []byte {
	return append([]byte{0x0c}, ULEB128(depth)...)
}

// End closes a block.
func End() []byte { return []byte{0x0b} }
