package memfs

import (
	"context"
	"fmt"

	"github.com/stealthrocket/wasi-go"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wasmclang/wasmclang/memory"
	"github.com/wasmclang/wasmclang/runtime"
)

// callerKey is the key used to store the calling process's memory in the context
type callerKey struct{}

// WithCaller returns a context carrying the memory of the process on whose
// behalf the filesystem runs.
func WithCaller(ctx context.Context, caller *memory.Accessor) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// callerFromContext retrieves the caller memory, or nil outside a syscall.
func callerFromContext(ctx context.Context) *memory.Accessor {
	caller, _ := ctx.Value(callerKey{}).(*memory.Accessor)
	return caller
}

func (s *Service) hostModule() *runtime.HostModule {
	return runtime.NewHostModule(HostModuleName).
		AddWazeroFunction("abort", runtime.None, runtime.None, s.abort).
		AddWazeroFunction("host_write", runtime.I32x4, runtime.I32, s.hostWrite).
		AddWazeroFunction("host_read", runtime.I32x4, runtime.I32, s.hostRead).
		AddWazeroFunction("memfs_log", runtime.I32x2, runtime.None, s.memfsLog).
		AddWazeroFunction("copy_in", runtime.I32x3, runtime.None, s.copyIn).
		AddWazeroFunction("copy_out", runtime.I32x3, runtime.None, s.copyOut)
}

func (s *Service) abort(_ context.Context, _ api.Module, _ []uint64) {
	panic(ErrAbort)
}

// readIovecs walks iovs_len (buf, len) pairs starting at iovs.
func readIovecs(mem *memory.Accessor, iovs, iovsLen uint32, fn func(buf, n uint32) (bool, error)) error {
	for i := uint32(0); i < iovsLen; i++ {
		buf, err := mem.Read32(iovs)
		if err != nil {
			return err
		}
		n, err := mem.Read32(iovs + 4)
		if err != nil {
			return err
		}
		iovs += 8
		more, err := fn(buf, n)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}

func (s *Service) hostWrite(ctx context.Context, _ api.Module, stack []uint64) {
	fd := uint32(stack[0])
	iovs := uint32(stack[1])
	iovsLen := uint32(stack[2])
	nwritten := uint32(stack[3])
	stack[0] = uint64(wasi.ESUCCESS)

	caller := callerFromContext(ctx)
	if caller == nil {
		s.logger.Error("host_write outside a process syscall")
		return
	}
	if fd > 2 {
		stack[0] = uint64(wasi.EBADF)
		return
	}

	var text []byte
	var size uint32
	err := readIovecs(caller, iovs, iovsLen, func(buf, n uint32) (bool, error) {
		chunk, err := caller.Bytes(buf, n)
		if err != nil {
			return false, err
		}
		text = append(text, chunk...)
		size += n
		return true, nil
	})
	if err == nil {
		err = caller.Write32(nwritten, size)
	}
	if err != nil {
		s.logger.Error("host_write failed", zap.Uint32("fd", fd), zap.Error(err))
		s.output(fmt.Sprintf("Error during host_write: %v\n", err))
		return
	}
	s.output(string(text))
}

func (s *Service) hostRead(ctx context.Context, _ api.Module, stack []uint64) {
	fd := uint32(stack[0])
	iovs := uint32(stack[1])
	iovsLen := uint32(stack[2])
	nread := uint32(stack[3])
	stack[0] = uint64(wasi.ESUCCESS)

	caller := callerFromContext(ctx)
	if caller == nil {
		s.logger.Error("host_read outside a process syscall")
		return
	}
	if fd != 0 {
		stack[0] = uint64(wasi.EBADF)
		return
	}

	var size uint32
	err := readIovecs(caller, iovs, iovsLen, func(buf, n uint32) (bool, error) {
		remaining := s.stdin[s.stdinPos:]
		if len(remaining) == 0 {
			return false, nil
		}
		chunk := remaining[:min(int(n), len(remaining))]
		if _, err := caller.Write(buf, chunk); err != nil {
			return false, err
		}
		s.stdinPos += len(chunk)
		size += uint32(len(chunk))
		return len(chunk) == int(n), nil
	})
	if err == nil {
		err = caller.Write32(nread, size)
	}
	if err != nil {
		s.logger.Error("host_read failed", zap.Error(err))
		s.output(fmt.Sprintf("Error during host_read: %v\n", err))
	}
}

func (s *Service) memfsLog(_ context.Context, _ api.Module, stack []uint64) {
	msg, err := s.mem.ReadStr(uint32(stack[0]), int(uint32(stack[1])))
	if err != nil {
		panic(err) // Bug: memfs passed a message outside its memory
	}
	s.logger.Debug("memfs", zap.String("message", msg))
}

// copyIn copies size bytes from the caller at src into memfs at dst.
func (s *Service) copyIn(ctx context.Context, _ api.Module, stack []uint64) {
	dst, src, size := uint32(stack[0]), uint32(stack[1]), uint32(stack[2])
	caller := callerFromContext(ctx)
	if caller == nil {
		return
	}
	if err := memory.Copy(s.mem, dst, caller, src, size); err != nil {
		panic(fmt.Errorf("memfs: copy_in: %w", err))
	}
}

// copyOut copies size bytes from memfs at src into the caller at dst.
func (s *Service) copyOut(ctx context.Context, _ api.Module, stack []uint64) {
	dst, src, size := uint32(stack[0]), uint32(stack[1]), uint32(stack[2])
	caller := callerFromContext(ctx)
	if caller == nil {
		return
	}
	if err := memory.Copy(caller, dst, s.mem, src, size); err != nil {
		panic(fmt.Errorf("memfs: copy_out: %w", err))
	}
}
