package wasmtest

// Errno values used by the stub filesystem module.
const (
	errnoSuccess = 0
	errnoBadf    = 8
	errnoNoent   = 44
)

// PathBuf is the address returned by the stub's GetPathBuf.
const PathBuf = 1024

// NodeAddress is the storage address the stub assigns to an inode.
func NodeAddress(inode int32) uint32 {
	return uint32(inode) << 16
}

// MemfsOptions shapes the answers of the stub filesystem module.
type MemfsOptions struct {
	// NewInode is returned by AddFileNode.
	NewInode int32
	// FoundInode is returned by FindNode; zero means "not found".
	FoundInode int32
	// FileSize is returned by GetFileNodeSize.
	FileSize int32
	// Files preloads node storage, keyed by inode.
	Files map[int32][]byte
	// SkipExports leaves the named exports out.
	SkipExports []string
}

// Memfs builds a stand-in for memfs.wasm. Node storage lives at
// NodeAddress(inode); fd_write and fd_read forward to the host_write and
// host_read imports the way the real module does for stdio.
func Memfs(opts MemfsOptions) []byte {
	if opts.NewInode == 0 {
		opts.NewInode = 2
	}
	skip := map[string]bool{}
	for _, name := range opts.SkipExports {
		skip[name] = true
	}
	export := func(name string) string {
		if skip[name] {
			return ""
		}
		return name
	}

	m := New().Memory(4)
	i32x2, i32x3, i32x4 := Params(I32, I32), Params(I32, I32, I32), Params(I32, I32, I32, I32)

	hostWrite := m.Import("env", "host_write", Sig(i32x4, I32))
	hostRead := m.Import("env", "host_read", Sig(i32x4, I32))
	copyIn := m.Import("env", "copy_in", Sig(i32x3))
	copyOut := m.Import("env", "copy_out", Sig(i32x3))
	memfsLog := m.Import("env", "memfs_log", Sig(i32x2))
	abort := m.Import("env", "abort", Sig(nil))

	m.Func(export("init"), Sig(nil))
	m.Func(export("GetPathBuf"), Sig(nil, I32), I32Const(PathBuf))
	m.Func(export("AddDirectoryNode"), Sig(Params(I32)))
	m.Func(export("AddFileNode"), Sig(i32x2, I32), I32Const(opts.NewInode))
	m.Func(export("GetFileNodeAddress"), Sig(Params(I32), I32), LocalGet(0), I32Const(16), I32Shl())
	m.Func(export("GetFileNodeSize"), Sig(Params(I32), I32), I32Const(opts.FileSize))
	m.Func(export("FindNode"), Sig(Params(I32), I32), I32Const(opts.FoundInode))

	m.Func(export("fd_write"), Sig(i32x4, I32), LocalGet(0), LocalGet(1), LocalGet(2), LocalGet(3), Call(hostWrite))
	m.Func(export("fd_read"), Sig(i32x4, I32), LocalGet(0), LocalGet(1), LocalGet(2), LocalGet(3), Call(hostRead))
	m.Func(export("fd_seek"), Sig(Params(I32, I64, I32, I32), I32), I32Const(errnoBadf))
	m.Func(export("fd_close"), Sig(Params(I32), I32), I32Const(errnoSuccess))
	m.Func(export("path_open"), Sig(Params(I32, I32, I32, I32, I32, I64, I64, I32, I32), I32), I32Const(errnoNoent))
	m.Func(export("fd_prestat_get"), Sig(i32x2, I32), I32Const(errnoBadf))
	m.Func(export("fd_prestat_dir_name"), Sig(i32x3, I32), I32Const(errnoBadf))
	m.Func(export("fd_fdstat_get"), Sig(i32x2, I32), I32Const(errnoSuccess))

	m.Func("trigger_abort", Sig(nil), Call(abort))
	m.Func("trigger_copy_in", Sig(i32x3), LocalGet(0), LocalGet(1), LocalGet(2), Call(copyIn))
	m.Func("trigger_copy_out", Sig(i32x3), LocalGet(0), LocalGet(1), LocalGet(2), Call(copyOut))
	m.Func("trigger_log", Sig(i32x2), LocalGet(0), LocalGet(1), Call(memfsLog))

	for inode, content := range opts.Files {
		m.Data(NodeAddress(inode), content)
	}
	return m.Bytes()
}
