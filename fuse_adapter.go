//go:build fuse

package embedfs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// fuseNode adapts one inode of a mounted Dispatcher to go-fuse/v2's
// InodeEmbedder interface. Only fuseNode.ino is ever consulted for I/O; go-fuse
// owns the path/inode-number bookkeeping via the embedded fs.Inode.
type fuseNode struct {
	fs.Inode

	d   *Dispatcher
	ino uint32
}

var (
	_ fs.NodeLookuper  = (*fuseNode)(nil)
	_ fs.NodeGetattrer = (*fuseNode)(nil)
	_ fs.NodeSetattrer = (*fuseNode)(nil)
	_ fs.NodeReaddirer = (*fuseNode)(nil)
	_ fs.NodeOpener    = (*fuseNode)(nil)
	_ fs.NodeReader    = (*fuseNode)(nil)
	_ fs.NodeWriter    = (*fuseNode)(nil)
	_ fs.NodeCreater   = (*fuseNode)(nil)
	_ fs.NodeMkdirer   = (*fuseNode)(nil)
	_ fs.NodeUnlinker  = (*fuseNode)(nil)
	_ fs.NodeRmdirer   = (*fuseNode)(nil)
	_ fs.NodeRenamer   = (*fuseNode)(nil)
	_ fs.NodeLinker    = (*fuseNode)(nil)
)

// NewFuseRoot mounts d's root inode as a go-fuse/v2 InodeEmbedder, for
// use with fs.Mount. The caller owns calling Dispatcher.Volume().Unmount
// after the fuse server stops.
func NewFuseRoot(d *Dispatcher) fs.InodeEmbedder {
	return &fuseNode{d: d, ino: RootIno}
}

func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return fs.OK
	case errorsIs(err, ErrNotFound):
		return syscall.ENOENT
	case errorsIs(err, ErrExists):
		return syscall.EEXIST
	case errorsIs(err, ErrNotDir):
		return syscall.ENOTDIR
	case errorsIs(err, ErrIsDir):
		return syscall.EISDIR
	case errorsIs(err, ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errorsIs(err, ErrNoSpace):
		return syscall.ENOSPC
	case errorsIs(err, ErrReadOnly):
		return syscall.EROFS
	case errorsIs(err, ErrFileTooBig):
		return syscall.EFBIG
	case errorsIs(err, ErrNameTooLong):
		return syscall.ENAMETOOLONG
	case errorsIs(err, ErrTooManyLinks):
		return syscall.EMLINK
	case errorsIs(err, ErrInvalidArg):
		return syscall.EINVAL
	case errorsIs(err, ErrBusy):
		return syscall.EBUSY
	default:
		return syscall.EIO
	}
}

func errorsIs(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (n *fuseNode) child(ino uint32) *fs.Inode {
	st, err := n.d.Stat(ino)
	mode := uint32(syscall.S_IFREG)
	if err == nil && st.Type == TypeDir {
		mode = syscall.S_IFDIR
	} else if err == nil && st.Type == TypeSymlink {
		mode = syscall.S_IFLNK
	}
	child := &fuseNode{d: n.d, ino: ino}
	return n.NewInode(context.Background(), child, fs.StableAttr{Mode: mode, Ino: uint64(ino)})
}

func fillAttr(out *fuse.Attr, st InodeStat) {
	out.Ino = uint64(st.Ino)
	out.Size = st.Size
	out.Mode = uint32(st.Perm) | typeBits(st.Type)
	out.Nlink = st.LinkCount
	out.Uid = st.UID
	out.Gid = st.GID
	out.Atime = uint64(st.Atime)
	out.Mtime = uint64(st.Mtime)
	out.Ctime = uint64(st.Ctime)
}

func typeBits(t InodeType) uint32 {
	switch t {
	case TypeDir:
		return syscall.S_IFDIR
	case TypeSymlink:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

func (n *fuseNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ino, err := n.d.Lookup(n.ino, name)
	if err != nil {
		return nil, toErrno(err)
	}
	st, err := n.d.Stat(ino)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, st)
	return n.child(ino), fs.OK
}

func (n *fuseNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	st, err := n.d.Stat(n.ino)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, st)
	return fs.OK
}

func (n *fuseNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if m, ok := in.GetMode(); ok {
		if err := n.d.Chmod(n.ino, uint16(m&0o7777)); err != nil {
			return toErrno(err)
		}
	}
	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		st, err := n.d.Stat(n.ino)
		if err != nil {
			return toErrno(err)
		}
		newUID, newGID := st.UID, st.GID
		if uok {
			newUID = uid
		}
		if gok {
			newGID = gid
		}
		if err := n.d.Chown(n.ino, newUID, newGID); err != nil {
			return toErrno(err)
		}
	}
	if sz, ok := in.GetSize(); ok {
		if err := n.d.FileTruncate(n.ino, sz); err != nil {
			return toErrno(err)
		}
	}
	mtime, mok := in.GetMTime()
	atime, aok := in.GetATime()
	if mok || aok {
		if err := n.d.Utimes(n.ino, atime.Unix(), mtime.Unix()); err != nil {
			return toErrno(err)
		}
	}
	return n.Getattr(ctx, f, out)
}

// fuseDirStream adapts DirRead's cursor-based iteration to fs.DirStream.
type fuseDirStream struct {
	d    *Dispatcher
	ino  uint32
	pos  uint64
	next DirEntry
	err  error
	done bool
}

func (s *fuseDirStream) HasNext() bool {
	if s.done {
		return false
	}
	s.next, s.pos, s.err = s.d.DirRead(s.ino, s.pos)
	if s.err != nil {
		s.done = true
		return false
	}
	return true
}

func (s *fuseDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.err != nil && s.err != ErrNotFound {
		return fuse.DirEntry{}, toErrno(s.err)
	}
	st, err := s.d.Stat(s.next.Ino)
	mode := typeBits(TypeFile)
	if err == nil {
		mode = typeBits(st.Type)
	}
	return fuse.DirEntry{Ino: uint64(s.next.Ino), Mode: mode, Name: s.next.Name}, fs.OK
}

func (s *fuseDirStream) Close() {}

func (n *fuseNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return &fuseDirStream{d: n.d, ino: n.ino}, fs.OK
}

func (n *fuseNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (n *fuseNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	nr, err := n.d.FileRead(n.ino, uint64(off), dest)
	if err != nil && err != ErrNoData {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:nr]), fs.OK
}

func (n *fuseNode) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	nw, err := n.d.FileWrite(n.ino, uint64(off), data)
	if err != nil {
		return uint32(nw), toErrno(err)
	}
	return uint32(nw), fs.OK
}

func (n *fuseNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	ino, err := n.d.Create(n.ino, name, TypeFile, uint16(mode&0o7777))
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	st, err := n.d.Stat(ino)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	fillAttr(&out.Attr, st)
	return n.child(ino), nil, 0, fs.OK
}

func (n *fuseNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ino, err := n.d.Create(n.ino, name, TypeDir, uint16(mode&0o7777))
	if err != nil {
		return nil, toErrno(err)
	}
	st, err := n.d.Stat(ino)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, st)
	return n.child(ino), fs.OK
}

func (n *fuseNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.d.Unlink(n.ino, name, true))
}

func (n *fuseNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.d.Unlink(n.ino, name, false))
}

func (n *fuseNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dst, ok := newParent.(*fuseNode)
	if !ok {
		return syscall.EXDEV
	}
	return toErrno(n.d.Rename(n.ino, name, dst.ino, newName, true))
}

func (n *fuseNode) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	src, ok := target.(*fuseNode)
	if !ok {
		return nil, syscall.EXDEV
	}
	if err := n.d.Link(n.ino, name, src.ino); err != nil {
		return nil, toErrno(err)
	}
	st, err := n.d.Stat(src.ino)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, st)
	return n.child(src.ino), fs.OK
}
