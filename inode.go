package embedfs

import "encoding/binary"

// InodeType is the file-type tag folded into an inode's mode.
type InodeType uint8

const (
	TypeInvalid InodeType = iota
	TypeFile
	TypeDir
	TypeSymlink
)

func (t InodeType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	case TypeSymlink:
		return "symlink"
	default:
		return "invalid"
	}
}

// Inode is the on-disk inode block: a node header plus size, timestamps,
// mode, ownership, orphan linkage, and the direct/indirect/double-indirect
// block-pointer arrays. Several fields are only meaningful -- and only
// encoded on disk -- when the corresponding Config flag is set; which
// fields are present is a mount-time (not per-inode) decision, so this
// cannot use reflection-driven marshaling and instead follows a manual,
// sequential field-by-field encode/decode.
type Inode struct {
	Header NodeHeader

	Size        uint64
	BlocksInUse uint32
	Atime       int64
	Mtime       int64
	Ctime       int64
	Type        InodeType
	Perm        uint16
	LinkCount   uint32
	Parent      uint32
	UID         uint32
	GID         uint32
	NextOrphan  uint32

	Direct    []uint32
	Indirect  []uint32
	Dindirect []uint32
}

func newInode(cfg Config, typ InodeType) *Inode {
	return &Inode{
		Header:     NodeHeader{Signature: sigInode},
		Type:       typ,
		LinkCount:  1,
		NextOrphan: InvalidIno,
		Direct:     make([]uint32, cfg.DirectPointers),
		Indirect:   make([]uint32, cfg.IndirectPointers),
		Dindirect:  make([]uint32, cfg.DindirPointers),
	}
}

func (ino *Inode) IsDir() bool     { return ino.Type == TypeDir }
func (ino *Inode) IsRegular() bool { return ino.Type == TypeFile }
func (ino *Inode) IsSymlink() bool { return ino.Type == TypeSymlink }

// inodeEncodedSize is the number of bytes an inode occupies, given cfg.
func inodeEncodedSize(cfg Config) int {
	n := headerSize + 8 + 4 + 1 + 4 + 4 // header, size, blocksInUse, type, parent, nextOrphan
	if cfg.Timestamps {
		n += 8 * 3
	}
	if cfg.PosixPerms {
		n += 2 + 4 + 4 // perm, uid, gid
	}
	if cfg.HardLinks {
		n += 4
	}
	n += 4 * (int(cfg.DirectPointers) + int(cfg.IndirectPointers) + int(cfg.DindirPointers))
	return n
}

// encodeInode serializes ino into buf (len(buf) == cfg.BlockSize). Only
// the node signature is stamped into the header here; CRC and sequence
// are filled in by the buffer cache at flush time (buffer.go flushOne),
// matching every other cache-managed metadata node.
func encodeInode(buf []byte, cfg Config, ino *Inode) {
	binary.LittleEndian.PutUint32(buf[0:4], sigInode)

	off := headerSize
	binary.LittleEndian.PutUint64(buf[off:], ino.Size)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], ino.BlocksInUse)
	off += 4
	if cfg.Timestamps {
		binary.LittleEndian.PutUint64(buf[off:], uint64(ino.Atime))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(ino.Mtime))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(ino.Ctime))
		off += 8
	}
	buf[off] = byte(ino.Type)
	off++
	if cfg.PosixPerms {
		binary.LittleEndian.PutUint16(buf[off:], ino.Perm)
		off += 2
	}
	if cfg.HardLinks {
		binary.LittleEndian.PutUint32(buf[off:], ino.LinkCount)
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], ino.Parent)
	off += 4
	if cfg.PosixPerms {
		binary.LittleEndian.PutUint32(buf[off:], ino.UID)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], ino.GID)
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], ino.NextOrphan)
	off += 4
	for _, v := range ino.Direct {
		binary.LittleEndian.PutUint32(buf[off:], v)
		off += 4
	}
	for _, v := range ino.Indirect {
		binary.LittleEndian.PutUint32(buf[off:], v)
		off += 4
	}
	for _, v := range ino.Dindirect {
		binary.LittleEndian.PutUint32(buf[off:], v)
		off += 4
	}
}

// decodeInode parses an inode block. header's CRC/sequence were already
// validated by the buffer cache's Get (buffer.go); decodeInode re-reads
// the header here only to recover the Sequence for in-memory bookkeeping.
func decodeInode(buf []byte, cfg Config) *Inode {
	ino := &Inode{Header: decodeHeader(buf)}
	off := headerSize
	ino.Size = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	ino.BlocksInUse = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if cfg.Timestamps {
		ino.Atime = int64(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		ino.Mtime = int64(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		ino.Ctime = int64(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	}
	ino.Type = InodeType(buf[off])
	off++
	if cfg.PosixPerms {
		ino.Perm = binary.LittleEndian.Uint16(buf[off:])
		off += 2
	}
	if cfg.HardLinks {
		ino.LinkCount = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	} else {
		ino.LinkCount = 1
	}
	ino.Parent = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if cfg.PosixPerms {
		ino.UID = binary.LittleEndian.Uint32(buf[off:])
		off += 4
		ino.GID = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	ino.NextOrphan = binary.LittleEndian.Uint32(buf[off:])
	off += 4

	ino.Direct = make([]uint32, cfg.DirectPointers)
	for i := range ino.Direct {
		ino.Direct[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	ino.Indirect = make([]uint32, cfg.IndirectPointers)
	for i := range ino.Indirect {
		ino.Indirect[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	ino.Dindirect = make([]uint32, cfg.DindirPointers)
	for i := range ino.Dindirect {
		ino.Dindirect[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	return ino
}

// indirectNode is a block containing a node header, the owning inode
// number, and an array of block pointers -- to file data blocks when it
// is a first-level indirect node, or to other indirect nodes when it is
// a double-indirect node.
type indirectNode struct {
	Header  NodeHeader
	Owner   uint32
	Entries []uint32
}

func newIndirectNode(cfg Config, sig, owner uint32) *indirectNode {
	return &indirectNode{
		Header:  NodeHeader{Signature: sig},
		Owner:   owner,
		Entries: make([]uint32, cfg.IndirEntries()),
	}
}

func encodeIndirectNode(buf []byte, sig uint32, n *indirectNode) {
	binary.LittleEndian.PutUint32(buf[0:4], sig)
	off := headerSize
	binary.LittleEndian.PutUint32(buf[off:], n.Owner)
	off += 4
	for _, v := range n.Entries {
		binary.LittleEndian.PutUint32(buf[off:], v)
		off += 4
	}
}

func decodeIndirectNode(buf []byte, cfg Config) *indirectNode {
	n := &indirectNode{Header: decodeHeader(buf)}
	off := headerSize
	n.Owner = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	n.Entries = make([]uint32, cfg.IndirEntries())
	for i := range n.Entries {
		n.Entries[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	return n
}
