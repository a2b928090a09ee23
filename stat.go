package embedfs

// VolStat reports whole-volume statistics.
type VolStat struct {
	BlockSize  uint32
	BlockCount uint32
	FreeBlocks uint32
	InodeCount uint32
	FreeInodes uint32
	ReadOnly   bool
}

// InodeStat reports one inode's metadata.
type InodeStat struct {
	Ino       uint32
	Type      InodeType
	Size      uint64
	LinkCount uint32
	Perm      uint16
	UID       uint32
	GID       uint32
	Atime     int64
	Mtime     int64
	Ctime     int64
}
