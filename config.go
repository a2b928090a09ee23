package embedfs

import "fmt"

// Config is the single build/format-time configuration structure the
// spec's Design Notes (§9) call for in place of Reliance Edge's
// preprocessor switches. It is validated both at Format (written into the
// master block) and at Mount (compared against the master block).
type Config struct {
	BlockSize  uint32 // power of two, >= SectorSize, multiple of SectorSize
	SectorSize uint32 // device sector size

	InodeCount uint32 // total inode slots (fixed at format time)
	MaxNameLen uint8  // max directory entry name length

	DirectPointers   uint8 // D: direct block pointers per inode
	IndirectPointers uint8 // I: indirect-node pointers per inode
	DindirPointers   uint8 // X: double-indirect-node pointers per inode

	InlineImap        bool // force inline imap even if external would also fit
	AtomicSectorWrite bool // device guarantees atomic single-sector writes

	PosixPerms bool // carry uid/gid/mode
	Timestamps bool // carry atime/mtime/ctime
	HardLinks  bool // carry link counts > 1

	BufferCount int // buffer cache size, in blocks

	Asserts bool // Dispatcher panics (in addition to latching read-only) on invariant violations
}

// DefaultConfig returns a small but workable configuration for fields
// that aren't read from disk.
func DefaultConfig() Config {
	return Config{
		BlockSize:        4096,
		SectorSize:       512,
		InodeCount:       64,
		MaxNameLen:       255,
		DirectPointers:   4,
		IndirectPointers: 1,
		DindirPointers:   1,
		PosixPerms:       true,
		Timestamps:       true,
		HardLinks:        true,
		BufferCount:      32,
	}
}

// Validate checks the structural constraints placed on Config.
func (c Config) Validate() error {
	if c.BlockSize == 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("%w: block size must be a power of two", ErrInvalidArg)
	}
	if c.SectorSize == 0 || c.SectorSize&(c.SectorSize-1) != 0 {
		return fmt.Errorf("%w: sector size must be a power of two", ErrInvalidArg)
	}
	if c.BlockSize < c.SectorSize {
		return fmt.Errorf("%w: block size must be >= sector size", ErrInvalidArg)
	}
	if c.BlockSize%c.SectorSize != 0 {
		return fmt.Errorf("%w: block size must be a multiple of sector size", ErrInvalidArg)
	}
	if c.InodeCount == 0 {
		return fmt.Errorf("%w: inode count must be > 0", ErrInvalidArg)
	}
	if c.DirectPointers == 0 && c.IndirectPointers == 0 && c.DindirPointers == 0 {
		return fmt.Errorf("%w: inode must have at least one block pointer slot", ErrInvalidArg)
	}
	if c.BufferCount < minimumBufferCount(c) {
		return fmt.Errorf("%w: buffer count %d below minimum %d for this configuration",
			ErrInvalidArg, c.BufferCount, minimumBufferCount(c))
	}
	return nil
}

// IndirEntries is INDIR_ENTRIES: the number of block pointers that fit in
// one indirect (or double-indirect) node, after its header.
func (c Config) IndirEntries() uint32 {
	return (c.BlockSize - headerSize - 4) / 4
}

// InodeDataBlocks is INODE_DATA_BLOCKS = D + I*INDIR_ENTRIES + X*INDIR_ENTRIES^2.
func (c Config) InodeDataBlocks() uint64 {
	ie := uint64(c.IndirEntries())
	return uint64(c.DirectPointers) + uint64(c.IndirectPointers)*ie + uint64(c.DindirPointers)*ie*ie
}

// InodeSizeMax is the largest file size representable by this configuration.
func (c Config) InodeSizeMax() uint64 {
	return c.InodeDataBlocks() * uint64(c.BlockSize)
}

// minimumBufferCount computes the worst-case number of buffers a single
// dispatcher operation can pin simultaneously, taking "rename with
// atomic replace" as the worst case: two parent-inode chains (inode +
// dindir + indir + data, 4 each) + source inode chain (4) + cycle-check
// inode (1) + one branched imap node (1).
func minimumBufferCount(c Config) int {
	perChain := 1 // inode
	if c.IndirectPointers > 0 {
		perChain++
	}
	if c.DindirPointers > 0 {
		perChain++
	}
	perChain++ // data block
	const parents = 2
	const sources = 1
	const cycleCheck = 1
	const imapNode = 1
	return parents*perChain + sources*perChain + cycleCheck + imapNode
}
