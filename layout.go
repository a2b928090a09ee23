package embedfs

import "fmt"

// Layout is the on-disk geometry derived from Config and the device's
// block count at format time, then re-derived (and cross-checked) at
// mount time. An image-building tool is out of scope, but its layout
// arithmetic is exactly the filesystem's own, so computeLayout lives here
// rather than in a separate utility.
//
// The allocation bitmap addresses a single combined bit space whose
// offset 0 is block InodeTableStart (block addressAnchor when Inline,
// after the external imap nodes otherwise): the first 2*InodeCount bits are inode allocation and
// slot-selector bits (two per inode, see imap.go's inodeAllocOffset/
// inodeSelectorOffset), and the remaining bits are one free/allocated
// bit per data block. Whether that bit space lives inside the metaroots
// (Inline) or in a chain of external imap nodes is a pure capacity
// decision, independent of how the bits are interpreted. Separately,
// when external, the metaroots also hold one selector bit per imap node
// (indexed by raw node number) choosing which of that node's two fixed
// physical locations is current -- a distinct, much smaller bitmap from
// the combined space it gates access to.
type Layout struct {
	BlockCount      uint32
	Inline          bool   // true: the bit space lives inside the metaroots
	ImapNodeCount   uint32 // 0 when Inline
	InodeTableStart uint32
	FirstAllocable  uint32
}

// metarootFixedSize is NodeHeader(16) + SectorCRC(4) + six uint32 counters(24).
const metarootFixedSize = headerSize + 4 + 6*4

// entriesCapacityBits is the number of bits the metaroot's entries bitmap
// can hold once the fixed fields are accounted for (METAROOT_ENTRIES).
func entriesCapacityBits(cfg Config) uint64 {
	return uint64(cfg.BlockSize-metarootFixedSize) * 8
}

// bitsPerImapNode is the number of bits one external imap node (a full
// block minus its header) can hold (IMAPNODE_ENTRIES).
func bitsPerImapNode(cfg Config) uint64 {
	return uint64(cfg.BlockSize-headerSize) * 8
}

// addressAnchor is the first block after the master block and the two
// metaroots: where the external imap nodes, or (inline) the inode table,
// begin.
const addressAnchor = blockImapOrInodeStart

// computeLayout decides inline vs. external imap placement and the
// resulting fixed block offsets, for a device with blockCount total
// blocks.
func computeLayout(cfg Config, blockCount uint32) (Layout, error) {
	if blockCount <= addressAnchor+2*cfg.InodeCount {
		return Layout{}, fmt.Errorf("%w: volume too small for inode table", ErrInvalidArg)
	}
	bitsNeededNoExternal := uint64(blockCount - addressAnchor)
	entriesCap := entriesCapacityBits(cfg)

	useInline := bitsNeededNoExternal <= entriesCap
	if cfg.InlineImap && !useInline {
		return Layout{}, fmt.Errorf("%w: inline imap forced but does not fit this volume size", ErrInvalidArg)
	}

	if useInline {
		inodeTableStart := addressAnchor
		firstAllocable := inodeTableStart + 2*cfg.InodeCount
		if blockCount <= firstAllocable {
			return Layout{}, fmt.Errorf("%w: volume too small for any allocable blocks", ErrInvalidArg)
		}
		return Layout{
			BlockCount:      blockCount,
			Inline:          true,
			InodeTableStart: inodeTableStart,
			FirstAllocable:  firstAllocable,
		}, nil
	}

	// Each external imap node covers bitsPerImapNode bits but itself
	// occupies two blocks that need no bits of their own, so solving
	// nodeCount*(bitsPerImapNode+2) >= blockCount-addressAnchor gives a
	// closed-form node count with no iteration.
	perNode := bitsPerImapNode(cfg) + 2
	nodeCount := uint32((uint64(bitsNeededNoExternal) + perNode - 1) / perNode)
	if nodeCount == 0 {
		nodeCount = 1
	}
	inodeTableStart := addressAnchor + 2*nodeCount
	firstAllocable := inodeTableStart + 2*cfg.InodeCount
	if blockCount <= firstAllocable {
		return Layout{}, fmt.Errorf("%w: volume too small for external imap", ErrInvalidArg)
	}
	return Layout{
		BlockCount:      blockCount,
		Inline:          false,
		ImapNodeCount:   nodeCount,
		InodeTableStart: inodeTableStart,
		FirstAllocable:  firstAllocable,
	}, nil
}

// imapNodeLocation returns the physical block number of one of an
// external imap node's two fixed slots.
func (l Layout) imapNodeLocation(node uint32, slot int) uint32 {
	return addressAnchor + 2*node + uint32(slot)
}

// inodeSlotLocation returns the physical block number of one of an
// inode's two fixed slots.
func (l Layout) inodeSlotLocation(ino uint32, slot int) uint32 {
	return l.InodeTableStart + 2*(ino-RootIno) + uint32(slot)
}

// bitOffset is a position in the combined bit space described above.
type bitOffset uint64

// dataBitOffset returns the single allocation-bit offset for a data block
// (imapextern.c RedImapEBlockGet: "ulOffset = ulBlock - ulInodeTableStartBN",
// generalized to the inline case where the same space starts at block 3).
func (l Layout) dataBitOffset(block uint32) bitOffset {
	return bitOffset(block - l.InodeTableStart)
}

// bitLocation is where a bit in the combined space physically lives:
// the metaroot itself (inline) or one of an external imap node's slots.
type bitLocation struct {
	inline bool
	node   uint32 // valid when !inline
	bit    int    // bit index within the metaroot Entries, or within the node's body
}

func (l Layout) locate(cfg Config, off bitOffset) bitLocation {
	if l.Inline {
		return bitLocation{inline: true, bit: int(off)}
	}
	perNode := bitsPerImapNode(cfg)
	return bitLocation{node: uint32(uint64(off) / perNode), bit: int(uint64(off) % perNode)}
}

func getBit(entries []byte, idx int) bool {
	byteIdx := idx / 8
	if byteIdx >= len(entries) {
		return false
	}
	return entries[byteIdx]&(1<<uint(idx%8)) != 0
}

func setBit(entries []byte, idx int, v bool) {
	byteIdx := idx / 8
	mask := byte(1 << uint(idx%8))
	if v {
		entries[byteIdx] |= mask
	} else {
		entries[byteIdx] &^= mask
	}
}
