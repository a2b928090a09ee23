package embedfs

import "fmt"

// blockClass is the four-way classification derived by comparing a bit's
// value in the committed bitmap against its value in the working
// (in-progress-transaction) bitmap.
type blockClass int

const (
	classFree       blockClass = iota // 0 in both: truly allocatable
	classNew                          // 0 committed, 1 working: allocated this transaction
	classCommitted                    // 1 in both: allocated as of last commit, still allocated
	classAlmostFree                   // 1 committed, 0 working: freed this transaction, not yet final
)

func (s blockClass) String() string {
	switch s {
	case classFree:
		return "free"
	case classNew:
		return "new"
	case classCommitted:
		return "committed"
	case classAlmostFree:
		return "almost-free"
	default:
		return "invalid"
	}
}

func classify(committedBit, workingBit bool) blockClass {
	switch {
	case !committedBit && !workingBit:
		return classFree
	case !committedBit && workingBit:
		return classNew
	case committedBit && workingBit:
		return classCommitted
	default:
		return classAlmostFree
	}
}

// imapContext is the slice of Volume that the allocation bitmap routines
// need: cache access, layout/config, the committed and working metaroots,
// and a way to defer FreeBlocks/FreeInodes accounting on an almost-free
// bit until commit, when it reverts to free. Kept as an interface so
// imap.go has no dependency on volume.go.
type imapContext interface {
	id() int
	cache() *Cache
	layout() Layout
	config() Config
	committed() *Metaroot
	working() *Metaroot
	addPendingFreeBlocks(n uint32)
	addPendingFreeInodes(n uint32)

	// Reserved-block accounting for explicit reservations and the
	// deletion-under-full safety margin; in-memory only, not part of the
	// persisted Metaroot, reset to zero on every mount.
	reservedBlocks() uint32
	addReservedBlocks(delta int64)
	reservedSafetyMargin() uint32

	// markBranched records that the working metaroot now differs from the
	// committed one, so Transact knows it has something to commit.
	markBranched()
}

// availableFreeBlocks reports FreeBlocks minus the configured
// deletion-under-full safety margin minus any outstanding explicit
// reservation. See DESIGN.md's "freserve accounting" entry for what is
// and isn't threaded through the allocator here.
func availableFreeBlocks(ic imapContext) uint32 {
	free := ic.working().FreeBlocks
	margin := ic.reservedSafetyMargin()
	reserved := ic.reservedBlocks()
	used := margin + reserved
	if used >= free {
		return 0
	}
	return free - used
}

func boolToSlot(b bool) int {
	if b {
		return 1
	}
	return 0
}

// readImapNodeBit fetches one of an external imap node's two physical
// slots through the buffer cache and reads a single content bit.
func readImapNodeBit(ic imapContext, node uint32, slot int, bit int) (bool, error) {
	phys := ic.layout().imapNodeLocation(node, slot)
	buf, err := ic.cache().Get(ic.id(), phys, GetOpts{MetaSig: sigImap})
	if err != nil {
		return false, err
	}
	defer ic.cache().Put(buf)
	return getBit(buf.Data()[headerSize:], bit), nil
}

// combinedBit reads bit off of the combined inode+data allocation bitmap
// as recorded by mr (either the committed or the working metaroot).
// Inline volumes hold the bitmap directly in mr.Entries; external volumes
// hold it in the imap node that mr's own per-node selector bit currently
// points at.
func combinedBit(ic imapContext, mr *Metaroot, off bitOffset) (bool, error) {
	l := ic.layout()
	if l.Inline {
		return getBit(mr.Entries, int(off)), nil
	}
	loc := l.locate(ic.config(), off)
	slot := boolToSlot(getBit(mr.Entries, int(loc.node)))
	return readImapNodeBit(ic, loc.node, slot, loc.bit)
}

func combinedBitState(ic imapContext, off bitOffset) (blockClass, error) {
	c, err := combinedBit(ic, ic.committed(), off)
	if err != nil {
		return 0, err
	}
	w, err := combinedBit(ic, ic.working(), off)
	if err != nil {
		return 0, err
	}
	return classify(c, w), nil
}

// combinedBitSet flips bit off in the working copy of the combined
// bitmap to value, branching the owning external imap node first if
// needed. Setting a bit to its current value is a critical error.
func combinedBitSet(ic imapContext, off bitOffset, value bool) error {
	l := ic.layout()
	if l.Inline {
		if getBit(ic.working().Entries, int(off)) == value {
			return corrupt("imap-bit-unchanged", fmt.Sprintf("offset %d already %v", off, value))
		}
		setBit(ic.working().Entries, int(off), value)
		ic.markBranched()
		return nil
	}
	loc := l.locate(ic.config(), off)
	phys, err := ensureImapNodeBranched(ic, loc.node)
	if err != nil {
		return err
	}
	buf, err := ic.cache().Get(ic.id(), phys, GetOpts{MetaSig: sigImap})
	if err != nil {
		return err
	}
	defer ic.cache().Put(buf)
	body := buf.Data()[headerSize:]
	if getBit(body, loc.bit) == value {
		return corrupt("imap-bit-unchanged", fmt.Sprintf("offset %d already %v", off, value))
	}
	setBit(body, loc.bit, value)
	if err := ic.cache().Dirty(buf); err != nil {
		return err
	}
	ic.markBranched()
	return nil
}

// ensureImapNodeBranched copy-on-writes an external imap node the first
// time this transaction touches it: the node's two slots are fixed at
// format time (layout.go), so "branching" means switching the metaroot's
// selector bit to the slot not already claimed by the committed metaroot,
// then relabeling the cached committed-slot buffer onto that slot. Once
// branched, later calls this transaction are no-ops that just report the
// already-working slot.
func ensureImapNodeBranched(ic imapContext, node uint32) (uint32, error) {
	l := ic.layout()
	committedSlot := boolToSlot(getBit(ic.committed().Entries, int(node)))
	workingSlot := boolToSlot(getBit(ic.working().Entries, int(node)))

	if workingSlot != committedSlot {
		return l.imapNodeLocation(node, workingSlot), nil
	}

	newSlot := 1 - committedSlot
	newBlock := l.imapNodeLocation(node, newSlot)
	oldBlock := l.imapNodeLocation(node, committedSlot)

	if err := ic.cache().DiscardRange(ic.id(), newBlock, 1); err != nil {
		return 0, err
	}
	oldBuf, err := ic.cache().Get(ic.id(), oldBlock, GetOpts{MetaSig: sigImap})
	if err != nil {
		return 0, err
	}
	if err := ic.cache().Branch(oldBuf, newBlock); err != nil {
		ic.cache().Put(oldBuf)
		return 0, err
	}
	if err := ic.cache().Put(oldBuf); err != nil {
		return 0, err
	}
	setBit(ic.working().Entries, int(node), newSlot == 1)
	ic.markBranched()
	return newBlock, nil
}

// ---- data blocks ----

// blockState classifies a data block's allocation state.
func blockState(ic imapContext, block uint32) (blockClass, error) {
	l := ic.layout()
	if block < l.FirstAllocable || block >= l.BlockCount {
		return 0, fmt.Errorf("%w: block %d out of range", ErrInvalidArg, block)
	}
	return combinedBitState(ic, l.dataBitOffset(block))
}

// blockSet flips a data block's working-copy allocation bit.
func blockSet(ic imapContext, block uint32, allocated bool) error {
	l := ic.layout()
	if block < l.FirstAllocable || block >= l.BlockCount {
		return fmt.Errorf("%w: block %d out of range", ErrInvalidArg, block)
	}
	return combinedBitSet(ic, l.dataBitOffset(block), allocated)
}

// blockFindFree scans forward from hint (wrapping) for a free data block.
func blockFindFree(ic imapContext, hint uint32) (uint32, error) {
	l := ic.layout()
	if hint < l.FirstAllocable || hint >= l.BlockCount {
		hint = l.FirstAllocable
	}
	n := l.BlockCount - l.FirstAllocable
	for i := uint32(0); i < n; i++ {
		block := l.FirstAllocable + (hint-l.FirstAllocable+i)%n
		st, err := blockState(ic, block)
		if err != nil {
			return 0, err
		}
		if st == classFree {
			return block, nil
		}
	}
	return 0, ErrNoSpace
}

// allocBlock finds and claims one free data block.
func allocBlock(ic imapContext) (uint32, error) {
	mr := ic.working()
	block, err := blockFindFree(ic, mr.AllocNextBlock)
	if err != nil {
		return 0, err
	}
	if err := blockSet(ic, block, true); err != nil {
		return 0, err
	}
	mr.AllocNextBlock = block + 1
	mr.FreeBlocks--
	return block, nil
}

// freeBlock releases a data block. A block allocated earlier this
// transaction (classNew) becomes free immediately; a block allocated as
// of the last commit (classCommitted) becomes almost-free and only
// counts toward FreeBlocks once the pending transaction commits, so it
// cannot be reallocated (and thus overwritten) before the old reference
// to it is safely gone from stable storage.
func freeBlock(ic imapContext, block uint32) error {
	st, err := blockState(ic, block)
	if err != nil {
		return err
	}
	switch st {
	case classNew:
		if err := blockSet(ic, block, false); err != nil {
			return err
		}
		ic.working().FreeBlocks++
	case classCommitted:
		if err := blockSet(ic, block, false); err != nil {
			return err
		}
		ic.addPendingFreeBlocks(1)
	default:
		return corrupt("imap-double-free", fmt.Sprintf("block %d state=%s", block, st))
	}
	return nil
}

// ---- inodes ----
//
// Each inode occupies two consecutive bits at the front of the same
// combined bitmap data blocks live in: a primary allocation bit and a
// secondary slot-selector bit, indexed by (ino - RootIno) * 2. The first
// bit ("primary") is this engine's allocation bit, classified exactly
// like a data-block bit so FreeInodes accounting reuses the same
// committed-vs-working machinery as FreeBlocks. The second bit
// ("secondary") is a branch-selector bit, compared across the committed
// and working metaroots the same way an external imap node's own
// selector bit is, to pick which of the inode's two fixed table slots
// currently holds its content.

func inodeAllocOffset(ino uint32) bitOffset    { return bitOffset(2 * (ino - RootIno)) }
func inodeSelectorOffset(ino uint32) bitOffset { return inodeAllocOffset(ino) + 1 }

func inodeState(ic imapContext, ino uint32) (blockClass, error) {
	return combinedBitState(ic, inodeAllocOffset(ino))
}

func inodeSet(ic imapContext, ino uint32, allocated bool) error {
	return combinedBitSet(ic, inodeAllocOffset(ino), allocated)
}

func inodeFindFree(ic imapContext) (uint32, error) {
	cfg := ic.config()
	for i := uint32(0); i < cfg.InodeCount; i++ {
		ino := RootIno + i
		st, err := inodeState(ic, ino)
		if err != nil {
			return 0, err
		}
		if st == classFree {
			return ino, nil
		}
	}
	return 0, ErrNoSpace
}

func allocInode(ic imapContext) (uint32, error) {
	ino, err := inodeFindFree(ic)
	if err != nil {
		return 0, err
	}
	if err := inodeSet(ic, ino, true); err != nil {
		return 0, err
	}
	ic.working().FreeInodes--
	return ino, nil
}

func freeInode(ic imapContext, ino uint32) error {
	st, err := inodeState(ic, ino)
	if err != nil {
		return err
	}
	switch st {
	case classNew:
		if err := inodeSet(ic, ino, false); err != nil {
			return err
		}
		ic.working().FreeInodes++
	case classCommitted:
		if err := inodeSet(ic, ino, false); err != nil {
			return err
		}
		ic.addPendingFreeInodes(1)
	default:
		return corrupt("imap-double-free-inode", fmt.Sprintf("inode %d state=%s", ino, st))
	}
	return nil
}

// inodeSlot resolves which physical table slot currently holds ino's
// content, according to mr (either the committed or the working metaroot).
func inodeSlot(ic imapContext, mr *Metaroot, ino uint32) (uint32, error) {
	b, err := combinedBit(ic, mr, inodeSelectorOffset(ino))
	if err != nil {
		return 0, err
	}
	return ic.layout().inodeSlotLocation(ino, boolToSlot(b)), nil
}

// ensureInodeBranched copy-on-writes an inode's content between its two
// fixed table slots the first time this transaction modifies it,
// mirroring ensureImapNodeBranched one structural level up.
func ensureInodeBranched(ic imapContext, ino uint32) (uint32, error) {
	committedBit, err := combinedBit(ic, ic.committed(), inodeSelectorOffset(ino))
	if err != nil {
		return 0, err
	}
	workingBit, err := combinedBit(ic, ic.working(), inodeSelectorOffset(ino))
	if err != nil {
		return 0, err
	}
	l := ic.layout()
	if committedBit != workingBit {
		return l.inodeSlotLocation(ino, boolToSlot(workingBit)), nil
	}

	newBit := !committedBit
	newBlock := l.inodeSlotLocation(ino, boolToSlot(newBit))
	oldBlock := l.inodeSlotLocation(ino, boolToSlot(committedBit))

	if err := ic.cache().DiscardRange(ic.id(), newBlock, 1); err != nil {
		return 0, err
	}
	oldBuf, err := ic.cache().Get(ic.id(), oldBlock, GetOpts{MetaSig: sigInode})
	if err != nil {
		return 0, err
	}
	if err := ic.cache().Branch(oldBuf, newBlock); err != nil {
		ic.cache().Put(oldBuf)
		return 0, err
	}
	if err := ic.cache().Put(oldBuf); err != nil {
		return 0, err
	}
	if err := combinedBitSet(ic, inodeSelectorOffset(ino), newBit); err != nil {
		return 0, err
	}
	return newBlock, nil
}
