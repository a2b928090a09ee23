package embedfs

import "fmt"

// MountOpts tunes Mount's orphan-list handling.
type MountOpts struct {
	// SkipDelete corresponds to SKIP_DELETE: when true, Mount never frees
	// orphaned inodes itself, merely folding the orphan list into the
	// defunct list so a later, explicit free_orphans pass can do it.
	SkipDelete bool

	// ReservedSafetyMargin is the number of free blocks
	// availableFreeBlocks always holds back, so deleting a file on an
	// otherwise-full volume has somewhere to branch its own metadata.
	ReservedSafetyMargin uint32
}

// Volume is the mounted instance of one filesystem: dual metaroots (one
// committed, one working), the sequence counter, and the free-space/
// reservation accounting the allocator consults. It
// implements imapContext and sequencer so imap.go/inodedata.go/
// cachedinode.go can operate on it without importing it back.
type Volume struct {
	volID int
	cfg   Config
	lay   Layout
	dev   BlockDevice
	c     *Cache

	master *MasterBlock

	committedMR  *Metaroot
	workingMR    *Metaroot
	currentSlot  int // 0: blockMetarootA is committed; 1: blockMetarootB is committed
	seq          uint64
	branched     bool
	reserved     uint32
	safetyMargin uint32
	readOnly     bool

	lock  Locker
	clock Clock
	owner OwnerIDs

	pendingFreeBlocks uint32
	pendingFreeInodes uint32
}

var (
	_ imapContext = (*Volume)(nil)
	_ sequencer   = (*Volume)(nil)
)

func (v *Volume) id() int                    { return v.volID }
func (v *Volume) cache() *Cache              { return v.c }
func (v *Volume) layout() Layout             { return v.lay }
func (v *Volume) config() Config             { return v.cfg }
func (v *Volume) committed() *Metaroot       { return v.committedMR }
func (v *Volume) working() *Metaroot         { return v.workingMR }
func (v *Volume) addPendingFreeBlocks(n uint32) {
	v.pendingFreeBlocks += n
	v.branched = true
}
func (v *Volume) addPendingFreeInodes(n uint32) {
	v.pendingFreeInodes += n
	v.branched = true
}
func (v *Volume) reservedBlocks() uint32        { return v.reserved }
func (v *Volume) reservedSafetyMargin() uint32  { return v.safetyMargin }
func (v *Volume) markBranched()                 { v.branched = true }

func (v *Volume) addReservedBlocks(delta int64) {
	if delta < 0 && uint32(-delta) > v.reserved {
		v.reserved = 0
		return
	}
	v.reserved = uint32(int64(v.reserved) + delta)
}

func (v *Volume) nextSequence() uint64 {
	s := v.seq
	v.seq++
	return s
}
func (v *Volume) currentSequence() uint64 { return v.seq }

// ReadOnly reports whether the volume has been latched read-only after a
// critical error.
func (v *Volume) ReadOnly() bool { return v.readOnly }

func (v *Volume) latch(err error) error {
	v.readOnly = true
	return err
}

// Stat reports whole-volume statistics.
func (v *Volume) Stat() VolStat {
	return VolStat{
		BlockSize:     v.cfg.BlockSize,
		BlockCount:    v.lay.BlockCount,
		FreeBlocks:    availableFreeBlocks(v),
		InodeCount:    v.cfg.InodeCount,
		FreeInodes:    v.workingMR.FreeInodes,
		ReadOnly:      v.readOnly,
	}
}

// Mount opens the device, validates the master block, picks the newer
// of the two metaroots (rejecting a torn one when Config.AtomicSectorWrite
// is set), derives the volume sequence, and processes the orphan list.
func Mount(dev BlockDevice, cfg Config, cache *Cache, volID int, opts MountOpts) (*Volume, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := dev.Open(true); err != nil {
		return nil, err
	}

	sectorSize, sectorCount, err := dev.Geometry()
	if err != nil {
		dev.Close()
		return nil, err
	}
	if sectorSize != cfg.SectorSize {
		dev.Close()
		return nil, fmt.Errorf("%w: device sector size %d != configured %d", ErrInvalidArg, sectorSize, cfg.SectorSize)
	}
	blockCount := uint32(sectorCount * uint64(sectorSize) / uint64(cfg.BlockSize))

	lay, err := computeLayout(cfg, blockCount)
	if err != nil {
		dev.Close()
		return nil, err
	}

	v := &Volume{
		volID: volID, cfg: cfg, lay: lay, dev: dev, c: cache,
		lock: noLock{}, clock: systemClock{}, owner: processOwner{},
		safetyMargin: opts.ReservedSafetyMargin,
	}
	cache.RegisterVolume(volID, dev, v)

	masterBuf := make([]byte, cfg.BlockSize)
	if err := dev.ReadSectors(blockToSector(cfg, blockMaster), sectorsPerBlock(cfg), masterBuf); err != nil {
		cache.UnregisterVolume(volID)
		dev.Close()
		return nil, err
	}
	master, err := decodeMaster(masterBuf, cfg)
	if err != nil {
		cache.UnregisterVolume(volID)
		dev.Close()
		return nil, err
	}
	v.master = master

	mrA, errA := v.readMetaroot(blockMetarootA)
	mrB, errB := v.readMetaroot(blockMetarootB)
	if errA != nil && errB != nil {
		cache.UnregisterVolume(volID)
		dev.Close()
		return nil, errA
	}

	var chosen *Metaroot
	var chosenSlot int
	switch {
	case errA != nil:
		chosen, chosenSlot = mrB, 1
	case errB != nil:
		chosen, chosenSlot = mrA, 0
	case mrB.Header.Sequence > mrA.Header.Sequence:
		chosen, chosenSlot = mrB, 1
	default:
		chosen, chosenSlot = mrA, 0
	}

	v.currentSlot = chosenSlot
	v.seq = master.InitialSequence
	if chosen.Header.Sequence+1 > v.seq {
		v.seq = chosen.Header.Sequence + 1
	}
	v.committedMR = chosen
	v.workingMR = chosen.clone()

	if err := v.processOrphans(opts.SkipDelete); err != nil {
		cache.UnregisterVolume(volID)
		dev.Close()
		return nil, err
	}
	if v.branched {
		if err := v.Transact(); err != nil {
			cache.UnregisterVolume(volID)
			dev.Close()
			return nil, err
		}
	}

	return v, nil
}

func (v *Volume) readMetaroot(block uint32) (*Metaroot, error) {
	buf := make([]byte, v.cfg.BlockSize)
	if err := v.dev.ReadSectors(blockToSector(v.cfg, block), sectorsPerBlock(v.cfg), buf); err != nil {
		return nil, err
	}
	return decodeMetaroot(buf, v.cfg)
}

// Unmount releases the volume's cache registration and closes the
// device. Callers must Transact first if they want pending changes kept.
func (v *Volume) Unmount() error {
	if err := v.c.DiscardRange(v.volID, 0, v.lay.BlockCount); err != nil {
		return err
	}
	v.c.UnregisterVolume(v.volID)
	return v.dev.Close()
}

// Rollback discards every cached buffer for this volume and re-reads
// the committed metaroot from disk, discarding all working-state
// changes since the last Transact. Requires no outstanding CachedInode
// handles.
func (v *Volume) Rollback() error {
	if err := v.c.DiscardRange(v.volID, 0, v.lay.BlockCount); err != nil {
		return err
	}
	mr, err := v.readMetaroot(metarootBlockForSlot(v.currentSlot))
	if err != nil {
		return v.latch(err)
	}
	v.committedMR = mr
	v.workingMR = mr.clone()
	v.branched = false
	v.pendingFreeBlocks = 0
	v.pendingFreeInodes = 0
	v.reserved = 0
	return nil
}

func metarootBlockForSlot(slot int) uint32 {
	if slot == 0 {
		return blockMetarootA
	}
	return blockMetarootB
}

// Transact folds pending almost-free accounting back into
// free_blocks/free_inodes, flushes every dirty buffer, then writes the
// working metaroot to the *other* physical slot with two device flushes
// bracketing it, atomically promoting working to committed. A flush
// failure latches the volume read-only.
func (v *Volume) Transact() error {
	if v.readOnly {
		return ErrReadOnly
	}
	if !v.branched {
		return nil
	}

	v.workingMR.FreeBlocks += v.pendingFreeBlocks
	v.pendingFreeBlocks = 0
	v.workingMR.FreeInodes += v.pendingFreeInodes
	v.pendingFreeInodes = 0

	if err := v.c.FlushRange(v.volID, 0, v.lay.BlockCount); err != nil {
		return v.latch(err)
	}

	v.workingMR.Header.Signature = sigMetaroot
	v.workingMR.Header.Sequence = v.nextSequence()
	buf := make([]byte, v.cfg.BlockSize)
	v.workingMR.encode(buf, v.cfg.SectorSize)

	if err := v.dev.Flush(); err != nil {
		return v.latch(err)
	}

	otherSlot := 1 - v.currentSlot
	if err := v.dev.WriteSectors(blockToSector(v.cfg, metarootBlockForSlot(otherSlot)), sectorsPerBlock(v.cfg), buf); err != nil {
		return v.latch(err)
	}
	if err := v.dev.Flush(); err != nil {
		return v.latch(err)
	}

	v.currentSlot = otherSlot
	v.committedMR = v.workingMR.clone()
	v.branched = false
	return nil
}

// freeOrphanChain truncates and frees every inode in the singly-linked
// chain starting at head.
func (v *Volume) freeOrphanChain(head uint32) error {
	cur := head
	for cur != InvalidIno {
		ci, err := mountInode(v, cur)
		if err != nil {
			return err
		}
		next := ci.Node().NextOrphan
		if err := ci.Truncate(0); err != nil {
			ci.Release()
			return err
		}
		if err := freeInodeHandle(ci); err != nil {
			return err
		}
		cur = next
	}
	return nil
}

// concatenateOrphans appends the live orphan chain onto the tail of the
// existing defunct chain (the "defunct-tail-first" resolution recorded in
// DESIGN.md), used when SkipDelete leaves both lists non-empty.
func (v *Volume) concatenateOrphans() error {
	cur := v.workingMR.DefunctOrphanHead
	var tail *CachedInode
	for cur != InvalidIno {
		ci, err := mountInode(v, cur)
		if err != nil {
			return err
		}
		next := ci.Node().NextOrphan
		if next == InvalidIno {
			tail = ci
			break
		}
		if err := ci.Release(); err != nil {
			return err
		}
		cur = next
	}
	if tail != nil {
		head := v.workingMR.OrphanHead
		if err := tail.Modify(func(n *Inode) { n.NextOrphan = head }); err != nil {
			tail.Release()
			return err
		}
		if err := tail.Release(); err != nil {
			return err
		}
	}
	v.workingMR.OrphanHead = InvalidIno
	v.workingMR.OrphanTail = InvalidIno
	return nil
}

// processOrphans runs the mount-time orphan cleanup step.
func (v *Volume) processOrphans(skipDelete bool) error {
	if !skipDelete {
		if err := v.freeOrphanChain(v.workingMR.DefunctOrphanHead); err != nil {
			return err
		}
		v.workingMR.DefunctOrphanHead = v.workingMR.OrphanHead
		v.workingMR.OrphanHead = InvalidIno
		v.workingMR.OrphanTail = InvalidIno
		if err := v.freeOrphanChain(v.workingMR.DefunctOrphanHead); err != nil {
			return err
		}
		v.workingMR.DefunctOrphanHead = InvalidIno
		return nil
	}

	if v.workingMR.DefunctOrphanHead != InvalidIno && v.workingMR.OrphanHead != InvalidIno {
		return v.concatenateOrphans()
	}
	if v.workingMR.OrphanHead != InvalidIno {
		v.workingMR.DefunctOrphanHead = v.workingMR.OrphanHead
		v.workingMR.OrphanHead = InvalidIno
		v.workingMR.OrphanTail = InvalidIno
	}
	return nil
}

// FreeOrphans is the explicit reclaim operation for callers mounted with
// SkipDelete who want to free the defunct list later, outside of mount.
func (v *Volume) FreeOrphans() error {
	if err := v.freeOrphanChain(v.workingMR.DefunctOrphanHead); err != nil {
		return err
	}
	v.workingMR.DefunctOrphanHead = InvalidIno
	return v.Transact()
}
