package embedfs

import "fmt"

// FormatOpts parameterizes Format beyond Config: the root directory's initial permission bits and
// owner, stamped when Config.PosixPerms is set.
type FormatOpts struct {
	RootPerm uint16
	RootUID  uint32
	RootGID  uint32

	// Label is stamped verbatim into the master block's reserved Label
	// field; cmd/embedfsctl fills it with a random uuid by default.
	Label [36]byte
}

// Format lays down a fresh master block and two identical, empty
// metaroots, then mounts the volume once to create the root directory
// inode and its "." / ".." entries, committing that as the filesystem's
// first transaction.
func Format(dev BlockDevice, cfg Config, opts FormatOpts) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := dev.Open(true); err != nil {
		return err
	}
	defer dev.Close()

	sectorSize, sectorCount, err := dev.Geometry()
	if err != nil {
		return err
	}
	if sectorSize != cfg.SectorSize {
		return fmt.Errorf("%w: device sector size %d != configured %d", ErrInvalidArg, sectorSize, cfg.SectorSize)
	}
	blockCount := uint32(sectorCount * uint64(sectorSize) / uint64(cfg.BlockSize))

	lay, err := computeLayout(cfg, blockCount)
	if err != nil {
		return err
	}

	master := &MasterBlock{
		LayoutVersion:   layoutVersion,
		BlockCount:      blockCount,
		InodeCount:      cfg.InodeCount,
		MaxNameLen:      uint32(cfg.MaxNameLen),
		DirectPointers:  uint32(cfg.DirectPointers),
		IndirPointers:   uint32(cfg.IndirectPointers),
		DindirPointers:  uint32(cfg.DindirPointers),
		BlockSizeLog2:   log2(cfg.BlockSize),
		SectorSizeLog2:  log2(cfg.SectorSize),
		InitialSequence: 1,
		Label:           opts.Label,
	}
	masterBuf := make([]byte, cfg.BlockSize)
	encodeMaster(masterBuf, master)
	if err := dev.WriteSectors(blockToSector(cfg, blockMaster), sectorsPerBlock(cfg), masterBuf); err != nil {
		return err
	}

	mr := newMetaroot(cfg)
	mr.Header.Signature = sigMetaroot
	mr.FreeBlocks = blockCount - lay.FirstAllocable
	mr.FreeInodes = cfg.InodeCount
	mr.AllocNextBlock = lay.FirstAllocable
	// Every imap node and inode starts out at physical slot 0 (the zeroed
	// selector bits in Entries already mean "slot 0"); each slot 0 is
	// written here as an empty node with a valid header, since the first
	// Get of any of them checks signature and CRC.
	writeBlank := func(block, sig uint32) error {
		blank := make([]byte, cfg.BlockSize)
		encodeHeader(blank, NodeHeader{Signature: sig})
		stampCRC(blank)
		return dev.WriteSectors(blockToSector(cfg, block), sectorsPerBlock(cfg), blank)
	}
	for n := uint32(0); n < lay.ImapNodeCount; n++ {
		if err := writeBlank(lay.imapNodeLocation(n, 0), sigImap); err != nil {
			return err
		}
	}
	for i := uint32(0); i < cfg.InodeCount; i++ {
		if err := writeBlank(lay.inodeSlotLocation(RootIno+i, 0), sigInode); err != nil {
			return err
		}
	}
	mrBuf := make([]byte, cfg.BlockSize)
	mr.encode(mrBuf, cfg.SectorSize)
	if err := dev.WriteSectors(blockToSector(cfg, blockMetarootA), sectorsPerBlock(cfg), mrBuf); err != nil {
		return err
	}
	if err := dev.WriteSectors(blockToSector(cfg, blockMetarootB), sectorsPerBlock(cfg), mrBuf); err != nil {
		return err
	}
	if err := dev.Flush(); err != nil {
		return err
	}

	cache := NewCache(cfg)
	v, err := Mount(dev, cfg, cache, 0, MountOpts{})
	if err != nil {
		return err
	}
	if err := v.bootstrapRoot(opts); err != nil {
		v.Unmount()
		return err
	}
	if err := v.Transact(); err != nil {
		v.Unmount()
		return err
	}
	return v.Unmount()
}

// bootstrapRoot allocates inode RootIno as an empty directory containing
// "." and "..", both pointing at itself. RootIno is reserved by format.go specifically so this can
// allocate it deterministically rather than taking whatever
// inodeFindFree returns first.
func (v *Volume) bootstrapRoot(opts FormatOpts) error {
	st, err := inodeState(v, RootIno)
	if err != nil {
		return err
	}
	if st != classFree {
		return nil // already bootstrapped (re-Format on an existing volume)
	}
	if err := inodeSet(v, RootIno, true); err != nil {
		return err
	}
	v.workingMR.FreeInodes--

	phys, err := ensureInodeBranched(v, RootIno)
	if err != nil {
		return err
	}
	buf, err := v.c.Get(v.volID, phys, GetOpts{MetaSig: sigInode})
	if err != nil {
		return err
	}
	node := newInode(v.cfg, TypeDir)
	node.Parent = RootIno
	node.LinkCount = 2
	node.Perm = opts.RootPerm
	node.UID = opts.RootUID
	node.GID = opts.RootGID
	if v.cfg.Timestamps {
		now := v.clock.Now().Unix()
		node.Atime, node.Mtime, node.Ctime = now, now, now
	}
	encodeInode(buf.Data(), v.cfg, node)
	if err := v.c.Dirty(buf); err != nil {
		v.c.Put(buf)
		return err
	}
	if err := v.c.Put(buf); err != nil {
		return err
	}

	ci, err := mountInode(v, RootIno)
	if err != nil {
		return err
	}
	defer ci.Release()

	dot := DirEntry{Ino: RootIno, Name: "."}
	dotdot := DirEntry{Ino: RootIno, Name: ".."}
	block := make([]byte, v.cfg.BlockSize)
	if err := encodeDirEntry(block, v.cfg, dirSlotOffset(v.cfg, 0), dot); err != nil {
		return err
	}
	if err := encodeDirEntry(block, v.cfg, dirSlotOffset(v.cfg, 1), dotdot); err != nil {
		return err
	}
	for slot := 2; slot < dirEntriesPerBlock(v.cfg); slot++ {
		clearDirEntry(block, v.cfg, dirSlotOffset(v.cfg, slot))
	}

	n, err := ci.Write(0, block)
	if err != nil {
		return err
	}
	if n != len(block) {
		return corrupt("format-root-dir-short-write", "")
	}
	return nil
}
