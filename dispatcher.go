package embedfs

import "errors"

// TransEvent is one bit of a user-settable bitmask of event types that
// can trigger an automatic transaction; Dispatcher checks it after every
// successful mutating call to decide whether to auto-transact.
type TransEvent uint32

const (
	EventUnmount TransEvent = 1 << iota
	EventClose
	EventSync
	EventCreate
	EventMkdir
	EventUnlink
	EventRename
	EventLink
	EventWrite
	EventFsync
	EventTruncate
	EventVolFull
)

// DefaultTransMask selects unmount, fsync, and sync -- the conservative
// default left to the implementation to choose. No Dispatcher operation
// raises these three events, so under this mask no call auto-transacts;
// callers commit with Volume.Transact.
const DefaultTransMask = EventUnmount | EventSync | EventFsync

// Dispatcher is the core API surface, wrapping every mutating operation
// in the reclaim-and-retry protocol and automatic-transaction-on-event-mask
// logic.
type Dispatcher struct {
	vol       *Volume
	transMask TransEvent
}

// NewDispatcher wraps vol with the default transaction mask.
func NewDispatcher(vol *Volume) *Dispatcher {
	return &Dispatcher{vol: vol, transMask: DefaultTransMask}
}

func (d *Dispatcher) TransMaskSet(mask TransEvent) { d.transMask = mask }
func (d *Dispatcher) TransMaskGet() TransEvent     { return d.transMask }

func (d *Dispatcher) Volume() *Volume { return d.vol }

// dispatch runs op once; on ENOSPC it calls handleFull and retries once;
// on overall success it auto-transacts if event is set in the mask.
func (d *Dispatcher) dispatch(event TransEvent, op func() error) error {
	d.vol.lock.Lock()
	defer d.vol.lock.Unlock()
	if d.vol.readOnly {
		return ErrReadOnly
	}

	err := op()
	if errors.Is(err, ErrNoSpace) {
		if d.handleFull() {
			err = op()
		}
	}
	if errors.Is(err, ErrCatastrophic) {
		d.vol.readOnly = true
		if d.vol.cfg.Asserts {
			panic(err)
		}
	}
	if err == nil && d.transMask&event != 0 {
		if terr := d.vol.Transact(); terr != nil {
			return terr
		}
	}
	return err
}

// handleFull reclaims space by freeing the defunct orphan list (if any)
// and/or transacting (if anything is almost-free).
func (d *Dispatcher) handleFull() bool {
	reclaimed := false
	if d.vol.workingMR.DefunctOrphanHead != InvalidIno {
		if err := d.vol.FreeOrphans(); err == nil {
			reclaimed = true
		}
	}
	if d.vol.branched {
		if err := d.vol.Transact(); err == nil {
			reclaimed = true
		}
	}
	return reclaimed
}

// ---- directory entry helpers (scan across a directory inode's blocks) ----

func dirBlockCount(ci *CachedInode) uint32 {
	bs := uint64(ci.cfg().BlockSize)
	return uint32((ci.Node().Size + bs - 1) / bs)
}

func dirReadBlock(ci *CachedInode, idx uint32) ([]byte, error) {
	bs := int(ci.cfg().BlockSize)
	buf := make([]byte, bs)
	if _, err := ci.Read(uint64(idx)*uint64(bs), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func dirWriteBlock(ci *CachedInode, idx uint32, buf []byte) error {
	_, err := ci.Write(uint64(idx)*uint64(len(buf)), buf)
	return err
}

// dirLookup linearly scans ci's directory blocks for name.
func dirLookup(ci *CachedInode, name string) (uint32, error) {
	cfg := ci.cfg()
	n := dirBlockCount(ci)
	for b := uint32(0); b < n; b++ {
		buf, err := dirReadBlock(ci, b)
		if err != nil {
			return InvalidIno, err
		}
		if _, e, ok := findDirSlot(buf, cfg, name); ok {
			return e.Ino, nil
		}
	}
	return InvalidIno, nil
}

// dirInsert places (name, ino) in the first free slot, appending a new
// directory block if every existing block is full.
func dirInsert(ci *CachedInode, name string, ino uint32) error {
	cfg := ci.cfg()
	n := dirBlockCount(ci)
	for b := uint32(0); b < n; b++ {
		buf, err := dirReadBlock(ci, b)
		if err != nil {
			return err
		}
		if slot, ok := findFreeDirSlot(buf, cfg); ok {
			if err := encodeDirEntry(buf, cfg, dirSlotOffset(cfg, slot), DirEntry{Ino: ino, Name: name}); err != nil {
				return err
			}
			return dirWriteBlock(ci, b, buf)
		}
	}
	buf := make([]byte, cfg.BlockSize)
	if err := encodeDirEntry(buf, cfg, dirSlotOffset(cfg, 0), DirEntry{Ino: ino, Name: name}); err != nil {
		return err
	}
	for slot := 1; slot < dirEntriesPerBlock(cfg); slot++ {
		clearDirEntry(buf, cfg, dirSlotOffset(cfg, slot))
	}
	return dirWriteBlock(ci, n, buf)
}

// dirRemove tombstones name's slot in place -- no compaction, per
// directory.go's design rationale.
func dirRemove(ci *CachedInode, name string) error {
	cfg := ci.cfg()
	n := dirBlockCount(ci)
	for b := uint32(0); b < n; b++ {
		buf, err := dirReadBlock(ci, b)
		if err != nil {
			return err
		}
		if slot, _, ok := findDirSlot(buf, cfg, name); ok {
			clearDirEntry(buf, cfg, dirSlotOffset(cfg, slot))
			return dirWriteBlock(ci, b, buf)
		}
	}
	return ErrNotFound
}

// dirIsEmpty reports whether ci's directory holds only "." and "..".
func dirIsEmpty(ci *CachedInode) (bool, error) {
	cfg := ci.cfg()
	n := dirBlockCount(ci)
	empty := true
	for b := uint32(0); b < n && empty; b++ {
		buf, err := dirReadBlock(ci, b)
		if err != nil {
			return false, err
		}
		forEachDirSlot(buf, cfg, func(_ int, e DirEntry) bool {
			if !e.free() && e.Name != "." && e.Name != ".." {
				empty = false
				return false
			}
			return true
		})
	}
	return empty, nil
}

func writeEmptyDirBlock(ci *CachedInode, selfIno, parentIno uint32) error {
	cfg := ci.cfg()
	buf := make([]byte, cfg.BlockSize)
	if err := encodeDirEntry(buf, cfg, dirSlotOffset(cfg, 0), DirEntry{Ino: selfIno, Name: "."}); err != nil {
		return err
	}
	if err := encodeDirEntry(buf, cfg, dirSlotOffset(cfg, 1), DirEntry{Ino: parentIno, Name: ".."}); err != nil {
		return err
	}
	for slot := 2; slot < dirEntriesPerBlock(cfg); slot++ {
		clearDirEntry(buf, cfg, dirSlotOffset(cfg, slot))
	}
	return dirWriteBlock(ci, 0, buf)
}

// ---- inode-level API ----

// Lookup resolves name within parentIno's directory.
func (d *Dispatcher) Lookup(parentIno uint32, name string) (uint32, error) {
	var ino uint32
	err := d.dispatch(0, func() error {
		parent, err := mountInode(d.vol, parentIno)
		if err != nil {
			return err
		}
		defer parent.Release()
		if !parent.Node().IsDir() {
			return ErrNotDir
		}
		ino, err = dirLookup(parent, name)
		if err != nil {
			return err
		}
		if ino == InvalidIno {
			return ErrNotFound
		}
		return nil
	})
	return ino, err
}

// Create makes a new file/dir/symlink named name inside parentIno.
func (d *Dispatcher) Create(parentIno uint32, name string, typ InodeType, perm uint16) (uint32, error) {
	event := EventCreate
	if typ == TypeDir {
		event = EventMkdir
	}
	var ino uint32
	err := d.dispatch(event, func() error {
		got, err := d.createOnce(parentIno, name, typ, perm)
		if err != nil {
			return err
		}
		ino = got
		return nil
	})
	return ino, err
}

func (d *Dispatcher) createOnce(parentIno uint32, name string, typ InodeType, perm uint16) (uint32, error) {
	if len(name) == 0 {
		return InvalidIno, ErrInvalidArg
	}
	if len(name) > int(d.vol.cfg.MaxNameLen) {
		return InvalidIno, ErrNameTooLong
	}

	parent, err := mountInode(d.vol, parentIno)
	if err != nil {
		return InvalidIno, err
	}
	defer parent.Release()
	if !parent.Node().IsDir() {
		return InvalidIno, ErrNotDir
	}
	existing, err := dirLookup(parent, name)
	if err != nil {
		return InvalidIno, err
	}
	if existing != InvalidIno {
		return InvalidIno, ErrExists
	}

	child, err := createInode(d.vol, typ)
	if err != nil {
		return InvalidIno, err
	}

	uid, gid := d.vol.owner.UID(), d.vol.owner.GID()
	var now int64
	if d.vol.cfg.Timestamps {
		now = d.vol.clock.Now().Unix()
	}
	linkCount := uint32(1)
	if typ == TypeDir {
		linkCount = 2
	}
	if err := child.Modify(func(n *Inode) {
		n.Parent = parentIno
		n.Perm = perm
		n.UID = uid
		n.GID = gid
		n.LinkCount = linkCount
		if d.vol.cfg.Timestamps {
			n.Atime, n.Mtime, n.Ctime = now, now, now
		}
	}); err != nil {
		child.Release()
		return InvalidIno, err
	}

	if typ == TypeDir {
		if err := writeEmptyDirBlock(child, child.Ino(), parentIno); err != nil {
			child.Release()
			return InvalidIno, err
		}
	}

	if err := dirInsert(parent, name, child.Ino()); err != nil {
		child.Release()
		return InvalidIno, err
	}
	if typ == TypeDir {
		if err := parent.Modify(func(n *Inode) { n.LinkCount++ }); err != nil {
			child.Release()
			return InvalidIno, err
		}
	}

	ino := child.Ino()
	if err := child.Release(); err != nil {
		return InvalidIno, err
	}
	return ino, nil
}

// Link adds another directory entry pointing at an existing inode
//. Refused for directories, matching Config.HardLinks
// gating link count semantics in the first place.
func (d *Dispatcher) Link(parentIno uint32, name string, ino uint32) error {
	return d.dispatch(EventLink, func() error {
		if !d.vol.cfg.HardLinks {
			return ErrInvalidArg
		}
		if len(name) == 0 || len(name) > int(d.vol.cfg.MaxNameLen) {
			return ErrNameTooLong
		}
		parent, err := mountInode(d.vol, parentIno)
		if err != nil {
			return err
		}
		defer parent.Release()
		if !parent.Node().IsDir() {
			return ErrNotDir
		}
		existing, err := dirLookup(parent, name)
		if err != nil {
			return err
		}
		if existing != InvalidIno {
			return ErrExists
		}

		target, err := mountInode(d.vol, ino)
		if err != nil {
			return err
		}
		defer target.Release()
		if target.Node().IsDir() {
			return ErrIsDir
		}
		if target.Node().LinkCount+1 == 0 {
			return ErrTooManyLinks
		}
		if err := target.Modify(func(n *Inode) { n.LinkCount++ }); err != nil {
			return err
		}
		return dirInsert(parent, name, ino)
	})
}

// Unlink removes a directory entry, freeing the target inode
// immediately if its link count reaches zero, or orphaning it (so a
// still-open handle keeps working until Release) when orphan is true.
func (d *Dispatcher) Unlink(parentIno uint32, name string, orphan bool) error {
	return d.dispatch(EventUnlink, func() error {
		parent, err := mountInode(d.vol, parentIno)
		if err != nil {
			return err
		}
		defer parent.Release()
		if !parent.Node().IsDir() {
			return ErrNotDir
		}
		ino, err := dirLookup(parent, name)
		if err != nil {
			return err
		}
		if ino == InvalidIno {
			return ErrNotFound
		}

		target, err := mountInode(d.vol, ino)
		if err != nil {
			return err
		}

		if target.Node().IsDir() {
			empty, err := dirIsEmpty(target)
			if err != nil {
				target.Release()
				return err
			}
			if !empty {
				target.Release()
				return ErrNotEmpty
			}
		}

		if err := dirRemove(parent, name); err != nil {
			target.Release()
			return err
		}
		if target.Node().IsDir() {
			if err := parent.Modify(func(n *Inode) { n.LinkCount-- }); err != nil {
				target.Release()
				return err
			}
		}

		var linksLeft uint32
		if err := target.Modify(func(n *Inode) {
			if n.LinkCount > 0 {
				n.LinkCount--
			}
			linksLeft = n.LinkCount
		}); err != nil {
			target.Release()
			return err
		}

		if linksLeft > 0 {
			return target.Release()
		}
		if orphan {
			if err := linkOrphan(d.vol, target); err != nil {
				target.Release()
				return err
			}
			return target.Release()
		}
		if err := target.Truncate(0); err != nil {
			target.Release()
			return err
		}
		return freeInodeHandle(target)
	})
}

// Rename moves (and optionally overwrites) a directory entry. Cross-
// directory renames within the same volume are supported; cross-volume
// renames are out of scope.
func (d *Dispatcher) Rename(srcParentIno uint32, srcName string, dstParentIno uint32, dstName string, orphan bool) error {
	return d.dispatch(EventRename, func() error {
		srcParent, err := mountInode(d.vol, srcParentIno)
		if err != nil {
			return err
		}
		defer srcParent.Release()
		if !srcParent.Node().IsDir() {
			return ErrNotDir
		}
		srcIno, err := dirLookup(srcParent, srcName)
		if err != nil {
			return err
		}
		if srcIno == InvalidIno {
			return ErrNotFound
		}

		var dstParent *CachedInode
		if dstParentIno == srcParentIno {
			dstParent = srcParent
		} else {
			dstParent, err = mountInode(d.vol, dstParentIno)
			if err != nil {
				return err
			}
			defer dstParent.Release()
		}
		if !dstParent.Node().IsDir() {
			return ErrNotDir
		}

		existingDst, err := dirLookup(dstParent, dstName)
		if err != nil {
			return err
		}
		if existingDst == srcIno && dstParentIno == srcParentIno {
			return nil
		}
		if existingDst != InvalidIno {
			if err := d.replaceOnRename(dstParent, dstName, existingDst, orphan); err != nil {
				return err
			}
		}

		if err := dirInsert(dstParent, dstName, srcIno); err != nil {
			return err
		}
		if err := dirRemove(srcParent, srcName); err != nil {
			return err
		}

		if dstParentIno != srcParentIno {
			moved, err := mountInode(d.vol, srcIno)
			if err != nil {
				return err
			}
			if err := moved.Modify(func(n *Inode) { n.Parent = dstParentIno }); err != nil {
				moved.Release()
				return err
			}
			if moved.Node().IsDir() {
				if err := srcParent.Modify(func(n *Inode) { n.LinkCount-- }); err != nil {
					moved.Release()
					return err
				}
				if err := dstParent.Modify(func(n *Inode) { n.LinkCount++ }); err != nil {
					moved.Release()
					return err
				}
			}
			if err := moved.Release(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Dispatcher) replaceOnRename(dir *CachedInode, name string, victimIno uint32, orphan bool) error {
	victim, err := mountInode(d.vol, victimIno)
	if err != nil {
		return err
	}
	if victim.Node().IsDir() {
		empty, err := dirIsEmpty(victim)
		if err != nil {
			victim.Release()
			return err
		}
		if !empty {
			victim.Release()
			return ErrNotEmpty
		}
	}
	if err := dirRemove(dir, name); err != nil {
		victim.Release()
		return err
	}
	if victim.Node().IsDir() {
		if err := dir.Modify(func(n *Inode) { n.LinkCount-- }); err != nil {
			victim.Release()
			return err
		}
	}
	var linksLeft uint32
	if err := victim.Modify(func(n *Inode) {
		if n.LinkCount > 0 {
			n.LinkCount--
		}
		linksLeft = n.LinkCount
	}); err != nil {
		victim.Release()
		return err
	}
	if linksLeft > 0 {
		return victim.Release()
	}
	if orphan {
		if err := linkOrphan(d.vol, victim); err != nil {
			victim.Release()
			return err
		}
		return victim.Release()
	}
	if err := victim.Truncate(0); err != nil {
		victim.Release()
		return err
	}
	return freeInodeHandle(victim)
}

// Stat reports ino's metadata.
func (d *Dispatcher) Stat(ino uint32) (InodeStat, error) {
	var st InodeStat
	err := d.dispatch(0, func() error {
		ci, err := mountInode(d.vol, ino)
		if err != nil {
			return err
		}
		defer ci.Release()
		n := ci.Node()
		st = InodeStat{
			Ino: ino, Type: n.Type, Size: n.Size, LinkCount: n.LinkCount,
			Perm: n.Perm, UID: n.UID, GID: n.GID,
			Atime: n.Atime, Mtime: n.Mtime, Ctime: n.Ctime,
		}
		return nil
	})
	return st, err
}

// Chmod changes an inode's permission bits.
func (d *Dispatcher) Chmod(ino uint32, perm uint16) error {
	return d.dispatch(0, func() error {
		if !d.vol.cfg.PosixPerms {
			return ErrInvalidArg
		}
		ci, err := mountInode(d.vol, ino)
		if err != nil {
			return err
		}
		defer ci.Release()
		return ci.Modify(func(n *Inode) { n.Perm = perm })
	})
}

// Chown changes an inode's owning uid/gid.
func (d *Dispatcher) Chown(ino uint32, uid, gid uint32) error {
	return d.dispatch(0, func() error {
		if !d.vol.cfg.PosixPerms {
			return ErrInvalidArg
		}
		ci, err := mountInode(d.vol, ino)
		if err != nil {
			return err
		}
		defer ci.Release()
		return ci.Modify(func(n *Inode) { n.UID, n.GID = uid, gid })
	})
}

// Utimes changes an inode's access/modification times.
func (d *Dispatcher) Utimes(ino uint32, atime, mtime int64) error {
	return d.dispatch(0, func() error {
		if !d.vol.cfg.Timestamps {
			return ErrInvalidArg
		}
		ci, err := mountInode(d.vol, ino)
		if err != nil {
			return err
		}
		defer ci.Release()
		return ci.Modify(func(n *Inode) { n.Atime, n.Mtime = atime, mtime })
	})
}

// FileRead reads up to len(buf) bytes starting at offset.
func (d *Dispatcher) FileRead(ino uint32, offset uint64, buf []byte) (int, error) {
	var n int
	err := d.dispatch(0, func() error {
		ci, err := mountInode(d.vol, ino)
		if err != nil {
			return err
		}
		defer ci.Release()
		if ci.Node().IsDir() {
			return ErrIsDir
		}
		n, err = ci.Read(offset, buf)
		return err
	})
	return n, err
}

// FileWrite writes len(buf) bytes starting at offset, extending the file
// as needed.
func (d *Dispatcher) FileWrite(ino uint32, offset uint64, buf []byte) (int, error) {
	var n int
	err := d.dispatch(EventWrite, func() error {
		ci, err := mountInode(d.vol, ino)
		if err != nil {
			return err
		}
		defer ci.Release()
		if ci.Node().IsDir() {
			return ErrIsDir
		}
		n, err = ci.Write(offset, buf)
		if err != nil {
			return err
		}
		if d.vol.cfg.Timestamps {
			now := d.vol.clock.Now().Unix()
			return ci.Modify(func(ino *Inode) { ino.Mtime = now })
		}
		return nil
	})
	return n, err
}

// FileTruncate changes ino's size.
func (d *Dispatcher) FileTruncate(ino uint32, size uint64) error {
	return d.dispatch(EventTruncate, func() error {
		ci, err := mountInode(d.vol, ino)
		if err != nil {
			return err
		}
		defer ci.Release()
		if ci.Node().IsDir() {
			return ErrIsDir
		}
		return ci.Truncate(size)
	})
}

// FileReserve pre-allocates space for a future write, failing up front
// with ENOSPC rather than partway through.
func (d *Dispatcher) FileReserve(ino uint32, offset, length uint64) error {
	return d.dispatch(0, func() error {
		ci, err := mountInode(d.vol, ino)
		if err != nil {
			return err
		}
		defer ci.Release()
		return ci.Reserve(offset, length)
	})
}

// FileUnreserve releases a reservation made by FileReserve.
func (d *Dispatcher) FileUnreserve(ino uint32, offset uint64) error {
	return d.dispatch(0, func() error {
		ci, err := mountInode(d.vol, ino)
		if err != nil {
			return err
		}
		defer ci.Release()
		return ci.Unreserve(offset)
	})
}

// DirRead returns the next directory entry at or after pos (a byte
// offset into the directory's data, round-tripped by the caller across
// calls), and the offset to resume from.
func (d *Dispatcher) DirRead(ino uint32, pos uint64) (DirEntry, uint64, error) {
	var entry DirEntry
	var next uint64
	err := d.dispatch(0, func() error {
		ci, err := mountInode(d.vol, ino)
		if err != nil {
			return err
		}
		defer ci.Release()
		if !ci.Node().IsDir() {
			return ErrNotDir
		}
		cfg := ci.cfg()
		size := cfg.BlockSize
		for pos < ci.Node().Size {
			blockIdx := uint32(pos / uint64(size))
			buf, err := dirReadBlock(ci, blockIdx)
			if err != nil {
				return err
			}
			slotInBlock := int((pos % uint64(size)) / uint64(dirEntrySize(cfg)))
			found := false
			forEachDirSlot(buf, cfg, func(i int, e DirEntry) bool {
				if i < slotInBlock {
					return true
				}
				if !e.free() {
					entry = e
					next = uint64(blockIdx)*uint64(size) + uint64(dirSlotOffset(cfg, i+1))
					found = true
					return false
				}
				return true
			})
			if found {
				return nil
			}
			pos = uint64(blockIdx+1) * uint64(size)
		}
		return ErrNotFound
	})
	return entry, next, err
}

// DirParent reports the inode number of ino's containing directory.
func (d *Dispatcher) DirParent(ino uint32) (uint32, error) {
	var parent uint32
	err := d.dispatch(0, func() error {
		ci, err := mountInode(d.vol, ino)
		if err != nil {
			return err
		}
		defer ci.Release()
		parent = ci.Node().Parent
		return nil
	})
	return parent, err
}

// FreeOrphan frees one specific orphaned inode's content and allocation,
// removing it from the live orphan list first if it is still on it.
func (d *Dispatcher) FreeOrphan(ino uint32) error {
	return d.dispatch(0, func() error {
		if d.vol.workingMR.OrphanHead != InvalidIno {
			cur := d.vol.workingMR.OrphanHead
			for cur != InvalidIno {
				ci, err := mountInode(d.vol, cur)
				if err != nil {
					return err
				}
				next := ci.Node().NextOrphan
				isTarget := cur == ino
				if err := ci.Release(); err != nil {
					return err
				}
				if isTarget {
					if err := unlinkOrphan(d.vol, ino); err != nil {
						return err
					}
					break
				}
				cur = next
			}
		}
		target, err := mountInode(d.vol, ino)
		if err != nil {
			return err
		}
		if err := target.Truncate(0); err != nil {
			target.Release()
			return err
		}
		return freeInodeHandle(target)
	})
}

// VolFreeOrphans frees up to maxCount inodes off the defunct orphan list
//; maxCount <= 0 means unbounded.
func (d *Dispatcher) VolFreeOrphans(maxCount int) (int, error) {
	freed := 0
	err := d.dispatch(0, func() error {
		cur := d.vol.workingMR.DefunctOrphanHead
		for cur != InvalidIno && (maxCount <= 0 || freed < maxCount) {
			ci, err := mountInode(d.vol, cur)
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
			d.vol.workingMR.DefunctOrphanHead = next
			freed++
			cur = next
		}
		return nil
	})
	return freed, err
}
