package embedfs

import "fmt"

// invalidCoordEntry marks an unpopulated indirect/double-indirect
// coordinate; -1 reads more idiomatically in Go than a reserved uint16
// maximum.
const invalidCoordEntry = -1

// CachedInode is a pinned, mutable handle on one inode: the buffer
// backing its current physical slot, the decoded Inode it holds, and
// (lazily, once inodedata.go's seek has been used) the logical block
// coordinates and pinned buffers at each level of its block map. All
// inode mutation goes through it so the buffer cache's dirty/branch
// bookkeeping stays authoritative, covering both read and write access.
type CachedInode struct {
	ic   imapContext
	ino  uint32
	buf  *Buf
	node *Inode

	fDirectory bool

	// Traversal state, populated by inodedata.go's seek and invalidated
	// by its putData/putIndir/putDindir/putCoord helpers.
	fCoordInited bool
	logicalBlock uint32
	inodeEntry   int
	indirEntry   int
	dindirEntry  int

	dindirBuf *Buf
	indirBuf  *Buf
	dataBuf   *Buf

	dindirBlock uint32
	indirBlock  uint32
	dataBlock   uint32
}

// mountInode pins and decodes ino's current on-disk block, resolving its
// physical slot through the working metaroot's selector bit
// (imap.go's inodeSlot). An inode that is free or almost-free in the
// working state is reported as ErrNotFound.
func mountInode(ic imapContext, ino uint32) (*CachedInode, error) {
	st, err := inodeState(ic, ino)
	if err != nil {
		return nil, err
	}
	if st == classFree || st == classAlmostFree {
		return nil, ErrNotFound
	}
	phys, err := inodeSlot(ic, ic.working(), ino)
	if err != nil {
		return nil, err
	}
	buf, err := ic.cache().Get(ic.id(), phys, GetOpts{MetaSig: sigInode})
	if err != nil {
		return nil, err
	}
	node := decodeInode(buf.Data(), ic.config())
	return &CachedInode{
		ic: ic, ino: ino, buf: buf, node: node,
		fDirectory:  node.IsDir(),
		inodeEntry:  invalidCoordEntry,
		indirEntry:  invalidCoordEntry,
		dindirEntry: invalidCoordEntry,
	}, nil
}

// Ino returns the inode number this handle refers to.
func (ci *CachedInode) Ino() uint32 { return ci.ino }

// Node exposes the decoded inode for reading. Callers must go through
// Modify to change any field -- direct mutation here would not branch
// the backing block or re-encode it.
func (ci *CachedInode) Node() *Inode { return ci.node }

// Release unpins the inode's backing buffer, along with any dindir/
// indir/data buffers a prior inodedata.go seek left pinned. Must be
// called exactly once per mountInode/createInode, after any Modify calls
// this handle made.
func (ci *CachedInode) Release() error {
	if err := ci.putData(); err != nil {
		return err
	}
	if err := ci.putCoord(); err != nil {
		return err
	}
	return ci.ic.cache().Put(ci.buf)
}

// branchIfNeeded moves the inode's content to this transaction's
// physical slot the first time it is touched, the same pattern imap.go's
// ensureImapNodeBranched applies one level down the tree. Because
// mountInode pinned the buffer under its pre-branch block number, a
// successful branch silently rebinds that same pinned Buf (Buf is just a
// cache-slot index, so Cache.Branch's in-place head update is visible
// through it) -- no re-Get is needed here.
func (ci *CachedInode) branchIfNeeded() error {
	phys, err := ensureInodeBranched(ci.ic, ci.ino)
	if err != nil {
		return err
	}
	if phys != ci.buf.Block() {
		return corrupt("cachedinode-branch-drift",
			fmt.Sprintf("ino=%d expected %d got %d", ci.ino, phys, ci.buf.Block()))
	}
	return nil
}

// Modify branches the inode's block to this transaction's slot if that
// has not already happened, applies fn to the decoded inode, and
// persists the result. The same branch-on-write pattern applied to inode
// content rather than a data/indirect block.
func (ci *CachedInode) Modify(fn func(*Inode)) error {
	fn(ci.node)
	return ci.persistNode()
}

// persistNode branches the inode's block to this transaction's slot if
// that has not already happened, then re-encodes ci.node into its
// backing buffer and marks it dirty. Unlike Modify, it takes no callback:
// inodedata.go's Write/Truncate/Reserve/branchBlock mutate ci.node's
// Size and Direct/Indirect/Dindirect fields directly (through ci.seek's
// coordinate state) and call this afterward to make those mutations
// durable, instead of routing every block-pointer install through a
// closure.
func (ci *CachedInode) persistNode() error {
	if err := ci.branchIfNeeded(); err != nil {
		return err
	}
	encodeInode(ci.buf.Data(), ci.ic.config(), ci.node)
	return ci.ic.cache().Dirty(ci.buf)
}

// createInode allocates a fresh inode number, branches it into this
// transaction's slot, and initializes it to a zeroed inode of the given
// type. The returned handle is pinned and dirty; the caller still owns
// assigning Parent/Perm/UID/GID/etc. via Modify.
func createInode(ic imapContext, typ InodeType) (*CachedInode, error) {
	ino, err := allocInode(ic)
	if err != nil {
		return nil, err
	}
	phys, err := ensureInodeBranched(ic, ino)
	if err != nil {
		return nil, err
	}
	buf, err := ic.cache().Get(ic.id(), phys, GetOpts{MetaSig: sigInode})
	if err != nil {
		return nil, err
	}
	node := newInode(ic.config(), typ)
	ci := &CachedInode{
		ic: ic, ino: ino, buf: buf, node: node,
		fDirectory:  typ == TypeDir,
		inodeEntry:  invalidCoordEntry,
		indirEntry:  invalidCoordEntry,
		dindirEntry: invalidCoordEntry,
	}
	encodeInode(ci.buf.Data(), ic.config(), node)
	if err := ic.cache().Dirty(ci.buf); err != nil {
		return nil, err
	}
	return ci, nil
}

// freeInodeHandle releases ci's pinned buffers and clears ino's
// allocation bit, after which mountInode reports ino as not found; ci
// must not be used afterward. The caller is responsible for having already driven
// LinkCount to zero and detached ino from any directory and, if it was
// still open, from the orphan list.
func freeInodeHandle(ci *CachedInode) error {
	ic := ci.ic
	if err := ci.Release(); err != nil {
		return err
	}
	return freeInode(ic, ci.ino)
}

// linkOrphan pushes ino onto the working metaroot's orphan list head,
// for an inode whose link count has reached zero while still open. The
// list always inserts at the head and is walked and freed at the next
// mount that finds it non-empty (see volume.go's concatenateOrphans).
func linkOrphan(ic imapContext, ci *CachedInode) error {
	mr := ic.working()
	head := mr.OrphanHead
	if err := ci.Modify(func(n *Inode) { n.NextOrphan = head }); err != nil {
		return err
	}
	mr.OrphanHead = ci.ino
	if mr.OrphanTail == InvalidIno {
		mr.OrphanTail = ci.ino
	}
	return nil
}

// unlinkOrphan removes ino from the working metaroot's orphan list,
// walking from the head since the list is singly-linked forward only;
// used when an orphaned inode's last open handle closes inside the same
// transaction that orphaned it, before any commit concatenates it into
// the defunct list.
func unlinkOrphan(ic imapContext, ino uint32) error {
	mr := ic.working()
	if mr.OrphanHead == ino {
		node, err := mountInode(ic, ino)
		if err != nil {
			return err
		}
		next := node.Node().NextOrphan
		if err := node.Release(); err != nil {
			return err
		}
		mr.OrphanHead = next
		if mr.OrphanTail == ino {
			mr.OrphanTail = next
		}
		return nil
	}

	prev := mr.OrphanHead
	for prev != InvalidIno {
		prevNode, err := mountInode(ic, prev)
		if err != nil {
			return err
		}
		next := prevNode.Node().NextOrphan
		if next == ino {
			target, err := mountInode(ic, ino)
			if err != nil {
				prevNode.Release()
				return err
			}
			nextNext := target.Node().NextOrphan
			if err := target.Release(); err != nil {
				prevNode.Release()
				return err
			}
			if err := prevNode.Modify(func(n *Inode) { n.NextOrphan = nextNext }); err != nil {
				return err
			}
			if mr.OrphanTail == ino {
				mr.OrphanTail = prev
			}
			return prevNode.Release()
		}
		if err := prevNode.Release(); err != nil {
			return err
		}
		prev = next
	}
	return corrupt("orphan-not-found", fmt.Sprintf("ino=%d", ino))
}
