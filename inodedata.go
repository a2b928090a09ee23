package embedfs

import "fmt"

// branchDepth selects how far down the block map branch_block must make
// writable: the double-indirect only, the double-indirect and indirect,
// or all the way to the file data block.
type branchDepth int

const (
	branchDindir branchDepth = iota
	branchIndir
	branchFileData
)

func (ci *CachedInode) cfg() Config { return ci.ic.config() }

// putData releases the pinned file-data buffer, if any.
func (ci *CachedInode) putData() error {
	if ci.dataBuf == nil {
		return nil
	}
	err := ci.ic.cache().Put(ci.dataBuf)
	ci.dataBuf = nil
	return err
}

func (ci *CachedInode) putIndir() error {
	if ci.indirBuf == nil {
		return nil
	}
	err := ci.ic.cache().Put(ci.indirBuf)
	ci.indirBuf = nil
	return err
}

func (ci *CachedInode) putDindir() error {
	if ci.dindirBuf == nil {
		return nil
	}
	err := ci.ic.cache().Put(ci.dindirBuf)
	ci.dindirBuf = nil
	return err
}

// putCoord releases the indirect and double-indirect buffers and
// invalidates the cached coordinates entirely.
func (ci *CachedInode) putCoord() error {
	if err := ci.putIndir(); err != nil {
		return err
	}
	if err := ci.putDindir(); err != nil {
		return err
	}
	ci.fCoordInited = false
	return nil
}

// seekCoord computes (inodeEntry, dindirEntry, indirEntry) for logical
// block, releasing and re-acquiring the indirect/double-indirect buffers
// only when the coordinates actually move out from under them.
func (ci *CachedInode) seekCoord(block uint32) error {
	if ci.fCoordInited && ci.logicalBlock == block {
		return nil
	}
	if err := ci.putData(); err != nil {
		return err
	}
	ci.logicalBlock = block

	cfg := ci.cfg()
	ie := cfg.IndirEntries()
	direct := uint32(cfg.DirectPointers)
	indirRange := uint32(cfg.IndirectPointers) * ie
	dindirDataBlocks := ie * ie

	switch {
	case cfg.DirectPointers > 0 && block < direct:
		if err := ci.putCoord(); err != nil {
			return err
		}
		ci.inodeEntry = int(block)
		ci.dataBlock = ci.node.Direct[block]
		ci.indirEntry = invalidCoordEntry
		ci.dindirEntry = invalidCoordEntry

	case cfg.IndirectPointers > 0 && block < direct+indirRange:
		off := block - direct
		inodeEntry := int(off/ie) + int(cfg.DirectPointers)
		indirEntry := int(off % ie)

		if err := ci.putDindir(); err != nil {
			return err
		}
		if ci.inodeEntry != inodeEntry || !ci.fCoordInited {
			if err := ci.putIndir(); err != nil {
				return err
			}
			ci.inodeEntry = inodeEntry
			ci.indirBlock = ci.node.Indirect[inodeEntry-int(cfg.DirectPointers)]
		}
		ci.dindirEntry = invalidCoordEntry
		ci.indirEntry = indirEntry

	case cfg.DindirPointers > 0:
		off := block - direct - indirRange
		inodeEntry := int(off/dindirDataBlocks) + int(cfg.DirectPointers) + int(cfg.IndirectPointers)
		dindirOff := off % dindirDataBlocks
		dindirEntry := int(dindirOff / ie)
		indirEntry := int(dindirOff % ie)

		if ci.inodeEntry != inodeEntry || !ci.fCoordInited {
			if err := ci.putIndir(); err != nil {
				return err
			}
			if err := ci.putDindir(); err != nil {
				return err
			}
			ci.inodeEntry = inodeEntry
			ci.dindirBlock = ci.node.Dindirect[inodeEntry-int(cfg.DirectPointers)-int(cfg.IndirectPointers)]
		} else if ci.dindirEntry != dindirEntry {
			if err := ci.putIndir(); err != nil {
				return err
			}
		}
		ci.dindirEntry = dindirEntry
		ci.indirEntry = indirEntry

	default:
		return fmt.Errorf("%w: logical block %d exceeds this inode's addressable range", ErrFileTooBig, block)
	}

	ci.fCoordInited = true
	return nil
}

// seek resolves coordinates and, walking down from whichever of
// double-indirect/indirect exists, the physical data block number,
// fetching indirect-level buffers on demand. Returns ErrNoData if the
// block is sparse.
func (ci *CachedInode) seek(block uint32) error {
	if err := ci.seekCoord(block); err != nil {
		return err
	}
	cfg := ci.cfg()

	if ci.dindirEntry != invalidCoordEntry {
		if ci.dindirBlock == sparseBlock {
			ci.indirBlock = sparseBlock
		} else {
			if ci.dindirBuf == nil {
				buf, err := ci.ic.cache().Get(ci.ic.id(), ci.dindirBlock, GetOpts{MetaSig: sigDindir})
				if err != nil {
					return err
				}
				ci.dindirBuf = buf
			}
			dn := decodeIndirectNode(ci.dindirBuf.Data(), cfg)
			ci.indirBlock = dn.Entries[ci.dindirEntry]
		}
	}

	if ci.indirEntry != invalidCoordEntry {
		if ci.indirBlock == sparseBlock {
			ci.dataBlock = sparseBlock
		} else {
			if ci.indirBuf == nil {
				buf, err := ci.ic.cache().Get(ci.ic.id(), ci.indirBlock, GetOpts{MetaSig: sigIndir})
				if err != nil {
					return err
				}
				ci.indirBuf = buf
			}
			in := decodeIndirectNode(ci.indirBuf.Data(), cfg)
			ci.dataBlock = in.Entries[ci.indirEntry]
		}
	}

	if ci.dataBlock == sparseBlock {
		return ErrNoData
	}
	return nil
}

// branchOneBlock ensures the block numbered *blockPtr is writable this
// transaction: sparse becomes a fresh allocation, committed becomes a
// fresh allocation plus the old block marked almost-free (content moved
// via buf's Branch when wantBuffer, otherwise left for the caller to
// overwrite wholesale), and already-NEW is a no-op beyond dirtying the
// buffer. buf is both input (an already-pinned buffer for the
// pre-branch block, or nil) and output (the pinned buffer at the new
// block, or nil if wantBuffer is false).
func branchOneBlock(ic imapContext, blockPtr *uint32, metaSig uint32, wantBuffer bool, buf **Buf) error {
	prev := *blockPtr

	if prev != sparseBlock {
		state, err := blockState(ic, prev)
		if err != nil {
			return err
		}
		if state == classNew {
			if wantBuffer {
				if *buf == nil {
					b, err := ic.cache().Get(ic.id(), prev, GetOpts{MetaSig: metaSig})
					if err != nil {
						return err
					}
					*buf = b
				}
				if err := ic.cache().Dirty(*buf); err != nil {
					return err
				}
			}
			return nil
		}
	}

	newBlock, err := allocBlock(ic)
	if err != nil {
		return err
	}

	if prev == sparseBlock {
		if wantBuffer {
			b, err := ic.cache().Get(ic.id(), newBlock, GetOpts{New: true})
			if err != nil {
				return err
			}
			if err := ic.cache().Dirty(b); err != nil {
				return err
			}
			*buf = b
		}
	} else {
		if wantBuffer {
			if *buf == nil {
				b, err := ic.cache().Get(ic.id(), prev, GetOpts{MetaSig: metaSig})
				if err != nil {
					return err
				}
				*buf = b
			}
			if err := ic.cache().Branch(*buf, newBlock); err != nil {
				return err
			}
		}
		if err := freeBlock(ic, prev); err != nil {
			return err
		}
	}
	*blockPtr = newBlock
	return nil
}

// branchBlockCost is the worst-case number of new block allocations
// branch_block(depth) could need -- at most three (dindir, indir, data),
// minus one for each level already in NEW state or out of scope for this
// depth. The
// caller must already have seek'd to the target coordinates.
func branchBlockCost(ci *CachedInode, depth branchDepth) (uint32, error) {
	cost := uint32(3)

	if ci.dindirEntry != invalidCoordEntry {
		if ci.dindirBlock != sparseBlock {
			state, err := blockState(ci.ic, ci.dindirBlock)
			if err != nil {
				return 0, err
			}
			if state == classNew {
				cost--
			}
		}
	} else {
		cost--
	}

	if ci.indirEntry != invalidCoordEntry && depth >= branchIndir {
		if ci.indirBlock != sparseBlock {
			state, err := blockState(ci.ic, ci.indirBlock)
			if err != nil {
				return 0, err
			}
			if state == classNew {
				cost--
			}
		}
	} else {
		cost--
	}

	if depth == branchFileData {
		if ci.dataBlock != sparseBlock {
			state, err := blockState(ci.ic, ci.dataBlock)
			if err != nil {
				return 0, err
			}
			if state == classNew {
				cost--
			}
		}
	} else {
		cost--
	}

	return cost, nil
}

// branchBlock ensures the double-indirect (if any), indirect (if any and
// depth requires it), and data block (if depth == branchFileData) along
// the current seek path are writable this transaction, updating parent
// pointers as each level is branched. wantDataBuffer controls
// whether the data block (when depth == branchFileData) is buffered;
// the dindir/indir levels are always buffered since their contents must
// be read to find the next pointer.
func (ci *CachedInode) branchBlock(depth branchDepth, wantDataBuffer bool) error {
	cost, err := branchBlockCost(ci, depth)
	if err != nil {
		return err
	}
	if cost > availableFreeBlocks(ci.ic) {
		return ErrNoSpace
	}

	if ci.dindirEntry != invalidCoordEntry {
		if err := branchOneBlock(ci.ic, &ci.dindirBlock, sigDindir, true, &ci.dindirBuf); err != nil {
			return err
		}
		dn := decodeIndirectNode(ci.dindirBuf.Data(), ci.cfg())
		dn.Owner = ci.ino
		encodeIndirectNode(ci.dindirBuf.Data(), sigDindir, dn)
		ci.node.Dindirect[ci.inodeEntry-int(ci.cfg().DirectPointers)-int(ci.cfg().IndirectPointers)] = ci.dindirBlock
	}

	if ci.indirEntry != invalidCoordEntry && depth >= branchIndir {
		if err := branchOneBlock(ci.ic, &ci.indirBlock, sigIndir, true, &ci.indirBuf); err != nil {
			return err
		}
		in := decodeIndirectNode(ci.indirBuf.Data(), ci.cfg())
		in.Owner = ci.ino
		encodeIndirectNode(ci.indirBuf.Data(), sigIndir, in)
		if ci.dindirEntry != invalidCoordEntry {
			dn := decodeIndirectNode(ci.dindirBuf.Data(), ci.cfg())
			dn.Entries[ci.dindirEntry] = ci.indirBlock
			encodeIndirectNode(ci.dindirBuf.Data(), sigDindir, dn)
		} else {
			ci.node.Indirect[ci.inodeEntry-int(ci.cfg().DirectPointers)] = ci.indirBlock
		}
	}

	if depth == branchFileData {
		if err := branchOneBlock(ci.ic, &ci.dataBlock, 0, wantDataBuffer, &ci.dataBuf); err != nil {
			return err
		}
		if ci.indirEntry != invalidCoordEntry {
			in := decodeIndirectNode(ci.indirBuf.Data(), ci.cfg())
			in.Entries[ci.indirEntry] = ci.dataBlock
			encodeIndirectNode(ci.indirBuf.Data(), sigIndir, in)
		} else {
			ci.node.Direct[ci.inodeEntry] = ci.dataBlock
		}
	}

	return ci.persistNode()
}

const blockSizeUnset = ^uint32(0)

// Read copies up to len(dst) bytes starting at file offset start into
// dst, stopping at end-of-file; sparse regions read as zero. Returns the number of bytes actually read.
func (ci *CachedInode) Read(start uint64, dst []byte) (int, error) {
	size := ci.node.Size
	if start >= size {
		return 0, nil
	}
	if uint64(len(dst)) > size-start {
		dst = dst[:size-start]
	}
	if len(dst) == 0 {
		return 0, nil
	}

	bs := uint64(ci.cfg().BlockSize)
	n := 0
	for n < len(dst) {
		off := start + uint64(n)
		blockNo := uint32(off / bs)
		inBlock := uint32(off % bs)

		if inBlock == 0 && uint64(len(dst)-n) >= bs {
			runStart := blockNo
			runLen := uint32(0)
			firstData := uint32(0)
			for uint64(runLen+1)*bs <= uint64(len(dst)-n) {
				err := ci.seek(runStart + runLen)
				if err == ErrNoData {
					break
				}
				if err != nil {
					return n, err
				}
				if runLen == 0 {
					firstData = ci.dataBlock
				} else if ci.dataBlock != firstData+runLen {
					break
				}
				runLen++
			}
			if runLen > 0 {
				chunk := dst[n : n+int(runLen)*int(bs)]
				if err := ci.ic.cache().ReadRange(ci.ic.id(), firstData, runLen, chunk); err != nil {
					return n, err
				}
				n += len(chunk)
				continue
			}
		}

		thisLen := int(bs - uint64(inBlock))
		if thisLen > len(dst)-n {
			thisLen = len(dst) - n
		}
		if err := ci.readPartial(blockNo, inBlock, dst[n:n+thisLen]); err != nil {
			return n, err
		}
		n += thisLen
	}
	return n, nil
}

func (ci *CachedInode) readPartial(blockNo, inBlock uint32, dst []byte) error {
	err := ci.seek(blockNo)
	if err == ErrNoData {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	if err != nil {
		return err
	}
	if ci.dataBuf == nil || ci.dataBuf.Block() != ci.dataBlock {
		if err := ci.putData(); err != nil {
			return err
		}
		buf, err := ci.ic.cache().Get(ci.ic.id(), ci.dataBlock, GetOpts{})
		if err != nil {
			return err
		}
		ci.dataBuf = buf
	}
	copy(dst, ci.dataBuf.Data()[inBlock:])
	return nil
}

// Write copies src into the file starting at offset start, expanding the
// file and allocating/branching blocks as needed.
// Returns the number of bytes actually written; on ENOSPC after partial
// progress, the partial count and a nil error are returned, matching the
// "return partial success" contract the dispatcher retries against.
func (ci *CachedInode) Write(start uint64, src []byte) (int, error) {
	maxSize := ci.cfg().InodeSizeMax()
	if start > maxSize || (start == maxSize && len(src) > 0) {
		return 0, ErrFileTooBig
	}
	if uint64(len(src)) > maxSize-start {
		src = src[:maxSize-start]
	}
	if len(src) == 0 {
		return 0, nil
	}

	if start > ci.node.Size {
		if err := ci.expandPrepare(); err != nil {
			return 0, err
		}
	}

	bs := uint64(ci.cfg().BlockSize)
	n := 0
	for n < len(src) {
		off := start + uint64(n)
		blockNo := uint32(off / bs)
		inBlock := uint32(off % bs)

		if inBlock == 0 && uint64(len(src)-n) >= bs {
			runStart := blockNo
			runLen := uint32(0)
			firstData := uint32(0)
			for uint64(runLen+1)*bs <= uint64(len(src)-n) {
				if err := ci.seek(runStart + runLen); err != nil && err != ErrNoData {
					if runLen > 0 {
						break
					}
					return n, err
				}
				if err := ci.branchBlock(branchFileData, false); err != nil {
					if err == ErrNoSpace {
						break
					}
					return n, err
				}
				if runLen == 0 {
					firstData = ci.dataBlock
				} else if ci.dataBlock != firstData+runLen {
					break
				}
				runLen++
			}
			if runLen > 0 {
				chunk := src[n : n+int(runLen)*int(bs)]
				if err := ci.ic.cache().WriteRange(ci.ic.id(), firstData, runLen, chunk); err != nil {
					return n, err
				}
				n += len(chunk)
				if uint64(start+uint64(n)) > ci.node.Size {
					ci.node.Size = start + uint64(n)
				}
				continue
			}
			if n > 0 {
				break
			}
		}

		thisLen := int(bs - uint64(inBlock))
		if thisLen > len(src)-n {
			thisLen = len(src) - n
		}
		if err := ci.writePartial(blockNo, inBlock, src[n:n+thisLen]); err != nil {
			if err == ErrNoSpace {
				break
			}
			return n, err
		}
		n += thisLen
		if start+uint64(n) > ci.node.Size {
			ci.node.Size = start + uint64(n)
		}
	}
	if n > 0 {
		if err := ci.persistNode(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (ci *CachedInode) writePartial(blockNo, inBlock uint32, src []byte) error {
	if err := ci.seek(blockNo); err != nil && err != ErrNoData {
		return err
	}
	if err := ci.branchBlock(branchFileData, true); err != nil {
		return err
	}
	copy(ci.dataBuf.Data()[inBlock:], src)
	return ci.ic.cache().Dirty(ci.dataBuf)
}

// expandPrepare zeroes the tail of the current last block when growing
// past a non-block-aligned size, so a prior shrink's stale tail bytes
// never resurface.
func (ci *CachedInode) expandPrepare() error {
	bs := uint64(ci.cfg().BlockSize)
	tailStart := ci.node.Size % bs
	if tailStart == 0 {
		return nil
	}
	lastBlock := uint32(ci.node.Size / bs)
	if err := ci.seek(lastBlock); err != nil && err != ErrNoData {
		return err
	}
	if err := ci.branchBlock(branchFileData, true); err != nil {
		return err
	}
	data := ci.dataBuf.Data()
	for i := tailStart; i < uint64(len(data)); i++ {
		data[i] = 0
	}
	return ci.ic.cache().Dirty(ci.dataBuf)
}

// Truncate changes the inode's size, freeing trailing blocks on shrink
// or creating a sparse region (plus zeroing any partial final block) on
// expand.
func (ci *CachedInode) Truncate(newSize uint64) error {
	if newSize > ci.cfg().InodeSizeMax() {
		return ErrFileTooBig
	}
	switch {
	case newSize > ci.node.Size:
		if err := ci.expandPrepare(); err != nil {
			return err
		}
	case newSize < ci.node.Size:
		if err := ci.shrink(newSize); err != nil {
			return err
		}
	}
	ci.node.Size = newSize
	return ci.persistNode()
}

func divCeil(a, b uint32) uint32 {
	return (a + b - 1) / b
}

// shrink frees every data/indirect/double-indirect block beyond newSize.
func (ci *CachedInode) shrink(newSize uint64) error {
	bs := uint32(ci.cfg().BlockSize)
	truncBlock := divCeil(uint32(newSize), bs)
	if uint64(newSize) > uint64(^uint32(0))*uint64(bs) {
		return corrupt("inodedata-shrink-overflow", "")
	}

	if err := ci.putData(); err != nil {
		return err
	}

	cfg := ci.cfg()
	direct := uint32(cfg.DirectPointers)
	for truncBlock < direct {
		if err := truncDataBlock(ci.ic, &ci.node.Direct[truncBlock], true); err != nil {
			return err
		}
		truncBlock++
	}

	ie := cfg.IndirEntries()
	indirRange := direct + uint32(cfg.IndirectPointers)*ie
	for truncBlock < indirRange {
		err := ci.seek(truncBlock)
		if err != nil && err != ErrNoData {
			return err
		}
		freed, err := ci.truncIndir()
		if err != nil {
			return err
		}
		if freed {
			ci.node.Indirect[ci.inodeEntry-int(direct)] = sparseBlock
		}
		truncBlock += ie - uint32(ci.indirEntry)
	}

	dataBlocks := cfg.InodeDataBlocks()
	for uint64(truncBlock) < dataBlocks {
		err := ci.seek(truncBlock)
		if err != nil && err != ErrNoData {
			return err
		}
		origInodeEntry, origDindirEntry, origIndirEntry := ci.inodeEntry, ci.dindirEntry, ci.indirEntry

		freed, err := ci.truncDindir()
		if err != nil {
			return err
		}
		if freed {
			ci.node.Dindirect[origInodeEntry-int(direct)-int(cfg.IndirectPointers)] = sparseBlock
		}

		blocksTillEnd := (ie*ie - uint32(origDindirEntry)*ie) - uint32(origIndirEntry)
		remaining := uint32(dataBlocks - uint64(truncBlock))
		if blocksTillEnd > remaining {
			blocksTillEnd = remaining
		}
		truncBlock += blocksTillEnd
	}

	return nil
}

// truncIndir frees or branches the indirect node at the current
// coordinates, per the entries that survive the truncation boundary.
func (ci *CachedInode) truncIndir() (bool, error) {
	if ci.cfg().IndirectPointers == 0 && ci.cfg().DindirPointers == 0 {
		return false, nil
	}
	if ci.indirBlock == sparseBlock {
		return false, nil
	}
	cfg := ci.cfg()
	buf, err := ci.ic.cache().Get(ci.ic.id(), ci.indirBlock, GetOpts{MetaSig: sigIndir})
	if err != nil {
		return false, err
	}
	in := decodeIndirectNode(buf.Data(), cfg)

	branch := false
	for i := 0; i < ci.indirEntry; i++ {
		if in.Entries[i] != sparseBlock {
			branch = true
			break
		}
	}

	if branch {
		if err := ci.ic.cache().Put(buf); err != nil {
			return false, err
		}
		if err := ci.branchBlock(branchIndir, false); err != nil {
			return false, err
		}
		buf2, err := ci.ic.cache().Get(ci.ic.id(), ci.indirBlock, GetOpts{MetaSig: sigIndir})
		if err != nil {
			return false, err
		}
		in = decodeIndirectNode(buf2.Data(), cfg)
		for i := ci.indirEntry; i < len(in.Entries); i++ {
			if err := truncDataBlock(ci.ic, &in.Entries[i], true); err != nil {
				ci.ic.cache().Put(buf2)
				return false, err
			}
		}
		encodeIndirectNode(buf2.Data(), sigIndir, in)
		if err := ci.ic.cache().Dirty(buf2); err != nil {
			ci.ic.cache().Put(buf2)
			return false, err
		}
		return false, ci.ic.cache().Put(buf2)
	}

	for i := ci.indirEntry; i < len(in.Entries); i++ {
		if err := truncDataBlock(ci.ic, &in.Entries[i], true); err != nil {
			ci.ic.cache().Put(buf)
			return false, err
		}
	}
	if err := ci.ic.cache().Put(buf); err != nil {
		return false, err
	}
	if err := freeBlock(ci.ic, ci.indirBlock); err != nil {
		return false, err
	}
	ci.indirBlock = sparseBlock
	return true, nil
}

// truncDindir applies the same survives-vs-freed logic as truncIndir one
// level higher.
func (ci *CachedInode) truncDindir() (bool, error) {
	if ci.cfg().DindirPointers == 0 {
		return false, nil
	}
	if ci.dindirBlock == sparseBlock {
		return false, nil
	}
	cfg := ci.cfg()
	ie := cfg.IndirEntries()
	buf, err := ci.ic.cache().Get(ci.ic.id(), ci.dindirBlock, GetOpts{MetaSig: sigDindir})
	if err != nil {
		return false, err
	}
	dn := decodeIndirectNode(buf.Data(), cfg)

	branch := false
	for i := 0; i < ci.dindirEntry; i++ {
		if dn.Entries[i] != sparseBlock {
			branch = true
			break
		}
	}
	if !branch && dn.Entries[ci.dindirEntry] != sparseBlock {
		ci.indirBlock = dn.Entries[ci.dindirEntry]
		inBuf, err := ci.ic.cache().Get(ci.ic.id(), ci.indirBlock, GetOpts{MetaSig: sigIndir})
		if err == nil {
			in := decodeIndirectNode(inBuf.Data(), cfg)
			for i := 0; i < ci.indirEntry; i++ {
				if in.Entries[i] != sparseBlock {
					branch = true
					break
				}
			}
			ci.ic.cache().Put(inBuf)
		}
	}
	if err := ci.ic.cache().Put(buf); err != nil {
		return false, err
	}

	logicalBlock := ci.logicalBlock
	dindirOffset := uint32(ci.indirEntry) + uint32(ci.dindirEntry)*ie
	dindirDataBlock := logicalBlock - dindirOffset
	dataBlocks := cfg.InodeDataBlocks()
	blocksTillMax := uint32(dataBlocks) - dindirDataBlock
	dindirEntriesMax := divCeil(blocksTillMax, ie)
	entries := ie
	if dindirEntriesMax < entries {
		entries = dindirEntriesMax
	}

	if branch {
		if err := ci.branchBlock(branchDindir, false); err != nil {
			return false, err
		}
	}

	block := logicalBlock
	for entry := uint32(ci.dindirEntry); entry < entries; entry++ {
		if err := ci.seek(block); err != nil && err != ErrNoData {
			return false, err
		}
		if ci.indirBlock != sparseBlock {
			freed, err := ci.truncIndir()
			if err != nil {
				return false, err
			}
			if branch && freed {
				dbuf, err := ci.ic.cache().Get(ci.ic.id(), ci.dindirBlock, GetOpts{MetaSig: sigDindir})
				if err != nil {
					return false, err
				}
				dn := decodeIndirectNode(dbuf.Data(), cfg)
				dn.Entries[entry] = sparseBlock
				encodeIndirectNode(dbuf.Data(), sigDindir, dn)
				if err := ci.ic.cache().Dirty(dbuf); err != nil {
					ci.ic.cache().Put(dbuf)
					return false, err
				}
				if err := ci.ic.cache().Put(dbuf); err != nil {
					return false, err
				}
			}
		}
		block += ie - uint32(ci.indirEntry)
	}

	if !branch {
		freed := ci.dindirBlock
		ci.dindirBlock = sparseBlock
		return true, freeBlock(ci.ic, freed)
	}
	return false, nil
}

// truncDataBlock frees block (if non-sparse) and, when fPropagate, sets
// it sparse so the caller's parent pointer reflects the free.
func truncDataBlock(ic imapContext, block *uint32, propagate bool) error {
	if *block == sparseBlock {
		return nil
	}
	if err := freeBlock(ic, *block); err != nil {
		return err
	}
	if propagate {
		*block = sparseBlock
	}
	return nil
}

// countSparseBlocks counts the sparse blocks (at every level: data,
// indirect, double-indirect) that covering [offset, offset+length) would
// need to allocate, for Reserve's up-front sizing. The snapshot this
// returns is also what an aborted Reserve decrements by, per DESIGN.md's
// "reserved_inode_blocks unwind determinism" decision; Unreserve counts
// the region it releases afresh.
func (ci *CachedInode) countSparseBlocks(offset, length uint64) (uint32, error) {
	bs := uint64(ci.cfg().BlockSize)
	first := uint32(offset / bs)
	last := uint32((offset + length - 1) / bs)

	seenIndir := make(map[int]bool)
	seenDindir := make(map[int]bool)
	var count uint32

	for b := first; b <= last; b++ {
		err := ci.seek(b)
		if err != nil && err != ErrNoData {
			return 0, err
		}

		// A double-indirect or indirect node covers many data blocks; it
		// is only one allocation no matter how many of its data blocks
		// are sparse, so each owning index is only counted once.
		if ci.dindirEntry != invalidCoordEntry && !seenDindir[ci.inodeEntry] {
			seenDindir[ci.inodeEntry] = true
			if ci.dindirBlock == sparseBlock {
				count++
			}
		}
		if ci.indirEntry != invalidCoordEntry {
			indirKey := ci.inodeEntry<<16 | (ci.dindirEntry + 1)
			if !seenIndir[indirKey] {
				seenIndir[indirKey] = true
				if ci.indirBlock == sparseBlock {
					count++
				}
			}
		}
		if ci.dataBlock == sparseBlock {
			count++
		}
	}

	if err := ci.putCoord(); err != nil {
		return 0, err
	}
	return count, nil
}

// Reserve extends the file's size by length bytes starting at offset
// (which must equal the inode's current size) and reserves enough free
// blocks that writes into the new region cannot fail with ENOSPC.
func (ci *CachedInode) Reserve(offset, length uint64) error {
	if offset != ci.node.Size || length == 0 {
		return ErrInvalidArg
	}
	if offset+length > ci.cfg().InodeSizeMax() {
		return ErrFileTooBig
	}

	need, err := ci.countSparseBlocks(offset, length)
	if err != nil {
		return err
	}
	if uint64(need) > uint64(availableFreeBlocks(ci.ic)) {
		return ErrNoSpace
	}
	ci.ic.addReservedBlocks(int64(need))
	ci.node.Size = offset + length
	if err := ci.persistNode(); err != nil {
		ci.node.Size = offset
		ci.ic.addReservedBlocks(-int64(need))
		return err
	}
	return nil
}

// Unreserve releases a reservation previously made by Reserve, shrinking
// the file back to offset and returning its reserved-but-unused blocks
// to the free pool accounting.
func (ci *CachedInode) Unreserve(offset uint64) error {
	if offset > ci.node.Size {
		return ErrInvalidArg
	}
	length := ci.node.Size - offset
	if length == 0 {
		return nil
	}
	need, err := ci.countSparseBlocks(offset, length)
	if err != nil {
		return err
	}
	if err := ci.Truncate(offset); err != nil {
		return err
	}
	ci.ic.addReservedBlocks(-int64(need))
	return nil
}
