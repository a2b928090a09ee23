package embedfs

import (
	"encoding/binary"
	"fmt"
)

// bufFlag marks per-buffer state.
type bufFlag uint32

const (
	flagValid bufFlag = 1 << iota // slot holds a real (volume, block) pair
	flagDirty                     // content differs from what's on disk
	flagNew                       // zero-filled this transaction, not yet read from disk
)

type bufHead struct {
	vol     int
	block   uint32
	refs    int32
	flags   bufFlag
	metaSig uint32 // 0 for plain file-data blocks
}

// sequencer supplies the next monotonic sequence number to stamp onto a
// metadata node at flush time, and lets
// readers peek the volume's current sequence to reject stale/foreign
// metadata.
type sequencer interface {
	nextSequence() uint64
	currentSequence() uint64
}

type volEntry struct {
	dev BlockDevice
	seq sequencer
}

// Cache is the block buffer cache: shared across volumes, reference
// counted, LRU-replaced, the sole path by which metadata is read and
// dirtied.
type Cache struct {
	cfg     Config
	heads   []bufHead
	data    []byte
	mru     []int // index 0 = most recently used, last = least recently used
	mruPos  []int // mruPos[headIdx] = position within mru
	numUsed int
	volumes map[int]*volEntry
}

// NewCache allocates a fixed-size array of N buffer heads and an N*B byte
// pool.
func NewCache(cfg Config) *Cache {
	n := cfg.BufferCount
	c := &Cache{
		cfg:     cfg,
		heads:   make([]bufHead, n),
		data:    make([]byte, int(cfg.BlockSize)*n),
		mru:     make([]int, n),
		mruPos:  make([]int, n),
		volumes: make(map[int]*volEntry),
	}
	for i := 0; i < n; i++ {
		c.mru[i] = i
		c.mruPos[i] = i
	}
	return c
}

// RegisterVolume attaches a device and sequence source under a small
// integer volume id, allowing multiple volumes to share one cache --
// each buffer is tagged with its volume number.
func (c *Cache) RegisterVolume(vol int, dev BlockDevice, seq sequencer) {
	c.volumes[vol] = &volEntry{dev: dev, seq: seq}
}

func (c *Cache) UnregisterVolume(vol int) {
	delete(c.volumes, vol)
}

// Buf is a pinned reference to one cached block.
type Buf struct {
	c   *Cache
	idx int
}

func (b *Buf) Data() []byte {
	bs := int(b.c.cfg.BlockSize)
	return b.c.data[b.idx*bs : (b.idx+1)*bs]
}

func (b *Buf) Block() uint32 { return b.c.heads[b.idx].block }
func (b *Buf) Volume() int   { return b.c.heads[b.idx].vol }
func (b *Buf) IsDirty() bool { return b.c.heads[b.idx].flags&flagDirty != 0 }
func (b *Buf) IsNew() bool   { return b.c.heads[b.idx].flags&flagNew != 0 }

// GetOpts selects NEW (zero-fill) vs. read-from-disk, and the metadata
// signature expected of this block (0 for plain file-data blocks).
type GetOpts struct {
	New     bool
	MetaSig uint32
}

// Get pins and returns the buffer for (vol, block), reading it from disk
// (or zero-filling it, if opts.New) on a cache miss.
func (c *Cache) Get(vol int, block uint32, opts GetOpts) (*Buf, error) {
	for i := range c.heads {
		h := &c.heads[i]
		if h.flags&flagValid == 0 || h.vol != vol || h.block != block {
			continue
		}
		if opts.New {
			return nil, corrupt("buffer-new-on-existing", fmt.Sprintf("vol=%d block=%d", vol, block))
		}
		if opts.MetaSig != 0 && h.metaSig != 0 && h.metaSig != opts.MetaSig {
			return nil, corrupt("buffer-meta-mismatch",
				fmt.Sprintf("wanted %s got %s", signatureKind(opts.MetaSig), signatureKind(h.metaSig)))
		}
		h.refs++
		c.promote(i)
		return &Buf{c: c, idx: i}, nil
	}

	idx, err := c.evict()
	if err != nil {
		return nil, err
	}
	h := &c.heads[idx]
	ve, ok := c.volumes[vol]
	if !ok {
		return nil, fmt.Errorf("%w: volume %d not registered with cache", ErrInvalidArg, vol)
	}

	data := c.blockData(idx)
	if opts.New {
		for i := range data {
			data[i] = 0
		}
		h.flags = flagValid | flagNew
	} else {
		sector := blockToSector(c.cfg, block)
		if err := ve.dev.ReadSectors(sector, sectorsPerBlock(c.cfg), data); err != nil {
			return nil, err
		}
		if opts.MetaSig != 0 {
			if err := validateHeader(data, opts.MetaSig, ve.seq.currentSequence()); err != nil {
				return nil, err
			}
		}
		h.flags = flagValid
	}
	h.vol = vol
	h.block = block
	h.metaSig = opts.MetaSig
	h.refs = 1
	c.numUsed++
	c.promote(idx)
	return &Buf{c: c, idx: idx}, nil
}

// Put releases one reference.
func (c *Cache) Put(b *Buf) error {
	h := &c.heads[b.idx]
	if h.refs <= 0 {
		return corrupt("buffer-refcount-underflow", fmt.Sprintf("vol=%d block=%d", h.vol, h.block))
	}
	h.refs--
	if h.refs == 0 {
		c.numUsed--
	}
	return nil
}

// Dirty marks the buffer dirty; it must already be referenced.
func (c *Cache) Dirty(b *Buf) error {
	h := &c.heads[b.idx]
	if h.refs <= 0 {
		return corrupt("buffer-dirty-unreferenced", fmt.Sprintf("vol=%d block=%d", h.vol, h.block))
	}
	h.flags |= flagDirty
	return nil
}

// Branch rebinds the buffer to a new physical block and marks it dirty,
// preserving its content -- the copy-on-write move that gives a block its
// own slot the first time a transaction touches it. The old block's imap
// accounting (marking it almost-free) is the caller's responsibility
// (imap.go, inodedata.go).
func (c *Cache) Branch(b *Buf, newBlock uint32) error {
	h := &c.heads[b.idx]
	for i := range c.heads {
		if i == b.idx {
			continue
		}
		o := &c.heads[i]
		if o.flags&flagValid != 0 && o.vol == h.vol && o.block == newBlock {
			return corrupt("buffer-branch-collision", fmt.Sprintf("vol=%d block=%d", h.vol, newBlock))
		}
	}
	h.block = newBlock
	h.flags |= flagDirty
	return nil
}

// Discard releases the buffer and invalidates it; the caller must hold
// the sole reference (refs == 1).
func (c *Cache) Discard(b *Buf) error {
	h := &c.heads[b.idx]
	if h.refs != 1 {
		return corrupt("buffer-discard-shared", fmt.Sprintf("vol=%d block=%d refs=%d", h.vol, h.block, h.refs))
	}
	*h = bufHead{}
	c.numUsed--
	c.sinkToLRU(b.idx)
	return nil
}

// FlushRange writes every dirty buffer in [start, start+count) for vol,
// stamping signature/sequence/CRC for metadata blocks first (flushOne).
func (c *Cache) FlushRange(vol int, start, count uint32) error {
	for i := range c.heads {
		h := &c.heads[i]
		if h.flags&flagValid == 0 || h.vol != vol {
			continue
		}
		if h.block < start || h.block >= start+count {
			continue
		}
		if h.flags&flagDirty == 0 {
			continue
		}
		if err := c.flushOne(i); err != nil {
			return err
		}
	}
	return nil
}

// DiscardRange invalidates every cached block in [start, start+count) for
// vol. Any block still referenced is a logic bug.
func (c *Cache) DiscardRange(vol int, start, count uint32) error {
	for i := range c.heads {
		h := &c.heads[i]
		if h.flags&flagValid == 0 || h.vol != vol {
			continue
		}
		if h.block < start || h.block >= start+count {
			continue
		}
		if h.refs != 0 {
			return corrupt("buffer-discardrange-referenced", fmt.Sprintf("vol=%d block=%d", vol, h.block))
		}
		*h = bufHead{}
		c.sinkToLRU(i)
	}
	return nil
}

// ReadRange performs a direct read bypassing the cache, first flushing
// any dirty cached copies intersecting the range.
func (c *Cache) ReadRange(vol int, start, count uint32, dst []byte) error {
	if err := c.FlushRange(vol, start, count); err != nil {
		return err
	}
	ve, ok := c.volumes[vol]
	if !ok {
		return fmt.Errorf("%w: volume %d not registered with cache", ErrInvalidArg, vol)
	}
	return ve.dev.ReadSectors(blockToSector(c.cfg, start), count*sectorsPerBlock(c.cfg), dst)
}

// WriteRange performs a direct write bypassing the cache, then
// invalidates any cached copies the write now supersedes.
func (c *Cache) WriteRange(vol int, start, count uint32, src []byte) error {
	ve, ok := c.volumes[vol]
	if !ok {
		return fmt.Errorf("%w: volume %d not registered with cache", ErrInvalidArg, vol)
	}
	if err := ve.dev.WriteSectors(blockToSector(c.cfg, start), count*sectorsPerBlock(c.cfg), src); err != nil {
		return err
	}
	return c.DiscardRange(vol, start, count)
}

// NumUsed reports the number of currently-pinned buffers, for tests and
// Config.BufferCount sizing diagnostics.
func (c *Cache) NumUsed() int { return c.numUsed }

func (c *Cache) blockData(idx int) []byte {
	bs := int(c.cfg.BlockSize)
	return c.data[idx*bs : (idx+1)*bs]
}

func (c *Cache) flushOne(idx int) error {
	h := &c.heads[idx]
	data := c.blockData(idx)
	ve := c.volumes[h.vol]
	if h.metaSig != 0 {
		binary.LittleEndian.PutUint32(data[0:4], h.metaSig)
		seq := ve.seq.nextSequence()
		binary.LittleEndian.PutUint64(data[8:16], seq)
		stampCRC(data)
	}
	sector := blockToSector(c.cfg, h.block)
	if err := ve.dev.WriteSectors(sector, sectorsPerBlock(c.cfg), data); err != nil {
		return err
	}
	h.flags &^= (flagDirty | flagNew)
	return nil
}

// evict selects the least-recently-used unreferenced buffer, flushing it
// first if dirty, and returns its index ready for reuse.
func (c *Cache) evict() (int, error) {
	for p := len(c.mru) - 1; p >= 0; p-- {
		idx := c.mru[p]
		h := &c.heads[idx]
		if h.refs != 0 {
			continue
		}
		if h.flags&flagValid != 0 && h.flags&flagDirty != 0 {
			if err := c.flushOne(idx); err != nil {
				return 0, err
			}
		}
		return idx, nil
	}
	return 0, corrupt("buffer-cache-exhausted", "no unreferenced buffer available; Config.BufferCount too small")
}

// promote moves idx to the MRU end of the list.
func (c *Cache) promote(idx int) {
	p := c.mruPos[idx]
	copy(c.mru[1:p+1], c.mru[0:p])
	c.mru[0] = idx
	for i := 0; i <= p; i++ {
		c.mruPos[c.mru[i]] = i
	}
}

// sinkToLRU moves idx to the LRU end of the list, so a freshly-discarded
// (now-empty) slot is picked first on the next miss.
func (c *Cache) sinkToLRU(idx int) {
	p := c.mruPos[idx]
	last := len(c.mru) - 1
	copy(c.mru[p:last], c.mru[p+1:])
	c.mru[last] = idx
	for i := p; i <= last; i++ {
		c.mruPos[c.mru[i]] = i
	}
}

func blockToSector(cfg Config, block uint32) uint64 {
	return uint64(block) * uint64(sectorsPerBlock(cfg))
}

func sectorsPerBlock(cfg Config) uint32 {
	return cfg.BlockSize / cfg.SectorSize
}

// CheckInvariants verifies that no two cached buffers for the same
// volume share a block number. Intended for tests and debug builds, not
// the hot path.
func (c *Cache) CheckInvariants() error {
	seen := make(map[[2]uint64]bool)
	for i := range c.heads {
		h := &c.heads[i]
		if h.flags&flagValid == 0 {
			continue
		}
		key := [2]uint64{uint64(h.vol), uint64(h.block)}
		if seen[key] {
			return corrupt("P2", fmt.Sprintf("duplicate buffer for vol=%d block=%d", h.vol, h.block))
		}
		seen[key] = true
	}
	return nil
}
