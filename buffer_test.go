package embedfs

import "testing"

// fakeSequencer is a minimal sequencer for buffer cache tests that don't
// need a full Volume.
type fakeSequencer struct{ seq uint64 }

func (s *fakeSequencer) nextSequence() uint64 { s.seq++; return s.seq }
func (s *fakeSequencer) currentSequence() uint64 { return s.seq }

func newTestCache(t *testing.T, bufferCount int) (*Cache, *memDevice) {
	t.Helper()
	cfg := smallConfig()
	cfg.BufferCount = bufferCount
	dev := newMemDevice(cfg.SectorSize, uint64(4096*(cfg.BlockSize/cfg.SectorSize)))
	c := NewCache(cfg)
	c.RegisterVolume(0, dev, &fakeSequencer{})
	return c, dev
}

func TestCacheGetPutRefCounting(t *testing.T) {
	c, _ := newTestCache(t, 8)

	buf, err := c.Get(0, 10, GetOpts{New: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.NumUsed() != 1 {
		t.Fatalf("NumUsed = %d, want 1", c.NumUsed())
	}
	if err := c.Put(buf); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if c.NumUsed() != 0 {
		t.Fatalf("NumUsed after Put = %d, want 0", c.NumUsed())
	}
	if err := c.Put(buf); err == nil {
		t.Fatalf("double Put succeeded, want refcount-underflow error")
	}
}

func TestCacheGetSameBlockSharesBuffer(t *testing.T) {
	c, _ := newTestCache(t, 8)

	a, err := c.Get(0, 5, GetOpts{New: true})
	if err != nil {
		t.Fatalf("Get a: %v", err)
	}
	b, err := c.Get(0, 5, GetOpts{})
	if err != nil {
		t.Fatalf("Get b: %v", err)
	}
	if a.idx != b.idx {
		t.Fatalf("second Get of the same block returned a different slot")
	}
	c.Put(a)
	c.Put(b)
}

func TestCacheDirtyRequiresReference(t *testing.T) {
	c, _ := newTestCache(t, 8)
	buf, err := c.Get(0, 1, GetOpts{New: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := c.Dirty(buf); err != nil {
		t.Fatalf("Dirty: %v", err)
	}
	if !buf.IsDirty() {
		t.Fatalf("IsDirty() = false after Dirty")
	}
	c.Put(buf)
}

func TestCacheFlushRangeWritesDirtyOnly(t *testing.T) {
	c, dev := newTestCache(t, 8)

	buf, err := c.Get(0, 2, GetOpts{New: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	copy(buf.Data(), []byte("hello"))
	if err := c.Dirty(buf); err != nil {
		t.Fatalf("Dirty: %v", err)
	}
	if err := c.Put(buf); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.FlushRange(0, 0, 4096); err != nil {
		t.Fatalf("FlushRange: %v", err)
	}

	cfg := smallConfig()
	sector := blockToSector(cfg, 2)
	got := make([]byte, cfg.BlockSize)
	if err := dev.ReadSectors(sector, sectorsPerBlock(cfg), got); err != nil {
		t.Fatalf("ReadSectors: %v", err)
	}
	if string(got[:5]) != "hello" {
		t.Fatalf("flushed content = %q, want %q", got[:5], "hello")
	}
}

func TestCacheDiscardRangeRejectsReferenced(t *testing.T) {
	c, _ := newTestCache(t, 8)
	buf, err := c.Get(0, 3, GetOpts{New: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := c.DiscardRange(0, 0, 4096); err == nil {
		t.Fatalf("DiscardRange succeeded on a still-referenced buffer")
	}
	c.Put(buf)
	if err := c.DiscardRange(0, 0, 4096); err != nil {
		t.Fatalf("DiscardRange after Put: %v", err)
	}
}

func TestCacheBranchRebindsBlock(t *testing.T) {
	c, _ := newTestCache(t, 8)
	buf, err := c.Get(0, 4, GetOpts{New: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	copy(buf.Data(), []byte("payload"))
	if err := c.Branch(buf, 40); err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if buf.Block() != 40 {
		t.Fatalf("Block() after Branch = %d, want 40", buf.Block())
	}
	if !buf.IsDirty() {
		t.Fatalf("IsDirty() = false after Branch")
	}
	if string(buf.Data()[:7]) != "payload" {
		t.Fatalf("content lost across Branch")
	}
	c.Put(buf)
}

func TestCacheBranchCollisionRejected(t *testing.T) {
	c, _ := newTestCache(t, 8)
	a, err := c.Get(0, 6, GetOpts{New: true})
	if err != nil {
		t.Fatalf("Get a: %v", err)
	}
	b, err := c.Get(0, 7, GetOpts{New: true})
	if err != nil {
		t.Fatalf("Get b: %v", err)
	}
	if err := c.Branch(a, 7); err == nil {
		t.Fatalf("Branch onto an already-cached block succeeded, want collision error")
	}
	c.Put(a)
	c.Put(b)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(t, 2)

	a, err := c.Get(0, 1, GetOpts{New: true})
	if err != nil {
		t.Fatalf("Get a: %v", err)
	}
	b, err := c.Get(0, 2, GetOpts{New: true})
	if err != nil {
		t.Fatalf("Get b: %v", err)
	}
	c.Put(a)
	c.Put(b)

	// Touching a again promotes it to MRU, so the next miss should evict b.
	a2, err := c.Get(0, 1, GetOpts{})
	if err != nil {
		t.Fatalf("Get a again: %v", err)
	}
	c.Put(a2)

	nc, err := c.Get(0, 3, GetOpts{New: true})
	if err != nil {
		t.Fatalf("Get c (forces eviction): %v", err)
	}
	defer c.Put(nc)
	if nc.idx != b.idx {
		t.Fatalf("block 3 took slot %d, want b's slot %d", nc.idx, b.idx)
	}

	reGet, err := c.Get(0, 1, GetOpts{})
	if err != nil {
		t.Fatalf("re-Get block 1: %v", err)
	}
	if reGet.idx != a.idx {
		t.Fatalf("block 1 in slot %d, want a's slot %d (not evicted)", reGet.idx, a.idx)
	}
	c.Put(reGet)
}

func TestCacheCheckInvariantsDetectsNothingOnCleanCache(t *testing.T) {
	c, _ := newTestCache(t, 8)
	buf, err := c.Get(0, 9, GetOpts{New: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := c.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
	c.Put(buf)
}
