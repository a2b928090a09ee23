package embedfs

import "fmt"

// memDevice is an in-memory BlockDevice for tests: no real persistence,
// just enough to exercise Format/Mount/Transact's I/O pattern without a
// backing file.
type memDevice struct {
	sectorSize uint32
	data       []byte
	open       bool
	flushes    int
}

func newMemDevice(sectorSize uint32, sectorCount uint64) *memDevice {
	return &memDevice{sectorSize: sectorSize, data: make([]byte, sectorSize*uint32(sectorCount))}
}

var _ BlockDevice = (*memDevice)(nil)

func (d *memDevice) Open(rw bool) error { d.open = true; return nil }
func (d *memDevice) Close() error       { d.open = false; return nil }

func (d *memDevice) Geometry() (uint32, uint64, error) {
	return d.sectorSize, uint64(len(d.data)) / uint64(d.sectorSize), nil
}

func (d *memDevice) ReadSectors(start uint64, count uint32, dst []byte) error {
	off := start * uint64(d.sectorSize)
	want := uint64(count) * uint64(d.sectorSize)
	if off+want > uint64(len(d.data)) {
		return fmt.Errorf("read out of range: start=%d count=%d", start, count)
	}
	copy(dst, d.data[off:off+want])
	return nil
}

func (d *memDevice) WriteSectors(start uint64, count uint32, src []byte) error {
	off := start * uint64(d.sectorSize)
	want := uint64(count) * uint64(d.sectorSize)
	if off+want > uint64(len(d.data)) {
		return fmt.Errorf("write out of range: start=%d count=%d", start, count)
	}
	copy(d.data[off:off+want], src)
	return nil
}

func (d *memDevice) Flush() error { d.flushes++; return nil }

// smallConfig returns a Config sized for fast in-memory tests: small
// inode count and few block-pointer slots, so indirect/double-indirect
// branching paths are reachable without huge files.
func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.BlockSize = 512
	cfg.SectorSize = 512
	cfg.InodeCount = 16
	cfg.DirectPointers = 2
	cfg.IndirectPointers = 1
	cfg.DindirPointers = 1
	cfg.BufferCount = 64
	return cfg
}

// formatAndMount formats a fresh memDevice of the given block count and
// returns it mounted, ready for use by a test.
func formatAndMount(t interface {
	Helper()
	Fatalf(string, ...interface{})
}, cfg Config, blockCount uint32) (*Volume, *memDevice) {
	t.Helper()
	sectorsPerBlk := cfg.BlockSize / cfg.SectorSize
	dev := newMemDevice(cfg.SectorSize, uint64(blockCount*sectorsPerBlk))
	if err := Format(dev, cfg, FormatOpts{RootPerm: 0o755}); err != nil {
		t.Fatalf("Format: %v", err)
	}
	cache := NewCache(cfg)
	vol, err := Mount(dev, cfg, cache, 0, MountOpts{})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return vol, dev
}
