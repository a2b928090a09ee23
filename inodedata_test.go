package embedfs

import (
	"bytes"
	"testing"
)

// openRaw creates a file through the dispatcher (so it gets linked into
// the root directory and can be found again) and returns a raw
// CachedInode handle for direct Read/Write/Truncate exercises that
// bypass the dispatcher's transaction wrapping.
func openRaw(t *testing.T, vol *Volume, d *Dispatcher, name string) (*CachedInode, uint32) {
	t.Helper()
	ino, err := d.Create(RootIno, name, TypeFile, 0o644)
	if err != nil {
		t.Fatalf("Create %s: %v", name, err)
	}
	ci, err := mountInode(vol, ino)
	if err != nil {
		t.Fatalf("mountInode: %v", err)
	}
	return ci, ino
}

func TestDirectRangeReadWrite(t *testing.T) {
	cfg := smallConfig()
	vol, _ := formatAndMount(t, cfg, 4096)
	defer vol.Unmount()
	d := NewDispatcher(vol)

	ci, _ := openRaw(t, vol, d, "direct.bin")
	defer ci.Release()

	payload := bytes.Repeat([]byte{0x11}, int(cfg.BlockSize)*int(cfg.DirectPointers))
	n, err := ci.Write(0, payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("Write n=%d, want %d", n, len(payload))
	}

	got := make([]byte, len(payload))
	if _, err := ci.Read(0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("direct-range round trip mismatch")
	}
}

func TestIndirectRangeReadWrite(t *testing.T) {
	cfg := smallConfig()
	vol, _ := formatAndMount(t, cfg, 4096)
	defer vol.Unmount()
	d := NewDispatcher(vol)

	ci, _ := openRaw(t, vol, d, "indirect.bin")
	defer ci.Release()

	// Past the direct range (cfg.DirectPointers * BlockSize) so the
	// write must branch through the indirect node.
	offset := uint64(cfg.DirectPointers) * uint64(cfg.BlockSize)
	payload := bytes.Repeat([]byte{0x22}, int(cfg.BlockSize)*3)
	if _, err := ci.Write(offset, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := ci.Read(offset, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("indirect-range round trip mismatch")
	}
}

func TestDoubleIndirectRangeReadWrite(t *testing.T) {
	cfg := smallConfig()
	vol, _ := formatAndMount(t, cfg, 4096)
	defer vol.Unmount()
	d := NewDispatcher(vol)

	ci, _ := openRaw(t, vol, d, "dindir.bin")
	defer ci.Release()

	ie := uint64(cfg.IndirEntries())
	directBytes := uint64(cfg.DirectPointers) * uint64(cfg.BlockSize)
	indirBytes := uint64(cfg.IndirectPointers) * ie * uint64(cfg.BlockSize)
	offset := directBytes + indirBytes + uint64(cfg.BlockSize) // first dindir-mapped block, one block in

	payload := bytes.Repeat([]byte{0x33}, int(cfg.BlockSize)*2)
	if _, err := ci.Write(offset, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := ci.Read(offset, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("double-indirect round trip mismatch")
	}
}

func TestShrinkFreesIndirectBlocks(t *testing.T) {
	cfg := smallConfig()
	vol, _ := formatAndMount(t, cfg, 4096)
	defer vol.Unmount()
	d := NewDispatcher(vol)

	ci, ino := openRaw(t, vol, d, "shrink.bin")

	ie := uint64(cfg.IndirEntries())
	directBytes := uint64(cfg.DirectPointers) * uint64(cfg.BlockSize)
	indirBytes := uint64(cfg.IndirectPointers) * ie * uint64(cfg.BlockSize)
	far := directBytes + indirBytes + uint64(cfg.BlockSize)*4

	if _, err := ci.Write(far, []byte("tail")); err != nil {
		t.Fatalf("Write far: %v", err)
	}
	before := vol.Stat().FreeBlocks

	if err := ci.Truncate(8); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if err := ci.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	after := vol.Stat().FreeBlocks
	if after <= before {
		t.Fatalf("FreeBlocks after shrink = %d, want > %d (blocks reclaimed)", after, before)
	}

	ci2, err := mountInode(vol, ino)
	if err != nil {
		t.Fatalf("re-mount: %v", err)
	}
	defer ci2.Release()
	if ci2.Node().Size != 8 {
		t.Fatalf("Size after shrink = %d, want 8", ci2.Node().Size)
	}
}

func TestReserveThenWriteConsumesReservation(t *testing.T) {
	cfg := smallConfig()
	vol, _ := formatAndMount(t, cfg, 4096)
	defer vol.Unmount()
	d := NewDispatcher(vol)

	ino, err := d.Create(RootIno, "res.bin", TypeFile, 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	length := uint64(cfg.BlockSize) * 5
	if err := d.FileReserve(ino, 0, length); err != nil {
		t.Fatalf("FileReserve: %v", err)
	}
	reservedBefore := vol.reservedBlocks()

	payload := bytes.Repeat([]byte{0x44}, int(length))
	if _, err := d.FileWrite(ino, 0, payload); err != nil {
		t.Fatalf("FileWrite: %v", err)
	}

	if got := vol.reservedBlocks(); got >= reservedBefore {
		t.Fatalf("reservedBlocks() after write = %d, want < %d (reservation consumed)", got, reservedBefore)
	}
}
