package embedfs

import "testing"

func TestFormatAndMount(t *testing.T) {
	cfg := smallConfig()
	vol, _ := formatAndMount(t, cfg, 4096)
	defer vol.Unmount()

	st := vol.Stat()
	if st.BlockCount != 4096 {
		t.Fatalf("BlockCount = %d, want 4096", st.BlockCount)
	}
	if st.ReadOnly {
		t.Fatalf("freshly formatted volume should not be read-only")
	}
	if st.FreeInodes != cfg.InodeCount-1 {
		t.Fatalf("FreeInodes = %d, want %d (root inode consumed)", st.FreeInodes, cfg.InodeCount-1)
	}

	ci, err := mountInode(vol, RootIno)
	if err != nil {
		t.Fatalf("mountInode(root): %v", err)
	}
	if !ci.Node().IsDir() {
		t.Fatalf("root inode is not a directory")
	}
	if ci.Node().LinkCount != 2 {
		t.Fatalf("root LinkCount = %d, want 2", ci.Node().LinkCount)
	}
	if err := ci.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestReformatIsIdempotentForRoot(t *testing.T) {
	cfg := smallConfig()
	sectorsPerBlk := cfg.BlockSize / cfg.SectorSize
	dev := newMemDevice(cfg.SectorSize, uint64(4096*sectorsPerBlk))
	if err := Format(dev, cfg, FormatOpts{}); err != nil {
		t.Fatalf("first Format: %v", err)
	}
	if err := Format(dev, cfg, FormatOpts{}); err != nil {
		t.Fatalf("second Format: %v", err)
	}
}

func TestTransactNoopWhenUnbranched(t *testing.T) {
	cfg := smallConfig()
	vol, dev := formatAndMount(t, cfg, 4096)
	defer vol.Unmount()

	before := dev.flushes
	if err := vol.Transact(); err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if dev.flushes != before {
		t.Fatalf("Transact flushed the device despite nothing branched")
	}
}

func TestRollbackDiscardsUncommittedWork(t *testing.T) {
	cfg := smallConfig()
	vol, _ := formatAndMount(t, cfg, 4096)
	defer vol.Unmount()

	d := NewDispatcher(vol)
	ino, err := d.Create(RootIno, "scratch", TypeFile, 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := vol.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if got, err := d.Lookup(RootIno, "scratch"); err == nil {
		t.Fatalf("lookup found %d after rollback, want ErrNotFound", got)
	}
	_ = ino
}
