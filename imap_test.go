package embedfs

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		committed, working bool
		want                blockClass
	}{
		{false, false, classFree},
		{false, true, classNew},
		{true, true, classCommitted},
		{true, false, classAlmostFree},
	}
	for _, c := range cases {
		if got := classify(c.committed, c.working); got != c.want {
			t.Errorf("classify(%v,%v) = %v, want %v", c.committed, c.working, got, c.want)
		}
	}
}

func TestAllocBlockMarksNew(t *testing.T) {
	cfg := smallConfig()
	vol, _ := formatAndMount(t, cfg, 4096)
	defer vol.Unmount()

	block, err := allocBlock(vol)
	if err != nil {
		t.Fatalf("allocBlock: %v", err)
	}
	st, err := blockState(vol, block)
	if err != nil {
		t.Fatalf("blockState: %v", err)
	}
	if st != classNew {
		t.Fatalf("blockState after alloc = %v, want classNew", st)
	}
}

func TestFreeNewBlockIsImmediate(t *testing.T) {
	cfg := smallConfig()
	vol, _ := formatAndMount(t, cfg, 4096)
	defer vol.Unmount()

	before := availableFreeBlocks(vol)
	block, err := allocBlock(vol)
	if err != nil {
		t.Fatalf("allocBlock: %v", err)
	}
	if got := availableFreeBlocks(vol); got != before-1 {
		t.Fatalf("availableFreeBlocks after alloc = %d, want %d", got, before-1)
	}
	if err := freeBlock(vol, block); err != nil {
		t.Fatalf("freeBlock: %v", err)
	}
	if got := availableFreeBlocks(vol); got != before {
		t.Fatalf("availableFreeBlocks after free = %d, want %d (immediate credit for a new block)", got, before)
	}
	st, err := blockState(vol, block)
	if err != nil {
		t.Fatalf("blockState: %v", err)
	}
	if st != classFree {
		t.Fatalf("blockState after free = %v, want classFree", st)
	}
}

func TestFreeCommittedBlockIsPendingUntilTransact(t *testing.T) {
	cfg := smallConfig()
	vol, _ := formatAndMount(t, cfg, 4096)
	defer vol.Unmount()

	block, err := allocBlock(vol)
	if err != nil {
		t.Fatalf("allocBlock: %v", err)
	}
	if err := vol.Transact(); err != nil {
		t.Fatalf("Transact: %v", err)
	}
	st, err := blockState(vol, block)
	if err != nil {
		t.Fatalf("blockState: %v", err)
	}
	if st != classCommitted {
		t.Fatalf("blockState after commit = %v, want classCommitted", st)
	}

	before := availableFreeBlocks(vol)
	if err := freeBlock(vol, block); err != nil {
		t.Fatalf("freeBlock: %v", err)
	}
	if got := availableFreeBlocks(vol); got != before {
		t.Fatalf("availableFreeBlocks changed immediately on freeing a committed block: got %d, want %d", got, before)
	}
	st, err = blockState(vol, block)
	if err != nil {
		t.Fatalf("blockState: %v", err)
	}
	if st != classAlmostFree {
		t.Fatalf("blockState after free-before-commit = %v, want classAlmostFree", st)
	}

	if err := vol.Transact(); err != nil {
		t.Fatalf("second Transact: %v", err)
	}
	if got := availableFreeBlocks(vol); got != before+1 {
		t.Fatalf("availableFreeBlocks after commit = %d, want %d", got, before+1)
	}
	st, err = blockState(vol, block)
	if err != nil {
		t.Fatalf("blockState: %v", err)
	}
	if st != classFree {
		t.Fatalf("blockState after commit-of-free = %v, want classFree", st)
	}
}

func TestEnsureInodeBranchedIdempotentWithinTransaction(t *testing.T) {
	cfg := smallConfig()
	vol, _ := formatAndMount(t, cfg, 4096)
	defer vol.Unmount()

	d := NewDispatcher(vol)
	ino, err := d.Create(RootIno, "branch.bin", TypeFile, 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, err := ensureInodeBranched(vol, ino)
	if err != nil {
		t.Fatalf("ensureInodeBranched (first): %v", err)
	}
	second, err := ensureInodeBranched(vol, ino)
	if err != nil {
		t.Fatalf("ensureInodeBranched (second): %v", err)
	}
	if first != second {
		t.Fatalf("ensureInodeBranched returned different physical blocks (%d, %d) within one transaction", first, second)
	}
}

func TestAllocInodeAndFreeInodeRoundTrip(t *testing.T) {
	cfg := smallConfig()
	vol, _ := formatAndMount(t, cfg, 4096)
	defer vol.Unmount()

	st := vol.Stat()
	ino, err := allocInode(vol)
	if err != nil {
		t.Fatalf("allocInode: %v", err)
	}
	if vol.Stat().FreeInodes != st.FreeInodes-1 {
		t.Fatalf("FreeInodes after allocInode = %d, want %d", vol.Stat().FreeInodes, st.FreeInodes-1)
	}
	if err := freeInode(vol, ino); err != nil {
		t.Fatalf("freeInode: %v", err)
	}
	if vol.Stat().FreeInodes != st.FreeInodes {
		t.Fatalf("FreeInodes after freeInode = %d, want %d", vol.Stat().FreeInodes, st.FreeInodes)
	}
}
