package embedfs

import (
	"bytes"
	"testing"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Volume) {
	t.Helper()
	cfg := smallConfig()
	vol, _ := formatAndMount(t, cfg, 4096)
	return NewDispatcher(vol), vol
}

func TestCreateLookupStat(t *testing.T) {
	d, vol := newTestDispatcher(t)
	defer vol.Unmount()

	ino, err := d.Create(RootIno, "hello.txt", TypeFile, 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := d.Lookup(RootIno, "hello.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != ino {
		t.Fatalf("Lookup returned %d, want %d", got, ino)
	}
	st, err := d.Stat(ino)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Type != TypeFile || st.Size != 0 || st.LinkCount != 1 {
		t.Fatalf("Stat = %+v, unexpected", st)
	}

	if _, err := d.Create(RootIno, "hello.txt", TypeFile, 0o644); err != ErrExists {
		t.Fatalf("duplicate Create err = %v, want ErrExists", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	d, vol := newTestDispatcher(t)
	defer vol.Unmount()

	ino, err := d.Create(RootIno, "data.bin", TypeFile, 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	payload := bytes.Repeat([]byte{0xAB}, 3000) // spans multiple 512B blocks, direct+indirect
	n, err := d.FileWrite(ino, 0, payload)
	if err != nil {
		t.Fatalf("FileWrite: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("FileWrite wrote %d bytes, want %d", n, len(payload))
	}

	st, err := d.Stat(ino)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Size != uint64(len(payload)) {
		t.Fatalf("Size = %d, want %d", st.Size, len(payload))
	}

	got := make([]byte, len(payload))
	nr, err := d.FileRead(ino, 0, got)
	if err != nil {
		t.Fatalf("FileRead: %v", err)
	}
	if nr != len(payload) {
		t.Fatalf("FileRead read %d bytes, want %d", nr, len(payload))
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round-tripped content mismatch")
	}
}

func TestWriteSparseGapReadsZero(t *testing.T) {
	d, vol := newTestDispatcher(t)
	defer vol.Unmount()

	ino, err := d.Create(RootIno, "sparse.bin", TypeFile, 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := d.FileWrite(ino, 2000, []byte("tail")); err != nil {
		t.Fatalf("FileWrite: %v", err)
	}

	gap := make([]byte, 100)
	if _, err := d.FileRead(ino, 500, gap); err != nil {
		t.Fatalf("FileRead gap: %v", err)
	}
	for i, b := range gap {
		if b != 0 {
			t.Fatalf("sparse gap byte %d = %d, want 0", i, b)
		}
	}
}

func TestTruncateShrinkAndGrow(t *testing.T) {
	d, vol := newTestDispatcher(t)
	defer vol.Unmount()

	ino, err := d.Create(RootIno, "trunc.bin", TypeFile, 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := d.FileWrite(ino, 0, bytes.Repeat([]byte{1}, 2000)); err != nil {
		t.Fatalf("FileWrite: %v", err)
	}
	if err := d.FileTruncate(ino, 10); err != nil {
		t.Fatalf("FileTruncate shrink: %v", err)
	}
	st, err := d.Stat(ino)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Size != 10 {
		t.Fatalf("Size after shrink = %d, want 10", st.Size)
	}

	if err := d.FileTruncate(ino, 600); err != nil {
		t.Fatalf("FileTruncate grow: %v", err)
	}
	buf := make([]byte, 600)
	if _, err := d.FileRead(ino, 0, buf); err != nil {
		t.Fatalf("FileRead: %v", err)
	}
	for i := 10; i < 600; i++ {
		if buf[i] != 0 {
			t.Fatalf("grown region byte %d = %d, want 0", i, buf[i])
		}
	}
}

func TestMkdirAndDirRead(t *testing.T) {
	d, vol := newTestDispatcher(t)
	defer vol.Unmount()

	dirIno, err := d.Create(RootIno, "sub", TypeDir, 0o755)
	if err != nil {
		t.Fatalf("Create dir: %v", err)
	}
	if _, err := d.Create(dirIno, "a", TypeFile, 0o644); err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if _, err := d.Create(dirIno, "b", TypeFile, 0o644); err != nil {
		t.Fatalf("Create b: %v", err)
	}

	seen := map[string]bool{}
	var pos uint64
	for {
		entry, next, err := d.DirRead(dirIno, pos)
		if err != nil {
			break
		}
		seen[entry.Name] = true
		pos = next
	}
	for _, want := range []string{".", "..", "a", "b"} {
		if !seen[want] {
			t.Fatalf("directory listing missing %q: %v", want, seen)
		}
	}

	parent, err := d.DirParent(dirIno)
	if err != nil {
		t.Fatalf("DirParent: %v", err)
	}
	if parent != RootIno {
		t.Fatalf("DirParent = %d, want %d", parent, RootIno)
	}
}

func TestUnlinkRemovesEntryAndFreesInode(t *testing.T) {
	d, vol := newTestDispatcher(t)
	defer vol.Unmount()

	ino, err := d.Create(RootIno, "gone.txt", TypeFile, 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := d.Unlink(RootIno, "gone.txt", false); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := d.Lookup(RootIno, "gone.txt"); err != ErrNotFound {
		t.Fatalf("Lookup after unlink = %v, want ErrNotFound", err)
	}
	if _, err := d.Stat(ino); err == nil {
		t.Fatalf("Stat succeeded on freed inode")
	}
}

func TestUnlinkNonEmptyDirFails(t *testing.T) {
	d, vol := newTestDispatcher(t)
	defer vol.Unmount()

	dirIno, err := d.Create(RootIno, "sub", TypeDir, 0o755)
	if err != nil {
		t.Fatalf("Create dir: %v", err)
	}
	if _, err := d.Create(dirIno, "f", TypeFile, 0o644); err != nil {
		t.Fatalf("Create f: %v", err)
	}
	if err := d.Unlink(RootIno, "sub", false); err != ErrNotEmpty {
		t.Fatalf("Unlink non-empty dir err = %v, want ErrNotEmpty", err)
	}
}

func TestLinkAndRename(t *testing.T) {
	d, vol := newTestDispatcher(t)
	defer vol.Unmount()

	ino, err := d.Create(RootIno, "orig.txt", TypeFile, 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := d.Link(RootIno, "alias.txt", ino); err != nil {
		t.Fatalf("Link: %v", err)
	}
	st, err := d.Stat(ino)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.LinkCount != 2 {
		t.Fatalf("LinkCount = %d, want 2", st.LinkCount)
	}

	if err := d.Rename(RootIno, "orig.txt", RootIno, "renamed.txt", true); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := d.Lookup(RootIno, "orig.txt"); err != ErrNotFound {
		t.Fatalf("Lookup old name = %v, want ErrNotFound", err)
	}
	got, err := d.Lookup(RootIno, "renamed.txt")
	if err != nil || got != ino {
		t.Fatalf("Lookup renamed.txt = (%d, %v), want (%d, nil)", got, err, ino)
	}
}

func TestReserveUnwindDeterministic(t *testing.T) {
	d, vol := newTestDispatcher(t)
	defer vol.Unmount()

	ino, err := d.Create(RootIno, "reserved.bin", TypeFile, 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := d.FileReserve(ino, 0, 4000); err != nil {
		t.Fatalf("FileReserve: %v", err)
	}
	before := vol.reservedBlocks()
	if before == 0 {
		t.Fatalf("reservedBlocks() = 0 after Reserve, want > 0")
	}
	if err := d.FileUnreserve(ino, 0); err != nil {
		t.Fatalf("FileUnreserve: %v", err)
	}
	if got := vol.reservedBlocks(); got != 0 {
		t.Fatalf("reservedBlocks() after Unreserve = %d, want 0", got)
	}
}

func TestChmodChownUtimes(t *testing.T) {
	d, vol := newTestDispatcher(t)
	defer vol.Unmount()

	ino, err := d.Create(RootIno, "meta.txt", TypeFile, 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := d.Chmod(ino, 0o600); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if err := d.Chown(ino, 42, 43); err != nil {
		t.Fatalf("Chown: %v", err)
	}
	if err := d.Utimes(ino, 111, 222); err != nil {
		t.Fatalf("Utimes: %v", err)
	}
	st, err := d.Stat(ino)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Perm != 0o600 || st.UID != 42 || st.GID != 43 || st.Atime != 111 || st.Mtime != 222 {
		t.Fatalf("Stat after chmod/chown/utimes = %+v, unexpected", st)
	}
}
