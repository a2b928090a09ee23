package embedfs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileDevice is a BlockDevice backed by a regular file or block special
// file; the core only depends on the BlockDevice interface, so this is
// freely swappable. It advisory-locks the file on Open so two processes
// do not mount the same volume concurrently, and uses Fdatasync rather
// than Sync on Flush to skip metadata-only flushes when available.
type FileDevice struct {
	path       string
	sectorSize uint32
	f          *os.File
}

// NewFileDevice returns a FileDevice for path, using sectorSize as the
// device's reported sector size.
func NewFileDevice(path string, sectorSize uint32) *FileDevice {
	return &FileDevice{path: path, sectorSize: sectorSize}
}

var _ BlockDevice = (*FileDevice)(nil)

func (d *FileDevice) Open(rw bool) error {
	flag := os.O_RDONLY
	if rw {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(d.path, flag, 0)
	if err != nil {
		return err
	}
	lockType := unix.LOCK_SH
	if rw {
		lockType = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), lockType|unix.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	d.f = f
	return nil
}

func (d *FileDevice) Close() error {
	if d.f == nil {
		return nil
	}
	unix.Flock(int(d.f.Fd()), unix.LOCK_UN)
	err := d.f.Close()
	d.f = nil
	return err
}

func (d *FileDevice) Geometry() (sectorSize uint32, sectorCount uint64, err error) {
	info, err := d.f.Stat()
	if err != nil {
		return 0, 0, err
	}
	return d.sectorSize, uint64(info.Size()) / uint64(d.sectorSize), nil
}

func (d *FileDevice) ReadSectors(start uint64, count uint32, dst []byte) error {
	want := int(count) * int(d.sectorSize)
	if len(dst) < want {
		return fmt.Errorf("%w: dst too small for %d sectors", ErrInvalidArg, count)
	}
	off := int64(start) * int64(d.sectorSize)
	_, err := d.f.ReadAt(dst[:want], off)
	return err
}

func (d *FileDevice) WriteSectors(start uint64, count uint32, src []byte) error {
	want := int(count) * int(d.sectorSize)
	if len(src) < want {
		return fmt.Errorf("%w: src too small for %d sectors", ErrInvalidArg, count)
	}
	off := int64(start) * int64(d.sectorSize)
	_, err := d.f.WriteAt(src[:want], off)
	return err
}

// Flush commits previously written sectors to stable storage via
// fdatasync, falling back to a full sync if the platform call is
// unavailable. Relied on for the metaroot write's atomicity requirement.
func (d *FileDevice) Flush() error {
	if err := unix.Fdatasync(int(d.f.Fd())); err != nil {
		return d.f.Sync()
	}
	return nil
}
