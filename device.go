package embedfs

// BlockDevice is the sector-addressed storage primitive the core consumes
// and never implements beyond a reference adapter. All addressing here is in sectors, not blocks --
// the buffer cache (buffer.go) converts block numbers to sector ranges
// using the volume's Config.SectorSize and Config.BlockSize (Format and
// Mount reject a device whose Geometry sector size differs).
type BlockDevice interface {
	// Open prepares the device for use. rw selects read-write vs read-only.
	Open(rw bool) error
	// Close releases the device.
	Close() error
	// Geometry reports the device's sector size and sector count.
	Geometry() (sectorSize uint32, sectorCount uint64, err error)
	// ReadSectors reads count sectors starting at sector start into dst.
	ReadSectors(start uint64, count uint32, dst []byte) error
	// WriteSectors writes count sectors starting at sector start from src.
	WriteSectors(start uint64, count uint32, src []byte) error
	// Flush ensures all previously written sectors have reached stable
	// storage. Used by volume.go around the metaroot write: "Either flush must succeed for atomicity; failure yields a
	// critical error that marks the volume read-only."
	Flush() error
}
