package embedfs

// On-disk signature constants. Each is a distinct 32-bit value: four
// ASCII bytes read as a little-endian uint32.
const (
	sigMaster    = uint32('M') | uint32('A')<<8 | uint32('S')<<16 | uint32('T')<<24
	sigMetaroot  = uint32('M') | uint32('T')<<8 | uint32('R')<<16 | uint32('T')<<24
	sigImap      = uint32('I') | uint32('M')<<8 | uint32('A')<<16 | uint32('P')<<24
	sigInode     = uint32('I') | uint32('N')<<8 | uint32('O')<<16 | uint32('D')<<24
	sigDindir    = uint32('D') | uint32('I')<<8 | uint32('N')<<16 | uint32('D')<<24
	sigIndir     = uint32('I') | uint32('N')<<8 | uint32('D')<<16 | uint32('R')<<24
	sigDirectory = uint32('D') | uint32('I')<<8 | uint32('R')<<16 | uint32('B')<<24
)

// headerSize is the size in bytes of NodeHeader: signature(4) + crc(4) + sequence(8).
const headerSize = 16

// Fixed block numbers.
const (
	blockMaster     uint32 = 0
	blockMetarootA  uint32 = 1
	blockMetarootB  uint32 = 2
	blockImapOrInodeStart uint32 = 3
)

// layoutVersion is stamped into the master block; bumped whenever the
// on-disk format changes incompatibly.
const layoutVersion uint32 = 1

// sparseBlock is the reserved block-pointer value meaning "unallocated,
// reads as zero".
const sparseBlock uint32 = 0

// Reserved inode numbers. Inode 0 never exists; inode 1 is reserved
// (keeping low inode numbers out of user space); inode 2 is always the
// root directory; user inodes start at 3.
const (
	InvalidIno  uint32 = 0
	reservedIno uint32 = 1
	RootIno     uint32 = 2
	firstUserIno uint32 = 3
)

// signatureKind maps a node signature to a human-readable kind, used by
// the buffer cache to validate a cache hit's meta-type request.
func signatureKind(sig uint32) string {
	switch sig {
	case sigMaster:
		return "master"
	case sigMetaroot:
		return "metaroot"
	case sigImap:
		return "imap"
	case sigInode:
		return "inode"
	case sigDindir:
		return "dindir"
	case sigIndir:
		return "indir"
	case sigDirectory:
		return "directory"
	default:
		return "unknown"
	}
}
