package embedfs

import (
	"encoding/binary"
)

// Metaroot is one of the two dual on-disk roots (blocks 1 and 2).
// Entries is sized to fill the rest of the block.
type Metaroot struct {
	Header            NodeHeader
	SectorCRC         uint32
	FreeBlocks        uint32
	FreeInodes        uint32
	AllocNextBlock    uint32
	OrphanHead        uint32
	OrphanTail        uint32
	DefunctOrphanHead uint32
	Entries           []byte
}

func newMetaroot(cfg Config) *Metaroot {
	return &Metaroot{
		OrphanHead:        InvalidIno,
		OrphanTail:        InvalidIno,
		DefunctOrphanHead: InvalidIno,
		Entries:           make([]byte, cfg.BlockSize-metarootFixedSize),
	}
}

func (mr *Metaroot) clone() *Metaroot {
	c := *mr
	c.Entries = append([]byte(nil), mr.Entries...)
	return &c
}

// encode serializes mr into buf (len(buf) == cfg.BlockSize), stamping the
// node header, sector CRC, and full-block CRC.
func (mr *Metaroot) encode(buf []byte, sectorSize uint32) {
	off := headerSize
	binary.LittleEndian.PutUint32(buf[off:], mr.SectorCRC)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], mr.FreeBlocks)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], mr.FreeInodes)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], mr.AllocNextBlock)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], mr.OrphanHead)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], mr.OrphanTail)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], mr.DefunctOrphanHead)
	off += 4
	copy(buf[off:], mr.Entries)

	encodeHeader(buf, mr.Header)
	mr.SectorCRC = sectorCRC(buf, sectorSize)
	binary.LittleEndian.PutUint32(buf[headerSize:], mr.SectorCRC)
	stampCRC(buf)
	mr.Header.CRC = binary.LittleEndian.Uint32(buf[4:8])
}

// decodeMetaroot parses a metaroot block, validating signature and CRCs.
// When atomicSectorWrite is set and only the sector CRC validates (the
// full-block CRC does not), the metaroot is torn and rejected
// (errTornMetaroot).
func decodeMetaroot(buf []byte, cfg Config) (*Metaroot, error) {
	h := decodeHeader(buf)
	if h.Signature != sigMetaroot {
		return nil, corrupt("metaroot-signature", "")
	}

	sectorOK := sectorCRC(buf, cfg.SectorSize) == binary.LittleEndian.Uint32(buf[headerSize:])
	fullOK := verifyCRC(buf)

	if !sectorOK {
		return nil, corrupt("metaroot-sector-crc", "")
	}
	if !fullOK {
		if cfg.AtomicSectorWrite {
			return nil, errTornMetaroot
		}
		return nil, corrupt("metaroot-crc", "")
	}

	mr := &Metaroot{Header: h}
	off := headerSize
	mr.SectorCRC = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	mr.FreeBlocks = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	mr.FreeInodes = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	mr.AllocNextBlock = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	mr.OrphanHead = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	mr.OrphanTail = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	mr.DefunctOrphanHead = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	mr.Entries = append([]byte(nil), buf[off:]...)

	return mr, nil
}

// errTornMetaroot signals a torn atomic-sector-write: the first sector's
// CRC validated but the rest of the block did not, meaning only part of
// the metaroot landed before a crash. Callers fall back to the other slot.
var errTornMetaroot = corrupt("metaroot-torn", "atomic-sector-write device")
