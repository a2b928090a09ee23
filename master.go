package embedfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
)

// MasterBlock is block 0, written once at format time. Its fields are a
// flat run of fixed-width values, so it is encoded and decoded with
// reflection rather than field-by-field binary.Read calls.
type MasterBlock struct {
	LayoutVersion   uint32
	BlockCount      uint32
	InodeCount      uint32
	MaxNameLen      uint32
	DirectPointers  uint32
	IndirPointers   uint32
	DindirPointers  uint32
	BlockSizeLog2   uint32
	SectorSizeLog2  uint32
	IncompatFlags   uint32
	ReadOnlyFlags   uint32
	InitialSequence uint64
	Label           [36]byte // reserved; cmd/embedfsctl stamps a uuid here
}

// masterFieldsSize returns the encoded size of MasterBlock's exported
// fields by summing field sizes via reflection.
func masterFieldsSize() int {
	v := reflect.ValueOf(MasterBlock{})
	sz := 0
	for i := 0; i < v.NumField(); i++ {
		sz += int(v.Type().Field(i).Type.Size())
	}
	return sz
}

func (m *MasterBlock) marshal(order binary.ByteOrder) []byte {
	buf := new(bytes.Buffer)
	v := reflect.ValueOf(m).Elem()
	for i := 0; i < v.NumField(); i++ {
		_ = binary.Write(buf, order, v.Field(i).Addr().Interface())
	}
	return buf.Bytes()
}

func (m *MasterBlock) unmarshal(data []byte, order binary.ByteOrder) error {
	r := bytes.NewReader(data)
	v := reflect.ValueOf(m).Elem()
	for i := 0; i < v.NumField(); i++ {
		if err := binary.Read(r, order, v.Field(i).Addr().Interface()); err != nil {
			return err
		}
	}
	return nil
}

// encodeMaster writes the full block-0 image (header + fields) into buf,
// which must be at least Config.BlockSize bytes.
func encodeMaster(buf []byte, m *MasterBlock) {
	body := m.marshal(binary.LittleEndian)
	copy(buf[headerSize:], body)
	encodeHeader(buf, NodeHeader{Signature: sigMaster, Sequence: 0})
	stampCRC(buf)
}

// decodeMaster parses and validates block 0 against cfg: mismatches
// against the compile-time/runtime configuration reject the mount.
func decodeMaster(buf []byte, cfg Config) (*MasterBlock, error) {
	h := decodeHeader(buf)
	if h.Signature != sigMaster {
		return nil, fmt.Errorf("%w: bad master block signature", ErrInvalidArg)
	}
	if !verifyCRC(buf) {
		return nil, corrupt("master-crc", "")
	}
	m := &MasterBlock{}
	need := headerSize + masterFieldsSize()
	if len(buf) < need {
		return nil, fmt.Errorf("%w: block too small for master block", ErrInvalidArg)
	}
	if err := m.unmarshal(buf[headerSize:need], binary.LittleEndian); err != nil {
		return nil, err
	}
	if m.LayoutVersion != layoutVersion {
		return nil, fmt.Errorf("%w: incompatible layout version %d", ErrInvalidArg, m.LayoutVersion)
	}
	if m.BlockSizeLog2 != log2(cfg.BlockSize) {
		return nil, fmt.Errorf("%w: block size mismatch", ErrInvalidArg)
	}
	if m.SectorSizeLog2 != log2(cfg.SectorSize) {
		return nil, fmt.Errorf("%w: sector size mismatch", ErrInvalidArg)
	}
	if m.InodeCount != cfg.InodeCount {
		return nil, fmt.Errorf("%w: inode count mismatch", ErrInvalidArg)
	}
	if m.MaxNameLen != uint32(cfg.MaxNameLen) {
		return nil, fmt.Errorf("%w: max name length mismatch", ErrInvalidArg)
	}
	if m.DirectPointers != uint32(cfg.DirectPointers) ||
		m.IndirPointers != uint32(cfg.IndirectPointers) ||
		m.DindirPointers != uint32(cfg.DindirPointers) {
		return nil, fmt.Errorf("%w: inode pointer geometry mismatch", ErrInvalidArg)
	}
	if m.IncompatFlags&^supportedIncompatFlags != 0 {
		return nil, fmt.Errorf("%w: unsupported incompatible feature flags", ErrInvalidArg)
	}
	return m, nil
}

// supportedIncompatFlags is the set of incompat feature bits this build
// understands; any unknown bit set in the on-disk master block rejects
// the mount.
const supportedIncompatFlags uint32 = 0

func log2(v uint32) uint32 {
	n := uint32(0)
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}
