package embedfs

import "encoding/binary"

// NodeHeader is the first 16 bytes of every metadata block.
type NodeHeader struct {
	Signature uint32
	CRC       uint32
	Sequence  uint64
}

func decodeHeader(buf []byte) NodeHeader {
	return NodeHeader{
		Signature: binary.LittleEndian.Uint32(buf[0:4]),
		CRC:       binary.LittleEndian.Uint32(buf[4:8]),
		Sequence:  binary.LittleEndian.Uint64(buf[8:16]),
	}
}

func encodeHeader(buf []byte, h NodeHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Signature)
	binary.LittleEndian.PutUint32(buf[4:8], h.CRC)
	binary.LittleEndian.PutUint64(buf[8:16], h.Sequence)
}

// validateHeader checks invariants P4/P5 for a non-metaroot,
// non-master node: its signature must match what the caller expected, its
// CRC must verify, and its sequence must be strictly less than the
// volume's current sequence (a node whose sequence is >= volume.sequence
// is from a future or foreign format and must be rejected at read time).
func validateHeader(buf []byte, wantSig uint32, volSequence uint64) error {
	h := decodeHeader(buf)
	if h.Signature != wantSig {
		return corrupt("node-signature", signatureKind(wantSig)+" expected, got "+signatureKind(h.Signature))
	}
	if !verifyCRC(buf) {
		return corrupt("node-crc", signatureKind(wantSig))
	}
	if h.Sequence >= volSequence {
		return corrupt("node-sequence", "stale or foreign metadata")
	}
	return nil
}
