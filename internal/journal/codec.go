package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/yndnr/canopy-go/internal/mblock"
)

// Record framing: magic, version, payload, trailing CRC-32 over
// everything before it. A record that fails any of the three checks is
// surfaced as corruption rather than silently misparsed.
const (
	recMagic    = "CNJR"
	recVersion  = 1
	crcSize     = 4
	recHdrSize  = len(recMagic) + 1
	recFixedLen = 8 + 8 + 4 + 8 + 8 + 2 // node id, dgen, compc, seqno max, hblk, kblk count
)

// Key prefixes in the backing store. Kvset records sort before node
// records; replay scans the node prefix first so nodes still arrive
// before the kvsets that reference them.
const (
	nodeKeyPrefix  = "n/"
	kvsetKeyPrefix = "k/"
)

func nodeKey(cnid, nodeID uint64) []byte {
	k := make([]byte, 0, len(nodeKeyPrefix)+16)
	k = append(k, nodeKeyPrefix...)
	k = binary.BigEndian.AppendUint64(k, cnid)
	k = binary.BigEndian.AppendUint64(k, nodeID)
	return k
}

func kvsetKey(cnid, kvsetID uint64) []byte {
	k := make([]byte, 0, len(kvsetKeyPrefix)+16)
	k = append(k, kvsetKeyPrefix...)
	k = binary.BigEndian.AppendUint64(k, cnid)
	k = binary.BigEndian.AppendUint64(k, kvsetID)
	return k
}

func encodeAdd(rec AddRecord) []byte {
	buf := make([]byte, 0, recHdrSize+recFixedLen+crcSize+8*(len(rec.Kblks)+len(rec.Vblks)))
	buf = append(buf, recMagic...)
	buf = append(buf, recVersion)
	buf = binary.LittleEndian.AppendUint64(buf, rec.NodeID)
	buf = binary.LittleEndian.AppendUint64(buf, rec.Meta.Dgen)
	buf = binary.LittleEndian.AppendUint32(buf, rec.Meta.Compc)
	buf = binary.LittleEndian.AppendUint64(buf, rec.Meta.SeqnoMax)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.Hblk))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(rec.Kblks)))
	for _, id := range rec.Kblks {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(rec.Vblks)))
	for _, id := range rec.Vblks {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
	}
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	return buf
}

func decodeAdd(cnid, kvsetID uint64, buf []byte) (AddRecord, error) {
	rec := AddRecord{Cnid: cnid, KvsetID: kvsetID}

	if len(buf) < recHdrSize+crcSize {
		return rec, fmt.Errorf("journal: truncated kvset record")
	}
	body, sum := buf[:len(buf)-crcSize], binary.LittleEndian.Uint32(buf[len(buf)-crcSize:])
	if crc32.ChecksumIEEE(body) != sum {
		return rec, fmt.Errorf("journal: kvset record checksum mismatch")
	}
	if !bytes.HasPrefix(body, []byte(recMagic)) {
		return rec, fmt.Errorf("journal: bad record magic")
	}
	if body[len(recMagic)] != recVersion {
		return rec, fmt.Errorf("journal: unknown record version %d", body[len(recMagic)])
	}
	body = body[recHdrSize:]

	need := func(n int) error {
		if len(body) < n {
			return fmt.Errorf("journal: truncated kvset record")
		}
		return nil
	}
	if err := need(recFixedLen); err != nil {
		return rec, err
	}
	rec.NodeID = binary.LittleEndian.Uint64(body)
	rec.Meta.Dgen = binary.LittleEndian.Uint64(body[8:])
	rec.Meta.Compc = binary.LittleEndian.Uint32(body[16:])
	rec.Meta.SeqnoMax = binary.LittleEndian.Uint64(body[20:])
	rec.Hblk = mblock.ID(binary.LittleEndian.Uint64(body[28:]))
	nk := int(binary.LittleEndian.Uint16(body[36:]))
	body = body[recFixedLen:]

	if err := need(8*nk + 2); err != nil {
		return rec, err
	}
	rec.Kblks = make([]mblock.ID, nk)
	for i := 0; i < nk; i++ {
		rec.Kblks[i] = mblock.ID(binary.LittleEndian.Uint64(body[8*i:]))
	}
	body = body[8*nk:]

	nv := int(binary.LittleEndian.Uint16(body))
	body = body[2:]
	if err := need(8 * nv); err != nil {
		return rec, err
	}
	rec.Vblks = make([]mblock.ID, nv)
	for i := 0; i < nv; i++ {
		rec.Vblks[i] = mblock.ID(binary.LittleEndian.Uint64(body[8*i:]))
	}
	return rec, nil
}
