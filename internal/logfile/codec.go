package logfile

import (
	"encoding/binary"
	"hash/crc32"
)

// checksumTable is the Castagnoli CRC-32 table, the same polynomial
// BadgerDB's value log uses for its entry checksums — the closest real Go
// code in the retrieval pack to this log format.
var checksumTable = crc32.MakeTable(crc32.Castagnoli)

// encodeHeader writes h into buf[:HeaderSize]. buf must be at least
// HeaderSize bytes.
func encodeHeader(buf []byte, h Header) {
	buf[0] = byte(h.Type)
	buf[1] = h.Version
	buf[2] = byte(h.Flags)
	buf[3] = 0 // reserved, keeps the layout word-aligned
	binary.LittleEndian.PutUint32(buf[4:8], h.PrevOffset)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.VSN))
	binary.LittleEndian.PutUint32(buf[16:20], h.PayloadSize)
	binary.LittleEndian.PutUint32(buf[20:24], h.Checksum)
}

// decodeHeader reads a Header from buf[:HeaderSize].
func decodeHeader(buf []byte) Header {
	return Header{
		Type:        Category(buf[0]),
		Version:     buf[1],
		Flags:       Flags(buf[2]),
		PrevOffset:  binary.LittleEndian.Uint32(buf[4:8]),
		VSN:         int64(binary.LittleEndian.Uint64(buf[8:16])),
		PayloadSize: binary.LittleEndian.Uint32(buf[16:20]),
		Checksum:    binary.LittleEndian.Uint32(buf[20:24]),
	}
}

// computeChecksum checksums the header (excluding the checksum field
// itself) concatenated with the payload, matching what LogReader.ReadEntry
// verifies against Header.Checksum.
func computeChecksum(h Header, payload []byte) uint32 {
	var hdr [HeaderSize]byte
	encodeHeader(hdr[:], h)
	crc := crc32.Checksum(hdr[:20], checksumTable) // up to but excluding the checksum field
	crc = crc32.Update(crc, checksumTable, payload)
	return crc
}

// frameSize returns the total on-disk size of an entry with the given
// payload length.
func frameSize(payloadSize uint32) uint32 {
	return HeaderSize + payloadSize
}
