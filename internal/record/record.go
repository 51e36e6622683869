// Package record is the reference payload codec behind collab.EntryDecoder:
// the minimal LN and node serializations the cleaner's own tests and tools
// read and write. A real store brings its own formats and its own decoder;
// nothing in the cleaning pipeline depends on this layout beyond the decoder
// interface.
package record

import (
	"encoding/binary"
	"time"

	"github.com/dittodb/cleaner/internal/cleanererr"
	"github.com/dittodb/cleaner/internal/collab"
	"github.com/dittodb/cleaner/internal/logfile"
)

const (
	lnFlagDeleted  = 1 << 0
	lnFlagEmbedded = 1 << 1
)

// lnHeaderSize is dbID(4) + flags(1) + expiresAt(8) + modTime(8) + keyLen(4).
const lnHeaderSize = 25

// EncodeLN serializes one leaf record payload.
func EncodeLN(info collab.LNInfo, value []byte) []byte {
	buf := make([]byte, lnHeaderSize+len(info.Key)+len(value))
	binary.LittleEndian.PutUint32(buf[0:4], info.DBID)
	var flags byte
	if info.Deleted {
		flags |= lnFlagDeleted
	}
	if info.Embedded {
		flags |= lnFlagEmbedded
	}
	buf[4] = flags
	binary.LittleEndian.PutUint64(buf[5:13], uint64(unixOrZero(info.ExpiresAt)))
	binary.LittleEndian.PutUint64(buf[13:21], uint64(unixOrZero(info.ModTime)))
	binary.LittleEndian.PutUint32(buf[21:25], uint32(len(info.Key)))
	copy(buf[lnHeaderSize:], info.Key)
	copy(buf[lnHeaderSize+len(info.Key):], value)
	return buf
}

// Value extracts the value bytes from an LN payload previously produced by
// EncodeLN.
func Value(payload []byte) ([]byte, error) {
	if len(payload) < lnHeaderSize {
		return nil, cleanererr.New(cleanererr.ErrLogIntegrity, "short LN payload")
	}
	keyLen := binary.LittleEndian.Uint32(payload[21:25])
	if uint32(len(payload)) < lnHeaderSize+keyLen {
		return nil, cleanererr.New(cleanererr.ErrLogIntegrity, "LN key overruns payload")
	}
	return payload[lnHeaderSize+keyLen:], nil
}

// nodeSize is dbID(4) + level(4) + nodeID(8).
const nodeSize = 16

// EncodeNode serializes an IN/BIN-delta/DBTree payload's identifying prefix.
// extra carries whatever image bytes the node itself needs; the decoder only
// reads the prefix.
func EncodeNode(ref collab.NodeRef, extra []byte) []byte {
	buf := make([]byte, nodeSize+len(extra))
	binary.LittleEndian.PutUint32(buf[0:4], ref.DBID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(ref.Level))
	binary.LittleEndian.PutUint64(buf[8:16], ref.NodeID)
	copy(buf[nodeSize:], extra)
	return buf
}

// Decoder implements collab.EntryDecoder over this package's layouts.
type Decoder struct{}

// DecodeLN implements collab.EntryDecoder.
func (Decoder) DecodeLN(payload []byte) (collab.LNInfo, error) {
	if len(payload) < lnHeaderSize {
		return collab.LNInfo{}, cleanererr.New(cleanererr.ErrLogIntegrity, "short LN payload")
	}
	flags := payload[4]
	keyLen := binary.LittleEndian.Uint32(payload[21:25])
	if uint32(len(payload)) < lnHeaderSize+keyLen {
		return collab.LNInfo{}, cleanererr.New(cleanererr.ErrLogIntegrity, "LN key overruns payload")
	}
	return collab.LNInfo{
		DBID:      binary.LittleEndian.Uint32(payload[0:4]),
		Key:       payload[lnHeaderSize : lnHeaderSize+keyLen],
		Deleted:   flags&lnFlagDeleted != 0,
		Embedded:  flags&lnFlagEmbedded != 0,
		ExpiresAt: timeOrZero(int64(binary.LittleEndian.Uint64(payload[5:13]))),
		ModTime:   timeOrZero(int64(binary.LittleEndian.Uint64(payload[13:21]))),
	}, nil
}

// DecodeNode implements collab.EntryDecoder.
func (Decoder) DecodeNode(category logfile.Category, payload []byte) (collab.NodeRef, error) {
	if len(payload) < nodeSize {
		return collab.NodeRef{}, cleanererr.New(cleanererr.ErrLogIntegrity, "short node payload")
	}
	return collab.NodeRef{
		DBID:   binary.LittleEndian.Uint32(payload[0:4]),
		Level:  collab.NodeLevel(binary.LittleEndian.Uint32(payload[4:8])),
		NodeID: binary.LittleEndian.Uint64(payload[8:16]),
	}, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

var _ collab.EntryDecoder = Decoder{}
