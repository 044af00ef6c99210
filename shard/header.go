package shard

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/rpcpool/shardhash/filehandle"
)

// HeaderSize is the fixed 34-byte on-disk header:
// magic:u32 | segmentCount:u32 | rootOffset:u64 | rootLen:u16 | freeBlocksOffset:u64 | elementCount:u64
const HeaderSize = 4 + 4 + 8 + 2 + 8 + 8

const (
	magicGracefully uint32 = 0x512ACEF2
	magicDirty      uint32 = 0xD112770C
)

type header struct {
	magic            uint32
	segmentCount     uint32
	rootOffset       uint64
	rootLen          uint16
	freeBlocksOffset uint64
	elementCount     uint64
}

func encodeHeader(h header) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.magic)
	binary.BigEndian.PutUint32(buf[4:8], h.segmentCount)
	binary.BigEndian.PutUint64(buf[8:16], h.rootOffset)
	binary.BigEndian.PutUint16(buf[16:18], h.rootLen)
	binary.BigEndian.PutUint64(buf[18:26], h.freeBlocksOffset)
	binary.BigEndian.PutUint64(buf[26:34], h.elementCount)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, fmt.Errorf("header buffer too short: %d bytes", len(buf))
	}
	return header{
		magic:            binary.BigEndian.Uint32(buf[0:4]),
		segmentCount:     binary.BigEndian.Uint32(buf[4:8]),
		rootOffset:       binary.BigEndian.Uint64(buf[8:16]),
		rootLen:          binary.BigEndian.Uint16(buf[16:18]),
		freeBlocksOffset: binary.BigEndian.Uint64(buf[18:26]),
		elementCount:     binary.BigEndian.Uint64(buf[26:34]),
	}, nil
}

func readHeader(h *filehandle.Handle) (header, error) {
	buf := make([]byte, HeaderSize)
	if err := h.Read(buf, 0); err != nil {
		return header{}, err
	}
	return decodeHeader(buf)
}

func writeHeader(h *filehandle.Handle, hdr header) error {
	return h.Write(encodeHeader(hdr), 0)
}

// writeMagic rewrites just the 4-byte magic field, used to flip between
// DIRTY (while open for writing) and GRACEFULLY (only at the end of a
// clean stop).
func writeMagic(h *filehandle.Handle, magic uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:4], magic)
	return h.Write(buf[:], 0)
}

func readTail(h *filehandle.Handle, from, to int64) (*bytes.Reader, error) {
	if to <= from {
		return bytes.NewReader(nil), nil
	}
	buf := make([]byte, to-from)
	if err := h.Read(buf, from); err != nil {
		return nil, err
	}
	return bytes.NewReader(buf), nil
}
