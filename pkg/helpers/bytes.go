package helpers

import "encoding/binary"

// AppendU64LE appends v as 8 little-endian bytes.
func AppendU64LE(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

// AppendU32LE appends v as 4 little-endian bytes.
func AppendU32LE(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

// AppendU16LE appends v as 2 little-endian bytes.
func AppendU16LE(b []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, v)
}
