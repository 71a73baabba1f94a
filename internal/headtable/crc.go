package headtable

import (
	"encoding/binary"
	"hash/crc32"
)

func crc32Of(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

func crcOK(entry []byte) bool {
	want := binary.LittleEndian.Uint32(entry[0:4])
	got := crc32.ChecksumIEEE(entry[4:])
	return want == got
}
