package ntfs

import (
	"encoding/binary"
	"unicode/utf16"
)

// decodeUTF16LE decodes NTFS's native little-endian UTF-16 filenames and
// attribute names using the standard library's unicode/utf16; this is raw
// wire-format decoding with no third-party codec to reach for instead.
func decodeUTF16LE(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units))
}
