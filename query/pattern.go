package query

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"os"
	"unicode/utf16"

	"github.com/MrRooten/meta-reader/blockio"
	"github.com/MrRooten/meta-reader/rawscan"
)

// EncodePattern turns a search_disk-style (encode, value) pair into a
// rawscan.Pattern. encode is one of "hex", "base64", "file", "string",
// "u16string" or "regex"; any other value is ErrUnsupportedFeature.
func EncodePattern(encode, value string) (rawscan.Pattern, error) {
	switch encode {
	case "hex":
		b, err := hexDecode(value)
		if err != nil {
			return rawscan.Pattern{}, fmt.Errorf("%w: invalid hex pattern: %v", blockio.ErrStructureInvalid, err)
		}
		return rawscan.NewLiteralPattern(b), nil
	case "base64":
		b, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return rawscan.Pattern{}, fmt.Errorf("%w: invalid base64 pattern: %v", blockio.ErrStructureInvalid, err)
		}
		return rawscan.NewLiteralPattern(b), nil
	case "file":
		b, err := os.ReadFile(value)
		if err != nil {
			return rawscan.Pattern{}, fmt.Errorf("%w: reading pattern file %s: %v", blockio.ErrIo, value, err)
		}
		return rawscan.NewLiteralPattern(b), nil
	case "string":
		return rawscan.NewLiteralPattern([]byte(value)), nil
	case "u16string":
		return rawscan.NewLiteralPattern(encodeUTF16LE(value)), nil
	case "regex":
		return rawscan.NewRegexPattern(value)
	default:
		return rawscan.Pattern{}, fmt.Errorf("%w: unknown search encoding %q", blockio.ErrUnsupportedFeature, encode)
	}
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}

// encodeUTF16LE is the mirror of the ntfs package's decodeUTF16LE, for
// building a search pattern that matches how NTFS stores names on disk.
func encodeUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[i*2:], u)
	}
	return out
}
