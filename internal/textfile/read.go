// Package textfile reads small text files such as password files. A byte
// order mark is removed and UTF-16 content is converted to UTF-8.
package textfile

import (
	"bytes"
	"os"

	"golang.org/x/text/encoding/unicode"
)

var (
	bomUTF8    = []byte{0xef, 0xbb, 0xbf}
	bomUTF16BE = []byte{0xfe, 0xff}
	bomUTF16LE = []byte{0xff, 0xfe}
)

// Decode strips a byte order mark and converts UTF-16 to UTF-8. Data
// without a byte order mark is returned unchanged.
func Decode(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, bomUTF8):
		return data[len(bomUTF8):], nil
	case bytes.HasPrefix(data, bomUTF16BE), bytes.HasPrefix(data, bomUTF16LE):
		// the BOM selects the endianness
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder().Bytes(data)
	default:
		return data, nil
	}
}

// Read returns the decoded contents of filename.
func Read(filename string) ([]byte, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
