package packrat

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"hash"
	"io"

	"github.com/packrat/packrat/internal/errors"

	"github.com/minio/sha256-simd"
)

const idSize = sha256.Size

// ID is the SHA-256 of a blob's plaintext, or of a stored file's contents.
type ID [idSize]byte

// Hash returns the ID of data.
func Hash(data []byte) ID {
	return sha256.Sum256(data)
}

// NewHasher returns the hash function used for ids.
func NewHasher() hash.Hash {
	return sha256.New()
}

// IDFromHash converts the output of a hash function to an ID. It panics if
// hash has the wrong length.
func IDFromHash(hash []byte) (id ID) {
	if len(hash) != idSize {
		panic("invalid hash type, not enough/too many bytes")
	}
	copy(id[:], hash)
	return id
}

// ParseID parses the hex representation of an ID.
func ParseID(s string) (ID, error) {
	var id ID
	if hex.DecodedLen(len(s)) != idSize {
		return ID{}, errors.Errorf("invalid length for ID: %q", s)
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return ID{}, errors.Wrap(err, "hex.Decode")
	}
	return id, nil
}

// NewRandomID returns a random ID. It panics if the random source fails.
func NewRandomID() ID {
	var id ID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

const shortStr = 4

// Str returns the first eight hex digits of id.
func (id *ID) Str() string {
	if id == nil {
		return "[nil]"
	}
	if id.IsNull() {
		return "[null]"
	}
	return hex.EncodeToString(id[:shortStr])
}

// IsNull reports whether id is all zero.
func (id ID) IsNull() bool {
	return id == ID{}
}

// Less orders ids bytewise.
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// MarshalJSON encodes id as a hex string.
func (id ID) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 2+hex.EncodedLen(idSize))
	buf[0] = '"'
	hex.Encode(buf[1:], id[:])
	buf[len(buf)-1] = '"'
	return buf, nil
}

// UnmarshalJSON decodes a hex string written by MarshalJSON.
func (id *ID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "Unmarshal")
	}

	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
