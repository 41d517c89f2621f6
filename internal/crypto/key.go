package crypto

import (
	"crypto/rand"
	"encoding/json"

	"github.com/packrat/packrat/internal/errors"
)

const (
	aesKeySize  = 32 // AES-256
	macKeySizeK = 16 // AES-128 for the Poly1305 nonce
	macKeySizeR = 16 // Poly1305 r
	macKeySize  = macKeySizeK + macKeySizeR
)

// Key is the master key of a repository: one key for encryption, one for
// authentication. It is stored as JSON, encrypted with a key derived from the
// user's password.
type Key struct {
	MACKey        `json:"mac"`
	EncryptionKey `json:"encrypt"`
}

// EncryptionKey is the AES-256 key.
type EncryptionKey [aesKeySize]byte

// MACKey is the Poly1305-AES key, K encrypts the nonce, R is the polynomial
// evaluation point.
type MACKey struct {
	K [macKeySizeK]byte
	R [macKeySizeR]byte
}

func mustRead(buf []byte, what string) {
	if n, err := rand.Read(buf); n != len(buf) || err != nil {
		panic("unable to read enough random bytes for " + what)
	}
}

// NewRandomKey returns a key with fresh random encryption and MAC keys.
func NewRandomKey() *Key {
	k := &Key{}
	mustRead(k.EncryptionKey[:], "encryption key")
	mustRead(k.MACKey.K[:], "MAC encryption key")
	mustRead(k.MACKey.R[:], "MAC key")
	return k
}

// Valid reports whether both parts of the key are set.
func (k *Key) Valid() bool {
	return k.EncryptionKey.Valid() && k.MACKey.Valid()
}

func nonzero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc != 0
}

// Valid reports whether neither half of the MAC key is zero.
func (m *MACKey) Valid() bool {
	return nonzero(m.K[:]) && nonzero(m.R[:])
}

// Valid reports whether the key is not zero.
func (k *EncryptionKey) Valid() bool {
	return nonzero(k[:])
}

type jsonMACKey struct {
	K []byte `json:"k"`
	R []byte `json:"r"`
}

// MarshalJSON encodes the MAC key as {"k": ..., "r": ...}.
func (m *MACKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonMACKey{K: m.K[:], R: m.R[:]})
}

// UnmarshalJSON decodes a MAC key written by MarshalJSON.
func (m *MACKey) UnmarshalJSON(data []byte) error {
	var j jsonMACKey
	if err := json.Unmarshal(data, &j); err != nil {
		return errors.Wrap(err, "Unmarshal")
	}
	if len(j.K) != macKeySizeK || len(j.R) != macKeySizeR {
		return errors.Errorf("invalid MAC key length %d/%d", len(j.K), len(j.R))
	}
	copy(m.K[:], j.K)
	copy(m.R[:], j.R)

	return nil
}

// MarshalJSON encodes the key as base64.
func (k *EncryptionKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k[:])
}

// UnmarshalJSON decodes a key written by MarshalJSON.
func (k *EncryptionKey) UnmarshalJSON(data []byte) error {
	var d []byte
	if err := json.Unmarshal(data, &d); err != nil {
		return errors.Wrap(err, "Unmarshal")
	}
	if len(d) != aesKeySize {
		return errors.Errorf("invalid encryption key length %d", len(d))
	}
	copy(k[:], d)

	return nil
}
