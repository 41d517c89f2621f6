// Package crypto implements the authenticated encryption used for everything
// packrat stores, and the password based key derivation that protects the
// repository master key.
//
// Data is encrypted with AES-256 in counter mode and authenticated with
// Poly1305-AES over the ciphertext. The 16 byte nonce is stored in front of
// the ciphertext and the 16 byte authenticator after it.
package crypto
