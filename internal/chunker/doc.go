// Package chunker splits a byte stream into content defined chunks using a
// rolling Rabin fingerprint.
//
// A cut is placed after a byte when the fingerprint of the preceding
// WindowSize bytes has its lowest AverageBits bits set to zero. Chunks are
// never shorter than the minimum size, except for the last chunk of a
// stream, and never longer than the maximum size. Cut points depend only on
// the content, so inserting data into a stream only changes the chunks
// around the insertion point.
//
// The fingerprint is computed modulo an irreducible polynomial of degree 53,
// chosen randomly per repository. Polynomial arithmetic comes from
// github.com/restic/chunker.
package chunker
