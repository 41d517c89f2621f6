// Package limiter caps the upload and download bandwidth of a backend.
package limiter

import (
	"io"
)

// Limiter limits the bandwidth of readers and writers.
type Limiter interface {
	// Upstream returns a rate limited reader for data sent to the backend.
	Upstream(r io.Reader) io.Reader

	// UpstreamWriter returns a rate limited writer for data sent to the
	// backend.
	UpstreamWriter(w io.Writer) io.Writer

	// Downstream returns a rate limited reader for data read from the
	// backend.
	Downstream(r io.Reader) io.Reader

	// DownstreamWriter returns a rate limited writer for data read from
	// the backend.
	DownstreamWriter(w io.Writer) io.Writer
}
