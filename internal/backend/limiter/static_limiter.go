package limiter

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Limits are the upload and download rates in KiB/s. Zero means unlimited.
type Limits struct {
	UploadKb   int
	DownloadKb int
}

type staticLimiter struct {
	upstream   *rate.Limiter
	downstream *rate.Limiter
}

// NewStaticLimiter returns a Limiter with fixed upload and download rates.
func NewStaticLimiter(l Limits) Limiter {
	var up, down *rate.Limiter

	if l.UploadKb > 0 {
		up = rate.NewLimiter(rate.Limit(toByteRate(l.UploadKb)), int(toByteRate(l.UploadKb)))
	}
	if l.DownloadKb > 0 {
		down = rate.NewLimiter(rate.Limit(toByteRate(l.DownloadKb)), int(toByteRate(l.DownloadKb)))
	}

	return staticLimiter{upstream: up, downstream: down}
}

func (l staticLimiter) Upstream(r io.Reader) io.Reader {
	return l.limitReader(r, l.upstream)
}

func (l staticLimiter) UpstreamWriter(w io.Writer) io.Writer {
	return l.limitWriter(w, l.upstream)
}

func (l staticLimiter) Downstream(r io.Reader) io.Reader {
	return l.limitReader(r, l.downstream)
}

func (l staticLimiter) DownstreamWriter(w io.Writer) io.Writer {
	return l.limitWriter(w, l.downstream)
}

func (l staticLimiter) limitReader(r io.Reader, lim *rate.Limiter) io.Reader {
	if lim == nil {
		return r
	}
	return &rateLimitedReader{r, lim}
}

func (l staticLimiter) limitWriter(w io.Writer, lim *rate.Limiter) io.Writer {
	if lim == nil {
		return w
	}
	return &rateLimitedWriter{w, lim}
}

type rateLimitedReader struct {
	reader  io.Reader
	limiter *rate.Limiter
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	// a single read must not exceed the burst size
	if len(p) > r.limiter.Burst() {
		p = p[:r.limiter.Burst()]
	}
	n, err := r.reader.Read(p)
	if err := consumeTokens(n, r.limiter); err != nil {
		return n, err
	}
	return n, err
}

type rateLimitedWriter struct {
	writer  io.Writer
	limiter *rate.Limiter
}

func (w *rateLimitedWriter) Write(buf []byte) (int, error) {
	var written int
	for len(buf) > 0 {
		chunk := buf
		if len(chunk) > w.limiter.Burst() {
			chunk = chunk[:w.limiter.Burst()]
		}
		if err := consumeTokens(len(chunk), w.limiter); err != nil {
			return written, err
		}
		n, err := w.writer.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		buf = buf[n:]
	}
	return written, nil
}

func consumeTokens(tokens int, limiter *rate.Limiter) error {
	if tokens == 0 {
		return nil
	}
	return limiter.WaitN(context.Background(), tokens)
}

func toByteRate(val int) float64 {
	return float64(val) * 1024.
}
