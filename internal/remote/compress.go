package remote

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding is sent on every request; the transport's own gzip handling
// is disabled by setting it, so decodeBody handles both.
const acceptEncoding = "zstd, gzip"

// decodeBody wraps r according to the response Content-Encoding
func decodeBody(r io.Reader, contentEncoding string) (io.ReadCloser, error) {
	switch enc := strings.ToLower(strings.TrimSpace(contentEncoding)); enc {
	case "", "identity":
		return io.NopCloser(r), nil
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "zstd":
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return &zstdReadCloser{dec: dec}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

type zstdReadCloser struct {
	dec *zstd.Decoder
}

func (z *zstdReadCloser) Read(p []byte) (int, error) {
	return z.dec.Read(p)
}

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return nil
}
