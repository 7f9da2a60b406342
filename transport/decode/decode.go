// Package decode wraps a response body with transparent content-decoding
// for gzip, deflate, and br content encodings.
package decode

import (
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// brotliReadCloser adapts brotli.Reader (which has no Close) to the
// io.ReadCloser the rest of the pipeline expects, closing through to the
// underlying body.
type brotliReadCloser struct {
	*brotli.Reader
	underlying io.Closer
}

func (b *brotliReadCloser) Close() error { return b.underlying.Close() }

// Decode returns body unchanged when the status is 204/304, when
// Content-Length is 0, or when Content-Encoding is absent or names any
// encoding other than gzip/x-gzip, deflate/x-deflate and br.
// Otherwise it wraps body with the decoder(s) named by Content-Encoding,
// applied in the order listed (a response may legally chain encodings).
func Decode(statusCode int, header http.Header, body io.ReadCloser) (io.ReadCloser, error) {
	if statusCode == http.StatusNoContent || statusCode == http.StatusNotModified {
		return body, nil
	}
	if header.Get("Content-Length") == "0" {
		return body, nil
	}
	encoding := header.Get("Content-Encoding")
	if encoding == "" {
		return body, nil
	}

	for _, enc := range strings.Split(encoding, ",") {
		switch strings.TrimSpace(enc) {
		case "gzip", "x-gzip", "deflate", "x-deflate", "br":
		default:
			return body, nil
		}
	}

	out := body
	for _, enc := range strings.Split(encoding, ",") {
		switch strings.TrimSpace(enc) {
		case "gzip", "x-gzip":
			r, err := gzip.NewReader(out)
			if err != nil {
				return nil, fmt.Errorf("decode: gzip: %w", err)
			}
			out = &readCloserPair{Reader: r, closer: out}
		case "deflate", "x-deflate":
			r, err := zlib.NewReader(out)
			if err != nil {
				return nil, fmt.Errorf("decode: deflate: %w", err)
			}
			out = &readCloserPair{Reader: r, closer: out}
		case "br":
			out = &brotliReadCloser{Reader: brotli.NewReader(out), underlying: out}
		default:
			return body, nil
		}
	}

	header.Del("Content-Encoding")
	header.Del("Content-Length")
	return out, nil
}

// readCloserPair pairs a decoder's io.Reader with the underlying stream's
// Close, since gzip.Reader and zlib's io.ReadCloser both read-but-not-close
// the wrapped stream.
type readCloserPair struct {
	io.Reader
	closer io.Closer
}

func (p *readCloserPair) Close() error { return p.closer.Close() }
