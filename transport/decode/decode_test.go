package decode

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"io"
	"net/http"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compress(t *testing.T, encoding, payload string) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	switch encoding {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	case "br":
		w = brotli.NewWriter(&buf)
	}
	_, err := w.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecodeEachEncoding(t *testing.T) {
	for _, enc := range []string{"gzip", "deflate", "br"} {
		enc := enc
		t.Run(enc, func(t *testing.T) {
			payload := "hello, decode: " + enc
			body := io.NopCloser(bytes.NewReader(compress(t, enc, payload)))
			header := http.Header{"Content-Encoding": {enc}}

			decoded, err := Decode(http.StatusOK, header, body)
			require.NoError(t, err)
			defer decoded.Close()

			got, err := io.ReadAll(decoded)
			require.NoError(t, err)
			assert.Equal(t, payload, string(got))
			assert.Empty(t, header.Get("Content-Encoding"))
		})
	}
}

func TestDecodePassthrough(t *testing.T) {
	cases := []struct {
		name   string
		status int
		header http.Header
	}{
		{"204", http.StatusNoContent, http.Header{}},
		{"304", http.StatusNotModified, http.Header{}},
		{"zero-length", http.StatusOK, http.Header{"Content-Length": {"0"}}},
		{"no-encoding", http.StatusOK, http.Header{}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			body := io.NopCloser(bytes.NewReader([]byte("raw")))
			out, err := Decode(c.status, c.header, body)
			require.NoError(t, err)
			assert.Equal(t, body, out, "input body must be returned unchanged")
		})
	}
}

func TestDecodeUnsupportedEncoding(t *testing.T) {
	body := io.NopCloser(bytes.NewReader([]byte("x")))
	out, err := Decode(http.StatusOK, http.Header{"Content-Encoding": {"zstd"}}, body)
	require.NoError(t, err)
	assert.Equal(t, body, out, "an unrecognized encoding must pass the body through unchanged")
}
