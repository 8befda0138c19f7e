package utils

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// DecompressionReader wraps an upstream response body in a decoding reader
// according to its Content-Encoding. Unknown encodings pass through
// unchanged; SSE scanning needs plaintext either way.
func DecompressionReader(contentEncoding string, body io.Reader) (io.Reader, error) {
	switch contentEncoding {
	case "", "identity":
		return body, nil
	case "gzip":
		reader, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return reader, nil
	case "br":
		return brotli.NewReader(body), nil
	case "deflate":
		reader, err := zlib.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("failed to create deflate reader: %w", err)
		}
		return reader, nil
	case "zstd":
		reader, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return reader.IOReadCloser(), nil
	default:
		logrus.Warnf("No decoder for content encoding '%s', passing body through", contentEncoding)
		return body, nil
	}
}

// DecompressResponse decodes a fully buffered response body. Decode failures
// fall back to the original bytes so callers can still log the payload.
func DecompressResponse(contentEncoding string, data []byte) ([]byte, error) {
	if contentEncoding == "" || len(data) == 0 {
		return data, nil
	}

	reader, err := DecompressionReader(contentEncoding, bytes.NewReader(data))
	if err != nil {
		logrus.WithError(err).Warnf("Failed to decode '%s' response, returning original data", contentEncoding)
		return data, nil
	}

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		logrus.WithError(err).Warnf("Failed to read '%s' response, returning original data", contentEncoding)
		return data, nil
	}
	return decompressed, nil
}
