package server

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformedCookie marks a cookie value that cannot be decoded back into a
// compact JWS.
var ErrMalformedCookie = errors.New("malformed cookie value")

// CompressToken shrinks a compact JWS for cookie transport: the three
// base64url segments are decoded, joined with newline bytes, deflated at the
// best compression level, and base64url-encoded as a whole. Decoding the
// segments first matters, the signature bytes are incompressible but their
// base64 form is a third larger.
func CompressToken(token string) (string, error) {
	segments := strings.Split(strings.TrimSpace(token), ".")
	decoded := make([][]byte, 0, len(segments))
	for _, seg := range segments {
		raw, err := base64.RawURLEncoding.DecodeString(seg)
		if err != nil {
			return "", fmt.Errorf("decode token segment: %w", err)
		}
		decoded = append(decoded, raw)
	}
	body := bytes.Join(decoded, []byte{'\n'})

	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return "", err
	}
	if _, err := zw.Write(body); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// DecompressToken is the exact inverse of CompressToken. The inflated bytes
// are split on at most two newline bytes: the payload may itself contain
// newlines and must never be fragmented further.
func DecompressToken(value string) (string, error) {
	compressed, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedCookie, err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedCookie, err)
	}
	body, err := io.ReadAll(zr)
	if cerr := zr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedCookie, err)
	}

	pieces := bytes.SplitN(body, []byte{'\n'}, 3)
	if len(pieces) < 3 {
		return "", fmt.Errorf("%w: expected 3 token segments, got %d", ErrMalformedCookie, len(pieces))
	}

	segments := make([]string, 0, len(pieces))
	for _, p := range pieces {
		segments = append(segments, base64.RawURLEncoding.EncodeToString(p))
	}
	return strings.Join(segments, "."), nil
}
