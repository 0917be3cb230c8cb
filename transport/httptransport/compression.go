package httptransport

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTP status codes for body handling:
// - gzip invalid → 400 Bad Request
// - compressed limit exceeded → 413 Request Entity Too Large
// - decompressed limit exceeded → 413 Request Entity Too Large (via errDecompressedTooLarge)
// - unsupported media type or encoding → 415 Unsupported Media Type

// errDecompressedTooLarge is a sentinel error for decompressed size limit violations
var errDecompressedTooLarge = errors.New("decompressed data exceeds maximum size limit")

// errResponseTooLarge is returned when a response body exceeds MaxResponseSize
var errResponseTooLarge = errors.New("response body exceeds maximum size limit")

var (
	errUnsupportedMediaType = errors.New("unsupported media type")
	errUnsupportedEncoding  = errors.New("unsupported content encoding")
	errRequestTooLarge      = errors.New("request body too large")
	errInvalidGzip          = errors.New("invalid gzip data")
)

// maxDecompressedReader wraps an io.Reader to enforce decompressed size limits
type maxDecompressedReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
	err      error
}

func (r *maxDecompressedReader) Read(p []byte) (int, error) {
	if r.consumed >= r.limit {
		// At the limit: anything left means the body was too large
		var peek [1]byte
		m, err := r.reader.Read(peek[:])
		if m > 0 {
			return 0, r.err
		}
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}

	// Limit read size to prevent exceeding limit
	maxRead := r.limit - r.consumed
	if int64(len(p)) > maxRead {
		p = p[:maxRead]
	}

	n, err := r.reader.Read(p)
	r.consumed += int64(n)
	return n, err
}

// createSafeRequestReader creates a reader that enforces both compressed and decompressed size limits
// Returns the reader, cleanup function, and error
func createSafeRequestReader(w http.ResponseWriter, r *http.Request, options *ServerOptions) (io.Reader, func(), error) {
	maxRequestSize := options.MaxRequestSize
	if maxRequestSize == 0 {
		maxRequestSize = 1 << 20
	}
	maxDecompressedSize := options.MaxDecompressedSize
	if maxDecompressedSize == 0 {
		maxDecompressedSize = 4 << 20
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		return nil, func() {}, fmt.Errorf("%w: %s", errUnsupportedMediaType, contentType)
	}

	if r.ContentLength > maxRequestSize {
		return nil, func() {}, fmt.Errorf("%w: %d bytes (max %d)", errRequestTooLarge, r.ContentLength, maxRequestSize)
	}

	limitedReader := http.MaxBytesReader(w, r.Body, maxRequestSize)

	// Only allow empty or "gzip" (case-insensitive)
	contentEncoding := strings.TrimSpace(strings.ToLower(r.Header.Get("Content-Encoding")))
	switch contentEncoding {
	case "":
		return limitedReader, func() {}, nil
	case "gzip":
	default:
		return nil, func() {}, fmt.Errorf("%w: %s (only gzip is supported)", errUnsupportedEncoding, contentEncoding)
	}

	gzReader, err := gzip.NewReader(limitedReader)
	if err != nil {
		return nil, func() {}, fmt.Errorf("%w: %v", errInvalidGzip, err)
	}
	decompressedReader := &maxDecompressedReader{
		reader: gzReader,
		limit:  maxDecompressedSize,
		err:    errDecompressedTooLarge,
	}
	return decompressedReader, func() { gzReader.Close() }, nil
}

// createSafeResponseReader bounds a response body to MaxResponseSize. Bodies
// still gzip-encoded (when transparent decompression is off) are inflated
// under the same limit.
func createSafeResponseReader(resp *http.Response, options *ClientOptions) (io.Reader, func(), error) {
	limit := options.MaxResponseSize
	if limit == 0 {
		limit = 10 << 20
	}
	var body io.Reader = resp.Body
	cleanup := func() {}
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gzReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, cleanup, fmt.Errorf("%w: %v", errInvalidGzip, err)
		}
		body = gzReader
		cleanup = func() { gzReader.Close() }
	}
	return &maxDecompressedReader{reader: body, limit: limit, err: errResponseTooLarge}, cleanup, nil
}

// mapErrorToHTTPStatus maps body handling errors to HTTP status codes
func mapErrorToHTTPStatus(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errDecompressedTooLarge), errors.Is(err, errRequestTooLarge), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errUnsupportedMediaType), errors.Is(err, errUnsupportedEncoding):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}
