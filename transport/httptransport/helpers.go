package httptransport

import (
	"compress/gzip"
	"encoding/json"
	"net/http"
	"strings"
)

// acceptsGzip reports whether the request allows a gzip response body.
func acceptsGzip(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(enc), ";")
		if strings.EqualFold(name, "gzip") {
			return true
		}
	}
	return false
}

// writeJSON encodes payload and writes it with status code, gzipping bodies
// at or above the compression threshold when the client accepts it.
func writeJSON(w http.ResponseWriter, r *http.Request, code int, payload interface{}, options *ServerOptions) error {
	body, err := json.Marshal(payload)
	if err != nil {
		body, _ = json.Marshal(errorBody{Error: "failed to marshal response"})
		code = http.StatusInternalServerError
	}

	header := w.Header()
	header.Set("Content-Type", "application/json")
	header.Add("Vary", "Accept-Encoding")

	compress := options != nil && options.CompressionEnabled &&
		int64(len(body)) >= options.CompressionThreshold && acceptsGzip(r)
	if !compress {
		w.WriteHeader(code)
		_, err = w.Write(body)
		return err
	}

	header.Set("Content-Encoding", "gzip")
	w.WriteHeader(code)
	gz := gzip.NewWriter(w)
	if _, err := gz.Write(body); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}
