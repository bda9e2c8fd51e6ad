// Package handlers implements the HTTP handlers of the filestore gateway.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"

	"github.com/go-chi/chi/v5"

	ferrors "github.com/bleepstore/filestore/internal/errors"
)

// ErrorBody is the JSON error document returned by the gateway.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Target  string `json:"target,omitempty"`
	Path    string `json:"path,omitempty"`
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing JSON response", "error", err)
	}
}

// writeError renders err with the HTTP status of its kind. Errors outside
// the storage taxonomy are reported as 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := ErrorBody{Kind: "InternalError", Message: err.Error()}
	status := http.StatusInternalServerError

	var tooLarge *http.MaxBytesError
	if se, ok := ferrors.As(err); ok {
		body.Kind = string(se.Kind)
		body.Target = se.Target
		body.Path = se.Path
		status = se.HTTPStatus()
	}
	if errors.As(err, &tooLarge) {
		body.Kind = "EntityTooLarge"
		status = http.StatusRequestEntityTooLarge
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

// extractTarget returns the target name from the route.
func extractTarget(r *http.Request) string {
	return chi.URLParam(r, "target")
}

// extractPath returns the decoded file path from the route. It is passed to
// the storage layer as is; canonicalization happens there.
func extractPath(r *http.Request) string {
	p := chi.URLParam(r, "*")
	if r.URL.RawPath == "" {
		return p
	}
	if decoded, err := url.PathUnescape(p); err == nil {
		return decoded
	}
	return p
}

// contentType guesses a media type from the file extension.
func contentType(p string) string {
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
