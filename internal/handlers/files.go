package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	ferrors "github.com/bleepstore/filestore/internal/errors"
	"github.com/bleepstore/filestore/internal/storage"
)

// Targets is what the handlers need from the adapter factory.
type Targets interface {
	storage.Resolver
	Targets() []string
	Kind(name string) (string, bool)
}

// TargetInfo describes one configured target.
type TargetInfo struct {
	Name      string `json:"name" example:"avatars" doc:"Target name"`
	Kind      string `json:"kind" example:"local" doc:"Adapter kind"`
	Streaming bool   `json:"streaming" doc:"Whether the adapter supports streaming"`
	Error     string `json:"error,omitempty" doc:"Construction error, if the adapter could not be built"`
}

// FileResult is the JSON body returned by mutating file requests.
type FileResult struct {
	Target string `json:"target"`
	Path   string `json:"path"`
	Size   int64  `json:"size,omitempty"`
}

// FileHandler serves file operations for every configured target through
// one Storage facade per target.
type FileHandler struct {
	targets       Targets
	maxObjectSize int64

	mu     sync.Mutex
	stores map[string]*storage.Storage
}

// NewFileHandler creates a FileHandler. maxObjectSize bounds request
// bodies; zero disables the limit.
func NewFileHandler(targets Targets, maxObjectSize int64) *FileHandler {
	return &FileHandler{
		targets:       targets,
		maxObjectSize: maxObjectSize,
		stores:        make(map[string]*storage.Storage),
	}
}

// storageFor returns the facade of a configured target. Unknown names are
// not cached.
func (h *FileHandler) storageFor(name string) (*storage.Storage, error) {
	if _, ok := h.targets.Kind(name); !ok {
		return nil, ferrors.New(ferrors.KindUnknownTarget, "resolve", name, "", fmt.Errorf("no storage target named %q", name))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.stores[name]
	if !ok {
		s = storage.NewStorage(h.targets, name)
		h.stores[name] = s
	}
	return s, nil
}

// ListTargets describes every configured target. Listing resolves each
// adapter to report its streaming capability.
func (h *FileHandler) ListTargets(ctx context.Context) []TargetInfo {
	names := h.targets.Targets()
	infos := make([]TargetInfo, 0, len(names))
	for _, name := range names {
		kind, _ := h.targets.Kind(name)
		info := TargetInfo{Name: name, Kind: kind}
		s, err := h.storageFor(name)
		if err == nil {
			info.Streaming, err = s.SupportsStreaming(ctx)
		}
		if err != nil {
			info.Error = err.Error()
		}
		infos = append(infos, info)
	}
	return infos
}

// GetFile streams a file to the client, or sends it whole when the target
// cannot stream.
func (h *FileHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	target, p := extractTarget(r), extractPath(r)
	s, err := h.storageFor(target)
	if err != nil {
		writeError(w, r, err)
		return
	}

	streaming, err := s.SupportsStreaming(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if !streaming {
		data, err := s.Get(ctx, p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", contentType(p))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}

	rc, err := s.OpenReadStream(ctx, p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentType(p))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are already sent; all that is left is to log.
		slog.Warn("streaming file to client", "target", target, "path", p, "error", err)
	}
}

// HeadFile reports whether a file exists.
func (h *FileHandler) HeadFile(w http.ResponseWriter, r *http.Request) {
	target, p := extractTarget(r), extractPath(r)
	s, err := h.storageFor(target)
	if err != nil {
		w.WriteHeader(ferrors.KindOf(err).HTTPStatus())
		return
	}
	ok, err := s.Exists(r.Context(), p)
	if err != nil {
		w.WriteHeader(ferrors.KindOf(err).HTTPStatus())
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// PutFile creates a file from the request body. Streaming targets receive
// the body through a write stream; others get a buffered Put.
func (h *FileHandler) PutFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	target, p := extractTarget(r), extractPath(r)
	s, err := h.storageFor(target)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if h.maxObjectSize > 0 {
		if r.ContentLength > h.maxObjectSize {
			writeError(w, r, &http.MaxBytesError{Limit: h.maxObjectSize})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.maxObjectSize)
	}

	streaming, err := s.SupportsStreaming(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var size int64
	if streaming {
		size, err = s.WriteStream(ctx, p, r.Body)
	} else {
		var data []byte
		data, err = io.ReadAll(r.Body)
		if err == nil {
			size = int64(len(data))
			err = s.Put(ctx, p, data)
		}
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, FileResult{Target: target, Path: p, Size: size})
}

// DeleteFile removes a file.
func (h *FileHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	target, p := extractTarget(r), extractPath(r)
	s, err := h.storageFor(target)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Delete(r.Context(), p); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PostFile runs a copy or rename selected by the op query parameter, with
// the destination in dest.
func (h *FileHandler) PostFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	target, p := extractTarget(r), extractPath(r)
	q := r.URL.Query()
	dest := q.Get("dest")
	if dest == "" {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Kind: "InvalidRequest", Message: "dest query parameter is required", Target: target, Path: p})
		return
	}

	s, err := h.storageFor(target)
	if err != nil {
		writeError(w, r, err)
		return
	}

	switch op := q.Get("op"); op {
	case "copy":
		err = s.Copy(ctx, p, dest)
	case "rename", "move":
		err = s.Rename(ctx, p, dest)
	default:
		writeJSON(w, http.StatusBadRequest, ErrorBody{Kind: "InvalidRequest", Message: fmt.Sprintf("unsupported op %q", op), Target: target, Path: p})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, FileResult{Target: target, Path: dest})
}
