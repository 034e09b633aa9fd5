// Package static serves a frontend from a filesystem, falling back to the index
// document for paths that do not match a file so client-side routing can take over.
package static

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
	"syscall"
)

const defaultIndex = "index.html"

// Option configures a Handler.
type Option func(*Handler)

// WithIndex sets the index document name used for directories and the fallback.
func WithIndex(name string) Option {
	return func(h *Handler) {
		if name != "" {
			h.index = name
		}
	}
}

// WithFallback controls whether unknown paths return the root index document.
func WithFallback(enabled bool) Option {
	return func(h *Handler) {
		h.fallback = enabled
	}
}

// Handler serves GET and HEAD requests from an fs.FS.
type Handler struct {
	fsys     fs.FS
	index    string
	fallback bool
}

// New returns a handler serving fsys with SPA fallback enabled.
func New(fsys fs.FS, opts ...Option) *Handler {
	h := &Handler{
		fsys:     fsys,
		index:    defaultIndex,
		fallback: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewDir returns a handler serving the directory at dir.
func NewDir(dir string, opts ...Option) (*Handler, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("static directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("static directory: %s is not a directory", dir)
	}
	return New(os.DirFS(dir), opts...), nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	name, err := h.resolve(cleanPath(r.URL.Path))
	switch {
	case err == nil:
		h.serveFile(w, r, name)
	case errors.Is(err, fs.ErrNotExist) && h.fallback:
		h.serveFallback(w, r)
	case errors.Is(err, fs.ErrNotExist):
		http.NotFound(w, r)
	default:
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// resolve maps a cleaned name to a regular file, descending into directory indexes.
func (h *Handler) resolve(name string) (string, error) {
	info, err := fs.Stat(h.fsys, name)
	if err != nil {
		return "", notExist(err)
	}
	if !info.IsDir() {
		return name, nil
	}

	index := path.Join(name, h.index)
	info, err = fs.Stat(h.fsys, index)
	if err != nil {
		return "", notExist(err)
	}
	if info.IsDir() {
		return "", fs.ErrNotExist
	}
	return index, nil
}

func (h *Handler) serveFallback(w http.ResponseWriter, r *http.Request) {
	info, err := fs.Stat(h.fsys, h.index)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	h.serveFile(w, r, h.index)
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, name string) {
	f, err := h.fsys.Open(name)
	if err != nil {
		if errors.Is(notExist(err), fs.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	content, ok := f.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(f)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		content = bytes.NewReader(data)
	}

	http.ServeContent(w, r, path.Base(name), info.ModTime(), content)
}

// cleanPath turns a URL path into an fs.FS name. ".." cannot climb above the root.
func cleanPath(urlPath string) string {
	name := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	if name == "" {
		return "."
	}
	return name
}

// notExist folds errors that mean "nothing servable here" into fs.ErrNotExist.
// os.DirFS reports names that are not valid fs paths with fs.ErrInvalid, and a
// path through a regular file yields ENOTDIR.
func notExist(err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrInvalid) {
		return fs.ErrNotExist
	}
	if errors.Is(err, syscall.ENOTDIR) {
		return fs.ErrNotExist
	}
	return err
}
