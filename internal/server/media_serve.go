package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// ServeHLSFile serves a playlist or segment. Playlists are never cached so a
// rescanned rendition is picked up by the next request.
func ServeHLSFile(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		writeError(w, "file not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil || st.IsDir() {
		writeError(w, "file not found", http.StatusNotFound)
		return
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ct := hlsContentType(ext); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if ext == ".m3u8" {
		w.Header().Set("Cache-Control", "no-cache")
	}

	// ServeContent supports Range if the reader is seekable (os.File is).
	http.ServeContent(w, r, filepath.Base(path), st.ModTime(), f)
}
