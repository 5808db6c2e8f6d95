package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
)

// staticHandler serves the bundled frontend from s.staticDir, falling back
// to index.html for any path that doesn't resolve to a real file (client-
// side routing). A Server with no configured static directory answers 404
// to everything but /api and /ws.
func (s *Server) staticHandler() http.Handler {
	if s.staticDir == "" {
		return http.NotFoundHandler()
	}

	fileServer := http.FileServer(http.Dir(s.staticDir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cleaned := filepath.Clean(r.URL.Path)
		full := filepath.Join(s.staticDir, cleaned)

		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			http.ServeFile(w, r, filepath.Join(s.staticDir, "index.html"))
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}
