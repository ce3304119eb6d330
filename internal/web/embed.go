// Package web serves the dashboard front-end embedded in the binary.
package web

import (
	"embed"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/labstack/echo/v4"
)

//go:embed dist/*
var staticFiles embed.FS

// immutableCache is sent for fingerprinted build assets.
const immutableCache = "public, max-age=31536000, immutable"

// GetFileSystem returns the embedded filesystem with the dist folder as root.
func GetFileSystem() (fs.FS, error) {
	return fs.Sub(staticFiles, "dist")
}

// RegisterStaticRoutes registers the front-end routes with Echo. Register
// the API group first: unknown /api paths get a 404 instead of index.html.
func RegisterStaticRoutes(e *echo.Echo) error {
	staticFS, err := GetFileSystem()
	if err != nil {
		return err
	}
	e.GET("/*", staticHandler(staticFS))
	return nil
}

func staticHandler(staticFS fs.FS) echo.HandlerFunc {
	fileServer := http.FileServer(http.FS(staticFS))

	return func(c echo.Context) error {
		requestPath := path.Clean(c.Request().URL.Path)
		if requestPath == "/api" || strings.HasPrefix(requestPath, "/api/") {
			return echo.ErrNotFound
		}

		name := strings.TrimPrefix(requestPath, "/")
		if name == "" || name == "index.html" {
			return serveIndexHTML(c, staticFS)
		}

		stat, err := fs.Stat(staticFS, name)
		if err != nil || stat.IsDir() {
			// Not a file: a client-side route, let the front-end router handle it
			return serveIndexHTML(c, staticFS)
		}

		if strings.HasPrefix(name, "assets/") {
			c.Response().Header().Set("Cache-Control", immutableCache)
		}
		fileServer.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

// serveIndexHTML serves the main index.html. It is never cached so a new
// build is picked up on reload.
func serveIndexHTML(c echo.Context, staticFS fs.FS) error {
	indexFile, err := staticFS.Open("index.html")
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "index.html not found")
	}
	defer indexFile.Close()

	content, err := io.ReadAll(indexFile)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read index.html")
	}

	c.Response().Header().Set("Cache-Control", "no-cache")
	return c.HTMLBlob(http.StatusOK, content)
}

// HasEmbeddedFiles returns true if the front-end has been built and embedded.
func HasEmbeddedFiles() bool {
	_, err := fs.Stat(staticFiles, "dist/index.html")
	return err == nil
}

// GetEmbeddedFile returns a specific file from the embedded filesystem.
func GetEmbeddedFile(name string) (fs.File, error) {
	staticFS, err := GetFileSystem()
	if err != nil {
		return nil, err
	}
	return staticFS.Open(name)
}
