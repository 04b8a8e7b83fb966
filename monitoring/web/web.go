// Package web holds the monitor page.
package web

import (
	_ "embed"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/pkg/errors"
)

//go:embed dist/index.html
var indexPage []byte

// DevEnv names the variable that makes the monitor read its page from the
// source tree on every request, so that edits show up without a rebuild.
const DevEnv = "PPCMMU_MONITOR_DEV"

// Page returns the monitor page.
func Page() ([]byte, error) {
	dev, _ := strconv.ParseBool(os.Getenv(DevEnv))
	if !dev {
		return indexPage, nil
	}

	_, source, _, ok := runtime.Caller(0)
	if !ok {
		return nil, errors.New("cannot locate the monitor page source")
	}

	page, err := os.ReadFile(filepath.Join(filepath.Dir(source), "dist", "index.html"))

	return page, errors.Wrap(err, "reading the monitor page")
}

// Handler serves the monitor page at the root path and nothing else.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" && r.URL.Path != "/index.html" {
			http.NotFound(w, r)
			return
		}

		page, err := Page()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(page)
	})
}
