package main

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
)

// The browser front end ships inside the binary: a canvas snake game, the
// online players panel and the chat box, all talking to /ws.

//go:embed web/index.html
var indexHTML []byte

//go:embed web/app.css
var appCSS []byte

//go:embed web/app.js
var appJS []byte

//go:embed web/favicon.svg
var faviconSVG []byte

func cacheHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
}

func writeIndex(cfg *Config, w http.ResponseWriter, errs chan<- error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(indexHTML)))
	securityHeaders(cfg, w)

	if _, err := w.Write(indexHTML); err != nil {
		errs <- err
	}
}

func serveIndex(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeIndex(cfg, w, errs)
	}
}

// spaFallback serves the entry document for every unmatched path, so
// front-end routes survive a full page reload.
func spaFallback(cfg *Config, errs chan<- error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeIndex(cfg, w, errs)
	})
}

func serveAsset(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var data []byte

		if strings.HasSuffix(r.URL.Path, ".js") {
			w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
			data = appJS
		} else {
			w.Header().Set("Content-Type", "text/css; charset=utf-8")
			data = appCSS
		}

		cacheHeaders(w)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		securityHeaders(cfg, w)

		if _, err := w.Write(data); err != nil {
			errs <- err
		}
	}
}

func serveFavicon(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "image/svg+xml")
		cacheHeaders(w)
		w.Header().Set("Content-Length", strconv.Itoa(len(faviconSVG)))
		securityHeaders(cfg, w)

		if _, err := w.Write(faviconSVG); err != nil {
			errs <- err
		}
	}
}

// serveHealthCheck reports liveness plus the current registry size, for
// probes and the server picker in the client.
func serveHealthCheck(cfg *Config, hub *Hub, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		securityHeaders(cfg, w)
		corsHeaders(cfg, w)

		payload := struct {
			Status       string `json:"status"`
			PlayersCount int    `json:"playersCount"`
		}{
			Status:       "ok",
			PlayersCount: hub.PlayerCount(),
		}

		if err := json.NewEncoder(w).Encode(payload); err != nil {
			errs <- err
		}
	}
}

func serveRobots(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		data := `User-agent: Amazonbot
Disallow: /

User-agent: Applebot-Extended
Disallow: /

User-agent: Bytespider
Disallow: /

User-agent: CCBot
Disallow: /

User-agent: ClaudeBot
Disallow: /

User-agent: Google-Extended
Disallow: /

User-agent: GPTBot
Disallow: /

User-agent: meta-externalagent
Disallow: /`

		cacheHeaders(w)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		securityHeaders(cfg, w)

		if _, err := w.Write([]byte(data)); err != nil {
			errs <- err
		}
	}
}

func errorPage() string {
	return `<!DOCTYPE html><html lang="en"><head><title>Server Error</title></head>` +
		`<body><a href="/">An error has occurred. Please try again.</a></body></html>`
}
