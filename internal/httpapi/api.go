// Package httpapi is EchoNet's HTTP surface: target registration, state
// control, text-event injection, session inspection, audio device selection,
// and a websocket stream of setting changes.
//
// Authentication is header-based: X-API-Key on every endpoint except the
// health and metrics probes, plus X-Admin-Key on mutating admin endpoints.
// Empty keys disable the respective check, for development setups.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/MrWong99/echonet/internal/health"
	"github.com/MrWong99/echonet/internal/observe"
	"github.com/MrWong99/echonet/internal/registry"
	"github.com/MrWong99/echonet/internal/router"
	"github.com/MrWong99/echonet/internal/state"
	"github.com/MrWong99/echonet/pkg/audio"
	"github.com/MrWong99/echonet/pkg/transcribe"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options wires the Server to the rest of the application.
type Options struct {
	Registry *registry.Registry
	State    *state.Manager
	Router   *router.Router

	// ASR backs POST /test/transcribe. Nil disables the endpoint (503).
	ASR transcribe.Transcriber

	// Devices lists capture devices. Defaults to [audio.ListDevices].
	Devices func() ([]audio.Device, error)

	Health  *health.Handler
	Metrics *observe.Metrics

	// APIKey gates every endpoint except health and metrics probes. Empty
	// disables authentication.
	APIKey string

	// AdminKey additionally gates mutating admin endpoints. Empty means the
	// API key alone suffices.
	AdminKey string

	Version string

	// SourceID is the default source for events injected without one.
	SourceID string

	// DeviceFallback is the configured device index reported as current
	// until a selection has been persisted.
	DeviceFallback int

	// Language is passed to the transcriber for test uploads.
	Language string
}

// Server holds the handler dependencies. Build with [New], mount with
// [Server.Handler].
type Server struct {
	opts Options
}

// New creates a Server. Metrics defaults to the package-level instruments,
// Devices to the real PortAudio enumeration.
func New(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	if opts.Devices == nil {
		opts.Devices = audio.ListDevices
	}
	return &Server{opts: opts}
}

// Handler returns the fully wired HTTP handler: routes, auth, and the
// observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /handshake", s.handleHandshake)

	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /targets", s.handleTargets)
	mux.HandleFunc("DELETE /targets/{name}", s.handleDeleteTarget)

	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("PUT /state", s.handleSetState)
	mux.HandleFunc("GET /state/history", s.handleHistory)
	mux.HandleFunc("GET /state/watch", s.handleWatch)

	mux.HandleFunc("POST /text", s.handleText)

	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("POST /sessions/{source}/end", s.handleEndSession)

	mux.HandleFunc("GET /audio/devices", s.handleDevices)
	mux.HandleFunc("PUT /audio/device", s.handleSetDevice)

	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("PUT /config/{key}", s.handleSetConfig)

	mux.HandleFunc("POST /test/transcribe", s.handleTestTranscribe)

	mux.Handle("GET /metrics", promhttp.Handler())
	if s.opts.Health != nil {
		s.opts.Health.Register(mux)
	}

	return observe.Middleware(s.opts.Metrics)(s.auth(mux))
}

// openPaths need no credentials: probes and the scrape endpoint.
var openPaths = map[string]struct{}{
	"/health":  {},
	"/healthz": {},
	"/readyz":  {},
	"/metrics": {},
}

// auth enforces the API key on all non-probe endpoints and the admin key on
// mutations of targets, state, config, and device selection.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, open := openPaths[r.URL.Path]; open {
			next.ServeHTTP(w, r)
			return
		}
		if s.opts.APIKey != "" && !keyMatches(r.Header.Get("X-API-Key"), s.opts.APIKey) {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		if s.opts.AdminKey != "" && isAdminRoute(r) && !keyMatches(r.Header.Get("X-Admin-Key"), s.opts.AdminKey) {
			writeError(w, http.StatusForbidden, "admin key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAdminRoute reports whether the request mutates registration, state,
// config, or device selection.
func isAdminRoute(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return false
	}
	p := r.URL.Path
	switch {
	case p == "/register", p == "/state", p == "/audio/device":
		return true
	case strings.HasPrefix(p, "/targets/"), strings.HasPrefix(p, "/config/"):
		return true
	}
	return false
}

func keyMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody strictly decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
