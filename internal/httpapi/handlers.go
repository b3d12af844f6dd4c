package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/echonet/internal/registry"
	"github.com/MrWong99/echonet/internal/router"
	"github.com/MrWong99/echonet/internal/state"
	"github.com/MrWong99/echonet/internal/store"
)

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	mode, err := s.opts.State.Mode(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read listen mode")
		return
	}
	caps := []string{"register", "route", "sessions", "state_watch"}
	if s.opts.ASR != nil {
		caps = append(caps, "transcribe")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":      "echonet",
		"version":      s.opts.Version,
		"source_id":    s.opts.SourceID,
		"listen_mode":  mode,
		"capabilities": caps,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var t store.Target
	if err := decodeBody(r, &t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	clean, err := s.opts.Registry.Upsert(r.Context(), t)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slog.Info("target registered", "name", clean.Name, "base_url", clean.BaseURL, "phrases", len(clean.Phrases))
	writeJSON(w, http.StatusOK, clean)
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"targets": s.opts.Registry.List()})
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.opts.Registry.Delete(r.Context(), name); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown target "+strconv.Quote(name))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("target deleted", "name", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	settings, err := s.opts.State.Settings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State  string `json:"state"`
		Target string `json:"target"`
		Source string `json:"source"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	mode := state.Mode(body.State)
	if !mode.IsValid() {
		writeError(w, http.StatusBadRequest, "invalid listen mode "+strconv.Quote(body.State))
		return
	}
	if body.Target != "" {
		if _, err := s.opts.Registry.Get(body.Target); err != nil {
			writeError(w, http.StatusNotFound, "unknown target "+strconv.Quote(body.Target))
			return
		}
	}
	source := body.Source
	if source == "" {
		source = "api"
	}
	if err := s.opts.State.SetMode(r.Context(), mode, source, body.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.opts.Metrics.RecordSettingChange(r.Context(), "listen_mode", source)
	writeJSON(w, http.StatusOK, map[string]string{"listen_mode": string(mode)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit "+strconv.Quote(v))
			return
		}
		limit = n
	}
	changes, err := s.opts.State.History(r.Context(), r.URL.Query().Get("name"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": changes})
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var ev router.TextEvent
	if err := decodeBody(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if ev.SourceID == "" {
		ev.SourceID = s.opts.SourceID
	}
	if ev.SourceID == "" {
		writeError(w, http.StatusBadRequest, "source_id is required")
		return
	}

	mode, err := s.opts.State.Mode(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read listen mode")
		return
	}
	d := s.opts.Router.Route(r.Context(), mode, ev)
	s.recordDecision(r, d)
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.opts.Router.Sessions()})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")
	if err := s.opts.Router.EndSession(source); err != nil {
		if errors.Is(err, router.ErrNoSession) {
			writeError(w, http.StatusNotFound, "no session for source "+strconv.Quote(source))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("session ended via api", "source_id", source)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.opts.Devices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list devices: "+err.Error())
		return
	}
	current, err := s.opts.State.DeviceIndex(r.Context(), s.opts.DeviceFallback)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "current": current})
}

func (s *Server) handleSetDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceIndex int    `json:"device_index"`
		Reason      string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.DeviceIndex < -1 {
		writeError(w, http.StatusBadRequest, "device_index must be -1 (default) or a device index")
		return
	}
	// Validate against the live device list when enumeration works; a
	// headless test box without audio hardware still gets to persist -1.
	if body.DeviceIndex >= 0 {
		if devices, err := s.opts.Devices(); err == nil && body.DeviceIndex >= len(devices) {
			writeError(w, http.StatusBadRequest, "device index "+strconv.Itoa(body.DeviceIndex)+" out of range")
			return
		}
	}
	if err := s.opts.State.SetDeviceIndex(r.Context(), body.DeviceIndex, "api", body.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.opts.Metrics.RecordSettingChange(r.Context(), "audio_device_index", "api")
	writeJSON(w, http.StatusOK, map[string]int{"device_index": body.DeviceIndex})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	values, err := s.opts.State.ConfigValues(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": values})
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var body struct {
		Value any `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	cv, err := s.opts.State.ConfigValue(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown config key "+strconv.Quote(key))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	value, err := coerceConfigValue(cv.Type, body.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateConfigBounds(key, value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.opts.State.SetConfigValue(r.Context(), key, value); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.opts.Metrics.RecordSettingChange(r.Context(), key, "api")
	slog.Info("config updated", "key", key, "value", value)

	cv.Value = value
	cv.UpdatedAt = time.Now().UTC()
	writeJSON(w, http.StatusOK, cv)
}

// coerceConfigValue renders a JSON scalar into the string form the config
// table stores, enforcing the row's declared type.
func coerceConfigValue(typ string, v any) (string, error) {
	switch typ {
	case "bool":
		switch b := v.(type) {
		case bool:
			return strconv.FormatBool(b), nil
		case string:
			if _, err := (store.ConfigValue{Value: b}).Bool(); err != nil {
				return "", errors.New("value must be a boolean")
			}
			return b, nil
		}
		return "", errors.New("value must be a boolean")
	case "int":
		switch n := v.(type) {
		case float64:
			if n != float64(int64(n)) {
				return "", errors.New("value must be an integer")
			}
			return strconv.FormatInt(int64(n), 10), nil
		case string:
			if _, err := strconv.ParseInt(n, 10, 64); err != nil {
				return "", errors.New("value must be an integer")
			}
			return n, nil
		}
		return "", errors.New("value must be an integer")
	case "float":
		switch n := v.(type) {
		case float64:
			return strconv.FormatFloat(n, 'g', -1, 64), nil
		case string:
			if _, err := strconv.ParseFloat(n, 64); err != nil {
				return "", errors.New("value must be a number")
			}
			return n, nil
		}
		return "", errors.New("value must be a number")
	case "str":
		if sv, ok := v.(string); ok {
			return sv, nil
		}
		return "", errors.New("value must be a string")
	}
	return "", errors.New("unsupported config type " + strconv.Quote(typ))
}

// validateConfigBounds rejects values outside a key's documented range. The
// worker reads these without revalidating, so out-of-range values must never
// reach the store.
func validateConfigBounds(key, value string) error {
	switch key {
	case "preroll_buffer_seconds":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0.5 || f > 10 {
			return errors.New("preroll_buffer_seconds must be between 0.5 and 10")
		}
	}
	return nil
}

// recordDecision mirrors the worker's metric bookkeeping for API-injected
// events.
func (s *Server) recordDecision(r *http.Request, d router.Decision) {
	ctx := r.Context()
	s.opts.Metrics.RecordDecision(ctx, d.Mode, d.Handled)
	if d.RoutedTo != "" {
		kind := ""
		if !d.Forwarded {
			kind = strings.TrimPrefix(d.Reason, "target_error:")
		}
		s.opts.Metrics.RecordForward(ctx, d.RoutedTo, kind)
	}
}
