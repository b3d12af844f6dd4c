package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/echonet/internal/forward"
	"github.com/MrWong99/echonet/internal/health"
	"github.com/MrWong99/echonet/internal/httpapi"
	"github.com/MrWong99/echonet/internal/observe"
	"github.com/MrWong99/echonet/internal/registry"
	"github.com/MrWong99/echonet/internal/router"
	"github.com/MrWong99/echonet/internal/state"
	"github.com/MrWong99/echonet/internal/store"
	"github.com/MrWong99/echonet/pkg/audio"
	"github.com/MrWong99/echonet/pkg/transcribe"
	asrmock "github.com/MrWong99/echonet/pkg/transcribe/mock"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/afero"
	"github.com/zenwerk/go-wave"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type fakeSender struct {
	mu    sync.Mutex
	sends []forward.Event
}

func (f *fakeSender) Send(_ context.Context, _ store.Target, ev forward.Event) error {
	f.mu.Lock()
	f.sends = append(f.sends, ev)
	f.mu.Unlock()
	return nil
}

type fixture struct {
	handler http.Handler
	state   *state.Manager
	sender  *fakeSender
}

type fixtureOpt func(*httpapi.Options)

func withKeys(api, admin string) fixtureOpt {
	return func(o *httpapi.Options) {
		o.APIKey = api
		o.AdminKey = admin
	}
}

func withASR(t transcribe.Transcriber) fixtureOpt {
	return func(o *httpapi.Options) { o.ASR = t }
}

func newFixture(t *testing.T, opts ...fixtureOpt) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	reg, err := registry.New(ctx, st)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if _, err := reg.Upsert(ctx, store.Target{
		Name:    "lights",
		BaseURL: "http://lights.local:9000",
		Phrases: []string{"hey lights"},
	}); err != nil {
		t.Fatalf("seed target: %v", err)
	}

	mgr := state.NewManager(st)
	sender := &fakeSender{}
	rt := router.New(reg, sender, router.Options{
		CancelPhrases: []string{"cancel"},
		StripTrigger:  true,
	})

	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	o := httpapi.Options{
		Registry: reg,
		State:    mgr,
		Router:   rt,
		Devices: func() ([]audio.Device, error) {
			return []audio.Device{
				{Index: 0, Name: "Built-in Mic", Channels: 1, SampleRate: 16000, IsDefault: true},
				{Index: 1, Name: "USB Array", Channels: 4, SampleRate: 48000},
			}, nil
		},
		Health:         health.New("test"),
		Metrics:        metrics,
		Version:        "test",
		SourceID:       "mic-test",
		DeviceFallback: -1,
		Language:       "en",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &fixture{
		handler: httpapi.New(o).Handler(),
		state:   mgr,
		sender:  sender,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHandshake(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, "GET", "/handshake", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["service"] != "echonet" {
		t.Errorf("service = %v", body["service"])
	}
	if body["listen_mode"] != "trigger" {
		t.Errorf("listen_mode = %v, want trigger (migration seed)", body["listen_mode"])
	}
}

func TestRegisterAndListTargets(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, "POST", "/register", map[string]any{
		"name":     "Assistant",
		"base_url": "http://assistant.local:9001",
		"phrases":  []string{"Hey, Assistant!"},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	target := decode[store.Target](t, rec)
	if target.Name != "assistant" {
		t.Errorf("name = %q, want lowercased %q", target.Name, "assistant")
	}
	if len(target.Phrases) != 1 || target.Phrases[0] != "hey assistant" {
		t.Errorf("phrases = %v, want normalized [hey assistant]", target.Phrases)
	}

	rec = f.do(t, "GET", "/targets", nil, nil)
	list := decode[struct {
		Targets []store.Target `json:"targets"`
	}](t, rec)
	if len(list.Targets) != 2 {
		t.Errorf("targets = %d, want 2", len(list.Targets))
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, "POST", "/register", map[string]any{
		"name":     "bad",
		"base_url": "ftp://nope",
		"phrases":  []string{"hi"},
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDeleteTarget(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if rec := f.do(t, "DELETE", "/targets/lights", nil, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
	if rec := f.do(t, "DELETE", "/targets/lights", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, "PUT", "/state", map[string]any{
		"state":  "active",
		"source": "tester",
		"reason": "manual",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, "GET", "/state", nil, nil)
	body := decode[struct {
		Settings []store.Setting `json:"settings"`
	}](t, rec)
	found := false
	for _, s := range body.Settings {
		if s.Name == "listen_mode" && s.Value == "active" {
			found = true
		}
	}
	if !found {
		t.Errorf("listen_mode=active not in snapshot: %+v", body.Settings)
	}

	rec = f.do(t, "GET", "/state/history?name=listen_mode", nil, nil)
	hist := decode[struct {
		History []store.Change `json:"history"`
	}](t, rec)
	if len(hist.History) == 0 {
		t.Fatal("empty history")
	}
	if hist.History[0].Source != "tester" || hist.History[0].Reason != "manual" {
		t.Errorf("newest change = %+v, want tester/manual provenance", hist.History[0])
	}
}

func TestSetStateRejectsInvalidMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, "PUT", "/state", map[string]any{"state": "screaming"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSetStateUnknownTarget(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, "PUT", "/state", map[string]any{"state": "active", "target": "ghost"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestTextRoutesAndForwards(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, "POST", "/text", map[string]any{
		"source_id":  "m1",
		"text":       "Hey Lights, dim the kitchen",
		"confidence": 0.9,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	d := decode[router.Decision](t, rec)
	if !d.Handled || d.RoutedTo != "lights" || d.Mode != router.ModeSessionOpen {
		t.Errorf("decision = %+v", d)
	}
	if !d.Forwarded {
		t.Error("event was not forwarded")
	}

	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	if len(f.sender.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(f.sender.sends))
	}
	if got := f.sender.sends[0].Text; got != "dim the kitchen" {
		t.Errorf("forwarded text = %q, want trigger stripped", got)
	}
}

func TestTextDefaultsSourceID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, "POST", "/text", map[string]any{"text": "hey lights on"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	if len(f.sender.sends) != 1 || f.sender.sends[0].SourceID != "mic-test" {
		t.Errorf("sends = %+v, want configured source_id", f.sender.sends)
	}
}

func TestSessionsLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.do(t, "POST", "/text", map[string]any{"source_id": "m1", "text": "hey lights on"}, nil)

	rec := f.do(t, "GET", "/sessions", nil, nil)
	body := decode[struct {
		Sessions []router.Session `json:"sessions"`
	}](t, rec)
	if len(body.Sessions) != 1 || body.Sessions[0].SourceID != "m1" {
		t.Fatalf("sessions = %+v", body.Sessions)
	}

	if rec := f.do(t, "POST", "/sessions/m1/end", nil, nil); rec.Code != http.StatusNoContent {
		t.Errorf("end status = %d, want 204", rec.Code)
	}
	if rec := f.do(t, "POST", "/sessions/m1/end", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second end status = %d, want 404", rec.Code)
	}
}

func TestAudioDevices(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, "GET", "/audio/devices", nil, nil)
	body := decode[struct {
		Devices []audio.Device `json:"devices"`
		Current int            `json:"current"`
	}](t, rec)
	if len(body.Devices) != 2 || body.Current != -1 {
		t.Errorf("devices = %+v current = %d", body.Devices, body.Current)
	}

	if rec := f.do(t, "PUT", "/audio/device", map[string]any{"device_index": 1}, nil); rec.Code != http.StatusOK {
		t.Fatalf("set device status = %d", rec.Code)
	}
	rec = f.do(t, "GET", "/audio/devices", nil, nil)
	body = decode[struct {
		Devices []audio.Device `json:"devices"`
		Current int            `json:"current"`
	}](t, rec)
	if body.Current != 1 {
		t.Errorf("current = %d, want 1", body.Current)
	}

	if rec := f.do(t, "PUT", "/audio/device", map[string]any{"device_index": 9}, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("out-of-range status = %d, want 400", rec.Code)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, "GET", "/config", nil, nil)
	body := decode[struct {
		Config []store.ConfigValue `json:"config"`
	}](t, rec)
	if len(body.Config) < 2 {
		t.Fatalf("config rows = %d, want the seeded preroll keys", len(body.Config))
	}

	rec = f.do(t, "PUT", "/config/enable_preroll_buffer", map[string]any{"value": true}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	cv := decode[store.ConfigValue](t, rec)
	if cv.Value != "true" {
		t.Errorf("value = %q, want %q", cv.Value, "true")
	}

	if rec := f.do(t, "PUT", "/config/enable_preroll_buffer", map[string]any{"value": "sometimes"}, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad bool status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, "PUT", "/config/preroll_buffer_seconds", map[string]any{"value": 3.5}, nil); rec.Code != http.StatusOK {
		t.Errorf("float status = %d, want 200", rec.Code)
	}
	if rec := f.do(t, "PUT", "/config/no_such_key", map[string]any{"value": 1}, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown key status = %d, want 404", rec.Code)
	}
}

func TestConfigPrerollSecondsBounds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, v := range []float64{0.01, 0.49, 10.5, 10000} {
		if rec := f.do(t, "PUT", "/config/preroll_buffer_seconds", map[string]any{"value": v}, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("value %v status = %d, want 400", v, rec.Code)
		}
	}
	for _, v := range []float64{0.5, 2.5, 10} {
		if rec := f.do(t, "PUT", "/config/preroll_buffer_seconds", map[string]any{"value": v}, nil); rec.Code != http.StatusOK {
			t.Errorf("value %v status = %d, body %s", v, rec.Code, rec.Body.String())
		}
	}
}

func TestAuthKeys(t *testing.T) {
	t.Parallel()
	f := newFixture(t, withKeys("api-secret", "admin-secret"))

	// Probes stay open.
	if rec := f.do(t, "GET", "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
	if rec := f.do(t, "GET", "/metrics", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", rec.Code)
	}

	// No key at all.
	if rec := f.do(t, "GET", "/targets", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no-key status = %d, want 401", rec.Code)
	}

	api := map[string]string{"X-API-Key": "api-secret"}
	if rec := f.do(t, "GET", "/targets", nil, api); rec.Code != http.StatusOK {
		t.Errorf("api-key status = %d, want 200", rec.Code)
	}

	// Mutation needs the admin key on top.
	if rec := f.do(t, "DELETE", "/targets/lights", nil, api); rec.Code != http.StatusForbidden {
		t.Errorf("api-key-only delete status = %d, want 403", rec.Code)
	}
	admin := map[string]string{"X-API-Key": "api-secret", "X-Admin-Key": "admin-secret"}
	if rec := f.do(t, "DELETE", "/targets/lights", nil, admin); rec.Code != http.StatusNoContent {
		t.Errorf("admin delete status = %d, want 204", rec.Code)
	}

	// Text injection is API-key-only.
	if rec := f.do(t, "POST", "/text", map[string]any{"source_id": "m1", "text": "x"}, api); rec.Code != http.StatusOK {
		t.Errorf("text with api key status = %d, want 200", rec.Code)
	}
}

func TestTestTranscribeEndpoint(t *testing.T) {
	t.Parallel()
	asr := &asrmock.Transcriber{Results: []transcribe.Result{
		{Text: "hey lights on", Confidence: 0.88, Duration: 30 * time.Millisecond},
	}}
	f := newFixture(t, withASR(asr))

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	part, err := mw.CreateFormFile("audio", "probe.wav")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(wavBytes(t, 1600)); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	mw.WriteField("route", "true")
	mw.WriteField("source_id", "uploader")
	mw.Close()

	req := httptest.NewRequest("POST", "/test/transcribe", &form)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decode[struct {
		Text     string          `json:"text"`
		Decision router.Decision `json:"decision"`
	}](t, rec)
	if body.Text != "hey lights on" {
		t.Errorf("text = %q", body.Text)
	}
	if !body.Decision.Handled || body.Decision.RoutedTo != "lights" {
		t.Errorf("decision = %+v", body.Decision)
	}
}

func TestTestTranscribeWithoutASR(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := httptest.NewRequest("POST", "/test/transcribe", strings.NewReader(""))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestStateWatchStreamsChanges(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/state/watch"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var snapshot struct {
		Type     string            `json:"type"`
		Settings map[string]string `json:"settings"`
	}
	if err := wsjson.Read(ctx, conn, &snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot.Type != "snapshot" || snapshot.Settings["listen_mode"] != "trigger" {
		t.Fatalf("snapshot = %+v", snapshot)
	}

	if err := f.state.SetMode(ctx, state.ModeActive, "test", "watch me"); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	var change struct {
		Type   string       `json:"type"`
		Change state.Change `json:"change"`
	}
	if err := wsjson.Read(ctx, conn, &change); err != nil {
		t.Fatalf("read change: %v", err)
	}
	if change.Type != "change" || change.Change.NewValue != "active" || change.Change.Reason != "watch me" {
		t.Errorf("change = %+v", change)
	}
}

// wavBytes renders n samples of silence as a 16 kHz mono 16-bit WAV file.
func wavBytes(t *testing.T, n int) []byte {
	t.Helper()
	fs := afero.NewMemMapFs()
	f, err := fs.Create("probe.wav")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	w, err := wave.NewWriter(wave.WriterParam{
		Out:           f,
		Channel:       1,
		SampleRate:    16000,
		BitsPerSample: 16,
	})
	if err != nil {
		t.Fatalf("wav writer: %v", err)
	}
	if _, err := w.WriteSample16(make([]int16, n)); err != nil {
		t.Fatalf("write samples: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	data, err := afero.ReadFile(fs, "probe.wav")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	return data
}
