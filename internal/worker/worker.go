// Package worker runs the ASR capture loop: it polls the listen mode, records
// endpointed speech segments, transcribes them, and hands the transcripts to
// the router. The loop owns the microphone; nothing else in the process reads
// audio.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/echonet/internal/observe"
	"github.com/MrWong99/echonet/internal/router"
	"github.com/MrWong99/echonet/internal/state"
	"github.com/MrWong99/echonet/pkg/audio"
	"github.com/MrWong99/echonet/pkg/transcribe"
)

// Trigger mode listens in short bursts sized for a wake phrase plus a command;
// active mode allows full utterances up to the configured cap.
const (
	triggerMaxDuration   = 10 * time.Second
	triggerStartupWindow = 3 * time.Second
	activeStartupWindow  = 5 * time.Second

	// inactivePoll is how often the worker re-checks the mode while the
	// audio device is released.
	inactivePoll = 500 * time.Millisecond

	// openFailLimit is the number of consecutive device-open failures
	// before the worker abandons the configured device for the default.
	openFailLimit = 3
)

// backoffSteps throttles the loop after consecutive errors so a dead device
// or broken model does not spin the CPU.
var backoffSteps = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}

// Router is the decision engine the worker feeds transcripts into.
type Router interface {
	Route(ctx context.Context, mode state.Mode, ev router.TextEvent) router.Decision
}

// Config holds the worker's capture and transcription parameters.
type Config struct {
	// DeviceIndex is the configured capture device; the value persisted in
	// the settings store takes precedence once set. -1 means system default.
	DeviceIndex int

	SampleRate      int
	SilenceDuration time.Duration
	MinDuration     time.Duration

	// MaxDuration caps active-mode captures. Trigger captures use a fixed
	// shorter cap.
	MaxDuration time.Duration

	EnergyThreshold float64
	UseMLGate       bool

	// Language is passed to the transcriber; "auto" or empty detects.
	Language string

	// SourceID and Room are stamped onto every routed event.
	SourceID string
	Room     string
}

// Worker is the ASR loop. Create with [New], run with [Run]; one Worker per
// process.
type Worker struct {
	state   *state.Manager
	router  Router
	rec     *audio.Recorder
	asr     transcribe.Transcriber
	metrics *observe.Metrics
	cfg     Config

	preroll *audio.Ring

	// Device fallback bookkeeping, touched only by the Run goroutine.
	lastDevice    int
	openFails     int
	forcedDefault bool

	backoff int
}

// New builds a Worker. metrics may be nil, in which case the package default
// instruments are used.
func New(st *state.Manager, rt Router, rec *audio.Recorder, asr transcribe.Transcriber, metrics *observe.Metrics, cfg Config) *Worker {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Worker{
		state:      st,
		router:     rt,
		rec:        rec,
		asr:        asr,
		metrics:    metrics,
		cfg:        cfg,
		lastDevice: cfg.DeviceIndex,
	}
}

// Run executes the capture loop until ctx is cancelled. The only return value
// is ctx.Err().
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("asr worker started",
		"source_id", w.cfg.SourceID,
		"sample_rate", w.cfg.SampleRate,
		"device_index", w.cfg.DeviceIndex)

	for {
		if err := ctx.Err(); err != nil {
			slog.Info("asr worker stopped")
			return err
		}

		mode, err := w.state.Mode(ctx)
		if err != nil {
			slog.Error("read listen mode", "error", err)
			w.sleepBackoff(ctx)
			continue
		}

		switch mode {
		case state.ModeInactive:
			w.idle(ctx)
		case state.ModeTrigger:
			w.runTrigger(ctx)
		case state.ModeActive:
			w.runActive(ctx)
		}
	}
}

// idle waits with the audio device released. Buffered pre-trigger audio is
// discarded so nothing recorded before deactivation leaks into the next
// capture.
func (w *Worker) idle(ctx context.Context) {
	if w.preroll != nil {
		w.preroll.Clear()
	}
	select {
	case <-ctx.Done():
	case <-time.After(inactivePoll):
	}
}

// runTrigger records one short segment and routes it. Segments with no
// detected speech or an empty transcript are dropped silently; that is the
// steady state of a quiet room.
func (w *Worker) runTrigger(ctx context.Context) {
	pcm, ok := w.capture(ctx, state.ModeTrigger)
	if !ok || pcm == nil {
		return
	}

	res, err := w.transcribe(ctx, state.ModeTrigger, pcm)
	if err != nil || res.Text == "" {
		return
	}
	w.route(ctx, state.ModeTrigger, res)
}

// runActive records one full segment, routes it, and always resets the mode
// back to trigger: active mode is a single-shot grant, never a steady state.
func (w *Worker) runActive(ctx context.Context) {
	outcome := "completed"

	pcm, ok := w.capture(ctx, state.ModeActive)
	switch {
	case !ok:
		outcome = "error"
	case pcm == nil:
		outcome = "no_audio"
	default:
		res, err := w.transcribe(ctx, state.ModeActive, pcm)
		switch {
		case err != nil:
			outcome = "error"
		case res.Text == "":
			outcome = "empty"
		default:
			w.route(ctx, state.ModeActive, res)
		}
	}

	// The reset must land even when ctx was cancelled mid-capture; a stuck
	// active mode would hot-mic the room on next start.
	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := w.state.SetMode(resetCtx, state.ModeTrigger, "asr_worker", "active_mode_"+outcome); err != nil {
		slog.Error("reset listen mode after active capture", "outcome", outcome, "error", err)
	}
}

// capture records one endpointed segment. ok is false on error; pcm is nil
// when the segment ended without speech.
func (w *Worker) capture(ctx context.Context, mode state.Mode) (pcm []int16, ok bool) {
	p := audio.RecordParams{
		DeviceIndex:     w.deviceIndex(ctx),
		SilenceDuration: w.cfg.SilenceDuration,
		MinDuration:     w.cfg.MinDuration,
		MaxDuration:     w.cfg.MaxDuration,
		StartupWindow:   activeStartupWindow,
		EnergyThreshold: w.cfg.EnergyThreshold,
		UseMLGate:       w.cfg.UseMLGate,
	}
	if mode == state.ModeTrigger {
		p.MaxDuration = triggerMaxDuration
		p.StartupWindow = triggerStartupWindow
		if ring := w.prerollRing(ctx); ring != nil {
			p.Preroll = ring.Snapshot()
			p.Tap = ring
		}
	}

	start := time.Now()
	pcm, err := w.rec.RecordUntilSilence(ctx, p)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		w.noteCaptureError(p.DeviceIndex, err)
		w.sleepBackoff(ctx)
		return nil, false
	}

	w.openFails = 0
	w.backoff = 0
	if pcm != nil {
		w.metrics.RecordCapture(ctx, string(mode), time.Since(start))
	}
	return pcm, true
}

func (w *Worker) transcribe(ctx context.Context, mode state.Mode, pcm []int16) (transcribe.Result, error) {
	res, err := w.asr.Transcribe(ctx, pcm, w.cfg.SampleRate, w.cfg.Language)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("transcription failed", "mode", mode, "samples", len(pcm), "error", err)
			w.sleepBackoff(ctx)
		}
		return transcribe.Result{}, err
	}
	w.metrics.RecordASR(ctx, string(mode), res.Duration)
	slog.Debug("transcript", "mode", mode, "text", res.Text, "confidence", res.Confidence)
	return res, nil
}

func (w *Worker) route(ctx context.Context, mode state.Mode, res transcribe.Result) {
	d := w.router.Route(ctx, mode, router.TextEvent{
		SourceID:   w.cfg.SourceID,
		Room:       w.cfg.Room,
		Text:       res.Text,
		Confidence: res.Confidence,
	})
	w.metrics.RecordDecision(ctx, d.Mode, d.Handled)
	if d.RoutedTo != "" {
		kind := ""
		if !d.Forwarded {
			kind = strings.TrimPrefix(d.Reason, "target_error:")
		}
		w.metrics.RecordForward(ctx, d.RoutedTo, kind)
	}
	slog.Info("utterance routed",
		"mode", d.Mode,
		"handled", d.Handled,
		"routed_to", d.RoutedTo,
		"forwarded", d.Forwarded,
		"reason", d.Reason)
}

// deviceIndex resolves the capture device for the next open: the persisted
// selection wins over the configured one, and the forced-default fallback
// wins over both until the selection changes.
func (w *Worker) deviceIndex(ctx context.Context) int {
	idx, err := w.state.DeviceIndex(ctx, w.cfg.DeviceIndex)
	if err != nil {
		slog.Warn("read device index", "error", err)
		idx = w.cfg.DeviceIndex
	}
	if idx != w.lastDevice {
		// A new selection gets a fresh chance.
		w.lastDevice = idx
		w.openFails = 0
		w.forcedDefault = false
	}
	if w.forcedDefault {
		return -1
	}
	return idx
}

func (w *Worker) noteCaptureError(device int, err error) {
	if !errors.Is(err, audio.ErrDeviceOpen) {
		slog.Error("audio capture failed", "device_index", device, "error", err)
		return
	}
	w.openFails++
	slog.Error("open capture device failed",
		"device_index", device, "consecutive", w.openFails, "error", err)
	if w.openFails >= openFailLimit && !w.forcedDefault && device != -1 {
		w.forcedDefault = true
		slog.Warn("falling back to default capture device", "abandoned_index", device)
	}
}

// prerollRing returns the rolling pre-trigger buffer, or nil when the feature
// is off. The ring is resized when the configured length changes.
func (w *Worker) prerollRing(ctx context.Context) *audio.Ring {
	enabled, err := w.state.PrerollEnabled(ctx)
	if err != nil || !enabled {
		return nil
	}
	secs, err := w.state.PrerollSeconds(ctx)
	if err != nil || secs <= 0 {
		return nil
	}
	capSamples := int(secs * float64(w.cfg.SampleRate))
	if capSamples < 1 {
		return nil
	}
	if w.preroll == nil || w.preroll.Cap() != capSamples {
		w.preroll = audio.NewRing(capSamples)
	}
	return w.preroll
}

func (w *Worker) sleepBackoff(ctx context.Context) {
	step := w.backoff
	if step >= len(backoffSteps) {
		step = len(backoffSteps) - 1
	}
	w.backoff++
	select {
	case <-ctx.Done():
	case <-time.After(backoffSteps[step]):
	}
}
