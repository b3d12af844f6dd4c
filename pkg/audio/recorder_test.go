package audio_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/echonet/pkg/audio"
	"github.com/MrWong99/echonet/pkg/audio/mock"
	"github.com/spf13/afero"
)

func loudFrame() []int16 {
	f := make([]int16, audio.FrameSize)
	for i := range f {
		if i%2 == 0 {
			f[i] = 8000
		} else {
			f[i] = -8000
		}
	}
	return f
}

func quietFrame() []int16 { return make([]int16, audio.FrameSize) }

// script builds a frame sequence: lead silence, speech, then trailing silence.
func script(silentLead, speech, silentTail int) [][]int16 {
	var frames [][]int16
	for i := 0; i < silentLead; i++ {
		frames = append(frames, quietFrame())
	}
	for i := 0; i < speech; i++ {
		frames = append(frames, loudFrame())
	}
	for i := 0; i < silentTail; i++ {
		frames = append(frames, quietFrame())
	}
	return frames
}

func params() audio.RecordParams {
	return audio.RecordParams{
		DeviceIndex:     -1,
		SilenceDuration: 300 * time.Millisecond,
		MinDuration:     100 * time.Millisecond,
		MaxDuration:     5 * time.Second,
		StartupWindow:   time.Second,
		EnergyThreshold: 0.01,
	}
}

func TestRecordUntilSilence_CapturesSpeech(t *testing.T) {
	t.Parallel()
	// 25 speech frames = 500ms, then enough silence to endpoint.
	src := &mock.Source{Frames: script(5, 25, 30), PadSilence: true}
	rec := &audio.Recorder{Source: src, SampleRate: 16000, Channels: 1}

	pcm, err := rec.RecordUntilSilence(context.Background(), params())
	if err != nil {
		t.Fatalf("RecordUntilSilence: %v", err)
	}
	if len(pcm) == 0 {
		t.Fatal("expected a non-empty capture")
	}
	// Speech content survived endpointing.
	var peak int16
	for _, s := range pcm {
		if s > peak {
			peak = s
		}
	}
	if peak < 8000 {
		t.Errorf("peak = %d, speech frames missing from capture", peak)
	}
}

func TestRecordUntilSilence_NoSpeechReturnsNil(t *testing.T) {
	t.Parallel()
	src := &mock.Source{PadSilence: true} // endless silence
	rec := &audio.Recorder{Source: src, SampleRate: 16000, Channels: 1}

	pcm, err := rec.RecordUntilSilence(context.Background(), params())
	if err != nil {
		t.Fatalf("RecordUntilSilence: %v", err)
	}
	if pcm != nil {
		t.Errorf("capture = %d samples, want nil for silence", len(pcm))
	}
}

func TestRecordUntilSilence_PrependsPreroll(t *testing.T) {
	t.Parallel()
	src := &mock.Source{Frames: script(0, 25, 30), PadSilence: true}
	rec := &audio.Recorder{Source: src, SampleRate: 16000, Channels: 1}

	preroll := []int16{111, 222, 333}
	p := params()
	p.Preroll = preroll

	pcm, err := rec.RecordUntilSilence(context.Background(), p)
	if err != nil {
		t.Fatalf("RecordUntilSilence: %v", err)
	}
	if len(pcm) < len(preroll) {
		t.Fatal("capture shorter than preroll")
	}
	for i, want := range preroll {
		if pcm[i] != want {
			t.Fatalf("pcm[%d] = %d, want preroll sample %d", i, pcm[i], want)
		}
	}
}

func TestRecordUntilSilence_MaxDurationCap(t *testing.T) {
	t.Parallel()
	src := &mock.Source{Frames: script(0, 10000, 0), PadSilence: true}
	rec := &audio.Recorder{Source: src, SampleRate: 16000, Channels: 1}

	p := params()
	p.MaxDuration = 500 * time.Millisecond

	pcm, err := rec.RecordUntilSilence(context.Background(), p)
	if err != nil {
		t.Fatalf("RecordUntilSilence: %v", err)
	}
	// 500ms at 16kHz is 8000 samples; allow one chunk of slack.
	if len(pcm) > 8000+1600 {
		t.Errorf("capture = %d samples, want ~8000 (capped)", len(pcm))
	}
}

func TestRecordUntilSilence_ContextCancel(t *testing.T) {
	t.Parallel()
	src := &mock.Source{PadSilence: true}
	rec := &audio.Recorder{Source: src, SampleRate: 16000, Channels: 1}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rec.RecordUntilSilence(ctx, params())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRecordUntilSilence_OpenError(t *testing.T) {
	t.Parallel()
	src := &mock.Source{OpenErr: errors.New("device busy")}
	rec := &audio.Recorder{Source: src, SampleRate: 16000, Channels: 1}

	_, err := rec.RecordUntilSilence(context.Background(), params())
	if err == nil {
		t.Fatal("expected open error")
	}
	if !errors.Is(err, audio.ErrDeviceOpen) {
		t.Fatalf("expected ErrDeviceOpen, got %v", err)
	}
}

func TestRecordUntilSilence_UsesRequestedDevice(t *testing.T) {
	t.Parallel()
	src := &mock.Source{PadSilence: true}
	rec := &audio.Recorder{Source: src, SampleRate: 16000, Channels: 1}

	p := params()
	p.DeviceIndex = 7
	rec.RecordUntilSilence(context.Background(), p)

	opens := src.Opens()
	if len(opens) != 1 || opens[0].DeviceIndex != 7 {
		t.Errorf("opens = %+v, want one open of device 7", opens)
	}
}

func TestRecordUntilSilence_IgnoresShortTransient(t *testing.T) {
	t.Parallel()
	// A single loud chunk (a door slam, a pop) between silence: the
	// hysteresis needs consecutive loud chunks before it calls it speech.
	src := &mock.Source{Frames: script(5, 5, 10), PadSilence: true}
	rec := &audio.Recorder{Source: src, SampleRate: 16000, Channels: 1}

	pcm, err := rec.RecordUntilSilence(context.Background(), params())
	if err != nil {
		t.Fatalf("RecordUntilSilence: %v", err)
	}
	if pcm != nil {
		t.Errorf("capture = %d samples, want nil for an isolated transient", len(pcm))
	}
}

// noisyFrame returns one frame of low-level pseudo-random noise, well under
// the energy threshold but with a varying spectrum.
func noisyFrame(seed *uint32) []int16 {
	f := make([]int16, audio.FrameSize)
	for i := range f {
		*seed = *seed*1664525 + 1013904223
		f[i] = int16(int32(*seed>>24)%101 - 50)
	}
	return f
}

func TestRecordUntilSilence_FluxOnsetOverNoiseFloor(t *testing.T) {
	t.Parallel()
	// One loud chunk over a steady noise floor. The energy hysteresis alone
	// never confirms it, but the spectral-flux jump against the primed noise
	// floor does, so the burst still produces a capture.
	seed := uint32(1)
	var frames [][]int16
	for i := 0; i < 25; i++ { // 5 chunks priming the flux average
		frames = append(frames, noisyFrame(&seed))
	}
	for i := 0; i < 5; i++ { // exactly one loud chunk
		frames = append(frames, loudFrame())
	}
	for i := 0; i < 20; i++ { // noise floor again until endpointed
		frames = append(frames, noisyFrame(&seed))
	}
	src := &mock.Source{Frames: frames, PadSilence: true}
	rec := &audio.Recorder{Source: src, SampleRate: 16000, Channels: 1}

	p := params()
	p.StartupWindow = 2 * time.Second

	pcm, err := rec.RecordUntilSilence(context.Background(), p)
	if err != nil {
		t.Fatalf("RecordUntilSilence: %v", err)
	}
	if pcm == nil {
		t.Fatal("expected a capture from the flux-detected onset")
	}
}

// gateFunc adapts a func to vad.SpeechGate.
type gateFunc func(pcm []int16) bool

func (g gateFunc) IsSpeech(_ context.Context, pcm []int16, _ int) (bool, error) {
	return g(pcm), nil
}

func TestRecordUntilSilence_MLGateRejectsNoise(t *testing.T) {
	t.Parallel()
	// Loud frames that the energy detector likes, but the gate vetoes.
	src := &mock.Source{Frames: script(0, 100, 0), PadSilence: true}
	rec := &audio.Recorder{
		Source:     src,
		Gate:       gateFunc(func([]int16) bool { return false }),
		SampleRate: 16000,
		Channels:   1,
	}

	p := params()
	p.UseMLGate = true

	pcm, err := rec.RecordUntilSilence(context.Background(), p)
	if err != nil {
		t.Fatalf("RecordUntilSilence: %v", err)
	}
	if pcm != nil {
		t.Errorf("capture = %d samples, want nil when the gate rejects everything", len(pcm))
	}
}

func TestRecordUntilSilence_SavesCapture(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	src := &mock.Source{Frames: script(0, 25, 30), PadSilence: true}
	rec := &audio.Recorder{
		Source:       src,
		SampleRate:   16000,
		Channels:     1,
		SaveCaptures: true,
		CaptureDir:   "captures",
		FS:           fs,
	}

	if _, err := rec.RecordUntilSilence(context.Background(), params()); err != nil {
		t.Fatalf("RecordUntilSilence: %v", err)
	}

	entries, err := afero.ReadDir(fs, "captures")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("capture files = %d, want 1", len(entries))
	}
	if !strings.HasSuffix(entries[0].Name(), ".wav") {
		t.Errorf("capture file = %q, want .wav", entries[0].Name())
	}
	if entries[0].Size() == 0 {
		t.Error("capture file is empty")
	}
}
