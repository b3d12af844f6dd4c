package audio

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/MrWong99/echonet/pkg/vad"
	"github.com/spf13/afero"
	"github.com/zenwerk/go-wave"
)

// RecordParams controls one capture.
type RecordParams struct {
	// DeviceIndex selects the input device; -1 means system default.
	DeviceIndex int

	// SilenceDuration is the contiguous silence that ends the segment.
	SilenceDuration time.Duration

	// MinDuration is the minimum segment length before silence may end it.
	MinDuration time.Duration

	// MaxDuration is the hard cap on segment length.
	MaxDuration time.Duration

	// StartupWindow is how long to wait for speech before returning an
	// empty capture. Zero waits until MaxDuration.
	StartupWindow time.Duration

	// EnergyThreshold is the RMS level that counts as speech.
	EnergyThreshold float64

	// UseMLGate verifies energy-positive chunks with the speech gate,
	// filtering out fans, keyboards, and other loud non-speech.
	UseMLGate bool

	// Preroll is prepended verbatim to the returned capture.
	Preroll []int16

	// Tap, when set, receives every frame read from the device, including
	// audio from captures that end without speech. Callers use it to keep a
	// rolling window across captures.
	Tap *Ring
}

// Recorder produces endpointed speech captures from a [CaptureSource].
type Recorder struct {
	Source CaptureSource
	Gate   vad.SpeechGate // required when RecordParams.UseMLGate is set

	SampleRate int
	Channels   int

	// SaveCaptures dumps every non-empty capture as a WAV file under
	// CaptureDir on FS. Debug aid.
	SaveCaptures bool
	CaptureDir   string
	FS           afero.Fs
}

// Chunk sizes for speech evaluation. The ML gate needs enough audio for a
// meaningful verdict; the plain energy path reacts faster.
const (
	mlChunk     = 500 * time.Millisecond
	energyChunk = 100 * time.Millisecond
)

// fluxOnsetFactor is how far a chunk's spectral flux must jump above the
// running average to count as a speech onset on its own.
const fluxOnsetFactor = 4

// RecordUntilSilence captures audio until the speaker stops, the hard cap is
// reached, or ctx is cancelled. It returns (nil, nil) when no speech was
// detected within the startup window. The returned samples include the
// configured preroll.
func (r *Recorder) RecordUntilSilence(ctx context.Context, p RecordParams) ([]int16, error) {
	stream, err := r.Source.Open(p.DeviceIndex, r.SampleRate, r.Channels)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceOpen, err)
	}
	defer stream.Close()

	chunkDur := energyChunk
	if p.UseMLGate && r.Gate != nil {
		chunkDur = mlChunk
	}
	chunkSamples := int(float64(r.SampleRate) * chunkDur.Seconds())

	ep := vad.NewEndpointer(vad.EndpointParams{
		SilenceDuration: p.SilenceDuration,
		MinDuration:     p.MinDuration,
		MaxDuration:     p.MaxDuration,
		StartupWindow:   p.StartupWindow,
	})
	det := vad.NewDetector(p.EnergyThreshold)
	flux := vad.NewFlux()

	var (
		captured []int16
		chunk    []int16
		fluxAvg  float64
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, err := stream.ReadFrame()
		if err != nil {
			return nil, err
		}
		captured = append(captured, frame...)
		chunk = append(chunk, frame...)
		if p.Tap != nil {
			p.Tap.Append(frame)
		}
		if len(chunk) < chunkSamples {
			continue
		}

		speech := det.Feed(chunk)
		f := flux.Next(chunk)
		if !speech && fluxAvg > 0 && f > fluxOnsetFactor*fluxAvg {
			// A sharp spectral jump over the noise floor marks an onset the
			// energy hysteresis has not confirmed yet.
			speech = true
		}
		if fluxAvg == 0 {
			fluxAvg = f
		} else {
			fluxAvg = 0.9*fluxAvg + 0.1*f
		}
		if speech && p.UseMLGate && r.Gate != nil {
			speech, err = r.Gate.IsSpeech(ctx, chunk, r.SampleRate)
			if err != nil {
				// A broken gate must not silence the whole pipeline; trust
				// the detector verdict and keep going.
				slog.Warn("speech gate failed, falling back to detector verdict", "error", err)
				speech = true
			}
		}
		chunk = chunk[:0]

		switch ep.Push(chunkDur, speech) {
		case vad.Done:
			out := captured
			if len(p.Preroll) > 0 {
				out = append(append(make([]int16, 0, len(p.Preroll)+len(captured)), p.Preroll...), captured...)
			}
			r.dump(out)
			return out, nil
		case vad.NoSpeech:
			return nil, nil
		}
	}
}

// dump writes a capture to a timestamped WAV file when enabled. Failures are
// logged, never surfaced: a debug artefact must not break the pipeline.
func (r *Recorder) dump(pcm []int16) {
	if !r.SaveCaptures || r.FS == nil || len(pcm) == 0 {
		return
	}
	name := filepath.Join(r.CaptureDir, "capture_"+strconv.FormatInt(time.Now().UnixMilli(), 10)+".wav")
	if err := r.writeWAV(name, pcm); err != nil {
		slog.Warn("capture dump failed", "path", name, "error", err)
		return
	}
	slog.Debug("capture saved", "path", name, "samples", len(pcm))
}

func (r *Recorder) writeWAV(name string, pcm []int16) error {
	if err := r.FS.MkdirAll(r.CaptureDir, 0o755); err != nil {
		return fmt.Errorf("audio: create capture dir: %w", err)
	}
	f, err := r.FS.Create(name)
	if err != nil {
		return fmt.Errorf("audio: create %q: %w", name, err)
	}

	w, err := wave.NewWriter(wave.WriterParam{
		Out:           f,
		Channel:       1,
		SampleRate:    r.SampleRate,
		BitsPerSample: 16,
	})
	if err != nil {
		f.Close()
		return fmt.Errorf("audio: wav writer for %q: %w", name, err)
	}
	if _, err := w.WriteSample16(pcm); err != nil {
		w.Close()
		return fmt.Errorf("audio: write %q: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("audio: close %q: %w", name, err)
	}
	return nil
}
