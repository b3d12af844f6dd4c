// Package vad provides the voice activity detection used by the capture
// pipeline: a cheap RMS energy detector with hysteresis as the first stage,
// a spectral-flux signal for onset detection, and the [SpeechGate] interface
// for a model-backed second opinion.
package vad

import (
	"context"
	"math"

	"github.com/mjibson/go-dsp/fft"
)

// RMS returns the root-mean-square level of a 16-bit frame, normalised to
// [0, 1].
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// SpeechGate is the model-backed speech verifier layered on top of the energy
// detector. Implemented by the whisper transcriber.
type SpeechGate interface {
	IsSpeech(ctx context.Context, pcm []int16, sampleRate int) (bool, error)
}

// Detector is a frame-level RMS energy detector with hysteresis: speech needs
// a few consecutive loud frames to start and does not end on a single quiet
// one, which keeps it from flickering on plosives and breaths.
//
// Not safe for concurrent use; each capture gets its own Detector.
type Detector struct {
	speechThreshold  float64
	silenceThreshold float64
	speechFrames     int
	silenceFrames    int

	inSpeech     bool
	speechCount  int
	silenceCount int
}

// NewDetector builds a Detector around threshold, the RMS level that counts
// as speech. The release threshold sits below it so marginal frames do not
// toggle the state.
func NewDetector(threshold float64) *Detector {
	if threshold <= 0 {
		threshold = 0.01
	}
	return &Detector{
		speechThreshold:  threshold,
		silenceThreshold: threshold * 0.6,
		speechFrames:     2,
		silenceFrames:    3,
	}
}

// Feed consumes one frame and reports whether the detector currently
// considers the stream to be speech.
func (d *Detector) Feed(pcm []int16) bool {
	level := RMS(pcm)

	if d.inSpeech {
		if level < d.silenceThreshold {
			d.silenceCount++
			if d.silenceCount >= d.silenceFrames {
				d.inSpeech = false
				d.silenceCount = 0
			}
		} else {
			d.silenceCount = 0
		}
	} else {
		if level >= d.speechThreshold {
			d.speechCount++
			if d.speechCount >= d.speechFrames {
				d.inSpeech = true
				d.speechCount = 0
			}
		} else {
			d.speechCount = 0
		}
	}
	return d.inSpeech
}

// Reset clears the hysteresis state between captures.
func (d *Detector) Reset() {
	d.inSpeech = false
	d.speechCount = 0
	d.silenceCount = 0
}

// Flux computes spectral flux between consecutive frames: the summed positive
// change in magnitude across FFT bins. Speech onsets show a sharp flux jump
// that plain energy misses when background noise is loud but steady.
//
// Not safe for concurrent use.
type Flux struct {
	prev []float64
}

// NewFlux returns a flux tracker. The first call only primes the reference
// spectrum and returns 0.
func NewFlux() *Flux {
	return &Flux{}
}

// Next consumes one frame and returns its flux against the previous frame.
func (f *Flux) Next(pcm []int16) float64 {
	samples := make([]float64, len(pcm))
	for i, s := range pcm {
		samples[i] = float64(s) / 32768.0
	}
	spectrum := fft.FFTReal(samples)

	mags := make([]float64, len(spectrum)/2+1)
	for i := range mags {
		mags[i] = cmplxAbs(real(spectrum[i]), imag(spectrum[i]))
	}

	var flux float64
	if f.prev != nil && len(f.prev) == len(mags) {
		for i := range mags {
			if d := mags[i] - f.prev[i]; d > 0 {
				flux += d
			}
		}
	}
	f.prev = mags
	return flux
}

func cmplxAbs(re, im float64) float64 {
	return math.Sqrt(re*re + im*im)
}
