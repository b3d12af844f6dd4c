// This file contains the whisper.cpp-backed Transcriber. The whisper.cpp
// static library (libwhisper.a) and headers (whisper.h) must be available at
// link time via LIBRARY_PATH and C_INCLUDE_PATH environment variables.

package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertion.
var _ Transcriber = (*Whisper)(nil)

// Whisper implements [Transcriber] with the whisper.cpp CGO bindings. The
// model is loaded once and shared; each call creates its own context, so
// concurrent transcriptions do not interfere. It also serves as the worker's
// speech gate via [Whisper.IsSpeech].
type Whisper struct {
	model whisperlib.Model

	// mu serialises inference. The models EchoNet runs on edge hardware
	// saturate the CPU with a single decode; queuing beats thrashing.
	mu sync.Mutex
}

// NewWhisper loads the model at modelPath. Call Close when done.
func NewWhisper(modelPath string) (*Whisper, error) {
	if modelPath == "" {
		return nil, errors.New("transcribe: model path must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("transcribe: load model %q: %w", modelPath, err)
	}
	return &Whisper{model: model}, nil
}

// Close releases the model.
func (w *Whisper) Close() error {
	if w.model != nil {
		return w.model.Close()
	}
	return nil
}

// Transcribe implements [Transcriber].
func (w *Whisper) Transcribe(ctx context.Context, pcm []int16, sampleRate int, language string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	start := time.Now()

	text, confidence, err := w.infer(pcm, language)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Text:       text,
		Confidence: confidence,
		Duration:   time.Since(start),
	}, nil
}

// IsSpeech implements the capture pipeline's speech gate: a short probe
// decode that reports whether whisper hears any actual words in the chunk.
// Non-speech noise decodes to nothing or to bracketed annotations like
// "[BLANK_AUDIO]" or "(wind blowing)".
func (w *Whisper) IsSpeech(ctx context.Context, pcm []int16, sampleRate int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	text, _, err := w.infer(pcm, "auto")
	if err != nil {
		return false, err
	}
	return text != "", nil
}

func (w *Whisper) infer(pcm []int16, language string) (string, float64, error) {
	samples := toFloat32(pcm)

	w.mu.Lock()
	defer w.mu.Unlock()

	wctx, err := w.model.NewContext()
	if err != nil {
		return "", 0, fmt.Errorf("transcribe: create context: %w", err)
	}
	if language == "" {
		language = "auto"
	}
	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("failed to set transcription language, using model default",
			"language", language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", 0, fmt.Errorf("transcribe: process audio: %w", err)
	}

	var (
		parts     []string
		probSum   float64
		probCount int
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("transcribe: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" || isAnnotation(text) {
			continue
		}
		parts = append(parts, text)
		for _, tok := range segment.Tokens {
			probSum += float64(tok.P)
			probCount++
		}
	}

	confidence := 0.0
	if probCount > 0 {
		confidence = probSum / float64(probCount)
	}
	return strings.Join(parts, " "), confidence, nil
}

// isAnnotation reports whether a segment is a whisper sound annotation
// rather than speech: fully wrapped in brackets, parentheses, or asterisks.
func isAnnotation(text string) bool {
	if len(text) < 2 {
		return false
	}
	first, last := text[0], text[len(text)-1]
	switch {
	case first == '[' && last == ']':
		return true
	case first == '(' && last == ')':
		return true
	case first == '*' && last == '*':
		return true
	}
	return false
}

func toFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}
