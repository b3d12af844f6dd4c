// Package transcribe defines EchoNet's speech-to-text contract and its
// whisper.cpp implementation.
package transcribe

import (
	"context"
	"time"
)

// Result is one completed transcription.
type Result struct {
	// Text is the transcript with leading/trailing whitespace removed.
	// Empty when the audio contained no usable speech.
	Text string

	// Confidence is the mean token probability over all segments, in [0, 1].
	// 0 when the model reports no tokens.
	Confidence float64

	// Duration is how long inference took.
	Duration time.Duration
}

// Transcriber converts 16-bit mono PCM to text.
type Transcriber interface {
	// Transcribe runs inference on pcm at the given sample rate. language is
	// a BCP-47 code; "auto" or empty enables language detection.
	Transcribe(ctx context.Context, pcm []int16, sampleRate int, language string) (Result, error)
}
