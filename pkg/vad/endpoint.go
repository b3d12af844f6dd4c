package vad

import "time"

// Verdict is the endpointer's instruction to the capture loop after each
// frame.
type Verdict int

const (
	// Continue means keep capturing.
	Continue Verdict = iota
	// Done means the segment is complete: speech was heard and has been
	// followed by enough silence, or the hard cap was reached.
	Done
	// NoSpeech means nothing was heard within the startup window; the
	// capture should be discarded.
	NoSpeech
)

// EndpointParams tunes an [Endpointer].
type EndpointParams struct {
	// SilenceDuration is the contiguous non-speech span that ends a segment.
	SilenceDuration time.Duration

	// MinDuration is the minimum segment length before silence may end it.
	MinDuration time.Duration

	// MaxDuration is the hard cap; the segment ends regardless of speech.
	MaxDuration time.Duration

	// StartupWindow is how long to wait for the first speech frame before
	// giving up. Zero disables the startup gate.
	StartupWindow time.Duration
}

// Endpointer decides when a capture ends. It consumes per-frame speech
// verdicts from the detector chain and tracks elapsed time itself, so it is
// deterministic under test.
//
// Not safe for concurrent use.
type Endpointer struct {
	params EndpointParams

	elapsed time.Duration
	silence time.Duration
	heard   bool
}

// NewEndpointer returns an Endpointer for one capture.
func NewEndpointer(params EndpointParams) *Endpointer {
	return &Endpointer{params: params}
}

// Push records one frame of frameLen duration with the given speech verdict
// and returns what the capture loop should do next.
func (e *Endpointer) Push(frameLen time.Duration, speech bool) Verdict {
	e.elapsed += frameLen

	if speech {
		e.heard = true
		e.silence = 0
	} else {
		e.silence += frameLen
	}

	if !e.heard {
		if e.params.StartupWindow > 0 && e.elapsed >= e.params.StartupWindow {
			return NoSpeech
		}
		if e.params.MaxDuration > 0 && e.elapsed >= e.params.MaxDuration {
			return NoSpeech
		}
		return Continue
	}

	if e.params.MaxDuration > 0 && e.elapsed >= e.params.MaxDuration {
		return Done
	}
	if e.elapsed >= e.params.MinDuration && e.silence >= e.params.SilenceDuration {
		return Done
	}
	return Continue
}

// SpeechDetected reports whether any speech has been heard so far.
func (e *Endpointer) SpeechDetected() bool { return e.heard }

// Elapsed returns the total consumed frame time.
func (e *Endpointer) Elapsed() time.Duration { return e.elapsed }
