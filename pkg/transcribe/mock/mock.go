// Package mock provides a scripted [transcribe.Transcriber] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/echonet/pkg/transcribe"
)

// Transcriber replays scripted results. When the script is exhausted it
// returns empty results. The zero value is usable.
type Transcriber struct {
	// Results are returned in order, one per call.
	Results []transcribe.Result

	// Err, when set, is returned by every call.
	Err error

	mu    sync.Mutex
	calls int
}

// Transcribe implements [transcribe.Transcriber].
func (t *Transcriber) Transcribe(ctx context.Context, pcm []int16, sampleRate int, language string) (transcribe.Result, error) {
	if err := ctx.Err(); err != nil {
		return transcribe.Result{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return transcribe.Result{}, t.Err
	}
	if t.calls >= len(t.Results) {
		return transcribe.Result{}, nil
	}
	r := t.Results[t.calls]
	t.calls++
	return r, nil
}

// Calls returns how many transcriptions have been requested.
func (t *Transcriber) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// IsSpeech reports true, letting recorder tests drive the gate themselves.
func (t *Transcriber) IsSpeech(context.Context, []int16, int) (bool, error) {
	return true, nil
}
