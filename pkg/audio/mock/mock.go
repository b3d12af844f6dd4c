// Package mock provides a scripted [audio.CaptureSource] for tests: streams
// replay a fixed sequence of frames instead of touching real hardware.
package mock

import (
	"io"
	"sync"

	"github.com/MrWong99/echonet/pkg/audio"
)

// Source replays scripted frames. Each Open returns a stream over the same
// script; an exhausted stream keeps returning silent frames so endpointing
// logic can run to its natural conclusion.
type Source struct {
	// Frames is the scripted capture, one frame per entry.
	Frames [][]int16

	// PadSilence keeps the stream alive with zero frames after the script
	// runs out. When false, ReadFrame returns io.EOF instead.
	PadSilence bool

	// OpenErr, when set, is returned by Open.
	OpenErr error

	mu    sync.Mutex
	opens []OpenCall
}

// OpenCall records the parameters of one Open invocation.
type OpenCall struct {
	DeviceIndex int
	SampleRate  int
	Channels    int
}

// Open implements [audio.CaptureSource].
func (s *Source) Open(deviceIndex, sampleRate, channels int) (audio.Stream, error) {
	s.mu.Lock()
	s.opens = append(s.opens, OpenCall{DeviceIndex: deviceIndex, SampleRate: sampleRate, Channels: channels})
	s.mu.Unlock()

	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	return &stream{source: s}, nil
}

// Opens returns the recorded Open calls.
func (s *Source) Opens() []OpenCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OpenCall(nil), s.opens...)
}

type stream struct {
	source *Source
	pos    int
	closed bool
}

func (st *stream) ReadFrame() ([]int16, error) {
	if st.closed {
		return nil, io.ErrClosedPipe
	}
	if st.pos < len(st.source.Frames) {
		f := st.source.Frames[st.pos]
		st.pos++
		return f, nil
	}
	if st.source.PadSilence {
		return make([]int16, audio.FrameSize), nil
	}
	return nil, io.EOF
}

func (st *stream) Close() error {
	st.closed = true
	return nil
}
