package audio

import (
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// ErrDeviceOpen marks failures to open the capture device, as opposed to
// errors on an already-running stream. Callers use it to decide whether
// falling back to the default device is worth trying.
var ErrDeviceOpen = errors.New("audio: open capture device")

// FrameSize is the number of samples read from the device per frame: 20 ms
// at 16 kHz. Endpointing granularity follows from it.
const FrameSize = 320

// Stream delivers capture frames until closed.
type Stream interface {
	// ReadFrame blocks until the next frame is available and returns it.
	// The returned slice is only valid until the next call.
	ReadFrame() ([]int16, error)
	Close() error
}

// CaptureSource opens capture streams. The production implementation is
// [PortAudioSource]; tests inject scripted sources.
type CaptureSource interface {
	// Open starts capturing from the device at index (-1 for the system
	// default) in the given format.
	Open(deviceIndex, sampleRate, channels int) (Stream, error)
}

// PortAudioSource captures from real input devices via PortAudio.
type PortAudioSource struct{}

// Open implements [CaptureSource].
func (PortAudioSource) Open(deviceIndex, sampleRate, channels int) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("audio: initialize portaudio: %w", err)
	}

	buf := make([]int16, FrameSize*channels)
	var (
		stream *portaudio.Stream
		err    error
	)
	if deviceIndex < 0 {
		stream, err = portaudio.OpenDefaultStream(channels, 0, float64(sampleRate), FrameSize, buf)
	} else {
		stream, err = openDeviceStream(deviceIndex, sampleRate, channels, buf)
	}
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("audio: open device %d: %w", deviceIndex, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("audio: start device %d: %w", deviceIndex, err)
	}
	return &portAudioStream{stream: stream, buf: buf, channels: channels}, nil
}

func openDeviceStream(deviceIndex, sampleRate, channels int, buf []int16) (*portaudio.Stream, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if deviceIndex >= len(infos) {
		return nil, fmt.Errorf("device index %d out of range (%d devices)", deviceIndex, len(infos))
	}
	info := infos[deviceIndex]
	if info.MaxInputChannels < channels {
		return nil, fmt.Errorf("device %q has %d input channels, need %d", info.Name, info.MaxInputChannels, channels)
	}
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: channels,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: FrameSize,
	}
	return portaudio.OpenStream(params, buf)
}

type portAudioStream struct {
	stream   *portaudio.Stream
	buf      []int16
	channels int
	mono     []int16
}

func (s *portAudioStream) ReadFrame() ([]int16, error) {
	if err := s.stream.Read(); err != nil {
		return nil, fmt.Errorf("audio: read frame: %w", err)
	}
	if s.channels == 1 {
		return s.buf, nil
	}
	return s.downmix(), nil
}

// downmix averages interleaved channels into mono; analysis and transcription
// both run on mono 16-bit.
func (s *portAudioStream) downmix() []int16 {
	frames := len(s.buf) / s.channels
	if s.mono == nil {
		s.mono = make([]int16, frames)
	}
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < s.channels; c++ {
			sum += int(s.buf[i*s.channels+c])
		}
		s.mono[i] = int16(sum / s.channels)
	}
	return s.mono
}

func (s *portAudioStream) Close() error {
	err := s.stream.Close()
	portaudio.Terminate()
	if err != nil {
		return fmt.Errorf("audio: close stream: %w", err)
	}
	return nil
}
