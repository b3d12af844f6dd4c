// Package audio provides microphone capture for EchoNet: device enumeration,
// a pre-roll ring buffer, and endpointed record-until-silence captures.
//
// The PortAudio-backed pieces live behind the [CaptureSource] interface so
// the worker and its tests can run against synthetic frame streams.
package audio

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// Device describes one audio input device.
type Device struct {
	Index      int     `json:"index"`
	Name       string  `json:"name"`
	Channels   int     `json:"channels"`
	SampleRate float64 `json:"sample_rate"`
	IsDefault  bool    `json:"is_default"`
}

// ListDevices enumerates input-capable devices. PortAudio is initialised and
// terminated around the call.
func ListDevices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("audio: initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("audio: enumerate devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()

	var out []Device
	for i, info := range infos {
		if info.MaxInputChannels < 1 {
			continue
		}
		out = append(out, Device{
			Index:      i,
			Name:       info.Name,
			Channels:   info.MaxInputChannels,
			SampleRate: info.DefaultSampleRate,
			IsDefault:  def != nil && info.Name == def.Name,
		})
	}
	return out, nil
}

// DefaultDevice returns the system default input device.
func DefaultDevice() (Device, error) {
	devices, err := ListDevices()
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		if d.IsDefault {
			return d, nil
		}
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return Device{}, fmt.Errorf("audio: no input devices found")
}
