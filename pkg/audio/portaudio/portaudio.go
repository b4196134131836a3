// Package portaudio implements [audio.Microphone] and [audio.Output] on top of
// the PortAudio C library.
//
// Call [Initialize] once before opening devices and the returned terminate
// function once after every stream is closed.
package portaudio

import (
	"errors"
	"fmt"
	"strings"

	pa "github.com/gordonklaus/portaudio"
)

// Initialize loads PortAudio and returns the function that unloads it.
func Initialize() (terminate func() error, err error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return pa.Terminate, nil
}

// ErrNoDevice is returned when no input device matches the request.
var ErrNoDevice = errors.New("portaudio: no matching input device")

// findInput resolves a device name to an input device. An empty name selects
// the system default. Names match case-insensitively on substrings, so
// "usb" finds "USB Audio Device".
func findInput(name string) (*pa.DeviceInfo, error) {
	if name == "" {
		dev, err := pa.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: default input: %w", err)
		}
		return dev, nil
	}
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	if dev := matchInput(devices, name); dev != nil {
		return dev, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoDevice, name)
}

// matchInput prefers an exact name match over a substring match and skips
// devices without input channels.
func matchInput(devices []*pa.DeviceInfo, name string) *pa.DeviceInfo {
	var partial *pa.DeviceInfo
	for _, dev := range devices {
		if dev == nil || dev.MaxInputChannels < 1 {
			continue
		}
		if strings.EqualFold(dev.Name, name) {
			return dev
		}
		if partial == nil && strings.Contains(strings.ToLower(dev.Name), strings.ToLower(name)) {
			partial = dev
		}
	}
	return partial
}
