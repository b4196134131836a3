package audio_test

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/voicerelay/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestFloatToInt16(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"full positive", 1, 32767},
		{"full negative", -1, -32768},
		{"half positive", 0.5, 16384},
		{"half negative", -0.5, -16384},
		{"clamp high", 1.5, 32767},
		{"clamp low", -2, -32768},
		{"nan", float32(math.NaN()), 0},
		{"positive infinity", float32(math.Inf(1)), 32767},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := audio.FloatToInt16(tt.in); got != tt.want {
				t.Errorf("FloatToInt16(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestFloat32ToPCM16_Length(t *testing.T) {
	for _, n := range []int{0, 1, 320, 1024} {
		out := audio.Float32ToPCM16(make([]float32, n))
		if len(out) != n*2 {
			t.Errorf("n=%d: len = %d, want %d", n, len(out), n*2)
		}
	}
}

func TestFloat32ToPCM16_LittleEndian(t *testing.T) {
	out := audio.Float32ToPCM16([]float32{1, -1})
	want := []byte{0xff, 0x7f, 0x00, 0x80}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x (got %x)", i, out[i], want[i], out)
		}
	}
}

func TestPCM16ToFloat32(t *testing.T) {
	got := audio.PCM16ToFloat32(samplesToBytes([]int16{0, -32768, 16384, 32767}))
	want := []float32{0, -1, 0.5, 32767.0 / 32768.0}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPCM16ToFloat32_OddByteIgnored(t *testing.T) {
	got := audio.PCM16ToFloat32([]byte{0x00, 0x40, 0x7f})
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
}

func TestPCM16_RoundTripWithinOneStep(t *testing.T) {
	in := []float32{-1, -0.75, -0.1, 0, 0.1, 0.75, 0.999}
	out := audio.PCM16ToFloat32(audio.Float32ToPCM16(in))
	for i := range in {
		if d := math.Abs(float64(in[i] - out[i])); d > 1.0/16384 {
			t.Errorf("sample %d: %v -> %v (diff %v)", i, in[i], out[i], d)
		}
	}
}

func TestBuffer_Duration(t *testing.T) {
	b := audio.Buffer{Samples: make([]float32, 24000), SampleRate: audio.PlaybackSampleRate}
	if d := b.Duration(); d != time.Second {
		t.Errorf("Duration() = %v, want 1s", d)
	}
}

func TestCaptureConstraints(t *testing.T) {
	c := audio.CaptureConstraints("USB Mic")
	if c.DeviceID != "USB Mic" || c.Channels != 1 || c.SampleRate != 16000 {
		t.Errorf("unexpected constraints: %+v", c)
	}
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		t.Errorf("processing should be disabled: %+v", c)
	}
	if c.BlockSize != audio.DefaultBlockSize {
		t.Errorf("BlockSize = %d, want %d", c.BlockSize, audio.DefaultBlockSize)
	}
}
