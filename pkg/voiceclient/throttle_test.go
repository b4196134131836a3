package voiceclient

import (
	"testing"
	"time"
)

func TestThrottle(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		offsets []time.Duration
		want    []bool
	}{
		{
			name:    "first event passes",
			offsets: []time.Duration{0},
			want:    []bool{true},
		},
		{
			name:    "inside window is dropped",
			offsets: []time.Duration{0, 50 * time.Millisecond, 99 * time.Millisecond},
			want:    []bool{true, false, false},
		},
		{
			name:    "spaced events all pass",
			offsets: []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond},
			want:    []bool{true, true, true, true},
		},
		{
			name:    "window restarts from last admitted event",
			offsets: []time.Duration{0, 64 * time.Millisecond, 128 * time.Millisecond, 192 * time.Millisecond, 256 * time.Millisecond},
			want:    []bool{true, false, true, false, true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := NewThrottle(100 * time.Millisecond)
			for i, off := range tt.offsets {
				if got := th.Allow(base.Add(off)); got != tt.want[i] {
					t.Errorf("Allow(+%v) = %v, want %v", off, got, tt.want[i])
				}
			}
		})
	}
}
