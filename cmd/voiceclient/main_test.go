package main

import "testing"

func TestVoiceAgentURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://localhost:8081", want: "ws://localhost:8081/api/voice-agent"},
		{in: "http://localhost:8081/", want: "ws://localhost:8081/api/voice-agent"},
		{in: "https://relay.example.com", want: "wss://relay.example.com/api/voice-agent"},
		{in: "wss://relay.example.com/base", want: "wss://relay.example.com/base/api/voice-agent"},
		{in: "ftp://relay.example.com", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := voiceAgentURL(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("voiceAgentURL(%q) = %q, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("voiceAgentURL(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("voiceAgentURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
