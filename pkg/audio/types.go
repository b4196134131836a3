package audio

// Sample rates used on the two legs of a voice-agent conversation. Microphone
// audio travels upstream at [CaptureSampleRate]; synthesised agent speech comes
// back at [PlaybackSampleRate].
const (
	CaptureSampleRate  = 16000
	PlaybackSampleRate = 24000
)
