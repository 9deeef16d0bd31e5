package config

import "time"

// StreamConfig controls the realtime media pump and its speech collaborators.
type StreamConfig struct {
	// AudioTick is the interval between audiotick progress events during
	// outbound playback. Cancellation is honored within one tick.
	AudioTick time.Duration `yaml:"audio_tick"`

	// UserLevelThreshold is the normalized RMS level (0..1) of inbound
	// audio that counts as the user speaking during TTS playback.
	UserLevelThreshold float64 `yaml:"user_level_threshold"`

	// UserHold is how long the level must stay above threshold before
	// barge-in cancels outbound playback.
	UserHold time.Duration `yaml:"user_hold"`

	// ReorderWindow is the number of out-of-order media frames buffered
	// while waiting for the expected frame index.
	ReorderWindow int `yaml:"reorder_window"`

	// STTModel names the Deepgram model used for live transcription.
	STTModel string `yaml:"stt_model"`

	// STTKeyEnv names the env var holding the Deepgram API key.
	STTKeyEnv string `yaml:"stt_key_env"`

	// ResponderModel names the OpenRouter model that scripts replies.
	ResponderModel string `yaml:"responder_model"`

	// ResponderKeyEnv names the env var holding the OpenRouter API key.
	ResponderKeyEnv string `yaml:"responder_key_env"`

	// TTSVoice selects the synthesis voice for outbound speech.
	TTSVoice string `yaml:"tts_voice"`
}

// DefaultStreamConfig returns the built-in stream pump defaults.
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		AudioTick:          160 * time.Millisecond,
		UserLevelThreshold: 0.15,
		UserHold:           250 * time.Millisecond,
		ReorderWindow:      16,
		STTModel:           "nova-2-phonecall",
		STTKeyEnv:          "DEEPGRAM_API_KEY",
		ResponderModel:     "openai/gpt-4o-mini",
		ResponderKeyEnv:    "OPENROUTER_API_KEY",
		TTSVoice:           "aura-asteria-en",
	}
}
