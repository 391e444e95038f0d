package studio

import (
	"context"
	"math"
	"time"
)

// ToneConfig configures a synthetic audio track.
type ToneConfig struct {
	SampleRate int     // Sample rate (default: 48000)
	Channels   int     // Number of channels (default: 2)
	FrameSize  int     // Samples per frame (default: 960 = 20ms at 48kHz)
	Frequency  float64 // Tone frequency in Hz (default: 440, negative for silence)
	Amplitude  float64 // Amplitude 0.0-1.0 (default: 0.5)
	Label      string  // Track label
}

// DefaultToneConfig returns a default tone configuration.
func DefaultToneConfig() ToneConfig {
	return ToneConfig{
		SampleRate: 48000,
		Channels:   2,
		FrameSize:  960,
		Frequency:  440.0, // A4
		Amplitude:  0.5,
		Label:      "tone",
	}
}

func (c ToneConfig) withDefaults() ToneConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 2
	}
	if c.FrameSize <= 0 {
		c.FrameSize = c.SampleRate / 50
	}
	if c.Frequency == 0 {
		c.Frequency = 440.0
	}
	if c.Amplitude <= 0 {
		c.Amplitude = 0.5
	}
	if c.Amplitude > 1.0 {
		c.Amplitude = 1.0
	}
	if c.Label == "" {
		c.Label = "tone"
	}
	return c
}

// StartTone starts a sine generator and returns the track it feeds.
func StartTone(ctx context.Context, config ToneConfig) *LocalAudioTrack {
	config = config.withDefaults()

	ctx, cancel := context.WithCancel(ctx)
	track := NewLocalAudioTrack(config.Label, AudioTrackSettings{
		SampleRate:   config.SampleRate,
		ChannelCount: config.Channels,
		DeviceID:     config.Label,
	}, cancel)

	go generateTone(ctx, track, config)
	return track
}

func generateTone(ctx context.Context, track *LocalAudioTrack, config ToneConfig) {
	frameDuration := time.Duration(config.FrameSize) * time.Second / time.Duration(config.SampleRate)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	start := time.Now()
	var phase float64
	for {
		select {
		case <-ctx.Done():
			track.End()
			return
		case <-ticker.C:
			samples := &AudioSamples{
				Data:        make([]int16, config.FrameSize*config.Channels),
				SampleRate:  config.SampleRate,
				Channels:    config.Channels,
				SampleCount: config.FrameSize,
				Format:      AudioFormatS16,
				Timestamp:   time.Since(start).Nanoseconds(),
			}
			phase = sineInto(samples, phase, config.Frequency, config.Amplitude)
			track.WriteSamples(samples)
		}
	}
}

// sineInto writes a sine wave into every channel and returns the next phase.
func sineInto(s *AudioSamples, phase, freq, amplitude float64) float64 {
	if freq < 0 {
		return phase
	}
	inc := 2.0 * math.Pi * freq / float64(s.SampleRate)
	amp := amplitude * 32767.0
	idx := 0
	for i := 0; i < s.SampleCount; i++ {
		sample := int16(amp * math.Sin(phase))
		phase += inc
		if phase > 2*math.Pi {
			phase -= 2 * math.Pi
		}
		for c := 0; c < s.Channels; c++ {
			s.Data[idx] = sample
			idx++
		}
	}
	return phase
}
