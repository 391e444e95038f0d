package studio

import (
	"context"
	"sync"
)

// SyntheticConfig configures the synthetic device provider.
type SyntheticConfig struct {
	Camera TestPatternConfig
	Screen TestPatternConfig
	Mic    ToneConfig

	CameraAudio bool       // Camera source also carries a tone track
	ScreenAudio bool       // Screen source also carries a tone track
	AudioTone   ToneConfig // Tone used for camera/screen audio
}

// DefaultSyntheticConfig returns a provider with small frames so tests and
// demos stay cheap.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Camera: TestPatternConfig{Width: 320, Height: 240, FPS: 30, Pattern: PatternMovingBox, Label: "synthetic-camera"},
		Screen: TestPatternConfig{Width: 640, Height: 360, FPS: 15, Pattern: PatternColorBars, Label: "synthetic-screen"},
		Mic:    ToneConfig{SampleRate: 48000, Channels: 1, Frequency: 440, Amplitude: 0.3, Label: "synthetic-mic"},
		AudioTone: ToneConfig{
			SampleRate: 48000, Channels: 2, Frequency: 660, Amplitude: 0.2, Label: "synthetic-device-audio",
		},
	}
}

// SyntheticProvider is a DeviceProvider backed by generated media. It
// supports fault injection for exercising acquisition and source loss.
type SyntheticProvider struct {
	config SyntheticConfig

	mu      sync.Mutex
	fail    map[SourceKind]error
	block   map[SourceKind]bool
	opens   map[SourceKind]int
	live    map[SourceKind][]DeviceTracks
	removed map[SourceKind]bool
}

// NewSyntheticProvider creates a synthetic provider.
func NewSyntheticProvider(config SyntheticConfig) *SyntheticProvider {
	return &SyntheticProvider{
		config:  config,
		fail:    make(map[SourceKind]error),
		block:   make(map[SourceKind]bool),
		opens:   make(map[SourceKind]int),
		live:    make(map[SourceKind][]DeviceTracks),
		removed: make(map[SourceKind]bool),
	}
}

func init() {
	RegisterDeviceProvider("synthetic", func() (DeviceProvider, error) {
		return NewSyntheticProvider(DefaultSyntheticConfig()), nil
	})
}

func (p *SyntheticProvider) Devices(ctx context.Context) ([]DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []DeviceInfo
	if !p.removed[SourceKindCamera] {
		out = append(out, DeviceInfo{DeviceID: p.config.Camera.Label, Kind: DeviceKindVideoInput, Label: "Synthetic Camera"})
	}
	if !p.removed[SourceKindMicrophone] {
		out = append(out, DeviceInfo{DeviceID: p.config.Mic.Label, Kind: DeviceKindAudioInput, Label: "Synthetic Microphone"})
	}
	if !p.removed[SourceKindScreen] {
		out = append(out, DeviceInfo{DeviceID: p.config.Screen.Label, Kind: DeviceKindDisplay, Label: "Synthetic Display"})
	}
	return out, nil
}

func (p *SyntheticProvider) Open(ctx context.Context, kind SourceKind, c TrackConstraints) (DeviceTracks, error) {
	p.mu.Lock()
	p.opens[kind]++
	err := p.fail[kind]
	delete(p.fail, kind)
	block := p.block[kind]
	removed := p.removed[kind]
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return DeviceTracks{}, ctx.Err()
	}
	if err != nil {
		return DeviceTracks{}, err
	}
	if removed {
		return DeviceTracks{}, ErrDeviceNotFound
	}

	// Generators outlive the acquiring context; they stop with their tracks.
	genCtx := context.Background()
	var tracks DeviceTracks
	switch kind {
	case SourceKindCamera:
		cfg, err := applyVideoConstraints(p.config.Camera, c)
		if err != nil {
			return DeviceTracks{}, err
		}
		tracks.Video = StartTestPattern(genCtx, cfg)
		if p.config.CameraAudio {
			tracks.Audio = StartTone(genCtx, p.config.AudioTone)
		}
	case SourceKindScreen:
		cfg, err := applyVideoConstraints(p.config.Screen, c)
		if err != nil {
			return DeviceTracks{}, err
		}
		tracks.Video = StartTestPattern(genCtx, cfg)
		if p.config.ScreenAudio {
			tracks.Audio = StartTone(genCtx, p.config.AudioTone)
		}
	case SourceKindMicrophone:
		cfg := p.config.Mic
		if c.SampleRate != 0 {
			cfg.SampleRate = c.SampleRate
		}
		if c.ChannelCount != 0 {
			if c.ChannelCount > 2 {
				return DeviceTracks{}, ErrConstraintsUnsatisfiable
			}
			cfg.Channels = c.ChannelCount
		}
		tracks.Audio = StartTone(genCtx, cfg)
	default:
		return DeviceTracks{}, ErrDeviceNotFound
	}

	p.mu.Lock()
	p.live[kind] = append(p.live[kind], tracks)
	p.mu.Unlock()
	return tracks, nil
}

func applyVideoConstraints(cfg TestPatternConfig, c TrackConstraints) (TestPatternConfig, error) {
	if c.DeviceID != "" && c.DeviceID != cfg.Label {
		return cfg, ErrDeviceNotFound
	}
	if c.Width > 3840 || c.Height > 2160 || c.FrameRate > 120 {
		return cfg, ErrConstraintsUnsatisfiable
	}
	if c.Width != 0 {
		cfg.Width = c.Width
	}
	if c.Height != 0 {
		cfg.Height = c.Height
	}
	if c.FrameRate != 0 {
		cfg.FPS = c.FrameRate
	}
	return cfg, nil
}

// FailNext makes the next Open of kind return err.
func (p *SyntheticProvider) FailNext(kind SourceKind, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[kind] = err
}

// Block makes Open of kind wait until its context is cancelled.
func (p *SyntheticProvider) Block(kind SourceKind, block bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.block[kind] = block
}

// Unplug ends every live track of kind and hides the device until Plug.
func (p *SyntheticProvider) Unplug(kind SourceKind) {
	p.mu.Lock()
	live := p.live[kind]
	delete(p.live, kind)
	p.removed[kind] = true
	p.mu.Unlock()

	for _, t := range live {
		if v, ok := t.Video.(interface{ End() }); ok {
			v.End()
		}
		if a, ok := t.Audio.(interface{ End() }); ok {
			a.End()
		}
	}
}

// Plug makes an unplugged device available again.
func (p *SyntheticProvider) Plug(kind SourceKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.removed, kind)
}

// Opens returns how many times kind was opened.
func (p *SyntheticProvider) Opens(kind SourceKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens[kind]
}
