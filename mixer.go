package studio

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AudioChannel is the mixer state of one audio source.
type AudioChannel struct {
	SourceID string  `json:"sourceId" yaml:"sourceId"`
	Volume   float64 `json:"volume" yaml:"volume"` // 0.0-1.0
	Muted    bool    `json:"muted" yaml:"muted"`
	Level    float64 `json:"level" yaml:"level"` // RMS 0.0-1.0, measured before gain
}

// MixerConfig configures the output format of the mixer.
type MixerConfig struct {
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
}

// DefaultMixerConfig returns 48 kHz stereo in 20 ms frames.
func DefaultMixerConfig() MixerConfig {
	return MixerConfig{SampleRate: 48000, Channels: 2, FrameDuration: 20 * time.Millisecond}
}

// Backlog per channel before the oldest samples are dropped.
const mixerMaxBacklog = 500 * time.Millisecond

type mixerChannel struct {
	AudioChannel
	reader  AudioReader
	pending []int16
	cancel  context.CancelFunc
	done    chan struct{}
}

// Mixer sums audio tracks into one output track. The output track stays
// the same while inputs come and go.
type Mixer struct {
	config MixerConfig
	log    *zap.Logger

	mu       sync.Mutex
	channels map[string]*mixerChannel
	order    []string
	out      *LocalAudioTrack
	cancel   context.CancelFunc
	done     chan struct{}
	stopped  bool
}

// NewMixer creates a mixer.
func NewMixer(config MixerConfig, log *zap.Logger) *Mixer {
	def := DefaultMixerConfig()
	if config.SampleRate <= 0 {
		config.SampleRate = def.SampleRate
	}
	if config.Channels <= 0 || config.Channels > 2 {
		config.Channels = def.Channels
	}
	if config.FrameDuration <= 0 {
		config.FrameDuration = def.FrameDuration
	}
	return &Mixer{
		config:   config,
		log:      loggerOrNop(log).With(zap.String("component", "mixer")),
		channels: make(map[string]*mixerChannel),
	}
}

// Config returns the output format.
func (m *Mixer) Config() MixerConfig { return m.config }

func (m *Mixer) frameSamples() int {
	return int(int64(m.config.SampleRate) * int64(m.config.FrameDuration) / int64(time.Second))
}

// AddTrack attaches an audio track at full volume. Tracks at a different
// sample rate are rejected.
func (m *Mixer) AddTrack(sourceID string, track AudioTrack) error {
	s := track.Settings()
	if s.SampleRate != 0 && s.SampleRate != m.config.SampleRate {
		return fmt.Errorf("mixer: %s at %d Hz, mixing at %d Hz: %w",
			sourceID, s.SampleRate, m.config.SampleRate, ErrConstraintsUnsatisfiable)
	}
	if s.ChannelCount > 2 {
		return fmt.Errorf("mixer: %s has %d channels: %w", sourceID, s.ChannelCount, ErrConstraintsUnsatisfiable)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrEngineClosed
	}
	if _, ok := m.channels[sourceID]; ok {
		return fmt.Errorf("mixer source %s: %w", sourceID, ErrSourceActive)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := &mixerChannel{
		AudioChannel: AudioChannel{SourceID: sourceID, Volume: 1},
		reader:       track.NewReader(),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	m.channels[sourceID] = ch
	m.order = append(m.order, sourceID)
	go m.pump(ctx, ch)

	m.log.Debug("track added", zap.String("source", sourceID), zap.Int("channels", s.ChannelCount))
	return nil
}

func (m *Mixer) pump(ctx context.Context, ch *mixerChannel) {
	defer close(ch.done)
	maxBacklog := int(int64(m.config.SampleRate)*int64(mixerMaxBacklog)/int64(time.Second)) * m.config.Channels
	for {
		samples, err := ch.reader.ReadSamples(ctx)
		if err != nil {
			return
		}
		if samples.SampleRate != 0 && samples.SampleRate != m.config.SampleRate {
			continue
		}
		data := adaptChannels(samples.Data, samples.Channels, m.config.Channels)
		level := rmsLevel(samples.Data)

		m.mu.Lock()
		ch.Level = level
		ch.pending = append(ch.pending, data...)
		if over := len(ch.pending) - maxBacklog; over > 0 {
			ch.pending = ch.pending[over:]
		}
		m.mu.Unlock()
	}
}

// RemoveTrack detaches a source. Its track keeps running.
func (m *Mixer) RemoveTrack(sourceID string) error {
	m.mu.Lock()
	ch, ok := m.channels[sourceID]
	if ok {
		delete(m.channels, sourceID)
		for i, id := range m.order {
			if id == sourceID {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mixer source %s: %w", sourceID, ErrSourceNotActive)
	}
	ch.cancel()
	ch.reader.Close()
	<-ch.done
	m.log.Debug("track removed", zap.String("source", sourceID))
	return nil
}

// SetVolume sets a source's gain, clamped to [0,1].
func (m *Mixer) SetVolume(sourceID string, volume float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[sourceID]
	if !ok {
		return fmt.Errorf("mixer source %s: %w", sourceID, ErrSourceNotActive)
	}
	ch.Volume = math.Max(0, math.Min(1, volume))
	return nil
}

// SetMuted excludes a source from the sum without detaching it.
func (m *Mixer) SetMuted(sourceID string, muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[sourceID]
	if !ok {
		return fmt.Errorf("mixer source %s: %w", sourceID, ErrSourceNotActive)
	}
	ch.Muted = muted
	return nil
}

// Levels returns every channel in attach order.
func (m *Mixer) Levels() []AudioChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AudioChannel, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.channels[id].AudioChannel)
	}
	return out
}

// Has reports whether sourceID is attached.
func (m *Mixer) Has(sourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[sourceID]
	return ok
}

// Start launches the mix loop and returns the output track.
func (m *Mixer) Start(ctx context.Context) AudioTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.out != nil {
		return m.out
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.out = NewLocalAudioTrack("mix", AudioTrackSettings{
		SampleRate:   m.config.SampleRate,
		ChannelCount: m.config.Channels,
		DeviceID:     "mix",
	}, nil)
	go m.mixLoop(ctx)
	return m.out
}

func (m *Mixer) mixLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.config.FrameDuration)
	defer ticker.Stop()

	n := m.frameSamples()
	acc := make([]int32, n*m.config.Channels)
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for i := range acc {
			acc[i] = 0
		}

		m.mu.Lock()
		for _, id := range m.order {
			ch := m.channels[id]
			take := min(len(ch.pending), len(acc))
			frame := ch.pending[:take]
			if !ch.Muted {
				MixInto(acc, frame, ch.Volume)
			}
			ch.pending = ch.pending[take:]
		}
		m.mu.Unlock()

		m.out.WriteSamples(&AudioSamples{
			Data:        saturate(acc),
			SampleRate:  m.config.SampleRate,
			Channels:    m.config.Channels,
			SampleCount: n,
			Format:      AudioFormatS16,
			Timestamp:   time.Since(start).Nanoseconds(),
		})
	}
}

// Stop ends the output track and detaches every input.
func (m *Mixer) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel, done, out := m.cancel, m.done, m.out
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if out != nil {
		out.End()
	}
	for _, id := range ids {
		m.RemoveTrack(id)
	}
}

// MixInto adds src scaled by gain into dst. Samples beyond len(src) are
// treated as silence.
func MixInto(dst []int32, src []int16, gain float64) {
	if gain <= 0 {
		return
	}
	g := int32(gain * 65536)
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] += int32((int64(src[i]) * int64(g)) >> 16)
	}
}

// saturate clamps an accumulator to int16.
func saturate(acc []int32) []int16 {
	out := make([]int16, len(acc))
	for i, v := range acc {
		switch {
		case v > math.MaxInt16:
			out[i] = math.MaxInt16
		case v < math.MinInt16:
			out[i] = math.MinInt16
		default:
			out[i] = int16(v)
		}
	}
	return out
}

// adaptChannels converts interleaved samples between mono and stereo.
func adaptChannels(src []int16, from, to int) []int16 {
	if from <= 0 {
		from = 1
	}
	if from == to {
		return src
	}
	frames := len(src) / from
	out := make([]int16, frames*to)
	switch {
	case from == 1 && to == 2:
		for i := 0; i < frames; i++ {
			out[2*i] = src[i]
			out[2*i+1] = src[i]
		}
	case from == 2 && to == 1:
		for i := 0; i < frames; i++ {
			out[i] = int16((int32(src[2*i]) + int32(src[2*i+1])) / 2)
		}
	}
	return out
}

// rmsLevel returns the RMS of samples normalized to [0,1].
func rmsLevel(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
