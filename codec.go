package studio

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	ErrCodecNotSupported = errors.New("codec not supported")
	ErrBufferTooSmall    = errors.New("buffer too small")
	ErrInvalidFrame      = errors.New("invalid frame")
)

// VideoCodec identifies the video payload format of a recording.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecRaw                // Uncompressed I420 with a fixed frame header
)

// MimeTypeRawVideo is the MIME type of uncompressed video (RFC 4175).
const MimeTypeRawVideo = "video/raw"

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecRaw:
		return MimeTypeRawVideo
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c VideoCodec) ClockRate() uint32 {
	return 90000
}

// DefaultPayloadType returns the dynamic payload type used in recordings.
func (c VideoCodec) DefaultPayloadType() uint8 {
	return 96
}

// Capability describes the codec the way pion does.
func (c VideoCodec) Capability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: c.MimeType(), ClockRate: c.ClockRate()}
}

// ParseVideoCodec parses a codec name.
func ParseVideoCodec(s string) (VideoCodec, error) {
	switch strings.ToLower(s) {
	case "raw", "i420", MimeTypeRawVideo:
		return VideoCodecRaw, nil
	}
	return VideoCodecUnknown, fmt.Errorf("video codec %q: %w", s, ErrCodecNotSupported)
}

// AudioCodec identifies the audio payload format of a recording.
type AudioCodec int

const (
	AudioCodecUnknown AudioCodec = iota
	AudioCodecPCMU               // G.711 μ-law
	AudioCodecPCMA               // G.711 A-law
)

func (c AudioCodec) String() string {
	switch c {
	case AudioCodecPCMU:
		return "PCMU"
	case AudioCodecPCMA:
		return "PCMA"
	default:
		return "unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c AudioCodec) MimeType() string {
	switch c {
	case AudioCodecPCMU:
		return webrtc.MimeTypePCMU
	case AudioCodecPCMA:
		return webrtc.MimeTypePCMA
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c AudioCodec) ClockRate() uint32 {
	return 8000
}

// DefaultPayloadType returns the static payload type.
func (c AudioCodec) DefaultPayloadType() uint8 {
	switch c {
	case AudioCodecPCMA:
		return 8
	default:
		return 0
	}
}

// Capability describes the codec the way pion does.
func (c AudioCodec) Capability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: c.MimeType(), ClockRate: c.ClockRate(), Channels: 1}
}

// ParseAudioCodec parses a codec name.
func ParseAudioCodec(s string) (AudioCodec, error) {
	switch strings.ToLower(s) {
	case "pcmu", "ulaw", "mulaw", strings.ToLower(webrtc.MimeTypePCMU):
		return AudioCodecPCMU, nil
	case "pcma", "alaw", strings.ToLower(webrtc.MimeTypePCMA):
		return AudioCodecPCMA, nil
	}
	return AudioCodecUnknown, fmt.Errorf("audio codec %q: %w", s, ErrCodecNotSupported)
}

// EncodedFrame is one encoded access unit.
type EncodedFrame struct {
	Data      []byte
	Timestamp uint32 // RTP timestamp, set by the session
	Key       bool
}

// VideoEncoderConfig configures a video encoder.
type VideoEncoderConfig struct {
	Codec  VideoCodec
	Width  int
	Height int
	FPS    int
}

// VideoEncoder turns raw frames into encoded frames.
type VideoEncoder interface {
	Encode(frame *VideoFrame) (*EncodedFrame, error)
	Codec() VideoCodec
	Close() error
}

// AudioEncoderConfig configures an audio encoder.
type AudioEncoderConfig struct {
	Codec      AudioCodec
	SampleRate int // Input rate
	Channels   int // Input channels
}

// AudioEncoder turns PCM samples into encoded frames.
type AudioEncoder interface {
	Encode(samples *AudioSamples) (*EncodedFrame, error)
	Codec() AudioCodec
	Close() error
}

type videoEncoderFactory func(VideoEncoderConfig) (VideoEncoder, error)
type audioEncoderFactory func(AudioEncoderConfig) (AudioEncoder, error)

type encoderRegistry struct {
	mu    sync.RWMutex
	video map[VideoCodec]videoEncoderFactory
	audio map[AudioCodec]audioEncoderFactory
}

var globalEncoderRegistry = &encoderRegistry{
	video: make(map[VideoCodec]videoEncoderFactory),
	audio: make(map[AudioCodec]audioEncoderFactory),
}

func registerVideoEncoder(codec VideoCodec, factory videoEncoderFactory) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()
	globalEncoderRegistry.video[codec] = factory
}

func registerAudioEncoder(codec AudioCodec, factory audioEncoderFactory) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()
	globalEncoderRegistry.audio[codec] = factory
}

// NewVideoEncoder creates a video encoder.
func NewVideoEncoder(config VideoEncoderConfig) (VideoEncoder, error) {
	globalEncoderRegistry.mu.RLock()
	factory, ok := globalEncoderRegistry.video[config.Codec]
	globalEncoderRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no encoder for %s", ErrCodecNotSupported, config.Codec)
	}
	return factory(config)
}

// NewAudioEncoder creates an audio encoder.
func NewAudioEncoder(config AudioEncoderConfig) (AudioEncoder, error) {
	globalEncoderRegistry.mu.RLock()
	factory, ok := globalEncoderRegistry.audio[config.Codec]
	globalEncoderRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no encoder for %s", ErrCodecNotSupported, config.Codec)
	}
	return factory(config)
}

// VideoCodecs returns the registered video codecs.
func VideoCodecs() []VideoCodec {
	globalEncoderRegistry.mu.RLock()
	defer globalEncoderRegistry.mu.RUnlock()
	out := make([]VideoCodec, 0, len(globalEncoderRegistry.video))
	for c := range globalEncoderRegistry.video {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AudioCodecs returns the registered audio codecs.
func AudioCodecs() []AudioCodec {
	globalEncoderRegistry.mu.RLock()
	defer globalEncoderRegistry.mu.RUnlock()
	out := make([]AudioCodec, 0, len(globalEncoderRegistry.audio))
	for c := range globalEncoderRegistry.audio {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
