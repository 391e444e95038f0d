package studio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrNotSupported is returned when an optional operation is not supported.
var ErrNotSupported = errors.New("operation not supported")

// SourceKind identifies the kind of capture source.
type SourceKind int

const (
	SourceKindUnknown    SourceKind = iota
	SourceKindCamera                // Camera (video, optionally audio)
	SourceKindScreen                // Screen share (video, optionally system audio)
	SourceKindMicrophone            // Microphone (audio only)
)

func (k SourceKind) String() string {
	switch k {
	case SourceKindCamera:
		return "camera"
	case SourceKindScreen:
		return "screen"
	case SourceKindMicrophone:
		return "microphone"
	default:
		return "unknown"
	}
}

// ParseSourceKind parses the String form of a SourceKind.
func ParseSourceKind(s string) (SourceKind, error) {
	switch s {
	case "camera":
		return SourceKindCamera, nil
	case "screen":
		return SourceKindScreen, nil
	case "microphone", "mic":
		return SourceKindMicrophone, nil
	default:
		return SourceKindUnknown, fmt.Errorf("unknown source kind %q", s)
	}
}

// IsVideo reports whether sources of this kind carry video.
func (k SourceKind) IsVideo() bool {
	return k == SourceKindCamera || k == SourceKindScreen
}

// MarshalText implements encoding.TextMarshaler.
func (k SourceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *SourceKind) UnmarshalText(b []byte) error {
	v, err := ParseSourceKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// CaptureSource is a live device handle owned by the SourceManager.
type CaptureSource struct {
	ID   string
	Kind SourceKind

	video VideoTrack
	audio AudioTrack

	constraints TrackConstraints
	refs        int // guarded by SourceManager.mu
	releasing   atomic.Bool
	active      atomic.Bool
	endOnce     sync.Once
}

// Video returns the source's video track, or nil for audio-only sources.
func (s *CaptureSource) Video() VideoTrack { return s.video }

// Audio returns the source's audio track, or nil if the source has no audio.
func (s *CaptureSource) Audio() AudioTrack { return s.audio }

// Tracks returns all live tracks of the source.
func (s *CaptureSource) Tracks() []MediaStreamTrack {
	var tracks []MediaStreamTrack
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	return tracks
}

// Active reports whether the source is still delivering media.
func (s *CaptureSource) Active() bool { return s.active.Load() }

func (s *CaptureSource) String() string {
	return fmt.Sprintf("%s(%s)", s.Kind, s.ID)
}

func (s *CaptureSource) stopTracks() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
