package studio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Re-export pion's RTPCodecType for convenience
type RTPCodecType = webrtc.RTPCodecType

const (
	RTPCodecTypeUnknown = webrtc.RTPCodecTypeUnknown
	RTPCodecTypeAudio   = webrtc.RTPCodecTypeAudio
	RTPCodecTypeVideo   = webrtc.RTPCodecTypeVideo
)

// ErrTrackEnded is returned by readers once their track has ended and any
// buffered media has been drained.
var ErrTrackEnded = errors.New("track ended")

// TrackState represents the state of a track.
type TrackState int

const (
	TrackStateLive  TrackState = iota // Track is producing media
	TrackStateEnded                   // Track has ended
)

func (s TrackState) String() string {
	switch s {
	case TrackStateLive:
		return "live"
	case TrackStateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// TrackConstraints describes desired track properties (like browser MediaTrackConstraints).
type TrackConstraints struct {
	// Video constraints
	Width      int    // Desired width (0 = any)
	Height     int    // Desired height (0 = any)
	FrameRate  int    // Desired framerate (0 = any)
	FacingMode string // "user" (front camera) or "environment" (back camera)

	// Audio constraints
	SampleRate   int // Desired sample rate (0 = any)
	ChannelCount int // Desired channels (0 = any)

	// Common
	DeviceID string // Specific device ID to use
}

// Satisfies reports whether settings meet every non-zero video constraint.
func (c TrackConstraints) Satisfies(s VideoTrackSettings) bool {
	if c.Width != 0 && c.Width != s.Width {
		return false
	}
	if c.Height != 0 && c.Height != s.Height {
		return false
	}
	if c.FrameRate != 0 && c.FrameRate != s.FrameRate {
		return false
	}
	if c.DeviceID != "" && c.DeviceID != s.DeviceID {
		return false
	}
	if c.FacingMode != "" && s.FacingMode != "" && c.FacingMode != s.FacingMode {
		return false
	}
	return true
}

// MediaStreamTrack represents a single audio or video track.
// This is similar to the browser's MediaStreamTrack interface.
type MediaStreamTrack interface {
	// ID returns the unique identifier for this track.
	ID() string

	// Kind returns the track kind (audio or video) - compatible with pion.
	Kind() RTPCodecType

	// Label returns a human-readable label for the track source.
	Label() string

	// State returns the current track state.
	State() TrackState

	// Enabled returns whether the track is enabled.
	Enabled() bool

	// SetEnabled sets the enabled state. Disabled tracks stop delivering media.
	SetEnabled(enabled bool)

	// OnEnded registers a callback fired once when the track ends.
	OnEnded(callback func())

	// Stop ends the track and releases its producer.
	Stop()
}

// VideoTrack is a MediaStreamTrack that produces video frames.
// Every consumer reads through its own reader.
type VideoTrack interface {
	MediaStreamTrack

	// NewReader attaches a new consumer. Slow readers lose the oldest frames.
	NewReader() VideoReader

	// Settings returns the actual video settings.
	Settings() VideoTrackSettings
}

// VideoReader delivers frames of one VideoTrack to one consumer.
type VideoReader interface {
	ReadFrame(ctx context.Context) (*VideoFrame, error)
	Close()
}

// VideoTrackSettings describes the actual video track settings.
type VideoTrackSettings struct {
	Width      int
	Height     int
	FrameRate  int
	DeviceID   string
	FacingMode string
}

// AudioTrack is a MediaStreamTrack that produces audio samples.
type AudioTrack interface {
	MediaStreamTrack

	// NewReader attaches a new consumer with a bounded backlog.
	NewReader() AudioReader

	// Settings returns the actual audio settings.
	Settings() AudioTrackSettings
}

// AudioReader delivers samples of one AudioTrack to one consumer.
type AudioReader interface {
	ReadSamples(ctx context.Context) (*AudioSamples, error)
	Close()
}

// AudioTrackSettings describes the actual audio track settings.
type AudioTrackSettings struct {
	SampleRate   int
	ChannelCount int
	DeviceID     string
}

// BaseTrack provides common functionality for tracks.
type BaseTrack struct {
	id      string
	label   string
	kind    RTPCodecType
	state   atomic.Int32
	enabled atomic.Bool
	endedCb []func()
	mu      sync.RWMutex
}

// NewBaseTrack creates a new base track.
func NewBaseTrack(label string, kind RTPCodecType) *BaseTrack {
	t := &BaseTrack{
		id:    uuid.NewString(),
		label: label,
		kind:  kind,
	}
	t.state.Store(int32(TrackStateLive))
	t.enabled.Store(true)
	return t
}

func (t *BaseTrack) ID() string         { return t.id }
func (t *BaseTrack) Kind() RTPCodecType { return t.kind }
func (t *BaseTrack) Label() string      { return t.label }

func (t *BaseTrack) State() TrackState {
	return TrackState(t.state.Load())
}

// SetState updates the state. Moving to ended fires the ended callbacks once.
func (t *BaseTrack) SetState(state TrackState) bool {
	old := TrackState(t.state.Swap(int32(state)))
	if state != TrackStateEnded || old == TrackStateEnded {
		return false
	}
	t.mu.RLock()
	cbs := append([]func(){}, t.endedCb...)
	t.mu.RUnlock()
	for _, cb := range cbs {
		go cb()
	}
	return true
}

func (t *BaseTrack) Enabled() bool     { return t.enabled.Load() }
func (t *BaseTrack) SetEnabled(e bool) { t.enabled.Store(e) }

func (t *BaseTrack) OnEnded(callback func()) {
	t.mu.Lock()
	t.endedCb = append(t.endedCb, callback)
	t.mu.Unlock()
	if t.State() == TrackStateEnded {
		go callback()
	}
}

// fanout copies each published value to every attached reader. A full
// reader drops its oldest value to make room.
type fanout[T any] struct {
	mu       sync.Mutex
	readers  map[*fanoutReader[T]]struct{}
	capacity int
	closed   bool
}

type fanoutReader[T any] struct {
	ch     chan T
	parent *fanout[T]
	once   sync.Once
}

func newFanout[T any](capacity int) *fanout[T] {
	return &fanout[T]{
		readers:  make(map[*fanoutReader[T]]struct{}),
		capacity: capacity,
	}
}

func (f *fanout[T]) subscribe() *fanoutReader[T] {
	r := &fanoutReader[T]{ch: make(chan T, f.capacity), parent: f}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(r.ch)
		r.once.Do(func() {})
		return r
	}
	f.readers[r] = struct{}{}
	return r
}

// publish returns the number of values dropped across readers.
func (f *fanout[T]) publish(v T) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0
	}
	dropped := 0
	for r := range f.readers {
		select {
		case r.ch <- v:
			continue
		default:
		}
		select {
		case <-r.ch:
			dropped++
		default:
		}
		select {
		case r.ch <- v:
		default:
			dropped++
		}
	}
	return dropped
}

func (f *fanout[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for r := range f.readers {
		r.once.Do(func() { close(r.ch) })
	}
	f.readers = nil
}

func (f *fanout[T]) readerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readers)
}

func (r *fanoutReader[T]) read(ctx context.Context) (T, error) {
	var zero T
	select {
	case v, ok := <-r.ch:
		if !ok {
			return zero, ErrTrackEnded
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *fanoutReader[T]) detach() {
	f := r.parent
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.readers, r)
	r.once.Do(func() { close(r.ch) })
}

const (
	videoReaderBacklog = 1
	audioReaderBacklog = 50
)

// LocalVideoTrack is a VideoTrack fed by a producer through WriteFrame.
type LocalVideoTrack struct {
	*BaseTrack
	settings VideoTrackSettings
	out      *fanout[*VideoFrame]
	onStop   func()
	stopOnce sync.Once
}

// NewLocalVideoTrack creates a video track. onStop, if set, runs once when
// the track ends and should stop the producer.
func NewLocalVideoTrack(label string, settings VideoTrackSettings, onStop func()) *LocalVideoTrack {
	return &LocalVideoTrack{
		BaseTrack: NewBaseTrack(label, RTPCodecTypeVideo),
		settings:  settings,
		out:       newFanout[*VideoFrame](videoReaderBacklog),
		onStop:    onStop,
	}
}

func (t *LocalVideoTrack) Settings() VideoTrackSettings { return t.settings }

// WriteFrame publishes a frame to all readers. Readers share the frame and
// must not modify it. Returns the number of frames dropped by slow readers.
func (t *LocalVideoTrack) WriteFrame(frame *VideoFrame) int {
	if !t.Enabled() || t.State() == TrackStateEnded {
		return 0
	}
	return t.out.publish(frame)
}

func (t *LocalVideoTrack) NewReader() VideoReader {
	return &videoReader{t.out.subscribe()}
}

// Readers returns the number of attached readers.
func (t *LocalVideoTrack) Readers() int { return t.out.readerCount() }

// Stop ends the track.
func (t *LocalVideoTrack) Stop() { t.End() }

// End ends the track from the producer side, e.g. when a device disappears.
func (t *LocalVideoTrack) End() {
	t.stopOnce.Do(func() {
		t.SetState(TrackStateEnded)
		t.out.close()
		if t.onStop != nil {
			t.onStop()
		}
	})
}

type videoReader struct{ r *fanoutReader[*VideoFrame] }

func (v *videoReader) ReadFrame(ctx context.Context) (*VideoFrame, error) { return v.r.read(ctx) }
func (v *videoReader) Close()                                             { v.r.detach() }

// LocalAudioTrack is an AudioTrack fed by a producer through WriteSamples.
type LocalAudioTrack struct {
	*BaseTrack
	settings AudioTrackSettings
	out      *fanout[*AudioSamples]
	onStop   func()
	stopOnce sync.Once
}

// NewLocalAudioTrack creates an audio track.
func NewLocalAudioTrack(label string, settings AudioTrackSettings, onStop func()) *LocalAudioTrack {
	return &LocalAudioTrack{
		BaseTrack: NewBaseTrack(label, RTPCodecTypeAudio),
		settings:  settings,
		out:       newFanout[*AudioSamples](audioReaderBacklog),
		onStop:    onStop,
	}
}

func (t *LocalAudioTrack) Settings() AudioTrackSettings { return t.settings }

// WriteSamples publishes samples to all readers.
func (t *LocalAudioTrack) WriteSamples(samples *AudioSamples) int {
	if !t.Enabled() || t.State() == TrackStateEnded {
		return 0
	}
	return t.out.publish(samples)
}

func (t *LocalAudioTrack) NewReader() AudioReader {
	return &audioReader{t.out.subscribe()}
}

func (t *LocalAudioTrack) Stop() { t.End() }

func (t *LocalAudioTrack) End() {
	t.stopOnce.Do(func() {
		t.SetState(TrackStateEnded)
		t.out.close()
		if t.onStop != nil {
			t.onStop()
		}
	})
}

type audioReader struct{ r *fanoutReader[*AudioSamples] }

func (a *audioReader) ReadSamples(ctx context.Context) (*AudioSamples, error) { return a.r.read(ctx) }
func (a *audioReader) Close()                                                 { a.r.detach() }

var (
	_ VideoTrack = (*LocalVideoTrack)(nil)
	_ AudioTrack = (*LocalAudioTrack)(nil)
)
