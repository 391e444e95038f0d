package studio

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalVideoTrack_Fanout(t *testing.T) {
	track := NewLocalVideoTrack("cam", VideoTrackSettings{Width: 4, Height: 4}, nil)
	a := track.NewReader()
	b := track.NewReader()
	assert.Equal(t, 2, track.Readers())

	frame := NewI420Frame(4, 4, 1, 128, 128)
	assert.Equal(t, 0, track.WriteFrame(frame))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := a.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Same(t, frame, got)
	got, err = b.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Same(t, frame, got)

	b.Close()
	assert.Equal(t, 1, track.Readers())
}

func TestLocalVideoTrack_SlowReaderDropsOldest(t *testing.T) {
	track := NewLocalVideoTrack("cam", VideoTrackSettings{}, nil)
	r := track.NewReader()

	first := NewI420Frame(2, 2, 1, 128, 128)
	second := NewI420Frame(2, 2, 2, 128, 128)
	track.WriteFrame(first)
	assert.Equal(t, 1, track.WriteFrame(second))

	got, err := r.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestLocalAudioTrack_EndFiresCallbacksOnce(t *testing.T) {
	var stops, ended atomic.Int32
	track := NewLocalAudioTrack("mic", AudioTrackSettings{SampleRate: 48000, ChannelCount: 1}, func() { stops.Add(1) })
	track.OnEnded(func() { ended.Add(1) })
	r := track.NewReader()

	track.End()
	track.Stop()
	assert.Equal(t, TrackStateEnded, track.State())
	assert.EqualValues(t, 1, stops.Load())
	require.Eventually(t, func() bool { return ended.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := r.ReadSamples(context.Background())
	assert.ErrorIs(t, err, ErrTrackEnded)
	assert.Equal(t, 0, track.WriteSamples(&AudioSamples{}))

	// Late subscribers see an ended track immediately.
	var late atomic.Bool
	track.OnEnded(func() { late.Store(true) })
	require.Eventually(t, late.Load, time.Second, 5*time.Millisecond)
	_, err = track.NewReader().ReadSamples(context.Background())
	assert.ErrorIs(t, err, ErrTrackEnded)
}

func TestLocalVideoTrack_Disabled(t *testing.T) {
	track := NewLocalVideoTrack("cam", VideoTrackSettings{}, nil)
	r := track.NewReader()
	track.SetEnabled(false)
	track.WriteFrame(NewI420Frame(2, 2, 1, 128, 128))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.ReadFrame(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTrackConstraints_Satisfies(t *testing.T) {
	s := VideoTrackSettings{Width: 1280, Height: 720, FrameRate: 30, DeviceID: "cam0"}
	tests := []struct {
		name string
		c    TrackConstraints
		want bool
	}{
		{"empty", TrackConstraints{}, true},
		{"match", TrackConstraints{Width: 1280, Height: 720, FrameRate: 30}, true},
		{"width", TrackConstraints{Width: 640}, false},
		{"fps", TrackConstraints{FrameRate: 60}, false},
		{"device", TrackConstraints{DeviceID: "cam1"}, false},
		{"facing unknown", TrackConstraints{FacingMode: "user"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.c.Satisfies(s))
		})
	}
}
