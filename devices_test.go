package studio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSourceManager() (*SourceManager, *SyntheticProvider) {
	p := NewSyntheticProvider(testSyntheticConfig())
	return NewSourceManager(p, nil), p
}

func TestSourceManager_CameraRefCount(t *testing.T) {
	ctx := context.Background()
	m, p := newTestSourceManager()

	a, err := m.Acquire(ctx, SourceKindCamera, TrackConstraints{})
	require.NoError(t, err)
	b, err := m.Acquire(ctx, SourceKindCamera, TrackConstraints{Width: 64, Height: 48})
	require.NoError(t, err)
	assert.Same(t, a, b, "camera handle is shared")
	assert.Equal(t, 2, m.RefCount(a))
	assert.Equal(t, 1, p.Opens(SourceKindCamera))

	require.NoError(t, m.Release(a))
	assert.True(t, a.Active(), "still held once")
	assert.Equal(t, TrackStateLive, a.Video().State())

	require.NoError(t, m.Release(b))
	assert.False(t, a.Active())
	assert.Equal(t, TrackStateEnded, a.Video().State())
	assert.ErrorIs(t, m.Release(a), ErrSourceNotActive)

	c, err := m.Acquire(ctx, SourceKindCamera, TrackConstraints{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID, "a released camera is reopened")
	assert.Equal(t, 2, p.Opens(SourceKindCamera))
	require.NoError(t, m.Release(c))
}

func TestSourceManager_CameraBusy(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestSourceManager()

	cam, err := m.Acquire(ctx, SourceKindCamera, TrackConstraints{})
	require.NoError(t, err)
	defer m.Release(cam)

	_, err = m.Acquire(ctx, SourceKindCamera, TrackConstraints{Width: 1920, Height: 1080})
	var ae *AcquisitionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AcquisitionDeviceBusy, ae.Kind)
	assert.ErrorIs(t, err, ErrDeviceBusy)
	assert.Equal(t, ClassRetry, Classify(err))
}

func TestSourceManager_AcquisitionErrors(t *testing.T) {
	tests := []struct {
		name   string
		inject error
		kind   SourceKind
		want   AcquisitionKind
	}{
		{"permission", ErrPermissionDenied, SourceKindCamera, AcquisitionPermissionDenied},
		{"missing", ErrDeviceNotFound, SourceKindMicrophone, AcquisitionDeviceNotFound},
		{"constraints", ErrConstraintsUnsatisfiable, SourceKindScreen, AcquisitionConstraintsUnsatisfiable},
		{"busy", ErrDeviceBusy, SourceKindScreen, AcquisitionDeviceBusy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, p := newTestSourceManager()
			p.FailNext(tt.kind, tt.inject)
			_, err := m.Acquire(context.Background(), tt.kind, TrackConstraints{})
			var ae *AcquisitionError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.want, ae.Kind)
			assert.Equal(t, tt.kind, ae.Source)
			assert.ErrorIs(t, err, tt.inject)
			assert.Empty(t, m.Active())
		})
	}

	m, _ := newTestSourceManager()
	_, err := m.Acquire(context.Background(), SourceKindMicrophone, TrackConstraints{ChannelCount: 6})
	assert.ErrorIs(t, err, ErrConstraintsUnsatisfiable)
}

func TestSourceManager_CancelledAcquire(t *testing.T) {
	m, p := newTestSourceManager()
	p.Block(SourceKindScreen, true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx, SourceKindScreen, TrackConstraints{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, m.Active())
}

func TestSourceManager_SourceEnded(t *testing.T) {
	ctx := context.Background()
	m, p := newTestSourceManager()
	ended := make(chan *CaptureSource, 2)
	m.OnSourceEnded(func(src *CaptureSource) { ended <- src })

	screen, err := m.Acquire(ctx, SourceKindScreen, TrackConstraints{})
	require.NoError(t, err)
	mic, err := m.Acquire(ctx, SourceKindMicrophone, TrackConstraints{})
	require.NoError(t, err)
	assert.Len(t, m.Active(), 2)

	// A released source does not count as lost.
	require.NoError(t, m.Release(mic))

	p.Unplug(SourceKindScreen)
	select {
	case src := <-ended:
		assert.Same(t, screen, src)
	case <-time.After(time.Second):
		t.Fatal("ended callback not fired")
	}
	assert.False(t, screen.Active())
	assert.Empty(t, m.Active())
	select {
	case src := <-ended:
		t.Fatalf("unexpected ended callback for %s", src)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = m.Acquire(ctx, SourceKindScreen, TrackConstraints{})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	p.Plug(SourceKindScreen)
	again, err := m.Acquire(ctx, SourceKindScreen, TrackConstraints{})
	require.NoError(t, err)
	require.NoError(t, m.Release(again))
}

func TestSourceManager_Devices(t *testing.T) {
	m, p := newTestSourceManager()
	assert.Empty(t, m.AvailableDevices())

	devices, err := m.Devices(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 3)
	assert.Equal(t, devices, m.AvailableDevices())

	p.Unplug(SourceKindMicrophone)
	devices, err = m.Devices(context.Background())
	require.NoError(t, err)
	for _, d := range devices {
		assert.NotEqual(t, DeviceKindAudioInput, d.Kind)
	}
}

func TestDeviceProviders(t *testing.T) {
	assert.Contains(t, DeviceProviders(), "synthetic")
	p, err := NewDeviceProvider("synthetic")
	require.NoError(t, err)
	assert.IsType(t, &SyntheticProvider{}, p)

	_, err = NewDeviceProvider("v4l3")
	assert.ErrorIs(t, err, ErrNotSupported)
}
