package studio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// slowBlender sleeps on every Clear to blow the frame budget.
type slowBlender struct {
	*softwareBlender
	delay time.Duration
}

func (b *slowBlender) Clear(y, u, v byte) {
	time.Sleep(b.delay)
	b.softwareBlender.Clear(y, u, v)
}

func solidTrack(label string) *LocalVideoTrack {
	return NewLocalVideoTrack(label, VideoTrackSettings{Width: 160, Height: 90, FrameRate: 30}, nil)
}

func newTestCompositor(t *testing.T, opts ...CompositorOption) *Compositor {
	t.Helper()
	cfg := DefaultCompositorConfig()
	cfg.Width, cfg.Height, cfg.FPS = 320, 180, 30
	cfg.Backend = BackendSoftware
	c, err := NewCompositor(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Dispose)
	return c
}

func TestCompositor_PictureInPicture(t *testing.T) {
	c := newTestCompositor(t)
	assert.Equal(t, BackendSoftware, c.Backend())

	screen := solidTrack("screen")
	camera := solidTrack("camera")
	require.NoError(t, c.AddSource("screen", SourceKindScreen, screen, DefaultLayerOptions()))
	require.NoError(t, c.AddSource("camera", SourceKindCamera, camera, DefaultLayerOptions()))
	c.ApplyLayout(LayoutPictureInPicture, false)

	screen.WriteFrame(NewI420Frame(160, 90, 200, 128, 128))
	camera.WriteFrame(NewI420Frame(160, 90, 50, 128, 128))

	out, err := c.Start(context.Background())
	require.NoError(t, err)
	reader := out.NewReader()
	defer reader.Close()

	// Inset: w=80 h=44 margin=8 at (232,128) on a 320x180 canvas.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		frame, err := reader.ReadFrame(ctx)
		require.NoError(t, err)
		if frame.Data[0][90*320+160] == 200 && frame.Data[0][150*320+272] == 50 {
			assert.Equal(t, 320, frame.Width)
			assert.Equal(t, 180, frame.Height)
			return
		}
	}
}

func TestCompositor_StartReturnsSameTrack(t *testing.T) {
	c := newTestCompositor(t)
	a, err := c.Start(context.Background())
	require.NoError(t, err)
	b, err := c.Start(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestCompositor_AddSourceKeepsLayout(t *testing.T) {
	c := newTestCompositor(t)
	c.ApplyLayout(LayoutSideBySide, false)

	require.NoError(t, c.AddSource("cam", SourceKindCamera, solidTrack("cam"), DefaultLayerOptions()))
	assert.Equal(t, LayoutSideBySide, c.Layout())

	p, ok := c.Placement("cam")
	require.True(t, ok)
	assert.Equal(t, LayoutSideBySide.Placement(SourceKindCamera, 320, 180), p)

	err := c.AddSource("cam", SourceKindCamera, solidTrack("cam"), DefaultLayerOptions())
	assert.ErrorIs(t, err, ErrSourceActive)
}

func TestCompositor_AnimatedTransition(t *testing.T) {
	clock := newFakeClock()
	c := newTestCompositor(t, WithCompositorClock(clock.Now))

	require.NoError(t, c.AddSource("cam", SourceKindCamera, solidTrack("cam"), DefaultLayerOptions()))
	c.ApplyLayout(LayoutCameraOnly, false)
	from, _ := c.Placement("cam")

	c.ApplyLayout(LayoutPictureInPicture, true)
	target := LayoutPictureInPicture.Placement(SourceKindCamera, 320, 180)

	p, _ := c.Placement("cam")
	assert.Equal(t, from, p, "transition starts at the current placement")

	clock.Advance(250 * time.Millisecond)
	mid, _ := c.Placement("cam")
	assert.Less(t, mid.Rect.W, from.Rect.W)
	assert.Greater(t, mid.Rect.W, target.Rect.W)

	clock.Advance(250 * time.Millisecond)
	end, _ := c.Placement("cam")
	assert.Equal(t, target, end)
}

func TestCompositor_RemoveSource(t *testing.T) {
	c := newTestCompositor(t)
	track := solidTrack("cam")
	require.NoError(t, c.AddSource("cam", SourceKindCamera, track, DefaultLayerOptions()))
	require.Equal(t, 1, track.Readers())

	require.NoError(t, c.RemoveSource("cam"))
	assert.Equal(t, 0, track.Readers())
	assert.Equal(t, TrackStateLive, track.State())

	assert.ErrorIs(t, c.RemoveSource("cam"), ErrSourceNotActive)
}

func TestCompositor_DisposeKeepsSourceTracks(t *testing.T) {
	c := newTestCompositor(t)
	track := solidTrack("cam")
	require.NoError(t, c.AddSource("cam", SourceKindCamera, track, DefaultLayerOptions()))
	out, err := c.Start(context.Background())
	require.NoError(t, err)

	c.Dispose()

	assert.Equal(t, TrackStateLive, track.State())
	assert.Equal(t, TrackStateEnded, out.State())
	_, err = c.Start(context.Background())
	assert.ErrorIs(t, err, ErrCompositorDisposed)
	assert.ErrorIs(t, c.AddSource("x", SourceKindScreen, solidTrack("x"), DefaultLayerOptions()), ErrCompositorDisposed)
}

func TestCompositor_PerformanceWarning(t *testing.T) {
	cfg := DefaultCompositorConfig()
	cfg.Width, cfg.Height, cfg.FPS = 64, 36, 50
	c, err := NewCompositor(cfg, withBlender(&slowBlender{
		softwareBlender: newSoftwareBlender(64, 36),
		delay:           30 * time.Millisecond,
	}))
	require.NoError(t, err)
	defer c.Dispose()

	warned := make(chan PerformanceMetrics, 1)
	c.OnPerformanceWarning(func(m PerformanceMetrics) {
		select {
		case warned <- m:
		default:
		}
	})

	_, err = c.Start(context.Background())
	require.NoError(t, err)

	select {
	case m := <-warned:
		assert.False(t, m.IsPerformanceGood)
		assert.NotZero(t, m.DroppedFrames)
		assert.GreaterOrEqual(t, m.AverageRenderTime, 20*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("no performance warning")
	}
	assert.False(t, c.Metrics().IsPerformanceGood)
}

func TestRenderMetrics_TrailingWindow(t *testing.T) {
	m := newRenderMetrics(10, 0.1)
	now := time.Now()

	for i := 0; i < 10; i++ {
		assert.False(t, m.Record(now, time.Millisecond, false))
	}
	assert.True(t, m.Snapshot(now).IsPerformanceGood)
	assert.Equal(t, 10.0, m.Snapshot(now).FPS)

	assert.False(t, m.Record(now, 50*time.Millisecond, true), "1 of 10 is at threshold")
	assert.True(t, m.Record(now, 50*time.Millisecond, true), "2 of 10 turns bad")
	assert.False(t, m.Record(now, 50*time.Millisecond, true), "already bad")

	snap := m.Snapshot(now)
	assert.False(t, snap.IsPerformanceGood)
	assert.Equal(t, uint64(3), snap.DroppedFrames)

	// Recover once drops leave the window.
	for i := 0; i < 10; i++ {
		m.Record(now, time.Millisecond, false)
	}
	assert.True(t, m.Snapshot(now).IsPerformanceGood)
}
