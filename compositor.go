package studio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// CompositorConfig configures the compositor.
type CompositorConfig struct {
	Width      int           // Canvas width
	Height     int           // Canvas height
	FPS        int           // Output frame rate
	Background [3]byte       // Background color (Y, U, V)
	Transition time.Duration // Animated layout transition length
	Backend    string        // auto, native or software

	// Dropped-frame rate over the trailing window above which
	// performance is reported as degraded.
	DropRateThreshold float64
	MetricsWindow     time.Duration
}

// DefaultCompositorConfig returns a default compositor configuration.
func DefaultCompositorConfig() CompositorConfig {
	return CompositorConfig{
		Width:             1280,
		Height:            720,
		FPS:               30,
		Background:        [3]byte{16, 128, 128}, // Black in YUV
		Transition:        500 * time.Millisecond,
		Backend:           BackendAuto,
		DropRateThreshold: 0.1,
		MetricsWindow:     2 * time.Second,
	}
}

// LayerOptions control how a source is drawn independent of the layout.
type LayerOptions struct {
	Visible bool
	Opacity float64 // Multiplies the layout opacity
}

// DefaultLayerOptions draws the source fully opaque.
func DefaultLayerOptions() LayerOptions {
	return LayerOptions{Visible: true, Opacity: 1}
}

var ErrCompositorDisposed = errors.New("compositor disposed")

type compositorLayer struct {
	id     string
	kind   SourceKind
	reader VideoReader
	latest atomic.Pointer[VideoFrame]
	opts   LayerOptions

	from, to  Placement
	animStart time.Time
	animDur   time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// placementAt returns the interpolated placement at now.
func (l *compositorLayer) placementAt(now time.Time) Placement {
	if l.animDur <= 0 {
		return l.to
	}
	f := float64(now.Sub(l.animStart)) / float64(l.animDur)
	return lerpPlacement(l.from, l.to, f)
}

// Compositor renders several video sources into one frame per tick
// according to the applied layout.
type Compositor struct {
	config CompositorConfig
	log    *zap.Logger
	now    func() time.Time
	blend  blender

	mu        sync.Mutex
	layers    map[string]*compositorLayer
	layout    LayoutType
	out       *LocalVideoTrack
	onWarning func(PerformanceMetrics)
	disposed  bool

	metrics *renderMetrics
	cancel  context.CancelFunc
	done    chan struct{}
}

// CompositorOption configures a Compositor.
type CompositorOption func(*Compositor)

// WithCompositorLogger sets the logger.
func WithCompositorLogger(log *zap.Logger) CompositorOption {
	return func(c *Compositor) { c.log = loggerOrNop(log).With(zap.String("component", "compositor")) }
}

// WithCompositorClock overrides the clock used for animation and metrics.
func WithCompositorClock(now func() time.Time) CompositorOption {
	return func(c *Compositor) { c.now = now }
}

func withBlender(b blender) CompositorOption {
	return func(c *Compositor) { c.blend = b }
}

// NewCompositor creates a compositor. The render loop starts with Start.
func NewCompositor(config CompositorConfig, opts ...CompositorOption) (*Compositor, error) {
	def := DefaultCompositorConfig()
	if config.Width <= 0 {
		config.Width = def.Width
	}
	if config.Height <= 0 {
		config.Height = def.Height
	}
	if config.FPS <= 0 {
		config.FPS = def.FPS
	}
	if config.Background == [3]byte{} {
		config.Background = def.Background
	}
	if config.Transition < 0 {
		config.Transition = 0
	}
	if config.DropRateThreshold <= 0 {
		config.DropRateThreshold = def.DropRateThreshold
	}
	if config.MetricsWindow <= 0 {
		config.MetricsWindow = def.MetricsWindow
	}
	config.Width = (config.Width + 1) &^ 1
	config.Height = (config.Height + 1) &^ 1

	c := &Compositor{
		config: config,
		log:    zap.NewNop(),
		now:    time.Now,
		layers: make(map[string]*compositorLayer),
		layout: LayoutPictureInPicture,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.blend == nil {
		b, err := newBlender(config.Backend, config.Width, config.Height)
		if err != nil {
			return nil, fmt.Errorf("compositor backend %q: %w", config.Backend, err)
		}
		c.blend = b
	}
	window := int(config.MetricsWindow * time.Duration(config.FPS) / time.Second)
	c.metrics = newRenderMetrics(window, config.DropRateThreshold)

	c.log.Debug("compositor created",
		zap.Int("width", config.Width),
		zap.Int("height", config.Height),
		zap.Int("fps", config.FPS),
		zap.String("backend", c.blend.Name()))
	return c, nil
}

// Backend returns the name of the blend backend in use.
func (c *Compositor) Backend() string { return c.blend.Name() }

// Size returns the canvas size.
func (c *Compositor) Size() (int, int) { return c.config.Width, c.config.Height }

// AddSource attaches a video track. The source is placed according to the
// current layout; the layout itself does not change.
func (c *Compositor) AddSource(id string, kind SourceKind, track VideoTrack, opts LayerOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return ErrCompositorDisposed
	}
	if _, ok := c.layers[id]; ok {
		return fmt.Errorf("compositor source %s: %w", id, ErrSourceActive)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &compositorLayer{
		id:     id,
		kind:   kind,
		reader: track.NewReader(),
		opts:   opts,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	l.to = c.layout.Placement(kind, c.config.Width, c.config.Height)
	l.from = l.to
	c.layers[id] = l

	go func() {
		defer close(l.done)
		for {
			frame, err := l.reader.ReadFrame(ctx)
			if err != nil {
				return
			}
			l.latest.Store(frame)
		}
	}()

	c.log.Debug("source added", zap.String("id", id), zap.Stringer("kind", kind))
	return nil
}

// RemoveSource detaches a source. Its track keeps running.
func (c *Compositor) RemoveSource(id string) error {
	c.mu.Lock()
	l, ok := c.layers[id]
	if ok {
		delete(c.layers, id)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("compositor source %s: %w", id, ErrSourceNotActive)
	}
	c.stopLayer(l)
	c.log.Debug("source removed", zap.String("id", id))
	return nil
}

func (c *Compositor) stopLayer(l *compositorLayer) {
	l.cancel()
	l.reader.Close()
	<-l.done
}

// SetLayerOptions updates visibility and opacity of a source.
func (c *Compositor) SetLayerOptions(id string, opts LayerOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.layers[id]
	if !ok {
		return fmt.Errorf("compositor source %s: %w", id, ErrSourceNotActive)
	}
	l.opts = opts
	return nil
}

// ApplyLayout recomputes every source's placement for t. When animated,
// position and opacity move from where they are now to the target over
// the transition window.
func (c *Compositor) ApplyLayout(t LayoutType, animated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, l := range c.layers {
		target := t.Placement(l.kind, c.config.Width, c.config.Height)
		if animated && c.config.Transition > 0 {
			l.from = l.placementAt(now)
			l.animStart = now
			l.animDur = c.config.Transition
		} else {
			l.from = target
			l.animDur = 0
		}
		l.to = target
	}
	c.layout = t
	c.log.Debug("layout applied", zap.Stringer("layout", t), zap.Bool("animated", animated))
}

// Layout returns the applied layout type.
func (c *Compositor) Layout() LayoutType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.layout
}

// Placement returns the current, possibly mid-transition, placement of a source.
func (c *Compositor) Placement(id string) (Placement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.layers[id]
	if !ok {
		return Placement{}, false
	}
	return l.placementAt(c.now()), true
}

// Sources returns the ids of attached sources.
func (c *Compositor) Sources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.layers))
	for id := range c.layers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OnPerformanceWarning registers a callback fired when performance degrades.
func (c *Compositor) OnPerformanceWarning(cb func(PerformanceMetrics)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWarning = cb
}

// Start launches the render loop and returns the composited track.
// Calling Start again returns the same track.
func (c *Compositor) Start(ctx context.Context) (VideoTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return nil, ErrCompositorDisposed
	}
	if c.out != nil {
		return c.out, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.out = NewLocalVideoTrack("composite", VideoTrackSettings{
		Width:     c.config.Width,
		Height:    c.config.Height,
		FrameRate: c.config.FPS,
		DeviceID:  "composite",
	}, nil)

	go c.renderLoop(ctx)
	return c.out, nil
}

// Metrics returns the current performance metrics.
func (c *Compositor) Metrics() PerformanceMetrics {
	return c.metrics.Snapshot(c.now())
}

func (c *Compositor) renderLoop(ctx context.Context) {
	defer close(c.done)

	budget := time.Second / time.Duration(c.config.FPS)
	ticker := time.NewTicker(budget)
	defer ticker.Stop()

	start := c.now()
	last := start
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tickStart := c.now()
		// The ticker drops ticks the loop was too slow to receive.
		if missed := int(tickStart.Sub(last)/budget) - 1; missed > 0 && last != start {
			if c.metrics.RecordMissed(tickStart, missed) {
				c.warn()
			}
		}
		last = tickStart

		frame := c.render(tickStart)
		frame.Timestamp = tickStart.Sub(start).Nanoseconds()
		frame.Duration = budget.Nanoseconds()
		drops := c.out.WriteFrame(frame)

		elapsed := c.now().Sub(tickStart)
		if c.metrics.Record(tickStart, elapsed, elapsed > budget || drops > 0) {
			c.warn()
		}
	}
}

// render draws every visible layer in z-order.
func (c *Compositor) render(now time.Time) *VideoFrame {
	type drawItem struct {
		frame     *VideoFrame
		placement Placement
		opacity   float64
		kind      SourceKind
	}

	c.mu.Lock()
	items := make([]drawItem, 0, len(c.layers))
	for _, l := range c.layers {
		if !l.opts.Visible {
			continue
		}
		frame := l.latest.Load()
		if frame == nil {
			continue
		}
		p := l.placementAt(now)
		opacity := p.Opacity * l.opts.Opacity
		if opacity <= 0 || p.Rect.Empty() {
			continue
		}
		items = append(items, drawItem{frame: frame, placement: p, opacity: opacity, kind: l.kind})
	}
	c.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].placement.ZOrder != items[j].placement.ZOrder {
			return items[i].placement.ZOrder < items[j].placement.ZOrder
		}
		return items[i].kind > items[j].kind
	})

	bg := c.config.Background
	c.blend.Clear(bg[0], bg[1], bg[2])
	for _, it := range items {
		c.blend.Blend(it.frame, it.placement.Rect, it.opacity)
	}
	return c.blend.Result()
}

func (c *Compositor) warn() {
	m := c.Metrics()
	c.log.Warn("compositor performance degraded",
		zap.Uint64("dropped", m.DroppedFrames),
		zap.Duration("avgRender", m.AverageRenderTime))

	c.mu.Lock()
	cb := c.onWarning
	c.mu.Unlock()
	if cb != nil {
		cb(m)
	}
}

// Dispose stops the render loop, ends the composite track and releases the
// drawing surface. Source tracks are left running.
func (c *Compositor) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	layers := c.layers
	c.layers = make(map[string]*compositorLayer)
	cancel, done, out := c.cancel, c.done, c.out
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if out != nil {
		out.End()
	}
	for _, l := range layers {
		c.stopLayer(l)
	}
	c.blend.Close()
	c.log.Debug("compositor disposed")
}
