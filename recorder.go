package studio

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// maxEncoderRecoveries bounds automatic restarts after transient encoder
// faults within one session.
const maxEncoderRecoveries = 3

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Quality    Quality
	Encoder    EncoderConfig
	Compositor CompositorConfig
	Mixer      MixerConfig

	// PreferredLayout is applied when camera and screen are both recorded.
	PreferredLayout LayoutType

	CameraConstraints     TrackConstraints
	ScreenConstraints     TrackConstraints
	MicrophoneConstraints TrackConstraints

	// Finalize rejects recordings shorter or smaller than these.
	MinDuration time.Duration
	MinBytes    int64

	// AutoDegrade drops to a single-source layout on performance warnings.
	AutoDegrade        bool
	DisableCompositing bool
}

// DefaultRecorderConfig returns a high quality camera and screen recorder.
func DefaultRecorderConfig() RecorderConfig {
	enc := DefaultEncoderConfig()
	enc.Width, enc.Height = 0, 0
	return RecorderConfig{
		Quality:         QualityHigh,
		Encoder:         enc,
		Compositor:      DefaultCompositorConfig(),
		Mixer:           DefaultMixerConfig(),
		PreferredLayout: LayoutPictureInPicture,
		MinDuration:     time.Second,
		MinBytes:        1024,
	}
}

// Snapshot is the observable recorder state.
type Snapshot struct {
	State              State              `json:"state" yaml:"state"`
	IsRecording        bool               `json:"isRecording" yaml:"isRecording"`
	IsPaused           bool               `json:"isPaused" yaml:"isPaused"`
	ElapsedTime        time.Duration      `json:"elapsedTime" yaml:"elapsedTime"`
	CurrentSession     *RecordingSession  `json:"currentSession,omitempty" yaml:"currentSession,omitempty"`
	RecordingStats     RecordingStats     `json:"recordingStats" yaml:"recordingStats"`
	PerformanceMetrics PerformanceMetrics `json:"performanceMetrics" yaml:"performanceMetrics"`
	Error              error              `json:"-" yaml:"-"`
	ErrorKind          ErrorKind          `json:"errorKind,omitempty" yaml:"errorKind,omitempty"`
	AvailableDevices   []DeviceInfo       `json:"availableDevices" yaml:"availableDevices"`
	Layout             LayoutType         `json:"layout" yaml:"layout"`
	ActiveSources      []SourceKind       `json:"activeSources" yaml:"activeSources"`
	Capabilities       Capabilities       `json:"capabilities" yaml:"capabilities"`
	Levels             []AudioChannel     `json:"levels,omitempty" yaml:"levels,omitempty"`
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithLogger sets the recorder logger; components log through it.
func WithLogger(log *zap.Logger) RecorderOption {
	return func(r *Recorder) { r.log = loggerOrNop(log) }
}

// WithClock replaces time.Now for elapsed time accounting.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithRegistry sets the session registry used by SaveSession and LoadSession.
func WithRegistry(reg Registry) RecorderOption {
	return func(r *Recorder) { r.registry = reg }
}

// WithCapabilities skips the probe and uses caps.
func WithCapabilities(caps Capabilities) RecorderOption {
	return func(r *Recorder) { r.caps = &caps }
}

// WithSourceManager shares a SourceManager, for example with a live preview
// holding the camera.
func WithSourceManager(m *SourceManager) RecorderOption {
	return func(r *Recorder) { r.sources = m }
}

// withOpenHook runs before every encoder is opened; an error aborts the open.
func withOpenHook(hook func(kinds []SourceKind) error) RecorderOption {
	return func(r *Recorder) { r.openHook = hook }
}

// withEncoderOptions adds options to every encoder session the recorder opens.
func withEncoderOptions(fn func() []EncoderOption) RecorderOption {
	return func(r *Recorder) { r.encoderOpts = fn }
}

type storedSession struct {
	session  *RecordingSession
	artifact []byte
	err      error
}

// Recorder drives capture, compositing, mixing and encoding of one
// recording at a time.
type Recorder struct {
	config      RecorderConfig
	log         *zap.Logger
	now         func() time.Time
	sources     *SourceManager
	registry    Registry
	caps        *Capabilities
	openHook    func([]SourceKind) error
	encoderOpts func() []EncoderOption

	// sem serializes Start, Stop, Reset and source changes.
	sem *semaphore.Weighted

	mu           sync.Mutex
	state        State
	err          error
	selected     []SourceKind
	requested    LayoutType
	active       map[SourceKind]*CaptureSource
	session      *RecordingSession
	sessions     map[string]*storedSession
	compositor   *Compositor
	mixer        *Mixer
	mixOut       AudioTrack
	encoder      *EncoderSession
	epoch        int
	consumerDone chan struct{}
	encoderErr   error
	recoveries   int
	initCancel   context.CancelFunc
	initErr      error
	aborting     bool
	firstChunk   chan struct{}
	perfWarnings int

	notifyMu  sync.Mutex
	observers []func(Snapshot)
}

// NewRecorder creates a recorder on top of provider. Unless WithCapabilities
// is given, the compatibility probe runs here.
func NewRecorder(ctx context.Context, provider DeviceProvider, config RecorderConfig, opts ...RecorderOption) *Recorder {
	config = normalizeRecorderConfig(config)
	r := &Recorder{
		config:    config,
		log:       zap.NewNop(),
		now:       time.Now,
		registry:  NewMemoryRegistry(),
		sem:       semaphore.NewWeighted(1),
		selected:  []SourceKind{SourceKindCamera, SourceKindMicrophone},
		requested: config.PreferredLayout,
		active:    make(map[SourceKind]*CaptureSource),
		sessions:  make(map[string]*storedSession),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(zap.String("component", "recorder"))
	if r.sources == nil {
		r.sources = NewSourceManager(provider, r.log)
	}
	if r.caps == nil {
		caps := Probe(ctx, ProbeConfig{
			Compositor:         config.Compositor,
			Encoder:            config.Encoder,
			DisableCompositing: config.DisableCompositing,
		}, r.log)
		r.caps = &caps
	}
	if config.DisableCompositing {
		r.caps.CanComposite = false
	}
	r.sources.OnSourceEnded(func(src *CaptureSource) {
		go r.handleSourceLost(src)
	})
	return r
}

func normalizeRecorderConfig(c RecorderConfig) RecorderConfig {
	def := DefaultRecorderConfig()
	if c.Quality == "" {
		c.Quality = def.Quality
	}
	if c.Encoder.Width <= 0 || c.Encoder.Height <= 0 {
		c.Encoder.Width, c.Encoder.Height = c.Quality.Resolution()
	}
	if c.Encoder.FPS <= 0 {
		c.Encoder.FPS = def.Encoder.FPS
	}
	if c.Encoder.VideoCodec == VideoCodecUnknown {
		c.Encoder.VideoCodec = def.Encoder.VideoCodec
	}
	if c.Encoder.AudioCodec == AudioCodecUnknown {
		c.Encoder.AudioCodec = def.Encoder.AudioCodec
	}
	if c.Mixer.SampleRate == 0 {
		c.Mixer = def.Mixer
	}
	if c.Compositor.Transition == 0 && c.Compositor.MetricsWindow == 0 {
		c.Compositor = def.Compositor
	}
	c.Compositor.Width, c.Compositor.Height = c.Encoder.Width, c.Encoder.Height
	c.Compositor.FPS = c.Encoder.FPS
	if c.MicrophoneConstraints.SampleRate == 0 {
		c.MicrophoneConstraints.SampleRate = c.Mixer.SampleRate
	}
	return c
}

// Capabilities returns the probe result.
func (r *Recorder) Capabilities() Capabilities { return *r.caps }

// Sources returns the recorder's source manager.
func (r *Recorder) Sources() *SourceManager { return r.sources }

// Devices refreshes the available device list.
func (r *Recorder) Devices(ctx context.Context) ([]DeviceInfo, error) {
	devices, err := r.sources.Devices(ctx)
	if err != nil {
		return nil, err
	}
	r.notify()
	return devices, nil
}

// OnChange registers an observer called with a snapshot after every state
// change.
func (r *Recorder) OnChange(fn func(Snapshot)) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *Recorder) notify() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	if len(r.observers) == 0 {
		return
	}
	snap := r.Snapshot()
	for _, fn := range r.observers {
		fn(snap)
	}
}

// applyLocked moves the state machine; r.mu must be held.
func (r *Recorder) applyLocked(ev event) error {
	next, err := transition(r.state, ev)
	if err != nil {
		return err
	}
	if next != r.state {
		r.log.Debug("state change",
			zap.Stringer("from", r.state),
			zap.Stringer("to", next),
			zap.Stringer("event", ev))
	}
	r.state = next
	if r.session != nil && !r.session.Finalized {
		r.session.State = next
	}
	return nil
}

// failLocked moves to the Error state and records err.
func (r *Recorder) failLocked(err error) {
	_ = r.applyLocked(evFail)
	r.err = err
	r.log.Error("recording failed", zap.String("kind", string(errorKindOf(err))), zap.Error(err))
	if r.session == nil || r.session.Finalized {
		return
	}
	r.session.Error = err.Error()
	entry := r.sessions[r.session.ID]
	if entry == nil {
		entry = &storedSession{session: r.session}
		r.sessions[r.session.ID] = entry
	}
	if entry.artifact == nil {
		entry.err = err
	}
}

// Start acquires kinds, or the preselected sources when none are given, and
// begins recording. It returns once the first chunk is encoded. When two
// video sources are requested on an engine that cannot composite, the last
// one is recorded and a CompositingUnsupportedError is returned.
func (r *Recorder) Start(ctx context.Context, kinds ...SourceKind) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	r.mu.Lock()
	if r.state == StateFinalized || r.state == StateError {
		r.resetLocked()
	}
	if len(kinds) == 0 {
		kinds = r.selected
	}
	kinds = uniqueKinds(kinds)

	var fallback error
	videos := videoKinds(kinds)
	if len(videos) == 0 {
		r.err = ErrNoVideoSource
		r.mu.Unlock()
		r.notify()
		return ErrNoVideoSource
	}
	if len(videos) > 1 && !r.caps.CanComposite {
		keep := videos[len(videos)-1]
		fallback = &CompositingUnsupportedError{Replaced: videos[0], Requested: keep}
		kinds = slices.DeleteFunc(kinds, func(k SourceKind) bool { return k.IsVideo() && k != keep })
	}
	if err := r.applyLocked(evStart); err != nil {
		r.mu.Unlock()
		return err
	}

	initCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.err = nil
	r.initCancel = cancel
	r.initErr = nil
	r.aborting = false
	r.recoveries = 0
	r.perfWarnings = 0
	r.selected = kinds
	r.session = &RecordingSession{
		ID:        uuid.NewString(),
		State:     StateInitializing,
		StartTime: r.now(),
		Metadata: SessionMetadata{
			Width:     r.config.Encoder.Width,
			Height:    r.config.Encoder.Height,
			Quality:   r.config.Quality,
			FrameRate: r.config.Encoder.FPS,
			Format:    SuggestedFormat(r.config.Encoder.VideoCodec, r.config.Encoder.AudioCodec),
		},
	}
	id := r.session.ID
	first := make(chan struct{})
	r.firstChunk = first
	r.mu.Unlock()
	r.notify()

	r.log.Info("starting recording", zap.String("session", id), zap.Stringers("sources", kinds))

	err := r.startPipeline(initCtx, kinds)
	if err == nil {
		r.mu.Lock()
		done := r.consumerDone
		r.mu.Unlock()
		select {
		case <-first:
		case <-initCtx.Done():
			err = initCtx.Err()
		case <-done:
			r.mu.Lock()
			if r.state != StateRecording {
				err = r.encoderErr
				if err == nil {
					err = &EncoderError{Kind: EncoderFatal, Err: ErrEngineClosed}
				}
			}
			r.mu.Unlock()
		}
	}
	if err == nil {
		r.mu.Lock()
		if r.aborting {
			err = context.Canceled
		}
		r.mu.Unlock()
	}
	if err != nil {
		return r.abortStart(err)
	}

	r.mu.Lock()
	r.initCancel = nil
	if fallback != nil {
		r.err = fallback
	}
	r.mu.Unlock()
	r.notify()
	r.log.Info("recording", zap.String("session", id))
	return fallback
}

func (r *Recorder) startPipeline(ctx context.Context, kinds []SourceKind) error {
	srcs, err := r.acquireAll(ctx, kinds)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.active = srcs
	r.mu.Unlock()

	mixer := NewMixer(r.config.Mixer, r.log)
	mixOut := mixer.Start(context.Background())
	r.mu.Lock()
	r.mixer, r.mixOut = mixer, mixOut
	r.mu.Unlock()
	for _, src := range sortedSources(srcs) {
		if src.Audio() == nil {
			continue
		}
		if err := mixer.AddTrack(src.ID, src.Audio()); err != nil {
			return fmt.Errorf("mix %s audio: %w", src.Kind, err)
		}
	}

	video, err := r.configureVideo(srcs, false)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.updateMetadataLocked()
	r.mu.Unlock()
	return r.openEncoder(srcs, video, 0, false)
}

// acquireAll opens every kind concurrently. On any failure the sources
// already opened are released.
func (r *Recorder) acquireAll(ctx context.Context, kinds []SourceKind) (map[SourceKind]*CaptureSource, error) {
	opened := make([]*CaptureSource, len(kinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			src, err := r.sources.Acquire(gctx, kind, r.constraints(kind))
			if err != nil {
				return err
			}
			opened[i] = src
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, src := range opened {
			if src != nil {
				_ = r.sources.Release(src)
			}
		}
		return nil, err
	}
	out := make(map[SourceKind]*CaptureSource, len(kinds))
	for _, src := range opened {
		out[src.Kind] = src
	}
	return out, nil
}

func (r *Recorder) constraints(kind SourceKind) TrackConstraints {
	switch kind {
	case SourceKindCamera:
		return r.config.CameraConstraints
	case SourceKindScreen:
		return r.config.ScreenConstraints
	default:
		return r.config.MicrophoneConstraints
	}
}

// abortStart unwinds a Start that did not reach Recording.
func (r *Recorder) abortStart(err error) error {
	r.teardown()

	r.mu.Lock()
	r.initCancel = nil
	if r.initErr != nil {
		err = r.initErr
	}
	if r.aborting && r.initErr == nil {
		_ = r.applyLocked(evAbort)
		r.session = nil
		r.mu.Unlock()
		r.notify()
		r.log.Info("start cancelled")
		return fmt.Errorf("start cancelled: %w", context.Canceled)
	}
	r.failLocked(err)
	r.mu.Unlock()
	r.notify()
	return err
}

// configureVideo produces the encoder's video input for set. One video
// source is passed through; two go through the compositor, which is kept
// for the rest of the session once created.
func (r *Recorder) configureVideo(set map[SourceKind]*CaptureSource, animated bool) (VideoTrack, error) {
	videos := videoSourcesOf(set)
	if len(videos) == 0 {
		return nil, ErrNoVideoSource
	}

	r.mu.Lock()
	comp := r.compositor
	requested := r.requested
	r.mu.Unlock()

	if comp == nil && len(videos) == 1 {
		return videos[0].Video(), nil
	}
	if comp == nil {
		if !r.caps.CanComposite {
			return nil, &CompositingUnsupportedError{Replaced: videos[0].Kind, Requested: videos[1].Kind}
		}
		var err error
		comp, err = NewCompositor(r.config.Compositor,
			WithCompositorLogger(r.log),
			WithCompositorClock(r.now))
		if err != nil {
			return nil, err
		}
		comp.OnPerformanceWarning(func(m PerformanceMetrics) {
			go r.handlePerformanceWarning(comp, m)
		})
		animated = false
		r.mu.Lock()
		r.compositor = comp
		r.mu.Unlock()
	}

	want := make(map[string]bool, len(videos))
	for _, src := range videos {
		want[src.ID] = true
	}
	for _, id := range comp.Sources() {
		if !want[id] {
			_ = comp.RemoveSource(id)
		}
	}
	attached := comp.Sources()
	for _, src := range videos {
		if slices.Contains(attached, src.ID) {
			continue
		}
		if err := comp.AddSource(src.ID, src.Kind, src.Video(), DefaultLayerOptions()); err != nil {
			return nil, err
		}
	}
	comp.ApplyLayout(resolveFor(requested, set), animated)
	return comp.Start(context.Background())
}

// openEncoder starts an encoder session on video and the mixer output and
// begins consuming its events.
func (r *Recorder) openEncoder(set map[SourceKind]*CaptureSource, video VideoTrack, offset time.Duration, paused bool) error {
	if r.openHook != nil {
		if err := r.openHook(kindsOf(set)); err != nil {
			return err
		}
	}
	r.mu.Lock()
	mixOut := r.mixOut
	r.mu.Unlock()

	opts := []EncoderOption{WithEncoderLogger(r.log), WithEncoderClock(r.now)}
	if r.encoderOpts != nil {
		opts = append(opts, r.encoderOpts()...)
	}
	enc, err := NewEncoderSession(r.config.Encoder, video, mixOut, offset, opts...)
	if err != nil {
		return err
	}
	if paused {
		enc.Pause()
	}
	if err := enc.Start(context.Background()); err != nil {
		return &EncoderError{Kind: EncoderFatal, Err: err}
	}

	r.mu.Lock()
	r.encoder = enc
	r.encoderErr = nil
	r.epoch++
	epoch := r.epoch
	sess := r.session
	done := make(chan struct{})
	r.consumerDone = done
	r.mu.Unlock()

	go r.consume(enc, sess, epoch, done)
	return nil
}

// consume applies encoder events one at a time.
func (r *Recorder) consume(enc *EncoderSession, sess *RecordingSession, epoch int, done chan struct{}) {
	defer close(done)
	for ev := range enc.Events() {
		r.mu.Lock()
		if r.session != sess {
			r.mu.Unlock()
			continue
		}
		switch ev.Type {
		case EncoderEventChunk:
			sess.appendSegment(ev.Chunk, epoch)
			// A Stop during Initializing owns the outcome; the start unwinds.
			if r.state == StateInitializing && !r.aborting {
				_ = r.applyLocked(evFirstChunk)
				close(r.firstChunk)
			}
		case EncoderEventStopped:
			if err := r.applyLocked(evEncoderStopped); err != nil {
				r.log.Warn("unexpected encoder stop", zap.Error(err))
			}
		case EncoderEventFailed:
			r.encoderErr = ev.Err
			if r.encoder == enc && r.state != StateInitializing {
				go r.handleEncoderFailure(enc, ev.Err)
			}
		}
		r.mu.Unlock()
		r.notify()
	}
}

// Stop flushes the encoder and finalizes the session. During Initializing
// it cancels acquisition instead and releases whatever was acquired.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateInitializing {
		cancel := r.initCancel
		r.aborting = true
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		// Start holds the semaphore until it has unwound.
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		r.sem.Release(1)
		return nil
	}
	r.mu.Unlock()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)
	return r.stopAndFinalize()
}

// stopAndFinalize requires the semaphore.
func (r *Recorder) stopAndFinalize() error {
	r.mu.Lock()
	if err := r.applyLocked(evStop); err != nil {
		r.mu.Unlock()
		return ErrNotRecording
	}
	enc, done := r.encoder, r.consumerDone
	r.mu.Unlock()
	r.notify()

	enc.RequestFinalChunk()
	enc.Stop()
	<-done

	err := r.finalize(enc.Offset())
	r.teardown()
	r.notify()
	return err
}

// finalize assembles the artifact or rejects a too small recording.
func (r *Recorder) finalize(duration time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.session
	sess.TotalDuration = duration
	size := sess.Bytes()
	if duration < r.config.MinDuration || size < r.config.MinBytes || len(sess.Segments) == 0 {
		err := &OutputTooSmallError{
			Duration:    duration,
			Bytes:       size,
			MinDuration: r.config.MinDuration,
			MinBytes:    r.config.MinBytes,
		}
		r.failLocked(err)
		return err
	}

	artifact, err := sess.Artifact()
	if err != nil {
		r.failLocked(err)
		return err
	}
	_ = r.applyLocked(evFinalized)
	sess.Finalized = true
	r.sessions[sess.ID] = &storedSession{session: sess, artifact: artifact}
	r.log.Info("recording finalized",
		zap.String("session", sess.ID),
		zap.Duration("duration", duration),
		zap.Int("segments", len(sess.Segments)),
		zap.Int("bytes", len(artifact)))
	return nil
}

// teardown stops the encoder and releases the pipeline and sources.
func (r *Recorder) teardown() {
	r.mu.Lock()
	enc, done := r.encoder, r.consumerDone
	comp, mixer := r.compositor, r.mixer
	active := r.active
	r.encoder, r.consumerDone = nil, nil
	r.compositor, r.mixer, r.mixOut = nil, nil, nil
	r.active = make(map[SourceKind]*CaptureSource)
	r.mu.Unlock()

	if enc != nil {
		enc.Stop()
		<-done
	}
	if comp != nil {
		comp.Dispose()
	}
	if mixer != nil {
		mixer.Stop()
	}
	for _, src := range active {
		if err := r.sources.Release(src); err != nil {
			r.log.Debug("release", zap.String("source", src.ID), zap.Error(err))
		}
	}
}

// Pause suspends recording. It is a no-op outside Recording.
func (r *Recorder) Pause() {
	r.mu.Lock()
	if r.state != StateRecording || r.encoder == nil {
		r.mu.Unlock()
		return
	}
	_ = r.applyLocked(evPause)
	r.encoder.Pause()
	r.mu.Unlock()
	r.notify()
}

// Resume continues a paused recording. It is a no-op outside Paused.
func (r *Recorder) Resume() {
	r.mu.Lock()
	if r.state != StatePaused || r.encoder == nil {
		r.mu.Unlock()
		return
	}
	_ = r.applyLocked(evResume)
	r.encoder.Resume()
	r.mu.Unlock()
	r.notify()
}

// Reset discards the active session, if any, and returns to Idle.
// Finalized sessions stay exportable.
func (r *Recorder) Reset(ctx context.Context) error {
	r.mu.Lock()
	initializing := r.state == StateInitializing
	r.mu.Unlock()
	if initializing {
		if err := r.Stop(ctx); err != nil {
			return err
		}
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	r.mu.Lock()
	discard := r.state.Active()
	if discard {
		r.log.Info("discarding session", zap.String("session", r.session.ID))
		r.session = nil
	}
	r.resetLocked()
	r.mu.Unlock()
	if discard {
		r.teardown()
	}
	r.notify()
	return nil
}

func (r *Recorder) resetLocked() {
	_ = r.applyLocked(evReset)
	r.session = nil
	r.err = nil
}

// AddSource adds kind to the recording. Adding a video source restarts the
// encoder; audio sources join the mix directly. In Idle the kind is
// preselected for the next Start.
func (r *Recorder) AddSource(ctx context.Context, kind SourceKind) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	r.mu.Lock()
	switch r.state {
	case StateIdle, StateFinalized, StateError:
		if !slices.Contains(r.selected, kind) {
			r.selected = append(r.selected, kind)
		}
		r.mu.Unlock()
		r.notify()
		return nil
	case StateRecording, StatePaused:
	default:
		r.mu.Unlock()
		return fmt.Errorf("add %s: %w", kind, ErrInvalidState)
	}
	if _, ok := r.active[kind]; ok {
		r.mu.Unlock()
		return fmt.Errorf("add %s: %w", kind, ErrSourceActive)
	}
	prev := maps.Clone(r.active)
	r.mu.Unlock()

	src, err := r.sources.Acquire(ctx, kind, r.constraints(kind))
	if err != nil {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		r.notify()
		return err
	}

	if !kind.IsVideo() {
		if err := r.mixer.AddTrack(src.ID, src.Audio()); err != nil {
			_ = r.sources.Release(src)
			err = fmt.Errorf("mix %s audio: %w", kind, err)
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
			r.notify()
			return err
		}
		r.mu.Lock()
		r.active[kind] = src
		r.updateMetadataLocked()
		r.mu.Unlock()
		r.notify()
		return nil
	}

	next := maps.Clone(prev)
	next[kind] = src
	var (
		replaced *CaptureSource
		swapErr  error
	)
	if others := videoSourcesOf(prev); len(others) > 0 && !r.caps.CanComposite {
		replaced = others[0]
		delete(next, replaced.Kind)
		swapErr = &CompositingUnsupportedError{Replaced: replaced.Kind, Requested: kind}
	} else if len(others) > 0 {
		r.mu.Lock()
		if !r.requested.MultiSource() {
			r.requested = r.config.PreferredLayout
		}
		r.mu.Unlock()
	}

	if err := r.restartWith(next, true); err != nil {
		_ = r.sources.Release(src)
		return err
	}
	if src.Audio() != nil {
		if err := r.mixer.AddTrack(src.ID, src.Audio()); err != nil {
			r.log.Warn("source audio not mixed", zap.Stringer("kind", kind), zap.Error(err))
		}
	}
	if replaced != nil {
		r.dropSource(replaced)
		r.mu.Lock()
		r.err = swapErr
		r.mu.Unlock()
		r.notify()
		r.log.Warn("compositing unsupported, switched source",
			zap.Stringer("from", replaced.Kind), zap.Stringer("to", kind))
	}
	return swapErr
}

// RemoveSource removes kind from the recording. The last video source
// cannot be removed.
func (r *Recorder) RemoveSource(ctx context.Context, kind SourceKind) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	r.mu.Lock()
	switch r.state {
	case StateIdle, StateFinalized, StateError:
		defer r.mu.Unlock()
		i := slices.Index(r.selected, kind)
		if i < 0 {
			return fmt.Errorf("remove %s: %w", kind, ErrSourceNotActive)
		}
		r.selected = slices.Delete(r.selected, i, i+1)
		return nil
	case StateRecording, StatePaused:
	default:
		r.mu.Unlock()
		return fmt.Errorf("remove %s: %w", kind, ErrInvalidState)
	}
	src, ok := r.active[kind]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("remove %s: %w", kind, ErrSourceNotActive)
	}
	if kind.IsVideo() && len(videoSourcesOf(r.active)) == 1 {
		r.mu.Unlock()
		return ErrNoVideoSource
	}
	next := maps.Clone(r.active)
	delete(next, kind)
	r.mu.Unlock()

	if !kind.IsVideo() {
		r.mu.Lock()
		delete(r.active, kind)
		r.updateMetadataLocked()
		r.mu.Unlock()
		r.dropSource(src)
		r.notify()
		return nil
	}

	if err := r.restartWith(next, true); err != nil {
		return err
	}
	r.dropSource(src)
	return nil
}

// dropSource unmixes and releases a source no longer in the active set.
func (r *Recorder) dropSource(src *CaptureSource) {
	r.mu.Lock()
	mixer := r.mixer
	r.mu.Unlock()
	if mixer != nil && mixer.Has(src.ID) {
		_ = mixer.RemoveTrack(src.ID)
	}
	if err := r.sources.Release(src); err != nil {
		r.log.Debug("release", zap.String("source", src.ID), zap.Error(err))
	}
}

// restartWith replaces the encoder so it records next. The session keeps
// its segments and its timeline continues from the old encoder's offset.
// With fallback set, a failure reverts to the previous source set. The
// caller holds the semaphore.
func (r *Recorder) restartWith(next map[SourceKind]*CaptureSource, fallback bool) error {
	r.mu.Lock()
	prev := maps.Clone(r.active)
	wasPaused := r.state == StatePaused
	if err := r.applyLocked(evRestartBegin); err != nil {
		r.mu.Unlock()
		return err
	}
	old, oldDone := r.encoder, r.consumerDone
	r.mu.Unlock()
	r.notify()

	old.RequestFinalChunk()
	old.Stop()
	<-oldDone
	offset := old.Offset()

	resumed := evRestarted
	if wasPaused {
		resumed = evRestartedPaused
	}

	err := r.rebuild(next, offset, wasPaused)
	if err == nil {
		r.mu.Lock()
		r.active = next
		r.session.Restarts++
		r.updateMetadataLocked()
		_ = r.applyLocked(resumed)
		r.mu.Unlock()
		r.notify()
		r.log.Info("encoder restarted",
			zap.Stringers("sources", kindsOf(next)),
			zap.Duration("offset", offset))
		return nil
	}

	r.log.Warn("restart failed", zap.Error(err), zap.Bool("fallback", fallback))
	if fallback {
		ferr := r.rebuild(prev, offset, wasPaused)
		if ferr == nil {
			rerr := &RestartFailedError{Fallback: kindsOf(prev), Err: err}
			r.mu.Lock()
			r.active = prev
			r.session.Restarts++
			r.updateMetadataLocked()
			_ = r.applyLocked(resumed)
			r.err = rerr
			r.mu.Unlock()
			r.notify()
			return rerr
		}
		err = errors.Join(err, ferr)
	}

	rerr := &RestartFailedError{Err: err}
	r.mu.Lock()
	r.session.TotalDuration = offset
	r.failLocked(rerr)
	r.mu.Unlock()
	r.teardown()
	r.notify()
	return rerr
}

func (r *Recorder) rebuild(set map[SourceKind]*CaptureSource, offset time.Duration, paused bool) error {
	video, err := r.configureVideo(set, true)
	if err != nil {
		return err
	}
	return r.openEncoder(set, video, offset, paused)
}

func (r *Recorder) handleEncoderFailure(enc *EncoderSession, failure *EncoderError) {
	if err := r.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer r.sem.Release(1)

	r.mu.Lock()
	if r.encoder != enc || !r.state.Active() {
		r.mu.Unlock()
		return
	}
	if failure.Kind == EncoderFatal || r.recoveries >= maxEncoderRecoveries {
		r.session.TotalDuration = enc.Offset()
		r.failLocked(failure)
		r.mu.Unlock()
		r.teardown()
		r.notify()
		return
	}
	r.recoveries++
	set := maps.Clone(r.active)
	r.mu.Unlock()

	r.log.Warn("recovering from encoder failure", zap.Error(failure))
	_ = r.restartWith(set, false)
}

// handleSourceLost reacts to a held source ending without a release.
func (r *Recorder) handleSourceLost(src *CaptureSource) {
	r.mu.Lock()
	if r.active[src.Kind] != src {
		r.mu.Unlock()
		return
	}
	if r.state == StateInitializing {
		r.initErr = &SourceLostError{Source: src.Kind, ID: src.ID, Fatal: true}
		cancel := r.initCancel
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	r.mu.Unlock()

	if err := r.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer r.sem.Release(1)

	r.mu.Lock()
	if r.active[src.Kind] != src {
		r.mu.Unlock()
		return
	}
	delete(r.active, src.Kind)
	mixer := r.mixer
	if !r.state.Active() {
		r.mu.Unlock()
		return
	}
	next := maps.Clone(r.active)
	remaining := len(videoSourcesOf(next))
	r.mu.Unlock()

	if mixer != nil && mixer.Has(src.ID) {
		_ = mixer.RemoveTrack(src.ID)
	}
	r.log.Warn("source lost", zap.Stringer("kind", src.Kind), zap.Int("videoRemaining", remaining))

	switch {
	case !src.Kind.IsVideo():
		r.mu.Lock()
		r.updateMetadataLocked()
		r.err = &SourceLostError{Source: src.Kind, ID: src.ID}
		r.mu.Unlock()
		r.notify()
	case remaining > 0:
		if err := r.restartWith(next, false); err == nil {
			r.mu.Lock()
			r.err = &SourceLostError{Source: src.Kind, ID: src.ID}
			r.mu.Unlock()
			r.notify()
		}
	default:
		lost := &SourceLostError{Source: src.Kind, ID: src.ID, Fatal: true}
		if err := r.stopAndFinalize(); err != nil {
			return
		}
		r.mu.Lock()
		r.failLocked(lost)
		r.mu.Unlock()
		r.notify()
	}
}

func (r *Recorder) handlePerformanceWarning(comp *Compositor, m PerformanceMetrics) {
	r.mu.Lock()
	if r.compositor != comp {
		r.mu.Unlock()
		return
	}
	r.perfWarnings++
	if !r.config.AutoDegrade || !r.requested.MultiSource() {
		r.mu.Unlock()
		r.notify()
		return
	}
	single := LayoutCameraOnly
	if _, ok := r.active[SourceKindScreen]; ok {
		single = LayoutScreenOnly
	}
	r.requested = single
	r.updateMetadataLocked()
	r.mu.Unlock()

	comp.ApplyLayout(single, true)
	r.log.Warn("performance degraded, switched to single source layout",
		zap.Stringer("layout", single),
		zap.Float64("fps", m.FPS),
		zap.Uint64("dropped", m.DroppedFrames))
	r.notify()
}

// SetLayout selects the layout. While recording the layout must only
// reference active sources; the change animates without restarting.
func (r *Recorder) SetLayout(t LayoutType) error {
	r.mu.Lock()
	if !r.state.Active() {
		r.requested = t
		r.mu.Unlock()
		r.notify()
		return nil
	}
	_, hasCamera := r.active[SourceKindCamera]
	_, hasScreen := r.active[SourceKindScreen]
	ok := true
	switch t {
	case LayoutPictureInPicture, LayoutSideBySide:
		ok = hasCamera && hasScreen
	case LayoutScreenOnly:
		ok = hasScreen
	case LayoutCameraOnly:
		ok = hasCamera
	}
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("layout %s: %w", t, ErrSourceNotActive)
	}
	r.requested = t
	comp := r.compositor
	r.updateMetadataLocked()
	r.mu.Unlock()

	if comp != nil {
		comp.ApplyLayout(t, true)
	}
	r.notify()
	return nil
}

// SetVolume sets the gain of a source's audio in the mix.
func (r *Recorder) SetVolume(sourceID string, volume float64) error {
	r.mu.Lock()
	mixer := r.mixer
	r.mu.Unlock()
	if mixer == nil {
		return ErrNotRecording
	}
	if err := mixer.SetVolume(sourceID, volume); err != nil {
		return err
	}
	r.notify()
	return nil
}

// SetMuted mutes or unmutes a source's audio in the mix.
func (r *Recorder) SetMuted(sourceID string, muted bool) error {
	r.mu.Lock()
	mixer := r.mixer
	r.mu.Unlock()
	if mixer == nil {
		return ErrNotRecording
	}
	if err := mixer.SetMuted(sourceID, muted); err != nil {
		return err
	}
	r.notify()
	return nil
}

// RecordAnnotation stamps index with the current elapsed time.
func (r *Recorder) RecordAnnotation(index int) error {
	r.mu.Lock()
	if !r.state.Active() {
		r.mu.Unlock()
		return ErrNotRecording
	}
	r.session.Metadata.Annotations.Set(index, r.elapsedLocked())
	r.mu.Unlock()
	r.notify()
	return nil
}

// ExportSession returns the rtpdump artifact of a finalized session.
func (r *Recorder) ExportSession(id string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[id]
	if !ok {
		if r.session != nil && r.session.ID == id {
			return nil, fmt.Errorf("export %s: %w", id, ErrInvalidState)
		}
		return nil, fmt.Errorf("export %s: %w", id, ErrSessionNotFound)
	}
	if entry.artifact == nil {
		if entry.err != nil {
			return nil, entry.err
		}
		return nil, fmt.Errorf("export %s: %w", id, ErrInvalidState)
	}
	return entry.artifact, nil
}

// Session returns a copy of the current or a stored session.
func (r *Recorder) Session(id string) (*RecordingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil && r.session.ID == id {
		return r.session.Clone(), nil
	}
	if entry, ok := r.sessions[id]; ok {
		return entry.session.Clone(), nil
	}
	return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
}

// SaveSession writes the session metadata to the registry.
func (r *Recorder) SaveSession(ctx context.Context, id string) error {
	sess, err := r.Session(id)
	if err != nil {
		return err
	}
	if err := r.registry.Save(ctx, sess); err != nil {
		return fmt.Errorf("save session %s: %w", id, err)
	}
	return nil
}

// LoadSession returns session metadata from memory or the registry.
func (r *Recorder) LoadSession(ctx context.Context, id string) (*RecordingSession, error) {
	if sess, err := r.Session(id); err == nil {
		return sess, nil
	}
	return r.registry.Load(ctx, id)
}

// Snapshot returns the observable state.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := r.elapsedLocked()
	snap := Snapshot{
		State:            r.state,
		IsRecording:      r.state.Active() && r.state != StatePaused,
		IsPaused:         r.state == StatePaused,
		ElapsedTime:      elapsed,
		CurrentSession:   r.session.Clone(),
		Error:            r.err,
		ErrorKind:        errorKindOf(r.err),
		AvailableDevices: r.sources.AvailableDevices(),
		Layout:           r.requested,
		ActiveSources:    kindsOf(r.active),
		Capabilities:     *r.caps,
		PerformanceMetrics: PerformanceMetrics{
			IsPerformanceGood: true,
		},
	}
	if r.session != nil {
		snap.Layout = r.session.Metadata.Layout
	}
	if r.compositor != nil {
		snap.PerformanceMetrics = r.compositor.Metrics()
	}
	if r.mixer != nil {
		snap.Levels = r.mixer.Levels()
	}
	snap.RecordingStats = RecordingStats{
		Quality:             r.config.Quality,
		Duration:            elapsed,
		PerformanceWarnings: r.perfWarnings,
	}
	if r.session != nil {
		size := r.session.Bytes()
		snap.RecordingStats.FileSize = size
		snap.RecordingStats.SegmentCount = len(r.session.Segments)
		snap.RecordingStats.Restarts = r.session.Restarts
		if elapsed > 0 {
			snap.RecordingStats.Bitrate = int(float64(size*8) / elapsed.Seconds())
		}
	}
	return snap
}

// elapsedLocked is the recorded time excluding pauses.
func (r *Recorder) elapsedLocked() time.Duration {
	switch {
	case r.session == nil:
		return 0
	case r.encoder != nil:
		return r.encoder.Offset()
	default:
		return r.session.TotalDuration
	}
}

func (r *Recorder) updateMetadataLocked() {
	if r.session == nil {
		return
	}
	r.session.Metadata.Sources = kindsOf(r.active)
	r.session.Metadata.Layout = resolveFor(r.requested, r.active)
}

func resolveFor(requested LayoutType, set map[SourceKind]*CaptureSource) LayoutType {
	_, hasCamera := set[SourceKindCamera]
	_, hasScreen := set[SourceKindScreen]
	return ResolveLayout(requested, hasCamera, hasScreen)
}

func uniqueKinds(kinds []SourceKind) []SourceKind {
	out := make([]SourceKind, 0, len(kinds))
	for _, k := range kinds {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}

func videoKinds(kinds []SourceKind) []SourceKind {
	var out []SourceKind
	for _, k := range kinds {
		if k.IsVideo() {
			out = append(out, k)
		}
	}
	return out
}

// videoSourcesOf returns the video sources of set, camera first.
func videoSourcesOf(set map[SourceKind]*CaptureSource) []*CaptureSource {
	var out []*CaptureSource
	for _, src := range sortedSources(set) {
		if src.Kind.IsVideo() {
			out = append(out, src)
		}
	}
	return out
}

func sortedSources(set map[SourceKind]*CaptureSource) []*CaptureSource {
	out := make([]*CaptureSource, 0, len(set))
	for _, k := range kindsOf(set) {
		out = append(out, set[k])
	}
	return out
}

func kindsOf(set map[SourceKind]*CaptureSource) []SourceKind {
	kinds := slices.Collect(maps.Keys(set))
	slices.Sort(kinds)
	return kinds
}
