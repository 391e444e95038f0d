package studio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EncoderConfig configures an encoder session.
type EncoderConfig struct {
	VideoCodec    VideoCodec
	AudioCodec    AudioCodec
	Width         int
	Height        int
	FPS           int
	ChunkInterval time.Duration // How often buffered packets are emitted
	MTU           int
}

// DefaultEncoderConfig returns raw 720p30 video with μ-law audio in 1 s chunks.
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		VideoCodec:    VideoCodecRaw,
		AudioCodec:    AudioCodecPCMU,
		Width:         1280,
		Height:        720,
		FPS:           30,
		ChunkInterval: time.Second,
		MTU:           DefaultMTU,
	}
}

// EncoderEventType identifies an encoder event.
type EncoderEventType int

const (
	EncoderEventChunk EncoderEventType = iota
	EncoderEventStopped
	EncoderEventFailed
)

func (t EncoderEventType) String() string {
	switch t {
	case EncoderEventChunk:
		return "chunk"
	case EncoderEventStopped:
		return "stopped"
	case EncoderEventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Chunk is a run of rtpdump records emitted by an encoder session.
type Chunk struct {
	Start   time.Duration // Session offset of the first record
	End     time.Duration // Session offset at flush
	Data    []byte
	Packets int
	Final   bool // Flushed by RequestFinalChunk or Stop
}

// EncoderEvent is delivered on the session's event channel.
type EncoderEvent struct {
	Type  EncoderEventType
	Chunk *Chunk        // EncoderEventChunk
	Err   *EncoderError // EncoderEventFailed
}

// EncoderStats describes an encoder session.
type EncoderStats struct {
	VideoFrames uint64 `json:"videoFrames" yaml:"videoFrames"`
	AudioFrames uint64 `json:"audioFrames" yaml:"audioFrames"`
	Packets     uint64 `json:"packets" yaml:"packets"`
	Bytes       uint64 `json:"bytes" yaml:"bytes"`
	Chunks      uint64 `json:"chunks" yaml:"chunks"`
	BitrateBps  int    `json:"bitrateBps" yaml:"bitrateBps"`
}

// EncoderOption configures an EncoderSession.
type EncoderOption func(*EncoderSession)

// WithEncoderLogger sets the session logger.
func WithEncoderLogger(log *zap.Logger) EncoderOption {
	return func(s *EncoderSession) { s.log = loggerOrNop(log).With(zap.String("component", "encoder")) }
}

// WithEncoderClock replaces the wall clock.
func WithEncoderClock(now func() time.Time) EncoderOption {
	return func(s *EncoderSession) { s.now = now }
}

// withVideoEncoder overrides the registry lookup.
func withVideoEncoder(enc VideoEncoder) EncoderOption {
	return func(s *EncoderSession) { s.venc = enc }
}

// EncoderSession records one video track and an optional audio track as
// rtpdump chunks. Chunk offsets continue from the start offset given at
// construction, so a replacement session extends the same timeline.
type EncoderSession struct {
	config      EncoderConfig
	log         *zap.Logger
	now         func() time.Time
	video       VideoTrack
	audio       AudioTrack
	startOffset time.Duration

	venc  VideoEncoder
	aenc  AudioEncoder
	vpack *Packetizer
	apack *Packetizer

	mu          sync.Mutex
	started     bool
	stopped     bool
	startedAt   time.Time
	paused      bool
	pausedAt    time.Time
	pausedTotal time.Duration
	ended       bool
	endOffset   time.Duration
	buf         []byte
	bufPackets  int
	bufStart    time.Duration
	firstFlush  bool
	stats       EncoderStats
	queue       []EncoderEvent
	wake        chan struct{}

	events   chan EncoderEvent
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// NewEncoderSession prepares a session. Encoder construction failures are
// fatal EncoderErrors.
func NewEncoderSession(config EncoderConfig, video VideoTrack, audio AudioTrack, startOffset time.Duration, opts ...EncoderOption) (*EncoderSession, error) {
	if video == nil {
		return nil, &EncoderError{Kind: EncoderFatal, Err: ErrNoVideoSource}
	}
	def := DefaultEncoderConfig()
	if config.ChunkInterval <= 0 {
		config.ChunkInterval = def.ChunkInterval
	}
	if config.FPS <= 0 {
		config.FPS = def.FPS
	}
	if config.MTU <= 0 {
		config.MTU = def.MTU
	}
	if config.Width <= 0 || config.Height <= 0 {
		config.Width, config.Height = def.Width, def.Height
	}

	s := &EncoderSession{
		config:      config,
		log:         zap.NewNop(),
		now:         time.Now,
		video:       video,
		audio:       audio,
		startOffset: startOffset,
		wake:        make(chan struct{}, 1),
		events:      make(chan EncoderEvent),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.venc == nil {
		s.venc, err = NewVideoEncoder(VideoEncoderConfig{
			Codec: config.VideoCodec, Width: config.Width, Height: config.Height, FPS: config.FPS,
		})
		if err != nil {
			return nil, &EncoderError{Kind: EncoderFatal, Err: err}
		}
	}
	if s.vpack, err = newVideoPacketizer(s.venc.Codec(), config.MTU); err != nil {
		return nil, &EncoderError{Kind: EncoderFatal, Err: err}
	}
	if audio != nil {
		as := audio.Settings()
		s.aenc, err = NewAudioEncoder(AudioEncoderConfig{
			Codec: config.AudioCodec, SampleRate: as.SampleRate, Channels: as.ChannelCount,
		})
		if err != nil {
			return nil, &EncoderError{Kind: EncoderFatal, Err: err}
		}
		if s.apack, err = newAudioPacketizer(config.AudioCodec, config.MTU); err != nil {
			return nil, &EncoderError{Kind: EncoderFatal, Err: err}
		}
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *EncoderSession) Config() EncoderConfig { return s.config }

// Events returns the event channel. It is closed after the stopped or
// failed event.
func (s *EncoderSession) Events() <-chan EncoderEvent { return s.events }

// Done is closed once the session has fully stopped.
func (s *EncoderSession) Done() <-chan struct{} { return s.done }

// Start launches the capture pumps and the chunk timer.
func (s *EncoderSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return ErrInvalidState
	}
	s.started = true
	s.startedAt = s.now()
	if s.paused {
		s.pausedAt = s.startedAt
	}
	s.bufStart = s.offsetLocked()

	ctx, s.cancel = context.WithCancel(ctx)
	vr := s.video.NewReader()
	s.wg.Add(2)
	go s.pumpVideo(ctx, vr)
	go s.chunkTimer(ctx)
	if s.audio != nil {
		ar := s.audio.NewReader()
		s.wg.Add(1)
		go s.pumpAudio(ctx, ar)
	}
	go s.deliver()

	s.log.Debug("encoder started",
		zap.Stringer("video", s.venc.Codec()),
		zap.Bool("audio", s.audio != nil),
		zap.Duration("offset", s.startOffset))
	return nil
}

// Offset returns the current position on the session timeline.
func (s *EncoderSession) Offset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsetLocked()
}

func (s *EncoderSession) offsetLocked() time.Duration {
	if s.ended {
		return s.endOffset
	}
	if s.startedAt.IsZero() {
		return s.startOffset
	}
	now := s.now()
	if s.paused {
		now = s.pausedAt
	}
	return s.startOffset + now.Sub(s.startedAt) - s.pausedTotal
}

func (s *EncoderSession) pumpVideo(ctx context.Context, r VideoReader) {
	defer s.wg.Done()
	defer r.Close()
	for {
		frame, err := r.ReadFrame(ctx)
		if err != nil {
			return
		}
		if !s.capturing() {
			continue
		}
		encoded, err := s.venc.Encode(frame)
		if err != nil {
			s.fail(EncoderTransient, fmt.Errorf("encode video: %w", err))
			return
		}
		if encoded == nil {
			continue
		}

		s.mu.Lock()
		ok, err := s.writeLocked(encoded, s.venc.Codec().ClockRate(), s.vpack)
		if ok {
			s.stats.VideoFrames++
			if !s.firstFlush {
				// The first frame confirms recording without waiting a full interval.
				s.firstFlush = true
				s.flushLocked(false)
			}
		}
		s.mu.Unlock()
		if err != nil {
			s.fail(EncoderFatal, err)
			return
		}
	}
}

func (s *EncoderSession) pumpAudio(ctx context.Context, r AudioReader) {
	defer s.wg.Done()
	defer r.Close()
	for {
		samples, err := r.ReadSamples(ctx)
		if err != nil {
			return
		}
		if !s.capturing() {
			continue
		}
		encoded, err := s.aenc.Encode(samples)
		if err != nil {
			s.fail(EncoderTransient, fmt.Errorf("encode audio: %w", err))
			return
		}
		if encoded == nil {
			continue
		}

		s.mu.Lock()
		ok, err := s.writeLocked(encoded, s.aenc.Codec().ClockRate(), s.apack)
		if ok {
			s.stats.AudioFrames++
		}
		s.mu.Unlock()
		if err != nil {
			s.fail(EncoderFatal, err)
			return
		}
	}
}

func (s *EncoderSession) capturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.paused && !s.stopped
}

// writeLocked stamps the frame with the current offset and buffers its
// packets. Offsets are taken under the lock so records stay in time order.
func (s *EncoderSession) writeLocked(frame *EncodedFrame, clockRate uint32, p *Packetizer) (bool, error) {
	if s.paused || s.stopped {
		return false, nil
	}
	offset := s.offsetLocked()
	frame.Timestamp = rtpTime(offset, clockRate)
	if err := s.appendLocked(offset, p.Packetize(frame)); err != nil {
		return false, err
	}
	return true, nil
}

func rtpTime(offset time.Duration, clockRate uint32) uint32 {
	return uint32(offset.Nanoseconds() * int64(clockRate) / int64(time.Second))
}

func (s *EncoderSession) appendLocked(offset time.Duration, pkts []*RTPPacket) error {
	for _, p := range pkts {
		raw, err := p.Marshal()
		if err != nil {
			return fmt.Errorf("marshal rtp: %w", err)
		}
		if s.bufPackets == 0 {
			s.bufStart = offset
		}
		s.buf = appendRTPDumpRecord(s.buf, offset, raw)
		s.bufPackets++
		s.stats.Packets++
		s.stats.Bytes += uint64(len(raw) + rtpdumpRecordHeader)
	}
	return nil
}

func (s *EncoderSession) chunkTimer(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.ChunkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.paused {
				s.flushLocked(false)
			}
			s.mu.Unlock()
		}
	}
}

// flushLocked emits buffered records as a chunk. Empty buffers are skipped.
func (s *EncoderSession) flushLocked(final bool) {
	if s.bufPackets == 0 {
		return
	}
	chunk := &Chunk{
		Start:   s.bufStart,
		End:     s.offsetLocked(),
		Data:    s.buf,
		Packets: s.bufPackets,
		Final:   final,
	}
	s.buf = nil
	s.bufPackets = 0
	s.stats.Chunks++
	s.enqueueLocked(EncoderEvent{Type: EncoderEventChunk, Chunk: chunk})
}

func (s *EncoderSession) enqueueLocked(ev EncoderEvent) {
	s.queue = append(s.queue, ev)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deliver forwards queued events in order. The queue is unbounded so the
// pumps never block on a slow consumer.
func (s *EncoderSession) deliver() {
	defer close(s.events)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			<-s.wake
			continue
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.events <- ev
		if ev.Type != EncoderEventChunk {
			return
		}
	}
}

// RequestFinalChunk flushes everything buffered so far as a final chunk.
func (s *EncoderSession) RequestFinalChunk() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.flushLocked(true)
	}
}

// Pause suspends capture; time spent paused is excluded from offsets.
// A session paused before Start starts paused.
func (s *EncoderSession) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.stopped {
		return
	}
	if !s.started {
		s.paused = true
		return
	}
	s.flushLocked(false)
	s.pausedAt = s.now()
	s.paused = true
}

// Resume continues capture after Pause.
func (s *EncoderSession) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused || s.stopped {
		return
	}
	if s.started {
		s.pausedTotal += s.now().Sub(s.pausedAt)
	}
	s.paused = false
}

// Paused reports whether the session is paused.
func (s *EncoderSession) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Stop halts capture, flushes the remaining records as a final chunk and
// emits the stopped event. It blocks until the pumps have exited.
func (s *EncoderSession) Stop() {
	s.shutdown(nil)
	<-s.done
}

func (s *EncoderSession) fail(kind EncoderErrorKind, err error) {
	s.log.Error("encoder failed", zap.Stringer("kind", kind), zap.Error(err))
	go s.shutdown(&EncoderError{Kind: kind, Err: err})
}

func (s *EncoderSession) shutdown(failure *EncoderError) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.stopped = true
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.wg.Wait()

		s.mu.Lock()
		if s.paused && started {
			s.pausedTotal += s.now().Sub(s.pausedAt)
			s.paused = false
		}
		s.flushLocked(true)
		s.endOffset = s.offsetLocked()
		s.ended = true
		if failure != nil {
			s.enqueueLocked(EncoderEvent{Type: EncoderEventFailed, Err: failure})
		} else {
			s.enqueueLocked(EncoderEvent{Type: EncoderEventStopped})
		}
		s.mu.Unlock()

		if !started {
			go s.deliver()
		}
		errs := []error{s.venc.Close()}
		if s.aenc != nil {
			errs = append(errs, s.aenc.Close())
		}
		if err := errors.Join(errs...); err != nil {
			s.log.Warn("encoder close", zap.Error(err))
		}
		close(s.done)
		s.log.Debug("encoder stopped", zap.Bool("failed", failure != nil))
	})
}

// Stats returns encoder counters.
func (s *EncoderSession) Stats() EncoderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	if elapsed := s.offsetLocked() - s.startOffset; elapsed > 0 {
		st.BitrateBps = int(float64(st.Bytes*8) / elapsed.Seconds())
	}
	return st
}
