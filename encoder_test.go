package studio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drainEvents reads events until the channel closes.
func drainEvents(t *testing.T, s *EncoderSession) []EncoderEvent {
	t.Helper()
	var out []EncoderEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("encoder events did not close")
			return out
		}
	}
}

// feedVideo writes solid frames until ctx is done.
func feedVideo(ctx context.Context, track *LocalVideoTrack, w, h int, y byte) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			track.WriteFrame(NewI420Frame(w, h, y, 128, 128))
		}
	}
}

func testEncoderConfig() EncoderConfig {
	cfg := DefaultEncoderConfig()
	cfg.Width, cfg.Height = 32, 18
	cfg.ChunkInterval = 50 * time.Millisecond
	return cfg
}

func TestEncoderSession_ChunksAndStop(t *testing.T) {
	video := NewLocalVideoTrack("video", VideoTrackSettings{Width: 64, Height: 36}, nil)
	audio := NewLocalAudioTrack("audio", AudioTrackSettings{SampleRate: 48000, ChannelCount: 2}, nil)

	s, err := NewEncoderSession(testEncoderConfig(), video, audio, 3*time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrInvalidState)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feedVideo(ctx, video, 64, 36, 77)
	go func() {
		for ctx.Err() == nil {
			audio.WriteSamples(constSamples(2, 960, 1000))
			time.Sleep(20 * time.Millisecond)
		}
	}()

	first := <-s.Events()
	require.Equal(t, EncoderEventChunk, first.Type, "first frame is flushed eagerly")
	assert.GreaterOrEqual(t, first.Chunk.Start, 3*time.Second)

	time.Sleep(200 * time.Millisecond)
	var events []EncoderEvent
	go func() {
		s.Stop()
		cancel()
	}()
	events = append([]EncoderEvent{first}, drainEvents(t, s)...)
	<-s.Done()

	last := events[len(events)-1]
	assert.Equal(t, EncoderEventStopped, last.Type)

	var (
		prevEnd     time.Duration
		videoFrames int
		audioPkts   int
		depack      = NewDepacketizer(true)
	)
	for i, ev := range events[:len(events)-1] {
		require.Equal(t, EncoderEventChunk, ev.Type, "event %d", i)
		assert.GreaterOrEqual(t, ev.Chunk.Start, prevEnd, "chunk %d overlaps previous", i)
		prevEnd = ev.Chunk.End

		records, err := ParseRTPDumpRecords(ev.Chunk.Data)
		require.NoError(t, err)
		assert.Len(t, records, ev.Chunk.Packets)
		for _, rec := range records {
			var pkt rtp.Packet
			require.NoError(t, pkt.Unmarshal(rec.Data))
			switch pkt.PayloadType {
			case VideoCodecRaw.DefaultPayloadType():
				if f := depack.Push(&pkt); f != nil {
					frame, err := DecodeRawFrame(f.Data)
					require.NoError(t, err)
					assert.Equal(t, 32, frame.Width)
					assert.Equal(t, byte(77), frame.Data[0][0])
					videoFrames++
				}
			case AudioCodecPCMU.DefaultPayloadType():
				audioPkts++
			}
		}
	}
	assert.Positive(t, videoFrames)
	assert.Positive(t, audioPkts)

	stats := s.Stats()
	assert.EqualValues(t, videoFrames, stats.VideoFrames)
	assert.Positive(t, stats.Bytes)
}

func TestEncoderSession_PauseExcludesTime(t *testing.T) {
	clock := newFakeClock()
	video := NewLocalVideoTrack("video", VideoTrackSettings{}, nil)
	s, err := NewEncoderSession(testEncoderConfig(), video, nil, time.Second, WithEncoderClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	go drainEvents(t, s)

	clock.Advance(2 * time.Second)
	assert.Equal(t, 3*time.Second, s.Offset())

	s.Pause()
	assert.True(t, s.Paused())
	clock.Advance(10 * time.Second)
	assert.Equal(t, 3*time.Second, s.Offset())

	s.Resume()
	clock.Advance(time.Second)
	assert.Equal(t, 4*time.Second, s.Offset())
}

func TestEncoderSession_RequestFinalChunk(t *testing.T) {
	video := NewLocalVideoTrack("video", VideoTrackSettings{}, nil)
	cfg := testEncoderConfig()
	cfg.ChunkInterval = time.Hour
	s, err := NewEncoderSession(cfg, video, nil, 0)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	video.WriteFrame(NewI420Frame(32, 18, 1, 128, 128))
	first := <-s.Events()
	require.Equal(t, EncoderEventChunk, first.Type)
	assert.False(t, first.Chunk.Final)

	// Wait until the second frame is buffered before flushing it.
	video.WriteFrame(NewI420Frame(32, 18, 2, 128, 128))
	require.Eventually(t, func() bool { return s.Stats().VideoFrames == 2 }, time.Second, 5*time.Millisecond)
	s.RequestFinalChunk()
	final := <-s.Events()
	require.Equal(t, EncoderEventChunk, final.Type)
	assert.True(t, final.Chunk.Final)

	go s.Stop()
	rest := drainEvents(t, s)
	require.Len(t, rest, 1, "nothing buffered after the final chunk")
	assert.Equal(t, EncoderEventStopped, rest[0].Type)
}

type failingVideoEncoder struct{}

func (failingVideoEncoder) Encode(*VideoFrame) (*EncodedFrame, error) {
	return nil, errors.New("device lost")
}
func (failingVideoEncoder) Codec() VideoCodec { return VideoCodecRaw }
func (failingVideoEncoder) Close() error      { return nil }

func TestEncoderSession_EncodeFailure(t *testing.T) {
	video := NewLocalVideoTrack("video", VideoTrackSettings{}, nil)
	s, err := NewEncoderSession(testEncoderConfig(), video, nil, 0, withVideoEncoder(failingVideoEncoder{}))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	video.WriteFrame(NewI420Frame(32, 18, 1, 128, 128))
	events := drainEvents(t, s)
	require.Len(t, events, 1)
	require.Equal(t, EncoderEventFailed, events[0].Type)
	assert.Equal(t, EncoderTransient, events[0].Err.Kind)
	assert.Equal(t, ClassRetry, Classify(events[0].Err))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session not done after failure")
	}
}

func TestEncoderSession_Construction(t *testing.T) {
	_, err := NewEncoderSession(testEncoderConfig(), nil, nil, 0)
	var ee *EncoderError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, EncoderFatal, ee.Kind)

	cfg := testEncoderConfig()
	cfg.VideoCodec = VideoCodecUnknown
	_, err = NewEncoderSession(cfg, NewLocalVideoTrack("v", VideoTrackSettings{}, nil), nil, 0)
	assert.ErrorIs(t, err, ErrCodecNotSupported)

	// Stop before Start still closes the event stream.
	s, err := NewEncoderSession(testEncoderConfig(), NewLocalVideoTrack("v", VideoTrackSettings{}, nil), nil, 0)
	require.NoError(t, err)
	go s.Stop()
	events := drainEvents(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, EncoderEventStopped, events[0].Type)
}

func TestEncoderSession_OffsetFrozenAfterStop(t *testing.T) {
	clock := newFakeClock()
	video := NewLocalVideoTrack("video", VideoTrackSettings{}, nil)
	s, err := NewEncoderSession(testEncoderConfig(), video, nil, 500*time.Millisecond, WithEncoderClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	go drainEvents(t, s)

	clock.Advance(time.Second)
	s.Pause()
	clock.Advance(time.Second)
	s.Stop()
	assert.Equal(t, 1500*time.Millisecond, s.Offset(), "paused time excluded at stop")

	clock.Advance(time.Minute)
	assert.Equal(t, 1500*time.Millisecond, s.Offset())
}

func TestEncoderSession_StartPaused(t *testing.T) {
	clock := newFakeClock()
	video := NewLocalVideoTrack("video", VideoTrackSettings{}, nil)
	s, err := NewEncoderSession(testEncoderConfig(), video, nil, 2*time.Second, WithEncoderClock(clock.Now))
	require.NoError(t, err)

	s.Pause()
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	go drainEvents(t, s)

	assert.True(t, s.Paused())
	clock.Advance(5 * time.Second)
	assert.Equal(t, 2*time.Second, s.Offset())

	s.Resume()
	clock.Advance(time.Second)
	assert.Equal(t, 3*time.Second, s.Offset())
}
