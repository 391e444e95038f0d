package studio

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(id string) *RecordingSession {
	s := &RecordingSession{
		ID:            id,
		State:         StateFinalized,
		StartTime:     time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		TotalDuration: 3500 * time.Millisecond,
		Finalized:     true,
		Restarts:      1,
		Metadata: SessionMetadata{
			Layout:    LayoutCameraOnly,
			Sources:   []SourceKind{SourceKindCamera, SourceKindMicrophone},
			Width:     1280,
			Height:    720,
			Quality:   QualityHigh,
			FrameRate: 30,
			FileSize:  4,
			Format:    SuggestedFormat(VideoCodecRaw, AudioCodecPCMU),
		},
	}
	s.appendSegment(&Chunk{Start: 0, End: time.Second, Data: []byte{1, 2}, Packets: 1}, 1)
	s.appendSegment(&Chunk{Start: time.Second, End: 3500 * time.Millisecond, Data: []byte{3, 4}, Packets: 1, Final: true}, 2)
	s.Metadata.FileSize = 4
	s.Metadata.Annotations.Set(2, 1500*time.Millisecond)
	s.Metadata.Annotations.Set(1, 500*time.Millisecond)
	return s
}

func assertSameMetadata(t *testing.T, want, got *RecordingSession) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.State, got.State)
	assert.True(t, want.StartTime.Equal(got.StartTime))
	assert.Equal(t, want.TotalDuration, got.TotalDuration)
	assert.Equal(t, want.Metadata.Layout, got.Metadata.Layout)
	assert.Equal(t, want.Metadata.Sources, got.Metadata.Sources)
	assert.Equal(t, want.Metadata.Annotations, got.Metadata.Annotations)
	require.Len(t, got.Segments, len(want.Segments))
	for i := range want.Segments {
		assert.Equal(t, want.Segments[i].Start, got.Segments[i].Start)
		assert.Equal(t, want.Segments[i].Epoch, got.Segments[i].Epoch)
		assert.Nil(t, got.Segments[i].Data, "media is not persisted")
	}
}

func exerciseRegistry(t *testing.T, reg Registry) {
	ctx := context.Background()
	a := testSession("0b8c7c1e-aaaa-4a4a-8a8a-000000000001")
	b := testSession("0b8c7c1e-aaaa-4a4a-8a8a-000000000002")

	require.NoError(t, reg.Save(ctx, b))
	require.NoError(t, reg.Save(ctx, a))

	ids, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, ids)

	got, err := reg.Load(ctx, a.ID)
	require.NoError(t, err)
	assertSameMetadata(t, a, got)
	assert.NotNil(t, a.Segments[0].Data, "Save must not modify the caller's session")

	require.NoError(t, reg.Delete(ctx, a.ID))
	_, err = reg.Load(ctx, a.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, reg.Delete(ctx, a.ID), ErrSessionNotFound)
}

func TestMemoryRegistry(t *testing.T) {
	exerciseRegistry(t, NewMemoryRegistry())
}

func TestFileRegistry(t *testing.T) {
	reg, err := NewFileRegistry(t.TempDir())
	require.NoError(t, err)
	exerciseRegistry(t, reg)

	_, err = reg.Load(context.Background(), "../escape")
	assert.Error(t, err)
}

func TestRedisRegistry(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	reg := NewRedisRegistryWithClient(db, "test:", time.Hour)

	s := testSession("0b8c7c1e-aaaa-4a4a-8a8a-000000000003")
	data, err := json.Marshal(metadataOnly(s))
	require.NoError(t, err)

	mock.ExpectSet("test:session:"+s.ID, data, time.Hour).SetVal("OK")
	mock.ExpectSAdd("test:sessions", s.ID).SetVal(1)
	require.NoError(t, reg.Save(ctx, s))

	mock.ExpectGet("test:session:" + s.ID).SetVal(string(data))
	got, err := reg.Load(ctx, s.ID)
	require.NoError(t, err)
	assertSameMetadata(t, s, got)

	mock.ExpectGet("test:session:missing").RedisNil()
	_, err = reg.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	mock.ExpectSMembers("test:sessions").SetVal([]string{"b", "a"})
	ids, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	mock.ExpectDel("test:session:" + s.ID).SetVal(1)
	mock.ExpectSRem("test:sessions", s.ID).SetVal(1)
	require.NoError(t, reg.Delete(ctx, s.ID))

	mock.ExpectDel("test:session:gone").SetVal(0)
	mock.ExpectSRem("test:sessions", "gone").SetVal(0)
	assert.ErrorIs(t, reg.Delete(ctx, "gone"), ErrSessionNotFound)

	mock.ExpectGet("test:session:broken").SetErr(errors.New("connection refused"))
	_, err = reg.Load(ctx, "broken")
	assert.ErrorContains(t, err, "connection refused")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(RegistryConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryRegistry{}, reg)

	reg, err = NewRegistry(RegistryConfig{Kind: RegistryFile, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileRegistry{}, reg)

	_, err = NewRegistry(RegistryConfig{Kind: RegistryFile})
	assert.Error(t, err)

	_, err = NewRegistry(RegistryConfig{Kind: "etcd"})
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestAnnotations_Ordered(t *testing.T) {
	var a Annotations
	a.Set(3, 3*time.Second)
	a.Set(1, time.Second)
	a.Set(2, 2*time.Second)
	a.Set(1, 1500*time.Millisecond)

	assert.Equal(t, Annotations{
		{Index: 1, Offset: 1500 * time.Millisecond},
		{Index: 2, Offset: 2 * time.Second},
		{Index: 3, Offset: 3 * time.Second},
	}, a)
	off, ok := a.Get(2)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, off)
	_, ok = a.Get(9)
	assert.False(t, ok)
	assert.Len(t, a.Map(), 3)
}
