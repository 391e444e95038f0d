package studio

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordingSession_Artifact(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := &RecordingSession{ID: "s1", StartTime: start}

	var first, second []byte
	first = appendRTPDumpRecord(first, 0, []byte{0x80, 0, 0, 1})
	first = appendRTPDumpRecord(first, 40*time.Millisecond, []byte{0x80, 0, 0, 2})
	second = appendRTPDumpRecord(second, 1200*time.Millisecond, []byte{0x80, 0, 0, 3})
	s.appendSegment(&Chunk{Start: 0, End: time.Second, Data: first, Packets: 2}, 1)
	s.appendSegment(&Chunk{Start: time.Second, End: 1300 * time.Millisecond, Data: second, Packets: 1, Final: true}, 2)

	assert.Equal(t, int64(len(first)+len(second)), s.Bytes())
	assert.Equal(t, s.Bytes(), s.Metadata.FileSize)
	assert.Equal(t, 1, s.Segments[1].Index)
	assert.Equal(t, 2, s.Segments[1].Epoch)
	assert.True(t, s.Segments[1].Final)

	artifact, err := s.Artifact()
	require.NoError(t, err)
	hdr, pkts, err := ReadRTPDump(bytes.NewReader(artifact))
	require.NoError(t, err)
	assert.Equal(t, start.Unix(), hdr.Start.Unix())
	require.Len(t, pkts, 3)
	for i, p := range pkts {
		assert.Equal(t, byte(i+1), p.Data[3])
	}
	assert.Equal(t, 1200*time.Millisecond, pkts[2].Offset)
}

func TestRecordingSession_Clone(t *testing.T) {
	s := testSession("clone")
	c := s.Clone()

	c.Segments[0].End = time.Hour
	c.Metadata.Sources[0] = SourceKindScreen
	c.Metadata.Annotations.Set(1, time.Hour)

	assert.Equal(t, time.Second, s.Segments[0].End)
	assert.Equal(t, SourceKindCamera, s.Metadata.Sources[0])
	off, _ := s.Metadata.Annotations.Get(1)
	assert.Equal(t, 500*time.Millisecond, off)

	var nilSession *RecordingSession
	assert.Nil(t, nilSession.Clone())
}

func TestQuality(t *testing.T) {
	q, err := ParseQuality("Medium")
	require.NoError(t, err)
	assert.Equal(t, QualityMedium, q)
	w, h := q.Resolution()
	assert.Equal(t, 960, w)
	assert.Equal(t, 540, h)

	w, h = QualityLow.Resolution()
	assert.Equal(t, [2]int{640, 360}, [2]int{w, h})

	_, err = ParseQuality("ultra")
	assert.Error(t, err)
}
