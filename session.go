package studio

import (
	"bytes"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"
)

// Quality is the recording quality preset.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// ParseQuality parses a quality preset name.
func ParseQuality(s string) (Quality, error) {
	switch q := Quality(strings.ToLower(s)); q {
	case QualityLow, QualityMedium, QualityHigh:
		return q, nil
	}
	return "", fmt.Errorf("unknown quality %q", s)
}

// Resolution returns the canvas size for the preset.
func (q Quality) Resolution() (int, int) {
	switch q {
	case QualityLow:
		return 640, 360
	case QualityMedium:
		return 960, 540
	default:
		return 1280, 720
	}
}

// Segment is one encoded chunk of a session. Data holds rtpdump records
// without the file header.
type Segment struct {
	Index   int           `json:"index" yaml:"index"`
	Start   time.Duration `json:"start" yaml:"start"`
	End     time.Duration `json:"end" yaml:"end"`
	Bytes   int           `json:"bytes" yaml:"bytes"`
	Packets int           `json:"packets" yaml:"packets"`
	Epoch   int           `json:"epoch" yaml:"epoch"` // Encoder generation, incremented per restart
	Final   bool          `json:"final,omitempty" yaml:"final,omitempty"`
	Data    []byte        `json:"-" yaml:"-"`
}

// Annotation marks a point of interest on the session timeline.
type Annotation struct {
	Index  int           `json:"index" yaml:"index"`
	Offset time.Duration `json:"offset" yaml:"offset"`
}

// Annotations is kept sorted by index.
type Annotations []Annotation

// Set records offset for index, replacing an earlier mark with the same index.
func (a *Annotations) Set(index int, offset time.Duration) {
	i := sort.Search(len(*a), func(i int) bool { return (*a)[i].Index >= index })
	if i < len(*a) && (*a)[i].Index == index {
		(*a)[i].Offset = offset
		return
	}
	*a = append(*a, Annotation{})
	copy((*a)[i+1:], (*a)[i:])
	(*a)[i] = Annotation{Index: index, Offset: offset}
}

// Get returns the offset recorded for index.
func (a Annotations) Get(index int) (time.Duration, bool) {
	i := sort.Search(len(a), func(i int) bool { return a[i].Index >= index })
	if i < len(a) && a[i].Index == index {
		return a[i].Offset, true
	}
	return 0, false
}

// Map returns the annotations keyed by index.
func (a Annotations) Map() map[int]time.Duration {
	m := make(map[int]time.Duration, len(a))
	for _, an := range a {
		m[an.Index] = an.Offset
	}
	return m
}

// SessionMetadata describes a recording.
type SessionMetadata struct {
	Layout      LayoutType   `json:"layout" yaml:"layout"`
	Sources     []SourceKind `json:"sources" yaml:"sources"`
	Width       int          `json:"width" yaml:"width"`
	Height      int          `json:"height" yaml:"height"`
	Quality     Quality      `json:"quality" yaml:"quality"`
	FrameRate   int          `json:"frameRate" yaml:"frameRate"`
	FileSize    int64        `json:"fileSize" yaml:"fileSize"`
	Format      string       `json:"format" yaml:"format"`
	Annotations Annotations  `json:"annotations,omitempty" yaml:"annotations,omitempty"`
}

// RecordingSession is the state of one recording. Segments are append-only;
// the session is immutable once Finalized is set.
type RecordingSession struct {
	ID            string          `json:"id" yaml:"id"`
	State         State           `json:"state" yaml:"state"`
	Error         string          `json:"error,omitempty" yaml:"error,omitempty"`
	StartTime     time.Time       `json:"startTime" yaml:"startTime"`
	TotalDuration time.Duration   `json:"totalDuration" yaml:"totalDuration"`
	Segments      []Segment       `json:"segments" yaml:"segments"`
	Restarts      int             `json:"restarts" yaml:"restarts"`
	Finalized     bool            `json:"finalized" yaml:"finalized"`
	Metadata      SessionMetadata `json:"metadata" yaml:"metadata"`
}

// Clone returns a deep copy. Segment data is shared; it is never modified
// after the segment is appended.
func (s *RecordingSession) Clone() *RecordingSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Segments = append([]Segment(nil), s.Segments...)
	c.Metadata.Sources = append([]SourceKind(nil), s.Metadata.Sources...)
	c.Metadata.Annotations = append(Annotations(nil), s.Metadata.Annotations...)
	return &c
}

// appendSegment adds chunk as the next segment.
func (s *RecordingSession) appendSegment(c *Chunk, epoch int) {
	s.Segments = append(s.Segments, Segment{
		Index:   len(s.Segments),
		Start:   c.Start,
		End:     c.End,
		Bytes:   len(c.Data),
		Packets: c.Packets,
		Epoch:   epoch,
		Final:   c.Final,
		Data:    c.Data,
	})
	s.Metadata.FileSize += int64(len(c.Data))
}

// Bytes returns the encoded size of all segments.
func (s *RecordingSession) Bytes() int64 {
	var n int64
	for _, seg := range s.Segments {
		n += int64(seg.Bytes)
	}
	return n
}

// Artifact assembles the segments into one rtpdump file.
func (s *RecordingSession) Artifact() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(64 + rtpdumpFileHdrSize + int(s.Bytes()))
	err := WriteRTPDumpHeader(&buf, RTPDumpHeader{Start: s.StartTime, Source: net.IPv4zero})
	if err != nil {
		return nil, err
	}
	for _, seg := range s.Segments {
		buf.Write(seg.Data)
	}
	return buf.Bytes(), nil
}

// RecordingStats is advisory telemetry.
type RecordingStats struct {
	Bitrate             int           `json:"bitrate" yaml:"bitrate"` // bits per second
	FileSize            int64         `json:"fileSize" yaml:"fileSize"`
	Quality             Quality       `json:"quality" yaml:"quality"`
	SegmentCount        int           `json:"segmentCount" yaml:"segmentCount"`
	Duration            time.Duration `json:"duration" yaml:"duration"`
	Restarts            int           `json:"restarts" yaml:"restarts"`
	PerformanceWarnings int           `json:"performanceWarnings" yaml:"performanceWarnings"`
}
