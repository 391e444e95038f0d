package studio

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// PerformanceMetrics describes compositor health.
type PerformanceMetrics struct {
	FPS               float64       `json:"fps" yaml:"fps"`
	DroppedFrames     uint64        `json:"droppedFrames" yaml:"droppedFrames"`
	AverageRenderTime time.Duration `json:"averageRenderTime" yaml:"averageRenderTime"`
	MemoryUsage       uint64        `json:"memoryUsage" yaml:"memoryUsage"` // Process RSS in bytes
	IsPerformanceGood bool          `json:"isPerformanceGood" yaml:"isPerformanceGood"`
}

// Minimum samples in the window before performance can be judged bad.
const minJudgedSamples = 10

type renderSample struct {
	at      time.Time
	render  time.Duration
	dropped bool
}

// renderMetrics tracks render timings over a trailing window of ticks.
type renderMetrics struct {
	mu sync.Mutex

	window    []renderSample
	next      int
	filled    bool
	dropped   uint64
	threshold float64
	good      bool

	memory       uint64
	memorySample time.Time
	proc         *process.Process
}

func newRenderMetrics(windowSize int, threshold float64) *renderMetrics {
	if windowSize < minJudgedSamples {
		windowSize = minJudgedSamples
	}
	m := &renderMetrics{
		window:    make([]renderSample, windowSize),
		threshold: threshold,
		good:      true,
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = p
	}
	return m
}

// Record adds one tick. It returns true when performance just turned bad.
func (m *renderMetrics) Record(at time.Time, render time.Duration, dropped bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.window[m.next] = renderSample{at: at, render: render, dropped: dropped}
	m.next = (m.next + 1) % len(m.window)
	if m.next == 0 {
		m.filled = true
	}
	if dropped {
		m.dropped++
	}

	wasGood := m.good
	m.good = m.judgeLocked()
	return wasGood && !m.good
}

// RecordMissed counts ticks the render loop never got to.
func (m *renderMetrics) RecordMissed(at time.Time, n int) bool {
	turned := false
	for i := 0; i < n; i++ {
		if m.Record(at, 0, true) {
			turned = true
		}
	}
	return turned
}

func (m *renderMetrics) samplesLocked() []renderSample {
	if m.filled {
		return m.window
	}
	return m.window[:m.next]
}

func (m *renderMetrics) judgeLocked() bool {
	samples := m.samplesLocked()
	if len(samples) < minJudgedSamples {
		return true
	}
	drops := 0
	for _, s := range samples {
		if s.dropped {
			drops++
		}
	}
	return float64(drops)/float64(len(samples)) <= m.threshold
}

// Snapshot returns the current metrics.
func (m *renderMetrics) Snapshot(now time.Time) PerformanceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total time.Duration
	var rendered, recent int
	for _, s := range m.samplesLocked() {
		if s.dropped && s.render == 0 {
			continue
		}
		total += s.render
		rendered++
		if !s.dropped && now.Sub(s.at) <= time.Second {
			recent++
		}
	}

	out := PerformanceMetrics{
		FPS:               float64(recent),
		DroppedFrames:     m.dropped,
		IsPerformanceGood: m.good,
		MemoryUsage:       m.memoryLocked(now),
	}
	if rendered > 0 {
		out.AverageRenderTime = total / time.Duration(rendered)
	}
	return out
}

// memoryLocked samples process RSS at most once per second.
func (m *renderMetrics) memoryLocked(now time.Time) uint64 {
	if m.proc == nil || now.Sub(m.memorySample) < time.Second {
		return m.memory
	}
	m.memorySample = now
	if info, err := m.proc.MemoryInfo(); err == nil {
		m.memory = info.RSS
	}
	return m.memory
}
