package studio

import (
	"context"
	"math"
	"time"
)

// PatternType defines the type of test pattern to generate.
type PatternType int

const (
	PatternColorBars  PatternType = iota // SMPTE color bars
	PatternSolidColor                    // Solid color
	PatternMovingBox                     // Moving box (animated)
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternSolidColor:
		return "SolidColor"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// TestPatternConfig configures a synthetic video track.
type TestPatternConfig struct {
	Width   int         // Frame width (default: 1280)
	Height  int         // Frame height (default: 720)
	FPS     int         // Frames per second (default: 30)
	Pattern PatternType // Pattern type (default: ColorBars)
	Label   string      // Track label

	// For SolidColor pattern
	SolidR, SolidG, SolidB uint8
}

// DefaultTestPatternConfig returns a default test pattern configuration.
func DefaultTestPatternConfig() TestPatternConfig {
	return TestPatternConfig{
		Width:   1280,
		Height:  720,
		FPS:     30,
		Pattern: PatternColorBars,
		Label:   "test-pattern",
	}
}

// StartTestPattern starts a generator goroutine and returns the track it
// feeds. The generator stops when the track is stopped or ctx is done; in
// the latter case the track ends as if the device disappeared.
func StartTestPattern(ctx context.Context, config TestPatternConfig) *LocalVideoTrack {
	if config.Width <= 0 {
		config.Width = 1280
	}
	if config.Height <= 0 {
		config.Height = 720
	}
	config.Width = (config.Width + 1) &^ 1
	config.Height = (config.Height + 1) &^ 1
	if config.FPS <= 0 {
		config.FPS = 30
	}
	if config.Label == "" {
		config.Label = "test-pattern"
	}

	ctx, cancel := context.WithCancel(ctx)
	track := NewLocalVideoTrack(config.Label, VideoTrackSettings{
		Width:     config.Width,
		Height:    config.Height,
		FrameRate: config.FPS,
		DeviceID:  config.Label,
	}, cancel)

	go generateTestPattern(ctx, track, config)
	return track
}

func generateTestPattern(ctx context.Context, track *LocalVideoTrack, config TestPatternConfig) {
	frameDuration := time.Second / time.Duration(config.FPS)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	start := time.Now()
	var frameNum uint64
	for {
		select {
		case <-ctx.Done():
			track.End()
			return
		case <-ticker.C:
			frameNum++
			// Readers share published frames, so every tick gets a fresh buffer.
			frame := NewI420Frame(config.Width, config.Height, 16, 128, 128)
			drawPattern(frame, config, frameNum)
			frame.Timestamp = time.Since(start).Nanoseconds()
			frame.Duration = frameDuration.Nanoseconds()
			track.WriteFrame(frame)
		}
	}
}

func drawPattern(frame *VideoFrame, config TestPatternConfig, frameNum uint64) {
	switch config.Pattern {
	case PatternSolidColor:
		y, u, v := rgbToYUV(config.SolidR, config.SolidG, config.SolidB)
		fill(frame.Data[0], y)
		fill(frame.Data[1], u)
		fill(frame.Data[2], v)
	case PatternMovingBox:
		drawMovingBox(frame, frameNum)
	default:
		drawColorBars(frame)
	}
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBarsRGB = [][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

func drawColorBars(frame *VideoFrame) {
	w, h := frame.Width, frame.Height
	barWidth := max(w/8, 1)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			barIdx := min(x/barWidth, 7)
			rgb := colorBarsRGB[barIdx]
			yVal, u, v := rgbToYUV(rgb[0], rgb[1], rgb[2])

			frame.Data[0][y*w+x] = yVal
			if x%2 == 0 && y%2 == 0 {
				uvIdx := (y/2)*(w/2) + (x / 2)
				frame.Data[1][uvIdx] = u
				frame.Data[2][uvIdx] = v
			}
		}
	}
}

func drawMovingBox(frame *VideoFrame, frameNum uint64) {
	w, h := frame.Width, frame.Height

	boxSize := max(min(w, h)/6, 2)
	radius := float64(min(w, h)) / 4
	angle := float64(frameNum) * 0.05
	boxX := w/2 + int(radius*math.Cos(angle)) - boxSize/2
	boxY := h/2 + int(radius*math.Sin(angle)) - boxSize/2

	for y := max(boxY, 0); y < boxY+boxSize && y < h; y++ {
		for x := max(boxX, 0); x < boxX+boxSize && x < w; x++ {
			frame.Data[0][y*w+x] = 235
		}
	}
}

// rgbToYUV converts RGB to YUV (BT.601)
func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	yf := 16.0 + 65.481*float64(r)/255.0 + 128.553*float64(g)/255.0 + 24.966*float64(b)/255.0
	uf := 128.0 - 37.797*float64(r)/255.0 - 74.203*float64(g)/255.0 + 112.0*float64(b)/255.0
	vf := 128.0 + 112.0*float64(r)/255.0 - 93.786*float64(g)/255.0 - 18.214*float64(b)/255.0

	y = uint8(clampf(yf, 16, 235))
	u = uint8(clampf(uf, 16, 240))
	v = uint8(clampf(vf, 16, 240))
	return
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
