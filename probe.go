package studio

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
)

// Capabilities is the result of Probe.
type Capabilities struct {
	CanComposite    bool          `json:"canComposite" yaml:"canComposite"`
	CanEncode       bool          `json:"canEncode" yaml:"canEncode"`
	SuggestedFormat string        `json:"suggestedFormat" yaml:"suggestedFormat"`
	Warnings        []string      `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Backend         string        `json:"backend" yaml:"backend"`
	VideoCodecs     []string      `json:"videoCodecs" yaml:"videoCodecs"`
	AudioCodecs     []string      `json:"audioCodecs" yaml:"audioCodecs"`
	CPUs            int           `json:"cpus" yaml:"cpus"`
	TrialRenderTime time.Duration `json:"trialRenderTime" yaml:"trialRenderTime"`
}

// ProbeConfig selects what Probe checks against.
type ProbeConfig struct {
	Compositor         CompositorConfig
	Encoder            EncoderConfig
	DisableCompositing bool
	TrialFrames        int
}

// RTPDumpMimeType is the container MIME type of recordings.
const RTPDumpMimeType = "application/x-rtpdump"

// SuggestedFormat builds the recording MIME type with codec parameters.
func SuggestedFormat(video VideoCodec, audio AudioCodec) string {
	return fmt.Sprintf(`%s; codecs="%s,%s"`, RTPDumpMimeType, video.Capability().MimeType, audio.Capability().MimeType)
}

// Probe checks codec availability, the blend backend and rendering speed.
func Probe(ctx context.Context, config ProbeConfig, log *zap.Logger) Capabilities {
	log = loggerOrNop(log).With(zap.String("component", "probe"))
	if config.TrialFrames <= 0 {
		config.TrialFrames = 10
	}
	comp := config.Compositor
	if comp.Width <= 0 || comp.Height <= 0 || comp.FPS <= 0 {
		def := DefaultCompositorConfig()
		comp.Width, comp.Height, comp.FPS = def.Width, def.Height, def.FPS
	}

	caps := Capabilities{CanComposite: true}
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		caps.Warnings = append(caps.Warnings, msg)
		log.Warn(msg)
	}

	// Codecs
	videoCodecs, audioCodecs := VideoCodecs(), AudioCodecs()
	for _, c := range videoCodecs {
		caps.VideoCodecs = append(caps.VideoCodecs, c.MimeType())
	}
	for _, c := range audioCodecs {
		caps.AudioCodecs = append(caps.AudioCodecs, c.MimeType())
	}
	hasVideo := slices.Contains(videoCodecs, config.Encoder.VideoCodec)
	hasAudio := slices.Contains(audioCodecs, config.Encoder.AudioCodec)
	caps.CanEncode = hasVideo && hasAudio
	if caps.CanEncode {
		caps.SuggestedFormat = SuggestedFormat(config.Encoder.VideoCodec, config.Encoder.AudioCodec)
	} else {
		if !hasVideo {
			warn("video codec %s is not available", config.Encoder.VideoCodec)
		}
		if !hasAudio {
			warn("audio codec %s is not available", config.Encoder.AudioCodec)
		}
	}

	// Blend backend
	b, err := newBlender(comp.Backend, comp.Width, comp.Height)
	if err != nil {
		warn("compositor backend %s unavailable: %v", comp.Backend, err)
		b = newSoftwareBlender(comp.Width, comp.Height)
	}
	defer b.Close()
	caps.Backend = b.Name()
	if caps.Backend == BackendSoftware && comp.Backend != BackendSoftware {
		warn("native compositor not found, using software blending")
	}

	// CPU
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		caps.CPUs = n
		if n < 2 {
			warn("only %d logical CPU, compositing may drop frames", n)
		}
	}

	// Trial render of a two-source layout against the frame budget.
	caps.TrialRenderTime = trialRender(ctx, b, comp, config.TrialFrames)
	budget := time.Second / time.Duration(comp.FPS)
	if caps.TrialRenderTime > budget {
		caps.CanComposite = false
		warn("trial render took %s per frame, budget is %s", caps.TrialRenderTime.Round(time.Microsecond), budget)
	}

	if config.DisableCompositing {
		caps.CanComposite = false
		warn("compositing disabled by configuration")
	}

	log.Info("probe complete",
		zap.Bool("canComposite", caps.CanComposite),
		zap.Bool("canEncode", caps.CanEncode),
		zap.String("backend", caps.Backend),
		zap.Duration("trialRender", caps.TrialRenderTime))
	return caps
}

func trialRender(ctx context.Context, b blender, comp CompositorConfig, frames int) time.Duration {
	layout := ComputeLayout(LayoutPictureInPicture,
		[]SourceKind{SourceKindScreen, SourceKindCamera}, comp.Width, comp.Height)
	screen := createTrialFrame(comp.Width, comp.Height)
	camera := createTrialFrame(640, 360)

	var total time.Duration
	n := 0
	for ; n < frames && ctx.Err() == nil; n++ {
		start := time.Now()
		b.Clear(comp.Background[0], comp.Background[1], comp.Background[2])
		for _, kind := range layout.Sources() {
			p := layout.Placements[kind]
			src := screen
			if kind == SourceKindCamera {
				src = camera
			}
			b.Blend(src, p.Rect, p.Opacity)
		}
		b.Result()
		total += time.Since(start)
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

func createTrialFrame(w, h int) *VideoFrame {
	f := NewI420Frame(w, h, 0, 128, 128)
	drawColorBars(f)
	return f
}
