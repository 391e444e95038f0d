package studio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testProbeConfig() ProbeConfig {
	comp := DefaultCompositorConfig()
	comp.Width, comp.Height = 160, 90
	comp.Backend = BackendSoftware
	return ProbeConfig{Compositor: comp, Encoder: DefaultEncoderConfig(), TrialFrames: 2}
}

func TestProbe_Defaults(t *testing.T) {
	caps := Probe(context.Background(), testProbeConfig(), nil)

	assert.True(t, caps.CanEncode)
	assert.True(t, caps.CanComposite, "a 160x90 software blend fits the frame budget: %v", caps.Warnings)
	assert.Equal(t, BackendSoftware, caps.Backend)
	assert.Equal(t, `application/x-rtpdump; codecs="video/raw,audio/PCMU"`, caps.SuggestedFormat)
	assert.Equal(t, []string{"video/raw"}, caps.VideoCodecs)
	assert.Equal(t, []string{"audio/PCMU", "audio/PCMA"}, caps.AudioCodecs)
	assert.Positive(t, caps.TrialRenderTime)
}

func TestProbe_DisableCompositing(t *testing.T) {
	cfg := testProbeConfig()
	cfg.DisableCompositing = true
	caps := Probe(context.Background(), cfg, nil)

	assert.False(t, caps.CanComposite)
	assert.True(t, caps.CanEncode)
	assert.Contains(t, caps.Warnings, "compositing disabled by configuration")
}

func TestProbe_MissingCodec(t *testing.T) {
	cfg := testProbeConfig()
	cfg.Encoder.AudioCodec = AudioCodecUnknown
	caps := Probe(context.Background(), cfg, nil)

	assert.False(t, caps.CanEncode)
	assert.Empty(t, caps.SuggestedFormat)
	assert.NotEmpty(t, caps.Warnings)
}

func TestSuggestedFormat(t *testing.T) {
	assert.Equal(t, `application/x-rtpdump; codecs="video/raw,audio/PCMA"`,
		SuggestedFormat(VideoCodecRaw, AudioCodecPCMA))
}
