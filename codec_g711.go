package studio

import (
	"fmt"

	"github.com/zaf/g711"
)

type g711Encoder struct {
	codec  AudioCodec
	config AudioEncoderConfig
	encode func(int16) uint8

	// Resampler state carried across calls.
	pos  float64
	last int16
}

func newG711Encoder(config AudioEncoderConfig) (AudioEncoder, error) {
	if config.SampleRate < 8000 {
		return nil, fmt.Errorf("g711: sample rate %d: %w", config.SampleRate, ErrConstraintsUnsatisfiable)
	}
	e := &g711Encoder{codec: config.Codec, config: config}
	switch config.Codec {
	case AudioCodecPCMU:
		e.encode = g711.EncodeUlawFrame
	case AudioCodecPCMA:
		e.encode = g711.EncodeAlawFrame
	default:
		return nil, fmt.Errorf("g711: %w: %s", ErrCodecNotSupported, config.Codec)
	}
	return e, nil
}

func (e *g711Encoder) Codec() AudioCodec { return e.codec }

// Encode downmixes to mono, resamples to 8 kHz and compands each sample.
func (e *g711Encoder) Encode(samples *AudioSamples) (*EncodedFrame, error) {
	if samples == nil || len(samples.Data) == 0 {
		return nil, nil
	}
	rate := samples.SampleRate
	if rate == 0 {
		rate = e.config.SampleRate
	}
	if rate < 8000 {
		return nil, fmt.Errorf("g711: sample rate %d: %w", rate, ErrConstraintsUnsatisfiable)
	}
	mono := adaptChannels(samples.Data, samples.Channels, 1)

	step := float64(rate) / 8000
	out := make([]byte, 0, int(float64(len(mono))/step)+1)
	for e.pos < float64(len(mono)) {
		i := int(e.pos)
		frac := e.pos - float64(i)
		prev := e.last
		if i > 0 {
			prev = mono[i-1]
		}
		// One sample of delay keeps interpolation within the current block.
		v := float64(prev) + (float64(mono[i])-float64(prev))*frac
		out = append(out, e.encode(int16(v)))
		e.pos += step
	}
	e.pos -= float64(len(mono))
	e.last = mono[len(mono)-1]

	return &EncodedFrame{Data: out, Key: true}, nil
}

func (e *g711Encoder) Close() error { return nil }

// DecodeG711 expands companded samples back to 8 kHz mono PCM.
func DecodeG711(codec AudioCodec, data []byte) ([]int16, error) {
	var decode func(uint8) int16
	switch codec {
	case AudioCodecPCMU:
		decode = g711.DecodeUlawFrame
	case AudioCodecPCMA:
		decode = g711.DecodeAlawFrame
	default:
		return nil, fmt.Errorf("g711: %w: %s", ErrCodecNotSupported, codec)
	}
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = decode(b)
	}
	return out, nil
}

func init() {
	registerAudioEncoder(AudioCodecPCMU, newG711Encoder)
	registerAudioEncoder(AudioCodecPCMA, newG711Encoder)
}
