package studio

import (
	"errors"
	"testing"
)

func TestVideoCodec_Properties(t *testing.T) {
	tests := []struct {
		codec VideoCodec
		name  string
		mime  string
	}{
		{VideoCodecRaw, "raw", "video/raw"},
		{VideoCodecUnknown, "unknown", ""},
		{VideoCodec(99), "unknown", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.codec.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := tt.codec.MimeType(); got != tt.mime {
				t.Errorf("MimeType() = %q, want %q", got, tt.mime)
			}
			if got := tt.codec.ClockRate(); got != 90000 {
				t.Errorf("ClockRate() = %d, want 90000", got)
			}
		})
	}
}

func TestAudioCodec_Properties(t *testing.T) {
	tests := []struct {
		codec AudioCodec
		name  string
		mime  string
		pt    uint8
	}{
		{AudioCodecPCMU, "PCMU", "audio/PCMU", 0},
		{AudioCodecPCMA, "PCMA", "audio/PCMA", 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.codec.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			capability := tt.codec.Capability()
			if capability.MimeType != tt.mime || capability.ClockRate != 8000 || capability.Channels != 1 {
				t.Errorf("Capability() = %+v", capability)
			}
			if got := tt.codec.DefaultPayloadType(); got != tt.pt {
				t.Errorf("DefaultPayloadType() = %d, want %d", got, tt.pt)
			}
		})
	}
}

func TestParseCodecs(t *testing.T) {
	if c, err := ParseVideoCodec("RAW"); err != nil || c != VideoCodecRaw {
		t.Errorf("ParseVideoCodec(RAW) = %v, %v", c, err)
	}
	if _, err := ParseVideoCodec("h265"); !errors.Is(err, ErrCodecNotSupported) {
		t.Errorf("ParseVideoCodec(h265) error = %v", err)
	}
	if c, err := ParseAudioCodec("audio/PCMA"); err != nil || c != AudioCodecPCMA {
		t.Errorf("ParseAudioCodec(audio/PCMA) = %v, %v", c, err)
	}
	if c, err := ParseAudioCodec("ulaw"); err != nil || c != AudioCodecPCMU {
		t.Errorf("ParseAudioCodec(ulaw) = %v, %v", c, err)
	}
}

func TestRegisteredCodecs(t *testing.T) {
	if v := VideoCodecs(); len(v) != 1 || v[0] != VideoCodecRaw {
		t.Errorf("VideoCodecs() = %v", v)
	}
	if a := AudioCodecs(); len(a) != 2 || a[0] != AudioCodecPCMU || a[1] != AudioCodecPCMA {
		t.Errorf("AudioCodecs() = %v", a)
	}
	if _, err := NewVideoEncoder(VideoEncoderConfig{Codec: VideoCodecUnknown}); !errors.Is(err, ErrCodecNotSupported) {
		t.Errorf("NewVideoEncoder(unknown) error = %v", err)
	}
}

func TestRawVideoEncoder_RoundTrip(t *testing.T) {
	enc, err := NewVideoEncoder(VideoEncoderConfig{Codec: VideoCodecRaw, Width: 64, Height: 36, FPS: 30})
	if err != nil {
		t.Fatalf("NewVideoEncoder: %v", err)
	}
	defer enc.Close()

	src := createGradientFrame(128, 72)
	out, err := enc.Encode(src)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !out.Key {
		t.Error("raw frames are always key frames")
	}
	if want := rawHeaderSize + I420Size(64, 36); len(out.Data) != want {
		t.Fatalf("encoded size = %d, want %d", len(out.Data), want)
	}

	frame, err := DecodeRawFrame(out.Data)
	if err != nil {
		t.Fatalf("DecodeRawFrame: %v", err)
	}
	if frame.Width != 64 || frame.Height != 36 {
		t.Fatalf("decoded size = %dx%d", frame.Width, frame.Height)
	}
	if frame.Data[0][0] >= frame.Data[0][63] {
		t.Error("horizontal gradient lost")
	}

	if _, err := DecodeRawFrame(out.Data[:20]); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("truncated frame error = %v", err)
	}
}

func TestRawVideoEncoder_RejectsBadInput(t *testing.T) {
	enc, _ := NewVideoEncoder(VideoEncoderConfig{Codec: VideoCodecRaw, Width: 64, Height: 36})
	if _, err := enc.Encode(&VideoFrame{Format: PixelFormatRGBA32}); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("Encode(RGBA) error = %v", err)
	}
	if _, err := NewVideoEncoder(VideoEncoderConfig{Codec: VideoCodecRaw}); err == nil {
		t.Error("zero size accepted")
	}
}

func TestG711Encoder(t *testing.T) {
	enc, err := NewAudioEncoder(AudioEncoderConfig{Codec: AudioCodecPCMU, SampleRate: 48000, Channels: 2})
	if err != nil {
		t.Fatalf("NewAudioEncoder: %v", err)
	}

	// 20 ms of stereo DC at 48 kHz becomes 160 μ-law bytes.
	samples := &AudioSamples{Data: make([]int16, 960*2), SampleRate: 48000, Channels: 2, SampleCount: 960}
	for i := range samples.Data {
		samples.Data[i] = 4000
	}
	for i := 0; i < 3; i++ {
		out, err := enc.Encode(samples)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if len(out.Data) != 160 {
			t.Fatalf("frame %d: %d bytes, want 160", i, len(out.Data))
		}
		pcm, err := DecodeG711(AudioCodecPCMU, out.Data)
		if err != nil {
			t.Fatalf("DecodeG711: %v", err)
		}
		if v := pcm[len(pcm)-1]; v < 3800 || v > 4200 {
			t.Errorf("frame %d: decoded %d, want ~4000", i, v)
		}
	}

	if _, err := NewAudioEncoder(AudioEncoderConfig{Codec: AudioCodecPCMA, SampleRate: 4000}); !errors.Is(err, ErrConstraintsUnsatisfiable) {
		t.Errorf("low rate error = %v", err)
	}
	if _, err := DecodeG711(AudioCodecUnknown, nil); !errors.Is(err, ErrCodecNotSupported) {
		t.Errorf("DecodeG711(unknown) error = %v", err)
	}
}
