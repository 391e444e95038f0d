package studio

import (
	"encoding/binary"
	"fmt"
)

// rawHeaderSize is the fixed prefix of every raw video frame:
// width u16, height u16, pixel format u8, flags u8, two reserved bytes.
const rawHeaderSize = 8

const rawFlagKey = 0x01

type rawVideoEncoder struct {
	config VideoEncoderConfig
	scaler *VideoScaler
	buf    []byte
}

func newRawVideoEncoder(config VideoEncoderConfig) (VideoEncoder, error) {
	if config.Width <= 0 || config.Height <= 0 || config.Width > 0xFFFF || config.Height > 0xFFFF {
		return nil, fmt.Errorf("raw encoder: invalid size %dx%d", config.Width, config.Height)
	}
	config.Width &^= 1
	config.Height &^= 1
	return &rawVideoEncoder{
		config: config,
		scaler: NewVideoScaler(config.Width, config.Height, ScaleModeFit),
	}, nil
}

func (e *rawVideoEncoder) Codec() VideoCodec { return VideoCodecRaw }

// Encode packs the frame's planes without stride padding. Every raw frame
// is independently decodable.
func (e *rawVideoEncoder) Encode(frame *VideoFrame) (*EncodedFrame, error) {
	if frame == nil || frame.Format != PixelFormatI420 || len(frame.Data) < 3 {
		return nil, fmt.Errorf("raw encoder: %w", ErrInvalidFrame)
	}
	f := e.scaler.Scale(frame)
	w, h := f.Width, f.Height
	size := rawHeaderSize + I420Size(w, h)
	if cap(e.buf) < size {
		e.buf = make([]byte, size)
	}
	out := e.buf[:size]

	binary.BigEndian.PutUint16(out[0:], uint16(w))
	binary.BigEndian.PutUint16(out[2:], uint16(h))
	out[4] = byte(f.Format)
	out[5] = rawFlagKey
	out[6], out[7] = 0, 0

	off := rawHeaderSize
	for plane := 0; plane < 3; plane++ {
		pw, ph := w, h
		if plane > 0 {
			pw, ph = w/2, h/2
		}
		stride := f.Stride[plane]
		for row := 0; row < ph; row++ {
			copy(out[off:off+pw], f.Data[plane][row*stride:row*stride+pw])
			off += pw
		}
	}

	data := make([]byte, size)
	copy(data, out)
	return &EncodedFrame{Data: data, Key: true}, nil
}

func (e *rawVideoEncoder) Close() error { return nil }

// DecodeRawFrame unpacks a frame produced by the raw video encoder.
func DecodeRawFrame(data []byte) (*VideoFrame, error) {
	if len(data) < rawHeaderSize {
		return nil, fmt.Errorf("raw frame: %w", ErrBufferTooSmall)
	}
	w := int(binary.BigEndian.Uint16(data[0:]))
	h := int(binary.BigEndian.Uint16(data[2:]))
	if PixelFormat(data[4]) != PixelFormatI420 {
		return nil, fmt.Errorf("raw frame: pixel format %d: %w", data[4], ErrInvalidFrame)
	}
	if len(data) < rawHeaderSize+I420Size(w, h) {
		return nil, fmt.Errorf("raw frame %dx%d: %w", w, h, ErrBufferTooSmall)
	}
	frame := NewI420Frame(w, h, 0, 0, 0)
	off := rawHeaderSize
	for plane := 0; plane < 3; plane++ {
		n := len(frame.Data[plane])
		copy(frame.Data[plane], data[off:off+n])
		off += n
	}
	return frame, nil
}

func init() {
	registerVideoEncoder(VideoCodecRaw, newRawVideoEncoder)
}
