package studio

import (
	"image"
	"image/color"
	"testing"
)

func TestFrameFromImage_RGBA(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 5, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 5; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	frame := FrameFromImage(img)
	if frame.Width != 4 || frame.Height != 4 {
		t.Fatalf("size = %dx%d, want 4x4 (odd width truncated)", frame.Width, frame.Height)
	}
	wy, wu, wv := rgbToYUV(255, 0, 0)
	for i, v := range frame.Data[0] {
		if v != wy {
			t.Fatalf("Y[%d] = %d, want %d", i, v, wy)
		}
	}
	if frame.Data[1][0] != wu || frame.Data[2][3] != wv {
		t.Errorf("chroma = %d/%d, want %d/%d", frame.Data[1][0], frame.Data[2][3], wu, wv)
	}
}

func TestFrameFromImage_YCbCr(t *testing.T) {
	img := image.NewYCbCr(image.Rect(0, 0, 4, 2), image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = byte(i)
	}
	img.Cb[0], img.Cb[1] = 10, 11
	img.Cr[0], img.Cr[1] = 20, 21

	frame := FrameFromImage(img)
	for i := 0; i < 8; i++ {
		if frame.Data[0][i] != byte(i) {
			t.Fatalf("Y[%d] = %d, want %d", i, frame.Data[0][i], i)
		}
	}
	if frame.Data[1][1] != 11 || frame.Data[2][0] != 20 {
		t.Errorf("chroma not copied: Cb=%v Cr=%v", frame.Data[1], frame.Data[2])
	}
}

func TestFrameFromImage_Gray(t *testing.T) {
	img := image.NewGray(image.Rect(10, 10, 12, 12))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	frame := FrameFromImage(img)
	wy, _, _ := rgbToYUV(255, 255, 255)
	if frame.Width != 2 || frame.Data[0][3] != wy {
		t.Errorf("gray conversion: width=%d Y=%d want Y=%d", frame.Width, frame.Data[0][3], wy)
	}
}

func TestFrameFromImage_Empty(t *testing.T) {
	frame := FrameFromImage(image.NewRGBA(image.Rect(0, 0, 1, 1)))
	if frame.Width != 2 || frame.Height != 2 {
		t.Errorf("size = %dx%d, want 2x2 placeholder", frame.Width, frame.Height)
	}
}
