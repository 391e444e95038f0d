package studio

import (
	"image"
	"image/color"
)

// FrameFromImage converts a decoded image into an I420 frame. 4:2:0 YCbCr
// images are copied plane by plane; everything else goes through RGB.
func FrameFromImage(img image.Image) *VideoFrame {
	b := img.Bounds()
	w, h := b.Dx()&^1, b.Dy()&^1
	if w <= 0 || h <= 0 {
		return NewI420Frame(2, 2, 16, 128, 128)
	}
	frame := NewI420Frame(w, h, 0, 0, 0)

	switch src := img.(type) {
	case *image.YCbCr:
		if src.SubsampleRatio == image.YCbCrSubsampleRatio420 {
			copyYCbCr420(frame, src)
			return frame
		}
	case *image.RGBA:
		rgbaToI420(frame, src.Pix, src.Stride)
		return frame
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			yy, u, v := rgbToYUV(c.R, c.G, c.B)
			frame.Data[0][y*w+x] = yy
			if x%2 == 0 && y%2 == 0 {
				i := (y/2)*(w/2) + x/2
				frame.Data[1][i] = u
				frame.Data[2][i] = v
			}
		}
	}
	return frame
}

func copyYCbCr420(frame *VideoFrame, src *image.YCbCr) {
	w, h := frame.Width, frame.Height
	b := src.Rect
	for y := 0; y < h; y++ {
		off := src.YOffset(b.Min.X, b.Min.Y+y)
		copy(frame.Data[0][y*w:(y+1)*w], src.Y[off:off+w])
	}
	for y := 0; y < h/2; y++ {
		off := src.COffset(b.Min.X, b.Min.Y+2*y)
		copy(frame.Data[1][y*w/2:(y+1)*w/2], src.Cb[off:off+w/2])
		copy(frame.Data[2][y*w/2:(y+1)*w/2], src.Cr[off:off+w/2])
	}
}

// rgbaToI420 reads pix from the image origin; image.RGBA.Pix starts at Rect.Min.
func rgbaToI420(frame *VideoFrame, pix []byte, stride int) {
	w, h := frame.Width, frame.Height
	for y := 0; y < h; y++ {
		row := pix[y*stride:]
		for x := 0; x < w; x++ {
			p := row[x*4:]
			yy, u, v := rgbToYUV(p[0], p[1], p[2])
			frame.Data[0][y*w+x] = yy
			if x%2 == 0 && y%2 == 0 {
				i := (y/2)*(w/2) + x/2
				frame.Data[1][i] = u
				frame.Data[2][i] = v
			}
		}
	}
}
