package studio

// ScaleMode defines how scaling should handle aspect ratio mismatches.
type ScaleMode int

const (
	// ScaleModeFit scales to fit within target dimensions, preserving aspect ratio (letterboxed).
	ScaleModeFit ScaleMode = iota
	// ScaleModeFill scales to fill target dimensions, preserving aspect ratio (may crop).
	ScaleModeFill
	// ScaleModeStretch scales to exactly match target dimensions (may distort).
	ScaleModeStretch
)

// VideoScaler scales I420 video frames to a fixed output size. The
// returned frame is backed by the scaler's buffers and is valid until the
// next call to Scale.
type VideoScaler struct {
	dstWidth, dstHeight int
	mode                ScaleMode

	outY, outU, outV []byte
}

// NewVideoScaler creates a scaler producing dstWidth x dstHeight frames.
func NewVideoScaler(dstWidth, dstHeight int, mode ScaleMode) *VideoScaler {
	dstWidth = (dstWidth + 1) &^ 1
	dstHeight = (dstHeight + 1) &^ 1
	ySize := dstWidth * dstHeight
	uvSize := (dstWidth / 2) * (dstHeight / 2)

	return &VideoScaler{
		dstWidth:  dstWidth,
		dstHeight: dstHeight,
		mode:      mode,
		outY:      make([]byte, ySize),
		outU:      make([]byte, uvSize),
		outV:      make([]byte, uvSize),
	}
}

// Size returns the output dimensions.
func (s *VideoScaler) Size() (int, int) { return s.dstWidth, s.dstHeight }

// Scale scales an I420 frame to the target dimensions.
func (s *VideoScaler) Scale(frame *VideoFrame) *VideoFrame {
	if frame.Width == s.dstWidth && frame.Height == s.dstHeight {
		return frame
	}

	dstX, dstY, dstW, dstH := 0, 0, s.dstWidth, s.dstHeight
	if s.mode == ScaleModeFit {
		dstW, dstH = CalculateScaledSize(frame.Width, frame.Height, s.dstWidth, s.dstHeight, ScaleModeFit)
		dstW, dstH = min(dstW, s.dstWidth), min(dstH, s.dstHeight)
		dstX = ((s.dstWidth - dstW) / 2) &^ 1
		dstY = ((s.dstHeight - dstH) / 2) &^ 1
		if dstW != s.dstWidth || dstH != s.dstHeight {
			fill(s.outY, 16)
			fill(s.outU, 128)
			fill(s.outV, 128)
		}
	}

	srcX, srcY, srcW, srcH := s.calculateSourceRegion(frame.Width, frame.Height)

	scalePlane(frame.Data[0], frame.Stride[0], srcX, srcY, srcW, srcH,
		s.outY, s.dstWidth, dstX, dstY, dstW, dstH)
	scalePlane(frame.Data[1], frame.Stride[1], srcX/2, srcY/2, srcW/2, srcH/2,
		s.outU, s.dstWidth/2, dstX/2, dstY/2, dstW/2, dstH/2)
	scalePlane(frame.Data[2], frame.Stride[2], srcX/2, srcY/2, srcW/2, srcH/2,
		s.outV, s.dstWidth/2, dstX/2, dstY/2, dstW/2, dstH/2)

	return &VideoFrame{
		Data:      [][]byte{s.outY, s.outU, s.outV},
		Stride:    []int{s.dstWidth, s.dstWidth / 2, s.dstWidth / 2},
		Width:     s.dstWidth,
		Height:    s.dstHeight,
		Format:    PixelFormatI420,
		Timestamp: frame.Timestamp,
		Duration:  frame.Duration,
	}
}

// calculateSourceRegion determines what region of the source to use based on scale mode.
func (s *VideoScaler) calculateSourceRegion(srcW, srcH int) (x, y, w, h int) {
	if s.mode != ScaleModeFill {
		return 0, 0, srcW, srcH
	}
	return cropToAspect(srcW, srcH, s.dstWidth, s.dstHeight)
}

// cropToAspect returns the centered region of a srcW x srcH image that
// has the aspect ratio of dstW x dstH. Offsets are even.
func cropToAspect(srcW, srcH, dstW, dstH int) (x, y, w, h int) {
	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(dstW) / float64(dstH)

	if srcAspect > dstAspect {
		newW := int(float64(srcH) * dstAspect)
		return ((srcW - newW) / 2) &^ 1, 0, newW, srcH
	} else if srcAspect < dstAspect {
		newH := int(float64(srcW) / dstAspect)
		return 0, ((srcH - newH) / 2) &^ 1, srcW, newH
	}
	return 0, 0, srcW, srcH
}

// scalePlane scales a region of one plane into a region of another using
// 16.16 fixed-point bilinear interpolation.
func scalePlane(src []byte, srcStride, srcX, srcY, srcW, srcH int,
	dst []byte, dstStride, dstX, dstY, dstW, dstH int) {

	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return
	}

	xRatio := (srcW << 16) / dstW
	yRatio := (srcH << 16) / dstH

	for y := 0; y < dstH; y++ {
		srcYFP := y * yRatio
		srcYFrac := srcYFP & 0xFFFF

		y0 := srcYFP>>16 + srcY
		y1 := y0 + 1
		if y1 >= srcY+srcH {
			y1 = y0
		}
		row := (dstY+y)*dstStride + dstX

		for x := 0; x < dstW; x++ {
			srcXFP := x * xRatio
			xWeight := srcXFP & 0xFFFF

			x0 := srcXFP>>16 + srcX
			x1 := x0 + 1
			if x1 >= srcX+srcW {
				x1 = x0
			}

			p00 := int(src[y0*srcStride+x0])
			p10 := int(src[y0*srcStride+x1])
			p01 := int(src[y1*srcStride+x0])
			p11 := int(src[y1*srcStride+x1])

			top := (p00*(0x10000-xWeight) + p10*xWeight) >> 16
			bottom := (p01*(0x10000-xWeight) + p11*xWeight) >> 16

			dst[row+x] = byte((top*(0x10000-srcYFrac) + bottom*srcYFrac) >> 16)
		}
	}
}

// ScaleFrame scales a frame into newly allocated buffers.
func ScaleFrame(frame *VideoFrame, dstWidth, dstHeight int, mode ScaleMode) *VideoFrame {
	out := NewVideoScaler(dstWidth, dstHeight, mode).Scale(frame)
	if out == frame {
		return frame.Clone()
	}
	return out
}

// CalculateScaledSize returns the output dimensions when scaling with a given mode.
// This is useful for determining letterbox dimensions in ScaleModeFit.
func CalculateScaledSize(srcW, srcH, maxW, maxH int, mode ScaleMode) (w, h int) {
	if mode != ScaleModeFit || srcW <= 0 || srcH <= 0 {
		return maxW, maxH
	}
	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(maxW) / float64(maxH)

	if srcAspect > dstAspect {
		w = maxW
		h = int(float64(maxW) / srcAspect)
	} else {
		h = maxH
		w = int(float64(maxH) * srcAspect)
	}
	// Ensure even dimensions for YUV
	w = (w + 1) &^ 1
	h = (h + 1) &^ 1
	return w, h
}
