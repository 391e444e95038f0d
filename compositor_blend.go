package studio

// blender draws layers onto an I420 canvas.
type blender interface {
	Name() string
	Clear(y, u, v byte)
	// Blend draws frame into rect with the given opacity.
	Blend(frame *VideoFrame, rect Rect, opacity float64)
	// Result returns a copy of the canvas.
	Result() *VideoFrame
	Close()
}

const (
	BackendAuto     = "auto"
	BackendNative   = "native"
	BackendSoftware = "software"
)

// newBlender creates the backend named by backend. "auto" prefers the
// native library and falls back to software.
func newBlender(backend string, width, height int) (blender, error) {
	switch backend {
	case BackendNative:
		return newNativeBlender(width, height)
	case BackendSoftware:
		return newSoftwareBlender(width, height), nil
	default:
		if b, err := newNativeBlender(width, height); err == nil {
			return b, nil
		}
		return newSoftwareBlender(width, height), nil
	}
}

// softwareBlender is the pure-Go backend.
type softwareBlender struct {
	canvas  *VideoFrame
	scratch *VideoFrame
}

func newSoftwareBlender(width, height int) *softwareBlender {
	return &softwareBlender{canvas: NewI420Frame(width, height, 16, 128, 128)}
}

func (b *softwareBlender) Name() string { return BackendSoftware }

func (b *softwareBlender) Clear(y, u, v byte) {
	fill(b.canvas.Data[0], y)
	fill(b.canvas.Data[1], u)
	fill(b.canvas.Data[2], v)
}

func (b *softwareBlender) Blend(frame *VideoFrame, rect Rect, opacity float64) {
	rect = clipRect(rect, b.canvas.Width, b.canvas.Height)
	if rect.Empty() || opacity <= 0 || frame == nil || frame.Width < 2 || frame.Height < 2 {
		return
	}
	sx, sy, sw, sh := cropToAspect(frame.Width, frame.Height, rect.W, rect.H)
	cw := b.canvas.Width

	if opacity >= 1 {
		scalePlane(frame.Data[0], frame.Stride[0], sx, sy, sw, sh,
			b.canvas.Data[0], cw, rect.X, rect.Y, rect.W, rect.H)
		scalePlane(frame.Data[1], frame.Stride[1], sx/2, sy/2, sw/2, sh/2,
			b.canvas.Data[1], cw/2, rect.X/2, rect.Y/2, rect.W/2, rect.H/2)
		scalePlane(frame.Data[2], frame.Stride[2], sx/2, sy/2, sw/2, sh/2,
			b.canvas.Data[2], cw/2, rect.X/2, rect.Y/2, rect.W/2, rect.H/2)
		return
	}

	if b.scratch == nil || b.scratch.Width != rect.W || b.scratch.Height != rect.H {
		b.scratch = NewI420Frame(rect.W, rect.H, 0, 0, 0)
	}
	s := b.scratch
	scalePlane(frame.Data[0], frame.Stride[0], sx, sy, sw, sh, s.Data[0], s.Stride[0], 0, 0, s.Width, s.Height)
	scalePlane(frame.Data[1], frame.Stride[1], sx/2, sy/2, sw/2, sh/2, s.Data[1], s.Stride[1], 0, 0, s.Width/2, s.Height/2)
	scalePlane(frame.Data[2], frame.Stride[2], sx/2, sy/2, sw/2, sh/2, s.Data[2], s.Stride[2], 0, 0, s.Width/2, s.Height/2)

	a := int(opacity * 256)
	blendPlane(s.Data[0], s.Stride[0], b.canvas.Data[0], cw, rect.X, rect.Y, rect.W, rect.H, a)
	blendPlane(s.Data[1], s.Stride[1], b.canvas.Data[1], cw/2, rect.X/2, rect.Y/2, rect.W/2, rect.H/2, a)
	blendPlane(s.Data[2], s.Stride[2], b.canvas.Data[2], cw/2, rect.X/2, rect.Y/2, rect.W/2, rect.H/2, a)
}

// blendPlane mixes src over dst with alpha a in [0,256].
func blendPlane(src []byte, srcStride int, dst []byte, dstStride, x, y, w, h, a int) {
	for row := 0; row < h; row++ {
		s := src[row*srcStride : row*srcStride+w]
		d := dst[(y+row)*dstStride+x : (y+row)*dstStride+x+w]
		for i := range s {
			d[i] = byte((int(s[i])*a + int(d[i])*(256-a)) >> 8)
		}
	}
}

func (b *softwareBlender) Result() *VideoFrame { return b.canvas.Clone() }

func (b *softwareBlender) Close() {}

// clipRect clamps r to the canvas and aligns it to even coordinates.
func clipRect(r Rect, width, height int) Rect {
	r.X = max(r.X, 0) &^ 1
	r.Y = max(r.Y, 0) &^ 1
	r.W = min(r.W, width-r.X) &^ 1
	r.H = min(r.H, height-r.Y) &^ 1
	return r
}
