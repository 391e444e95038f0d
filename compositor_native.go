//go:build darwin || linux

package studio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	nativeCompositorOnce sync.Once
	nativeCompositorErr  error
)

// libstream_compositor function pointers
var (
	streamCompositorCreate     func(width, height int32) uintptr
	streamCompositorDestroy    func(comp uintptr)
	streamCompositorClear      func(comp uintptr, y, u, v uint8)
	streamCompositorBlendLayer func(comp uintptr, srcY, srcU, srcV, srcA uintptr, srcW, srcH, srcStrideY, srcStrideUV int32, config uintptr)
	streamCompositorGetResult  func(comp uintptr, outY, outU, outV, outStrideY, outStrideUV uintptr)
	streamCompositorGetSize    func(comp uintptr, width, height uintptr)
)

// streamLayerConfigC matches the C struct for layer configuration.
type streamLayerConfigC struct {
	X         int32
	Y         int32
	Width     int32
	Height    int32
	ZOrder    int32
	Alpha     float32
	Visible   int32
	BlendMode int32
}

const blendModeOver = 1

func loadNativeCompositor() error {
	nativeCompositorOnce.Do(func() {
		nativeCompositorErr = loadNativeCompositorLib()
	})
	return nativeCompositorErr
}

func loadNativeCompositorLib() error {
	var lastErr error
	for _, path := range nativeCompositorLibPaths() {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		purego.RegisterLibFunc(&streamCompositorCreate, handle, "stream_compositor_create")
		purego.RegisterLibFunc(&streamCompositorDestroy, handle, "stream_compositor_destroy")
		purego.RegisterLibFunc(&streamCompositorClear, handle, "stream_compositor_clear")
		purego.RegisterLibFunc(&streamCompositorBlendLayer, handle, "stream_compositor_blend_layer")
		purego.RegisterLibFunc(&streamCompositorGetResult, handle, "stream_compositor_get_result")
		purego.RegisterLibFunc(&streamCompositorGetSize, handle, "stream_compositor_get_size")
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("load libstream_compositor: %w", lastErr)
	}
	return errors.New("libstream_compositor not found")
}

func nativeCompositorLibPaths() []string {
	libName := "libstream_compositor.so"
	if runtime.GOOS == "darwin" {
		libName = "libstream_compositor.dylib"
	}

	var paths []string
	if p := os.Getenv("STUDIO_COMPOSITOR_LIB"); p != "" {
		paths = append(paths, p)
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		paths = append(paths, filepath.Join(dir, libName), filepath.Join(dir, "..", "lib", libName))
	}
	if root := findModuleRoot(); root != "" {
		paths = append(paths, filepath.Join(root, "build", libName))
	}
	switch runtime.GOOS {
	case "darwin":
		paths = append(paths, libName, "/usr/local/lib/"+libName, "/opt/homebrew/lib/"+libName)
	case "linux":
		paths = append(paths, libName, "/usr/local/lib/"+libName, "/usr/lib/"+libName)
	}
	return paths
}

// findModuleRoot walks up from the working directory to the directory
// containing go.mod.
func findModuleRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// NativeCompositorAvailable reports whether libstream_compositor can be loaded.
func NativeCompositorAvailable() bool {
	return loadNativeCompositor() == nil
}

// nativeBlender blends through libstream_compositor.
type nativeBlender struct {
	handle        uintptr
	width, height int
}

func newNativeBlender(width, height int) (blender, error) {
	if err := loadNativeCompositor(); err != nil {
		return nil, err
	}
	handle := streamCompositorCreate(int32(width), int32(height))
	if handle == 0 {
		return nil, errors.New("stream_compositor_create failed")
	}
	var w, h int32
	streamCompositorGetSize(handle, uintptr(unsafe.Pointer(&w)), uintptr(unsafe.Pointer(&h)))
	if int(w) != width || int(h) != height {
		streamCompositorDestroy(handle)
		return nil, fmt.Errorf("stream_compositor canvas %dx%d, want %dx%d", w, h, width, height)
	}
	return &nativeBlender{handle: handle, width: width, height: height}, nil
}

func (b *nativeBlender) Name() string { return BackendNative }

func (b *nativeBlender) Clear(y, u, v byte) {
	streamCompositorClear(b.handle, y, u, v)
}

func (b *nativeBlender) Blend(frame *VideoFrame, rect Rect, opacity float64) {
	rect = clipRect(rect, b.width, b.height)
	if rect.Empty() || opacity <= 0 || frame == nil || len(frame.Data) < 3 {
		return
	}
	config := streamLayerConfigC{
		X:         int32(rect.X),
		Y:         int32(rect.Y),
		Width:     int32(rect.W),
		Height:    int32(rect.H),
		Alpha:     float32(opacity),
		Visible:   1,
		BlendMode: blendModeOver,
	}
	streamCompositorBlendLayer(
		b.handle,
		uintptr(unsafe.Pointer(&frame.Data[0][0])),
		uintptr(unsafe.Pointer(&frame.Data[1][0])),
		uintptr(unsafe.Pointer(&frame.Data[2][0])),
		0,
		int32(frame.Width), int32(frame.Height),
		int32(frame.Stride[0]), int32(frame.Stride[1]),
		uintptr(unsafe.Pointer(&config)),
	)
	runtime.KeepAlive(frame)
}

// Result copies the canvas out of C memory.
func (b *nativeBlender) Result() *VideoFrame {
	var outY, outU, outV uintptr
	var strideY, strideUV int32
	streamCompositorGetResult(b.handle,
		uintptr(unsafe.Pointer(&outY)),
		uintptr(unsafe.Pointer(&outU)),
		uintptr(unsafe.Pointer(&outV)),
		uintptr(unsafe.Pointer(&strideY)),
		uintptr(unsafe.Pointer(&strideUV)),
	)
	if outY == 0 || outU == 0 || outV == 0 {
		return NewI420Frame(b.width, b.height, 16, 128, 128)
	}

	sizeY := int(strideY) * b.height
	sizeUV := int(strideUV) * (b.height / 2)
	frame := &VideoFrame{
		Data: [][]byte{
			append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(outY)), sizeY)...),
			append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(outU)), sizeUV)...),
			append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(outV)), sizeUV)...),
		},
		Stride: []int{int(strideY), int(strideUV), int(strideUV)},
		Width:  b.width,
		Height: b.height,
		Format: PixelFormatI420,
	}
	return frame
}

func (b *nativeBlender) Close() {
	if b.handle != 0 {
		streamCompositorDestroy(b.handle)
		b.handle = 0
	}
}
