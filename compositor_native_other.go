//go:build !darwin && !linux

package studio

// NativeCompositorAvailable reports whether libstream_compositor can be loaded.
func NativeCompositorAvailable() bool { return false }

func newNativeBlender(width, height int) (blender, error) {
	return nil, ErrNotSupported
}
