package studio

import (
	"fmt"
	"sort"
)

// LayoutType selects how video sources are arranged on the canvas.
type LayoutType int

const (
	LayoutPictureInPicture LayoutType = iota // Screen full frame, camera inset bottom-right
	LayoutSideBySide                         // Screen left, camera right
	LayoutScreenOnly                         // Screen only, camera hidden
	LayoutCameraOnly                         // Camera only, screen hidden
)

func (t LayoutType) String() string {
	switch t {
	case LayoutPictureInPicture:
		return "picture-in-picture"
	case LayoutSideBySide:
		return "side-by-side"
	case LayoutScreenOnly:
		return "screen-only"
	case LayoutCameraOnly:
		return "camera-only"
	default:
		return "unknown"
	}
}

// ParseLayoutType parses the String form of a LayoutType.
func ParseLayoutType(s string) (LayoutType, error) {
	switch s {
	case "picture-in-picture", "pip":
		return LayoutPictureInPicture, nil
	case "side-by-side":
		return LayoutSideBySide, nil
	case "screen-only":
		return LayoutScreenOnly, nil
	case "camera-only":
		return LayoutCameraOnly, nil
	default:
		return 0, fmt.Errorf("unknown layout %q", s)
	}
}

func (t LayoutType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *LayoutType) UnmarshalText(b []byte) error {
	v, err := ParseLayoutType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// MultiSource reports whether the layout shows both camera and screen.
func (t LayoutType) MultiSource() bool {
	return t == LayoutPictureInPicture || t == LayoutSideBySide
}

// Rect is a pixel rectangle on the canvas.
type Rect struct {
	X, Y, W, H int
}

// Empty reports whether the rectangle covers no pixels.
func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// Placement positions one source on the canvas.
type Placement struct {
	Rect    Rect
	ZOrder  int     // Higher draws on top
	Opacity float64 // 0.0-1.0
}

// Visible reports whether the placement draws anything.
func (p Placement) Visible() bool { return p.Opacity > 0 && !p.Rect.Empty() }

// Layout is a resolved arrangement: a placement for every present video source.
type Layout struct {
	Type       LayoutType
	Placements map[SourceKind]Placement
}

// Sources returns the kinds placed by the layout in z-order.
func (l Layout) Sources() []SourceKind {
	kinds := make([]SourceKind, 0, len(l.Placements))
	for k := range l.Placements {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		return l.Placements[kinds[i]].ZOrder < l.Placements[kinds[j]].ZOrder
	})
	return kinds
}

// Placement returns where kind is drawn under layout t on a width x height
// canvas. Every layout defines a placement for both video roles; roles the
// layout hides get zero opacity.
func (t LayoutType) Placement(kind SourceKind, width, height int) Placement {
	full := Placement{Rect: Rect{0, 0, width, height}, Opacity: 1}
	hidden := Placement{Rect: Rect{0, 0, width, height}, Opacity: 0}

	switch t {
	case LayoutPictureInPicture:
		if kind == SourceKindScreen {
			return full
		}
		w := (width / 4) &^ 1
		h := (height / 4) &^ 1
		margin := (width / 40) &^ 1
		return Placement{
			Rect:    Rect{width - w - margin, height - h - margin, w, h},
			ZOrder:  1,
			Opacity: 1,
		}
	case LayoutSideBySide:
		half := (width / 2) &^ 1
		if kind == SourceKindScreen {
			return Placement{Rect: Rect{0, 0, half, height}, Opacity: 1}
		}
		return Placement{Rect: Rect{half, 0, width - half, height}, ZOrder: 1, Opacity: 1}
	case LayoutScreenOnly:
		if kind == SourceKindScreen {
			return full
		}
		return hidden
	case LayoutCameraOnly:
		if kind == SourceKindCamera {
			return full
		}
		return hidden
	}
	return hidden
}

// ResolveLayout picks the layout to apply given which video sources are
// present. Both present keeps the requested layout; a single source forces
// its own single-source layout.
func ResolveLayout(requested LayoutType, hasCamera, hasScreen bool) LayoutType {
	switch {
	case hasCamera && hasScreen:
		return requested
	case hasScreen:
		return LayoutScreenOnly
	default:
		return LayoutCameraOnly
	}
}

// ComputeLayout resolves requested against the present video sources and
// returns placements for exactly those sources.
func ComputeLayout(requested LayoutType, present []SourceKind, width, height int) Layout {
	var hasCamera, hasScreen bool
	for _, k := range present {
		switch k {
		case SourceKindCamera:
			hasCamera = true
		case SourceKindScreen:
			hasScreen = true
		}
	}
	t := ResolveLayout(requested, hasCamera, hasScreen)
	l := Layout{Type: t, Placements: make(map[SourceKind]Placement)}
	if hasCamera {
		l.Placements[SourceKindCamera] = t.Placement(SourceKindCamera, width, height)
	}
	if hasScreen {
		l.Placements[SourceKindScreen] = t.Placement(SourceKindScreen, width, height)
	}
	return l
}

// lerpPlacement interpolates between two placements; f is clamped to [0,1].
func lerpPlacement(from, to Placement, f float64) Placement {
	if f <= 0 {
		return from
	}
	if f >= 1 {
		return to
	}
	lerp := func(a, b int) int { return a + int(float64(b-a)*f) }
	return Placement{
		Rect: Rect{
			X: lerp(from.Rect.X, to.Rect.X) &^ 1,
			Y: lerp(from.Rect.Y, to.Rect.Y) &^ 1,
			W: lerp(from.Rect.W, to.Rect.W) &^ 1,
			H: lerp(from.Rect.H, to.Rect.H) &^ 1,
		},
		ZOrder:  to.ZOrder,
		Opacity: from.Opacity + (to.Opacity-from.Opacity)*f,
	}
}
