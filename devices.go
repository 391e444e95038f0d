package studio

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeviceKind represents the type of media device.
type DeviceKind int

const (
	DeviceKindVideoInput DeviceKind = iota // Camera
	DeviceKindAudioInput                   // Microphone
	DeviceKindDisplay                      // Screen
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceKindVideoInput:
		return "videoinput"
	case DeviceKindAudioInput:
		return "audioinput"
	case DeviceKindDisplay:
		return "display"
	default:
		return "unknown"
	}
}

// DeviceInfo describes a media device (like browser's MediaDeviceInfo).
type DeviceInfo struct {
	DeviceID string     `json:"deviceId" yaml:"deviceId"`
	Kind     DeviceKind `json:"kind" yaml:"kind"`
	Label    string     `json:"label" yaml:"label"`
}

// DeviceTracks are the live tracks a provider opened for one source.
// Audio is nil when the device carries no audio.
type DeviceTracks struct {
	Video VideoTrack
	Audio AudioTrack
}

// DeviceProvider opens capture devices. Open must return errors wrapping
// ErrPermissionDenied, ErrDeviceNotFound, ErrConstraintsUnsatisfiable or
// ErrDeviceBusy where it can tell them apart, and must honor ctx.
type DeviceProvider interface {
	// Devices lists available devices.
	Devices(ctx context.Context) ([]DeviceInfo, error)

	// Open opens the device for kind. Microphone sources return audio only.
	Open(ctx context.Context, kind SourceKind, constraints TrackConstraints) (DeviceTracks, error)
}

// DeviceProviderFactory creates a provider.
type DeviceProviderFactory func() (DeviceProvider, error)

var (
	providersMu sync.RWMutex
	providers   = make(map[string]DeviceProviderFactory)
)

// RegisterDeviceProvider registers a named provider factory.
func RegisterDeviceProvider(name string, factory DeviceProviderFactory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[name] = factory
}

// NewDeviceProvider creates the provider registered under name.
func NewDeviceProvider(name string) (DeviceProvider, error) {
	providersMu.RLock()
	factory, ok := providers[name]
	providersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("device provider %q: %w", name, ErrNotSupported)
	}
	return factory()
}

// DeviceProviders returns the names of registered providers.
func DeviceProviders() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SourceManager owns capture sources. The camera is shared and reference
// counted; other kinds get a fresh device per Acquire.
type SourceManager struct {
	provider DeviceProvider
	log      *zap.Logger

	// cameraMu serializes camera opens so concurrent requests share one device.
	cameraMu sync.Mutex

	mu      sync.Mutex
	camera  *CaptureSource
	sources map[string]*CaptureSource
	onEnded []func(*CaptureSource)
	devices []DeviceInfo
}

// NewSourceManager creates a manager on top of provider.
func NewSourceManager(provider DeviceProvider, log *zap.Logger) *SourceManager {
	return &SourceManager{
		provider: provider,
		log:      loggerOrNop(log).With(zap.String("component", "sources")),
		sources:  make(map[string]*CaptureSource),
	}
}

// Acquire opens a source of the given kind. Acquiring the camera while it
// is already held returns the same handle with its refcount incremented,
// or a DeviceBusy error if the constraints are incompatible.
func (m *SourceManager) Acquire(ctx context.Context, kind SourceKind, constraints TrackConstraints) (*CaptureSource, error) {
	if kind == SourceKindCamera {
		m.cameraMu.Lock()
		defer m.cameraMu.Unlock()

		if src, err := m.reuseCamera(constraints); src != nil || err != nil {
			return src, err
		}
	}

	tracks, err := m.provider.Open(ctx, kind, constraints)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		aerr := classifyAcquisition(kind, err)
		m.log.Warn("acquire failed",
			zap.Stringer("kind", kind),
			zap.Stringer("reason", aerr.Kind),
			zap.Error(err))
		return nil, aerr
	}
	if err := ctx.Err(); err != nil {
		stopDeviceTracks(tracks)
		return nil, err
	}
	if (kind.IsVideo() && tracks.Video == nil) || (kind == SourceKindMicrophone && tracks.Audio == nil) {
		stopDeviceTracks(tracks)
		return nil, &AcquisitionError{Kind: AcquisitionDeviceNotFound, Source: kind,
			Err: fmt.Errorf("provider returned no %s track", kind)}
	}
	if kind == SourceKindMicrophone && tracks.Video != nil {
		tracks.Video.Stop()
		tracks.Video = nil
	}

	src := &CaptureSource{
		ID:          uuid.NewString(),
		Kind:        kind,
		video:       tracks.Video,
		audio:       tracks.Audio,
		constraints: constraints,
		refs:        1,
	}
	src.active.Store(true)

	m.mu.Lock()
	m.sources[src.ID] = src
	if kind == SourceKindCamera {
		m.camera = src
	}
	m.mu.Unlock()

	for _, t := range src.Tracks() {
		t.OnEnded(func() { m.handleEnded(src) })
	}

	m.log.Info("source acquired", zap.Stringer("kind", kind), zap.String("id", src.ID))
	return src, nil
}

func (m *SourceManager) reuseCamera(constraints TrackConstraints) (*CaptureSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cam := m.camera
	if cam == nil || !cam.Active() {
		return nil, nil
	}
	if !constraints.Satisfies(cam.video.Settings()) {
		return nil, &AcquisitionError{
			Kind:   AcquisitionDeviceBusy,
			Source: SourceKindCamera,
			Err:    fmt.Errorf("camera held with %+v", cam.video.Settings()),
		}
	}
	cam.refs++
	m.log.Debug("camera shared", zap.String("id", cam.ID), zap.Int("refs", cam.refs))
	return cam, nil
}

// Release drops one reference to src and stops its device when none remain.
func (m *SourceManager) Release(src *CaptureSource) error {
	if src == nil {
		return nil
	}
	m.mu.Lock()
	if src.refs <= 0 {
		m.mu.Unlock()
		return ErrSourceNotActive
	}
	src.refs--
	if src.refs > 0 {
		m.mu.Unlock()
		m.log.Debug("source reference released", zap.String("id", src.ID), zap.Int("refs", src.refs))
		return nil
	}
	m.forgetLocked(src)
	m.mu.Unlock()

	src.releasing.Store(true)
	src.active.Store(false)
	src.stopTracks()
	m.log.Info("source released", zap.Stringer("kind", src.Kind), zap.String("id", src.ID))
	return nil
}

// RefCount returns the number of holders of src.
func (m *SourceManager) RefCount(src *CaptureSource) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return src.refs
}

// OnSourceEnded registers a callback fired when a source's tracks end
// without a Release.
func (m *SourceManager) OnSourceEnded(callback func(*CaptureSource)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnded = append(m.onEnded, callback)
}

// Devices refreshes and returns the available devices.
func (m *SourceManager) Devices(ctx context.Context) ([]DeviceInfo, error) {
	devices, err := m.provider.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	m.mu.Lock()
	m.devices = devices
	m.mu.Unlock()
	return devices, nil
}

// AvailableDevices returns the devices seen by the last Devices call.
func (m *SourceManager) AvailableDevices() []DeviceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeviceInfo(nil), m.devices...)
}

// Active returns the sources currently held.
func (m *SourceManager) Active() []*CaptureSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*CaptureSource, 0, len(m.sources))
	for _, s := range m.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

func (m *SourceManager) handleEnded(src *CaptureSource) {
	if src.releasing.Load() {
		return
	}
	src.endOnce.Do(func() {
		src.active.Store(false)

		m.mu.Lock()
		m.forgetLocked(src)
		src.refs = 0
		cbs := append([]func(*CaptureSource){}, m.onEnded...)
		m.mu.Unlock()

		// The remaining tracks of the device go with it.
		src.releasing.Store(true)
		src.stopTracks()

		m.log.Warn("source ended unexpectedly", zap.Stringer("kind", src.Kind), zap.String("id", src.ID))
		for _, cb := range cbs {
			cb(src)
		}
	})
}

func (m *SourceManager) forgetLocked(src *CaptureSource) {
	delete(m.sources, src.ID)
	if m.camera == src {
		m.camera = nil
	}
}

func stopDeviceTracks(t DeviceTracks) {
	if t.Video != nil {
		t.Video.Stop()
	}
	if t.Audio != nil {
		t.Audio.Stop()
	}
}
