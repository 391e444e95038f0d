//go:build cgo && !nodevices

package studio

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kbinani/screenshot"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"

	// Register camera and microphone drivers.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

// SystemProvider opens real devices: camera and microphone through
// mediadevices drivers, screens through screenshot.
type SystemProvider struct {
	screenFPS int
}

// NewSystemProvider creates a provider for the local machine.
func NewSystemProvider() *SystemProvider {
	return &SystemProvider{screenFPS: 15}
}

func init() {
	RegisterDeviceProvider("system", func() (DeviceProvider, error) {
		return NewSystemProvider(), nil
	})
}

func (p *SystemProvider) Devices(ctx context.Context) ([]DeviceInfo, error) {
	var out []DeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		switch d.Kind {
		case mediadevices.VideoInput:
			out = append(out, DeviceInfo{DeviceID: d.DeviceID, Kind: DeviceKindVideoInput, Label: d.Label})
		case mediadevices.AudioInput:
			out = append(out, DeviceInfo{DeviceID: d.DeviceID, Kind: DeviceKindAudioInput, Label: d.Label})
		}
	}
	for i := 0; i < screenshot.NumActiveDisplays(); i++ {
		b := screenshot.GetDisplayBounds(i)
		out = append(out, DeviceInfo{
			DeviceID: fmt.Sprintf("display-%d", i),
			Kind:     DeviceKindDisplay,
			Label:    fmt.Sprintf("Display %d (%dx%d)", i, b.Dx(), b.Dy()),
		})
	}
	return out, nil
}

func (p *SystemProvider) Open(ctx context.Context, kind SourceKind, c TrackConstraints) (DeviceTracks, error) {
	if err := ctx.Err(); err != nil {
		return DeviceTracks{}, err
	}
	switch kind {
	case SourceKindCamera:
		return p.openCamera(c)
	case SourceKindMicrophone:
		return p.openMicrophone(c)
	case SourceKindScreen:
		return p.openScreen(c)
	default:
		return DeviceTracks{}, ErrDeviceNotFound
	}
}

func (p *SystemProvider) openCamera(c TrackConstraints) (DeviceTracks, error) {
	if !hasDevice(mediadevices.VideoInput) {
		return DeviceTracks{}, ErrDeviceNotFound
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: cameraConstraints(c),
	})
	if err != nil {
		return DeviceTracks{}, mediaDevicesError(err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return DeviceTracks{}, ErrDeviceNotFound
	}
	vt, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		tracks[0].Close()
		return DeviceTracks{}, fmt.Errorf("unexpected camera track %T: %w", tracks[0], ErrNotSupported)
	}

	fps := c.FrameRate
	if fps == 0 {
		fps = 30
	}
	settings := VideoTrackSettings{Width: c.Width, Height: c.Height, FrameRate: fps, DeviceID: c.DeviceID}
	track := NewLocalVideoTrack("camera", settings, func() { vt.Close() })
	vt.OnEnded(func(error) { track.End() })

	reader := vt.NewReader(false)
	go func() {
		for {
			img, release, err := reader.Read()
			if err != nil {
				track.End()
				return
			}
			frame := FrameFromImage(img)
			release()
			frame.Timestamp = time.Now().UnixNano()
			track.WriteFrame(frame)
		}
	}()
	return DeviceTracks{Video: track}, nil
}

func (p *SystemProvider) openMicrophone(c TrackConstraints) (DeviceTracks, error) {
	if !hasDevice(mediadevices.AudioInput) {
		return DeviceTracks{}, ErrDeviceNotFound
	}
	sampleRate := c.SampleRate
	if sampleRate == 0 {
		sampleRate = 48000
	}
	channels := c.ChannelCount
	if channels == 0 {
		channels = 1
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: microphoneConstraints(c.DeviceID, sampleRate, channels),
	})
	if err != nil {
		return DeviceTracks{}, mediaDevicesError(err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return DeviceTracks{}, ErrDeviceNotFound
	}
	at, ok := tracks[0].(*mediadevices.AudioTrack)
	if !ok {
		tracks[0].Close()
		return DeviceTracks{}, fmt.Errorf("unexpected microphone track %T: %w", tracks[0], ErrNotSupported)
	}

	settings := AudioTrackSettings{SampleRate: sampleRate, ChannelCount: channels, DeviceID: c.DeviceID}
	track := NewLocalAudioTrack("microphone", settings, func() { at.Close() })
	at.OnEnded(func(error) { track.End() })

	reader := at.NewReader(false)
	go func() {
		for {
			chunk, release, err := reader.Read()
			if err != nil {
				track.End()
				return
			}
			samples := samplesFromWave(chunk)
			release()
			if samples == nil {
				continue
			}
			samples.Timestamp = time.Now().UnixNano()
			track.WriteSamples(samples)
		}
	}()
	return DeviceTracks{Audio: track}, nil
}

func cameraConstraints(c TrackConstraints) mediadevices.MediaOption {
	return func(mc *mediadevices.MediaTrackConstraints) {
		if c.DeviceID != "" {
			mc.DeviceID = prop.String(c.DeviceID)
		}
		if c.Width != 0 {
			mc.Width = prop.Int(c.Width)
		}
		if c.Height != 0 {
			mc.Height = prop.Int(c.Height)
		}
		if c.FrameRate != 0 {
			mc.FrameRate = prop.Float(c.FrameRate)
		}
	}
}

func microphoneConstraints(deviceID string, sampleRate, channels int) mediadevices.MediaOption {
	return func(mc *mediadevices.MediaTrackConstraints) {
		if deviceID != "" {
			mc.DeviceID = prop.String(deviceID)
		}
		mc.SampleRate = prop.Int(sampleRate)
		mc.ChannelCount = prop.Int(channels)
	}
}

// samplesFromWave converts a driver chunk to interleaved S16, or nil for
// formats the engine does not handle.
func samplesFromWave(chunk wave.Audio) *AudioSamples {
	info := chunk.ChunkInfo()
	out := &AudioSamples{
		SampleRate:  info.SamplingRate,
		Channels:    info.Channels,
		SampleCount: info.Len,
		Format:      AudioFormatS16,
	}
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		out.Data = append([]int16(nil), c.Data...)
	case *wave.Float32Interleaved:
		out.Data = make([]int16, len(c.Data))
		for i, v := range c.Data {
			out.Data[i] = int16(clampf(float64(v), -1, 1) * 32767)
		}
	default:
		return nil
	}
	return out
}

func (p *SystemProvider) openScreen(c TrackConstraints) (DeviceTracks, error) {
	display := 0
	if c.DeviceID != "" {
		if _, err := fmt.Sscanf(c.DeviceID, "display-%d", &display); err != nil {
			return DeviceTracks{}, fmt.Errorf("screen %q: %w", c.DeviceID, ErrDeviceNotFound)
		}
	}
	if display >= screenshot.NumActiveDisplays() {
		return DeviceTracks{}, ErrDeviceNotFound
	}
	bounds := screenshot.GetDisplayBounds(display)

	// A first capture surfaces missing screen-recording permission up front.
	if _, err := screenshot.CaptureRect(bounds); err != nil {
		return DeviceTracks{}, fmt.Errorf("capture display %d: %v: %w", display, err, ErrPermissionDenied)
	}

	fps := c.FrameRate
	if fps == 0 {
		fps = p.screenFPS
	}
	width, height := bounds.Dx()&^1, bounds.Dy()&^1
	if c.Width != 0 && c.Height != 0 {
		width, height = c.Width, c.Height
	}

	ctx, cancel := context.WithCancel(context.Background())
	track := NewLocalVideoTrack(fmt.Sprintf("display-%d", display), VideoTrackSettings{
		Width: width, Height: height, FrameRate: fps, DeviceID: fmt.Sprintf("display-%d", display),
	}, cancel)

	go func() {
		ticker := time.NewTicker(time.Second / time.Duration(fps))
		defer ticker.Stop()
		scaler := NewVideoScaler(width, height, ScaleModeFit)
		for {
			select {
			case <-ctx.Done():
				track.End()
				return
			case <-ticker.C:
				img, err := screenshot.CaptureRect(bounds)
				if err != nil {
					track.End()
					return
				}
				src := FrameFromImage(img)
				frame := scaler.Scale(src)
				if frame != src {
					frame = frame.Clone()
				}
				frame.Timestamp = time.Now().UnixNano()
				track.WriteFrame(frame)
			}
		}
	}()
	return DeviceTracks{Video: track}, nil
}

func hasDevice(kind mediadevices.MediaDeviceType) bool {
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

// mediaDevicesError maps driver errors onto the acquisition sentinels.
func mediaDevicesError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "not permitted"), strings.Contains(msg, "denied"):
		return fmt.Errorf("%v: %w", err, ErrPermissionDenied)
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return fmt.Errorf("%v: %w", err, ErrDeviceBusy)
	case strings.Contains(msg, "constraints"):
		return fmt.Errorf("%v: %w", err, ErrConstraintsUnsatisfiable)
	default:
		return fmt.Errorf("%v: %w", err, ErrDeviceNotFound)
	}
}
