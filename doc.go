// Package studio records from several live capture sources at once: a
// camera, a screen and a microphone, composited into one video track and
// mixed into one audio track, then encoded into a single session artifact.
//
// Key pieces include:
//   - SourceManager and DeviceProvider (getUserMedia-style acquisition with a
//     shared, reference counted camera)
//   - Compositor (layer placement per layout, animated transitions, render
//     loop metrics) and Mixer (gain-weighted summation with mute and levels)
//   - EncoderSession (timed segment chunks of RTP packets in rtpdump form)
//   - Recorder (recording state machine with an in-place restart when the
//     video source set changes mid-recording)
//   - Probe (capability detection) and Registry (persisted session metadata)
//
// # Architecture
//
//	Capture:  DeviceProvider -> SourceManager -> CaptureSource (VideoTrack, AudioTrack)
//	Video:    VideoTrack... -> Compositor -> VideoTrack -> EncoderSession
//	Audio:    AudioTrack... -> Mixer -> AudioTrack -> EncoderSession
//	Output:   EncoderSession -> Chunk events -> Recorder -> RecordingSession segments
//
// A restart stops the running EncoderSession without finalizing, rewires the
// compositor and opens a new EncoderSession whose offsets continue from the
// previous one, so all segments form one contiguous artifact.
//
// # Native Libraries
//
// The compositor uses libstream_compositor through purego when it can be
// loaded (STUDIO_COMPOSITOR_LIB names the library file) and falls back to a
// pure-Go blender otherwise.
//
// # Build Tags
//
// Hardware capture (the "system" provider) requires cgo. The nodevices tag
// disables it; the "synthetic" provider is always available.
package studio
