// Package audio implements client-side audio management for a multi-party
// voice session.
//
// This package owns the full lifecycle of audio streams exchanged with remote
// peers and the local microphone: subscription bookkeeping, creation and
// teardown of playback sinks, volume normalization, speaking/listening
// activity detection, frequency-domain level metering, and an opt-in raw-audio
// capture pipeline that taps encoded or PCM buffers from live streams without
// disturbing playback.
//
// # Architecture
//
// The package consists of several integrated subsystems:
//
//   - Manager: orchestrates sinks, volume, events and cleanup
//   - trackRegistry: authoritative map of subscribed stream metadata
//   - audioContext: shared processing context with lazy analyser taps
//   - capturePipeline: per-stream tap sessions over cloned stream handles
//   - blockProcessor: off-thread / in-thread sample accumulation strategies
//
// # Collaborators
//
// Session signalling, stream transport and playback hardware are external
// collaborators. The package consumes them through small interfaces
// (StreamHandle, SinkFactory, RenderSurface, StreamResolver,
// MicrophoneController) so any transport implementation can drive it.
//
// # Manager Usage
//
// Create a manager with the platform collaborators and feed it subscription
// events from the transport layer:
//
//	manager := audio.NewManager(audio.Options{
//	    Sinks:    sinkFactory,
//	    Surface:  renderSurface,
//	    Resolver: resolver,
//	})
//	manager.On(audio.EventSpeaking, func(e audio.EventPayload) {
//	    fmt.Println("speaking:", e.StreamID)
//	})
//	manager.OnTrackSubscribed(handle, meta, participant)
//	defer manager.Cleanup()
//
// # Capture
//
// Tap live streams without interrupting playback:
//
//	manager.EnableAudioCapture(audio.CaptureOptions{
//	    Source: audio.CaptureSourceAgent,
//	    Format: audio.FormatPCMInt16,
//	    OnData: func(d audio.CaptureData) { sink.Write(d.Payload) },
//	})
//	defer manager.DisableAudioCapture()
package audio
