// Package media defines the platform boundary for device access: device
// enumeration, camera/microphone capture, display capture and permission
// queries. PionPlatform implements it on top of pion/mediadevices; tests use
// the fake in mediatest.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// DeviceKind represents the type of media device.
type DeviceKind int

const (
	VideoInput DeviceKind = iota + 1
	AudioInput
	AudioOutput
)

func (k DeviceKind) String() string {
	switch k {
	case VideoInput:
		return "videoinput"
	case AudioInput:
		return "audioinput"
	case AudioOutput:
		return "audiooutput"
	default:
		return "unknown"
	}
}

// Device describes one physical device as reported by the platform.
type Device struct {
	DeviceID string
	Label    string
	Kind     DeviceKind
	GroupID  string
}

// TrackKind is the media type carried by a track.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// DisplaySurface is the coarse category of a display capture.
type DisplaySurface string

const (
	SurfaceMonitor DisplaySurface = "monitor"
	SurfaceWindow  DisplaySurface = "window"
)

// TrackSettings are the settings actually granted by the platform, which
// may differ from what was requested.
type TrackSettings struct {
	DeviceID       string
	Width          int
	Height         int
	FrameRate      int
	DisplaySurface DisplaySurface
}

// Track is one local capture owned by whoever acquired it.
type Track interface {
	ID() string
	Kind() TrackKind
	Settings() TrackSettings
	// Stop releases the underlying hardware. Stopping twice is a no-op.
	Stop() error
	Stopped() bool
	// OnEnded registers a callback fired when the platform ends the track
	// (device unplugged, browser-level "stop sharing" control). It is not
	// fired by Stop.
	OnEnded(func()) (unsubscribe func())
}

// Stream groups the tracks returned by a single capture request.
type Stream struct {
	id     string
	mu     sync.Mutex
	tracks []Track
}

// NewStream builds a stream from already acquired tracks.
func NewStream(tracks ...Track) *Stream {
	return &Stream{id: uuid.NewString(), tracks: tracks}
}

func (s *Stream) ID() string {
	return s.id
}

// Tracks returns a copy of the stream's tracks.
func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Track(nil), s.tracks...)
}

func (s *Stream) VideoTracks() []Track {
	return s.byKind(TrackKindVideo)
}

func (s *Stream) AudioTracks() []Track {
	return s.byKind(TrackKindAudio)
}

func (s *Stream) byKind(kind TrackKind) []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// RemoveTrack drops t from the stream without stopping it.
func (s *Stream) RemoveTrack(t Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.tracks {
		if cur == t {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

// Stop stops every track in the stream and returns the first error.
func (s *Stream) Stop() error {
	var errs []error
	for _, t := range s.Tracks() {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// VideoConstraints for camera capture. DeviceID is matched exactly when set;
// otherwise FacingMode selects the device.
type VideoConstraints struct {
	DeviceID   string
	FacingMode string
	Width      int
	Height     int
	FrameRate  int
}

// AudioConstraints for microphone capture.
type AudioConstraints struct {
	DeviceID         string
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Constraints is a getUserMedia request. A nil member is not requested.
type Constraints struct {
	Video *VideoConstraints
	Audio *AudioConstraints
}

// DisplayConstraints is a getDisplayMedia request.
type DisplayConstraints struct {
	Surface   DisplaySurface
	Audio     bool
	Width     int
	Height    int
	FrameRate int
}

// PermissionName identifies a permission that can be queried.
type PermissionName string

const (
	PermissionCamera     PermissionName = "camera"
	PermissionMicrophone PermissionName = "microphone"
)

// PermissionState mirrors the permissions API states.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
)

// Platform is the device access surface consumed by the call components.
type Platform interface {
	EnumerateDevices(ctx context.Context) ([]Device, error)
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
	GetDisplayMedia(ctx context.Context, c DisplayConstraints) (*Stream, error)
	QueryPermission(ctx context.Context, name PermissionName) (PermissionState, error)
	// OnDeviceChange registers a hot-plug callback for as long as the
	// returned unsubscribe func has not been called.
	OnDeviceChange(func()) (unsubscribe func())
}

// Platform errors. Implementations wrap these so callers can classify
// failures with errors.Is.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceNotFound   = errors.New("requested device not found")
	ErrDeviceInUse      = errors.New("device in use")
	ErrOverconstrained  = errors.New("constraints cannot be satisfied")
	ErrNotSupported     = errors.New("not supported")
)

// FilterDevices returns the devices of the given kinds, in enumeration order.
// With no kinds every device is returned.
func FilterDevices(devices []Device, kinds ...DeviceKind) []Device {
	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		if len(kinds) == 0 {
			out = append(out, d)
			continue
		}
		for _, k := range kinds {
			if d.Kind == k {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// HasDevice reports whether id is in devices.
func HasDevice(devices []Device, id string) bool {
	for _, d := range devices {
		if d.DeviceID == id {
			return true
		}
	}
	return false
}
