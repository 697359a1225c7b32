// Package mediatest provides an in-memory media.Platform for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mikeyg42/callsession/internal/media"
)

// Purpose identifies a capture slot. At most one live capture per purpose
// is allowed.
type Purpose string

const (
	Camera     Purpose = "camera"
	Microphone Purpose = "microphone"
	Screen     Purpose = "screen"
)

// Platform is a deterministic fake. The zero value is not usable; call New.
type Platform struct {
	mu          sync.Mutex
	devices     []media.Device
	permissions map[media.PermissionName]media.PermissionState
	userErrs    []error
	enumErrs    []error
	displayErrs []error
	granted     map[media.DeviceKind]string
	extraVideo  int
	userGate    *gate

	userCalls    []media.Constraints
	displayCalls []media.DisplayConstraints
	enumerations int
	requests     int

	live       map[Purpose][]*Track
	maxLive    map[Purpose]int
	violations []string

	listeners map[int]func()
	nextID    int
}

// New creates a fake with the given devices and all permissions granted.
func New(devices ...media.Device) *Platform {
	return &Platform{
		devices: append([]media.Device(nil), devices...),
		permissions: map[media.PermissionName]media.PermissionState{
			media.PermissionCamera:     media.PermissionGranted,
			media.PermissionMicrophone: media.PermissionGranted,
		},
		granted:   make(map[media.DeviceKind]string),
		live:      make(map[Purpose][]*Track),
		maxLive:   make(map[Purpose]int),
		listeners: make(map[int]func()),
	}
}

// Cameras builds n video input devices named camera-1..camera-n.
func Cameras(n int) []media.Device {
	out := make([]media.Device, n)
	for i := range out {
		out[i] = media.Device{
			DeviceID: fmt.Sprintf("camera-%d", i+1),
			Label:    fmt.Sprintf("Camera %d", i+1),
			Kind:     media.VideoInput,
			GroupID:  fmt.Sprintf("group-%d", i+1),
		}
	}
	return out
}

// Microphones builds n audio input devices named mic-1..mic-n.
func Microphones(n int) []media.Device {
	out := make([]media.Device, n)
	for i := range out {
		out[i] = media.Device{
			DeviceID: fmt.Sprintf("mic-%d", i+1),
			Label:    fmt.Sprintf("Microphone %d", i+1),
			Kind:     media.AudioInput,
			GroupID:  fmt.Sprintf("group-%d", i+1),
		}
	}
	return out
}

// SetDevices replaces the device list without notifying listeners.
func (p *Platform) SetDevices(devices ...media.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = append([]media.Device(nil), devices...)
}

// ChangeDevices replaces the device list and fires the device-change
// notification synchronously.
func (p *Platform) ChangeDevices(devices ...media.Device) {
	p.SetDevices(devices...)
	p.FireDeviceChange()
}

// FireDeviceChange notifies every subscriber.
func (p *Platform) FireDeviceChange() {
	p.mu.Lock()
	listeners := make([]func(), 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// FailNextEnumeration makes the next EnumerateDevices return err.
func (p *Platform) FailNextEnumeration(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enumErrs = append(p.enumErrs, err)
}

type gate struct {
	entered chan struct{}
	release chan struct{}
}

// HoldNextUserMedia makes the next GetUserMedia wait before it captures.
// entered is closed once that call is waiting; release lets it continue.
func (p *Platform) HoldNextUserMedia() (entered <-chan struct{}, release func()) {
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	p.mu.Lock()
	p.userGate = g
	p.mu.Unlock()
	var once sync.Once
	return g.entered, func() { once.Do(func() { close(g.release) }) }
}

// SetPermission sets what QueryPermission reports for name.
func (p *Platform) SetPermission(name media.PermissionName, state media.PermissionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permissions[name] = state
}

// FailNextUserMedia queues an error returned by the next GetUserMedia.
func (p *Platform) FailNextUserMedia(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userErrs = append(p.userErrs, err)
}

// FailNextDisplayMedia queues an error returned by the next GetDisplayMedia.
func (p *Platform) FailNextDisplayMedia(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.displayErrs = append(p.displayErrs, err)
}

// GrantDevice makes captures of kind report deviceID in their settings
// regardless of what was requested, as a browser falling back would.
func (p *Platform) GrantDevice(kind media.DeviceKind, deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.granted[kind] = deviceID
}

// ExtraDisplayVideoTracks makes GetDisplayMedia return n additional video
// tracks on top of the first one.
func (p *Platform) ExtraDisplayVideoTracks(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.extraVideo = n
}

// UserMediaCalls returns every GetUserMedia request in order.
func (p *Platform) UserMediaCalls() []media.Constraints {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]media.Constraints(nil), p.userCalls...)
}

// DisplayMediaCalls returns every GetDisplayMedia request in order.
func (p *Platform) DisplayMediaCalls() []media.DisplayConstraints {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]media.DisplayConstraints(nil), p.displayCalls...)
}

// Enumerations returns how many times EnumerateDevices was called.
func (p *Platform) Enumerations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enumerations
}

// Live returns the number of unstopped tracks for purpose.
func (p *Platform) Live(purpose Purpose) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live[purpose])
}

// LiveTotal returns the number of unstopped tracks across all purposes.
func (p *Platform) LiveTotal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, tracks := range p.live {
		n += len(tracks)
	}
	return n
}

// MaxLive returns the highest number of simultaneously live tracks ever
// observed for purpose.
func (p *Platform) MaxLive(purpose Purpose) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxLive[purpose]
}

// Violations lists every acquisition made while a previous capture for the
// same purpose was still live.
func (p *Platform) Violations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.violations...)
}

// LiveTracks returns the unstopped tracks for purpose.
func (p *Platform) LiveTracks(purpose Purpose) []*Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Track(nil), p.live[purpose]...)
}

// Listeners returns the number of device-change subscribers.
func (p *Platform) Listeners() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

func (p *Platform) EnumerateDevices(ctx context.Context) ([]media.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enumerations++
	if len(p.enumErrs) > 0 {
		err := p.enumErrs[0]
		p.enumErrs = p.enumErrs[1:]
		return nil, err
	}
	out := append([]media.Device(nil), p.devices...)
	for i := range out {
		name := media.PermissionMicrophone
		if out[i].Kind == media.VideoInput {
			name = media.PermissionCamera
		}
		if p.permissions[name] != media.PermissionGranted {
			out[i].Label = ""
		}
	}
	return out, nil
}

func (p *Platform) GetUserMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	g := p.userGate
	p.userGate = nil
	p.mu.Unlock()
	if g != nil {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.userCalls = append(p.userCalls, c)
	p.requests++

	if len(p.userErrs) > 0 {
		err := p.userErrs[0]
		p.userErrs = p.userErrs[1:]
		return nil, err
	}
	if c.Video != nil && p.permissions[media.PermissionCamera] == media.PermissionDenied {
		return nil, fmt.Errorf("camera: %w", media.ErrPermissionDenied)
	}
	if c.Audio != nil && p.permissions[media.PermissionMicrophone] == media.PermissionDenied {
		return nil, fmt.Errorf("microphone: %w", media.ErrPermissionDenied)
	}

	var tracks []media.Track
	if v := c.Video; v != nil {
		id, err := p.resolve(media.VideoInput, v.DeviceID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, p.newTrack(Camera, media.TrackKindVideo, media.TrackSettings{
			DeviceID:  id,
			Width:     v.Width,
			Height:    v.Height,
			FrameRate: v.FrameRate,
		}))
	}
	if a := c.Audio; a != nil {
		id, err := p.resolve(media.AudioInput, a.DeviceID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, p.newTrack(Microphone, media.TrackKindAudio, media.TrackSettings{DeviceID: id}))
	}
	// A successful prompt counts as a grant.
	if c.Video != nil && p.permissions[media.PermissionCamera] == media.PermissionPrompt {
		p.permissions[media.PermissionCamera] = media.PermissionGranted
	}
	if c.Audio != nil && p.permissions[media.PermissionMicrophone] == media.PermissionPrompt {
		p.permissions[media.PermissionMicrophone] = media.PermissionGranted
	}
	return media.NewStream(tracks...), nil
}

func (p *Platform) GetDisplayMedia(ctx context.Context, c media.DisplayConstraints) (*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.displayCalls = append(p.displayCalls, c)
	p.requests++

	if len(p.displayErrs) > 0 {
		err := p.displayErrs[0]
		p.displayErrs = p.displayErrs[1:]
		return nil, err
	}

	surface := c.Surface
	if surface == "" {
		surface = media.SurfaceMonitor
	}
	settings := media.TrackSettings{
		DeviceID:       "screen:" + string(surface),
		Width:          c.Width,
		Height:         c.Height,
		FrameRate:      c.FrameRate,
		DisplaySurface: surface,
	}
	tracks := []media.Track{p.newTrack(Screen, media.TrackKindVideo, settings)}
	for i := 0; i < p.extraVideo; i++ {
		tracks = append(tracks, p.newTrack(Screen, media.TrackKindVideo, settings))
	}
	if c.Audio {
		tracks = append(tracks, p.newTrack(Screen, media.TrackKindAudio, media.TrackSettings{DeviceID: "screen:audio"}))
	}
	return media.NewStream(tracks...), nil
}

func (p *Platform) QueryPermission(ctx context.Context, name media.PermissionName) (media.PermissionState, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.permissions[name]
	if !ok {
		return media.PermissionPrompt, nil
	}
	return state, nil
}

func (p *Platform) OnDeviceChange(fn func()) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// resolve picks the device a capture is granted. Callers hold p.mu.
func (p *Platform) resolve(kind media.DeviceKind, requested string) (string, error) {
	if id, ok := p.granted[kind]; ok {
		return id, nil
	}
	var first string
	for _, d := range p.devices {
		if d.Kind != kind {
			continue
		}
		if requested != "" && d.DeviceID == requested {
			return d.DeviceID, nil
		}
		if first == "" {
			first = d.DeviceID
		}
	}
	if requested != "" || first == "" {
		return "", fmt.Errorf("%s %q: %w", kind, requested, media.ErrDeviceNotFound)
	}
	return first, nil
}

// newTrack records a live capture. Callers hold p.mu.
func (p *Platform) newTrack(purpose Purpose, kind media.TrackKind, settings media.TrackSettings) *Track {
	for _, prev := range p.live[purpose] {
		if prev.request != p.requests {
			p.violations = append(p.violations, fmt.Sprintf("%s acquired while %d capture(s) live", purpose, len(p.live[purpose])))
			break
		}
	}
	t := &Track{
		id:       uuid.NewString(),
		kind:     kind,
		settings: settings,
		purpose:  purpose,
		platform: p,
		request:  p.requests,
	}
	p.live[purpose] = append(p.live[purpose], t)
	if n := len(p.live[purpose]); n > p.maxLive[purpose] {
		p.maxLive[purpose] = n
	}
	return t
}

func (p *Platform) release(t *Track) {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := p.live[t.purpose]
	for i, cur := range live {
		if cur == t {
			p.live[t.purpose] = append(live[:i], live[i+1:]...)
			return
		}
	}
}

// Track is a fake capture.
type Track struct {
	id       string
	kind     media.TrackKind
	settings media.TrackSettings
	purpose  Purpose
	platform *Platform
	request  int

	mu        sync.Mutex
	stopped   bool
	listeners map[int]func()
	nextID    int
}

func (t *Track) ID() string                    { return t.id }
func (t *Track) Kind() media.TrackKind         { return t.kind }
func (t *Track) Settings() media.TrackSettings { return t.settings }

func (t *Track) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()
	t.platform.release(t)
	return nil
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Track) OnEnded(fn func()) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listeners == nil {
		t.listeners = make(map[int]func())
	}
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// End simulates the platform ending the track, for example the user
// pressing the browser's "stop sharing" control.
func (t *Track) End() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	listeners := make([]func(), 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()
	t.platform.release(t)
	for _, fn := range listeners {
		fn()
	}
}
