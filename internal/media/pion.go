package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// DefaultPollInterval is how often PionPlatform re-enumerates to detect
// hot-plugged devices.
const DefaultPollInterval = 2 * time.Second

// PionPlatform implements Platform with pion/mediadevices. Drivers are
// registered by the binary through blank imports of
// github.com/pion/mediadevices/pkg/driver/{camera,microphone,screen}.
type PionPlatform struct {
	logger        *zap.Logger
	codecSelector *mediadevices.CodecSelector
	pollInterval  time.Duration

	mu          sync.Mutex
	permissions map[PermissionName]PermissionState
	listeners   map[int]func()
	nextID      int
	stopPoll    chan struct{}
}

// NewPionPlatform creates the platform and its VP8/Opus codec selector.
func NewPionPlatform(logger *zap.Logger, pollInterval time.Duration) (*PionPlatform, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = 100_000
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = time.Millisecond * 200

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	p := &PionPlatform{
		logger: logger.Named("media"),
		codecSelector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		pollInterval: pollInterval,
		permissions:  make(map[PermissionName]PermissionState),
		listeners:    make(map[int]func()),
	}
	p.logger.Debug("codec selector configured",
		zap.Int("vp8_bitrate", vpxParams.BitRate),
		zap.Int("opus_bitrate", opusParams.BitRate))
	return p, nil
}

// CodecSelector is used by the transport to register matching codecs on
// its media engine.
func (p *PionPlatform) CodecSelector() *mediadevices.CodecSelector {
	return p.codecSelector
}

func (p *PionPlatform) EnumerateDevices(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos := mediadevices.EnumerateDevices()
	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		var kind DeviceKind
		switch info.Kind {
		case mediadevices.VideoInput:
			kind = VideoInput
		case mediadevices.AudioInput:
			kind = AudioInput
		case mediadevices.AudioOutput:
			kind = AudioOutput
		default:
			continue
		}
		devices = append(devices, Device{
			DeviceID: info.DeviceID,
			Label:    info.Label,
			Kind:     kind,
			GroupID:  string(info.DeviceType),
		})
	}
	return devices, nil
}

func (p *PionPlatform) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if c.Video == nil && c.Audio == nil {
		return nil, fmt.Errorf("getUserMedia: no media requested: %w", ErrOverconstrained)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msc := mediadevices.MediaStreamConstraints{Codec: p.codecSelector}
	if v := c.Video; v != nil {
		msc.Video = func(mc *mediadevices.MediaTrackConstraints) {
			if v.DeviceID != "" {
				mc.DeviceID = prop.StringExact(v.DeviceID)
			}
			if v.Width > 0 {
				mc.Width = prop.Int(v.Width)
			}
			if v.Height > 0 {
				mc.Height = prop.Int(v.Height)
			}
			if v.FrameRate > 0 {
				mc.FrameRate = prop.Float(float32(v.FrameRate))
			}
		}
	}
	if a := c.Audio; a != nil {
		msc.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			if a.DeviceID != "" {
				mc.DeviceID = prop.StringExact(a.DeviceID)
			}
			mc.SampleRate = prop.Int(48000)
			mc.ChannelCount = prop.Int(1)
			mc.Latency = prop.Duration(20 * time.Millisecond)
		}
	}

	ms, err := mediadevices.GetUserMedia(msc)
	if err != nil {
		err = classify(err)
		p.recordPermission(c, err)
		return nil, fmt.Errorf("getUserMedia: %w", err)
	}
	p.recordPermission(c, nil)

	var tracks []Track
	for _, t := range ms.GetTracks() {
		settings := TrackSettings{DeviceID: t.ID()}
		kind := TrackKindAudio
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			kind = TrackKindVideo
			if c.Video != nil {
				settings.Width, settings.Height, settings.FrameRate = c.Video.Width, c.Video.Height, c.Video.FrameRate
			}
		}
		tracks = append(tracks, newPionTrack(t, kind, settings))
	}
	return NewStream(tracks...), nil
}

func (p *PionPlatform) GetDisplayMedia(ctx context.Context, c DisplayConstraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msc := mediadevices.MediaStreamConstraints{
		Codec: p.codecSelector,
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			if c.Width > 0 {
				mc.Width = prop.Int(c.Width)
			}
			if c.Height > 0 {
				mc.Height = prop.Int(c.Height)
			}
			if c.FrameRate > 0 {
				mc.FrameRate = prop.Float(float32(c.FrameRate))
			}
		},
	}
	// The screen driver only captures whole monitors and has no loopback
	// audio source, so Audio is not requested here.
	ms, err := mediadevices.GetDisplayMedia(msc)
	if err != nil {
		return nil, fmt.Errorf("getDisplayMedia: %w", classify(err))
	}

	var tracks []Track
	for _, t := range ms.GetVideoTracks() {
		tracks = append(tracks, newPionTrack(t, TrackKindVideo, TrackSettings{
			DeviceID:       t.ID(),
			Width:          c.Width,
			Height:         c.Height,
			FrameRate:      c.FrameRate,
			DisplaySurface: SurfaceMonitor,
		}))
	}
	return NewStream(tracks...), nil
}

// QueryPermission reports what previous capture attempts revealed. The
// capture drivers have no separate permission API, so a kind is "prompt"
// until a capture of that kind has been attempted.
func (p *PionPlatform) QueryPermission(_ context.Context, name PermissionName) (PermissionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state, ok := p.permissions[name]; ok {
		return state, nil
	}
	return PermissionPrompt, nil
}

func (p *PionPlatform) recordPermission(c Constraints, err error) {
	state := PermissionGranted
	if err != nil {
		if !errors.Is(err, ErrPermissionDenied) {
			return
		}
		state = PermissionDenied
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.Video != nil {
		p.permissions[PermissionCamera] = state
	}
	if c.Audio != nil {
		p.permissions[PermissionMicrophone] = state
	}
}

// OnDeviceChange starts polling on the first subscription and stops it once
// the last subscriber is gone.
func (p *PionPlatform) OnDeviceChange(fn func()) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	if p.stopPoll == nil {
		p.stopPoll = make(chan struct{})
		go p.poll(p.stopPoll)
	}
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.listeners, id)
			if len(p.listeners) == 0 && p.stopPoll != nil {
				close(p.stopPoll)
				p.stopPoll = nil
			}
		})
	}
}

func (p *PionPlatform) poll(stop <-chan struct{}) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	last := deviceSet(mediadevices.EnumerateDevices())
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			current := deviceSet(mediadevices.EnumerateDevices())
			if current == last {
				continue
			}
			last = current
			p.logger.Debug("device list changed")

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
	}
}

func deviceSet(infos []mediadevices.MediaDeviceInfo) string {
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, fmt.Sprintf("%d:%s", info.Kind, info.DeviceID))
	}
	return strings.Join(ids, ",")
}

// classify maps driver failures onto the platform sentinels.
func classify(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, syscall.EBUSY):
		return fmt.Errorf("%w: %v", ErrDeviceInUse, err)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENODEV):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", ErrDeviceInUse, err)
	case strings.Contains(msg, "failed to find"), strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	default:
		return err
	}
}

// pionTrack adapts a mediadevices.Track to Track.
type pionTrack struct {
	track    mediadevices.Track
	kind     TrackKind
	settings TrackSettings

	mu        sync.Mutex
	stopped   bool
	listeners map[int]func()
	nextID    int
}

func newPionTrack(t mediadevices.Track, kind TrackKind, settings TrackSettings) *pionTrack {
	pt := &pionTrack{
		track:     t,
		kind:      kind,
		settings:  settings,
		listeners: make(map[int]func()),
	}
	t.OnEnded(func(error) { pt.ended() })
	return pt
}

func (t *pionTrack) ID() string              { return t.track.ID() }
func (t *pionTrack) Kind() TrackKind         { return t.kind }
func (t *pionTrack) Settings() TrackSettings { return t.settings }

// WebRTCTrack exposes the underlying track for publishing on a peer
// connection.
func (t *pionTrack) WebRTCTrack() webrtc.TrackLocal {
	return t.track
}

func (t *pionTrack) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()
	return t.track.Close()
}

func (t *pionTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *pionTrack) OnEnded(fn func()) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// ended fires for platform-initiated ends only; a Close issued by Stop
// also triggers the driver callback, which is swallowed here.
func (t *pionTrack) ended() {
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
	for _, fn := range listeners {
		fn()
	}
}

// WebRTCTrack is implemented by tracks that can be published on a pion peer
// connection.
type WebRTCTrack interface {
	WebRTCTrack() webrtc.TrackLocal
}
