// Package screenshare manages the local screen capture and the screen
// shares published by remote participants.
//
// At most one local share exists. Starting a new one stops the previous
// share first, and a capture ended by the platform (the user pressing the
// system "stop sharing" control) goes through the same transition as an
// explicit Stop.
package screenshare

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/callsession/internal/callerr"
	"github.com/mikeyg42/callsession/internal/events"
	"github.com/mikeyg42/callsession/internal/logging"
	"github.com/mikeyg42/callsession/internal/media"
	"github.com/mikeyg42/callsession/internal/metrics"
	"github.com/mikeyg42/callsession/internal/transport"
)

// localIdentity keys the local share when there is no publisher.
const localIdentity = "local"

// Source is a coarse capture category offered before the platform picker.
type Source struct {
	ID      string
	Name    string
	Surface media.DisplaySurface
}

var sources = []Source{
	{ID: "screen", Name: "Entire screen", Surface: media.SurfaceMonitor},
	{ID: "window", Name: "Application window", Surface: media.SurfaceWindow},
}

// Sources lists the selectable capture categories.
func Sources() []Source {
	return append([]Source(nil), sources...)
}

// Publisher publishes the local share to the call. transport.Session
// implements it.
type Publisher interface {
	Publish(ctx context.Context, track media.Track, source transport.Source) (transport.TrackInfo, error)
	Unpublish(ctx context.Context, source transport.Source) error
	LocalIdentity() string
}

// StopReason says why a local share ended.
type StopReason string

const (
	ReasonUser     StopReason = "user"
	ReasonEnded    StopReason = "ended"
	ReasonReplaced StopReason = "replaced"
	ReasonReset    StopReason = "reset"
)

// Stopped is emitted every time a local share ends.
type Stopped struct {
	Reason StopReason
	Track  transport.TrackInfo
}

// State is a snapshot of the controller. ActiveTracks is keyed by
// participant identity and must not be modified.
type State struct {
	IsSharing         bool
	IsSelectingSource bool
	SelectedSource    *Source
	ActiveTracks      map[string]transport.TrackInfo
	Viewer            Viewer
	Error             string
}

// Config configures a Controller.
type Config struct {
	Platform   media.Platform
	Publisher  Publisher
	Fullscreen Fullscreen
	// SystemAudio captures system audio with whole-screen shares.
	SystemAudio bool
	Width       int
	Height      int
	FrameRate   int
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

type Controller struct {
	platform    media.Platform
	publisher   Publisher
	fullscreen  Fullscreen
	systemAudio bool
	width       int
	height      int
	frameRate   int
	logger      *zap.Logger
	metrics     *metrics.Metrics

	// sem serializes capture start and stop. The fields below it are only
	// touched while holding sem.
	sem        chan struct{}
	stream     *media.Stream
	video      media.Track
	audio      media.Track
	info       transport.TrackInfo
	audioSent  bool
	endedUnsub func()

	mu    sync.Mutex
	state State

	changes events.Emitter[State]
	stopped events.Emitter[Stopped]
	fsUnsub func()
}

func NewController(cfg Config) *Controller {
	c := &Controller{
		platform:    cfg.Platform,
		publisher:   cfg.Publisher,
		fullscreen:  cfg.Fullscreen,
		systemAudio: cfg.SystemAudio,
		width:       cfg.Width,
		height:      cfg.Height,
		frameRate:   cfg.FrameRate,
		logger:      logging.OrNop(cfg.Logger).Named("screenshare"),
		metrics:     cfg.Metrics,
		sem:         make(chan struct{}, 1),
		state:       initialState(),
	}
	if c.fullscreen != nil {
		c.fsUnsub = c.fullscreen.OnFullscreenChange(c.handleFullscreenChange)
	}
	return c
}

func initialState() State {
	return State{
		ActiveTracks: map[string]transport.TrackInfo{},
		Viewer:       defaultViewer(),
	}
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnChange subscribes to state changes.
func (c *Controller) OnChange(fn func(State)) (unsubscribe func()) {
	return c.changes.Subscribe(fn)
}

// OnStopped subscribes to the end of local shares, whatever the cause.
func (c *Controller) OnStopped(fn func(Stopped)) (unsubscribe func()) {
	return c.stopped.Subscribe(fn)
}

// update applies fn to a copy of the state and broadcasts the result.
// fn must replace ActiveTracks rather than modify it.
func (c *Controller) update(fn func(*State)) {
	c.mu.Lock()
	s := c.state
	fn(&s)
	c.state = s
	c.mu.Unlock()
	c.changes.Emit(s)
}

func withTrack(tracks map[string]transport.TrackInfo, identity string, info transport.TrackInfo) map[string]transport.TrackInfo {
	out := make(map[string]transport.TrackInfo, len(tracks)+1)
	for k, v := range tracks {
		out[k] = v
	}
	out[identity] = info
	return out
}

func withoutTrack(tracks map[string]transport.TrackInfo, identity string) map[string]transport.TrackInfo {
	out := make(map[string]transport.TrackInfo, len(tracks))
	for k, v := range tracks {
		if k != identity {
			out[k] = v
		}
	}
	return out
}

func (c *Controller) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return callerr.New(callerr.KindInternal, "screenshare", "operation cancelled", ctx.Err())
	}
}

func (c *Controller) release() {
	<-c.sem
}

// StartSourceSelection enters source selection and returns the coarse
// categories. The platform picker is not opened until SelectAndStart.
func (c *Controller) StartSourceSelection() []Source {
	c.update(func(s *State) {
		s.IsSelectingSource = true
		s.Error = ""
	})
	return Sources()
}

func (c *Controller) CancelSourceSelection() {
	c.update(func(s *State) { s.IsSelectingSource = false })
}

func (c *Controller) identity() string {
	if c.publisher != nil {
		if id := c.publisher.LocalIdentity(); id != "" {
			return id
		}
	}
	return localIdentity
}

// SelectAndStart stops any current share, captures src and publishes the
// single resulting video track.
func (c *Controller) SelectAndStart(ctx context.Context, src Source) error {
	const op = "screenshare.start"
	if src.Surface != media.SurfaceMonitor && src.Surface != media.SurfaceWindow {
		return callerr.New(callerr.KindProtocol, op, fmt.Sprintf("unknown source %q", src.ID), nil)
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	c.stopLocked(ctx, ReasonReplaced)
	selected := src
	c.update(func(s *State) {
		s.SelectedSource = &selected
		s.Error = ""
	})

	stream, err := c.platform.GetDisplayMedia(ctx, media.DisplayConstraints{
		Surface:   src.Surface,
		Audio:     c.systemAudio && src.Surface == media.SurfaceMonitor,
		Width:     c.width,
		Height:    c.height,
		FrameRate: c.frameRate,
	})
	c.metrics.MediaAcquisition("screen", err)
	if err != nil {
		return c.fail(op, callerr.FromPlatform(op, err))
	}

	videos := stream.VideoTracks()
	if len(videos) == 0 {
		_ = stream.Stop()
		return c.fail(op, callerr.FromPlatform(op, fmt.Errorf("display capture has no video: %w", media.ErrDeviceNotFound)))
	}
	video := videos[0]
	for _, extra := range videos[1:] {
		stream.RemoveTrack(extra)
		_ = extra.Stop()
	}
	var audio media.Track
	if tracks := stream.AudioTracks(); len(tracks) > 0 {
		audio = tracks[0]
	}

	info := transport.TrackInfo{
		SID:      video.ID(),
		Identity: c.identity(),
		Source:   transport.SourceScreenShare,
		Kind:     media.TrackKindVideo,
		Local:    video,
	}
	audioSent := false
	if c.publisher != nil {
		info, err = c.publisher.Publish(ctx, video, transport.SourceScreenShare)
		if err != nil {
			_ = stream.Stop()
			return c.fail(op, err)
		}
		if info.Identity == "" {
			info.Identity = c.identity()
		}
		if audio != nil {
			if _, err := c.publisher.Publish(ctx, audio, transport.SourceScreenShareAudio); err != nil {
				c.logger.Warn("failed to publish system audio", zap.Error(err))
				stream.RemoveTrack(audio)
				_ = audio.Stop()
				audio = nil
			} else {
				audioSent = true
			}
		}
	}

	c.stream, c.video, c.audio, c.info, c.audioSent = stream, video, audio, info, audioSent
	c.endedUnsub = video.OnEnded(func() { go c.handleEnded(video) })

	c.update(func(s *State) {
		s.IsSharing = true
		s.IsSelectingSource = false
		s.ActiveTracks = withTrack(s.ActiveTracks, info.Identity, info)
		s.Error = ""
	})
	c.logger.Info("screen share started",
		zap.String("source", src.ID),
		zap.Bool("system_audio", audio != nil))
	return nil
}

func (c *Controller) fail(op string, err error) error {
	c.logger.Warn("screen share failed", zap.String("op", op), zap.Error(err))
	c.update(func(s *State) {
		s.IsSelectingSource = false
		s.SelectedSource = nil
		s.Error = callerr.Message(err)
	})
	return err
}

// stopLocked ends the local share. Callers hold sem.
func (c *Controller) stopLocked(ctx context.Context, reason StopReason) bool {
	if c.video == nil {
		return false
	}
	if c.endedUnsub != nil {
		c.endedUnsub()
		c.endedUnsub = nil
	}
	if err := c.stream.Stop(); err != nil {
		c.logger.Warn("failed to stop screen capture", zap.Error(err))
	}
	if c.publisher != nil {
		if err := c.publisher.Unpublish(ctx, transport.SourceScreenShare); err != nil {
			c.logger.Debug("unpublish screen share", zap.Error(err))
		}
		if c.audioSent {
			if err := c.publisher.Unpublish(ctx, transport.SourceScreenShareAudio); err != nil {
				c.logger.Debug("unpublish screen share audio", zap.Error(err))
			}
		}
	}
	info := c.info
	c.stream, c.video, c.audio, c.info, c.audioSent = nil, nil, nil, transport.TrackInfo{}, false

	exitFullscreen := false
	c.update(func(s *State) {
		exitFullscreen = s.Viewer.IsFullscreen
		s.IsSharing = false
		s.SelectedSource = nil
		s.ActiveTracks = withoutTrack(s.ActiveTracks, info.Identity)
		s.Viewer = defaultViewer()
		s.Viewer.IsFullscreen = exitFullscreen
	})
	if exitFullscreen && c.fullscreen != nil {
		if err := c.fullscreen.RequestFullscreen(ctx, false); err != nil {
			c.logger.Debug("failed to leave fullscreen", zap.Error(err))
		}
	}

	c.metrics.ScreenShareEnded(string(reason))
	c.logger.Info("screen share stopped", zap.String("reason", string(reason)))
	c.stopped.Emit(Stopped{Reason: reason, Track: info})
	return true
}

// Stop ends the local share. It is a no-op when not sharing.
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	c.stopLocked(ctx, ReasonUser)
	return nil
}

// Toggle stops an active share, or starts one from src.
func (c *Controller) Toggle(ctx context.Context, src *Source) (bool, error) {
	if c.Snapshot().IsSharing {
		return false, c.Stop(ctx)
	}
	if src == nil {
		src = &sources[0]
	}
	if err := c.SelectAndStart(ctx, *src); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Controller) handleEnded(track media.Track) {
	if err := c.acquire(context.Background()); err != nil {
		return
	}
	defer c.release()
	if c.video != track {
		return
	}
	c.stopLocked(context.Background(), ReasonEnded)
}

// Reset ends the local share and forgets every remote share and viewer
// setting, as when leaving a call.
func (c *Controller) Reset(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	c.stopLocked(ctx, ReasonReset)
	c.update(func(s *State) {
		fullscreen := s.Viewer.IsFullscreen
		*s = initialState()
		s.Viewer.IsFullscreen = fullscreen
	})
	return nil
}

// Close releases the capture and the fullscreen subscription.
func (c *Controller) Close(ctx context.Context) error {
	if c.fsUnsub != nil {
		c.fsUnsub()
		c.fsUnsub = nil
	}
	return c.Stop(ctx)
}

// HandleTrackSubscribed registers a remote screen share. Other sources are
// ignored.
func (c *Controller) HandleTrackSubscribed(info transport.TrackInfo) {
	if info.Source != transport.SourceScreenShare || info.Identity == "" {
		return
	}
	c.update(func(s *State) {
		s.ActiveTracks = withTrack(s.ActiveTracks, info.Identity, info)
	})
}

func (c *Controller) HandleTrackUnsubscribed(info transport.TrackInfo) {
	if info.Source != transport.SourceScreenShare {
		return
	}
	c.removeRemote(info.Identity, info.SID)
}

func (c *Controller) HandleParticipantLeft(identity string) {
	c.removeRemote(identity, "")
}

// removeRemote drops identity's share, if sid matches or is empty.
func (c *Controller) removeRemote(identity, sid string) {
	c.mu.Lock()
	cur, ok := c.state.ActiveTracks[identity]
	c.mu.Unlock()
	if !ok || (sid != "" && cur.SID != sid) {
		return
	}
	c.update(func(s *State) {
		s.ActiveTracks = withoutTrack(s.ActiveTracks, identity)
		if s.Viewer.FocusedTrack == identity {
			s.Viewer.FocusedTrack = ""
		}
	})
}
