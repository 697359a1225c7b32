// Package call is the top-level call state machine. It composes the local
// media controllers, the transport session and the screen-share controller
// into one lifecycle and folds their events into an immutable participant
// list for the UI.
package call

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/callsession/internal/callerr"
	"github.com/mikeyg42/callsession/internal/events"
	"github.com/mikeyg42/callsession/internal/localmedia"
	"github.com/mikeyg42/callsession/internal/logging"
	"github.com/mikeyg42/callsession/internal/media"
	"github.com/mikeyg42/callsession/internal/metrics"
	"github.com/mikeyg42/callsession/internal/screenshare"
	"github.com/mikeyg42/callsession/internal/transport"
)

// ErrConnectionInProgress rejects a Connect issued while another is running.
var ErrConnectionInProgress = errors.New("connection in progress")

// Status is the call lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "idle"
	}
}

func (s Status) live() bool {
	return s == StatusConnected || s == StatusReconnecting
}

// State is a snapshot of the call. Participants must not be modified.
type State struct {
	Status Status
	// Error is the terminal failure of the last connection attempt. It is
	// never set for transient reconnects.
	Error string
	// MediaError is the last camera or microphone failure. It does not
	// affect Status.
	MediaError   string
	Room         string
	Participants []Participant
	Layout       Layout
	Pinned       string

	AudioEnabled  bool
	VideoEnabled  bool
	Deafened      bool
	ScreenSharing bool
}

// ShowRetry reports whether the UI should offer to reconnect.
func (s State) ShowRetry() bool {
	return s.Status == StatusDisconnected && s.Error != ""
}

// Local returns the local participant once connected.
func (s State) Local() (Participant, bool) {
	for _, p := range s.Participants {
		if p.IsLocal {
			return p, true
		}
	}
	return Participant{}, false
}

// Transport is the connection the call runs on. transport.Session
// implements it.
type Transport interface {
	RequestAccess(ctx context.Context, req transport.AccessRequest) (transport.Credential, error)
	Connect(ctx context.Context, roomName string, cred transport.Credential) error
	Disconnect(ctx context.Context) error
	State() transport.State
	LocalIdentity() string
	Subscribe(fn func(transport.Event)) (unsubscribe func())
	Publish(ctx context.Context, track media.Track, source transport.Source) (transport.TrackInfo, error)
	Unpublish(ctx context.Context, source transport.Source) error
	SendData(ctx context.Context, payload []byte, reliability transport.Reliability, topic string) error
}

// JoinOptions describes who joins which room and with which media.
type JoinOptions struct {
	Room         string
	Identity     string
	Name         string
	Avatar       string
	Role         Role
	AudioEnabled bool
	VideoEnabled bool
}

// Config configures a Call. Previews are optional.
type Config struct {
	Transport         Transport
	Camera            *localmedia.Controller
	Microphone        *localmedia.Controller
	CameraPreview     *localmedia.Preview
	MicrophonePreview *localmedia.Preview
	ScreenShare       *screenshare.Controller
	Voice             *localmedia.VoiceState
	DefaultLayout     Layout
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

// Call orchestrates one room session and the local media published into it.
type Call struct {
	transport     Transport
	camera        *localmedia.Controller
	mic           *localmedia.Controller
	cameraPreview *localmedia.Preview
	micPreview    *localmedia.Preview
	screen        *screenshare.Controller
	voice         *localmedia.VoiceState
	defaultLayout Layout
	logger        *zap.Logger
	metrics       *metrics.Metrics

	mu         sync.Mutex
	state      State
	connecting bool
	generation uint64
	self       Participant

	// pubMu serializes publication changes; published maps each source to
	// the local track currently sent for it.
	pubMu     sync.Mutex
	published map[transport.Source]media.Track

	changes events.Emitter[State]
	unsubs  []func()
}

// New builds an idle call. ScreenShare may be nil when sharing is unavailable.
func New(cfg Config) *Call {
	layout := cfg.DefaultLayout
	if layout == "" {
		layout = LayoutGrid
	}
	voice := cfg.Voice
	if voice == nil {
		voice = &localmedia.VoiceState{}
	}
	c := &Call{
		transport:     cfg.Transport,
		camera:        cfg.Camera,
		mic:           cfg.Microphone,
		cameraPreview: cfg.CameraPreview,
		micPreview:    cfg.MicrophonePreview,
		screen:        cfg.ScreenShare,
		voice:         voice,
		defaultLayout: layout,
		logger:        logging.OrNop(cfg.Logger).Named("call"),
		metrics:       cfg.Metrics,
		state:         State{Status: StatusIdle, Layout: layout},
		published:     make(map[transport.Source]media.Track),
	}

	c.unsubs = append(c.unsubs,
		c.transport.Subscribe(c.handleEvent),
		c.camera.OnChange(c.handleCamera),
		c.mic.OnChange(c.handleMicrophone),
		c.voice.OnChange(c.handleVoice),
	)
	if c.screen != nil {
		c.unsubs = append(c.unsubs, c.screen.OnChange(c.handleScreenShare))
	}
	return c
}

// Snapshot returns the current state.
func (c *Call) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn for state changes. fn runs on the goroutine that
// caused the change and must not block.
func (c *Call) Subscribe(fn func(State)) (unsubscribe func()) {
	return c.changes.Subscribe(fn)
}

func (c *Call) update(fn func(*State)) {
	c.apply(func(s *State) bool {
		fn(s)
		return true
	})
}

// apply runs fn under the lock and broadcasts the result when fn reports a
// change.
func (c *Call) apply(fn func(*State) bool) {
	c.mu.Lock()
	before := c.state.Status
	if !fn(&c.state) {
		c.mu.Unlock()
		return
	}
	s := c.state
	c.mu.Unlock()

	if s.Status != before {
		c.metrics.SetCallState(int(s.Status))
	}
	c.metrics.SetParticipants(len(s.Participants))
	c.changes.Emit(s)
}

// Connect joins opts.Room. A second Connect while one is running fails
// with ErrConnectionInProgress; Connect on a live call fails with
// transport.ErrAlreadyConnected. Camera and microphone failures during the
// initial setup are reported in State.MediaError and do not fail the
// connect.
func (c *Call) Connect(ctx context.Context, opts JoinOptions) error {
	const op = "call.connect"

	c.mu.Lock()
	if c.connecting {
		c.mu.Unlock()
		return callerr.Protocol(op, ErrConnectionInProgress)
	}
	if c.state.Status.live() {
		c.mu.Unlock()
		return callerr.Protocol(op, transport.ErrAlreadyConnected)
	}
	c.connecting = true
	c.generation++
	gen := c.generation
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	c.update(func(s *State) {
		s.Status = StatusConnecting
		s.Error = ""
		s.MediaError = ""
		s.Room = opts.Room
		s.Participants = nil
	})
	c.logger.Info("joining call", zap.String("room", opts.Room), zap.String("identity", opts.Identity))

	c.claimPreview(ctx, c.cameraPreview, c.camera, opts.VideoEnabled)
	c.claimPreview(ctx, c.micPreview, c.mic, opts.AudioEnabled)

	cred, err := c.transport.RequestAccess(ctx, transport.AccessRequest{
		Room:     opts.Room,
		Identity: opts.Identity,
		Name:     opts.Name,
	})
	if err == nil {
		err = c.transport.Connect(ctx, opts.Room, cred)
	}
	if err == nil && !c.current(gen) {
		_ = c.transport.Disconnect(context.Background())
		err = callerr.Protocol(op, transport.ErrNotConnected)
	}
	if err != nil {
		c.releaseMedia(context.Background())
		if c.current(gen) {
			c.update(func(s *State) {
				s.Status = StatusDisconnected
				s.Error = callerr.Message(err)
				s.Participants = nil
			})
		}
		c.logger.Error("failed to join call", zap.String("room", opts.Room), zap.Error(err))
		return err
	}

	identity := c.transport.LocalIdentity()
	if identity == "" {
		identity = opts.Identity
	}
	c.mu.Lock()
	c.self = Participant{
		Identity:          identity,
		Name:              opts.Name,
		Avatar:            opts.Avatar,
		Role:              opts.Role,
		ConnectionQuality: transport.QualityUnknown,
	}
	c.mu.Unlock()
	c.update(func(s *State) {
		s.Participants = withLocal(s.Participants, c.self)
	})
	c.refreshLocal()

	c.voice.SetMuted(!opts.AudioEnabled)
	c.applyInitial(ctx, c.camera, transport.SourceCamera, opts.VideoEnabled)
	c.applyInitial(ctx, c.mic, transport.SourceMicrophone, opts.AudioEnabled)

	status := fromTransport(c.transport.State())
	aborted := true
	c.apply(func(s *State) bool {
		if c.generation != gen {
			return false
		}
		aborted = false
		s.Status = status
		return true
	})
	if aborted {
		// Disconnect ran while media was being set up.
		c.releaseMedia(context.Background())
		return callerr.Protocol(op, transport.ErrNotConnected)
	}
	c.logger.Info("joined call",
		zap.String("room", opts.Room),
		zap.String("identity", identity),
		zap.Bool("video", opts.VideoEnabled),
		zap.Bool("audio", opts.AudioEnabled))
	return nil
}

func (c *Call) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}

// claimPreview releases or hands off a pre-join preview so the call
// controller never captures the same kind alongside it.
func (c *Call) claimPreview(ctx context.Context, p *localmedia.Preview, ctrl *localmedia.Controller, enabled bool) {
	if p == nil || !p.Active() {
		return
	}
	if enabled {
		if _, err := p.Handoff(ctx, ctrl); err != nil {
			c.logger.Warn("preview handoff failed", zap.Error(err))
		}
		return
	}
	if err := p.Stop(ctx); err != nil {
		c.logger.Warn("failed to stop preview", zap.Error(err))
	}
}

// applyInitial brings ctrl to the requested state and publishes it.
// Failures surface through the controller's state as a media error.
func (c *Call) applyInitial(ctx context.Context, ctrl *localmedia.Controller, source transport.Source, enabled bool) {
	if !enabled {
		_ = ctrl.Stop(ctx)
		return
	}
	if !ctrl.Active() {
		if err := ctrl.Start(ctx); err != nil {
			c.logger.Warn("initial media setup failed", zap.String("source", string(source)), zap.Error(err))
			return
		}
	}
	if err := c.syncPublication(ctx, ctrl, source); err != nil {
		c.logger.Warn("failed to publish initial media", zap.String("source", string(source)), zap.Error(err))
		_ = ctrl.Stop(ctx)
		c.update(func(s *State) { s.MediaError = callerr.Message(err) })
	}
}

// Disconnect leaves the call, releases every local capture and clears the
// participant list and layout. It is safe to call in any state.
func (c *Call) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.generation++
	wasLive := c.state.Status.live() || c.state.Status == StatusConnecting
	c.mu.Unlock()

	err := c.transport.Disconnect(ctx)
	if err != nil {
		c.logger.Warn("transport disconnect failed", zap.Error(err))
	}
	c.releaseMedia(ctx)
	c.voice.Reset()

	c.mu.Lock()
	c.self = Participant{}
	c.mu.Unlock()
	c.update(func(s *State) {
		*s = State{
			Status: StatusDisconnected,
			Room:   s.Room,
			Layout: c.defaultLayout,
		}
	})
	if wasLive {
		c.logger.Info("left call")
	}
	return err
}

// releaseMedia stops every local capture and forgets publications.
func (c *Call) releaseMedia(ctx context.Context) {
	for _, p := range []*localmedia.Preview{c.cameraPreview, c.micPreview} {
		if p != nil {
			_ = p.Stop(ctx)
		}
	}
	if err := c.camera.Stop(ctx); err != nil {
		c.logger.Warn("failed to stop camera", zap.Error(err))
	}
	if err := c.mic.Stop(ctx); err != nil {
		c.logger.Warn("failed to stop microphone", zap.Error(err))
	}
	if c.screen != nil {
		if err := c.screen.Reset(ctx); err != nil {
			c.logger.Warn("failed to reset screen share", zap.Error(err))
		}
	}
	c.pubMu.Lock()
	c.published = make(map[transport.Source]media.Track)
	c.pubMu.Unlock()
}

// Reset leaves the call and returns to the idle state with no room.
func (c *Call) Reset(ctx context.Context) error {
	err := c.Disconnect(ctx)
	c.update(func(s *State) {
		*s = State{Status: StatusIdle, Layout: c.defaultLayout}
	})
	return err
}

// Close leaves the call and drops every subscription.
func (c *Call) Close(ctx context.Context) error {
	err := c.Disconnect(ctx)
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	return err
}

func fromTransport(s transport.State) Status {
	switch s {
	case transport.StateConnecting:
		return StatusConnecting
	case transport.StateConnected:
		return StatusConnected
	case transport.StateReconnecting:
		return StatusReconnecting
	default:
		return StatusDisconnected
	}
}

// handleEvent runs on the session's delivery goroutine.
func (c *Call) handleEvent(ev transport.Event) {
	if sc, ok := ev.(transport.ConnectionStateChanged); ok {
		c.handleConnectionState(sc)
		return
	}

	c.mu.Lock()
	status, local := c.state.Status, c.self.Identity
	c.mu.Unlock()
	if !status.live() && status != StatusConnecting {
		return
	}

	switch ev := ev.(type) {
	case transport.TrackSubscribed:
		if c.screen != nil && ev.Track.Identity != local {
			c.screen.HandleTrackSubscribed(ev.Track)
		}
	case transport.TrackUnsubscribed:
		if c.screen != nil && ev.Track.Identity != local {
			c.screen.HandleTrackUnsubscribed(ev.Track)
		}
	case transport.ParticipantLeft:
		if c.screen != nil {
			c.screen.HandleParticipantLeft(ev.Identity)
		}
	case transport.DataReceived:
		c.logger.Debug("data received",
			zap.String("from", ev.From),
			zap.String("topic", ev.Topic),
			zap.Int("bytes", len(ev.Payload)))
		return
	}

	c.apply(func(s *State) bool {
		next, changed := reconcile(s.Participants, ev, c.self.Identity)
		if !changed {
			return false
		}
		s.Participants = next
		if left, ok := ev.(transport.ParticipantLeft); ok && s.Pinned == left.Identity {
			s.Pinned = ""
		}
		return true
	})
}

func (c *Call) handleConnectionState(ev transport.ConnectionStateChanged) {
	c.mu.Lock()
	status, connecting, gen := c.state.Status, c.connecting, c.generation
	c.mu.Unlock()
	// Connect publishes the final status itself once media is set up.
	if connecting && status == StatusConnecting {
		return
	}
	if !status.live() {
		return
	}

	switch ev.State {
	case transport.StateReconnecting:
		c.logger.Warn("connection interrupted, reconnecting")
		c.update(func(s *State) { s.Status = StatusReconnecting })
	case transport.StateConnected:
		c.logger.Info("connection restored")
		c.update(func(s *State) { s.Status = StatusConnected })
		go c.resyncAll(gen)
	case transport.StateDisconnected:
		if ev.Err == "" {
			return
		}
		c.logger.Error("call lost", zap.String("error", ev.Err))
		c.mu.Lock()
		c.generation++
		c.self = Participant{}
		c.mu.Unlock()
		c.releaseMedia(context.Background())
		c.voice.Reset()
		c.update(func(s *State) {
			*s = State{
				Status: StatusDisconnected,
				Error:  ev.Err,
				Room:   s.Room,
				Layout: c.defaultLayout,
			}
		})
	}
}
