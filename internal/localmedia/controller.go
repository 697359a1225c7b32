// Package localmedia owns the local camera and microphone captures.
//
// A Controller holds zero or one capture for its device kind. Operations on
// one controller are serialized: a start issued while a stop is still
// releasing the hardware waits for it, so two captures for the same kind
// never coexist.
package localmedia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/callsession/internal/callerr"
	"github.com/mikeyg42/callsession/internal/events"
	"github.com/mikeyg42/callsession/internal/logging"
	"github.com/mikeyg42/callsession/internal/media"
	"github.com/mikeyg42/callsession/internal/metrics"
)

// DefaultSettleDelay is the pause between releasing one device and opening
// another during a device switch.
const DefaultSettleDelay = 100 * time.Millisecond

// ErrDeviceDisconnected is reported when the platform ends a live capture.
var ErrDeviceDisconnected = errors.New("device disconnected")

// DeviceLister supplies the device order used by SwitchToNext and the
// selection a controller falls back to. devices.Inventory implements it.
type DeviceLister interface {
	ListDevices(ctx context.Context, kinds ...media.DeviceKind) ([]media.Device, error)
	Selected(kind media.DeviceKind) string
	Select(kind media.DeviceKind, id string) error
}

// AudioProcessing toggles the platform's voice processing for microphone
// captures.
type AudioProcessing struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Config configures a Controller.
type Config struct {
	Kind        media.DeviceKind
	Platform    media.Platform
	Devices     DeviceLister
	Exclusive   *Exclusive
	Quality     media.Quality
	SettleDelay time.Duration
	Audio       AudioProcessing
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// State is a snapshot of a controller.
type State struct {
	Kind     media.DeviceKind
	Enabled  bool
	DeviceID string
	Quality  media.Quality
	Error    string
	Track    media.Track
}

// Controller owns the capture for one device kind.
type Controller struct {
	kind        media.DeviceKind
	name        string
	platform    media.Platform
	devices     DeviceLister
	exclusive   *Exclusive
	settleDelay time.Duration
	audio       AudioProcessing
	logger      *zap.Logger
	metrics     *metrics.Metrics

	// sem is held for the duration of every operation that touches the
	// capture. Everything below it is only written while holding sem.
	sem chan struct{}

	stream     *media.Stream
	track      media.Track
	endedUnsub func()
	deviceID   string
	quality    media.Quality
	lastErr    string

	stateMu sync.RWMutex
	state   State
	changes events.Emitter[State]
}

// NewController returns an inactive controller for cfg.Kind.
func NewController(cfg Config) *Controller {
	name := "microphone"
	if cfg.Kind == media.VideoInput {
		name = "camera"
	}
	q := cfg.Quality
	if !q.Valid() {
		q = media.DefaultQuality
	}
	settle := cfg.SettleDelay
	if settle < 0 {
		settle = 0
	}
	c := &Controller{
		kind:        cfg.Kind,
		name:        name,
		platform:    cfg.Platform,
		devices:     cfg.Devices,
		exclusive:   cfg.Exclusive,
		settleDelay: settle,
		audio:       cfg.Audio,
		logger:      logging.OrNop(cfg.Logger).Named(name),
		metrics:     cfg.Metrics,
		sem:         make(chan struct{}, 1),
		quality:     q,
		state:       State{Kind: cfg.Kind, Quality: q},
	}
	return c
}

// Kind returns the device kind the controller captures.
func (c *Controller) Kind() media.DeviceKind {
	return c.kind
}

// Snapshot returns the latest published state.
func (c *Controller) Snapshot() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Active reports whether a capture is held.
func (c *Controller) Active() bool {
	return c.Snapshot().Enabled
}

// OnChange subscribes to state changes.
func (c *Controller) OnChange(fn func(State)) (unsubscribe func()) {
	return c.changes.Subscribe(fn)
}

func (c *Controller) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return callerr.New(callerr.KindInternal, c.name, "operation cancelled", ctx.Err())
	}
}

func (c *Controller) release() {
	<-c.sem
}

// publish stores and broadcasts the current state. Callers hold sem.
func (c *Controller) publish() {
	s := State{
		Kind:     c.kind,
		Enabled:  c.track != nil,
		DeviceID: c.deviceID,
		Quality:  c.quality,
		Error:    c.lastErr,
		Track:    c.track,
	}
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
	c.changes.Emit(s)
}

// StartOption customizes a single Start call.
type StartOption func(*startOptions)

type startOptions struct {
	deviceID string
	quality  media.Quality
}

// WithDevice requests an exact device.
func WithDevice(deviceID string) StartOption {
	return func(o *startOptions) { o.deviceID = deviceID }
}

// WithQuality overrides and stores the capture preset.
func WithQuality(q media.Quality) StartOption {
	return func(o *startOptions) { o.quality = q }
}

// Start stops any existing capture and acquires a new one. On failure the
// controller is left disabled with no stream and the error is returned as a
// *callerr.Error.
func (c *Controller) Start(ctx context.Context, opts ...StartOption) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.quality != "" {
		if !o.quality.Valid() {
			return callerr.New(callerr.KindProtocol, c.name+".start", fmt.Sprintf("unknown quality %q", o.quality), nil)
		}
		c.quality = o.quality
	}
	deviceID := c.deviceID
	if o.deviceID != "" {
		deviceID = o.deviceID
	}
	return c.startLocked(ctx, deviceID)
}

func (c *Controller) constraints(deviceID string) media.Constraints {
	if c.kind == media.VideoInput {
		preset := c.quality.Preset()
		v := &media.VideoConstraints{
			DeviceID:  deviceID,
			Width:     preset.Resolution.Width,
			Height:    preset.Resolution.Height,
			FrameRate: preset.FrameRate,
		}
		if deviceID == "" {
			v.FacingMode = "user"
		}
		return media.Constraints{Video: v}
	}
	return media.Constraints{Audio: &media.AudioConstraints{
		DeviceID:         deviceID,
		EchoCancellation: c.audio.EchoCancellation,
		NoiseSuppression: c.audio.NoiseSuppression,
		AutoGainControl:  c.audio.AutoGainControl,
	}}
}

func (c *Controller) startLocked(ctx context.Context, deviceID string) error {
	op := c.name + ".start"
	c.stopLocked()

	if deviceID == "" && c.devices != nil {
		deviceID = c.devices.Selected(c.kind)
	}
	if err := c.exclusive.claim(ctx, c.kind, c); err != nil {
		return c.fail(op, err)
	}

	stream, err := c.platform.GetUserMedia(ctx, c.constraints(deviceID))
	c.metrics.MediaAcquisition(c.name, err)
	if err != nil {
		c.exclusive.release(c.kind, c)
		return c.fail(op, err)
	}
	if !c.exclusive.owns(c.kind, c) {
		_ = stream.Stop()
		return c.fail(op, fmt.Errorf("capture claimed by another owner: %w", media.ErrDeviceInUse))
	}

	track := firstOfKind(stream, c.kind)
	if track == nil {
		_ = stream.Stop()
		c.exclusive.release(c.kind, c)
		return c.fail(op, fmt.Errorf("platform returned no %s track: %w", c.name, media.ErrDeviceNotFound))
	}
	c.adoptLocked(stream, track, deviceID)
	c.logger.Info("capture started",
		zap.String("device_id", c.deviceID),
		zap.String("quality", string(c.quality)))
	c.publish()
	return nil
}

// adoptLocked installs stream as the held capture. Tracks of other kinds
// are left to their owners.
func (c *Controller) adoptLocked(stream *media.Stream, track media.Track, requested string) {
	c.stream = stream
	c.track = track
	c.lastErr = ""
	c.deviceID = requested
	if granted := track.Settings().DeviceID; granted != "" {
		c.deviceID = granted
	}
	c.endedUnsub = track.OnEnded(func() { go c.handleEnded(track) })
}

func (c *Controller) fail(op string, err error) error {
	ce := callerr.FromPlatform(op, err)
	c.lastErr = callerr.Message(ce)
	c.logger.Warn("capture failed", zap.String("op", op), zap.Error(err))
	c.publish()
	return ce
}

// stopLocked releases the held capture, if any. Callers hold sem.
func (c *Controller) stopLocked() bool {
	if c.stream == nil {
		return false
	}
	if c.endedUnsub != nil {
		c.endedUnsub()
		c.endedUnsub = nil
	}
	// Only our own tracks are stopped; a handed-over stream may still
	// carry tracks owned by another controller.
	for _, t := range c.stream.Tracks() {
		if kindOf(t) == c.kind {
			if err := t.Stop(); err != nil {
				c.logger.Warn("failed to stop track", zap.String("track_id", t.ID()), zap.Error(err))
			}
		}
	}
	c.stream = nil
	c.track = nil
	c.exclusive.release(c.kind, c)
	return true
}

// Stop releases the capture. Stopping an inactive controller is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	stopped := c.stopLocked()
	if stopped || c.lastErr != "" {
		c.lastErr = ""
		if stopped {
			c.logger.Info("capture stopped")
		}
		c.publish()
	}
	return nil
}

func (c *Controller) releaseCapture(ctx context.Context) error {
	return c.Stop(ctx)
}

// Toggle starts the capture when stopped and stops it when started. It
// returns the new enabled state.
func (c *Controller) Toggle(ctx context.Context) (bool, error) {
	if err := c.acquire(ctx); err != nil {
		return c.Active(), err
	}
	defer c.release()

	if c.stopLocked() {
		c.lastErr = ""
		c.publish()
		return false, nil
	}
	if err := c.startLocked(ctx, c.deviceID); err != nil {
		return false, err
	}
	return true, nil
}

// SwitchDevice moves an active capture to deviceID, pausing between the
// release and the new acquisition. When inactive the device is only
// remembered for the next Start.
func (c *Controller) SwitchDevice(ctx context.Context, deviceID string) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	c.rememberSelection(deviceID)
	return c.switchLocked(ctx, deviceID)
}

// rememberSelection records a user's device choice in the inventory so its
// fallback starts from the same device.
func (c *Controller) rememberSelection(deviceID string) {
	if c.devices == nil || deviceID == "" {
		return
	}
	if err := c.devices.Select(c.kind, deviceID); err != nil {
		c.logger.Debug("device not in inventory", zap.String("device_id", deviceID), zap.Error(err))
	}
}

// FollowSelection moves the controller off a device that is no longer
// listed, onto the inventory's selection for its kind. An active capture is
// restarted on the new device, or stopped when none is left; an inactive
// controller only remembers the new device. It reports whether the held
// capture changed.
func (c *Controller) FollowSelection(ctx context.Context) (bool, error) {
	if c.devices == nil {
		return false, nil
	}
	listed, err := c.devices.ListDevices(ctx, c.kind)
	if err != nil {
		return false, err
	}
	selected := c.devices.Selected(c.kind)

	if err := c.acquire(ctx); err != nil {
		return false, err
	}
	defer c.release()

	if c.deviceID == "" || media.HasDevice(listed, c.deviceID) {
		return false, nil
	}
	gone := c.deviceID
	// A capture the platform already ended for this device is resumed on
	// the fallback as if it were still held.
	lost := c.stream == nil && c.lastErr == ErrDeviceDisconnected.Error()
	if lost && selected != "" {
		c.logger.Info("capture device removed, resuming on fallback", zap.String("device_id", gone), zap.String("fallback", selected))
		return true, c.startLocked(ctx, selected)
	}
	if c.stream == nil {
		c.deviceID = selected
		c.logger.Info("selected device removed", zap.String("device_id", gone), zap.String("fallback", selected))
		c.publish()
		return false, nil
	}
	if selected == "" {
		c.stopLocked()
		c.deviceID = ""
		c.lastErr = ErrDeviceDisconnected.Error()
		c.logger.Warn("capture device removed, none left", zap.String("device_id", gone))
		c.publish()
		return true, nil
	}
	c.logger.Info("capture device removed, falling back", zap.String("device_id", gone), zap.String("fallback", selected))
	return true, c.switchLocked(ctx, selected)
}

func (c *Controller) switchLocked(ctx context.Context, deviceID string) error {
	if c.stream == nil {
		c.deviceID = deviceID
		c.publish()
		return nil
	}

	c.stopLocked()
	if c.settleDelay > 0 {
		timer := time.NewTimer(c.settleDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.deviceID = deviceID
			c.publish()
			return callerr.New(callerr.KindInternal, c.name+".switch", "operation cancelled", ctx.Err())
		}
	}
	return c.startLocked(ctx, deviceID)
}

// SwitchToNext cycles through the devices of this kind in enumeration
// order, wrapping around. It does nothing with fewer than two devices.
func (c *Controller) SwitchToNext(ctx context.Context) error {
	if c.devices == nil {
		return nil
	}
	devices, err := c.devices.ListDevices(ctx, c.kind)
	if err != nil {
		return err
	}
	if len(devices) <= 1 {
		return nil
	}

	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	next := 0
	for i, d := range devices {
		if d.DeviceID == c.deviceID {
			next = (i + 1) % len(devices)
			break
		}
	}
	c.logger.Debug("switching to next device", zap.String("device_id", devices[next].DeviceID))
	c.rememberSelection(devices[next].DeviceID)
	return c.switchLocked(ctx, devices[next].DeviceID)
}

// SetQuality stores q. An active capture is restarted with the new preset,
// since resolution cannot change in place.
func (c *Controller) SetQuality(ctx context.Context, q media.Quality) error {
	if !q.Valid() {
		return callerr.New(callerr.KindProtocol, c.name+".set_quality", fmt.Sprintf("unknown quality %q", q), nil)
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	c.quality = q
	if c.stream == nil {
		c.publish()
		return nil
	}
	return c.startLocked(ctx, c.deviceID)
}

// Adopt takes over an already acquired stream, such as a pre-join preview,
// without a second acquisition.
func (c *Controller) Adopt(ctx context.Context, stream *media.Stream, deviceID string) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	track := firstOfKind(stream, c.kind)
	if track == nil {
		return callerr.New(callerr.KindDevice, c.name+".adopt", "stream has no "+c.name+" track", media.ErrDeviceNotFound)
	}
	c.stopLocked()
	c.exclusive.assign(c.kind, c)
	c.adoptLocked(stream, track, deviceID)
	c.logger.Info("capture adopted", zap.String("device_id", c.deviceID))
	c.publish()
	return nil
}

func (c *Controller) handleEnded(track media.Track) {
	if err := c.acquire(context.Background()); err != nil {
		return
	}
	defer c.release()

	if c.track != track {
		return
	}
	c.stopLocked()
	c.lastErr = ErrDeviceDisconnected.Error()
	c.logger.Warn("capture ended by platform", zap.String("device_id", c.deviceID))
	c.publish()
}

func kindOf(t media.Track) media.DeviceKind {
	if t.Kind() == media.TrackKindVideo {
		return media.VideoInput
	}
	return media.AudioInput
}

func firstOfKind(stream *media.Stream, kind media.DeviceKind) media.Track {
	if stream == nil {
		return nil
	}
	for _, t := range stream.Tracks() {
		if kindOf(t) == kind {
			return t
		}
	}
	return nil
}
