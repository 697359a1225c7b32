package call

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/mikeyg42/callsession/internal/callerr"
	"github.com/mikeyg42/callsession/internal/localmedia"
	"github.com/mikeyg42/callsession/internal/media"
	"github.com/mikeyg42/callsession/internal/screenshare"
	"github.com/mikeyg42/callsession/internal/transport"
)

func (c *Call) requireLive(op string) error {
	if !c.Snapshot().Status.live() {
		return callerr.Protocol(op, transport.ErrNotConnected)
	}
	return nil
}

// syncPublication makes the published track for source match what ctrl
// currently holds. The microphone is withheld while muted.
func (c *Call) syncPublication(ctx context.Context, ctrl *localmedia.Controller, source transport.Source) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	want := ctrl.Snapshot().Track
	if source == transport.SourceMicrophone && c.voice.Get().Muted() {
		want = nil
	}
	have := c.published[source]
	if want == have {
		return nil
	}

	if want == nil {
		err := c.transport.Unpublish(ctx, source)
		if errors.Is(err, transport.ErrNotConnected) {
			// The room keeps its publications across a resume; the entry
			// stays until the unpublish can reach it.
			return nil
		}
		if err != nil {
			return err
		}
		delete(c.published, source)
		return nil
	}
	if c.transport.State() != transport.StateConnected {
		// Picked up by resyncAll once the connection is restored.
		return nil
	}
	if _, err := c.transport.Publish(ctx, want, source); err != nil {
		return err
	}
	c.published[source] = want
	return nil
}

// resync runs after a capture ended without a call operation, such as the
// platform revoking the device.
func (c *Call) resync(ctrl *localmedia.Controller, source transport.Source) {
	if err := c.syncPublication(context.Background(), ctrl, source); err != nil {
		c.logger.Debug("failed to sync publication", zap.String("source", string(source)), zap.Error(err))
	}
}

// resyncAll brings both local publications in line with the controllers,
// catching up on changes made while the connection was down.
func (c *Call) resyncAll(gen uint64) {
	if !c.current(gen) {
		return
	}
	c.resync(c.camera, transport.SourceCamera)
	c.resync(c.mic, transport.SourceMicrophone)
	c.refreshLocal()
}

// refreshLocal folds the local controllers into the local participant and
// the media mirror flags.
func (c *Call) refreshLocal() {
	cam, mic, voice := c.camera.Snapshot(), c.mic.Snapshot(), c.voice.Get()
	var share screenshare.State
	if c.screen != nil {
		share = c.screen.Snapshot()
	}

	c.update(func(s *State) {
		s.VideoEnabled = cam.Enabled
		s.AudioEnabled = mic.Enabled && !voice.Muted()
		s.Deafened = voice.Deafened
		s.ScreenSharing = share.IsSharing
		switch {
		case cam.Error != "":
			s.MediaError = cam.Error
		case mic.Error != "":
			s.MediaError = mic.Error
		}

		identity := c.self.Identity
		if identity == "" {
			return
		}
		s.Participants = updateLocal(s.Participants, func(p Participant) Participant {
			p.VideoTrack = nil
			if cam.Enabled && cam.Track != nil {
				p.VideoTrack = trackRef(transport.TrackInfo{
					SID:      cam.Track.ID(),
					Identity: identity,
					Source:   transport.SourceCamera,
					Kind:     media.TrackKindVideo,
					Local:    cam.Track,
				})
			}
			p.IsVideoEnabled = p.VideoTrack != nil
			p.IsAudioEnabled = s.AudioEnabled
			p.ScreenTrack = nil
			if info, ok := share.ActiveTracks[identity]; ok && share.IsSharing {
				p.ScreenTrack = trackRef(info)
			}
			p.IsScreenSharing = p.ScreenTrack != nil
			return p
		})
	})
}

// The handlers below run inside the controllers' own operations and must
// not call back into them synchronously.

func (c *Call) handleCamera(s localmedia.State) {
	c.refreshLocal()
	if !s.Enabled && c.Snapshot().Status.live() {
		go c.resync(c.camera, transport.SourceCamera)
	}
}

func (c *Call) handleMicrophone(s localmedia.State) {
	c.refreshLocal()
	if !s.Enabled && c.Snapshot().Status.live() {
		go c.resync(c.mic, transport.SourceMicrophone)
	}
}

func (c *Call) handleVoice(localmedia.Voice) {
	c.refreshLocal()
}

func (c *Call) handleScreenShare(screenshare.State) {
	c.refreshLocal()
}

// ToggleCamera starts or stops the camera and its publication. It returns
// the new enabled state.
func (c *Call) ToggleCamera(ctx context.Context) (bool, error) {
	const op = "call.toggle_camera"
	if err := c.requireLive(op); err != nil {
		return false, err
	}
	on, err := c.camera.Toggle(ctx)
	if err != nil {
		return false, err
	}
	if err := c.syncPublication(ctx, c.camera, transport.SourceCamera); err != nil {
		if on {
			_ = c.camera.Stop(ctx)
		}
		return false, callerr.Network(op, "failed to publish camera", false, err)
	}
	c.logger.Info("camera toggled", zap.Bool("enabled", on))
	return on, nil
}

// ToggleMicrophone unmutes by starting the microphone and mutes by
// releasing it. Unmuting also undeafens.
func (c *Call) ToggleMicrophone(ctx context.Context) (bool, error) {
	const op = "call.toggle_microphone"
	if err := c.requireLive(op); err != nil {
		return false, err
	}
	if c.Snapshot().AudioEnabled {
		c.voice.SetMuted(true)
		if err := c.mic.Stop(ctx); err != nil {
			return true, err
		}
		return false, c.syncPublication(ctx, c.mic, transport.SourceMicrophone)
	}

	c.voice.SetMuted(false)
	if !c.mic.Active() {
		if err := c.mic.Start(ctx); err != nil {
			c.voice.SetMuted(true)
			return false, err
		}
	}
	if err := c.syncPublication(ctx, c.mic, transport.SourceMicrophone); err != nil {
		c.voice.SetMuted(true)
		_ = c.mic.Stop(ctx)
		return false, callerr.Network(op, "failed to publish microphone", false, err)
	}
	return true, nil
}

// ToggleDeafen flips the deafen flag. Deafening mutes the microphone;
// undeafening restores it unless the user had muted it.
func (c *Call) ToggleDeafen(ctx context.Context) (bool, error) {
	const op = "call.toggle_deafen"
	if err := c.requireLive(op); err != nil {
		return false, err
	}
	v := c.voice.ToggleDeafen()
	var err error
	switch {
	case v.Muted():
		err = c.mic.Stop(ctx)
	case !c.mic.Active():
		err = c.mic.Start(ctx)
	}
	if serr := c.syncPublication(ctx, c.mic, transport.SourceMicrophone); err == nil {
		err = serr
	}
	c.logger.Info("deafen toggled", zap.Bool("deafened", v.Deafened))
	return v.Deafened, err
}

// ToggleScreenShare stops the local share, or starts one from src. A nil
// src shares the entire screen.
func (c *Call) ToggleScreenShare(ctx context.Context, src *screenshare.Source) (bool, error) {
	const op = "call.toggle_screen_share"
	if err := c.requireLive(op); err != nil {
		return false, err
	}
	if c.screen == nil {
		return false, callerr.New(callerr.KindDevice, op, "screen sharing is not available", media.ErrNotSupported)
	}
	return c.screen.Toggle(ctx, src)
}

// SwitchCamera moves to the next camera in enumeration order.
func (c *Call) SwitchCamera(ctx context.Context) error {
	if err := c.camera.SwitchToNext(ctx); err != nil {
		return err
	}
	return c.syncPublication(ctx, c.camera, transport.SourceCamera)
}

// SelectDevice moves the camera or microphone to deviceID.
func (c *Call) SelectDevice(ctx context.Context, kind media.DeviceKind, deviceID string) error {
	ctrl, source := c.camera, transport.SourceCamera
	switch kind {
	case media.VideoInput:
	case media.AudioInput:
		ctrl, source = c.mic, transport.SourceMicrophone
	default:
		return callerr.New(callerr.KindProtocol, "call.select_device", "only cameras and microphones can be selected", nil)
	}
	if err := ctrl.SwitchDevice(ctx, deviceID); err != nil {
		return err
	}
	return c.syncPublication(ctx, ctrl, source)
}

// FollowDevices moves the camera and microphone off devices that were
// unplugged, onto the inventory's selection, and republishes whatever
// moved during a call. Run it on every inventory change.
func (c *Call) FollowDevices(ctx context.Context) error {
	var errs []error
	for _, p := range []struct {
		ctrl   *localmedia.Controller
		source transport.Source
	}{
		{c.camera, transport.SourceCamera},
		{c.mic, transport.SourceMicrophone},
	} {
		moved, err := p.ctrl.FollowSelection(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		if moved && c.Snapshot().Status.live() {
			if err := c.syncPublication(ctx, p.ctrl, p.source); err != nil {
				errs = append(errs, err)
			}
		}
	}
	c.refreshLocal()
	return errors.Join(errs...)
}

// SetQuality changes the camera preset, restarting an active capture.
func (c *Call) SetQuality(ctx context.Context, q media.Quality) error {
	if err := c.camera.SetQuality(ctx, q); err != nil {
		return err
	}
	return c.syncPublication(ctx, c.camera, transport.SourceCamera)
}

// SendData sends payload to every participant. Failures are returned, not
// retried.
func (c *Call) SendData(ctx context.Context, payload []byte, reliability transport.Reliability, topic string) error {
	return c.transport.SendData(ctx, payload, reliability, topic)
}
