package localmedia

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/callsession/internal/callerr"
	"github.com/mikeyg42/callsession/internal/logging"
	"github.com/mikeyg42/callsession/internal/media"
)

// Preview holds a capture before a call is joined, for example the camera
// preview on a lobby screen. It shares an Exclusive with the call
// controllers, so it is released before a controller acquires the same
// kind, and Handoff moves its stream into a controller instead.
type Preview struct {
	kind      media.DeviceKind
	platform  media.Platform
	exclusive *Exclusive
	logger    *zap.Logger

	mu       sync.Mutex
	stream   *media.Stream
	deviceID string
	// gen changes on every Stop, so a Start still waiting on the platform
	// can tell it was released in the meantime.
	gen uint64
}

// NewPreview returns an inactive preview for kind.
func NewPreview(kind media.DeviceKind, platform media.Platform, exclusive *Exclusive, logger *zap.Logger) *Preview {
	return &Preview{
		kind:      kind,
		platform:  platform,
		exclusive: exclusive,
		logger:    logging.OrNop(logger).Named("preview"),
	}
}

// Start opens the preview capture, replacing any earlier one.
func (p *Preview) Start(ctx context.Context, deviceID string, q media.Quality) error {
	if err := p.Stop(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()

	// The lock is not held while claiming: releasing a controller takes
	// that controller's operation slot.
	if err := p.exclusive.claim(ctx, p.kind, p); err != nil {
		return err
	}

	var c media.Constraints
	if p.kind == media.VideoInput {
		preset := q.Preset()
		c.Video = &media.VideoConstraints{
			DeviceID:  deviceID,
			Width:     preset.Resolution.Width,
			Height:    preset.Resolution.Height,
			FrameRate: preset.FrameRate,
		}
		if deviceID == "" {
			c.Video.FacingMode = "user"
		}
	} else {
		c.Audio = &media.AudioConstraints{DeviceID: deviceID}
	}

	stream, err := p.platform.GetUserMedia(ctx, c)
	if err != nil {
		p.exclusive.release(p.kind, p)
		return callerr.FromPlatform("preview.start", err)
	}

	granted := deviceID
	if t := firstOfKind(stream, p.kind); t != nil && t.Settings().DeviceID != "" {
		granted = t.Settings().DeviceID
	}

	p.mu.Lock()
	if p.gen != gen || !p.exclusive.owns(p.kind, p) {
		p.mu.Unlock()
		_ = stream.Stop()
		p.exclusive.release(p.kind, p)
		p.logger.Debug("preview released while starting")
		return callerr.New(callerr.KindDevice, "preview.start", "capture taken over while starting", media.ErrDeviceInUse)
	}
	p.stream = stream
	p.deviceID = granted
	p.mu.Unlock()
	p.logger.Debug("preview started", zap.String("device_id", granted))
	return nil
}

// Stop releases the preview capture. It is a no-op when nothing is held.
func (p *Preview) Stop(context.Context) error {
	p.mu.Lock()
	stream := p.stream
	p.stream = nil
	p.gen++
	p.mu.Unlock()

	if stream == nil {
		return nil
	}
	err := stream.Stop()
	p.exclusive.release(p.kind, p)
	p.logger.Debug("preview stopped")
	return err
}

func (p *Preview) releaseCapture(ctx context.Context) error {
	return p.Stop(ctx)
}

// Active reports whether the preview holds a capture.
func (p *Preview) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil
}

// Track returns the preview track for rendering, or nil.
func (p *Preview) Track() media.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return firstOfKind(p.stream, p.kind)
}

// Handoff transfers the preview capture into ctrl. With no active preview
// it does nothing. If ctrl refuses the stream it is stopped.
func (p *Preview) Handoff(ctx context.Context, ctrl *Controller) (bool, error) {
	p.mu.Lock()
	stream, deviceID := p.stream, p.deviceID
	p.stream = nil
	p.mu.Unlock()

	if stream == nil {
		return false, nil
	}
	if err := ctrl.Adopt(ctx, stream, deviceID); err != nil {
		_ = stream.Stop()
		p.exclusive.release(p.kind, p)
		return false, err
	}
	p.logger.Info("preview handed off", zap.String("device_id", deviceID))
	return true, nil
}
