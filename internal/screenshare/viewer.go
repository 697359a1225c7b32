package screenshare

import (
	"context"
	"fmt"
	"math"

	"github.com/mikeyg42/callsession/internal/callerr"
	"github.com/mikeyg42/callsession/internal/media"
)

const (
	MinZoom     = 0.5
	MaxZoom     = 3.0
	DefaultZoom = 1.0
)

// Viewer is the local presentation state of screen shares.
type Viewer struct {
	IsFullscreen bool
	ZoomLevel    float64
	// FocusedTrack is the identity whose share is shown large.
	FocusedTrack string
}

func defaultViewer() Viewer {
	return Viewer{ZoomLevel: DefaultZoom}
}

// Fullscreen is the platform fullscreen API. Requests may be refused, so
// state only follows change notifications.
type Fullscreen interface {
	RequestFullscreen(ctx context.Context, enter bool) error
	OnFullscreenChange(fn func(fullscreen bool)) (unsubscribe func())
}

// FocusTrack shows identity's share large. An empty identity clears the
// focus.
func (c *Controller) FocusTrack(identity string) error {
	if identity != "" {
		if _, ok := c.Snapshot().ActiveTracks[identity]; !ok {
			return callerr.New(callerr.KindProtocol, "screenshare.focus",
				fmt.Sprintf("%s is not sharing a screen", identity), nil)
		}
	}
	c.update(func(s *State) { s.Viewer.FocusedTrack = identity })
	return nil
}

// SetZoomLevel stores z clamped to [MinZoom, MaxZoom] and returns the
// stored value.
func (c *Controller) SetZoomLevel(z float64) float64 {
	switch {
	case math.IsNaN(z):
		z = DefaultZoom
	case z < MinZoom:
		z = MinZoom
	case z > MaxZoom:
		z = MaxZoom
	}
	c.update(func(s *State) { s.Viewer.ZoomLevel = z })
	return z
}

// ToggleFullscreen asks the platform to flip fullscreen. The viewer state
// changes when the platform confirms.
func (c *Controller) ToggleFullscreen(ctx context.Context) error {
	const op = "screenshare.fullscreen"
	if c.fullscreen == nil {
		return callerr.New(callerr.KindDevice, op, "fullscreen is not available", media.ErrNotSupported)
	}
	want := !c.Snapshot().Viewer.IsFullscreen
	if err := c.fullscreen.RequestFullscreen(ctx, want); err != nil {
		return callerr.New(callerr.KindInternal, op, "fullscreen request failed", err)
	}
	return nil
}

func (c *Controller) handleFullscreenChange(on bool) {
	c.update(func(s *State) { s.Viewer.IsFullscreen = on })
}
