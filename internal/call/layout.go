package call

import (
	"fmt"

	"github.com/mikeyg42/callsession/internal/callerr"
)

// Layout is how the participant tiles are arranged.
type Layout string

const (
	LayoutGrid       Layout = "grid"
	LayoutSpeaker    Layout = "speaker"
	LayoutFullscreen Layout = "fullscreen"
)

// ParseLayout validates a layout name. An empty name is the grid.
func ParseLayout(s string) (Layout, error) {
	switch l := Layout(s); l {
	case "":
		return LayoutGrid, nil
	case LayoutGrid, LayoutSpeaker, LayoutFullscreen:
		return l, nil
	default:
		return "", fmt.Errorf("unknown layout %q", s)
	}
}

// SetLayout changes the tile arrangement. Layout does not depend on the
// connection.
func (c *Call) SetLayout(l Layout) error {
	if _, err := ParseLayout(string(l)); err != nil || l == "" {
		return callerr.New(callerr.KindProtocol, "call.set_layout", fmt.Sprintf("unknown layout %q", l), err)
	}
	c.update(func(s *State) { s.Layout = l })
	return nil
}

// Pin keeps identity's tile in focus until Unpin or until that participant
// leaves.
func (c *Call) Pin(identity string) error {
	const op = "call.pin"
	var err error
	c.update(func(s *State) {
		if indexOf(s.Participants, identity) < 0 {
			err = callerr.New(callerr.KindProtocol, op, fmt.Sprintf("no participant %q", identity), nil)
			return
		}
		s.Pinned = identity
	})
	return err
}

func (c *Call) Unpin() {
	c.update(func(s *State) { s.Pinned = "" })
}
