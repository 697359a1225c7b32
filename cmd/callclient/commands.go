package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mikeyg42/callsession/internal/app"
	"github.com/mikeyg42/callsession/internal/call"
	"github.com/mikeyg42/callsession/internal/callerr"
	"github.com/mikeyg42/callsession/internal/media"
	"github.com/mikeyg42/callsession/internal/reaction"
	"github.com/mikeyg42/callsession/internal/screenshare"
	"github.com/mikeyg42/callsession/internal/signaling/matrix"
	"github.com/mikeyg42/callsession/internal/transport"
)

const helpText = `commands:
  camera | mic | deafen          toggle local media
  share [screen|window]          toggle screen sharing
  switch                         next camera
  device camera|mic|speaker ID   select a device
  devices                        list devices
  quality low|medium|high|hd     camera quality
  layout grid|speaker|fullscreen tile layout
  pin ID | unpin                 keep a participant in focus
  focus ID | zoom LEVEL          remote screen share viewer
  react MESSAGE EMOJI            toggle a reaction
  say TEXT                       send a chat line
  who                            list participants
  status                         show the call state
  hangup                         leave the call
  quit                           leave and exit`

// errQuit ends the command loop.
var errQuit = errors.New("quit")

// commander runs text commands against one app context.
type commander struct {
	app    *app.Context
	out    io.Writer
	callID string
}

// loop reads commands until EOF, quit or ctx ends.
func (c *commander) loop(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.run(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(c.out, "error: %s\n", callerr.Message(err))
			}
		}
	}
}

func (c *commander) run(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	cl := c.app.Call

	switch cmd {
	case "help", "?":
		fmt.Fprintln(c.out, helpText)
	case "camera", "cam":
		on, err := cl.ToggleCamera(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "camera %s\n", onOff(on))
	case "mic":
		on, err := cl.ToggleMicrophone(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "microphone %s\n", onOff(on))
	case "deafen":
		on, err := cl.ToggleDeafen(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "deafened %s\n", onOff(on))
	case "share":
		var src *screenshare.Source
		if len(args) > 0 {
			s, err := findSource(args[0])
			if err != nil {
				return err
			}
			src = &s
		}
		on, err := cl.ToggleScreenShare(ctx, src)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "screen share %s\n", onOff(on))
	case "switch":
		if err := cl.SwitchCamera(ctx); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "camera %s\n", c.app.Camera.Snapshot().DeviceID)
	case "device":
		if len(args) != 2 {
			return usage("device camera|mic|speaker ID")
		}
		return c.selectDevice(ctx, args[0], args[1])
	case "devices":
		c.printDevices()
	case "quality":
		if len(args) != 1 {
			return usage("quality low|medium|high|hd")
		}
		q, err := media.ParseQuality(args[0])
		if err != nil {
			return err
		}
		return cl.SetQuality(ctx, q)
	case "layout":
		if len(args) != 1 {
			return usage("layout grid|speaker|fullscreen")
		}
		return cl.SetLayout(call.Layout(args[0]))
	case "pin":
		if len(args) != 1 {
			return usage("pin ID")
		}
		return cl.Pin(args[0])
	case "unpin":
		cl.Unpin()
	case "focus":
		id := ""
		if len(args) > 0 {
			id = args[0]
		}
		return c.app.ScreenShare.FocusTrack(id)
	case "zoom":
		if len(args) != 1 {
			return usage("zoom LEVEL")
		}
		z, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return usage("zoom LEVEL")
		}
		fmt.Fprintf(c.out, "zoom %.2f\n", c.app.ScreenShare.SetZoomLevel(z))
	case "react":
		if len(args) != 2 {
			return usage("react MESSAGE EMOJI")
		}
		v, err := c.app.ReactionPublisher.Toggle(ctx, args[0], args[1])
		printReactions(c.out, v)
		return err
	case "say":
		if len(args) == 0 {
			return usage("say TEXT")
		}
		return cl.SendData(ctx, []byte(strings.Join(args, " ")), transport.Reliable, "chat")
	case "who":
		printParticipants(c.out, cl.Snapshot())
	case "status":
		printState(c.out, cl.Snapshot())
	case "hangup":
		return c.hangup(ctx, nil)
	case "quit", "exit":
		return errQuit
	default:
		return usage("help")
	}
	return nil
}

func (c *commander) selectDevice(ctx context.Context, kind, id string) error {
	switch kind {
	case "camera":
		return c.app.Call.SelectDevice(ctx, media.VideoInput, id)
	case "mic":
		return c.app.Call.SelectDevice(ctx, media.AudioInput, id)
	case "speaker":
		return c.app.Devices.Select(media.AudioOutput, id)
	default:
		return usage("device camera|mic|speaker ID")
	}
}

func (c *commander) printDevices() {
	snap := c.app.Devices.Snapshot()
	for _, d := range snap.Devices {
		mark := " "
		if snap.Selected[d.Kind] == d.DeviceID {
			mark = "*"
		}
		fmt.Fprintf(c.out, "%s %-11s %-24s %s\n", mark, d.Kind, d.DeviceID, d.Label)
	}
	if snap.Error != "" {
		fmt.Fprintf(c.out, "device error: %s\n", snap.Error)
	}
}

// hangup leaves the call and prints the legacy hangup event for peers that
// still follow the m.call signaling.
func (c *commander) hangup(ctx context.Context, cause error) error {
	err := c.app.Call.Disconnect(ctx)
	b, merr := json.Marshal(matrix.NewHangup(c.callID, matrix.ReasonFor(cause)))
	if merr == nil {
		fmt.Fprintf(c.out, "%s %s\n", matrix.TypeHangup, b)
	}
	return err
}

func findSource(id string) (screenshare.Source, error) {
	for _, s := range screenshare.Sources() {
		if s.ID == id {
			return s, nil
		}
	}
	return screenshare.Source{}, usage("share [screen|window]")
}

func usage(s string) error {
	return callerr.New(callerr.KindProtocol, "callclient", "usage: "+s, nil)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func printState(w io.Writer, s call.State) {
	fmt.Fprintf(w, "[%s] room=%s participants=%d video=%s audio=%s deafened=%s sharing=%s layout=%s",
		s.Status, s.Room, len(s.Participants), onOff(s.VideoEnabled), onOff(s.AudioEnabled),
		onOff(s.Deafened), onOff(s.ScreenSharing), s.Layout)
	if s.Pinned != "" {
		fmt.Fprintf(w, " pinned=%s", s.Pinned)
	}
	if s.Error != "" {
		fmt.Fprintf(w, " error=%q", s.Error)
	}
	if s.MediaError != "" {
		fmt.Fprintf(w, " media_error=%q", s.MediaError)
	}
	if s.ShowRetry() {
		fmt.Fprint(w, " (retry available)")
	}
	fmt.Fprintln(w)
}

func printParticipants(w io.Writer, s call.State) {
	for _, p := range s.Participants {
		flags := []string{}
		if p.IsLocal {
			flags = append(flags, "you")
		}
		if p.IsVideoEnabled {
			flags = append(flags, "video")
		}
		if p.IsAudioEnabled {
			flags = append(flags, "audio")
		}
		if p.IsScreenSharing {
			flags = append(flags, "sharing")
		}
		if p.IsSpeaking {
			flags = append(flags, "speaking")
		}
		if p.Role != call.RoleNone {
			flags = append(flags, string(p.Role))
		}
		name := p.Name
		if name == "" {
			name = p.Identity
		}
		fmt.Fprintf(w, "  %-16s %-20s %-9s %s\n", p.Identity, name, p.ConnectionQuality, strings.Join(flags, ","))
	}
}

func printReactions(w io.Writer, v reaction.View) {
	parts := make([]string, 0, len(v.Reactions))
	for _, r := range v.Reactions {
		s := fmt.Sprintf("%s%d", r.Emoji, r.Count)
		if r.Mine {
			s += "*"
		}
		parts = append(parts, s)
	}
	fmt.Fprintf(w, "%s [%s] %s\n", v.MessageID, v.Phase, strings.Join(parts, " "))
}
