package call

import (
	"github.com/mikeyg42/callsession/internal/transport"
)

// Role is a participant's room role.
type Role string

const (
	RoleNone      Role = ""
	RoleOwner     Role = "owner"
	RoleModerator Role = "moderator"
)

func parseRole(s string) Role {
	switch Role(s) {
	case RoleOwner, RoleModerator:
		return Role(s)
	default:
		return RoleNone
	}
}

// Participant is a call member as shown by the UI. Track fields point at
// tracks owned elsewhere and are replaced, never modified.
type Participant struct {
	Identity          string
	Name              string
	Avatar            string
	IsLocal           bool
	VideoTrack        *transport.TrackInfo
	ScreenTrack       *transport.TrackInfo
	IsVideoEnabled    bool
	IsAudioEnabled    bool
	IsScreenSharing   bool
	IsSpeaking        bool
	ConnectionQuality transport.ConnectionQuality
	Role              Role
}

func trackRef(info transport.TrackInfo) *transport.TrackInfo {
	return &info
}

// Participant lists are never modified after they are published. Every
// helper below returns a new slice and leaves its input untouched.

func indexOf(ps []Participant, identity string) int {
	for i := range ps {
		if ps[i].Identity == identity {
			return i
		}
	}
	return -1
}

// withParticipant returns ps with identity's entry replaced by fn's result,
// appending a new entry when identity is absent.
func withParticipant(ps []Participant, identity string, fn func(Participant) Participant) []Participant {
	out := make([]Participant, len(ps), len(ps)+1)
	copy(out, ps)
	if i := indexOf(out, identity); i >= 0 {
		out[i] = fn(out[i])
		return out
	}
	return append(out, fn(Participant{Identity: identity}))
}

// withLocal places the local participant first, replacing any earlier local
// entry.
func withLocal(ps []Participant, local Participant) []Participant {
	local.IsLocal = true
	out := make([]Participant, 0, len(ps)+1)
	out = append(out, local)
	for _, p := range ps {
		if p.IsLocal || p.Identity == local.Identity {
			continue
		}
		out = append(out, p)
	}
	return out
}

func without(ps []Participant, identity string) []Participant {
	out := make([]Participant, 0, len(ps))
	for _, p := range ps {
		if p.Identity != identity {
			out = append(out, p)
		}
	}
	return out
}

func updateLocal(ps []Participant, fn func(Participant) Participant) []Participant {
	out := make([]Participant, len(ps))
	copy(out, ps)
	for i := range out {
		if out[i].IsLocal {
			out[i] = fn(out[i])
		}
	}
	return out
}

// reconcile folds a room event into ps. It reports false for events that
// do not concern the participant list.
func reconcile(ps []Participant, ev transport.Event, local string) ([]Participant, bool) {
	switch ev := ev.(type) {
	case transport.ParticipantJoined:
		info := ev.Participant
		if info.Identity == "" || info.Identity == local {
			return ps, false
		}
		return withParticipant(ps, info.Identity, func(p Participant) Participant {
			p.Name = info.Name
			p.Avatar = info.Avatar
			p.Role = parseRole(info.Role)
			return p
		}), true

	case transport.ParticipantLeft:
		if ev.Identity == local || indexOf(ps, ev.Identity) < 0 {
			return ps, false
		}
		return without(ps, ev.Identity), true

	case transport.TrackSubscribed:
		t := ev.Track
		if t.Identity == "" || t.Identity == local {
			return ps, false
		}
		return withParticipant(ps, t.Identity, func(p Participant) Participant {
			return attachTrack(p, t)
		}), true

	case transport.TrackUnsubscribed:
		t := ev.Track
		if indexOf(ps, t.Identity) < 0 || t.Identity == local {
			return ps, false
		}
		return withParticipant(ps, t.Identity, func(p Participant) Participant {
			return detachTrack(p, t)
		}), true

	case transport.TrackMuted:
		if indexOf(ps, ev.Identity) < 0 || ev.Identity == local {
			return ps, false
		}
		return withParticipant(ps, ev.Identity, func(p Participant) Participant {
			switch ev.Source {
			case transport.SourceCamera:
				p.IsVideoEnabled = !ev.Muted && p.VideoTrack != nil
			case transport.SourceMicrophone:
				p.IsAudioEnabled = !ev.Muted
			}
			return p
		}), true

	case transport.ActiveSpeakersChanged:
		speaking := make(map[string]bool, len(ev.Identities))
		for _, id := range ev.Identities {
			speaking[id] = true
		}
		out := make([]Participant, len(ps))
		changed := false
		for i, p := range ps {
			if p.IsSpeaking != speaking[p.Identity] {
				p.IsSpeaking = speaking[p.Identity]
				changed = true
			}
			out[i] = p
		}
		if !changed {
			return ps, false
		}
		return out, true

	case transport.ConnectionQualityChanged:
		i := indexOf(ps, ev.Identity)
		if i < 0 || ps[i].ConnectionQuality == ev.Quality {
			return ps, false
		}
		return withParticipant(ps, ev.Identity, func(p Participant) Participant {
			p.ConnectionQuality = ev.Quality
			return p
		}), true
	}
	return ps, false
}

func attachTrack(p Participant, t transport.TrackInfo) Participant {
	switch t.Source {
	case transport.SourceCamera:
		p.VideoTrack = trackRef(t)
		p.IsVideoEnabled = !t.Muted
	case transport.SourceMicrophone:
		p.IsAudioEnabled = !t.Muted
	case transport.SourceScreenShare:
		p.ScreenTrack = trackRef(t)
		p.IsScreenSharing = true
	}
	return p
}

// detachTrack clears the reference only when it still points at t, so a
// late unsubscribe cannot remove a newer track.
func detachTrack(p Participant, t transport.TrackInfo) Participant {
	switch t.Source {
	case transport.SourceCamera:
		if p.VideoTrack != nil && p.VideoTrack.SID == t.SID {
			p.VideoTrack = nil
			p.IsVideoEnabled = false
		}
	case transport.SourceMicrophone:
		p.IsAudioEnabled = false
	case transport.SourceScreenShare:
		if p.ScreenTrack != nil && p.ScreenTrack.SID == t.SID {
			p.ScreenTrack = nil
			p.IsScreenSharing = false
		}
	}
	return p
}
