package localmedia

import (
	"sync"

	"github.com/mikeyg42/callsession/internal/events"
)

// Voice is a snapshot of the mute/deafen state.
type Voice struct {
	MicMuted bool
	Deafened bool
}

// Muted is the effective microphone state: deafened implies muted.
func (v Voice) Muted() bool {
	return v.MicMuted || v.Deafened
}

// VoiceState keeps the user's mute choice and deafen flag. The effective
// mute is always derived from both, never stored.
type VoiceState struct {
	mu      sync.Mutex
	v       Voice
	changes events.Emitter[Voice]
}

func (s *VoiceState) Get() Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v
}

// SetMuted sets the user's mute choice. Unmuting while deafened also
// undeafens, since a deafened user cannot be unmuted.
func (s *VoiceState) SetMuted(muted bool) Voice {
	return s.update(func(v *Voice) {
		v.MicMuted = muted
		if !muted {
			v.Deafened = false
		}
	})
}

// ToggleMute flips the effective mute state.
func (s *VoiceState) ToggleMute() Voice {
	return s.update(func(v *Voice) {
		if v.Muted() {
			v.MicMuted = false
			v.Deafened = false
		} else {
			v.MicMuted = true
		}
	})
}

func (s *VoiceState) SetDeafened(deafened bool) Voice {
	return s.update(func(v *Voice) { v.Deafened = deafened })
}

func (s *VoiceState) ToggleDeafen() Voice {
	return s.update(func(v *Voice) { v.Deafened = !v.Deafened })
}

// Reset clears both flags.
func (s *VoiceState) Reset() Voice {
	return s.update(func(v *Voice) { *v = Voice{} })
}

func (s *VoiceState) OnChange(fn func(Voice)) (unsubscribe func()) {
	return s.changes.Subscribe(fn)
}

func (s *VoiceState) update(fn func(*Voice)) Voice {
	s.mu.Lock()
	before := s.v
	fn(&s.v)
	after := s.v
	s.mu.Unlock()

	if after != before {
		s.changes.Emit(after)
	}
	return after
}
