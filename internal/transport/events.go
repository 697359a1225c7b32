package transport

// Event is a room event. Rooms deliver them to Session, which forwards
// everything except ConnectionLost to its subscribers in order.
type Event interface {
	event()
}

type ParticipantJoined struct {
	Participant ParticipantInfo
}

type ParticipantLeft struct {
	Identity string
}

type TrackSubscribed struct {
	Track TrackInfo
}

type TrackUnsubscribed struct {
	Track TrackInfo
}

// TrackMuted reports a remote publisher muting or unmuting a track.
type TrackMuted struct {
	Identity string
	Source   Source
	Muted    bool
}

// ActiveSpeakersChanged carries the full set of current speakers, loudest
// first.
type ActiveSpeakersChanged struct {
	Identities []string
}

type ConnectionQualityChanged struct {
	Identity string
	Quality  ConnectionQuality
}

type DataReceived struct {
	From        string
	Topic       string
	Payload     []byte
	Reliability Reliability
}

// ConnectionStateChanged is emitted by Session on every state transition.
// Err is set only for terminal failures.
type ConnectionStateChanged struct {
	State State
	Err   string
}

// ConnectionLost is reported by a Room when the link drops unexpectedly.
// Session consumes it and starts reconnecting.
type ConnectionLost struct {
	Err error
}

func (ParticipantJoined) event()        {}
func (ParticipantLeft) event()          {}
func (TrackSubscribed) event()          {}
func (TrackUnsubscribed) event()        {}
func (TrackMuted) event()               {}
func (ActiveSpeakersChanged) event()    {}
func (ConnectionQualityChanged) event() {}
func (DataReceived) event()             {}
func (ConnectionStateChanged) event()   {}
func (ConnectionLost) event()           {}
