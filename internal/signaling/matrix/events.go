// Package matrix holds the legacy Matrix VoIP call event contents
// (m.call.invite, m.call.answer, m.call.hangup).
//
// Calls are set up through the token-based transport. These events exist so
// that invites and hangups from older clients can be read and produced with
// the exact JSON shape those clients expect.
package matrix

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/callsession/internal/callerr"
)

// Event types.
const (
	TypeInvite = "m.call.invite"
	TypeAnswer = "m.call.answer"
	TypeHangup = "m.call.hangup"
)

// DefaultLifetime is how long an invite stays valid when the sender does not
// say otherwise.
const DefaultLifetime = 60 * time.Second

var ErrUnknownEvent = errors.New("unknown call event type")

// Version is the call protocol version. Version 0 is sent as the number 0,
// later versions as strings.
type Version string

const (
	Version0 Version = "0"
	Version1 Version = "1"
)

func (v Version) MarshalJSON() ([]byte, error) {
	if v == "" || v == Version0 {
		return []byte("0"), nil
	}
	return json.Marshal(string(v))
}

func (v *Version) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*v = Version(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("version must be a number or string: %w", err)
	}
	*v = Version(s)
	return nil
}

// HangupReason says why a call ended.
type HangupReason string

const (
	ReasonUserHangup      HangupReason = "user_hangup"
	ReasonICEFailed       HangupReason = "ice_failed"
	ReasonInviteTimeout   HangupReason = "invite_timeout"
	ReasonUserMediaFailed HangupReason = "user_media_failed"
	ReasonUserBusy        HangupReason = "user_busy"
	ReasonUnknownError    HangupReason = "unknown_error"
)

// Event is the content of one call event.
type Event interface {
	Type() string
	ID() string
}

// Invite offers a call.
type Invite struct {
	CallID string `json:"call_id"`
	// Lifetime in milliseconds.
	Lifetime int64                     `json:"lifetime"`
	Offer    webrtc.SessionDescription `json:"offer"`
	Version  Version                   `json:"version"`
}

func (Invite) Type() string { return TypeInvite }

func (i Invite) ID() string { return i.CallID }

// Expired reports whether an invite received at receivedAt is stale at now.
func (i Invite) Expired(receivedAt, now time.Time) bool {
	return now.Sub(receivedAt) >= time.Duration(i.Lifetime)*time.Millisecond
}

// Answer accepts an invite.
type Answer struct {
	CallID  string                    `json:"call_id"`
	Answer  webrtc.SessionDescription `json:"answer"`
	Version Version                   `json:"version"`
}

func (Answer) Type() string { return TypeAnswer }

func (a Answer) ID() string { return a.CallID }

// Hangup ends a call. Reason is omitted for a plain user hangup in version 0.
type Hangup struct {
	CallID  string       `json:"call_id"`
	Version Version      `json:"version"`
	Reason  HangupReason `json:"reason,omitempty"`
}

func (Hangup) Type() string { return TypeHangup }

func (h Hangup) ID() string { return h.CallID }

// NewInvite builds an invite for sdp with a fresh call id.
func NewInvite(sdp string, lifetime time.Duration) Invite {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return Invite{
		CallID:   uuid.NewString(),
		Lifetime: lifetime.Milliseconds(),
		Offer:    webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp},
		Version:  Version0,
	}
}

// NewAnswer answers the call with callID.
func NewAnswer(callID, sdp string) Answer {
	return Answer{
		CallID:  callID,
		Answer:  webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp},
		Version: Version0,
	}
}

// NewHangup ends the call with callID.
func NewHangup(callID string, reason HangupReason) Hangup {
	return Hangup{CallID: callID, Version: Version0, Reason: reason}
}

// ReasonFor maps a call failure onto the closest hangup reason. A nil error
// is a user hangup.
func ReasonFor(err error) HangupReason {
	if err == nil {
		return ReasonUserHangup
	}
	switch callerr.KindOf(err) {
	case callerr.KindPermission, callerr.KindDevice:
		return ReasonUserMediaFailed
	case callerr.KindNetwork:
		return ReasonICEFailed
	default:
		return ReasonUnknownError
	}
}

// Parse decodes and validates the content of an event of eventType.
func Parse(eventType string, raw []byte) (Event, error) {
	const op = "matrix.parse"

	var (
		ev  Event
		err error
	)
	switch eventType {
	case TypeInvite:
		var i Invite
		if err = json.Unmarshal(raw, &i); err == nil {
			err = i.Validate()
		}
		ev = i
	case TypeAnswer:
		var a Answer
		if err = json.Unmarshal(raw, &a); err == nil {
			err = a.Validate()
		}
		ev = a
	case TypeHangup:
		var h Hangup
		if err = json.Unmarshal(raw, &h); err == nil {
			err = h.Validate()
		}
		ev = h
	default:
		return nil, callerr.New(callerr.KindProtocol, op, fmt.Sprintf("unknown event type %q", eventType), ErrUnknownEvent)
	}
	if err != nil {
		return nil, callerr.New(callerr.KindProtocol, op, "invalid "+eventType+" content", err)
	}
	return ev, nil
}

func (i Invite) Validate() error {
	if i.CallID == "" {
		return errors.New("call_id is required")
	}
	if i.Lifetime <= 0 {
		return fmt.Errorf("lifetime must be positive, got %d", i.Lifetime)
	}
	if i.Offer.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("offer.type must be offer, got %s", i.Offer.Type)
	}
	if i.Offer.SDP == "" {
		return errors.New("offer.sdp is required")
	}
	return validVersion(i.Version)
}

func (a Answer) Validate() error {
	if a.CallID == "" {
		return errors.New("call_id is required")
	}
	if a.Answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("answer.type must be answer, got %s", a.Answer.Type)
	}
	if a.Answer.SDP == "" {
		return errors.New("answer.sdp is required")
	}
	return validVersion(a.Version)
}

func (h Hangup) Validate() error {
	if h.CallID == "" {
		return errors.New("call_id is required")
	}
	return validVersion(h.Version)
}

func validVersion(v Version) error {
	if v == "" {
		return errors.New("version is required")
	}
	if _, err := strconv.Atoi(string(v)); err != nil {
		return fmt.Errorf("version %q is not numeric", v)
	}
	return nil
}
