package sfu

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/mikeyg42/callsession/internal/transport"
)

// Signaling methods exchanged with the SFU.
const (
	methodJoin              = "join"
	methodOffer             = "offer"
	methodAnswer            = "answer"
	methodTrickle           = "trickle"
	methodLeave             = "leave"
	methodParticipantJoined = "participant_joined"
	methodParticipantLeft   = "participant_left"
	methodTrackPublished    = "track_published"
	methodTrackUnpublished  = "track_unpublished"
	methodTrackMuted        = "track_muted"
	methodActiveSpeakers    = "active_speakers"
	methodConnectionQuality = "connection_quality"
)

// Candidate is a trickled ICE candidate. Target 0 is the publisher
// transport.
type Candidate struct {
	Target    int                     `json:"target"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type joinParams struct {
	Token string                     `json:"token"`
	Offer *webrtc.SessionDescription `json:"offer"`
}

type joinResult struct {
	Identity     string                     `json:"identity"`
	Answer       *webrtc.SessionDescription `json:"answer"`
	Participants []participantWire          `json:"participants"`
	Tracks       []trackWire                `json:"tracks"`
}

// offerParams carries a renegotiation offer. Tracks announces the sources
// of local tracks so the SFU can label them for other participants.
type offerParams struct {
	Offer  *webrtc.SessionDescription `json:"offer"`
	Tracks []trackWire                `json:"tracks,omitempty"`
}

type answerParams struct {
	Answer *webrtc.SessionDescription `json:"answer"`
}

type participantWire struct {
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Role     string `json:"role,omitempty"`
}

func (p participantWire) info() transport.ParticipantInfo {
	return transport.ParticipantInfo{Identity: p.Identity, Name: p.Name, Avatar: p.Avatar, Role: p.Role}
}

// trackWire describes a published track. TrackID is the WebRTC track id
// the SFU forwards it under.
type trackWire struct {
	SID      string `json:"sid"`
	TrackID  string `json:"track_id"`
	Identity string `json:"identity,omitempty"`
	Source   string `json:"source"`
	Kind     string `json:"kind,omitempty"`
	Muted    bool   `json:"muted,omitempty"`
}

type identityParams struct {
	Identity string `json:"identity"`
}

type trackMutedParams struct {
	Identity string `json:"identity"`
	Source   string `json:"source"`
	Muted    bool   `json:"muted"`
}

type speakersParams struct {
	Identities []string `json:"identities"`
}

type qualityParams struct {
	Identity string `json:"identity"`
	Quality  string `json:"quality"`
}

// dataPacket is the envelope written to the data channels.
type dataPacket struct {
	From    string `json:"from,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Payload []byte `json:"payload"`
}

// inbound is any message read from the signaling socket: a response to one
// of our calls (ID set, no Method), or a server request or notification.
type inbound struct {
	ID     *jsonrpc2.ID     `json:"id,omitempty"`
	Method string           `json:"method,omitempty"`
	Params *json.RawMessage `json:"params,omitempty"`
	Result *json.RawMessage `json:"result,omitempty"`
	Error  *jsonrpc2.Error  `json:"error,omitempty"`
}

func (m *inbound) isResponse() bool {
	return m.Method == "" && m.ID != nil
}

func decodeInbound(data []byte) (*inbound, error) {
	var m inbound
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if m.Method == "" && m.ID == nil {
		return nil, fmt.Errorf("message has neither method nor id")
	}
	return &m, nil
}

// newRequest builds a call. Notifications carry no id.
func newRequest(method string, params any, notify bool) (*jsonrpc2.Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	req := &jsonrpc2.Request{
		Method: method,
		Params: (*json.RawMessage)(&raw),
		Notif:  notify,
	}
	if !notify {
		req.ID = jsonrpc2.ID{Num: uint64(uuid.New().ID())}
	}
	return req, nil
}

func decodeParams(m *inbound, v any) error {
	if m.Params == nil {
		return fmt.Errorf("%s: missing params", m.Method)
	}
	if err := json.Unmarshal(*m.Params, v); err != nil {
		return fmt.Errorf("%s: %w", m.Method, err)
	}
	return nil
}
