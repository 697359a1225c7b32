// Package transport wraps a single connection to a media room on the SFU.
//
// Room is the SDK-facing contract (implemented by transport/sfu and by the
// fake in transporttest). Session layers the connection state machine on
// top of it: connect/disconnect rules, automatic reconnects with backoff,
// ordered event delivery and data channel limits.
package transport

import (
	"context"
	"errors"

	"github.com/mikeyg42/callsession/internal/media"
)

// Source categorizes a published track.
type Source string

const (
	SourceCamera           Source = "camera"
	SourceMicrophone       Source = "microphone"
	SourceScreenShare      Source = "screen_share"
	SourceScreenShareAudio Source = "screen_share_audio"
)

// Reliability selects the data channel used by SendData.
type Reliability int

const (
	Lossy Reliability = iota
	Reliable
)

func (r Reliability) String() string {
	if r == Reliable {
		return "reliable"
	}
	return "lossy"
}

// ConnectionQuality is the server's or the link's view of a participant's
// connection.
type ConnectionQuality int

const (
	QualityUnknown ConnectionQuality = iota
	QualityExcellent
	QualityGood
	QualityPoor
	QualityLost
)

func (q ConnectionQuality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	case QualityLost:
		return "lost"
	default:
		return "unknown"
	}
}

// ParseConnectionQuality maps the wire names back to ConnectionQuality.
func ParseConnectionQuality(s string) ConnectionQuality {
	switch s {
	case "excellent":
		return QualityExcellent
	case "good":
		return QualityGood
	case "poor":
		return QualityPoor
	case "lost":
		return QualityLost
	default:
		return QualityUnknown
	}
}

// ParticipantInfo describes a room member as announced by the server.
type ParticipantInfo struct {
	Identity string
	Name     string
	Avatar   string
	Role     string
}

// TrackInfo describes a published or subscribed track. Local is set for
// tracks published from this client; Remote carries the SDK's renderable
// handle for subscribed tracks. Neither is owned by the holder of a
// TrackInfo.
type TrackInfo struct {
	SID      string
	Identity string
	Source   Source
	Kind     media.TrackKind
	Muted    bool
	Local    media.Track
	Remote   any
}

// Room is a media room connection as provided by the transport SDK.
type Room interface {
	// Connect joins the room. Events are delivered to onEvent for the life
	// of the connection, including ConnectionLost when the link drops.
	Connect(ctx context.Context, url, token string, onEvent func(Event)) error
	// Resume re-establishes a dropped connection with a possibly refreshed
	// token. Published tracks are restored by the room.
	Resume(ctx context.Context, token string) error
	Disconnect(ctx context.Context) error
	LocalIdentity() string
	Publish(ctx context.Context, track media.Track, source Source) (TrackInfo, error)
	Unpublish(ctx context.Context, source Source) error
	SendData(ctx context.Context, payload []byte, reliability Reliability, topic string) error
}

// Protocol errors returned synchronously by Session.
var (
	ErrAlreadyConnecting = errors.New("already connecting")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrNotConnected      = errors.New("not connected")
)
