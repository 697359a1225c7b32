// Package sfu implements transport.Room on a WebRTC peer connection to a
// selective forwarding unit. Signaling is JSON-RPC over a websocket;
// published tracks are announced with their source so other participants
// can tell camera from screen share.
package sfu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"

	"github.com/mikeyg42/callsession/internal/callerr"
	"github.com/mikeyg42/callsession/internal/logging"
	"github.com/mikeyg42/callsession/internal/media"
	"github.com/mikeyg42/callsession/internal/transport"
)

const (
	defaultCallTimeout = 10 * time.Second
	writeTimeout       = 10 * time.Second
	speakerInterval    = 250 * time.Millisecond
)

var (
	errRoomNotConnected = errors.New("room not connected")
	errSignalingClosed  = errors.New("signaling connection closed")
)

// Config configures a Room.
type Config struct {
	ICEServers []webrtc.ICEServer
	// CodecSelector registers the capture encoders with the media engine.
	// Nil registers pion's default codecs.
	CodecSelector *mediadevices.CodecSelector
	Dialer        *websocket.Dialer
	StatsInterval time.Duration
	CallTimeout   time.Duration
	// OnRTT receives every round trip time sample of the local link.
	OnRTT  func(time.Duration)
	Logger *zap.Logger
}

type publication struct {
	sender *webrtc.RTPSender
	info   transport.TrackInfo
}

type pendingTrack struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

// Room is a connection to one SFU room.
type Room struct {
	cfg    Config
	logger *zap.Logger

	mu             sync.Mutex
	url            string
	ws             *websocket.Conn
	wsClosed       bool
	pc             *webrtc.PeerConnection
	reliable       *webrtc.DataChannel
	lossy          *webrtc.DataChannel
	onEvent        func(transport.Event)
	identity       string
	published      map[transport.Source]*publication
	remoteMeta     map[string]trackWire
	pendingRemote  map[string]pendingTrack
	subscribed     map[string]transport.TrackInfo
	ctx            context.Context
	cancel         context.CancelFunc
	lost           bool
	serverSpeakers bool
	quality        transport.ConnectionQuality

	wg          sync.WaitGroup
	writeMu     sync.Mutex
	negotiateMu sync.Mutex

	callsMu sync.Mutex
	calls   map[uint64]chan *inbound

	link     *linkBuffer
	speakers *speakerTracker
}

func New(cfg Config) *Room {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = statsInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &Room{
		cfg:      cfg,
		logger:   logging.OrNop(cfg.Logger).Named("sfu"),
		calls:    make(map[uint64]chan *inbound),
		link:     newLinkBuffer(linkBufferCapacity),
		speakers: newSpeakerTracker(),
	}
}

func (r *Room) LocalIdentity() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

func (r *Room) Connect(ctx context.Context, url, token string, onEvent func(transport.Event)) error {
	r.mu.Lock()
	if r.pc != nil {
		r.mu.Unlock()
		return errors.New("room already connected")
	}
	r.mu.Unlock()

	ws, err := r.dial(ctx, url, token)
	if err != nil {
		return err
	}
	pc, err := r.newPeerConnection()
	if err != nil {
		ws.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.url, r.ws, r.wsClosed, r.pc = url, ws, false, pc
	r.onEvent = onEvent
	r.ctx, r.cancel = runCtx, cancel
	r.identity = ""
	r.lost, r.serverSpeakers = false, false
	r.quality = transport.QualityUnknown
	r.published = make(map[transport.Source]*publication)
	r.remoteMeta = make(map[string]trackWire)
	r.pendingRemote = make(map[string]pendingTrack)
	r.subscribed = make(map[string]transport.TrackInfo)
	r.mu.Unlock()
	r.link.Clear()

	if err := r.setupDataChannels(pc); err != nil {
		_ = r.Disconnect(context.Background())
		return err
	}
	r.setupCallbacks(pc)

	r.wg.Add(1)
	go r.readLoop(runCtx, ws)

	if err := r.join(ctx, pc, token, false); err != nil {
		_ = r.Disconnect(context.Background())
		return err
	}

	r.wg.Add(1)
	go r.monitorLink(runCtx, pc)

	r.logger.Info("joined room", zap.String("url", url), zap.String("identity", r.LocalIdentity()))
	return nil
}

func (r *Room) dial(ctx context.Context, url, token string) (*websocket.Conn, error) {
	const op = "sfu.dial"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := r.cfg.Dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, callerr.Network(op, "access denied by media server", false,
				fmt.Errorf("status %d: %w", resp.StatusCode, err))
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return ws, nil
}

func (r *Room) newPeerConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if r.cfg.CodecSelector != nil {
		r.cfg.CodecSelector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: "transport-cc"}, webrtc.RTPCodecTypeVideo)
	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: "transport-cc"}, webrtc.RTPCodecTypeAudio)
	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeAudio)
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI}, webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, fmt.Errorf("failed to register audio level extension: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		5*time.Second,  // disconnected timeout
		10*time.Second, // failed timeout
		2*time.Second,  // keep-alive interval
	)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         r.cfg.ICEServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

func (r *Room) setupDataChannels(pc *webrtc.PeerConnection) error {
	ordered := true
	unordered := false
	var noRetransmits uint16

	reliable, err := pc.CreateDataChannel("_reliable", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("failed to create reliable data channel: %w", err)
	}
	lossy, err := pc.CreateDataChannel("_lossy", &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &noRetransmits,
	})
	if err != nil {
		return fmt.Errorf("failed to create lossy data channel: %w", err)
	}

	reliable.OnMessage(func(msg webrtc.DataChannelMessage) { r.handleData(msg.Data, transport.Reliable) })
	lossy.OnMessage(func(msg webrtc.DataChannelMessage) { r.handleData(msg.Data, transport.Lossy) })

	r.mu.Lock()
	r.reliable, r.lossy = reliable, lossy
	r.mu.Unlock()
	return nil
}

// register all peer connection callbacks in one place
func (r *Room) setupCallbacks(pc *webrtc.PeerConnection) {
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		r.logger.Debug("peer connection state changed", zap.String("state", state.String()))
		if state == webrtc.PeerConnectionStateFailed {
			r.reportLost(errors.New("peer connection failed"))
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := r.notify(methodTrickle, Candidate{Target: 0, Candidate: c.ToJSON()}); err != nil {
			r.logger.Warn("failed to send ICE candidate", zap.Error(err))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		r.logger.Debug("received track",
			zap.String("track_id", track.ID()),
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))
		r.handleRemoteTrack(track, receiver)
	})
}

// join sends our offer with the access token and applies the answer and
// the current room roster.
func (r *Room) join(ctx context.Context, pc *webrtc.PeerConnection, token string, restart bool) error {
	r.negotiateMu.Lock()
	defer r.negotiateMu.Unlock()

	offer, err := createOffer(pc, restart)
	if err != nil {
		return err
	}
	var res joinResult
	if err := r.call(ctx, methodJoin, joinParams{Token: token, Offer: offer}, &res); err != nil {
		return err
	}
	if res.Answer == nil {
		return errors.New("join response has no answer")
	}
	if err := pc.SetRemoteDescription(*res.Answer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	r.mu.Lock()
	r.identity = res.Identity
	r.mu.Unlock()

	for _, p := range res.Participants {
		if p.Identity != res.Identity {
			r.emit(transport.ParticipantJoined{Participant: p.info()})
		}
	}
	for _, t := range res.Tracks {
		r.rememberRemote(t)
	}
	return nil
}

func createOffer(pc *webrtc.PeerConnection, restart bool) (*webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := pc.CreateOffer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return pc.LocalDescription(), nil
}

// Resume restores a dropped connection with an ICE restart. A dead
// signaling socket is redialed and the room rejoined with token.
func (r *Room) Resume(ctx context.Context, token string) error {
	r.mu.Lock()
	pc, url, wsClosed, runCtx := r.pc, r.url, r.wsClosed, r.ctx
	r.mu.Unlock()
	if pc == nil {
		return errRoomNotConnected
	}

	if wsClosed {
		ws, err := r.dial(ctx, url, token)
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.ws, r.wsClosed = ws, false
		r.mu.Unlock()
		r.wg.Add(1)
		go r.readLoop(runCtx, ws)

		if err := r.join(ctx, pc, token, true); err != nil {
			return err
		}
	} else if err := r.renegotiate(ctx, pc, true); err != nil {
		return err
	}

	r.mu.Lock()
	r.lost = false
	r.mu.Unlock()
	r.logger.Info("connection resumed")
	return nil
}

func (r *Room) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	pc, ws, cancel := r.pc, r.ws, r.cancel
	r.pc, r.ws, r.cancel = nil, nil, nil
	r.reliable, r.lossy = nil, nil
	r.onEvent = nil
	r.published = nil
	r.identity = ""
	r.mu.Unlock()

	if pc == nil {
		return nil
	}
	cancel()

	var errs []error
	if ws != nil {
		if req, err := newRequest(methodLeave, struct{}{}, true); err == nil {
			_ = r.writeTo(ws, req)
		}
		if err := ws.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := pc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close peer connection: %w", err))
	}
	r.failCalls()
	r.wg.Wait()
	return errors.Join(errs...)
}

func (r *Room) Publish(ctx context.Context, track media.Track, source transport.Source) (transport.TrackInfo, error) {
	wt, ok := track.(media.WebRTCTrack)
	if !ok {
		return transport.TrackInfo{}, fmt.Errorf("track %s has no WebRTC binding", track.ID())
	}

	r.negotiateMu.Lock()
	defer r.negotiateMu.Unlock()

	pc := r.peer()
	if pc == nil {
		return transport.TrackInfo{}, errRoomNotConnected
	}
	if err := r.removePublication(pc, source); err != nil {
		return transport.TrackInfo{}, err
	}

	local := wt.WebRTCTrack()
	sender, err := pc.AddTrack(local)
	if err != nil {
		return transport.TrackInfo{}, fmt.Errorf("failed to add %s track: %w", source, err)
	}

	// RTCP must be read for interceptors to run.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	info := transport.TrackInfo{
		SID:      local.ID(),
		Identity: r.LocalIdentity(),
		Source:   source,
		Kind:     track.Kind(),
		Local:    track,
	}
	r.mu.Lock()
	r.published[source] = &publication{sender: sender, info: info}
	r.mu.Unlock()

	if err := r.negotiate(ctx, pc, false); err != nil {
		_ = r.removePublication(pc, source)
		return transport.TrackInfo{}, err
	}
	return info, nil
}

func (r *Room) Unpublish(ctx context.Context, source transport.Source) error {
	r.negotiateMu.Lock()
	defer r.negotiateMu.Unlock()

	pc := r.peer()
	if pc == nil {
		return errRoomNotConnected
	}
	r.mu.Lock()
	_, ok := r.published[source]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := r.removePublication(pc, source); err != nil {
		return err
	}
	return r.negotiate(ctx, pc, false)
}

func (r *Room) removePublication(pc *webrtc.PeerConnection, source transport.Source) error {
	r.mu.Lock()
	pub, ok := r.published[source]
	delete(r.published, source)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := pc.RemoveTrack(pub.sender); err != nil {
		return fmt.Errorf("failed to remove %s track: %w", source, err)
	}
	return nil
}

func (r *Room) renegotiate(ctx context.Context, pc *webrtc.PeerConnection, restart bool) error {
	r.negotiateMu.Lock()
	defer r.negotiateMu.Unlock()
	return r.negotiate(ctx, pc, restart)
}

// negotiate runs one offer/answer round. Callers hold negotiateMu.
func (r *Room) negotiate(ctx context.Context, pc *webrtc.PeerConnection, restart bool) error {
	offer, err := createOffer(pc, restart)
	if err != nil {
		return err
	}
	var ans answerParams
	if err := r.call(ctx, methodOffer, offerParams{Offer: offer, Tracks: r.localTracks()}, &ans); err != nil {
		return err
	}
	if ans.Answer == nil {
		return errors.New("offer response has no answer")
	}
	if err := pc.SetRemoteDescription(*ans.Answer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (r *Room) localTracks() []trackWire {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]trackWire, 0, len(r.published))
	for _, pub := range r.published {
		out = append(out, trackWire{
			SID:     pub.info.SID,
			TrackID: pub.info.SID,
			Source:  string(pub.info.Source),
			Kind:    string(pub.info.Kind),
		})
	}
	return out
}

func (r *Room) SendData(ctx context.Context, payload []byte, reliability transport.Reliability, topic string) error {
	r.mu.Lock()
	dc, identity := r.lossy, r.identity
	if reliability == transport.Reliable {
		dc = r.reliable
	}
	r.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("%s data channel not open", reliability)
	}
	b, err := json.Marshal(dataPacket{From: identity, Topic: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode data packet: %w", err)
	}
	return dc.Send(b)
}

func (r *Room) handleData(data []byte, reliability transport.Reliability) {
	var p dataPacket
	if err := json.Unmarshal(data, &p); err != nil {
		r.logger.Warn("dropping malformed data packet", zap.Error(err))
		return
	}
	if p.From != "" && p.From == r.LocalIdentity() {
		return
	}
	r.emit(transport.DataReceived{From: p.From, Topic: p.Topic, Payload: p.Payload, Reliability: reliability})
}

func (r *Room) peer() *webrtc.PeerConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pc
}

func (r *Room) emit(ev transport.Event) {
	r.mu.Lock()
	fn := r.onEvent
	r.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// reportLost emits ConnectionLost once per drop.
func (r *Room) reportLost(err error) {
	r.mu.Lock()
	if r.lost || r.cancel == nil {
		r.mu.Unlock()
		return
	}
	r.lost = true
	r.mu.Unlock()
	r.logger.Warn("connection lost", zap.Error(err))
	r.emit(transport.ConnectionLost{Err: err})
}

// ---- signaling

func (r *Room) readLoop(ctx context.Context, ws *websocket.Conn) {
	defer r.wg.Done()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			r.mu.Lock()
			if r.ws == ws {
				r.wsClosed = true
			}
			r.mu.Unlock()
			r.failCalls()
			if ctx.Err() == nil {
				r.reportLost(fmt.Errorf("%w: %v", errSignalingClosed, err))
			}
			return
		}

		msg, err := decodeInbound(data)
		if err != nil {
			r.logger.Warn("dropping signaling message", zap.Error(err))
			continue
		}
		if msg.isResponse() {
			r.resolve(msg)
			continue
		}
		if err := r.handle(msg); err != nil {
			r.logger.Warn("failed to handle signaling message", zap.String("method", msg.Method), zap.Error(err))
		}
	}
}

func (r *Room) handle(msg *inbound) error {
	switch msg.Method {
	case methodOffer:
		var p offerParams
		if err := decodeParams(msg, &p); err != nil {
			return err
		}
		if p.Offer == nil {
			return errors.New("offer without session description")
		}
		// Answering takes negotiateMu, which a pending call may hold while
		// it waits on this loop.
		go r.answer(*p.Offer)

	case methodTrickle:
		var c Candidate
		if err := decodeParams(msg, &c); err != nil {
			return err
		}
		pc := r.peer()
		if pc == nil {
			return errRoomNotConnected
		}
		if err := pc.AddICECandidate(c.Candidate); err != nil {
			return fmt.Errorf("failed to add ICE candidate: %w", err)
		}

	case methodParticipantJoined:
		var p participantWire
		if err := decodeParams(msg, &p); err != nil {
			return err
		}
		if p.Identity == r.LocalIdentity() {
			return nil
		}
		r.emit(transport.ParticipantJoined{Participant: p.info()})

	case methodParticipantLeft:
		var p identityParams
		if err := decodeParams(msg, &p); err != nil {
			return err
		}
		r.dropParticipant(p.Identity)

	case methodTrackPublished:
		var t trackWire
		if err := decodeParams(msg, &t); err != nil {
			return err
		}
		r.rememberRemote(t)

	case methodTrackUnpublished:
		var t trackWire
		if err := decodeParams(msg, &t); err != nil {
			return err
		}
		r.unsubscribe(t.SID)

	case methodTrackMuted:
		var p trackMutedParams
		if err := decodeParams(msg, &p); err != nil {
			return err
		}
		r.mu.Lock()
		for sid, info := range r.subscribed {
			if info.Identity == p.Identity && string(info.Source) == p.Source {
				info.Muted = p.Muted
				r.subscribed[sid] = info
			}
		}
		r.mu.Unlock()
		r.emit(transport.TrackMuted{Identity: p.Identity, Source: transport.Source(p.Source), Muted: p.Muted})

	case methodActiveSpeakers:
		var p speakersParams
		if err := decodeParams(msg, &p); err != nil {
			return err
		}
		r.mu.Lock()
		r.serverSpeakers = true
		r.mu.Unlock()
		r.emit(transport.ActiveSpeakersChanged{Identities: p.Identities})

	case methodConnectionQuality:
		var p qualityParams
		if err := decodeParams(msg, &p); err != nil {
			return err
		}
		r.emit(transport.ConnectionQualityChanged{
			Identity: p.Identity,
			Quality:  transport.ParseConnectionQuality(p.Quality),
		})

	default:
		return fmt.Errorf("unknown message method: %s", msg.Method)
	}
	return nil
}

func (r *Room) answer(offer webrtc.SessionDescription) {
	r.negotiateMu.Lock()
	defer r.negotiateMu.Unlock()

	pc := r.peer()
	if pc == nil {
		return
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		r.logger.Warn("failed to set remote offer", zap.Error(err))
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		r.logger.Warn("failed to create answer", zap.Error(err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		r.logger.Warn("failed to set local description", zap.Error(err))
		return
	}
	if err := r.notify(methodAnswer, answerParams{Answer: pc.LocalDescription()}); err != nil {
		r.logger.Warn("failed to send answer", zap.Error(err))
	}
}

// call sends a request and waits for its response.
func (r *Room) call(ctx context.Context, method string, params, out any) error {
	req, err := newRequest(method, params, false)
	if err != nil {
		return err
	}
	ch := make(chan *inbound, 1)
	r.callsMu.Lock()
	r.calls[req.ID.Num] = ch
	r.callsMu.Unlock()
	defer func() {
		r.callsMu.Lock()
		delete(r.calls, req.ID.Num)
		r.callsMu.Unlock()
	}()

	if err := r.send(req); err != nil {
		return err
	}

	timer := time.NewTimer(r.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%s: no response after %s", method, r.cfg.CallTimeout)
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", method, errSignalingClosed)
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if out != nil && resp.Result != nil {
			if err := json.Unmarshal(*resp.Result, out); err != nil {
				return fmt.Errorf("%s: failed to decode result: %w", method, err)
			}
		}
		return nil
	}
}

func (r *Room) notify(method string, params any) error {
	req, err := newRequest(method, params, true)
	if err != nil {
		return err
	}
	return r.send(req)
}

func (r *Room) resolve(msg *inbound) {
	r.callsMu.Lock()
	ch, ok := r.calls[msg.ID.Num]
	if ok {
		delete(r.calls, msg.ID.Num)
	}
	r.callsMu.Unlock()
	if !ok {
		r.logger.Debug("response for unknown call", zap.String("id", msg.ID.String()))
		return
	}
	ch <- msg
}

// failCalls unblocks every pending call.
func (r *Room) failCalls() {
	r.callsMu.Lock()
	defer r.callsMu.Unlock()
	for id, ch := range r.calls {
		close(ch)
		delete(r.calls, id)
	}
}

func (r *Room) send(req *jsonrpc2.Request) error {
	r.mu.Lock()
	ws, closed := r.ws, r.wsClosed
	r.mu.Unlock()
	if ws == nil || closed {
		return errSignalingClosed
	}
	return r.writeTo(ws, req)
}

// Helper method to send websocket messages
func (r *Room) writeTo(ws *websocket.Conn, req *jsonrpc2.Request) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(req); err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write websocket message: %w", err)
	}
	return nil
}

// ---- remote tracks

func (r *Room) rememberRemote(t trackWire) {
	r.mu.Lock()
	if r.remoteMeta == nil {
		r.mu.Unlock()
		return
	}
	r.remoteMeta[t.TrackID] = t
	pending, ok := r.pendingRemote[t.TrackID]
	delete(r.pendingRemote, t.TrackID)
	r.mu.Unlock()

	if ok {
		r.subscribe(t, pending.track, pending.receiver)
	}
}

func (r *Room) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	r.mu.Lock()
	meta, ok := r.remoteMeta[track.ID()]
	if !ok && r.pendingRemote != nil {
		r.pendingRemote[track.ID()] = pendingTrack{track: track, receiver: receiver}
	}
	r.mu.Unlock()

	if ok {
		r.subscribe(meta, track, receiver)
	}
}

func (r *Room) subscribe(meta trackWire, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	info := transport.TrackInfo{
		SID:      meta.SID,
		Identity: meta.Identity,
		Source:   transport.Source(meta.Source),
		Kind:     media.TrackKind(track.Kind().String()),
		Muted:    meta.Muted,
		Remote:   track,
	}
	r.mu.Lock()
	if r.subscribed == nil {
		r.mu.Unlock()
		return
	}
	r.subscribed[meta.SID] = info
	r.mu.Unlock()

	r.emit(transport.TrackSubscribed{Track: info})

	if track.Kind() == webrtc.RTPCodecTypeAudio {
		r.wg.Add(1)
		go r.monitorAudio(meta.Identity, track, receiver)
	}
}

func (r *Room) unsubscribe(sid string) {
	r.mu.Lock()
	info, ok := r.subscribed[sid]
	delete(r.subscribed, sid)
	for id, meta := range r.remoteMeta {
		if meta.SID == sid {
			delete(r.remoteMeta, id)
		}
	}
	r.mu.Unlock()
	if ok {
		r.emit(transport.TrackUnsubscribed{Track: info})
	}
}

// dropParticipant unsubscribes everything identity published, then
// reports the departure.
func (r *Room) dropParticipant(identity string) {
	r.mu.Lock()
	var sids []string
	for sid, info := range r.subscribed {
		if info.Identity == identity {
			sids = append(sids, sid)
		}
	}
	r.mu.Unlock()

	for _, sid := range sids {
		r.unsubscribe(sid)
	}
	r.speakers.Forget(identity)
	r.emit(transport.ParticipantLeft{Identity: identity})
}

func (r *Room) monitorAudio(identity string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	defer r.wg.Done()

	var extID uint8
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == audioLevelURI {
			extID = uint8(ext.ID)
		}
	}
	if extID == 0 {
		r.logger.Debug("remote audio has no level extension", zap.String("identity", identity))
		return
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if level, _, ok := audioLevel(pkt, extID); ok {
			r.speakers.Observe(identity, level, time.Now())
		}
	}
}

// monitorLink samples link statistics for connection quality and derives
// active speakers from audio levels when the server does not report them.
func (r *Room) monitorLink(ctx context.Context, pc *webrtc.PeerConnection) {
	defer r.wg.Done()

	stats := time.NewTicker(r.cfg.StatsInterval)
	defer stats.Stop()
	speakers := time.NewTicker(speakerInterval)
	defer speakers.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case now := <-speakers.C:
			r.mu.Lock()
			serverSpeakers := r.serverSpeakers
			r.mu.Unlock()
			if serverSpeakers {
				continue
			}
			if ids, changed := r.speakers.Update(now); changed {
				r.emit(transport.ActiveSpeakersChanged{Identities: ids})
			}

		case now := <-stats.C:
			sample := sampleStats(pc.GetStats(), pc.ICEConnectionState(), now)
			r.link.Add(sample)
			if sample.RTT > 0 && r.cfg.OnRTT != nil {
				r.cfg.OnRTT(sample.RTT)
			}

			q := classifyQuality(r.link.All())
			r.mu.Lock()
			changed := q != r.quality
			r.quality = q
			identity := r.identity
			r.mu.Unlock()
			if changed {
				r.logger.Debug("link quality changed",
					zap.String("quality", q.String()),
					zap.Duration("rtt", sample.RTT),
					zap.Float64("packet_loss", sample.PacketLossRate))
				r.emit(transport.ConnectionQualityChanged{Identity: identity, Quality: q})
			}
		}
	}
}

var _ transport.Room = (*Room)(nil)
