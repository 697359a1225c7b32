package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/callsession/internal/callerr"
	"github.com/mikeyg42/callsession/internal/transport"
)

type eventLog struct {
	mu     sync.Mutex
	events []transport.Event
}

func (l *eventLog) add(ev transport.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []transport.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]transport.Event(nil), l.events...)
}

// newTestRoom returns a room in the connected bookkeeping state without a
// peer connection, for exercising signaling dispatch.
func newTestRoom(identity string) (*Room, *eventLog) {
	r := New(Config{CallTimeout: time.Second})
	log := &eventLog{}
	ctx, cancel := context.WithCancel(context.Background())
	r.onEvent = log.add
	r.identity = identity
	r.ctx, r.cancel = ctx, cancel
	r.published = make(map[transport.Source]*publication)
	r.remoteMeta = make(map[string]trackWire)
	r.pendingRemote = make(map[string]pendingTrack)
	r.subscribed = make(map[string]transport.TrackInfo)
	return r, log
}

func notification(t *testing.T, method string, params any) *inbound {
	t.Helper()
	req, err := newRequest(method, params, true)
	require.NoError(t, err)
	data, err := json.Marshal(req)
	require.NoError(t, err)
	msg, err := decodeInbound(data)
	require.NoError(t, err)
	return msg
}

func TestNotificationHasNoID(t *testing.T) {
	req, err := newRequest(methodTrickle, Candidate{}, true)
	require.NoError(t, err)
	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"id"`)
	assert.Contains(t, string(data), `"method":"trickle"`)

	call, err := newRequest(methodJoin, joinParams{Token: "t"}, false)
	require.NoError(t, err)
	data, err = json.Marshal(call)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id"`)
}

func TestDecodeInbound(t *testing.T) {
	msg, err := decodeInbound([]byte(`{"jsonrpc":"2.0","id":7,"result":{"identity":"me"}}`))
	require.NoError(t, err)
	assert.True(t, msg.isResponse())
	assert.Equal(t, uint64(7), msg.ID.Num)

	msg, err = decodeInbound([]byte(`{"jsonrpc":"2.0","method":"participant_left","params":{"identity":"bob"}}`))
	require.NoError(t, err)
	assert.False(t, msg.isResponse())

	_, err = decodeInbound([]byte(`{"jsonrpc":"2.0"}`))
	assert.Error(t, err)
	_, err = decodeInbound([]byte(`nope`))
	assert.Error(t, err)
}

func TestHandleRosterNotifications(t *testing.T) {
	r, log := newTestRoom("alice")

	require.NoError(t, r.handle(notification(t, methodParticipantJoined, participantWire{Identity: "alice"})))
	require.NoError(t, r.handle(notification(t, methodParticipantJoined, participantWire{Identity: "bob", Name: "Bob"})))
	require.NoError(t, r.handle(notification(t, methodActiveSpeakers, speakersParams{Identities: []string{"bob"}})))
	require.NoError(t, r.handle(notification(t, methodConnectionQuality, qualityParams{Identity: "bob", Quality: "poor"})))
	require.NoError(t, r.handle(notification(t, methodTrackMuted, trackMutedParams{Identity: "bob", Source: "microphone", Muted: true})))
	require.NoError(t, r.handle(notification(t, methodParticipantLeft, identityParams{Identity: "bob"})))

	evs := log.all()
	require.Len(t, evs, 5, "own join is not reported")
	assert.Equal(t, transport.ParticipantJoined{Participant: transport.ParticipantInfo{Identity: "bob", Name: "Bob"}}, evs[0])
	assert.Equal(t, transport.ActiveSpeakersChanged{Identities: []string{"bob"}}, evs[1])
	assert.Equal(t, transport.ConnectionQualityChanged{Identity: "bob", Quality: transport.QualityPoor}, evs[2])
	assert.Equal(t, transport.TrackMuted{Identity: "bob", Source: transport.SourceMicrophone, Muted: true}, evs[3])
	assert.Equal(t, transport.ParticipantLeft{Identity: "bob"}, evs[4])
	assert.True(t, r.serverSpeakers)
}

func TestHandleRejectsUnknownMethod(t *testing.T) {
	r, _ := newTestRoom("alice")
	assert.Error(t, r.handle(notification(t, "bogus", struct{}{})))
	assert.Error(t, r.handle(&inbound{Method: methodParticipantLeft}))
}

func TestParticipantLeftUnsubscribesTracksFirst(t *testing.T) {
	r, log := newTestRoom("alice")
	r.subscribed["TR_1"] = transport.TrackInfo{SID: "TR_1", Identity: "bob", Source: transport.SourceScreenShare}
	r.subscribed["TR_2"] = transport.TrackInfo{SID: "TR_2", Identity: "carol", Source: transport.SourceCamera}

	r.dropParticipant("bob")

	evs := log.all()
	require.Len(t, evs, 2)
	unsub, ok := evs[0].(transport.TrackUnsubscribed)
	require.True(t, ok)
	assert.Equal(t, "TR_1", unsub.Track.SID)
	assert.Equal(t, transport.ParticipantLeft{Identity: "bob"}, evs[1])
	assert.Contains(t, r.subscribed, "TR_2")
}

func TestDataPacketsFromSelfAreDropped(t *testing.T) {
	r, log := newTestRoom("alice")

	own, _ := json.Marshal(dataPacket{From: "alice", Topic: "chat", Payload: []byte("x")})
	other, _ := json.Marshal(dataPacket{From: "bob", Topic: "chat", Payload: []byte("hi")})
	r.handleData(own, transport.Reliable)
	r.handleData(other, transport.Lossy)
	r.handleData([]byte("garbage"), transport.Lossy)

	evs := log.all()
	require.Len(t, evs, 1)
	assert.Equal(t, transport.DataReceived{From: "bob", Topic: "chat", Payload: []byte("hi"), Reliability: transport.Lossy}, evs[0])
}

func TestSendDataWithoutChannel(t *testing.T) {
	r, _ := newTestRoom("alice")
	assert.Error(t, r.SendData(context.Background(), []byte("x"), transport.Reliable, ""))
}

func TestOperationsRequireConnection(t *testing.T) {
	r := New(Config{})
	assert.ErrorIs(t, r.Resume(context.Background(), "t"), errRoomNotConnected)
	assert.ErrorIs(t, r.Unpublish(context.Background(), transport.SourceCamera), errRoomNotConnected)
	assert.NoError(t, r.Disconnect(context.Background()))
}

// fakeSignaling answers every call through respond and closes the socket
// when closeAfter calls have been served.
type fakeSignaling struct {
	srv        *httptest.Server
	respond    func(req *jsonrpc2.Request) (any, *jsonrpc2.Error)
	closeAfter int
	auth       chan string
}

func newFakeSignaling(t *testing.T, respond func(*jsonrpc2.Request) (any, *jsonrpc2.Error)) *fakeSignaling {
	f := &fakeSignaling{respond: respond, auth: make(chan string, 1)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") == "Bearer bad" {
			http.Error(w, "denied", http.StatusUnauthorized)
			return
		}
		f.auth <- req.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		served := 0
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var call jsonrpc2.Request
			if err := json.Unmarshal(data, &call); err != nil || call.Notif {
				continue
			}
			result, rpcErr := f.respond(&call)
			resp := &jsonrpc2.Response{ID: call.ID, Error: rpcErr}
			if rpcErr == nil {
				raw, _ := json.Marshal(result)
				resp.Result = (*json.RawMessage)(&raw)
			}
			out, _ := json.Marshal(resp)
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
			served++
			if f.closeAfter > 0 && served >= f.closeAfter {
				return
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSignaling) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func attach(t *testing.T, r *Room, f *fakeSignaling, token string) {
	t.Helper()
	ws, err := r.dial(context.Background(), f.url(), token)
	require.NoError(t, err)
	r.ws = ws
	r.wg.Add(1)
	go r.readLoop(r.ctx, ws)
	t.Cleanup(func() {
		r.cancel()
		ws.Close()
		r.wg.Wait()
	})
}

func TestCallRoundTrip(t *testing.T) {
	f := newFakeSignaling(t, func(req *jsonrpc2.Request) (any, *jsonrpc2.Error) {
		if req.Method == methodOffer {
			return nil, &jsonrpc2.Error{Code: 400, Message: "renegotiation refused"}
		}
		return joinResult{Identity: "alice-42"}, nil
	})
	r, _ := newTestRoom("")
	attach(t, r, f, "tok")
	assert.Equal(t, "Bearer tok", <-f.auth)

	var res joinResult
	require.NoError(t, r.call(context.Background(), methodJoin, joinParams{Token: "tok"}, &res))
	assert.Equal(t, "alice-42", res.Identity)

	err := r.call(context.Background(), methodOffer, offerParams{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "renegotiation refused")
}

func TestSignalingCloseReportsLostAndFailsCalls(t *testing.T) {
	f := newFakeSignaling(t, func(*jsonrpc2.Request) (any, *jsonrpc2.Error) { return struct{}{}, nil })
	f.closeAfter = 1
	r, log := newTestRoom("alice")
	attach(t, r, f, "tok")

	require.NoError(t, r.call(context.Background(), methodJoin, joinParams{}, nil))

	require.Eventually(t, func() bool {
		for _, ev := range log.all() {
			if lost, ok := ev.(transport.ConnectionLost); ok {
				return errors.Is(lost.Err, errSignalingClosed)
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	err := r.call(context.Background(), methodOffer, offerParams{}, nil)
	assert.ErrorIs(t, err, errSignalingClosed)

	// A second failure is not reported twice.
	r.reportLost(errors.New("again"))
	lost := 0
	for _, ev := range log.all() {
		if _, ok := ev.(transport.ConnectionLost); ok {
			lost++
		}
	}
	assert.Equal(t, 1, lost)
}

func TestDialRejectedTokenIsPermanent(t *testing.T) {
	f := newFakeSignaling(t, nil)
	r := New(Config{})
	_, err := r.dial(context.Background(), f.url(), "bad")
	require.Error(t, err)
	assert.Equal(t, callerr.KindNetwork, callerr.KindOf(err))
	assert.False(t, callerr.IsTransient(err))
}
