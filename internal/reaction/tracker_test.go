package reaction

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/callsession/internal/callerr"
	"github.com/mikeyg42/callsession/internal/transport"
)

func TestToggleShowsPendingAtOnce(t *testing.T) {
	tr := NewTracker(nil)
	tr.SetConfirmed("m1", []Reaction{{Emoji: "👍", Count: 2}})

	op := tr.Toggle("m1", "👍")
	assert.True(t, op.Add)

	v := tr.View("m1")
	assert.Equal(t, PhasePending, v.Phase)
	assert.Equal(t, []Reaction{{Emoji: "👍", Count: 3, Mine: true}}, v.Reactions)

	require.NoError(t, tr.Confirm(op.ID))
	v = tr.View("m1")
	assert.Equal(t, PhaseConfirmed, v.Phase)
	assert.Equal(t, []Reaction{{Emoji: "👍", Count: 3, Mine: true}}, v.Reactions)
	assert.Empty(t, tr.Pending("m1"))
}

func TestFailureRevertsToLastConfirmed(t *testing.T) {
	tr := NewTracker(nil)
	confirmed := []Reaction{{Emoji: "🎉", Count: 1, Mine: true}}
	tr.SetConfirmed("m1", confirmed)

	op := tr.Toggle("m1", "🎉")
	assert.False(t, op.Add, "already reacted, so the toggle removes")
	assert.Empty(t, tr.View("m1").Reactions)

	require.NoError(t, tr.Fail(op.ID, callerr.Network("send", "failed to send reaction", false, errors.New("closed"))))
	v := tr.View("m1")
	assert.Equal(t, PhaseRollback, v.Phase)
	assert.Equal(t, confirmed, v.Reactions)
	assert.Contains(t, v.Error, "failed to send reaction")

	// The next toggle leaves rollback.
	op = tr.Toggle("m1", "🎉")
	assert.Equal(t, PhasePending, tr.View("m1").Phase)
	assert.Empty(t, tr.View("m1").Error)
	require.NoError(t, tr.Confirm(op.ID))
	assert.Empty(t, tr.View("m1").Reactions)
}

func TestOverlappingOperations(t *testing.T) {
	tr := NewTracker(nil)
	a := tr.Toggle("m1", "👍")
	b := tr.Toggle("m1", "❤️")
	assert.Len(t, tr.View("m1").Reactions, 2)

	require.NoError(t, tr.Fail(a.ID, errors.New("boom")))
	v := tr.View("m1")
	assert.Equal(t, PhaseRollback, v.Phase)
	assert.Equal(t, []Reaction{{Emoji: "❤️", Count: 1, Mine: true}}, v.Reactions)

	require.NoError(t, tr.Confirm(b.ID))
	assert.Equal(t, PhaseConfirmed, tr.View("m1").Phase)
}

func TestServerUpdateKeepsOverlay(t *testing.T) {
	tr := NewTracker(nil)
	op := tr.Toggle("m1", "👍")

	tr.SetConfirmed("m1", []Reaction{{Emoji: "👍", Count: 4}})
	assert.Equal(t, []Reaction{{Emoji: "👍", Count: 5, Mine: true}}, tr.View("m1").Reactions)

	require.NoError(t, tr.Fail(op.ID, errors.New("boom")))
	assert.Equal(t, []Reaction{{Emoji: "👍", Count: 4}}, tr.View("m1").Reactions)
}

func TestViewsAreCopies(t *testing.T) {
	tr := NewTracker(nil)
	tr.SetConfirmed("m1", []Reaction{{Emoji: "👍", Count: 1}})
	v := tr.View("m1")
	v.Reactions[0].Count = 99
	assert.Equal(t, 1, tr.View("m1").Reactions[0].Count)
}

func TestUnknownOp(t *testing.T) {
	tr := NewTracker(nil)
	err := tr.Confirm("nope")
	assert.Equal(t, callerr.KindProtocol, callerr.KindOf(err))
	assert.Error(t, tr.Fail("nope", nil))
}

func TestRemoteReactions(t *testing.T) {
	tr := NewTracker(nil)
	tr.ApplyRemote("m1", "👍", true)
	tr.ApplyRemote("m1", "👍", true)
	tr.ApplyRemote("m1", "😂", true)
	tr.ApplyRemote("m1", "😂", false)
	tr.ApplyRemote("m1", "🙈", false)
	assert.Equal(t, []Reaction{{Emoji: "👍", Count: 2}}, tr.View("m1").Reactions)
	assert.Equal(t, PhaseConfirmed, tr.View("m1").Phase)
}

type fakeSender struct {
	mu   sync.Mutex
	err  error
	sent [][]byte
}

func (f *fakeSender) SendData(_ context.Context, payload []byte, reliability transport.Reliability, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if reliability != transport.Reliable || topic != Topic {
		return errors.New("wrong channel")
	}
	f.sent = append(f.sent, payload)
	return nil
}

func TestPublisherToggle(t *testing.T) {
	tr := NewTracker(nil)
	sender := &fakeSender{}
	p := NewPublisher(tr, sender, nil)

	var phases []Phase
	unsub := tr.OnChange(func(v View) { phases = append(phases, v.Phase) })
	defer unsub()

	v, err := p.Toggle(context.Background(), "m1", "👍")
	require.NoError(t, err)
	assert.Equal(t, PhaseConfirmed, v.Phase)
	assert.Equal(t, []Phase{PhasePending, PhaseConfirmed}, phases)

	require.Len(t, sender.sent, 1)
	var w wireReaction
	require.NoError(t, json.Unmarshal(sender.sent[0], &w))
	assert.Equal(t, "m1", w.MessageID)
	assert.True(t, w.Add)
	assert.NotEmpty(t, w.OpID)

	sender.err = callerr.Protocol("transport.send_data", transport.ErrNotConnected)
	phases = nil
	v, err = p.Toggle(context.Background(), "m1", "👍")
	require.Error(t, err)
	assert.Equal(t, PhaseRollback, v.Phase)
	assert.Equal(t, []Reaction{{Emoji: "👍", Count: 1, Mine: true}}, v.Reactions)
	assert.Equal(t, []Phase{PhasePending, PhaseRollback}, phases)
}

func TestPublisherReceive(t *testing.T) {
	tr := NewTracker(nil)
	p := NewPublisher(tr, &fakeSender{}, nil)

	payload, _ := json.Marshal(wireReaction{MessageID: "m1", Emoji: "🔥", Add: true, OpID: "x"})
	require.NoError(t, p.Receive(transport.DataReceived{From: "bob", Topic: Topic, Payload: payload}))
	assert.Equal(t, []Reaction{{Emoji: "🔥", Count: 1}}, tr.View("m1").Reactions)

	require.NoError(t, p.Receive(transport.DataReceived{From: "bob", Topic: "chat", Payload: []byte("hi")}))

	err := p.Receive(transport.DataReceived{From: "bob", Topic: Topic, Payload: []byte("{")})
	assert.Equal(t, callerr.KindProtocol, callerr.KindOf(err))
	err = p.Receive(transport.DataReceived{From: "bob", Topic: Topic, Payload: []byte(`{"emoji":"x"}`)})
	assert.Error(t, err)
}
