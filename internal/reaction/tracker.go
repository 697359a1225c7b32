// Package reaction keeps chat reactions with optimistic local updates.
//
// Each message has a confirmed reaction list plus an overlay of pending
// operations that the local user started but the other side has not
// acknowledged. The visible list is the confirmed list with the overlay
// applied. A confirmed operation is folded into the confirmed list; a failed
// one is dropped, which reverts the view to what was last confirmed.
package reaction

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/callsession/internal/callerr"
	"github.com/mikeyg42/callsession/internal/events"
	"github.com/mikeyg42/callsession/internal/logging"
)

// Phase is where a message's reactions are in the optimistic cycle.
type Phase int

const (
	PhaseConfirmed Phase = iota
	PhasePending
	PhaseRollback
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseRollback:
		return "rollback"
	default:
		return "confirmed"
	}
}

// Reaction is one emoji on a message.
type Reaction struct {
	Emoji string
	Count int
	// Mine is set when the local user is one of the reactors.
	Mine bool
}

// Op is a local reaction change waiting for acknowledgement.
type Op struct {
	ID        string
	MessageID string
	Emoji     string
	Add       bool
}

// View is what a message's reactions look like right now.
type View struct {
	MessageID string
	Phase     Phase
	Reactions []Reaction
	// Error is set in PhaseRollback.
	Error string
}

type message struct {
	confirmed []Reaction
	pending   []Op
	phase     Phase
	err       string
}

// Tracker holds reaction state for any number of messages. It is safe for
// concurrent use.
type Tracker struct {
	mu       sync.Mutex
	messages map[string]*message
	changes  events.Emitter[View]
	logger   *zap.Logger
}

func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		messages: make(map[string]*message),
		logger:   logging.OrNop(logger).Named("reaction"),
	}
}

// OnChange registers fn for every view change.
func (t *Tracker) OnChange(fn func(View)) (unsubscribe func()) {
	return t.changes.Subscribe(fn)
}

// View returns the current reactions of messageID.
func (t *Tracker) View(messageID string) View {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.viewLocked(messageID)
}

// SetConfirmed replaces the confirmed reactions of messageID, as when the
// server state is loaded. Pending operations stay on top.
func (t *Tracker) SetConfirmed(messageID string, rs []Reaction) {
	t.mu.Lock()
	m := t.get(messageID)
	m.confirmed = compact(append([]Reaction(nil), rs...))
	v := t.viewLocked(messageID)
	t.mu.Unlock()
	t.changes.Emit(v)
}

// Toggle starts a local add, or a remove if the local user already reacted
// with emoji. The view reflects it at once.
func (t *Tracker) Toggle(messageID, emoji string) Op {
	t.mu.Lock()
	m := t.get(messageID)
	mine := false
	for _, r := range overlay(m.confirmed, m.pending) {
		if r.Emoji == emoji {
			mine = r.Mine
		}
	}
	op := Op{ID: uuid.NewString(), MessageID: messageID, Emoji: emoji, Add: !mine}
	m.pending = append(m.pending, op)
	m.phase = PhasePending
	m.err = ""
	v := t.viewLocked(messageID)
	t.mu.Unlock()

	t.logger.Debug("reaction pending",
		zap.String("message", messageID),
		zap.String("emoji", emoji),
		zap.Bool("add", op.Add))
	t.changes.Emit(v)
	return op
}

// Confirm folds the acknowledged operation into the confirmed state.
func (t *Tracker) Confirm(opID string) error {
	t.mu.Lock()
	m, op, ok := t.take(opID)
	if !ok {
		t.mu.Unlock()
		return unknownOp("reaction.confirm", opID)
	}
	m.confirmed = apply(m.confirmed, op)
	if len(m.pending) == 0 {
		m.phase = PhaseConfirmed
		m.err = ""
	}
	v := t.viewLocked(op.MessageID)
	t.mu.Unlock()

	t.changes.Emit(v)
	return nil
}

// Fail drops the operation and reverts its effect.
func (t *Tracker) Fail(opID string, cause error) error {
	t.mu.Lock()
	m, op, ok := t.take(opID)
	if !ok {
		t.mu.Unlock()
		return unknownOp("reaction.fail", opID)
	}
	m.phase = PhaseRollback
	m.err = callerr.Message(cause)
	v := t.viewLocked(op.MessageID)
	t.mu.Unlock()

	t.logger.Warn("reaction rolled back",
		zap.String("message", op.MessageID),
		zap.String("emoji", op.Emoji),
		zap.Error(cause))
	t.changes.Emit(v)
	return nil
}

// ApplyRemote records a reaction change made by someone else.
func (t *Tracker) ApplyRemote(messageID, emoji string, add bool) {
	t.mu.Lock()
	m := t.get(messageID)
	m.confirmed = applyCount(m.confirmed, emoji, add)
	v := t.viewLocked(messageID)
	t.mu.Unlock()
	t.changes.Emit(v)
}

// Pending returns the operations not yet acknowledged for messageID.
func (t *Tracker) Pending(messageID string) []Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.messages[messageID]
	if !ok {
		return nil
	}
	return append([]Op(nil), m.pending...)
}

// Reset forgets every message.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.messages = make(map[string]*message)
	t.mu.Unlock()
}

func (t *Tracker) get(messageID string) *message {
	m, ok := t.messages[messageID]
	if !ok {
		m = &message{}
		t.messages[messageID] = m
	}
	return m
}

func (t *Tracker) take(opID string) (*message, Op, bool) {
	for _, m := range t.messages {
		for i, op := range m.pending {
			if op.ID == opID {
				m.pending = append(m.pending[:i:i], m.pending[i+1:]...)
				return m, op, true
			}
		}
	}
	return nil, Op{}, false
}

func (t *Tracker) viewLocked(messageID string) View {
	m, ok := t.messages[messageID]
	if !ok {
		return View{MessageID: messageID}
	}
	return View{
		MessageID: messageID,
		Phase:     m.phase,
		Reactions: overlay(m.confirmed, m.pending),
		Error:     m.err,
	}
}

func unknownOp(op, id string) error {
	return callerr.New(callerr.KindProtocol, op, fmt.Sprintf("no pending reaction %q", id), nil)
}

// overlay returns a fresh slice with ops applied to confirmed in order.
func overlay(confirmed []Reaction, ops []Op) []Reaction {
	out := append([]Reaction(nil), confirmed...)
	for _, op := range ops {
		out = apply(out, op)
	}
	return out
}

// apply folds a local operation into rs. Adding twice or removing a
// reaction the user does not have is a no-op.
func apply(rs []Reaction, op Op) []Reaction {
	out := append([]Reaction(nil), rs...)
	for i, r := range out {
		if r.Emoji != op.Emoji {
			continue
		}
		if r.Mine == op.Add {
			return out
		}
		if op.Add {
			r.Count++
		} else {
			r.Count--
		}
		r.Mine = op.Add
		out[i] = r
		return compact(out)
	}
	if !op.Add {
		return out
	}
	return append(out, Reaction{Emoji: op.Emoji, Count: 1, Mine: true})
}

func applyCount(rs []Reaction, emoji string, add bool) []Reaction {
	out := append([]Reaction(nil), rs...)
	for i, r := range out {
		if r.Emoji != emoji {
			continue
		}
		if add {
			r.Count++
		} else {
			r.Count--
		}
		out[i] = r
		return compact(out)
	}
	if !add {
		return out
	}
	return append(out, Reaction{Emoji: emoji, Count: 1})
}

// compact drops reactions nobody holds any more, keeping order.
func compact(rs []Reaction) []Reaction {
	out := rs[:0]
	for _, r := range rs {
		if r.Count > 0 {
			out = append(out, r)
		}
	}
	return out
}
