package reaction

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/mikeyg42/callsession/internal/callerr"
	"github.com/mikeyg42/callsession/internal/transport"
)

// Topic is the data channel topic reactions travel on.
const Topic = "reaction"

// Sender sends a data message to everyone in the room.
type Sender interface {
	SendData(ctx context.Context, payload []byte, reliability transport.Reliability, topic string) error
}

type wireReaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	Add       bool   `json:"add"`
	OpID      string `json:"op_id"`
}

// Publisher sends local reactions over the room's reliable data channel and
// applies the ones other participants send.
type Publisher struct {
	tracker *Tracker
	sender  Sender
	logger  *zap.Logger
}

func NewPublisher(tracker *Tracker, sender Sender, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{tracker: tracker, sender: sender, logger: logger.Named("reaction")}
}

// Toggle flips the local reaction optimistically, confirming it once the
// message is sent and rolling it back if sending fails.
func (p *Publisher) Toggle(ctx context.Context, messageID, emoji string) (View, error) {
	op := p.tracker.Toggle(messageID, emoji)

	payload, err := json.Marshal(wireReaction{
		MessageID: op.MessageID,
		Emoji:     op.Emoji,
		Add:       op.Add,
		OpID:      op.ID,
	})
	if err == nil {
		err = p.sender.SendData(ctx, payload, transport.Reliable, Topic)
	}
	if err != nil {
		_ = p.tracker.Fail(op.ID, err)
		return p.tracker.View(messageID), err
	}
	if err := p.tracker.Confirm(op.ID); err != nil {
		return p.tracker.View(messageID), err
	}
	return p.tracker.View(messageID), nil
}

// Receive applies a data message from another participant. Messages on
// other topics are ignored.
func (p *Publisher) Receive(ev transport.DataReceived) error {
	if ev.Topic != Topic {
		return nil
	}
	var w wireReaction
	if err := json.Unmarshal(ev.Payload, &w); err != nil {
		return callerr.New(callerr.KindProtocol, "reaction.receive", "malformed reaction", err)
	}
	if w.MessageID == "" || w.Emoji == "" {
		return callerr.New(callerr.KindProtocol, "reaction.receive", "reaction without message or emoji", nil)
	}
	p.logger.Debug("remote reaction",
		zap.String("from", ev.From),
		zap.String("message", w.MessageID),
		zap.Bool("add", w.Add))
	p.tracker.ApplyRemote(w.MessageID, w.Emoji, w.Add)
	return nil
}
