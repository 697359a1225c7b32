// Package transporttest provides an in-memory transport.Room for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/mikeyg42/callsession/internal/media"
	"github.com/mikeyg42/callsession/internal/transport"
)

// SentData is one SendData call observed by the fake.
type SentData struct {
	Payload     []byte
	Reliability transport.Reliability
	Topic       string
}

// Room is a scriptable fake. Queue errors before the call that should fail
// them; inject server events with Emit.
type Room struct {
	Identity string

	mu          sync.Mutex
	onEvent     func(transport.Event)
	connected   bool
	connectErrs []error
	resumeErrs  []error
	publishErrs []error
	gate        chan struct{}
	resumeGate  chan struct{}

	connects    []string
	resumes     []string
	disconnects int
	published   map[transport.Source]transport.TrackInfo
	publishLog  []transport.Source
	unpublished []transport.Source
	sent        []SentData
	nextSID     int
}

// New creates a fake room that assigns identity to the local participant.
func New(identity string) *Room {
	return &Room{
		Identity:  identity,
		published: make(map[transport.Source]transport.TrackInfo),
	}
}

// FailNextConnect makes the next Connect return err.
func (r *Room) FailNextConnect(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectErrs = append(r.connectErrs, err)
}

// FailResumes makes the next len(errs) Resume calls fail in order.
func (r *Room) FailResumes(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumeErrs = append(r.resumeErrs, errs...)
}

// FailNextPublish makes the next Publish return err.
func (r *Room) FailNextPublish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishErrs = append(r.publishErrs, err)
}

// Block makes Connect wait until the returned release func is called or
// its context ends.
func (r *Room) Block() (release func()) {
	gate := make(chan struct{})
	r.mu.Lock()
	r.gate = gate
	r.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// BlockResume makes the next Resume wait until the returned release func
// is called or its context ends.
func (r *Room) BlockResume() (release func()) {
	gate := make(chan struct{})
	r.mu.Lock()
	r.resumeGate = gate
	r.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (r *Room) Connect(ctx context.Context, url, token string, onEvent func(transport.Event)) error {
	r.mu.Lock()
	r.connects = append(r.connects, token)
	gate := r.gate
	r.gate = nil
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.connectErrs) > 0 {
		err := r.connectErrs[0]
		r.connectErrs = r.connectErrs[1:]
		return err
	}
	r.onEvent = onEvent
	r.connected = true
	return nil
}

func (r *Room) Resume(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	gate := r.resumeGate
	r.resumeGate = nil
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumes = append(r.resumes, token)
	if len(r.resumeErrs) > 0 {
		err := r.resumeErrs[0]
		r.resumeErrs = r.resumeErrs[1:]
		return err
	}
	r.connected = true
	return nil
}

func (r *Room) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
	r.connected = false
	r.onEvent = nil
	r.published = make(map[transport.Source]transport.TrackInfo)
	return nil
}

func (r *Room) LocalIdentity() string {
	return r.Identity
}

func (r *Room) Publish(ctx context.Context, track media.Track, source transport.Source) (transport.TrackInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.publishErrs) > 0 {
		err := r.publishErrs[0]
		r.publishErrs = r.publishErrs[1:]
		return transport.TrackInfo{}, err
	}
	if !r.connected {
		return transport.TrackInfo{}, fmt.Errorf("publish %s: room not connected", source)
	}
	r.nextSID++
	info := transport.TrackInfo{
		SID:      fmt.Sprintf("TR_%d", r.nextSID),
		Identity: r.Identity,
		Source:   source,
		Kind:     track.Kind(),
		Local:    track,
	}
	r.published[source] = info
	r.publishLog = append(r.publishLog, source)
	return info, nil
}

func (r *Room) Unpublish(ctx context.Context, source transport.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.published, source)
	r.unpublished = append(r.unpublished, source)
	return nil
}

func (r *Room) SendData(ctx context.Context, payload []byte, reliability transport.Reliability, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return fmt.Errorf("send data: room not connected")
	}
	r.sent = append(r.sent, SentData{
		Payload:     append([]byte(nil), payload...),
		Reliability: reliability,
		Topic:       topic,
	})
	return nil
}

// Emit delivers ev as if the server had sent it. It reports false when no
// connection is listening.
func (r *Room) Emit(ev transport.Event) bool {
	r.mu.Lock()
	fn := r.onEvent
	r.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(ev)
	return true
}

// DropConnection simulates the link going away.
func (r *Room) DropConnection(err error) bool {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	return r.Emit(transport.ConnectionLost{Err: err})
}

func (r *Room) Connects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.connects...)
}

func (r *Room) Resumes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.resumes...)
}

func (r *Room) Disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnects
}

func (r *Room) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Published returns the currently published track for source.
func (r *Room) Published(source transport.Source) (transport.TrackInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.published[source]
	return info, ok
}

// PublishLog lists every successful Publish in call order.
func (r *Room) PublishLog() []transport.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Source(nil), r.publishLog...)
}

func (r *Room) Unpublished() []transport.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Source(nil), r.unpublished...)
}

func (r *Room) Sent() []SentData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SentData(nil), r.sent...)
}
