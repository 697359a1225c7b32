package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mikeyg42/callsession/internal/callerr"
	"github.com/mikeyg42/callsession/internal/events"
	"github.com/mikeyg42/callsession/internal/logging"
	"github.com/mikeyg42/callsession/internal/media"
	"github.com/mikeyg42/callsession/internal/metrics"
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// errSuperseded stops a reconnect loop whose connection was replaced.
var errSuperseded = errors.New("connection superseded")

// Config configures a Session.
type Config struct {
	URL         string
	Room        Room
	Credentials CredentialSource

	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// DataRateLimit is the sustained data messages per second; DataBurst
	// the bucket size.
	DataRateLimit float64
	DataBurst     int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Session is a single logical connection to one room.
type Session struct {
	url     string
	room    Room
	creds   CredentialSource
	logger  *zap.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter
	now     func() time.Time

	maxRetries      int
	initialInterval time.Duration
	maxInterval     time.Duration

	mu              sync.Mutex
	state           State
	lastErr         error
	roomName        string
	request         AccessRequest
	cred            Credential
	identity        string
	generation      uint64
	cancelReconnect context.CancelFunc
	reconnectDone   chan struct{}

	mailbox *events.Mailbox[Event]
	events  events.Emitter[Event]
}

func NewSession(cfg Config) *Session {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.DataRateLimit <= 0 {
		cfg.DataRateLimit = 30
	}
	if cfg.DataBurst <= 0 {
		cfg.DataBurst = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Session{
		url:             cfg.URL,
		room:            cfg.Room,
		creds:           cfg.Credentials,
		logger:          logging.OrNop(cfg.Logger).Named("transport"),
		metrics:         cfg.Metrics,
		limiter:         rate.NewLimiter(rate.Limit(cfg.DataRateLimit), cfg.DataBurst),
		now:             cfg.Now,
		maxRetries:      cfg.MaxRetries,
		initialInterval: cfg.InitialInterval,
		maxInterval:     cfg.MaxInterval,
	}
	s.mailbox = events.NewMailbox(s.events.Emit)
	s.mailbox.Start()
	return s
}

// Subscribe registers fn for session events. Events arrive in order on a
// single goroutine owned by the session.
func (s *Session) Subscribe(fn func(Event)) (unsubscribe func()) {
	return s.events.Subscribe(fn)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error of the last connection, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// LocalIdentity is the identity the room assigned to this client.
func (s *Session) LocalIdentity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// RoomName is the room of the current or last connection.
func (s *Session) RoomName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomName
}

// RequestAccess obtains a credential for req from the issuing service. The
// request is remembered so an expired credential can be refreshed during
// reconnects.
func (s *Session) RequestAccess(ctx context.Context, req AccessRequest) (Credential, error) {
	if s.creds == nil {
		return Credential{}, callerr.New(callerr.KindInternal, "transport.request_access", "no credential source configured", nil)
	}
	cred, err := s.creds.Token(ctx, req)
	if err != nil {
		var ce *callerr.Error
		if !errors.As(err, &ce) {
			err = callerr.Network("transport.request_access", errAccessToken, true, err)
		}
		s.logger.Error("failed to get access token", zap.String("room", req.Room), zap.Error(err))
		return Credential{}, err
	}

	s.mu.Lock()
	s.request = req
	s.mu.Unlock()
	return cred, nil
}

// Connect joins roomName. It fails while a connection is in progress or
// established; callers must Disconnect first.
func (s *Session) Connect(ctx context.Context, roomName string, cred Credential) error {
	const op = "transport.connect"

	s.mu.Lock()
	switch s.state {
	case StateConnecting:
		s.mu.Unlock()
		return callerr.Protocol(op, ErrAlreadyConnecting)
	case StateConnected, StateReconnecting:
		s.mu.Unlock()
		return callerr.Protocol(op, ErrAlreadyConnected)
	}
	s.generation++
	gen := s.generation
	s.state = StateConnecting
	s.lastErr = nil
	s.roomName = roomName
	s.cred = cred
	s.mailbox.Post(ConnectionStateChanged{State: StateConnecting})
	s.mu.Unlock()

	s.logger.Info("connecting", zap.String("room", roomName), zap.String("url", s.url))
	started := s.now()
	err := s.room.Connect(ctx, s.url, cred.Token, func(ev Event) { s.handleRoomEvent(gen, ev) })
	s.metrics.ConnectAttempt(err, s.now().Sub(started))

	s.mu.Lock()
	if s.generation != gen {
		// Disconnected while the connect was in flight.
		s.mu.Unlock()
		if err == nil {
			_ = s.room.Disconnect(context.Background())
		}
		return callerr.Protocol(op, ErrNotConnected)
	}
	if err != nil {
		ce := s.connectError(op, err)
		s.state = StateDisconnected
		s.lastErr = ce
		s.mailbox.Post(ConnectionStateChanged{State: StateDisconnected, Err: callerr.Message(ce)})
		s.mu.Unlock()
		s.logger.Error("connect failed", zap.String("room", roomName), zap.Error(err))
		return ce
	}
	s.state = StateConnected
	s.identity = s.room.LocalIdentity()
	if s.identity == "" {
		s.identity = cred.Identity
	}
	s.mailbox.Post(ConnectionStateChanged{State: StateConnected})
	s.mu.Unlock()

	s.logger.Info("connected", zap.String("room", roomName), zap.String("identity", s.LocalIdentity()))
	return nil
}

func (s *Session) connectError(op string, err error) *callerr.Error {
	var ce *callerr.Error
	if errors.As(err, &ce) {
		return ce
	}
	return callerr.Network(op, "failed to connect", false, err)
}

// Disconnect tears down the connection. It is safe to call at any time.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	wasIdle := s.state == StateDisconnected && s.cancelReconnect == nil
	s.generation++
	cancel, done := s.cancelReconnect, s.reconnectDone
	s.cancelReconnect, s.reconnectDone = nil, nil
	s.state = StateDisconnected
	s.lastErr = nil
	s.identity = ""
	if !wasIdle {
		s.mailbox.Post(ConnectionStateChanged{State: StateDisconnected})
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if wasIdle {
		return nil
	}

	s.logger.Info("disconnecting")
	if err := s.room.Disconnect(ctx); err != nil {
		s.logger.Warn("room disconnect failed", zap.Error(err))
	}
	return nil
}

// Close disconnects and stops event delivery. Events already queued are
// delivered first.
func (s *Session) Close(ctx context.Context) error {
	err := s.Disconnect(ctx)
	s.mailbox.Close()
	return err
}

func (s *Session) handleRoomEvent(gen uint64, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}

	lost, ok := ev.(ConnectionLost)
	if !ok {
		s.mailbox.Post(ev)
		return
	}
	if s.state != StateConnected {
		// Already reconnecting, or still connecting: the in-flight
		// attempt reports its own outcome.
		return
	}

	s.logger.Warn("connection lost, reconnecting", zap.Error(lost.Err))
	s.state = StateReconnecting
	s.mailbox.Post(ConnectionStateChanged{State: StateReconnecting})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancelReconnect, s.reconnectDone = cancel, done
	go s.reconnect(ctx, gen, done)
}

func (s *Session) reconnect(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.initialInterval
	exp.MaxInterval = s.maxInterval
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.maxRetries)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		s.mu.Lock()
		if s.generation != gen {
			s.mu.Unlock()
			return backoff.Permanent(errSuperseded)
		}
		cred, req := s.cred, s.request
		s.mu.Unlock()

		if cred.Expired(s.now()) && s.creds != nil {
			fresh, err := s.RequestAccess(ctx, req)
			if err != nil {
				if !callerr.IsTransient(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			cred = fresh
			s.mu.Lock()
			if s.generation == gen {
				s.cred = fresh
			}
			s.mu.Unlock()
		}

		err := s.room.Resume(ctx, cred.Token)
		s.metrics.ReconnectAttempt(err)
		if err != nil {
			s.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			var ce *callerr.Error
			if errors.As(err, &ce) && !ce.Transient {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	err := backoff.Retry(operation, b)

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.cancelReconnect, s.reconnectDone = nil, nil
	if err == nil {
		s.state = StateConnected
		s.mailbox.Post(ConnectionStateChanged{State: StateConnected})
		s.mu.Unlock()
		s.logger.Info("reconnected", zap.Int("attempts", attempt))
		return
	}

	ce := callerr.Network("transport.reconnect", "connection lost", false,
		fmt.Errorf("gave up after %d attempts: %w", attempt, err))
	s.generation++
	s.state = StateDisconnected
	s.lastErr = ce
	s.identity = ""
	s.mailbox.Post(ConnectionStateChanged{State: StateDisconnected, Err: callerr.Message(ce)})
	s.mu.Unlock()

	s.logger.Error("reconnect failed", zap.Error(err))
	if derr := s.room.Disconnect(context.Background()); derr != nil {
		s.logger.Warn("room disconnect failed", zap.Error(derr))
	}
}

func (s *Session) requireConnected(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return callerr.Protocol(op, ErrNotConnected)
	}
	return nil
}

// SendData delivers payload to every participant. Lossy sends over the
// rate limit are dropped and reported; reliable sends wait for the
// limiter. Failures are not retried.
func (s *Session) SendData(ctx context.Context, payload []byte, reliability Reliability, topic string) error {
	const op = "transport.send_data"
	if err := s.requireConnected(op); err != nil {
		return err
	}

	var err error
	if reliability == Lossy {
		if !s.limiter.Allow() {
			err = callerr.Network(op, "data rate limit exceeded", true, nil)
		}
	} else if werr := s.limiter.Wait(ctx); werr != nil {
		err = callerr.Network(op, "data send cancelled", true, werr)
	}
	if err == nil {
		if serr := s.room.SendData(ctx, payload, reliability, topic); serr != nil {
			err = callerr.Network(op, "failed to send data", false, serr)
		}
	}
	s.metrics.DataMessage(reliability.String(), err)
	return err
}

// Publish publishes a local track. It requires an established connection.
func (s *Session) Publish(ctx context.Context, track media.Track, source Source) (TrackInfo, error) {
	const op = "transport.publish"
	if err := s.requireConnected(op); err != nil {
		return TrackInfo{}, err
	}
	info, err := s.room.Publish(ctx, track, source)
	if err != nil {
		return TrackInfo{}, callerr.Network(op, fmt.Sprintf("failed to publish %s", source), false, err)
	}
	s.logger.Debug("track published", zap.String("source", string(source)), zap.String("sid", info.SID))
	return info, nil
}

// Unpublish removes the local track published for source.
func (s *Session) Unpublish(ctx context.Context, source Source) error {
	const op = "transport.unpublish"
	if err := s.requireConnected(op); err != nil {
		return err
	}
	if err := s.room.Unpublish(ctx, source); err != nil {
		return callerr.Network(op, fmt.Sprintf("failed to unpublish %s", source), false, err)
	}
	return nil
}
