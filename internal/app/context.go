// Package app builds the single set of call components a process uses and
// tears it down again.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mikeyg42/callsession/internal/call"
	"github.com/mikeyg42/callsession/internal/config"
	"github.com/mikeyg42/callsession/internal/devices"
	"github.com/mikeyg42/callsession/internal/localmedia"
	"github.com/mikeyg42/callsession/internal/logging"
	"github.com/mikeyg42/callsession/internal/media"
	"github.com/mikeyg42/callsession/internal/metrics"
	"github.com/mikeyg42/callsession/internal/reaction"
	"github.com/mikeyg42/callsession/internal/screenshare"
	"github.com/mikeyg42/callsession/internal/transport"
	"github.com/mikeyg42/callsession/internal/transport/sfu"
)

// ShutdownTimeout bounds Close when called from a signal handler.
const ShutdownTimeout = 5 * time.Second

// Options replaces parts of the default wiring. Every field is optional.
type Options struct {
	Logger      *zap.Logger
	Registry    *prometheus.Registry
	Platform    media.Platform
	Room        transport.Room
	Credentials transport.CredentialSource
	Fullscreen  screenshare.Fullscreen
}

// Context holds every component of one call client. Components receive
// their collaborators from here; none of them are package globals.
type Context struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Platform          media.Platform
	Devices           *devices.Inventory
	Camera            *localmedia.Controller
	Microphone        *localmedia.Controller
	CameraPreview     *localmedia.Preview
	MicrophonePreview *localmedia.Preview
	Voice             *localmedia.VoiceState
	Session           *transport.Session
	ScreenShare       *screenshare.Controller
	Call              *call.Call
	Reactions         *reaction.Tracker
	ReactionPublisher *reaction.Publisher

	ownsPlatform *media.PionPlatform
	unsubs       []func()
}

// New wires the components described by cfg. Device enumeration is started
// but its failure is not fatal; the inventory reports it.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Context, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		l, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return nil, err
		}
		logger = l
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Context{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  metrics.New(reg),
		Platform: opts.Platform,
	}

	if c.Platform == nil {
		p, err := media.NewPionPlatform(logger, cfg.Media.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to create media platform: %w", err)
		}
		c.Platform = p
		c.ownsPlatform = p
	}

	room := opts.Room
	if room == nil {
		rc := sfu.Config{
			ICEServers: iceServers(cfg.Transport.ICEServers),
			OnRTT:      c.Metrics.SetRoundTripTime,
			Logger:     logger,
		}
		if c.ownsPlatform != nil {
			rc.CodecSelector = c.ownsPlatform.CodecSelector()
		}
		room = sfu.New(rc)
	}
	creds := opts.Credentials
	if creds == nil {
		creds = transport.NewTokenClient(cfg.Transport.TokenEndpoint, cfg.Transport.IdentityToken, logger)
	}

	c.Devices = devices.New(c.Platform, logger)
	exclusive := localmedia.NewExclusive()
	c.Camera = localmedia.NewController(localmedia.Config{
		Kind:        media.VideoInput,
		Platform:    c.Platform,
		Devices:     c.Devices,
		Exclusive:   exclusive,
		Quality:     media.Quality(cfg.Media.DefaultQuality),
		SettleDelay: cfg.Media.SettleDelay,
		Logger:      logger,
		Metrics:     c.Metrics,
	})
	c.Microphone = localmedia.NewController(localmedia.Config{
		Kind:        media.AudioInput,
		Platform:    c.Platform,
		Devices:     c.Devices,
		Exclusive:   exclusive,
		SettleDelay: cfg.Media.SettleDelay,
		Audio: localmedia.AudioProcessing{
			EchoCancellation: cfg.Media.EchoCancellation,
			NoiseSuppression: cfg.Media.NoiseSuppression,
			AutoGainControl:  cfg.Media.AutoGainControl,
		},
		Logger:  logger,
		Metrics: c.Metrics,
	})
	c.CameraPreview = localmedia.NewPreview(media.VideoInput, c.Platform, exclusive, logger)
	c.MicrophonePreview = localmedia.NewPreview(media.AudioInput, c.Platform, exclusive, logger)
	c.Voice = &localmedia.VoiceState{}

	c.Session = transport.NewSession(transport.Config{
		URL:             cfg.Transport.SFUURL,
		Room:            room,
		Credentials:     creds,
		MaxRetries:      cfg.Transport.Reconnect.MaxRetries,
		InitialInterval: cfg.Transport.Reconnect.InitialInterval,
		MaxInterval:     cfg.Transport.Reconnect.MaxInterval,
		DataRateLimit:   cfg.Transport.DataRateLimit,
		DataBurst:       cfg.Transport.DataBurst,
		Logger:          logger,
		Metrics:         c.Metrics,
	})
	c.ScreenShare = screenshare.NewController(screenshare.Config{
		Platform:    c.Platform,
		Publisher:   c.Session,
		Fullscreen:  opts.Fullscreen,
		SystemAudio: cfg.ScreenShare.SystemAudio,
		Width:       cfg.ScreenShare.Width,
		Height:      cfg.ScreenShare.Height,
		FrameRate:   cfg.ScreenShare.FrameRate,
		Logger:      logger,
		Metrics:     c.Metrics,
	})

	layout, err := call.ParseLayout(cfg.Call.DefaultLayout)
	if err != nil {
		return nil, err
	}
	c.Call = call.New(call.Config{
		Transport:         c.Session,
		Camera:            c.Camera,
		Microphone:        c.Microphone,
		CameraPreview:     c.CameraPreview,
		MicrophonePreview: c.MicrophonePreview,
		ScreenShare:       c.ScreenShare,
		Voice:             c.Voice,
		DefaultLayout:     layout,
		Logger:            logger,
		Metrics:           c.Metrics,
	})

	c.Reactions = reaction.NewTracker(logger)
	c.ReactionPublisher = reaction.NewPublisher(c.Reactions, c.Call, logger)
	c.unsubs = append(c.unsubs,
		c.Session.Subscribe(c.handleData),
		c.Devices.OnChange(c.handleDevices),
	)

	if err := c.Devices.Start(ctx); err != nil {
		logger.Warn("initial device enumeration failed", zap.Error(err))
	}
	return c, nil
}

// handleData routes incoming data messages to their consumers.
func (c *Context) handleData(ev transport.Event) {
	d, ok := ev.(transport.DataReceived)
	if !ok || d.Topic != reaction.Topic {
		return
	}
	if err := c.ReactionPublisher.Receive(d); err != nil {
		c.Logger.Debug("dropped reaction", zap.String("from", d.From), zap.Error(err))
	}
}

// handleDevices lets the call follow the inventory's fallback selection.
// Following takes the controllers' operation slots, so it must not run on
// the inventory's refresh path.
func (c *Context) handleDevices(devices.Snapshot) {
	go func() {
		if err := c.Call.FollowDevices(context.Background()); err != nil {
			c.Logger.Warn("failed to follow device change", zap.Error(err))
		}
	}()
}

// Reset returns every component to its initial state without rebuilding
// anything.
func (c *Context) Reset(ctx context.Context) error {
	err := c.Call.Reset(ctx)
	c.Reactions.Reset()
	return err
}

// Close leaves the call, releases every capture and stops every background
// goroutine. The Context is unusable afterwards.
func (c *Context) Close(ctx context.Context) error {
	var errs []error
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil

	if err := c.Call.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.ScreenShare.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.Session.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	c.Devices.Close()
	_ = c.Logger.Sync()
	return errors.Join(errs...)
}

func iceServers(in []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
