// callclient is a headless call client. It joins a room, publishes the
// local camera and microphone, and takes media and layout commands on
// stdin.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mikeyg42/callsession/internal/app"
	"github.com/mikeyg42/callsession/internal/call"
	"github.com/mikeyg42/callsession/internal/callerr"
	"github.com/mikeyg42/callsession/internal/config"
	"github.com/mikeyg42/callsession/internal/logging"
)

type options struct {
	configPath  string
	room        string
	identity    string
	name        string
	noAudio     bool
	noVideo     bool
	listDevices bool
	waitReady   time.Duration
	metrics     string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	flags := pflag.NewFlagSet("callclient", pflag.ContinueOnError)
	flags.StringVarP(&o.configPath, "config", "c", "", "path to YAML config file")
	flags.StringVarP(&o.room, "room", "r", "", "room to join")
	flags.StringVarP(&o.identity, "identity", "i", "", "participant identity")
	flags.StringVar(&o.name, "name", "", "display name")
	flags.BoolVar(&o.noAudio, "no-audio", false, "join with the microphone muted")
	flags.BoolVar(&o.noVideo, "no-video", false, "join with the camera off")
	flags.BoolVar(&o.listDevices, "list-devices", false, "print capture devices and exit")
	flags.DurationVar(&o.waitReady, "wait-ready", 0, "wait this long for the token service before joining")
	flags.StringVar(&o.metrics, "metrics-addr", "", "serve Prometheus metrics on this address")
	if err := flags.Parse(args); err != nil {
		return o, err
	}
	if !o.listDevices && (o.room == "" || o.identity == "") {
		return o, fmt.Errorf("--room and --identity are required")
	}
	return o, nil
}

func run() error {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.metrics != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = o.metrics
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown finished with errors", zap.Error(err))
		}
	}()

	cmd := &commander{app: a, out: os.Stdout, callID: uuid.NewString()}
	if o.listDevices {
		cmd.printDevices()
		return nil
	}

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	if o.waitReady > 0 {
		if err := waitForTokenService(ctx, cfg.Transport.TokenEndpoint, o.waitReady, 500*time.Millisecond, logger); err != nil {
			return err
		}
	}

	unsubscribe := a.Call.Subscribe(stateChanges(cmd))
	defer unsubscribe()

	err = a.Call.Connect(ctx, call.JoinOptions{
		Room:         o.room,
		Identity:     o.identity,
		Name:         o.name,
		AudioEnabled: cfg.Call.AudioEnabled && !o.noAudio,
		VideoEnabled: cfg.Call.VideoEnabled && !o.noVideo,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.out, `joined; type "help" for commands`)

	if err := cmd.loop(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	var cause error
	if s := a.Call.Snapshot(); s.Error != "" {
		cause = callerr.Network("callclient", s.Error, false, nil)
	}
	return cmd.hangup(context.Background(), cause)
}

// stateChanges prints the call state whenever the status or the roster
// changes.
func stateChanges(cmd *commander) func(call.State) {
	var (
		mu   sync.Mutex
		last call.State
	)
	return func(s call.State) {
		mu.Lock()
		defer mu.Unlock()
		if s.Status == last.Status && len(s.Participants) == len(last.Participants) &&
			s.Error == last.Error && s.MediaError == last.MediaError {
			last = s
			return
		}
		last = s
		printState(cmd.out, s)
	}
}
