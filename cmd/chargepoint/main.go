package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ocpp-rpc/internal/adapter/journal"
	"ocpp-rpc/internal/adapter/transport"
	"ocpp-rpc/internal/domain"
	"ocpp-rpc/internal/infra/config"
	"ocpp-rpc/internal/infra/logger"
	"ocpp-rpc/internal/infra/tracer"
	"ocpp-rpc/internal/usecase/calltable"
	"ocpp-rpc/internal/usecase/eventbus"
	"ocpp-rpc/internal/usecase/hooks"
	"ocpp-rpc/internal/usecase/session"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		exitOn("fatal", run())
		return
	}

	switch os.Args[1] {
	case "run":
		exitOn("run", run())
	case "call":
		exitOn("call", runCall(commandArgs()))
	case "encrypt":
		exitOn("encrypt", runEncrypt(commandArgs()))
	case "journal":
		exitOn("journal", runJournal(commandArgs()))
	case "doctor":
		exitOn("doctor", runDoctor())
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'chargepoint --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func exitOn(prefix string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", prefix, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`chargepoint - OCPP-J charge point RPC client

USAGE:
    chargepoint [COMMAND] [FLAGS]

COMMANDS:
    run                     Connect to the central system and serve inbound calls
    call ACTION [JSON]      Connect, send one call and print the answer
    encrypt VALUE           Print an enc: secret for the config file
    journal                 Inspect the frame journal
                            Subcommands: recent [N], show ID, prune DURATION
    doctor                  Check config, journal and connectivity

    (no command) - same as run

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: OCPPRPC_* variables override config
    Secrets:     set OCPPRPC_CONFIG_KEY to decrypt enc: values

EXAMPLES:
    chargepoint run --config /etc/chargepoint.yaml
    chargepoint call Heartbeat
    chargepoint call StatusNotification '{"connectorId":1,"errorCode":"NoError","status":"Available"}'
    OCPPRPC_CONFIG_KEY=... chargepoint encrypt s3cret
    chargepoint journal recent 20`)
}

// commandArgs returns the arguments after the subcommand, minus --config.
func commandArgs() []string {
	var out []string
	for i := 2; i < len(os.Args); i++ {
		arg := os.Args[i]
		switch {
		case arg == "--config":
			i++
		case strings.HasPrefix(arg, "--config="):
		default:
			out = append(out, arg)
		}
	}
	return out
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("OCPPRPC_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// runtime is everything a command needs to talk to the central system.
type runtime struct {
	cfg     *config.Config
	log     *slog.Logger
	bus     *eventbus.Bus
	client  *transport.Client
	ctrl    *session.Controller
	journal *journal.Store
	cleanup []func()
}

func (rt *runtime) Close() {
	for i := len(rt.cleanup) - 1; i >= 0; i-- {
		rt.cleanup[i]()
	}
}

// setup builds logger, tracer, transport, controller and journal from the
// config file. The caller must Close the result.
func setup(ctx context.Context) (*runtime, error) {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	rt := &runtime{cfg: cfg}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger, logger.StationAttrs(cfg.Transport.StationID, cfg.Session.Version)...)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	rt.log = log
	rt.cleanup = append(rt.cleanup, func() { _ = logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, tracer.Station{ID: cfg.Transport.StationID, Version: cfg.Session.Version})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	rt.cleanup = append(rt.cleanup, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerShutdown(shutdownCtx)
	})

	// 3. Event bus
	rt.bus = eventbus.New(log, eventbus.DefaultQueueSize)
	rt.cleanup = append(rt.cleanup, rt.bus.Close)

	// 4. Transport, wrapped outermost-last: limiter, breaker, socket.
	rt.client = transport.NewClient(transport.Config{
		URL:          cfg.Transport.URL,
		StationID:    cfg.Transport.StationID,
		Version:      cfg.Session.Version,
		Subprotocol:  cfg.Transport.Subprotocol,
		Username:     cfg.Transport.Username,
		Password:     cfg.Transport.Password,
		DialTimeout:  cfg.Transport.DialTimeout,
		WriteTimeout: cfg.Transport.WriteTimeout,
	}, log)
	var sender domain.Sender = rt.client
	if cfg.Transport.Breaker.MaxFailures > 0 {
		sender = transport.NewBreaker(sender, transport.BreakerConfig{
			MaxFailures: cfg.Transport.Breaker.MaxFailures,
			Timeout:     cfg.Transport.Breaker.Timeout,
			Interval:    cfg.Transport.Breaker.Interval,
		}, log)
	}
	if cfg.Transport.RateLimit.PerSecond > 0 {
		sender = transport.NewRateLimited(sender, cfg.Transport.RateLimit.PerSecond, cfg.Transport.RateLimit.Burst)
	}

	// 5. Session controller
	rt.ctrl = session.New(sender, sessionOptions(cfg, log, rt.bus)...)
	hooks.Logging(rt.ctrl.Hooks(), log)

	// 6. Journal
	if cfg.Journal.Enabled {
		store, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("journal: %w", err)
		}
		store.Attach(rt.ctrl.Hooks(), log)
		rt.journal = store
		rt.cleanup = append(rt.cleanup, func() { _ = store.Close() })
	}

	return rt, nil
}

func sessionOptions(cfg *config.Config, log *slog.Logger, bus domain.EventBus) []session.Option {
	var tableOpts []calltable.Option
	if cfg.Session.RejectDuplicateIDs {
		tableOpts = append(tableOpts, calltable.WithRejectDuplicates())
	}
	ids := session.NewULIDGenerator()
	if cfg.Session.IDFormat == "uuid" {
		ids = session.NewUUIDGenerator()
	}
	return []session.Option{
		session.WithLogger(log),
		session.WithIDGenerator(ids),
		session.WithEventBus(bus),
		session.WithCalls(calltable.New[json.RawMessage, *domain.CallError](tableOpts...)),
		session.WithCallTimeout(cfg.Session.CallTimeout),
		session.WithFailPendingOnDisconnect(cfg.Session.FailPendingOnDisconnect),
		session.WithRetry(session.RetryConfig{
			MaxAttempts:     cfg.Session.Retry.MaxAttempts,
			InitialInterval: cfg.Session.Retry.InitialInterval,
			MaxInterval:     cfg.Session.Retry.MaxInterval,
			Multiplier:      cfg.Session.Retry.Multiplier,
		}),
		session.WithHandlers(stationHandlers()),
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	unsubscribe := rt.bus.Subscribe(domain.EventCallAbandoned, func(_ context.Context, ev domain.Event) {
		rt.log.Info("call abandoned", "payload", string(ev.Payload))
	})
	defer unsubscribe()

	rt.log.Info("chargepoint starting", "url", rt.client.Endpoint(), "version", rt.cfg.Session.Version)
	err = rt.client.Serve(ctx, rt.ctrl)
	if ctx.Err() != nil {
		rt.log.Info("shutting down")
		return nil
	}
	return err
}

func runEncrypt(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: chargepoint encrypt VALUE")
	}
	passphrase := os.Getenv("OCPPRPC_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("OCPPRPC_CONFIG_KEY must be set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println(config.EncryptedPrefix + enc)
	return nil
}
