// discord-ipc keeps a session with the local Discord desktop client open,
// subscribes to the configured events, and exposes the session through a
// console, a local HTTP API, an MQTT feed and a SQLite journal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/discord-ipc/internal/api"
	"github.com/energizer-project/discord-ipc/internal/cli"
	"github.com/energizer-project/discord-ipc/internal/config"
	"github.com/energizer-project/discord-ipc/internal/db"
	"github.com/energizer-project/discord-ipc/internal/events"
	"github.com/energizer-project/discord-ipc/internal/health"
	"github.com/energizer-project/discord-ipc/internal/telemetry"
	"github.com/energizer-project/discord-ipc/internal/util"
	"github.com/energizer-project/discord-ipc/pkg/discord"
)

const (
	AppName    = "discord-ipc"
	AppVersion = "1.0.0"
)

// retryInterval spaces listener start attempts.
var retryInterval = 3 * time.Second

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	runSetup := flag.Bool("setup", false, "run the setup wizard before starting")
	noConsole := flag.Bool("no-console", false, "disable the interactive console")
	flag.Parse()

	fmt.Printf("%s v%s\n\n", AppName, AppVersion)

	// defaults first, reconfigured once the config is loaded
	logFile, err := util.InitLogger(util.DefaultLogConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting discord-ipc")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging := cfg.GetLogging()
	if f, err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxBackups: logging.MaxBackups,
		Console:    logging.Console,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	} else {
		logFile.Close()
		logFile = f
	}
	defer logFile.Close()

	if *runSetup {
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}

		if cfg.IsFirstRun() {
			log.Info().Msg("first run detected, launching setup wizard")
			if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
				log.Fatal().Err(err).Msg("setup wizard failed")
			}
		} else {
			log.Fatal().Msg("configuration validation failed, please fix the errors above")
		}
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Int("cores", sysInfo.CPUCores).
		Msg("system information")

	if err := run(cfg, !*noConsole); err != nil {
		log.Error().Err(err).Msg("discord-ipc stopped with an error")
		logFile.Close()
		os.Exit(1)
	}
	log.Info().Msg("discord-ipc stopped")
}

func run(cfg *config.Config, console bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.NewMetrics()
	opts, err := sessionOptions(cfg, metrics)
	if err != nil {
		return err
	}

	// the session outlives ctx so the components can drain before it closes
	session, err := discord.Connect(context.Background(), cfg.GetClient().ApplicationID, opts...)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	metrics.Bind(session)
	session.OnStateChange(metrics.ObserveTransition)
	session.OnStateChange(func(t discord.Transition) {
		ev := log.Info()
		if t.Err != nil {
			ev = log.Warn().Err(t.Err)
		}
		ev.Str("from", t.From.String()).Str("to", t.To.String()).Int("attempt", t.Attempt).Msg("session state changed")
	})

	var journal *db.Journal
	if jc := cfg.GetJournal(); jc.Enabled {
		journal, err = db.OpenJournal(jc.Path, jc.MaxRows)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open journal, history disabled")
		} else {
			defer journal.Close()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	healthMgr := health.NewManager(cfg.GetHealth(), session, util.NoEndpointHint)
	g.Go(func() error {
		healthMgr.Start(gctx)
		return nil
	})

	g.Go(func() error {
		subscribeStartup(gctx, session, cfg.GetEvents().Subscribe)
		return nil
	})

	if journal != nil {
		g.Go(func() error {
			log.Info().Msg("starting event journal")
			if err := journal.Run(gctx, session); err != nil {
				log.Warn().Err(err).Msg("journal stopped")
			}
			return nil
		})
	}

	if apiCfg := cfg.GetAPI(); apiCfg.Enabled {
		deps := api.Deps{Session: session, Health: healthMgr, Metrics: metrics.Handler()}
		if journal != nil {
			deps.History = journal
		}
		apiServer := api.NewServer(apiCfg, deps, cfg.GetLogging().Level == "debug")
		g.Go(func() error {
			log.Info().Str("addr", apiServer.Addr()).Msg("starting HTTP API")
			if err := startWithRetry(gctx, "HTTP API", apiServer.Start, 5); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("HTTP API failed after retries (non-fatal)")
			}
			return nil
		})
	}

	if mqttCfg := cfg.GetMQTT(); mqttCfg.Enabled {
		handler, err := telemetry.NewMQTTHandler(mqttCfg, session)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			g.Go(func() error {
				log.Info().Msg("starting MQTT telemetry")
				if err := handler.Start(gctx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed")
				}
				return nil
			})
		}
	}

	if console {
		var history cli.History
		if journal != nil {
			history = journal
		}
		repl := cli.NewCLI(session, history, stop, os.Stdin, os.Stdout)
		g.Go(func() error {
			return repl.Start(gctx)
		})
	}

	<-gctx.Done()
	log.Info().Msg("initiating graceful shutdown...")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("session shutdown incomplete")
	}
	return runErr
}

// subscribeStartup subscribes to the configured events once the session is
// connected. Subscriptions then survive reconnects on their own; one lost
// to a connection drop before it was registered is retried after the next
// reconnect.
func subscribeStartup(ctx context.Context, session *discord.Session, names []string) {
	for _, t := range events.Expand(names) {
		sub, err := subscribeWhenConnected(ctx, session, t)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("event", string(t)).Msg("startup subscription failed")
			}
			continue
		}
		// events reach the journal and MQTT through their own taps
		go drain(sub.C())
		log.Info().Str("event", string(t)).Uint64("id", sub.ID()).Msg("subscribed")
	}
}

// subscribeWhenConnected retries a subscription until it succeeds, the peer
// rejects it, or ctx ends.
func subscribeWhenConnected(ctx context.Context, session *discord.Session, evt discord.EventType) (*discord.Subscription, error) {
	var sub *discord.Subscription
	op := func() error {
		if err := session.WaitConnected(ctx); err != nil {
			return backoff.Permanent(err)
		}
		subCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var err error
		sub, err = session.Subscribe(subCtx, evt, "")
		if _, rejected := discord.AsRequestError(err); rejected {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("event", string(evt)).Dur("wait", wait).Msg("startup subscription failed, retrying")
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(retryInterval), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return sub, nil
}

func drain(ch <-chan discord.Event) {
	for range ch {
	}
}

// startWithRetry retries startFn on a fixed interval, for listeners whose
// port may still be held by a previous process.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries uint64) error {
	attempt := 0
	op := func() error {
		attempt++
		err := startFn(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("component", name).Int("retry", attempt).Dur("wait", wait).Msg("start failed, retrying")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), maxRetries), ctx)
	return backoff.RetryNotify(op, policy, notify)
}
