package main

import (
	"fmt"

	"github.com/energizer-project/discord-ipc/internal/config"
	"github.com/energizer-project/discord-ipc/internal/events"
	"github.com/energizer-project/discord-ipc/internal/telemetry"
	"github.com/energizer-project/discord-ipc/internal/transport"
	"github.com/energizer-project/discord-ipc/internal/util"
	"github.com/energizer-project/discord-ipc/pkg/discord"
)

// sessionOptions translates the configuration into session options. An
// instance set in DISCORD_INSTANCE_ID wins over the configured one.
func sessionOptions(cfg *config.Config, metrics *telemetry.Metrics) ([]discord.Option, error) {
	client := cfg.GetClient()
	timeouts := cfg.GetTimeouts()
	reconnect := cfg.GetReconnect()
	evCfg := cfg.GetEvents()
	cmds := cfg.GetCommands()

	policy, err := events.ParseOverflowPolicy(evCfg.Overflow)
	if err != nil {
		return nil, fmt.Errorf("events.overflow: %w", err)
	}

	instance := client.Instance
	if env := transport.InstanceFromEnv(); env >= 0 {
		instance = env
	}

	opts := []discord.Option{
		discord.WithLogger(util.ComponentLogger("session")),
		discord.WithInstance(instance),
		discord.WithHandshakeTimeout(timeouts.Handshake()),
		discord.WithRequestTimeout(timeouts.Request()),
		discord.WithWriteTimeout(timeouts.Write()),
		discord.WithKeepAlive(timeouts.KeepAlive()),
		discord.WithBackoff(discord.Backoff{
			Initial:    reconnect.Initial(),
			Max:        reconnect.Max(),
			Multiplier: reconnect.Multiplier,
			Jitter:     reconnect.Jitter,
		}),
		discord.WithEventQueue(evCfg.QueueSize, policy, evCfg.BlockGrace()),
		discord.WithNoEndpointHint(util.NoEndpointHint),
	}
	if client.MaxFrameBytes > 0 {
		opts = append(opts, discord.WithMaxFrameSize(uint32(client.MaxFrameBytes)))
	}
	if cmds.RateLimit > 0 {
		opts = append(opts, discord.WithRateLimit(cmds.RateLimit, cmds.Burst))
	}
	if metrics != nil {
		opts = append(opts, discord.WithCommandHook(metrics.ObserveCommand))
	}
	return opts, nil
}
