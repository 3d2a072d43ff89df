// Package telemetry exports session activity: connection state and events
// to an MQTT broker, and counters to Prometheus.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/discord-ipc/internal/config"
	"github.com/energizer-project/discord-ipc/internal/util"
	"github.com/energizer-project/discord-ipc/pkg/discord"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicState  = "state"
	TopicEvents = "events"
	TopicAdmin  = "admin"
)

// Source is the part of a session the handler reads from.
// *discord.Session satisfies it.
type Source interface {
	ApplicationID() string
	OnStateChange(fn func(discord.Transition))
	Tap() (*discord.Subscription, error)
	Unsubscribe(ctx context.Context, sub *discord.Subscription) error
}

// publisher is the subset of mqtt.Client the handler uses.
type publisher interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler mirrors session state and events onto MQTT topics.
type MQTTHandler struct {
	cfg    config.MQTTConfig
	src    Source
	client publisher
	logger zerolog.Logger

	running atomic.Bool

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler with a paho client for the configured
// broker. It does not connect until Start.
func NewMQTTHandler(cfg config.MQTTConfig, src Source) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("discord-ipc-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if cfg.UseTLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("component", "mqtt").Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Str("component", "mqtt").Err(err).Msg("MQTT connection lost")
	})

	return newHandler(cfg, src, mqtt.NewClient(opts), sysInfo), nil
}

func newHandler(cfg config.MQTTConfig, src Source, client publisher, sysInfo util.SystemInfo) *MQTTHandler {
	return &MQTTHandler{
		cfg:    cfg,
		src:    src,
		client: client,
		logger: util.ComponentLogger("mqtt"),
		metadata: map[string]interface{}{
			"hostname":       sysInfo.Hostname,
			"platform":       sysInfo.Platform,
			"os":             sysInfo.OS,
			"application_id": src.ApplicationID(),
		},
	}
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	// mTLS: load client certificate
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// Topic returns the full topic for a suffix.
func (h *MQTTHandler) Topic(suffix string) string {
	return h.cfg.TopicPrefix + "/" + suffix
}

// Start connects to the broker and forwards transitions and events until
// ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	tap, err := h.src.Tap()
	if err != nil {
		h.client.Disconnect(250)
		return fmt.Errorf("failed to tap session events: %w", err)
	}

	h.running.Store(true)
	h.src.OnStateChange(h.onTransition)
	h.publish(h.Topic(TopicAdmin), false, map[string]interface{}{"event": "startup"})

	for {
		select {
		case ev, ok := <-tap.C():
			if !ok {
				// session shut down underneath us
				h.stop(ctx, nil)
				return nil
			}
			h.onEvent(ev)
		case <-ctx.Done():
			h.stop(ctx, tap)
			return nil
		}
	}
}

func (h *MQTTHandler) stop(ctx context.Context, tap *discord.Subscription) {
	h.running.Store(false)
	if tap != nil {
		unsubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		_ = h.src.Unsubscribe(unsubCtx, tap)
		cancel()
	}
	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
}

func (h *MQTTHandler) onTransition(t discord.Transition) {
	if !h.running.Load() {
		return
	}
	payload := map[string]interface{}{
		"from":    t.From.String(),
		"state":   t.To.String(),
		"attempt": t.Attempt,
		"at":      t.At.UTC().Format(time.RFC3339Nano),
	}
	if reason := t.Reason(); reason != "" {
		payload["reason"] = reason
	}
	// retained so late subscribers see the current state
	h.publish(h.Topic(TopicState), true, payload)
}

func (h *MQTTHandler) onEvent(ev discord.Event) {
	h.publish(h.Topic(TopicEvents), false, map[string]interface{}{
		"type":        string(ev.Type),
		"scope":       ev.Scope,
		"data":        ev.Data,
		"received_at": ev.ReceivedAt.UTC().Format(time.RFC3339Nano),
	})
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, retained bool, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, retained, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown sends a shutdown message to the admin topic.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.Topic(TopicAdmin), false, map[string]interface{}{"event": "shutdown"})
}
