// Package mqtt publishes firmware releases and transfer session transitions
// over MQTT, and lets devices subscribe to release announcements instead of
// polling the update server.
//
// Topics are "{prefix}/firmware/latest" (retained) and
// "{prefix}/sessions/{device}". Payloads are JSON.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kabili207/fota-go/core/dedupe"
	"github.com/kabili207/fota-go/core/firmware"
	"github.com/kabili207/fota-go/server/session"
)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "fota"

	publishTimeout = 10 * time.Second
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("mqtt: not connected")

// Config holds the configuration for an MQTT client.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "fota").
	TopicPrefix string
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Release is the payload of a firmware announcement.
type Release struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Size    int64  `json:"size"`
	MD5     string `json:"md5"`
	SHA256  string `json:"sha256"`
}

// SessionUpdate is the payload of a session transition.
type SessionUpdate struct {
	Event     session.EventKind `json:"event"`
	SessionID string            `json:"sessionId"`
	Device    string            `json:"device"`
	Version   string            `json:"version"`
	Offset    int64             `json:"offset"`
	Size      int64             `json:"size"`
	Percent   int               `json:"percent"`
	State     session.State     `json:"state"`
}

// ReleaseHandler is called for every release announcement received.
type ReleaseHandler func(r Release)

// Notifier connects to the broker and publishes or receives announcements.
type Notifier struct {
	cfg    Config
	client paho.Client
	log    *slog.Logger
	seen   *dedupe.Filter

	mu             sync.RWMutex
	connected      bool
	releaseHandler ReleaseHandler
}

// New creates a new notifier with the given configuration.
func New(cfg Config) *Notifier {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Notifier{
		cfg:  cfg,
		log:  cfg.Logger.WithGroup("mqtt"),
		seen: dedupe.New(),
	}
}

// Start connects to the MQTT broker.
func (n *Notifier) Start(ctx context.Context) error {
	if n.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}

	clientID := n.cfg.ClientID
	if clientID == "" {
		clientID = "fota-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(n.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(n.onConnected).
		SetConnectionLostHandler(n.onConnectionLost).
		SetReconnectingHandler(n.onReconnecting)

	if n.cfg.Username != "" {
		opts.SetUsername(n.cfg.Username)
	}
	if n.cfg.Password != "" {
		opts.SetPassword(n.cfg.Password)
	}
	if n.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	n.client = paho.NewClient(opts)

	token := n.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}
	return nil
}

// Stop gracefully disconnects from the MQTT broker.
func (n *Notifier) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.client != nil {
		n.client.Disconnect(1000)
		n.connected = false
	}
	return nil
}

// IsConnected returns true if the notifier is connected to the broker.
func (n *Notifier) IsConnected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.connected && n.client != nil && n.client.IsConnected()
}

// PublishLatest announces a as the current release. The message is
// retained so devices connecting later see it at once.
func (n *Notifier) PublishLatest(a firmware.Artifact) error {
	if !n.IsConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(releaseOf(a))
	if err != nil {
		return err
	}
	token := n.client.Publish(n.latestTopic(), 1, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("timeout publishing to MQTT")
	}
	return token.Error()
}

// NotifySession publishes a session transition. It does not wait for the
// broker and drops the message when disconnected.
func (n *Notifier) NotifySession(ev session.Event) {
	if !n.IsConnected() {
		return
	}
	payload, err := json.Marshal(updateOf(ev))
	if err != nil {
		n.log.Debug("encoding session update failed", "error", err)
		return
	}
	n.client.Publish(n.sessionTopic(ev.Session.DeviceID), 0, false, payload)
}

// SetReleaseHandler sets the callback for release announcements. It takes
// effect on the next (re)connect, which subscribes to the release topic.
func (n *Notifier) SetReleaseHandler(fn ReleaseHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.releaseHandler = fn
}

func (n *Notifier) latestTopic() string {
	return n.cfg.TopicPrefix + "/firmware/latest"
}

func (n *Notifier) sessionTopic(device string) string {
	return n.cfg.TopicPrefix + "/sessions/" + device
}

func (n *Notifier) subscribe() {
	n.mu.RLock()
	handler := n.releaseHandler
	n.mu.RUnlock()
	if handler == nil {
		return
	}
	topic := n.latestTopic()
	n.client.Subscribe(topic, 1, n.handleMessage)
	n.log.Debug("subscribed to release topic", "topic", topic)
}

func (n *Notifier) handleMessage(_ paho.Client, message paho.Message) {
	n.mu.RLock()
	handler := n.releaseHandler
	n.mu.RUnlock()

	if handler == nil {
		return
	}

	// The broker re-delivers the retained release after every reconnect.
	if n.seen.HasSeen(message.Payload()) {
		n.log.Debug("ignoring repeated release announcement")
		return
	}

	var r Release
	if err := json.Unmarshal(message.Payload(), &r); err != nil {
		n.log.Debug("failed to decode release announcement", "error", err)
		return
	}
	if _, err := firmware.ParseVersion(r.Version); err != nil {
		n.log.Debug("ignoring release with bad version", "version", r.Version)
		return
	}
	handler(r)
}

func (n *Notifier) onConnected(_ paho.Client) {
	n.mu.Lock()
	n.connected = true
	n.mu.Unlock()

	n.subscribe()
	n.log.Info("connected to MQTT broker", "broker", n.cfg.Broker)
}

func (n *Notifier) onConnectionLost(_ paho.Client, err error) {
	n.mu.Lock()
	n.connected = false
	n.mu.Unlock()

	n.log.Error("MQTT connection lost", "error", err)
}

func (n *Notifier) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	n.log.Info("reconnecting to MQTT broker")
}

func releaseOf(a firmware.Artifact) Release {
	return Release{
		Name:    a.Name,
		Version: a.Version.String(),
		Size:    a.Size,
		MD5:     a.MD5,
		SHA256:  a.SHA256,
	}
}

func updateOf(ev session.Event) SessionUpdate {
	s := ev.Session
	return SessionUpdate{
		Event:     ev.Kind,
		SessionID: s.ID,
		Device:    s.DeviceID,
		Version:   s.Firmware.Version.String(),
		Offset:    s.LastOffset,
		Size:      s.Firmware.Size,
		Percent:   s.Percent(),
		State:     s.State,
	}
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
