package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/summitlabs/legion/internal/config"
)

// ErrNotStarted is returned by [Client.Publish] before [Client.Start]
// has created the connection manager.
var ErrNotStarted = errors.New("mqtt client not started")

// Client owns the broker connection and publishes device commands.
// It satisfies the gateway's Broker interface.
type Client struct {
	cfg      config.MQTTConfig
	clientID string
	logger   *slog.Logger

	mu sync.RWMutex
	cm *autopaho.ConnectionManager
}

// New creates a Client but does not connect. Call [Client.Start] to
// open the connection.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		clientID: ClientID(cfg.ClientIDPrefix, instanceID),
		logger:   logger.With("component", "mqtt"),
	}
}

// ClientID joins the configured prefix and the instance ID.
func ClientID(prefix, instanceID string) string {
	if prefix == "" {
		prefix = "legion"
	}
	if instanceID == "" {
		return prefix
	}
	return prefix + "-" + instanceID
}

// Start connects to the broker and waits up to the configured connect
// timeout for the first CONNACK. A timeout is logged, not returned:
// autopaho keeps retrying in the background until ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	tlsCfg, err := TLSConfig(c.cfg, brokerURL)
	if err != nil {
		return err
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		TlsCfg:          tlsCfg,
		KeepAlive:       uint16(c.cfg.KeepAliveSec),
		ConnectTimeout:  time.Duration(c.cfg.ConnectTimeoutSec) * time.Second,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker, "client_id", c.clientID)
			c.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.clientID,
			OnClientError: func(err error) {
				c.logger.Warn("mqtt client error", "error", err)
			},
		},
	}

	if c.cfg.AvailabilityTopic != "" {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   c.cfg.AvailabilityTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	c.mu.Lock()
	c.cm = cm
	c.mu.Unlock()

	timeout := time.Duration(c.cfg.ConnectTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	connCtx, connCancel := context.WithTimeout(ctx, timeout)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		c.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
// The provided context bounds both steps.
func (c *Client) Stop(ctx context.Context) error {
	cm := c.manager()
	if cm == nil {
		return nil
	}
	c.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (c *Client) AwaitConnection(ctx context.Context) error {
	cm := c.manager()
	if cm == nil {
		return ErrNotStarted
	}
	return cm.AwaitConnection(ctx)
}

// Publish sends payload to topic and returns the broker acknowledgment
// rendered as text. For QoS 0 there is no acknowledgment and the text
// only records that the message left the client.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, payload []byte) (string, error) {
	cm := c.manager()
	if cm == nil {
		return "", ErrNotStarted
	}

	resp, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
	})
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}

	c.logger.Log(ctx, config.LevelTrace, "mqtt published",
		"topic", topic, "qos", qos, "payload", string(payload))
	return FormatAck(qos, resp), nil
}

func (c *Client) manager() *autopaho.ConnectionManager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cm
}

func (c *Client) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if c.cfg.AvailabilityTopic == "" {
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   c.cfg.AvailabilityTopic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		c.logger.Info("mqtt availability published", "status", status)
	}
}

// FormatAck renders a publish response as a short human-readable
// acknowledgment, e.g. "PUBACK reason_code=0 (success)".
func FormatAck(qos byte, resp *paho.PublishResponse) string {
	if qos == 0 || resp == nil {
		return fmt.Sprintf("published qos=%d", qos)
	}
	ack := fmt.Sprintf("PUBACK reason_code=%d (%s)", resp.ReasonCode, reasonText(resp.ReasonCode))
	if resp.Properties != nil && resp.Properties.ReasonString != "" {
		ack += ": " + resp.Properties.ReasonString
	}
	return ack
}

// reasonText names the MQTT v5 PUBACK reason codes.
func reasonText(code byte) string {
	switch code {
	case 0x00:
		return "success"
	case 0x10:
		return "no matching subscribers"
	case 0x80:
		return "unspecified error"
	case 0x83:
		return "implementation specific error"
	case 0x87:
		return "not authorized"
	case 0x90:
		return "topic name invalid"
	case 0x91:
		return "packet identifier in use"
	case 0x97:
		return "quota exceeded"
	case 0x99:
		return "payload format invalid"
	default:
		return "unknown"
	}
}

// TLSConfig builds the client TLS configuration for brokerURL. It
// returns nil for plaintext schemes with no certificate configured.
// Certificate and key enable mutual TLS; CAFile replaces the system
// roots.
func TLSConfig(cfg config.MQTTConfig, brokerURL *url.URL) (*tls.Config, error) {
	secure := false
	switch brokerURL.Scheme {
	case "mqtts", "ssl", "tls", "wss":
		secure = true
	}
	if !secure && !cfg.TLSConfigured() && cfg.CAFile == "" {
		return nil, nil
	}

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: brokerURL.Hostname(),
	}

	if cfg.TLSConfigured() {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load mqtt client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read mqtt CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("mqtt CA file %s: no certificates found", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}
