package mqtt

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"

	"github.com/eddielth/efergy-bridge/config"
	"github.com/eddielth/efergy-bridge/logger"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

// Client represents an MQTT client
type Client struct {
	client mqtt.Client
	config config.MQTTConfig

	// connectMu serialises connection attempts.
	connectMu sync.Mutex
}

// NewClient creates a client for the configured broker. It does not
// connect: the connection is made on the first publish, so an unreachable
// broker never stops the decoder chain from starting.
func NewClient(cfg config.MQTTConfig) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("MQTT broker host cannot be empty")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "efergy-bridge-" + uuid.NewString()[:8]
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetConnectRetry(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error("MQTT connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("trying to reconnect to MQTT broker...")
	})

	return &Client{
		client: mqtt.NewClient(opts),
		config: cfg,
	}, nil
}

// BrokerURL builds the broker address. A host that already carries a scheme
// (tcp://, ssl://, ws://) is used as given.
func BrokerURL(host string, port int) string {
	if strings.Contains(host, "://") {
		return host
	}
	if port <= 0 {
		port = 1883
	}
	return fmt.Sprintf("tcp://%s:%d", host, port)
}

// Connect connects to the MQTT broker
func (c *Client) Connect() error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.client.IsConnectionOpen() {
		return nil
	}

	token := c.client.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return fmt.Errorf("%w: connecting to %s after %v", ErrTimeout, c.broker(), c.config.ConnectTimeout)
	}

	if err := token.Error(); err != nil {
		if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) || errors.Is(err, packets.ErrorRefusedNotAuthorised) {
			return fmt.Errorf("%w: %v", ErrNotAuthorized, err)
		}
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	logger.Info("successfully connected to MQTT broker: %s", c.broker())
	return nil
}

// Publish sends payload to topic, connecting first if no connection has
// been made yet.
func (c *Client) Publish(topic string, payload []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	if !c.client.IsConnectionOpen() {
		// With auto reconnect running, IsConnected stays true while the
		// link is down; paho would silently drop QoS 0 messages then.
		if c.client.IsConnected() {
			return ErrNotConnected
		}
		if err := c.Connect(); err != nil {
			return err
		}
	}

	token := c.client.Publish(topic, byte(c.config.QoS), false, payload)
	if !token.WaitTimeout(c.config.PublishTimeout) {
		return fmt.Errorf("%w: publishing to %s after %v", ErrTimeout, topic, c.config.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	logger.Debug("published %d bytes to %s", len(payload), topic)
	return nil
}

// IsConnected reports whether the connection to the broker is open.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects from the MQTT broker
func (c *Client) Close() {
	if !c.client.IsConnected() {
		return
	}
	c.client.Disconnect(disconnectQuiesce)
	logger.Info("disconnected from MQTT broker")
}

func (c *Client) broker() string {
	return BrokerURL(c.config.Host, c.config.Port)
}
