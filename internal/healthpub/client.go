// client.go: Package healthpub publishes pipeline health snapshots to an
// MQTT broker for off-site monitoring of the station.
package healthpub

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/easmon/easmon-go/internal/conf"
	"github.com/easmon/easmon-go/internal/errors"
)

const (
	connectTimeout    = 30 * time.Second
	publishTimeout    = 10 * time.Second
	reconnectCooldown = 5 * time.Second
)

// Client is the minimal broker interface the publisher needs.
type Client interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic, payload string, retain bool) error
	IsConnected() bool
	Disconnect()
}

// client wraps the paho MQTT client.
type client struct {
	broker          string
	clientID        string
	username        string
	password        string
	internalClient  mqtt.Client
	lastConnAttempt time.Time
	mu              sync.Mutex
}

// NewClient creates an MQTT client from the station settings.
func NewClient(settings *conf.Settings) Client {
	clientID := settings.Main.Name
	if clientID == "" {
		clientID = "easmon"
	}
	return &client{
		broker:   settings.Realtime.MQTT.Broker,
		clientID: clientID,
		username: settings.Realtime.MQTT.Username,
		password: settings.Realtime.MQTT.Password,
	}
}

// Connect establishes a connection to the broker, resolving the hostname
// first so DNS problems surface as clear errors.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastConnAttempt) < reconnectCooldown {
		return errors.Newf("connection attempt too recent, last attempt was %v ago", time.Since(c.lastConnAttempt)).
			Category(errors.CategoryMQTTConnect).
			Component("healthpub").
			Build()
	}
	c.lastConnAttempt = time.Now()

	u, err := url.Parse(c.broker)
	if err != nil {
		return errors.New(fmt.Errorf("invalid broker URL: %w", err)).
			Category(errors.CategoryValidation).
			Component("healthpub").
			Context("broker", c.broker).
			Build()
	}

	host := u.Hostname()
	if net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			return errors.New(fmt.Errorf("failed to resolve broker hostname %s: %w", host, err)).
				Category(errors.CategoryMQTTConnect).
				Component("healthpub").
				Context("broker", c.broker).
				Build()
		}
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.broker)
	opts.SetClientID(c.clientID)
	opts.SetUsername(c.username)
	opts.SetPassword(c.password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)

	c.internalClient = mqtt.NewClient(opts)

	token := c.internalClient.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.Newf("connection timeout to broker %s", c.broker).
			Category(errors.CategoryMQTTConnect).
			Component("healthpub").
			Context("broker", c.broker).
			Build()
	}
	if err := token.Error(); err != nil {
		return errors.New(fmt.Errorf("connection error: %w", err)).
			Category(errors.CategoryMQTTConnect).
			Component("healthpub").
			Context("broker", c.broker).
			Build()
	}

	return nil
}

// Publish sends a payload to the topic, waiting for delivery.
func (c *client) Publish(ctx context.Context, topic, payload string, retain bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.IsConnected() {
		return errors.Newf("not connected to MQTT broker").
			Category(errors.CategoryMQTTPublish).
			Component("healthpub").
			Context("topic", topic).
			Build()
	}

	token := c.internalClient.Publish(topic, 0, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.Newf("publish timeout for topic %s", topic).
			Category(errors.CategoryMQTTPublish).
			Component("healthpub").
			Context("topic", topic).
			Build()
	}
	return token.Error()
}

// IsConnected reports whether the broker connection is up.
func (c *client) IsConnected() bool {
	return c.internalClient != nil && c.internalClient.IsConnected()
}

// Disconnect closes the broker connection.
func (c *client) Disconnect() {
	if c.internalClient != nil && c.internalClient.IsConnected() {
		c.internalClient.Disconnect(250)
	}
}
