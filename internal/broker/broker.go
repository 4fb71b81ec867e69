// Package broker publishes store-and-forward notifications to offline
// devices over MQTT. Devices subscribe to `device/<MAC>/#`; the scheduler
// publishes to `device/<MAC>` when no live session exists.
package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	publishQoS     = 1
)

type Config struct {
	BrokerURL  string
	Group      string // derived from device model
	MAC        string // server identity MAC used for the client id
	Username   string
	SigningKey string
}

// Publisher is the MQTT client wrapper the scheduler uses.
type Publisher struct {
	client mqtt.Client
}

// ClientID builds the broker identity `<group>@@@<mac>@@@<mac>` with the
// MAC colons replaced by underscores.
func ClientID(group, mac string) string {
	sanitized := strings.ReplaceAll(mac, ":", "_")
	return fmt.Sprintf("%s@@@%s@@@%s", group, sanitized, sanitized)
}

// Password derives the broker credential:
// base64(HMAC-SHA256(signing_key, client_id + "|" + username)).
func Password(signingKey, clientID, username string) string {
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(clientID + "|" + username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Topic returns the publish topic for a device.
func Topic(deviceMAC string) string {
	return "device/" + deviceMAC
}

func Connect(cfg Config) (*Publisher, error) {
	clientID := ClientID(cfg.Group, cfg.MAC)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(Password(cfg.SigningKey, clientID, cfg.Username)).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("broker: connection lost", "error", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			slog.Info("broker: connected", "url", cfg.BrokerURL)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("broker connect timed out after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("broker connect: %w", err)
	}

	return &Publisher{client: client}, nil
}

// Publish sends one JSON payload to the device topic. The broker retains
// delivery for offline devices.
func (p *Publisher) Publish(deviceMAC string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode broker payload: %w", err)
	}

	token := p.client.Publish(Topic(deviceMAC), publishQoS, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("broker publish timed out after %s", publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker publish: %w", err)
	}

	slog.Debug("broker: published", "topic", Topic(deviceMAC), "bytes", len(data))
	return nil
}

// Connected reports whether the underlying client currently has a broker
// connection.
func (p *Publisher) Connected() bool {
	return p.client.IsConnectionOpen()
}

func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
