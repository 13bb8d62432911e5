// Package mqtt publishes training status to an MQTT broker.
package mqtt

import (
	"context"
	"time"

	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/logger"
)

// Client defines the interface for MQTT client operations.
type Client interface {
	// Connect attempts to connect to the MQTT broker.
	// It returns an error if the connection fails.
	Connect(ctx context.Context) error

	// Publish sends a message to the specified topic on the MQTT broker.
	// It returns an error if the publish operation fails.
	Publish(ctx context.Context, topic string, payload string) error

	// IsConnected returns true if the client is currently connected to the MQTT broker.
	IsConnected() bool

	// Disconnect closes the connection to the MQTT broker.
	Disconnect()
}

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	Topic       string        // status topic
	Retain      bool          // true to retain the last status at the broker
	MinInterval time.Duration // minimum gap between progress messages, 0 disables throttling
	// Connection timeouts
	ConnectTimeout       time.Duration
	PublishTimeout       time.Duration
	DisconnectTimeout    time.Duration
	MaxReconnectInterval time.Duration
}

// DefaultConfig returns a Config with reasonable default values
func DefaultConfig() Config {
	return Config{
		ClientID:             "faceid",
		Topic:                "faceid/training",
		Retain:               true,
		MinInterval:          time.Second,
		ConnectTimeout:       30 * time.Second,
		PublishTimeout:       10 * time.Second,
		DisconnectTimeout:    250 * time.Millisecond,
		MaxReconnectInterval: 5 * time.Minute,
	}
}

// ConfigFromSettings overlays MQTT settings on DefaultConfig. The instance
// name is used as client id when none is configured.
func ConfigFromSettings(settings *conf.Settings) Config {
	cfg := DefaultConfig()
	m := settings.MQTT
	cfg.Broker = m.Broker
	cfg.Username = m.Username
	cfg.Password = m.Password
	cfg.Retain = m.Retain
	switch {
	case m.ClientID != "":
		cfg.ClientID = m.ClientID
	case settings.Main.Name != "":
		cfg.ClientID = settings.Main.Name
	}
	if m.Topic != "" {
		cfg.Topic = m.Topic
	}
	cfg.MinInterval = m.MinInterval
	return cfg
}

func getLogger() logger.Logger {
	return logger.Global().Module("mqtt")
}
