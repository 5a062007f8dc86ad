// Package config loads bridge settings from a YAML file and command-line
// flags, with flags taking precedence.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/levenlabs/go-lflag"
	"gopkg.in/yaml.v2"

	"github.com/chargebridge/chargebridge/pkg/types"
)

// Config holds the resolved settings. Settings must not be called before
// lflag.Configure has run.
type Config struct {
	settings types.Settings
}

// Configured registers the configuration flags. The YAML file is read when
// flags are parsed and any non-empty flag overrides the file's value.
func Configured() *Config {
	c := &Config{}

	path := lflag.String("config", "", "Path to a YAML settings file")
	userID := lflag.String("user-id", "", "CloudCharge user ID (overrides the config file)")
	token := lflag.String("token", "", "CloudCharge API token (overrides the config file)")
	chargepointIDs := lflag.String("chargepoint-ids", "", "Comma-separated chargepoint IDs to poll (empty discovers all)")
	instanceID := lflag.String("instance-id", "", "Instance ID namespacing stored settings and action history")
	mqttBroker := lflag.String("mqtt-broker-url", "", "MQTT broker URL to publish state to (empty disables MQTT)")
	mqttPrefix := lflag.String("mqtt-topic-prefix", "", "MQTT topic prefix")
	mqttClientID := lflag.String("mqtt-client-id", "", "MQTT client ID")

	lflag.Do(func() {
		if *path != "" {
			raw, err := os.ReadFile(*path)
			if err != nil {
				panic(fmt.Sprintf("failed to read config file: %v", err))
			}
			if err := yaml.Unmarshal(raw, &c.settings); err != nil {
				panic(fmt.Sprintf("failed to parse config file: %v", err))
			}
		}
		if *userID != "" {
			c.settings.Credentials.UserID = *userID
		}
		if *token != "" {
			c.settings.Credentials.Token = *token
		}
		if *chargepointIDs != "" {
			c.settings.ChargepointIDs = splitIDs(*chargepointIDs)
		}
		if *instanceID != "" {
			c.settings.InstanceID = *instanceID
		}
		if *mqttBroker != "" {
			c.settings.MQTT.BrokerURL = *mqttBroker
		}
		if *mqttPrefix != "" {
			c.settings.MQTT.TopicPrefix = *mqttPrefix
		}
		if *mqttClientID != "" {
			c.settings.MQTT.ClientID = *mqttClientID
		}
	})

	return c
}

// Settings returns the resolved settings.
func (c *Config) Settings() types.Settings {
	return c.settings
}

func splitIDs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
