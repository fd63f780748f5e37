package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/gracetech-services/jicofo-sub000/pkg/admin"
	"github.com/gracetech-services/jicofo-sub000/pkg/conference"
	"github.com/gracetech-services/jicofo-sub000/pkg/signaling"
	"github.com/gracetech-services/jicofo-sub000/pkg/telemetry"
)

// Focus configuration.
type Config struct {
	// XMPP connection configuration.
	Xmpp signaling.Config `yaml:"xmpp"`
	// Conference (call) configuration.
	Conference conference.Config `yaml:"conference"`
	// Bridge discovery configuration.
	Bridge BridgeConfig `yaml:"bridge"`
	// Worker brewery rooms (recorders, transcribers, gateways).
	Workers WorkersConfig `yaml:"workers"`
	// Admin HTTP listener configuration.
	Admin admin.Config `yaml:"admin"`
	// Telemetry (tracing) configuration.
	Telemetry TelemetryConfig `yaml:"telemetry"`
	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`
}

// BridgeConfig points the focus at the videobridge brewery room.
type BridgeConfig struct {
	// BreweryRoom is the MUC where bridges announce themselves.
	BreweryRoom string `yaml:"breweryRoom"`
}

// WorkersConfig lists the optional worker brewery rooms. Empty rooms are
// simply not watched.
type WorkersConfig struct {
	RecorderRoom    string `yaml:"recorderRoom"`
	TranscriberRoom string `yaml:"transcriberRoom"`
	GatewayRoom     string `yaml:"gatewayRoom"`
}

// TelemetryConfig gates the tracing setup on an explicit flag.
type TelemetryConfig struct {
	Enabled bool             `yaml:"enabled"`
	Tracing telemetry.Config `yaml:",inline"`
}

// Tries to load a config from the `CONFIG` environment variable.
// If the environment variable is not set, tries to load a config from the
// provided path to the config file (YAML). Returns an error if the config could
// not be loaded.
func LoadConfig(path string) (*Config, error) {
	config, err := LoadConfigFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoConfigEnvVar) {
			return nil, err
		}

		return LoadConfigFromPath(path)
	}

	return config, nil
}

// ErrNoConfigEnvVar is returned when the CONFIG environment variable is not set.
var ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")

// Tries to load the config from environment variable (`CONFIG`).
// Returns an error if not all environment variables are set.
func LoadConfigFromEnv() (*Config, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoConfigEnvVar
	}

	return LoadConfigFromString(configEnv)
}

// Tries to load a config from the provided path.
func LoadConfigFromPath(path string) (*Config, error) {
	logrus.WithField("path", path).Info("loading config")

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadConfigFromString(string(file))
}

// Load config from the provided string.
// Returns an error if the string is not a valid YAML.
func LoadConfigFromString(configString string) (*Config, error) {
	logrus.Info("loading config from string")

	var config Config
	if err := yaml.Unmarshal([]byte(configString), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	if config.Xmpp.JID == "" ||
		config.Xmpp.Password == "" ||
		config.Bridge.BreweryRoom == "" {
		return nil, errors.New("invalid config values")
	}

	config.Conference = config.Conference.WithDefaults()

	return &config, nil
}
