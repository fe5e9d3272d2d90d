package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"collabtext/room"
)

// Config is the on-disk form of a session's settings.
type Config struct {
	APIKey      string      `yaml:"api_key"`
	Environment string      `yaml:"environment"`
	Room        string      `yaml:"room"`
	Participant Participant `yaml:"participant"`

	// HistoryURL is the base URL of the history endpoint.
	HistoryURL string `yaml:"history_url"`
	// RelayURL is the websocket relay, e.g. ws://localhost:8081.
	RelayURL    string `yaml:"relay_url"`
	RedisAddr   string `yaml:"redis_addr"`
	DatabaseURL string `yaml:"database_url"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type Participant struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Metadata map[string]string `yaml:"metadata"`
}

// Default returns the settings used when neither file nor environment says
// otherwise.
func Default() Config {
	return Config{
		Environment:      "dev",
		HistoryURL:       "https://io.superviz.com",
		RelayURL:         "ws://localhost:8081",
		RedisAddr:        "localhost:6379",
		HandshakeTimeout: 5 * time.Second,
	}
}

// Load reads path (if not empty) over the defaults, then applies
// environment overrides. A participant without an id gets a random one.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if cfg.Participant.ID == "" {
		cfg.Participant.ID = uuid.NewString()
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	for name, field := range map[string]*string{
		"COLLABTEXT_API_KEY":          &c.APIKey,
		"COLLABTEXT_ENVIRONMENT":      &c.Environment,
		"COLLABTEXT_ROOM":             &c.Room,
		"COLLABTEXT_PARTICIPANT_ID":   &c.Participant.ID,
		"COLLABTEXT_PARTICIPANT_NAME": &c.Participant.Name,
		"COLLABTEXT_HISTORY_URL":      &c.HistoryURL,
		"COLLABTEXT_RELAY_URL":        &c.RelayURL,
		"REDIS_ADDR":                  &c.RedisAddr,
		"DATABASE_URL":                &c.DatabaseURL,
	} {
		if v, ok := lookup(name); ok && v != "" {
			*field = v
		}
	}
	if v, ok := lookup("COLLABTEXT_HANDSHAKE_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.HandshakeTimeout = d
		}
	}
}

// Validate checks the fields a provider cannot run without.
func (c Config) Validate() error {
	var errs []error
	if c.Room == "" {
		errs = append(errs, errors.New("room is required"))
	}
	if c.Participant.ID == "" {
		errs = append(errs, errors.New("participant id is required"))
	}
	if c.HandshakeTimeout < 0 {
		errs = append(errs, errors.New("handshake_timeout must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Identity converts the configured participant to its room form.
func (c Config) Identity() room.Participant {
	p := room.Participant{ID: c.Participant.ID, Name: c.Participant.Name}
	if len(c.Participant.Metadata) > 0 {
		p.Metadata = make(map[string]any, len(c.Participant.Metadata))
		for k, v := range c.Participant.Metadata {
			p.Metadata[k] = v
		}
	}
	return p
}

// Store builds the keyed store a provider reads.
func (c Config) Store() *Store {
	s := NewStore()
	s.Set(KeyAPIKey, c.APIKey)
	s.Set(KeyEnvironment, c.Environment)
	s.Set(KeyParticipant, c.Identity())
	s.Set(KeyRoomName, c.Room)
	return s
}
