package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	DistributionProportional = "proportional"
	DistributionFillFirst    = "fill_first"
)

// Config models yard.yml.
type Config struct {
	Facility struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"facility"`
	Ledger struct {
		Distribution string `yaml:"distribution"`
	} `yaml:"ledger"`
	Racks         []RackConfig        `yaml:"racks"`
	Operators     []string            `yaml:"operators"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Cache         struct {
		Redis RedisConfig `yaml:"redis"`
	} `yaml:"cache"`
}

type RackConfig struct {
	ID             string `yaml:"id"`
	Area           string `yaml:"area"`
	Name           string `yaml:"name"`
	Mode           string `yaml:"mode"`
	Capacity       int    `yaml:"capacity"`
	CapacityLinear string `yaml:"capacity_linear"`
}

// LinearCapacity parses CapacityLinear as metres.
func (r RackConfig) LinearCapacity() (decimal.Decimal, error) {
	if r.CapacityLinear == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(r.CapacityLinear)
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RabbitMQConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

type NotificationsConfig struct {
	Webhooks    []WebhookConfig `yaml:"webhooks"`
	Kafka       KafkaConfig     `yaml:"kafka"`
	RabbitMQ    RabbitMQConfig  `yaml:"rabbitmq"`
	MaxAttempts int             `yaml:"max_attempts"`
	BatchSize   int             `yaml:"batch_size"`
	Interval    string          `yaml:"interval"`
}

// PollInterval returns the relay poll interval, defaulting to two seconds.
func (n NotificationsConfig) PollInterval() time.Duration {
	if d, err := time.ParseDuration(n.Interval); err == nil && d > 0 {
		return d
	}
	return 2 * time.Second
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
	TTL  string `yaml:"ttl"`
}

func (r RedisConfig) CacheTTL() time.Duration {
	if d, err := time.ParseDuration(r.TTL); err == nil && d > 0 {
		return d
	}
	return 5 * time.Second
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with yard config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Facility.ID == "" {
		return fmt.Errorf("config.facility.id is required")
	}
	switch c.Ledger.Distribution {
	case "", DistributionProportional, DistributionFillFirst:
	default:
		return fmt.Errorf("config.ledger.distribution must be %s or %s", DistributionProportional, DistributionFillFirst)
	}
	seen := map[string]bool{}
	for i, r := range c.Racks {
		if r.ID == "" {
			return fmt.Errorf("config.racks[%d].id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("config.racks has duplicate id %s", r.ID)
		}
		seen[r.ID] = true
		if r.Area == "" {
			return fmt.Errorf("rack %s: area is required", r.ID)
		}
		if r.Capacity < 0 {
			return fmt.Errorf("rack %s: capacity must not be negative", r.ID)
		}
		if r.Mode != "" && r.Mode != "count" && r.Mode != "slot" {
			return fmt.Errorf("rack %s: mode must be count or slot", r.ID)
		}
		lin, err := r.LinearCapacity()
		if err != nil {
			return fmt.Errorf("rack %s: capacity_linear: %w", r.ID, err)
		}
		if lin.IsNegative() {
			return fmt.Errorf("rack %s: capacity_linear must not be negative", r.ID)
		}
	}
	for _, op := range c.Operators {
		if op == "" {
			return fmt.Errorf("config.operators contains empty id")
		}
	}
	for i, hook := range c.Notifications.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
	}
	if len(c.Notifications.Kafka.Brokers) > 0 && c.Notifications.Kafka.Topic == "" {
		return fmt.Errorf("config.notifications.kafka.topic is required when brokers are set")
	}
	if c.Notifications.RabbitMQ.URL != "" && c.Notifications.RabbitMQ.Queue == "" {
		return fmt.Errorf("config.notifications.rabbitmq.queue is required when url is set")
	}
	if c.Notifications.Interval != "" {
		if _, err := time.ParseDuration(c.Notifications.Interval); err != nil {
			return fmt.Errorf("config.notifications.interval: %w", err)
		}
	}
	return nil
}

// Distribution returns the configured split policy.
func (c *Config) Distribution() string {
	if c == nil || c.Ledger.Distribution == "" {
		return DistributionProportional
	}
	return c.Ledger.Distribution
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "yard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(facilityID string) string {
	return fmt.Sprintf(defaultTemplate, facilityID)
}

// Default returns the default Config struct for a facility.
func Default(facilityID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(facilityID)), &cfg)
	cfg.Facility.ID = facilityID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `facility:
  id: %s
  name: "Pipe storage yard"

ledger:
  distribution: proportional

racks:
  - id: A-01
    area: A
    name: "Yard A rack 1"
    capacity: 100
    capacity_linear: "1200"
  - id: A-02
    area: A
    name: "Yard A rack 2"
    capacity: 100
    capacity_linear: "1200"
  - id: B-01
    area: B
    name: "Yard B slot 1"
    mode: slot
    capacity: 60
    capacity_linear: "720"

operators: []

notifications:
  max_attempts: 5
  batch_size: 100
  interval: 2s
`
