package config

import (
	"fmt"
	"time"

	"github.com/mkoehler42/tunnelpilot/internal/failover"
	"github.com/mkoehler42/tunnelpilot/internal/logging"
)

// Config is the root Tunnelpilot configuration.
type Config struct {
	Logging     logging.Config    `yaml:"logging"`
	API         APIConfig         `yaml:"api"`
	Engine      EngineConfig      `yaml:"engine"`
	Session     SessionConfig     `yaml:"session"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Endpoints   []EndpointConfig  `yaml:"endpoints"`
}

// APIConfig configures the local control API.
type APIConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`
}

// EngineConfig configures the external tunnel engine.
type EngineConfig struct {
	Binary         string `yaml:"binary"`
	WorkDir        string `yaml:"work_dir"`
	ManagementAddr string `yaml:"management_addr"`
	ManagementPort int    `yaml:"management_port"`
}

// SessionConfig configures session persistence and timing.
type SessionConfig struct {
	// StateFile persists connection params across restarts.
	StateFile string `yaml:"state_file"`
	// HealthCheckDelay is how long after a start traffic counters are
	// inspected to infer "connected".
	HealthCheckDelay time.Duration `yaml:"health_check_delay"`
	// TrafficPollInterval is the traffic sampling period.
	TrafficPollInterval time.Duration `yaml:"traffic_poll_interval"`
}

// CredentialsConfig configures certificate storage.
type CredentialsConfig struct {
	// Dir holds the durable credential files.
	Dir string `yaml:"dir"`
	// UseKeyring stores credentials in the OS keyring instead of files.
	UseKeyring bool   `yaml:"use_keyring"`
	Service    string `yaml:"service"`
}

// EndpointConfig describes one candidate tunnel server.
type EndpointConfig struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
	Country string `yaml:"country"`
	Load    int    `yaml:"load"`
	Running bool   `yaml:"running"`
	Tier    string `yaml:"tier"`
}

// Default returns a configuration with sane defaults.
func Default() Config {
	return Config{
		Logging: logging.DefaultConfig(),
		API: APIConfig{
			Listen: "127.0.0.1:8321",
		},
		Engine: EngineConfig{
			Binary:         "openvpn",
			ManagementAddr: "127.0.0.1",
			ManagementPort: 7505,
		},
		Session: SessionConfig{
			StateFile:           "tunnelpilot/params.json",
			HealthCheckDelay:    3 * time.Second,
			TrafficPollInterval: time.Second,
		},
		Credentials: CredentialsConfig{
			Dir: "tunnelpilot/creds",
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.API.Listen == "" {
		return fmt.Errorf("api.listen must not be empty")
	}
	if c.Engine.ManagementPort < 0 || c.Engine.ManagementPort > 65535 {
		return fmt.Errorf("engine.management_port out of range: %d", c.Engine.ManagementPort)
	}
	if c.Session.HealthCheckDelay < 0 {
		return fmt.Errorf("session.health_check_delay must not be negative")
	}
	if c.Session.TrafficPollInterval < 0 {
		return fmt.Errorf("session.traffic_poll_interval must not be negative")
	}
	for i, ep := range c.Endpoints {
		if ep.Address == "" {
			return fmt.Errorf("endpoints[%d]: address must not be empty", i)
		}
		if _, err := parseTier(ep.Tier); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
	}
	return nil
}

// Pool converts the configured endpoints into a failover pool.
func (c *Config) Pool() []failover.Endpoint {
	pool := make([]failover.Endpoint, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		tier, _ := parseTier(ep.Tier)
		pool = append(pool, failover.Endpoint{
			Address: ep.Address,
			Name:    ep.Name,
			Country: ep.Country,
			Load:    ep.Load,
			Running: ep.Running,
			Tier:    tier,
		})
	}
	return pool
}

func parseTier(s string) (failover.Tier, error) {
	switch s {
	case "", "free":
		return failover.TierFree, nil
	case "privileged":
		return failover.TierPrivileged, nil
	default:
		return failover.TierAny, fmt.Errorf("unknown tier: %s", s)
	}
}
