package devicesession

import "time"

// Config recognizes exactly the three keys the core accepts: an upper
// bound on a single session load, the Liveness Sweeper's period, and
// this node's stable identity. It is loaded via pkg/util/viper from the
// application's configuration.
type Config struct {
	SessionLoadTimeout   time.Duration `mapstructure:"sessionLoadTimeout"`
	SessionCheckInterval time.Duration `mapstructure:"sessionCheckInterval"`
	CurrentServerID      string        `mapstructure:"currentServerId"`
}

const (
	defaultSessionLoadTimeout   = 5 * time.Second
	defaultSessionCheckInterval = 30 * time.Second
)

func (c *Config) setDefaults() {
	if c.SessionLoadTimeout <= 0 {
		c.SessionLoadTimeout = defaultSessionLoadTimeout
	}
	if c.SessionCheckInterval <= 0 {
		c.SessionCheckInterval = defaultSessionCheckInterval
	}
}
