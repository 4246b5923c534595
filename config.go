package mqjob

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

const (
	DefaultQueueName   = "default"
	DefaultTimeout     = 4 * time.Hour
	DefaultMaxAttempts = 25
)

// Config holds process-wide defaults applied to every record a Client builds.
type Config struct {
	DefaultQueue string        `envconfig:"DEFAULT_QUEUE" default:"default"`
	Delay        time.Duration `envconfig:"DELAY" default:"0s"`
	Timeout      time.Duration `envconfig:"TIMEOUT" default:"4h"`
	ExpiresIn    time.Duration `envconfig:"EXPIRES_IN" default:"0s"`
	MaxAttempts  int           `envconfig:"MAX_ATTEMPTS" default:"25"`

	Now func() time.Time `ignored:"true"`
}

func DefaultConfig() *Config {
	return &Config{
		DefaultQueue: DefaultQueueName,
		Timeout:      DefaultTimeout,
		MaxAttempts:  DefaultMaxAttempts,
		Now:          timeNow,
	}
}

// LoadConfig reads the config from environment variables, e.g. MQJOB_DEFAULT_QUEUE for prefix "mqjob".
func LoadConfig(prefix string) (*Config, error) {
	cfg := DefaultConfig()
	err := envconfig.Process(prefix, cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "process env config")
	}
	if cfg.DefaultQueue == "" {
		return nil, ErrQueueIsRequired
	}
	return cfg, nil
}

func (c *Config) now() time.Time {
	if c.Now == nil {
		return timeNow()
	}
	return c.Now()
}

func timeNow() time.Time {
	return time.Now().UTC()
}
