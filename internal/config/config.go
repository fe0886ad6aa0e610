// Package config loads gateway settings from defaults, an optional file and
// TRACKGW_* environment variables.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Listen         string        `mapstructure:"listen" validate:"required"`
	ProxyProtocol  bool          `mapstructure:"proxy_protocol"`
	StartMarker    string        `mapstructure:"start_marker" validate:"max=1"`
	EndDelimiter   string        `mapstructure:"end_delimiter" validate:"len=1"`
	MaxMessageLen  int           `mapstructure:"max_message_len" validate:"min=64,max=1048576"`
	ReadIdle       time.Duration `mapstructure:"read_idle_timeout" validate:"min=1000000000"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" validate:"min=1000000"`
	LogLevel       string        `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	NodeID         uint64        `mapstructure:"node_id"`
	RefSalt        string        `mapstructure:"ref_salt"`

	Tunnel struct {
		Addr  string `mapstructure:"addr"`
		Token string `mapstructure:"token" validate:"required_with=Addr"`
	} `mapstructure:"tunnel"`

	Redis struct {
		Addr        string        `mapstructure:"addr"`
		PresenceTTL time.Duration `mapstructure:"presence_ttl"`
	} `mapstructure:"redis"`

	Nats struct {
		URL    string `mapstructure:"url"`
		Prefix string `mapstructure:"prefix"`
	} `mapstructure:"nats"`

	DB struct {
		URL       string        `mapstructure:"url"`
		Table     string        `mapstructure:"table" validate:"required"`
		BatchSize int           `mapstructure:"batch_size" validate:"min=1"`
		MaxAge    time.Duration `mapstructure:"max_age"`
	} `mapstructure:"db"`

	Admin struct {
		Addr string `mapstructure:"addr"`
		User string `mapstructure:"user"`
		Hash string `mapstructure:"hash"`
	} `mapstructure:"admin"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("listen", ":6000")
	v.SetDefault("proxy_protocol", false)
	v.SetDefault("start_marker", "*")
	v.SetDefault("end_delimiter", "#")
	v.SetDefault("max_message_len", 4096)
	v.SetDefault("read_idle_timeout", "5m")
	v.SetDefault("command_timeout", "10s")
	v.SetDefault("log_level", "info")
	v.SetDefault("node_id", 1)
	v.SetDefault("ref_salt", "trackgw")
	v.SetDefault("tunnel.addr", "")
	v.SetDefault("tunnel.token", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.presence_ttl", "15m")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.prefix", "trackgw")
	v.SetDefault("db.url", "")
	v.SetDefault("db.table", "telemetry")
	v.SetDefault("db.batch_size", 100)
	v.SetDefault("db.max_age", "5s")
	v.SetDefault("admin.addr", "localhost:3334")
	v.SetDefault("admin.user", "")
	v.SetDefault("admin.hash", "")
}

// Load reads file (may be empty) and the environment.
func Load(file string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("trackgw")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(c); err != nil {
		return nil, err
	}
	if c.StartMarker != "" && c.StartMarker == c.EndDelimiter {
		return nil, errors.New("start_marker and end_delimiter must differ")
	}
	return c, nil
}

func (c *Config) Start() byte {
	if c.StartMarker == "" {
		return 0
	}
	return c.StartMarker[0]
}

func (c *Config) End() byte {
	return c.EndDelimiter[0]
}
