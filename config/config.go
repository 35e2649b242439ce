package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Host      string `mapstructure:"host"`
		Port      int64  `mapstructure:"port"`
		JWTSecret string `mapstructure:"jwt_secret"`

		// OperatorPasswordHash is a bcrypt hash; POST /auth/token trades the
		// password for a bearer token.
		OperatorPasswordHash string `mapstructure:"operator_password_hash"`
	} `mapstructure:"server"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Relay struct {
		Address             string        `mapstructure:"address"`
		ReconnectBase       time.Duration `mapstructure:"reconnect_base"`
		ReconnectCap        time.Duration `mapstructure:"reconnect_cap"`
		MaxReconnectAttempt int           `mapstructure:"max_reconnect_attempts"`
		PublishTimeout      time.Duration `mapstructure:"publish_timeout"`
		PrivateKey          string        `mapstructure:"private_key"`
	} `mapstructure:"relay"`

	Transfer struct {
		OfferTTL       time.Duration `mapstructure:"offer_ttl"`
		SessionTimeout time.Duration `mapstructure:"session_timeout"`
	} `mapstructure:"transfer"`

	Dividend DividendConfig `mapstructure:"dividend"`

	Market struct {
		ID         string `mapstructure:"id"`
		Passphrase string `mapstructure:"passphrase"`
		Salt       string `mapstructure:"salt"`
	} `mapstructure:"market"`

	Redis struct {
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	BlockStorage struct {
		Host      string `mapstructure:"host"`
		Region    string `mapstructure:"region"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret"`
		Bucket    string `mapstructure:"bucket"`
	} `mapstructure:"block_storage"`

	Datadog struct {
		Host string `mapstructure:"host"`
		Port string `mapstructure:"port"`
	} `mapstructure:"datadog"`
}

type DividendConfig struct {
	MinMutualLinks        int      `mapstructure:"min_mutual_links"`
	GrowthRate            float64  `mapstructure:"growth_rate"`
	CapRatio              float64  `mapstructure:"cap_ratio"`
	InitialValue          float64  `mapstructure:"initial_value"`
	SecondDegreeWeight    float64  `mapstructure:"second_degree_weight"`
	ValidityDays          int      `mapstructure:"validity_days"`
	BootstrapValidityDays int      `mapstructure:"bootstrap_validity_days"`
	Schedule              string   `mapstructure:"schedule"`
	Participants          []string `mapstructure:"participants"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("relay.reconnect_base", 2*time.Second)
	v.SetDefault("relay.reconnect_cap", 30*time.Second)
	v.SetDefault("relay.max_reconnect_attempts", 5)
	v.SetDefault("relay.publish_timeout", 5*time.Second)

	v.SetDefault("transfer.offer_ttl", 30*time.Second)
	v.SetDefault("transfer.session_timeout", 30*time.Second)

	v.SetDefault("dividend.min_mutual_links", 5)
	v.SetDefault("dividend.growth_rate", 0.0488)
	v.SetDefault("dividend.cap_ratio", 0.05)
	v.SetDefault("dividend.initial_value", 10.0)
	v.SetDefault("dividend.second_degree_weight", 0.1)
	v.SetDefault("dividend.validity_days", 28)
	v.SetDefault("dividend.bootstrap_validity_days", 90)
	v.SetDefault("dividend.schedule", "0 0 * * 1")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")

	v.SetDefault("datadog.host", "localhost")
	v.SetDefault("datadog.port", "8125")
}

// ReadConfig loads <name>.yaml from the working directory (or /etc/bonserver)
// with environment overrides such as RELAY_ADDRESS. A missing file is not an
// error; defaults apply.
func ReadConfig(name string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(name)
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/bonserver")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("fail to read config file, err: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, err: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Relay.ReconnectBase <= 0 || c.Relay.ReconnectCap < c.Relay.ReconnectBase:
		return fmt.Errorf("relay reconnect base/cap are inconsistent")
	case c.Relay.MaxReconnectAttempt <= 0:
		return fmt.Errorf("relay max reconnect attempts must be positive")
	case c.Transfer.OfferTTL <= 0 || c.Transfer.SessionTimeout <= 0:
		return fmt.Errorf("transfer timeouts must be positive")
	case c.Dividend.MinMutualLinks < 0:
		return fmt.Errorf("dividend min mutual links must not be negative")
	case c.Dividend.CapRatio < 0:
		return fmt.Errorf("dividend cap ratio must not be negative")
	}
	return nil
}

// RedisAddr is host:port of the redis server.
func (c *Config) RedisAddr() string {
	return c.Redis.Host + ":" + c.Redis.Port
}
