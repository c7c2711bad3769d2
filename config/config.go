package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ChainConfig struct {
	ChainID  int64  `mapstructure:"chain_id" json:"chain_id"`
	Hardfork string `mapstructure:"hardfork" json:"hardfork"`
}

type Config struct {
	Server struct {
		Port int64  `mapstructure:"port" json:"port"`
		Mode string `mapstructure:"mode" json:"mode"`
		// JWTSecret enables bearer auth on the /custodian routes when set.
		JWTSecret string        `mapstructure:"jwt_secret" json:"-"`
		TokenTTL  time.Duration `mapstructure:"token_ttl" json:"token_ttl,omitempty"`
	} `mapstructure:"server" json:"server"`

	Log struct {
		Level string `mapstructure:"level" json:"level"`
	} `mapstructure:"log" json:"log"`

	Database struct {
		DSN string `mapstructure:"dsn" json:"dsn"`
	} `mapstructure:"database" json:"database"`

	Storage struct {
		Driver string `mapstructure:"driver" json:"driver"` // postgres | memory
	} `mapstructure:"storage" json:"storage"`

	Nonce struct {
		Ledger     string `mapstructure:"ledger" json:"ledger"` // postgres | redis | memory
		MaxRetries int    `mapstructure:"max_retries" json:"max_retries"`
	} `mapstructure:"nonce" json:"nonce"`

	Redis struct {
		Host     string `mapstructure:"host" json:"host,omitempty"`
		Port     string `mapstructure:"port" json:"port,omitempty"`
		User     string `mapstructure:"user" json:"user,omitempty"`
		Password string `mapstructure:"password" json:"password,omitempty"`
		DB       int    `mapstructure:"db" json:"db,omitempty"`
	} `mapstructure:"redis" json:"redis,omitempty"`

	Ethereum struct {
		Rpc            string           `mapstructure:"rpc" json:"rpc"`
		RpcTimeout     time.Duration    `mapstructure:"rpc_timeout" json:"rpc_timeout"`
		DefaultChainID int64            `mapstructure:"default_chain_id" json:"default_chain_id"`
		Chains         []ChainConfig    `mapstructure:"chains" json:"chains"`
		Accounts       map[string]int64 `mapstructure:"accounts" json:"accounts"` // address -> chain id
	} `mapstructure:"ethereum" json:"ethereum"`

	Keystore struct {
		Dir          string `mapstructure:"dir" json:"dir"`
		PasswordFile string `mapstructure:"password_file" json:"password_file"`
		LightScrypt  bool   `mapstructure:"light_scrypt" json:"light_scrypt"`
	} `mapstructure:"keystore" json:"keystore"`

	Datadog struct {
		Host string `mapstructure:"host" json:"host,omitempty"`
		Port string `mapstructure:"port" json:"port,omitempty"`
	} `mapstructure:"datadog" json:"datadog"`

	BlockStorage struct {
		Host      string `mapstructure:"host" json:"host"`
		Region    string `mapstructure:"region" json:"region"`
		AccessKey string `mapstructure:"access_key" json:"access_key"`
		SecretKey string `mapstructure:"secret" json:"secret"`
		Bucket    string `mapstructure:"bucket" json:"bucket"`
	} `mapstructure:"block_storage" json:"block_storage"`

	Notifier struct {
		Buffer  int           `mapstructure:"buffer" json:"buffer"`
		Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
	} `mapstructure:"notifier" json:"notifier"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.token_ttl", 24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("nonce.ledger", "postgres")
	v.SetDefault("nonce.max_retries", 16)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("ethereum.rpc_timeout", 15*time.Second)
	v.SetDefault("ethereum.default_chain_id", 1)
	v.SetDefault("datadog.host", "localhost")
	v.SetDefault("datadog.port", "8125")
	v.SetDefault("notifier.buffer", 1024)
	v.SetDefault("notifier.timeout", 5*time.Second)
}

// ReadConfig loads <configName>.{yaml,json,...} from the working directory.
// Environment variables override file values, e.g. DATABASE_DSN for database.dsn.
func ReadConfig(configName string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(configName)
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("fail to read config file, %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings the API process needs. The worker only needs redis and log.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid storage driver %q", c.Storage.Driver)
	}
	switch c.Nonce.Ledger {
	case "postgres", "redis", "memory":
	default:
		return fmt.Errorf("invalid nonce ledger %q", c.Nonce.Ledger)
	}
	if c.Nonce.Ledger == "memory" && c.Storage.Driver != "memory" {
		return fmt.Errorf("memory nonce ledger is only allowed with the memory storage driver")
	}
	if c.Nonce.Ledger == "postgres" && c.Storage.Driver != "postgres" {
		return fmt.Errorf("postgres nonce ledger requires the postgres storage driver")
	}
	if c.Storage.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Ethereum.Rpc == "" {
		return fmt.Errorf("ethereum.rpc is required")
	}
	if c.Keystore.Dir == "" {
		return fmt.Errorf("keystore.dir is required")
	}
	return nil
}
