package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env      string         `yaml:"env" env:"ENV" env-default:"local"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kraken   KrakenConfig   `yaml:"kraken"`
	Engine   EngineConfig   `yaml:"engine"`
	Nats     NatsConfig     `yaml:"nats"`
	Feed     FeedConfig     `yaml:"feed"`
	HTTP     HTTPConfig     `yaml:"http"`
}

type PostgresConfig struct {
	Host     string `yaml:"host" env-default:"localhost"`
	Port     int    `yaml:"port" env-default:"5432"`
	Username string `yaml:"username"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD"`
	Database string `yaml:"database"`
}

type RedisConfig struct {
	Host     string `yaml:"host" env-default:"localhost"`
	Port     int    `yaml:"port" env-default:"6379"`
	Db       int    `yaml:"db"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
}

type KrakenConfig struct {
	BaseURL              string `yaml:"base_url" env-default:"https://api.kraken.com"`
	APIKey               string `yaml:"api_key" env:"KRAKEN_API_KEY"`
	APISecret            string `yaml:"api_secret" env:"KRAKEN_API_SECRET"`
	TimeoutSeconds       int    `yaml:"timeout_seconds" env-default:"30"`
	MaxRetries           int    `yaml:"max_retries" env-default:"3"`
	RequestIntervalMs    int    `yaml:"request_interval_ms" env-default:"500"`
	TokenRefreshMarginSs int    `yaml:"token_refresh_margin_seconds" env-default:"60"`
}

type EngineConfig struct {
	FeeRate           string `yaml:"fee_rate" env-default:"0.0026"`
	ConfirmAttempts   int    `yaml:"confirm_attempts" env-default:"5"`
	ConfirmIntervalMs int    `yaml:"confirm_interval_ms" env-default:"1000"`
	PriceDriftWarnPct string `yaml:"price_drift_warn_pct" env-default:"0.01"`
}

type NatsConfig struct {
	URL string `yaml:"url" env-default:"nats://127.0.0.1:4222"`
}

type FeedConfig struct {
	Enabled bool     `yaml:"enabled" env-default:"false"`
	URL     string   `yaml:"url" env-default:"wss://ws.kraken.com"`
	AuthURL string   `yaml:"auth_url" env-default:"wss://ws-auth.kraken.com"`
	Pairs   []string `yaml:"pairs"`
}

type HTTPConfig struct {
	Port int `yaml:"port" env-default:"8080"`
}

func MustLoad() *Config {
	path := fetchConfigPath()
	if path == "" {
		panic("config file is empty")
	}

	return MustLoadByPath(path)
}

func MustLoadByPath(path string) *Config {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file not found " + path)
	}

	var config Config

	if err := cleanenv.ReadConfig(path, &config); err != nil {
		panic("failed to read config " + err.Error())
	}

	return &config
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
