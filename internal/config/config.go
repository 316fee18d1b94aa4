package config

import (
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env        string `yaml:"env" env:"ENV" env-default:"local"`
	Tokens     `yaml:"tokens"`
	MagicLink  `yaml:"magic_link"`
	OAuth      `yaml:"oauth"`
	Mail       `yaml:"mail"`
	Postgres   `yaml:"postgres"`
	HTTPServer `yaml:"http_server"`
}

type HTTPServer struct {
	Address     string        `yaml:"address" env-default:"localhost:8080"`
	Timeout     time.Duration `yaml:"timeout" env-default:"4s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

type Postgres struct {
	Host     string `yaml:"host" env-default:"postgres"`
	Port     int    `yaml:"port" env-default:"5432"`
	User     string `yaml:"user" env-required:"true"`
	Password string `yaml:"password" env-required:"true"`
	DBName   string `yaml:"dbname" env-required:"true"`
	SSLMode  string `yaml:"sslmode" env-default:"disable"`
}

type Tokens struct {
	AccessTokenSecret  string        `yaml:"access_token_secret" env-required:"true"`
	AccessTokenTTL     time.Duration `yaml:"access_token_ttl" env-default:"15m"`
	RefreshTokenSecret string        `yaml:"refresh_token_secret" env-required:"true"`
	RefreshTokenTTL    time.Duration `yaml:"refresh_token_ttl" env-default:"168h"`
}

type MagicLink struct {
	Secret string `yaml:"secret" env-required:"true"`
	// TTL uses the <integer><unit> grammar with units s, m, h, d.
	TTL         string        `yaml:"ttl" env-default:"15m"`
	RateLimit   int           `yaml:"rate_limit" env-default:"3"`
	RateWindow  time.Duration `yaml:"rate_window" env-default:"60s"`
	FrontendURL string        `yaml:"frontend_url" env-default:"http://localhost:3001"`
}

type OAuth struct {
	Google OAuthProvider `yaml:"google"`
	Github OAuthProvider `yaml:"github"`
}

type OAuthProvider struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	CallbackURL  string `yaml:"callback_url"`
}

type Mail struct {
	Transport string `yaml:"transport" env-default:"smtp"`
	From      string `yaml:"from" env-default:"noreply@authly.local"`
	SMTP      SMTP   `yaml:"smtp"`
	RabbitMQ  `yaml:"rabbitmq"`
}

type SMTP struct {
	Host     string `yaml:"host" env-default:"localhost"`
	Port     int    `yaml:"port" env-default:"587"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type RabbitMQ struct {
	URL       string `yaml:"url"`
	QueueName string `yaml:"queue_name" env-default:"emails"`
}

func MustLoad(configPath string) *Config {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("Config file does not exist" + configPath)
	}

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("Failed to read config" + err.Error())
	}

	return &cfg
}
