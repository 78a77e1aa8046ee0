package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Env       string          `mapstructure:"env"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Lock      LockConfig      `mapstructure:"lock"`
	Fee       FeeConfig       `mapstructure:"fee"`
	Square    SquareConfig    `mapstructure:"square"`
	Actuation ActuationConfig `mapstructure:"actuation"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DBConfig struct {
	DSN           string        `mapstructure:"dsn"`
	MaxOpenConns  int           `mapstructure:"max_open_conns"`
	MaxIdleConns  int           `mapstructure:"max_idle_conns"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MQTTConfig struct {
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Topics         []string      `mapstructure:"topics"`
	QoS            byte          `mapstructure:"qos"`
	CleanSession   bool          `mapstructure:"clean_session"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
}

type DedupConfig struct {
	Window          time.Duration `mapstructure:"window"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	TimestampLayout string        `mapstructure:"timestamp_layout"`
	Timezone        string        `mapstructure:"timezone"`
	Backend         string        `mapstructure:"backend"`
}

type LockConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type FeeConfig struct {
	RatePerMinuteCents int64 `mapstructure:"rate_per_minute_cents"`
	CapMinutes         int64 `mapstructure:"cap_minutes"`
}

type SquareConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	AccessToken  string        `mapstructure:"access_token"`
	APIVersion   string        `mapstructure:"api_version"`
	LocationID   string        `mapstructure:"location_id"`
	DeviceID     string        `mapstructure:"device_id"`
	Currency     string        `mapstructure:"currency"`
	Timeout      time.Duration `mapstructure:"timeout"`
	WebhookURL   string        `mapstructure:"webhook_url"`
	SignatureKey string        `mapstructure:"signature_key"`
	LinkName     string        `mapstructure:"link_name"`
}

type ActuationConfig struct {
	EntryPulse      time.Duration `mapstructure:"entry_pulse"`
	PaymentPulse    time.Duration `mapstructure:"payment_pulse"`
	MaxPulse        time.Duration `mapstructure:"max_pulse"`
	ParkCode        string        `mapstructure:"park_code"`
	Sender          string        `mapstructure:"sender"`
	PublishTimeout  time.Duration `mapstructure:"publish_timeout"`
	DisplayShowTime int           `mapstructure:"display_show_time"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("db.dsn", "host=localhost user=parking password=parking dbname=parking port=5432 sslmode=disable")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.slow_threshold", 200*time.Millisecond)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "parking-service")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topics", []string{"parking/+/camera", "parking/+/LED"})
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.connect_timeout", 30*time.Second)
	v.SetDefault("mqtt.keep_alive", 60*time.Second)
	v.SetDefault("mqtt.workers", 4)
	v.SetDefault("mqtt.queue_size", 256)

	v.SetDefault("dedup.window", 3*time.Minute)
	v.SetDefault("dedup.sweep_interval", time.Minute)
	v.SetDefault("dedup.timestamp_layout", "2006-01-02 15:04:05")
	v.SetDefault("dedup.timezone", "Local")
	v.SetDefault("dedup.backend", "memory")

	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.ttl", 10*time.Second)

	v.SetDefault("fee.rate_per_minute_cents", 1)
	v.SetDefault("fee.cap_minutes", 9)

	v.SetDefault("square.base_url", "https://connect.squareupsandbox.com")
	v.SetDefault("square.access_token", "")
	v.SetDefault("square.api_version", "2024-07-17")
	v.SetDefault("square.location_id", "")
	v.SetDefault("square.device_id", "")
	v.SetDefault("square.currency", "USD")
	v.SetDefault("square.timeout", 10*time.Second)
	v.SetDefault("square.webhook_url", "")
	v.SetDefault("square.signature_key", "")
	v.SetDefault("square.link_name", "Parking Fee")

	v.SetDefault("actuation.entry_pulse", time.Second)
	v.SetDefault("actuation.payment_pulse", 2*time.Second)
	v.SetDefault("actuation.max_pulse", 10*time.Second)
	v.SetDefault("actuation.park_code", "default")
	v.SetDefault("actuation.sender", "parking_server")
	v.SetDefault("actuation.publish_timeout", 5*time.Second)
	v.SetDefault("actuation.display_show_time", 60)

	v.SetDefault("auth.jwt_secret", "")
}

// Load reads configuration from an optional .env file, an optional config file
// and PARKING_* environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PARKING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("PARKING_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Dedup.Window <= 0 {
		errs = append(errs, errors.New("dedup.window must be positive"))
	}
	if c.Dedup.TimestampLayout == "" {
		errs = append(errs, errors.New("dedup.timestamp_layout is required"))
	}
	if c.Fee.RatePerMinuteCents < 0 {
		errs = append(errs, errors.New("fee.rate_per_minute_cents must not be negative"))
	}
	if c.Fee.CapMinutes <= 0 {
		errs = append(errs, errors.New("fee.cap_minutes must be positive"))
	}
	if c.Actuation.EntryPulse <= 0 || c.Actuation.PaymentPulse <= 0 {
		errs = append(errs, errors.New("actuation pulses must be positive"))
	} else if c.Actuation.EntryPulse >= c.Actuation.PaymentPulse {
		errs = append(errs, errors.New("actuation.entry_pulse must be shorter than actuation.payment_pulse"))
	}
	if strings.TrimSpace(c.MQTT.BrokerURL) == "" {
		errs = append(errs, errors.New("mqtt.broker_url is required"))
	}
	if (c.Dedup.Backend == "redis" || c.Lock.Backend == "redis") && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required for redis backends"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Location resolves dedup.timezone, falling back to the local zone.
func (c DedupConfig) Location() *time.Location {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
