package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "GREENBASKET"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "GREENBASKET_DB_DSN"
	EnvDBHost = "GREENBASKET_DB_HOST"
	EnvDBUser = "GREENBASKET_DB_USER"
	EnvDBName = "GREENBASKET_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Payments  PaymentsConfig
	GCP       GCPConfig
	PubSub    PubSubConfig
	Outbox    OutboxConfig
	Email     EmailConfig
	RateLimit RateLimitConfig
	Features  FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"GREENBASKET_APP_ENV" required:"true"`
	Port         string `envconfig:"GREENBASKET_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"GREENBASKET_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"GREENBASKET_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"GREENBASKET_DB_DSN"`
	Driver string `envconfig:"GREENBASKET_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"GREENBASKET_DB_HOST"`
	LegacyPort     int    `envconfig:"GREENBASKET_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"GREENBASKET_DB_USER"`
	LegacyPassword string `envconfig:"GREENBASKET_DB_PASSWORD"`
	LegacyName     string `envconfig:"GREENBASKET_DB_NAME"`
	LegacySSLMode  string `envconfig:"GREENBASKET_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"GREENBASKET_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"GREENBASKET_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"GREENBASKET_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"GREENBASKET_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"GREENBASKET_REDIS_URL" required:"true"`
	Address      string        `envconfig:"GREENBASKET_REDIS_ADDR"`
	Password     string        `envconfig:"GREENBASKET_REDIS_PASSWORD"`
	DB           int           `envconfig:"GREENBASKET_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"GREENBASKET_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"GREENBASKET_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"GREENBASKET_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"GREENBASKET_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"GREENBASKET_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"GREENBASKET_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"GREENBASKET_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"GREENBASKET_JWT_EXPIRATION_MINUTES" default:"60"`
}

// PaymentsConfig selects the active gateway and carries per-provider secrets.
type PaymentsConfig struct {
	Provider          string        `envconfig:"GREENBASKET_PAYMENTS_PROVIDER" default:"razorpay"`
	CallbackGuardTTL  time.Duration `envconfig:"GREENBASKET_PAYMENTS_CALLBACK_GUARD_TTL" default:"24h"`
	RazorpayKeyID     string        `envconfig:"GREENBASKET_RAZORPAY_KEY_ID"`
	RazorpayKeySecret string        `envconfig:"GREENBASKET_RAZORPAY_KEY_SECRET"`
	StripeAPIKey      string        `envconfig:"GREENBASKET_STRIPE_API_KEY"`
	StripeSecret      string        `envconfig:"GREENBASKET_STRIPE_SECRET"`
	StripeEnv         string        `envconfig:"GREENBASKET_STRIPE_ENV" default:"test"`
}

// StripeEnvironment returns the normalized Stripe environment (test/live).
func (p PaymentsConfig) StripeEnvironment() string {
	env := strings.TrimSpace(strings.ToLower(p.StripeEnv))
	if env == "" {
		return "test"
	}
	return env
}

type GCPConfig struct {
	ProjectID string `envconfig:"GREENBASKET_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	OrdersTopic        string `envconfig:"GREENBASKET_PUBSUB_ORDERS_TOPIC" default:"gb-order-events"`
	OrdersSubscription string `envconfig:"GREENBASKET_PUBSUB_ORDERS_SUBSCRIPTION"`
	DomainTopic        string `envconfig:"GREENBASKET_PUBSUB_DOMAIN_TOPIC" default:"gb-domain-events"`
	DomainSubscription string `envconfig:"GREENBASKET_PUBSUB_DOMAIN_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"GREENBASKET_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"GREENBASKET_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"GREENBASKET_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

type EmailConfig struct {
	Endpoint    string `envconfig:"GREENBASKET_EMAIL_ENDPOINT"`
	APIKey      string `envconfig:"GREENBASKET_EMAIL_API_KEY"`
	DefaultFrom string `envconfig:"GREENBASKET_EMAIL_FROM" default:"orders@greenbasket.example"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"GREENBASKET_FEATURE_AUTO_MIGRATE" default:"false"`
}

type RateLimitConfig struct {
	Window       time.Duration `envconfig:"GREENBASKET_RATE_LIMIT_WINDOW" default:"1m"`
	RequestLimit int           `envconfig:"GREENBASKET_RATE_LIMIT_REQUESTS" default:"120"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
