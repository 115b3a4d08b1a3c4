package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	HTTPPort        string        `envconfig:"HTTP_PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	MaxRequestBody  int64         `envconfig:"MAX_REQUEST_BODY" default:"1048576"`

	GRPCHealthPort      string        `envconfig:"GRPC_HEALTH_PORT" default:"50060"`
	HealthProbeInterval time.Duration `envconfig:"HEALTH_PROBE_INTERVAL" default:"10s"`

	DBHost        string `envconfig:"DB_HOST" default:"localhost"`
	DBPort        int    `envconfig:"DB_PORT" default:"5432"`
	DBUser        string `envconfig:"DB_USER" default:"postgres"`
	DBPassword    string `envconfig:"DB_PASSWORD" default:"postgres"`
	DBName        string `envconfig:"DB_NAME" default:"shop"`
	MigrationsDir string `envconfig:"MIGRATIONS_DIR" default:"./internal/repository/migrations"`

	RedisAddr      string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	KafkaBrokers       string        `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	NotificationTopic  string        `envconfig:"NOTIFICATION_TOPIC" default:"payment-notifications"`
	OutboxPollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"1s"`

	GatewayMerchantID       string        `envconfig:"GATEWAY_MERCHANT_ID"`
	GatewayRequestURL       string        `envconfig:"GATEWAY_REQUEST_URL" default:"https://sandbox.zarinpal.com/pg/v4/payment/request.json"`
	GatewayVerifyURL        string        `envconfig:"GATEWAY_VERIFY_URL" default:"https://sandbox.zarinpal.com/pg/v4/payment/verify.json"`
	GatewayStartPayURL      string        `envconfig:"GATEWAY_STARTPAY_URL" default:"https://sandbox.zarinpal.com/pg/StartPay/"`
	GatewayCallbackURL      string        `envconfig:"GATEWAY_CALLBACK_URL" default:"http://localhost:8080/payments/verify"`
	GatewayTimeout          time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`
	GatewayAmountMultiplier int64         `envconfig:"GATEWAY_AMOUNT_MULTIPLIER" default:"10"`
	GatewayVerifyAttempts   int           `envconfig:"GATEWAY_VERIFY_ATTEMPTS" default:"3"`
	GatewayVerifyBackoff    time.Duration `envconfig:"GATEWAY_VERIFY_BACKOFF" default:"500ms"`

	FrontendResultURL   string `envconfig:"FRONTEND_RESULT_URL" default:"http://localhost:8080/profile/orders"`
	ResultRedirectDelay int    `envconfig:"RESULT_REDIRECT_DELAY" default:"5"`

	CartTTL           time.Duration `envconfig:"CART_TTL" default:"72h"`
	CartSweepInterval time.Duration `envconfig:"CART_SWEEP_INTERVAL" default:"10m"`
	MaxItemQuantity   int           `envconfig:"MAX_ITEM_QUANTITY" default:"99"`

	AdminToken string `envconfig:"ADMIN_TOKEN"`

	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	ServiceName string `envconfig:"SERVICE_NAME" default:"kastomy-shop"`
	OTELEnabled bool   `envconfig:"OTEL_ENABLED" default:"false"`
}

// Load reads an optional .env file, then the environment. Variables already
// set in the environment win over the file.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.GatewayAmountMultiplier <= 0 {
		return fmt.Errorf("GATEWAY_AMOUNT_MULTIPLIER must be positive, got %d", c.GatewayAmountMultiplier)
	}
	if c.MaxItemQuantity <= 0 {
		return fmt.Errorf("MAX_ITEM_QUANTITY must be positive, got %d", c.MaxItemQuantity)
	}
	if c.CartTTL <= 0 {
		return fmt.Errorf("CART_TTL must be positive, got %s", c.CartTTL)
	}
	return nil
}

func (c *Config) Brokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
