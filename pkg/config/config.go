package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	CORS          CORSConfig
	Log           LogConfig
	Cache         CacheConfig
	Enrollment    EnrollmentConfig
	WaitingList   WaitingListConfig
	Billing       BillingConfig
	Registration  AnnualRegistrationConfig
	Certificates  CertificatesConfig
	Gateway       GatewayConfig
	Notifications NotificationsConfig
	Sweeps        SweepsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	// ConnMaxLifetime recycles pooled connections; ConnectTimeout bounds the startup ping.
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
	// StatementTimeout is passed to Postgres so a stuck row lock cannot hold a request forever.
	StatementTimeout time.Duration
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	// OpTimeout bounds individual cache and lock round trips.
	OpTimeout time.Duration
}

type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience []string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// CacheConfig governs the class availability cache.
type CacheConfig struct {
	Enabled         bool
	AvailabilityTTL time.Duration
}

// EnrollmentConfig tunes seat holds and invoicing for new enrollments.
type EnrollmentConfig struct {
	HoldTTL      time.Duration
	InvoiceDueIn time.Duration
}

// WaitingListConfig controls the notify-then-expire window.
type WaitingListConfig struct {
	NotifyTTL time.Duration
}

// BillingConfig holds tax and reminder settings.
type BillingConfig struct {
	TaxRate          decimal.Decimal
	ReminderWindow   time.Duration
	ReminderCooldown time.Duration
}

// AnnualRegistrationConfig carries the yearly membership fee.
type AnnualRegistrationConfig struct {
	Fee          decimal.Decimal
	InvoiceDueIn time.Duration
}

// CertificatesConfig controls certificate rendering and download links.
type CertificatesConfig struct {
	Enabled         bool
	StorageDir      string
	SignedURLSecret string
	SignedURLTTL    time.Duration
	MinAttendance   decimal.Decimal
}

// GatewayConfig describes the external payment gateway boundary.
type GatewayConfig struct {
	Driver      string
	BaseURL     string
	APIKey      string
	CallbackURL string
	Timeout     time.Duration
}

// NotificationsConfig sizes the notification worker pool.
type NotificationsConfig struct {
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
}

// SweepsConfig toggles the in-process scheduler for maintenance sweeps.
type SweepsConfig struct {
	Enabled  bool
	Interval time.Duration
	LockTTL  time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),

		ConnMaxLifetime:  parseDuration(v.GetString("DB_CONN_MAX_LIFETIME"), time.Hour),
		ConnectTimeout:   parseDuration(v.GetString("DB_CONNECT_TIMEOUT"), 5*time.Second),
		StatementTimeout: parseDuration(v.GetString("DB_STATEMENT_TIMEOUT"), 15*time.Second),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("ENABLE_REDIS"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
		PoolSize: v.GetInt("REDIS_POOL_SIZE"),

		OpTimeout: parseDuration(v.GetString("REDIS_OP_TIMEOUT"), 500*time.Millisecond),
	}

	cfg.JWT = JWTConfig{
		Secret:   v.GetString("JWT_SECRET"),
		Issuer:   v.GetString("JWT_ISSUER"),
		Audience: splitAndTrim(v.GetString("JWT_AUDIENCE")),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Cache = CacheConfig{
		Enabled:         v.GetBool("ENABLE_CACHE"),
		AvailabilityTTL: parseDuration(v.GetString("CACHE_AVAILABILITY_TTL"), 30*time.Second),
	}

	cfg.Enrollment = EnrollmentConfig{
		HoldTTL:      parseDuration(v.GetString("ENROLLMENT_HOLD_TTL"), 30*time.Minute),
		InvoiceDueIn: parseDuration(v.GetString("ENROLLMENT_INVOICE_DUE_IN"), 72*time.Hour),
	}

	cfg.WaitingList = WaitingListConfig{
		NotifyTTL: parseDuration(v.GetString("WAITING_LIST_NOTIFY_TTL"), 24*time.Hour),
	}

	cfg.Billing = BillingConfig{
		TaxRate:          parseDecimal(v.GetString("BILLING_TAX_RATE"), decimal.Zero),
		ReminderWindow:   parseDuration(v.GetString("BILLING_REMINDER_WINDOW"), 72*time.Hour),
		ReminderCooldown: parseDuration(v.GetString("BILLING_REMINDER_COOLDOWN"), 24*time.Hour),
	}

	cfg.Registration = AnnualRegistrationConfig{
		Fee:          parseDecimal(v.GetString("ANNUAL_REGISTRATION_FEE"), decimal.NewFromInt(500000)),
		InvoiceDueIn: parseDuration(v.GetString("ANNUAL_REGISTRATION_INVOICE_DUE_IN"), 14*24*time.Hour),
	}

	cfg.Certificates = CertificatesConfig{
		Enabled:         v.GetBool("ENABLE_CERTIFICATES"),
		StorageDir:      v.GetString("CERTIFICATES_STORAGE_DIR"),
		SignedURLSecret: v.GetString("CERTIFICATES_SIGNED_URL_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("CERTIFICATES_SIGNED_URL_TTL"), 30*time.Minute),
		MinAttendance:   parseDecimal(v.GetString("CERTIFICATES_MIN_ATTENDANCE"), decimal.NewFromInt(75)),
	}

	cfg.Gateway = GatewayConfig{
		Driver:      strings.ToLower(v.GetString("PAYMENT_GATEWAY_DRIVER")),
		BaseURL:     v.GetString("PAYMENT_GATEWAY_BASE_URL"),
		APIKey:      v.GetString("PAYMENT_GATEWAY_API_KEY"),
		CallbackURL: v.GetString("PAYMENT_GATEWAY_CALLBACK_URL"),
		Timeout:     parseDuration(v.GetString("PAYMENT_GATEWAY_TIMEOUT"), 10*time.Second),
	}

	cfg.Notifications = NotificationsConfig{
		Workers:    v.GetInt("NOTIFICATION_WORKERS"),
		MaxRetries: v.GetInt("NOTIFICATION_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("NOTIFICATION_RETRY_DELAY"), 2*time.Second),
	}

	cfg.Sweeps = SweepsConfig{
		Enabled:  v.GetBool("ENABLE_SWEEPS"),
		Interval: parseDuration(v.GetString("SWEEP_INTERVAL"), 5*time.Minute),
		LockTTL:  parseDuration(v.GetString("SWEEP_LOCK_TTL"), 4*time.Minute),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "academy")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("ENABLE_REDIS", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 10)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("JWT_AUDIENCE", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENABLE_CACHE", false)
	v.SetDefault("CACHE_AVAILABILITY_TTL", "30s")

	v.SetDefault("ENROLLMENT_HOLD_TTL", "30m")
	v.SetDefault("ENROLLMENT_INVOICE_DUE_IN", "72h")
	v.SetDefault("WAITING_LIST_NOTIFY_TTL", "24h")

	v.SetDefault("BILLING_TAX_RATE", "0")
	v.SetDefault("BILLING_REMINDER_WINDOW", "72h")
	v.SetDefault("BILLING_REMINDER_COOLDOWN", "24h")

	v.SetDefault("ANNUAL_REGISTRATION_FEE", "500000")
	v.SetDefault("ANNUAL_REGISTRATION_INVOICE_DUE_IN", "336h")

	v.SetDefault("ENABLE_CERTIFICATES", true)
	v.SetDefault("CERTIFICATES_STORAGE_DIR", "./certificates")
	v.SetDefault("CERTIFICATES_SIGNED_URL_SECRET", "dev_certificates_secret")
	v.SetDefault("CERTIFICATES_SIGNED_URL_TTL", "30m")
	v.SetDefault("CERTIFICATES_MIN_ATTENDANCE", "75")

	v.SetDefault("PAYMENT_GATEWAY_DRIVER", "sandbox")
	v.SetDefault("PAYMENT_GATEWAY_BASE_URL", "")
	v.SetDefault("PAYMENT_GATEWAY_API_KEY", "")
	v.SetDefault("PAYMENT_GATEWAY_CALLBACK_URL", "http://localhost:8080/api/v1/payments/gateway/callback")
	v.SetDefault("PAYMENT_GATEWAY_TIMEOUT", "10s")

	v.SetDefault("NOTIFICATION_WORKERS", 2)
	v.SetDefault("NOTIFICATION_MAX_RETRIES", 3)
	v.SetDefault("NOTIFICATION_RETRY_DELAY", "2s")

	v.SetDefault("ENABLE_SWEEPS", false)
	v.SetDefault("SWEEP_INTERVAL", "5m")
	v.SetDefault("SWEEP_LOCK_TTL", "4m")
}

func isMissingFile(err error) bool {
	return strings.Contains(err.Error(), "no such file")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func parseDecimal(raw string, fallback decimal.Decimal) decimal.Decimal {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
