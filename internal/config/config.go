package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Server    ServerConfig
	App       AppConfig
	Store     StoreConfig
	Session   SessionConfig
	Fraud     FraudConfig
	AppStore  AppStoreConfig
	PlayStore PlayStoreConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"SERVER_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Name        string `envconfig:"APP_NAME" default:"entitlements-api"`
	Environment string `envconfig:"APP_ENV" default:"development"`
	Debug       bool   `envconfig:"APP_DEBUG" default:"false"`
	Version     string `envconfig:"APP_VERSION" default:"1.0.0"`
}

// StoreConfig holds entitlement store settings. Type selects the backend;
// the snapshot settings only apply to the memory backend.
type StoreConfig struct {
	Type string `envconfig:"STORE_TYPE" default:"memory"` // memory, sqlite, mysql, or redis

	// Memory backend persistence. Empty path disables the snapshot.
	SnapshotPath  string        `envconfig:"STORE_SNAPSHOT_PATH" default:""`
	FlushDebounce time.Duration `envconfig:"STORE_FLUSH_DEBOUNCE" default:"2s"`

	SQLitePath string `envconfig:"STORE_SQLITE_PATH" default:"./data/entitlements.db"`

	MySQLHost     string `envconfig:"STORE_MYSQL_HOST" default:"localhost"`
	MySQLPort     int    `envconfig:"STORE_MYSQL_PORT" default:"3306"`
	MySQLName     string `envconfig:"STORE_MYSQL_NAME" default:"entitlements"`
	MySQLUser     string `envconfig:"STORE_MYSQL_USER" default:"root"`
	MySQLPassword string `envconfig:"STORE_MYSQL_PASS" default:""`

	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Replay window for the transaction-reuse index.
	TransactionTTL time.Duration `envconfig:"TRANSACTION_SEEN_TTL" default:"24h"`
	// Retry window for idempotent validation responses.
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"15m"`
	// How often the SQL backends prune expired rows.
	PruneInterval time.Duration `envconfig:"STORE_PRUNE_INTERVAL" default:"10m"`
}

// SessionConfig holds session token settings. An empty secret disables
// session auth system-wide; callers then fall back to the shared API key.
type SessionConfig struct {
	Secret       string        `envconfig:"SESSION_SECRET" default:""`
	TTL          time.Duration `envconfig:"SESSION_TTL" default:"1h"`
	SharedAPIKey string        `envconfig:"API_KEY" default:""`
}

// FraudConfig holds risk scoring settings.
type FraudConfig struct {
	VelocityThreshold int           `envconfig:"FRAUD_VELOCITY_THRESHOLD" default:"30"`
	VelocityWindow    time.Duration `envconfig:"FRAUD_VELOCITY_WINDOW" default:"1h"`
	RejectThreshold   float64       `envconfig:"FRAUD_REJECT_THRESHOLD" default:"0.95"`
}

// AppStoreConfig holds Apple App Store Server API and webhook settings.
type AppStoreConfig struct {
	IssuerID       string        `envconfig:"APPSTORE_ISSUER_ID" default:""`
	KeyID          string        `envconfig:"APPSTORE_KEY_ID" default:""`
	BundleID       string        `envconfig:"APPSTORE_BUNDLE_ID" default:""`
	PrivateKeyPath string        `envconfig:"APPSTORE_PRIVATE_KEY_PATH" default:""`
	Environment    string        `envconfig:"APPSTORE_ENVIRONMENT" default:"production"` // production or sandbox
	RequestTimeout time.Duration `envconfig:"APPSTORE_REQUEST_TIMEOUT" default:"15s"`

	// PEM bundle of trusted Apple root certificates for webhook JWS
	// verification. Required when RequireSignature is true.
	RootCertsPath    string `envconfig:"APPSTORE_ROOT_CERTS_PATH" default:""`
	RequireSignature bool   `envconfig:"APPSTORE_REQUIRE_SIGNATURE" default:"true"`
	WebhookSecret    string `envconfig:"APPSTORE_WEBHOOK_SECRET" default:""`
	AllowQuerySecret bool   `envconfig:"APPSTORE_WEBHOOK_ALLOW_QUERY_SECRET" default:"false"`
}

// APIConfigured reports whether the App Store Server API client can be built.
func (a *AppStoreConfig) APIConfigured() bool {
	return a.IssuerID != "" && a.KeyID != "" && a.PrivateKeyPath != ""
}

// PlayStoreConfig holds Google Play Developer API and webhook settings.
type PlayStoreConfig struct {
	PackageName            string        `envconfig:"PLAYSTORE_PACKAGE_NAME" default:""`
	ServiceAccountJSONPath string        `envconfig:"PLAYSTORE_SERVICE_ACCOUNT_JSON_PATH" default:""`
	RequestTimeout         time.Duration `envconfig:"PLAYSTORE_REQUEST_TIMEOUT" default:"15s"`
	WebhookSecret          string        `envconfig:"PLAYSTORE_WEBHOOK_SECRET" default:""`
}

// APIConfigured reports whether the Play Developer API client can be built.
func (p *PlayStoreConfig) APIConfigured() bool {
	return p.PackageName != "" && p.ServiceAccountJSONPath != ""
}

// MySQLDSN returns the MySQL data source name.
func (s *StoreConfig) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		s.MySQLUser, s.MySQLPassword, s.MySQLHost, s.MySQLPort, s.MySQLName)
}

// RedisAddress returns the Redis address in host:port format.
func (s *StoreConfig) RedisAddress() string {
	return fmt.Sprintf("%s:%d", s.RedisHost, s.RedisPort)
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// IsDevelopment returns true if running in development mode.
func (a *AppConfig) IsDevelopment() bool {
	return a.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (a *AppConfig) IsProduction() bool {
	return a.Environment == "production"
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
