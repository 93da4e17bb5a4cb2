package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port string
	Mode string

	// Database configuration
	DatabaseURL string

	// Redis configuration (optional, enables the receipt ownership guard)
	RedisURL string

	// Caller authentication
	AuthJWTSecret   string
	AuthJWTAudience string
	BaaSURL         string
	BaaSAnonKey     string

	// Apple receipt verification
	AppleSharedSecret  string
	AppleProductionURL string
	AppleSandboxURL    string

	// Google Play Developer API
	GoogleServiceAccountEmail string
	GooglePrivateKey          string
	AndroidPackageName        string
	GooglePlayEndpoint        string

	// Product naming and store calls
	ProductNamespace string
	StoreTimeout     time.Duration

	// HTTP surface
	CORSAllowedOrigins []string
	RateLimitPerMinute int

	// Brevo email configuration
	BrevoAPIKey    string
	BrevoFromEmail string
	BrevoFromName  string

	// Entitlement webhook
	EntitlementWebhookURL    string
	EntitlementWebhookSecret string
}

var AppConfig *Config

func InitConfig() error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	AppConfig = Load()
	return AppConfig.Validate()
}

// Load reads the configuration from the environment
func Load() *Config {
	return &Config{
		Port:                      getEnv("PORT", "8080"),
		Mode:                      getEnv("GIN_MODE", "debug"),
		DatabaseURL:               getEnv("DATABASE_URL", ""),
		RedisURL:                  getEnv("REDIS_URL", ""),
		AuthJWTSecret:             getEnv("AUTH_JWT_SECRET", ""),
		AuthJWTAudience:           getEnv("AUTH_JWT_AUDIENCE", "authenticated"),
		BaaSURL:                   strings.TrimRight(getEnv("BAAS_URL", ""), "/"),
		BaaSAnonKey:               getEnv("BAAS_ANON_KEY", ""),
		AppleSharedSecret:         getEnv("APPLE_SHARED_SECRET", ""),
		AppleProductionURL:        getEnv("APPLE_PRODUCTION_URL", "https://buy.itunes.apple.com/verifyReceipt"),
		AppleSandboxURL:           getEnv("APPLE_SANDBOX_URL", "https://sandbox.itunes.apple.com/verifyReceipt"),
		GoogleServiceAccountEmail: getEnv("GOOGLE_SERVICE_ACCOUNT_EMAIL", ""),
		GooglePrivateKey:          strings.ReplaceAll(getEnv("GOOGLE_PRIVATE_KEY", ""), `\n`, "\n"),
		AndroidPackageName:        getEnv("ANDROID_PACKAGE_NAME", ""),
		GooglePlayEndpoint:        getEnv("GOOGLE_PLAY_ENDPOINT", ""),
		ProductNamespace:          getEnv("PRODUCT_NAMESPACE", ""),
		StoreTimeout:              getEnvDuration("STORE_TIMEOUT", 15*time.Second),
		CORSAllowedOrigins:        getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RateLimitPerMinute:        getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		BrevoAPIKey:               getEnv("BREVO_API_KEY", ""),
		BrevoFromEmail:            getEnv("BREVO_FROM_EMAIL", ""),
		BrevoFromName:             getEnv("BREVO_FROM_NAME", "Study Tracker"),
		EntitlementWebhookURL:     getEnv("ENTITLEMENT_WEBHOOK_URL", ""),
		EntitlementWebhookSecret:  getEnv("ENTITLEMENT_WEBHOOK_SECRET", ""),
	}
}

// Validate checks settings that make the server unusable when wrong.
// Missing store credentials only disable the matching platform.
func (c *Config) Validate() error {
	if c.AuthJWTSecret == "" && c.BaaSURL == "" {
		return fmt.Errorf("either AUTH_JWT_SECRET or BAAS_URL must be set")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative")
	}
	return nil
}

// AppleEnabled reports whether iOS receipts can be verified
func (c *Config) AppleEnabled() bool {
	return c.AppleSharedSecret != ""
}

// GooglePlayEnabled reports whether Android purchases can be verified
func (c *Config) GooglePlayEnabled() bool {
	return c.AndroidPackageName != "" && c.GoogleServiceAccountEmail != "" && c.GooglePrivateKey != ""
}

// Redacted returns a summary that is safe to log
func (c *Config) Redacted() string {
	return fmt.Sprintf("port=%s mode=%s database=%t redis=%t apple=%t google_play=%t jwt_auth=%t brevo=%t webhook=%t",
		c.Port, c.Mode, c.DatabaseURL != "", c.RedisURL != "", c.AppleEnabled(), c.GooglePlayEnabled(),
		c.AuthJWTSecret != "", c.BrevoAPIKey != "", c.EntitlementWebhookURL != "")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
