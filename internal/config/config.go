// Package config reads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port           string
	BaseURL        string
	DBPath         string
	LogLevel       string
	LogFormat      string
	AllowedOrigins []string

	// Admin API
	AdminTokenHash string

	// License rules
	PeriodDays        int
	ReferralBonusDays int
	ReminderDays      int

	// Telegram
	BotEnabled     bool
	BotToken       string
	OperatorChatID int64

	// YooKassa
	YooKassaShopID    string
	YooKassaSecretKey string
	YooKassaPrice     string
	YooKassaCurrency  string
	YooKassaReturnURL string

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string

	// Operator e-mail
	PostmarkToken string
	FromEmail     string
	OperatorEmail string

	// Backups
	BackupS3Endpoint    string
	BackupS3Bucket      string
	BackupS3Region      string
	BackupS3AccessKey   string
	BackupS3SecretKey   string
	BackupPassphrase    string
	BackupPrefix        string
	BackupRetentionDays int
	BackupHour          int
}

// Load reads the environment, after merging a .env file from the working
// directory when present. Existing environment variables win over .env.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("load .env", "error", err)
	}

	port := getEnv("LICENSED_PORT", "8090")
	cfg := &Config{
		Port:           port,
		BaseURL:        getEnv("LICENSED_BASE_URL", "http://localhost:"+port),
		DBPath:         getEnv("LICENSED_DB_PATH", "licenses.db"),
		LogLevel:       getEnv("LICENSED_LOG_LEVEL", "info"),
		LogFormat:      getEnv("LICENSED_LOG_FORMAT", "text"),
		AllowedOrigins: splitList(getEnv("LICENSED_ALLOWED_ORIGINS", "")),

		AdminTokenHash: getEnv("LICENSED_ADMIN_TOKEN_HASH", ""),

		BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		YooKassaShopID:    getEnv("YOOKASSA_SHOP_ID", ""),
		YooKassaSecretKey: getEnv("YOOKASSA_SECRET_KEY", ""),
		YooKassaPrice:     getEnv("YOOKASSA_PRICE", "990.00"),
		YooKassaCurrency:  getEnv("YOOKASSA_CURRENCY", "RUB"),
		YooKassaReturnURL: getEnv("YOOKASSA_RETURN_URL", ""),

		PostmarkToken: getEnv("POSTMARK_TOKEN", ""),
		FromEmail:     getEnv("FROM_EMAIL", ""),
		OperatorEmail: getEnv("OPERATOR_EMAIL", ""),

		BackupS3Endpoint:  getEnv("BACKUP_S3_ENDPOINT", ""),
		BackupS3Bucket:    getEnv("BACKUP_S3_BUCKET", ""),
		BackupS3Region:    getEnv("BACKUP_S3_REGION", "auto"),
		BackupS3AccessKey: getEnv("BACKUP_S3_ACCESS_KEY", ""),
		BackupS3SecretKey: getEnv("BACKUP_S3_SECRET_KEY", ""),
		BackupPassphrase:  getEnv("BACKUP_PASSPHRASE", ""),
		BackupPrefix:      getEnv("BACKUP_PREFIX", "licensed/"),
	}

	var err error
	if cfg.PeriodDays, err = getInt("LICENSED_PERIOD_DAYS", 30); err != nil {
		return nil, err
	}
	if cfg.ReferralBonusDays, err = getInt("LICENSED_REFERRAL_BONUS_DAYS", 7); err != nil {
		return nil, err
	}
	if cfg.ReminderDays, err = getInt("LICENSED_REMINDER_DAYS", 3); err != nil {
		return nil, err
	}
	if cfg.BackupRetentionDays, err = getInt("BACKUP_RETENTION_DAYS", 30); err != nil {
		return nil, err
	}
	if cfg.BackupHour, err = getInt("BACKUP_HOUR", 3); err != nil {
		return nil, err
	}
	if cfg.BotEnabled, err = getBool("LICENSED_BOT_ENABLED", cfg.BotToken != ""); err != nil {
		return nil, err
	}
	if v := getEnv("TELEGRAM_OPERATOR_CHAT_ID", ""); v != "" {
		if cfg.OperatorChatID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("parse TELEGRAM_OPERATOR_CHAT_ID: %w", err)
		}
	}
	if cfg.YooKassaReturnURL == "" {
		cfg.YooKassaReturnURL = cfg.BaseURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.PeriodDays <= 0 {
		return fmt.Errorf("LICENSED_PERIOD_DAYS must be positive, got %d", c.PeriodDays)
	}
	if c.ReferralBonusDays <= 0 {
		return fmt.Errorf("LICENSED_REFERRAL_BONUS_DAYS must be positive, got %d", c.ReferralBonusDays)
	}
	if c.ReminderDays < 0 {
		return fmt.Errorf("LICENSED_REMINDER_DAYS must not be negative, got %d", c.ReminderDays)
	}
	if c.BackupS3Bucket != "" && c.BackupPassphrase == "" {
		return fmt.Errorf("BACKUP_S3_BUCKET requires BACKUP_PASSPHRASE")
	}
	if c.BackupRetentionDays <= 0 {
		return fmt.Errorf("BACKUP_RETENTION_DAYS must be positive, got %d", c.BackupRetentionDays)
	}
	if c.BackupHour < 0 || c.BackupHour > 23 {
		return fmt.Errorf("BACKUP_HOUR must be between 0 and 23, got %d", c.BackupHour)
	}
	if c.BotEnabled && c.BotToken == "" {
		return fmt.Errorf("LICENSED_BOT_ENABLED requires TELEGRAM_BOT_TOKEN")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
