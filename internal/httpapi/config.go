package httpapi

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/mailer"
	"github.com/MarkoPoloResearchLab/credits/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	defaultListenAddr      = ":8080"
	defaultDatabaseURL     = "sqlite:///tmp/credits.db"
	defaultAllowedOrigin   = "http://localhost:8000"
	defaultSessionIssuer   = "tauth"
	defaultSessionCookie   = "app_session"
	defaultPublicBaseURL   = "http://localhost:8080"
	defaultGatewayTimeout  = 5 * time.Second
	defaultEmailTimeout    = 10 * time.Second
	defaultDetailCacheTTL  = 10 * time.Minute
	defaultEventRetention  = 90 * 24 * time.Hour
	defaultJanitorInterval = 24 * time.Hour
	walletHistoryLimit     = 20
)

// Config aggregates runtime settings for the credits service.
type Config struct {
	ListenAddr        string
	DatabaseURL       string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	// PublicBaseURL prefixes receipt download links.
	PublicBaseURL       string
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIBaseURL    string
	// RedisURL enables the shared limiter and detail cache; empty keeps both in process.
	RedisURL            string
	RateLimit           int
	RateWindow          time.Duration
	GatewayTimeout      time.Duration
	EmailTimeout        time.Duration
	DetailCacheTTL      time.Duration
	CreditRetention     time.Duration
	EventRetention      time.Duration
	JanitorInterval     time.Duration
	TrustedReceiptHosts []string
	ReferencePattern    string
	SMTP                mailer.SMTPConfig
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.PublicBaseURL = strings.TrimRight(defaultIfEmpty(cfg.PublicBaseURL, defaultPublicBaseURL), "/")
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = ratelimit.DefaultLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = ratelimit.DefaultWindow
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}
	if cfg.EmailTimeout <= 0 {
		cfg.EmailTimeout = defaultEmailTimeout
	}
	if cfg.DetailCacheTTL <= 0 {
		cfg.DetailCacheTTL = defaultDetailCacheTTL
	}
	if cfg.CreditRetention <= 0 {
		cfg.CreditRetention = ledger.DefaultCreditRetention
	}
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = defaultEventRetention
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = defaultJanitorInterval
	}

	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if strings.TrimSpace(cfg.StripeSecretKey) == "" {
		return fmt.Errorf("stripe secret key is required")
	}
	if strings.TrimSpace(cfg.StripeWebhookSecret) == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	parsedBase, err := url.Parse(cfg.PublicBaseURL)
	if err != nil || parsedBase.Host == "" || (parsedBase.Scheme != "http" && parsedBase.Scheme != "https") {
		return fmt.Errorf("public base url must be an absolute http(s) url")
	}
	if strings.TrimSpace(cfg.SMTP.Host) != "" {
		if err := cfg.SMTP.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RatePolicy returns the limiter policy for receipt reads.
func (cfg Config) RatePolicy() ratelimit.Policy {
	return ratelimit.Policy{Limit: cfg.RateLimit, Window: cfg.RateWindow}
}

// EmailEnabled reports whether an SMTP transport is configured.
func (cfg Config) EmailEnabled() bool {
	return strings.TrimSpace(cfg.SMTP.Host) != ""
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseList splits comma-delimited values into a slice.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
