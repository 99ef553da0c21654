package main

import (
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/credits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/credits/internal/mailer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagListenAddr          = "listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagJWTCookieName       = "jwt-cookie-name"
	flagPublicBaseURL       = "public-base-url"
	flagStripeSecretKey     = "stripe-secret-key"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagStripeAPIBaseURL    = "stripe-api-base-url"
	flagRedisURL            = "redis-url"
	flagRateLimit           = "rate-limit"
	flagRateWindow          = "rate-window"
	flagGatewayTimeout      = "gateway-timeout"
	flagEmailTimeout        = "email-timeout"
	flagDetailCacheTTL      = "detail-cache-ttl"
	flagCreditRetention     = "credit-retention"
	flagEventRetention      = "event-retention"
	flagJanitorInterval     = "janitor-interval"
	flagTrustedReceiptHosts = "trusted-receipt-hosts"
	flagReferencePattern    = "reference-pattern"
	flagSMTPHost            = "smtp-host"
	flagSMTPPort            = "smtp-port"
	flagSMTPUsername        = "smtp-username"
	flagSMTPPassword        = "smtp-password"
	flagSMTPFrom            = "smtp-from"
	flagSMTPFromName        = "smtp-from-name"
	flagSMTPImplicitTLS     = "smtp-implicit-tls"
	flagSMTPRequireTLS      = "smtp-require-tls"
)

var serveFlags = []string{
	flagDatabaseURL, flagListenAddr, flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName,
	flagPublicBaseURL, flagStripeSecretKey, flagStripeWebhookSecret, flagStripeAPIBaseURL, flagRedisURL,
	flagRateLimit, flagRateWindow, flagGatewayTimeout, flagEmailTimeout, flagDetailCacheTTL,
	flagCreditRetention, flagEventRetention, flagJanitorInterval, flagTrustedReceiptHosts, flagReferencePattern,
	flagSMTPHost, flagSMTPPort, flagSMTPUsername, flagSMTPPassword, flagSMTPFrom, flagSMTPFromName,
	flagSMTPImplicitTLS, flagSMTPRequireTLS,
}

func newServeCommand() *cobra.Command {
	cfg := httpapi.Config{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service: webhooks, receipts and wallet",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadServeConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return httpapi.Run(ctx, cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.String(flagListenAddr, "", "HTTP listen address (default :8080)")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	flags.String(flagJWTIssuer, "", "expected JWT issuer")
	flags.String(flagJWTCookieName, "", "JWT cookie name")
	flags.String(flagPublicBaseURL, "", "public base URL used in receipt download links")
	flags.String(flagStripeSecretKey, "", "Stripe secret API key (required)")
	flags.String(flagStripeWebhookSecret, "", "Stripe webhook signing secret (required)")
	flags.String(flagStripeAPIBaseURL, "", "override for the Stripe API endpoint")
	flags.String(flagRedisURL, "", "redis:// URL for the shared rate limiter and detail cache")
	flags.Int(flagRateLimit, 0, "receipt reads allowed per caller per window (default 10)")
	flags.Duration(flagRateWindow, 0, "receipt rate-limit window (default 1m)")
	flags.Duration(flagGatewayTimeout, 0, "payment gateway call timeout (default 5s)")
	flags.Duration(flagEmailTimeout, 0, "per-attempt email timeout (default 10s)")
	flags.Duration(flagDetailCacheTTL, 0, "payment detail cache ttl (default 10m)")
	flags.Duration(flagCreditRetention, 0, "how long purchased credits stay spendable (default 3 years)")
	flags.Duration(flagEventRetention, 0, "how long webhook events are kept (default 90 days)")
	flags.Duration(flagJanitorInterval, 0, "how often old webhook events are purged (default 24h)")
	flags.String(flagTrustedReceiptHosts, "", "comma-separated hosts allowed in gateway receipt URLs")
	flags.String(flagReferencePattern, "", "regular expression accepted for payment references")
	flags.String(flagSMTPHost, "", "SMTP host; empty logs receipt emails instead of sending")
	flags.Int(flagSMTPPort, 587, "SMTP port")
	flags.String(flagSMTPUsername, "", "SMTP username")
	flags.String(flagSMTPPassword, "", "SMTP password")
	flags.String(flagSMTPFrom, "", "receipt sender address")
	flags.String(flagSMTPFromName, "", "receipt sender display name")
	flags.Bool(flagSMTPImplicitTLS, false, "use SMTPS instead of STARTTLS")
	flags.Bool(flagSMTPRequireTLS, true, "refuse servers without STARTTLS")

	return cmd
}

func loadServeConfig(cmd *cobra.Command, cfg *httpapi.Config) error {
	v, err := newViper(cmd, serveFlags...)
	if err != nil {
		return err
	}
	*cfg = serveConfigFrom(v)
	return cfg.Validate()
}

func serveConfigFrom(v *viper.Viper) httpapi.Config {
	return httpapi.Config{
		ListenAddr:          strings.TrimSpace(v.GetString(flagListenAddr)),
		DatabaseURL:         strings.TrimSpace(v.GetString(flagDatabaseURL)),
		AllowedOrigins:      httpapi.ParseList(v.GetString(flagAllowedOrigins)),
		SessionSigningKey:   v.GetString(flagJWTSigningKey),
		SessionIssuer:       strings.TrimSpace(v.GetString(flagJWTIssuer)),
		SessionCookieName:   strings.TrimSpace(v.GetString(flagJWTCookieName)),
		PublicBaseURL:       strings.TrimSpace(v.GetString(flagPublicBaseURL)),
		StripeSecretKey:     strings.TrimSpace(v.GetString(flagStripeSecretKey)),
		StripeWebhookSecret: strings.TrimSpace(v.GetString(flagStripeWebhookSecret)),
		StripeAPIBaseURL:    strings.TrimSpace(v.GetString(flagStripeAPIBaseURL)),
		RedisURL:            strings.TrimSpace(v.GetString(flagRedisURL)),
		RateLimit:           v.GetInt(flagRateLimit),
		RateWindow:          v.GetDuration(flagRateWindow),
		GatewayTimeout:      v.GetDuration(flagGatewayTimeout),
		EmailTimeout:        v.GetDuration(flagEmailTimeout),
		DetailCacheTTL:      v.GetDuration(flagDetailCacheTTL),
		CreditRetention:     v.GetDuration(flagCreditRetention),
		EventRetention:      v.GetDuration(flagEventRetention),
		JanitorInterval:     v.GetDuration(flagJanitorInterval),
		TrustedReceiptHosts: httpapi.ParseList(v.GetString(flagTrustedReceiptHosts)),
		ReferencePattern:    strings.TrimSpace(v.GetString(flagReferencePattern)),
		SMTP: mailer.SMTPConfig{
			Host:        strings.TrimSpace(v.GetString(flagSMTPHost)),
			Port:        v.GetInt(flagSMTPPort),
			Username:    v.GetString(flagSMTPUsername),
			Password:    v.GetString(flagSMTPPassword),
			From:        strings.TrimSpace(v.GetString(flagSMTPFrom)),
			FromName:    strings.TrimSpace(v.GetString(flagSMTPFromName)),
			ImplicitTLS: v.GetBool(flagSMTPImplicitTLS),
			RequireTLS:  v.GetBool(flagSMTPRequireTLS),
		},
	}
}
