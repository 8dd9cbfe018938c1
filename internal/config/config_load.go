package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults. Everything here can run
// against a local Redis and bridge with no config file at all.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Transport: TransportConfig{
			BridgeURL:        "ws://127.0.0.1:3000",
			SessionDir:       "session",
			SessionName:      "default",
			PrintQR:          true,
			MarkOnline:       true,
			KeepaliveSec:     30,
			QueryTimeoutSec:  60,
			ReconnectMaxTry:  10,
			ReconnectBaseSec: 1,
		},
		Gateway: GatewayConfig{
			HTTPAddr:        "127.0.0.1:8081",
			MediaDir:        "media",
			LogDir:          "logs",
			TemplateDir:     "templates",
			SendRatePerSec:  1,
			MaxImageEdgePx:  2048,
			DefaultCountry:  "52",
			SchedulerEvery:  5,
			TemplateReloads: true,
		},
		Classifier: ClassifierConfig{
			HTTPAddr: "127.0.0.1:8082",
			Primary: LLMConfig{
				Model:     "claude-sonnet-4-5-20250929",
				MaxTokens: 1024,
				Temp:      0,
			},
			Secondary: LLMConfig{
				Model:     "gpt-4o-mini",
				MaxTokens: 1024,
				Temp:      0,
			},
			TimeoutSec: 30,
		},
		Helpdesk: HelpdeskConfig{
			BaseURL:            "https://desk.zoho.com/api/v1",
			AccountsURL:        "https://accounts.zoho.com",
			RedirectURI:        "http://localhost:8085/callback",
			TokenPath:          "helpdesk_token.json",
			ContactsDB:         "contacts.db",
			HTTPAddr:           "127.0.0.1:8083",
			BreakerFailures:    5,
			BreakerCooldownSec: 30,
			RecoveryTimeoutSec: 60,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "mesabot",
		},
		LogLevel: "info",
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is fine: defaults plus env cover the common deployments.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values. Secrets are env-only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("MESABOT_REDIS_ADDR", &c.Redis.Addr)
	envStr("MESABOT_REDIS_PASSWORD", &c.Redis.Password)
	envInt("MESABOT_REDIS_DB", &c.Redis.DB)

	envStr("MESABOT_BRIDGE_URL", &c.Transport.BridgeURL)
	envStr("MESABOT_SESSION_DIR", &c.Transport.SessionDir)
	envStr("MESABOT_SESSION_NAME", &c.Transport.SessionName)
	envBool("MESABOT_PRINT_QR", &c.Transport.PrintQR)
	envBool("MESABOT_MARK_ONLINE", &c.Transport.MarkOnline)
	envInt("MESABOT_KEEPALIVE_SEC", &c.Transport.KeepaliveSec)
	envInt("MESABOT_QUERY_TIMEOUT_SEC", &c.Transport.QueryTimeoutSec)

	envStr("MESABOT_GATEWAY_HTTP_ADDR", &c.Gateway.HTTPAddr)
	envStr("MESABOT_ADMIN_TOKEN", &c.Gateway.AdminToken)
	envStr("MESABOT_MEDIA_DIR", &c.Gateway.MediaDir)
	envStr("MESABOT_LOG_DIR", &c.Gateway.LogDir)
	envStr("MESABOT_TEMPLATE_DIR", &c.Gateway.TemplateDir)
	envStr("MESABOT_SELF_JID", &c.Gateway.SelfJID)
	envStr("MESABOT_DEFAULT_COUNTRY", &c.Gateway.DefaultCountry)
	envInt("MESABOT_SPAM_BLOCK_SCORE", &c.Gateway.SpamBlockScore)

	envStr("MESABOT_CLASSIFIER_HTTP_ADDR", &c.Classifier.HTTPAddr)
	envStr("MESABOT_BOT_JID", &c.Classifier.BotJID)
	envStr("MESABOT_ANTHROPIC_API_KEY", &c.Classifier.Primary.APIKey)
	envStr("MESABOT_CLASSIFIER_PRIMARY_MODEL", &c.Classifier.Primary.Model)
	envStr("MESABOT_OPENAI_API_KEY", &c.Classifier.Secondary.APIKey)
	envStr("MESABOT_CLASSIFIER_SECONDARY_MODEL", &c.Classifier.Secondary.Model)
	envInt("MESABOT_CLASSIFIER_TIMEOUT_SEC", &c.Classifier.TimeoutSec)
	// Bare provider keys work too, matching what the SDKs document.
	if c.Classifier.Primary.APIKey == "" {
		envStr("ANTHROPIC_API_KEY", &c.Classifier.Primary.APIKey)
	}
	if c.Classifier.Secondary.APIKey == "" {
		envStr("OPENAI_API_KEY", &c.Classifier.Secondary.APIKey)
	}

	envStr("MESABOT_HELPDESK_BASE_URL", &c.Helpdesk.BaseURL)
	envStr("MESABOT_HELPDESK_ACCOUNTS_URL", &c.Helpdesk.AccountsURL)
	envStr("MESABOT_HELPDESK_CLIENT_ID", &c.Helpdesk.ClientID)
	envStr("MESABOT_HELPDESK_CLIENT_SECRET", &c.Helpdesk.ClientSecret)
	envStr("MESABOT_HELPDESK_REDIRECT_URI", &c.Helpdesk.RedirectURI)
	envStr("MESABOT_HELPDESK_ORG_ID", &c.Helpdesk.OrgID)
	envStr("MESABOT_HELPDESK_DEPARTMENT_ID", &c.Helpdesk.DepartmentID)
	envStr("MESABOT_HELPDESK_TOKEN_PATH", &c.Helpdesk.TokenPath)
	envStr("MESABOT_HELPDESK_CONTACTS_DB", &c.Helpdesk.ContactsDB)
	envStr("MESABOT_TICKETER_HTTP_ADDR", &c.Helpdesk.HTTPAddr)
	envInt("MESABOT_BREAKER_FAILURES", &c.Helpdesk.BreakerFailures)
	envInt("MESABOT_BREAKER_COOLDOWN_SEC", &c.Helpdesk.BreakerCooldownSec)

	envStr("MESABOT_ALERTS_TELEGRAM_TOKEN", &c.Alerts.TelegramToken)
	if v := os.Getenv("MESABOT_ALERTS_TELEGRAM_CHAT"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Alerts.TelegramChat = id
		}
	}

	envBool("MESABOT_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("MESABOT_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("MESABOT_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("MESABOT_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
	if c.Telemetry.Endpoint == "" {
		envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	}

	envStr("MESABOT_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("MESABOT_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("MESABOT_TSNET_DIR", &c.Tailscale.StateDir)

	envStr("MESABOT_LOG_LEVEL", &c.LogLevel)
}
