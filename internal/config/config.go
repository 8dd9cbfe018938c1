package config

import "time"

// Config is the shared configuration for all three services. One file, one
// env prefix; each service reads the sections it needs.
type Config struct {
	Redis      RedisConfig      `json:"redis"`
	Transport  TransportConfig  `json:"transport"`
	Gateway    GatewayConfig    `json:"gateway"`
	Classifier ClassifierConfig `json:"classifier"`
	Helpdesk   HelpdeskConfig   `json:"helpdesk"`
	Alerts     AlertsConfig     `json:"alerts"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
	Tailscale  TailscaleConfig  `json:"tailscale"`
	LogLevel   string           `json:"log_level"`
}

// RedisConfig locates the shared bus and store.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // env only, never persisted
	DB       int    `json:"db"`
}

// TransportConfig drives the WhatsApp bridge connection.
type TransportConfig struct {
	BridgeURL        string `json:"bridge_url"`
	SessionDir       string `json:"session_dir"`
	SessionName      string `json:"session_name"`
	PrintQR          bool   `json:"print_qr"`
	MarkOnline       bool   `json:"mark_online"`
	KeepaliveSec     int    `json:"keepalive_sec"`
	QueryTimeoutSec  int    `json:"query_timeout_sec"`
	ReconnectMaxTry  int    `json:"reconnect_max_try"`
	ReconnectBaseSec int    `json:"reconnect_base_sec"`
}

// GatewayConfig covers inbound normalization and outbound delivery.
type GatewayConfig struct {
	HTTPAddr        string  `json:"http_addr"`
	AdminToken      string  `json:"admin_token,omitempty"` // env only
	MediaDir        string  `json:"media_dir"`
	LogDir          string  `json:"log_dir"`
	TemplateDir     string  `json:"template_dir"`
	SendRatePerSec  float64 `json:"send_rate_per_sec"` // global pacer across destinations
	SpamBlockScore  int     `json:"spam_block_score"`  // 0 keeps the spam filter observational
	MaxImageEdgePx  int     `json:"max_image_edge_px"` // inbound images above this get downscaled
	DisableMediaDL  bool    `json:"disable_media_dl"`
	SelfJID         string  `json:"self_jid,omitempty"` // learned at connect when empty
	DefaultCountry  string  `json:"default_country"`    // prefix for bare local numbers
	SchedulerEvery  int     `json:"scheduler_every_sec"`
	TemplateReloads bool    `json:"template_reloads"`
}

// LLMConfig selects one classifier model.
type LLMConfig struct {
	APIKey    string  `json:"api_key,omitempty"` // env only
	Model     string  `json:"model"`
	MaxTokens int     `json:"max_tokens"`
	Temp      float64 `json:"temperature"`
}

// ClassifierConfig drives threading and consensus classification.
type ClassifierConfig struct {
	HTTPAddr   string    `json:"http_addr"`
	BotJID     string    `json:"bot_jid"` // identity for quoted-reply threading
	Primary    LLMConfig `json:"primary"`
	Secondary  LLMConfig `json:"secondary"`
	TimeoutSec int       `json:"timeout_sec"`
}

// HelpdeskConfig drives ticket creation against the helpdesk REST API.
type HelpdeskConfig struct {
	BaseURL            string `json:"base_url"`
	AccountsURL        string `json:"accounts_url"`
	ClientID           string `json:"client_id,omitempty"`     // env only
	ClientSecret       string `json:"client_secret,omitempty"` // env only
	RedirectURI        string `json:"redirect_uri"`
	OrgID              string `json:"org_id"`
	DepartmentID       string `json:"department_id"`
	TokenPath          string `json:"token_path"`
	ContactsDB         string `json:"contacts_db"`
	HTTPAddr           string `json:"http_addr"`
	BreakerFailures    int    `json:"breaker_failures"`
	BreakerCooldownSec int    `json:"breaker_cooldown_sec"`
	RecoveryTimeoutSec int    `json:"recovery_timeout_sec"`
}

// AlertsConfig wires critical-error notifications to an ops chat.
type AlertsConfig struct {
	TelegramToken string `json:"telegram_token,omitempty"` // env only
	TelegramChat  int64  `json:"telegram_chat"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"service_name"`
	Insecure    bool   `json:"insecure"`
}

// TailscaleConfig embeds the admin listeners into a tailnet (tsnet builds).
type TailscaleConfig struct {
	Hostname string `json:"hostname"`
	AuthKey  string `json:"auth_key,omitempty"` // env only
	StateDir string `json:"state_dir"`
}

// Keepalive returns the bridge ping interval.
func (t TransportConfig) Keepalive() time.Duration {
	if t.KeepaliveSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(t.KeepaliveSec) * time.Second
}

// QueryTimeout returns the bridge request timeout.
func (t TransportConfig) QueryTimeout() time.Duration {
	if t.QueryTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(t.QueryTimeoutSec) * time.Second
}

// ReconnectBase returns the first reconnect delay.
func (t TransportConfig) ReconnectBase() time.Duration {
	if t.ReconnectBaseSec <= 0 {
		return time.Second
	}
	return time.Duration(t.ReconnectBaseSec) * time.Second
}

// SchedulerTick returns how often the gateway sweeps its retry, parked and
// recurring queues.
func (g GatewayConfig) SchedulerTick() time.Duration {
	if g.SchedulerEvery <= 0 {
		return 5 * time.Second
	}
	return time.Duration(g.SchedulerEvery) * time.Second
}

// SendRate returns the global outbound pacer rate.
func (g GatewayConfig) SendRate() float64 {
	if g.SendRatePerSec <= 0 {
		return 1
	}
	return g.SendRatePerSec
}

// Timeout returns the per-model classification deadline.
func (c ClassifierConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// BreakerCooldown returns how long the circuit stays open before probing.
func (h HelpdeskConfig) BreakerCooldown() time.Duration {
	if h.BreakerCooldownSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(h.BreakerCooldownSec) * time.Second
}

// RecoveryTimeout bounds the half-open probe call.
func (h HelpdeskConfig) RecoveryTimeout() time.Duration {
	if h.RecoveryTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(h.RecoveryTimeoutSec) * time.Second
}
