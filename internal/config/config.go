// Package config loads the process configuration from the environment,
// following the teacher's single-struct, constructor-injected pattern:
// no global container, just a *Config passed to whoever needs it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved, typed process configuration.
type Config struct {
	DatabaseURL          string
	DatabaseEncryptionKey string

	AuthBaseURL      string
	OAuthClientID    string
	OAuthScope       string
	OAuthRedirectURI string

	TokenRefreshIntervalDays   int
	TokenRefreshTimeoutSeconds int

	Firewall Firewall

	Dashboard Dashboard

	Image Image

	Gateway Gateway

	RedisURL string

	TLS TLS

	Server Server
}

type Firewall struct {
	TrustProxyHeaders  bool
	TrustedProxyCIDRs  []string
}

type Dashboard struct {
	SetupToken       string
	TOTPSecret       string
	TOTPIssuer       string
	TOTPCodeCacheTTL time.Duration
	SessionTTL       time.Duration
}

type Image struct {
	InlineFetchEnabled bool
	AllowedHosts       []string
	MaxBytes           int64
}

type Gateway struct {
	MaxAccountSwitches int
}

type TLS struct {
	CertFile string
	KeyFile  string
}

type Server struct {
	Addr string
}

const (
	defaultTokenRefreshIntervalDays   = 8
	defaultTokenRefreshTimeoutSeconds = 30
	defaultImageMaxBytes              = 8 << 20 // 8 MiB
	defaultMaxAccountSwitches         = 3
	defaultTOTPCodeCacheTTLSeconds    = 90
	defaultDashboardSessionTTLSeconds = 3600
	defaultServerAddr                 = ":8080"
)

// Load reads configuration from the environment (and optional config file
// search paths), applying the defaults named in spec.md §6.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("token_refresh_interval_days", defaultTokenRefreshIntervalDays)
	v.SetDefault("token_refresh_timeout_seconds", defaultTokenRefreshTimeoutSeconds)
	v.SetDefault("image_inline_max_bytes", defaultImageMaxBytes)
	v.SetDefault("gateway_max_account_switches", defaultMaxAccountSwitches)
	v.SetDefault("totp_code_cache_ttl_seconds", defaultTOTPCodeCacheTTLSeconds)
	v.SetDefault("dashboard_session_ttl_seconds", defaultDashboardSessionTTLSeconds)
	v.SetDefault("server_addr", defaultServerAddr)
	v.SetDefault("oauth_scope", "openid profile email offline_access")

	cfg := &Config{
		DatabaseURL:           v.GetString("database_url"),
		DatabaseEncryptionKey: v.GetString("database_encryption_key"),
		AuthBaseURL:           v.GetString("auth_base_url"),
		OAuthClientID:         v.GetString("oauth_client_id"),
		OAuthScope:            v.GetString("oauth_scope"),
		OAuthRedirectURI:      v.GetString("oauth_redirect_uri"),

		TokenRefreshIntervalDays:   v.GetInt("token_refresh_interval_days"),
		TokenRefreshTimeoutSeconds: v.GetInt("token_refresh_timeout_seconds"),

		Firewall: Firewall{
			TrustProxyHeaders: v.GetBool("firewall_trust_proxy_headers"),
			TrustedProxyCIDRs: splitCSV(v.GetString("firewall_trusted_proxy_cidrs")),
		},

		Dashboard: Dashboard{
			SetupToken:       v.GetString("dashboard_setup_token"),
			TOTPSecret:       v.GetString("totp_secret"),
			TOTPIssuer:       v.GetString("totp_issuer"),
			TOTPCodeCacheTTL: time.Duration(v.GetInt("totp_code_cache_ttl_seconds")) * time.Second,
			SessionTTL:       time.Duration(v.GetInt("dashboard_session_ttl_seconds")) * time.Second,
		},

		Image: Image{
			InlineFetchEnabled: v.GetBool("image_inline_fetch_enabled"),
			AllowedHosts:       splitCSV(v.GetString("image_inline_allowed_hosts")),
			MaxBytes:           v.GetInt64("image_inline_max_bytes"),
		},

		Gateway: Gateway{
			MaxAccountSwitches: v.GetInt("gateway_max_account_switches"),
		},

		RedisURL: v.GetString("redis_url"),

		TLS: TLS{
			CertFile: v.GetString("ssl_certfile"),
			KeyFile:  v.GetString("ssl_keyfile"),
		},

		Server: Server{
			Addr: v.GetString("server_addr"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.TLS.KeyFile != "" && c.TLS.CertFile == "" {
		return fmt.Errorf("config: --ssl-keyfile requires --ssl-certfile")
	}
	if c.TokenRefreshIntervalDays <= 0 {
		c.TokenRefreshIntervalDays = defaultTokenRefreshIntervalDays
	}
	if c.Gateway.MaxAccountSwitches <= 0 {
		c.Gateway.MaxAccountSwitches = defaultMaxAccountSwitches
	}
	if c.Image.MaxBytes <= 0 {
		c.Image.MaxBytes = defaultImageMaxBytes
	}
	return nil
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
