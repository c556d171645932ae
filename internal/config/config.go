package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where the config file is searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/oneidp/config.yaml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "ONEIDP_CONFIG"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Bot           BotConfig           `koanf:"bot"`
	SSOClient     SSOClientConfig     `koanf:"sso_client"`
	OAuthProvider OAuthProviderConfig `koanf:"oauth_provider"`
	OAuthClients  []OAuthClient       `koanf:"oauth_clients"`
	Binding       BindingConfig       `koanf:"binding"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `koanf:"host"`
	Port         string        `koanf:"port"`
	ExternalURL  string        `koanf:"external_url"`
	SecretKey    string        `koanf:"secret_key"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `koanf:"host"`
	Port            string        `koanf:"port"`
	User            string        `koanf:"user"`
	Password        string        `koanf:"password"`
	Database        string        `koanf:"database"`
	SSLMode         string        `koanf:"sslmode"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// BotConfig holds the OneBot transport and command dispatcher
// configuration. Client and server modes can run concurrently.
type BotConfig struct {
	WSClientEnabled     bool   `koanf:"ws_client_enabled"`
	WSClientURL         string `koanf:"ws_client_url"`
	WSClientAccessToken string `koanf:"ws_client_access_token"`

	WSServerEnabled     bool   `koanf:"ws_server_enabled"`
	WSServerHost        string `koanf:"ws_server_host"`
	WSServerPort        int    `koanf:"ws_server_port"`
	WSServerAccessToken string `koanf:"ws_server_access_token"`

	CommandPrefix string  `koanf:"command_prefix"`
	AllowedGroups []int64 `koanf:"allowed_groups"`
}

// SSOClientConfig configures the upstream OIDC provider that chat
// users bind their accounts against.
type SSOClientConfig struct {
	Enabled          bool   `koanf:"enabled"`
	ProviderName     string `koanf:"provider_name"`
	UseWellKnown     bool   `koanf:"use_wellknown"`
	WellKnownURL     string `koanf:"wellknown_url"`
	AuthorizationURL string `koanf:"authorization_url"`
	TokenURL         string `koanf:"token_url"`
	UserinfoURL      string `koanf:"userinfo_url"`
	ClientID         string `koanf:"client_id"`
	ClientSecret     string `koanf:"client_secret"`
	RedirectURI      string `koanf:"redirect_uri"`
	Scope            string `koanf:"scope"`
}

// OAuthProviderConfig configures the authorization-server role.
// Expiry values are seconds.
type OAuthProviderConfig struct {
	Enabled                bool   `koanf:"enabled"`
	Issuer                 string `koanf:"issuer"`
	AuthCodeExpire         int    `koanf:"auth_code_expire"`
	AccessTokenExpire      int    `koanf:"access_token_expire"`
	RefreshTokenExpire     int    `koanf:"refresh_token_expire"`
	VerificationCodeLength int    `koanf:"verification_code_length"`
	VerificationCodeExpire int    `koanf:"verification_code_expire"`
}

// OAuthClient is a relying party declared in the config file. There is
// no dynamic registration.
type OAuthClient struct {
	ClientID      string   `koanf:"client_id"`
	ClientSecret  string   `koanf:"client_secret"`
	Name          string   `koanf:"name"`
	RedirectURIs  []string `koanf:"redirect_uris"`
	AllowedScopes []string `koanf:"allowed_scopes"`
}

// BindingConfig controls what the bind flow stores.
type BindingConfig struct {
	StoredFields   []string `koanf:"stored_fields"`
	StoreBindTime  bool     `koanf:"store_bind_time"`
	BindLinkExpire int      `koanf:"bind_link_expire"`
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string  `koanf:"log_level"`
	LogFormat      string  `koanf:"log_format"`
	OTELEnabled    bool    `koanf:"otel_enabled"`
	ServiceName    string  `koanf:"service_name"`
	ServiceVersion string  `koanf:"service_version"`
	SamplingRate   float64 `koanf:"sampling_rate"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         "8000",
			ExternalURL:  "http://localhost:8000",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            "5432",
			User:            "oneidp",
			Database:        "oneidp",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Bot: BotConfig{
			WSClientURL:   "ws://127.0.0.1:6700",
			WSServerHost:  "0.0.0.0",
			WSServerPort:  8001,
			CommandPrefix: "/sso",
		},
		SSOClient: SSOClientConfig{
			Enabled:      true,
			ProviderName: "SSO",
			RedirectURI:  "http://localhost:8000/callback",
			Scope:        "openid email profile",
		},
		OAuthProvider: OAuthProviderConfig{
			Enabled:                true,
			Issuer:                 "http://localhost:8000",
			AuthCodeExpire:         300,
			AccessTokenExpire:      3600,
			RefreshTokenExpire:     86400 * 30,
			VerificationCodeLength: 6,
			VerificationCodeExpire: 300,
		},
		Binding: BindingConfig{
			StoredFields:   []string{"sub", "email", "preferred_username"},
			StoreBindTime:  true,
			BindLinkExpire: 300,
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			ServiceName:    "oneidp",
			ServiceVersion: "0.1.0",
			SamplingRate:   1.0,
		},
	}
}

// Load loads configuration with layered sources: struct defaults, then
// the YAML config file, then ONEIDP_* environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := FindConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// ONEIDP_SERVER_PORT -> server.port, ONEIDP_BOT_COMMAND_PREFIX -> bot.command_prefix
	envProvider := env.Provider("ONEIDP_", ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, "ONEIDP_"))
		for _, section := range []string{"server", "database", "bot", "sso_client", "oauth_provider", "binding", "observability"} {
			if strings.HasPrefix(s, section+"_") {
				return section + "." + strings.TrimPrefix(s, section+"_")
			}
		}
		return s
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// FindConfigFile returns the first existing config file path, or "".
func FindConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var scopeTokenRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// normalize fills derived values: the server secret key when unset and
// the mandatory "uin" scope on every registered client.
func (c *Config) normalize() {
	if c.Server.SecretKey == "" {
		c.Server.SecretKey = generateSecretKey()
	}
	for i := range c.OAuthClients {
		client := &c.OAuthClients[i]
		if client.Name == "" {
			client.Name = "Unnamed application"
		}
		hasUin := false
		for _, s := range client.AllowedScopes {
			if s == "uin" {
				hasUin = true
				break
			}
		}
		if !hasUin {
			client.AllowedScopes = append([]string{"uin"}, client.AllowedScopes...)
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Password == "" {
		return fmt.Errorf("database.password is required")
	}
	if c.OAuthProvider.Enabled && c.OAuthProvider.Issuer == "" {
		return fmt.Errorf("oauth_provider.issuer is required")
	}
	if c.SSOClient.Enabled {
		if c.SSOClient.ClientID == "" {
			return fmt.Errorf("sso_client.client_id is required when sso_client is enabled")
		}
		if c.SSOClient.UseWellKnown && c.SSOClient.WellKnownURL == "" {
			return fmt.Errorf("sso_client.wellknown_url is required when use_wellknown is set")
		}
		if !c.SSOClient.UseWellKnown && (c.SSOClient.AuthorizationURL == "" || c.SSOClient.TokenURL == "") {
			return fmt.Errorf("sso_client requires authorization_url and token_url when not using discovery")
		}
	}
	seen := make(map[string]bool, len(c.OAuthClients))
	for _, client := range c.OAuthClients {
		if client.ClientID == "" {
			return fmt.Errorf("oauth_clients entries require a client_id")
		}
		if seen[client.ClientID] {
			return fmt.Errorf("duplicate oauth client_id %q", client.ClientID)
		}
		seen[client.ClientID] = true
		for _, s := range client.AllowedScopes {
			if !scopeTokenRe.MatchString(s) {
				return fmt.Errorf("oauth client %q: invalid scope token %q", client.ClientID, s)
			}
		}
	}
	return nil
}

// ClientByID finds a registered relying party by client_id.
func (c *Config) ClientByID(clientID string) *OAuthClient {
	for i := range c.OAuthClients {
		if c.OAuthClients[i].ClientID == clientID {
			return &c.OAuthClients[i]
		}
	}
	return nil
}

func generateSecretKey() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("config: crypto/rand unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// WriteDefault writes a commented default config file, used on first
// run when no config file exists.
func WriteDefault(path string) error {
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o600)
}

const defaultConfigYAML = `# OneIDP configuration.
# Every scalar can be overridden with ONEIDP_<SECTION>_<KEY> environment variables.
server:
  host: 0.0.0.0
  port: "8000"
  external_url: http://localhost:8000
  # Generated per process when empty. Set a stable value so issued
  # ID tokens survive restarts.
  secret_key: ""

database:
  host: localhost
  port: "5432"
  user: oneidp
  password: ""
  database: oneidp
  sslmode: disable

bot:
  ws_client_enabled: false
  ws_client_url: ws://127.0.0.1:6700
  ws_client_access_token: ""
  ws_server_enabled: true
  ws_server_host: 0.0.0.0
  ws_server_port: 8001
  ws_server_access_token: ""
  command_prefix: /sso
  allowed_groups: []

sso_client:
  enabled: true
  provider_name: SSO
  use_wellknown: false
  wellknown_url: ""
  authorization_url: https://sso.example.com/application/o/authorize/
  token_url: https://sso.example.com/application/o/token/
  userinfo_url: https://sso.example.com/application/o/userinfo/
  client_id: ""
  client_secret: ""
  redirect_uri: http://localhost:8000/callback
  scope: openid email profile

oauth_provider:
  enabled: true
  issuer: http://localhost:8000
  auth_code_expire: 300
  access_token_expire: 3600
  refresh_token_expire: 2592000
  verification_code_length: 6
  verification_code_expire: 300

oauth_clients:
  - client_id: example_client_id
    client_secret: example_client_secret_change_me
    name: Example application
    redirect_uris:
      - http://localhost:3000/callback
    allowed_scopes: [uin, openid, email, preferred_username]

binding:
  stored_fields: [sub, email, preferred_username]
  store_bind_time: true
  bind_link_expire: 300

observability:
  log_level: info
  log_format: json
  otel_enabled: false
  service_name: oneidp
`
