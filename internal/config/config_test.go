package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
}

const minimalYAML = `
database:
  password: pg-secret
sso_client:
  client_id: oneidp
  authorization_url: https://sso.example.com/authorize
  token_url: https://sso.example.com/token
  userinfo_url: https://sso.example.com/userinfo
oauth_clients:
  - client_id: demo
    client_secret: demo-secret
    redirect_uris: [https://rp.example.com/cb]
    allowed_scopes: [openid, email]
`

// TestPurpose: Loading layers the file over defaults, injects the
// mandatory uin scope, and generates a secret key when unset.
// Scope: Unit Test
func TestLoad(t *testing.T) {
	writeConfig(t, minimalYAML)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	// Defaults survive where the file is silent.
	if cfg.Server.Port != "8000" {
		t.Errorf("expected default port, got %q", cfg.Server.Port)
	}
	if cfg.Bot.CommandPrefix != "/sso" {
		t.Errorf("expected default command prefix, got %q", cfg.Bot.CommandPrefix)
	}

	if cfg.Database.Password != "pg-secret" {
		t.Errorf("file value lost: %q", cfg.Database.Password)
	}

	if cfg.Server.SecretKey == "" {
		t.Error("secret key must be generated when unset")
	}

	client := cfg.ClientByID("demo")
	if client == nil {
		t.Fatal("registered client missing")
	}
	if client.AllowedScopes[0] != "uin" {
		t.Errorf("uin scope must be injected first, got %v", client.AllowedScopes)
	}
	if client.Name != "Unnamed application" {
		t.Errorf("unnamed client must get a placeholder, got %q", client.Name)
	}
}

// TestPurpose: Environment variables override file values with the
// ONEIDP_<SECTION>_<KEY> convention.
// Scope: Unit Test
func TestLoad_EnvOverride(t *testing.T) {
	writeConfig(t, minimalYAML)
	t.Setenv("ONEIDP_SERVER_PORT", "9443")
	t.Setenv("ONEIDP_DATABASE_PASSWORD", "env-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Port != "9443" {
		t.Errorf("env override lost, got %q", cfg.Server.Port)
	}
	if cfg.Database.Password != "env-secret" {
		t.Errorf("env override lost, got %q", cfg.Database.Password)
	}
}

// TestPurpose: Validation rejects incomplete or contradictory
// configurations with a pointed message.
// Scope: Unit Test
func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"missing db password",
			func(c *Config) { c.Database.Password = "" },
			"database.password",
		},
		{
			"sso without client_id",
			func(c *Config) { c.SSOClient.ClientID = "" },
			"sso_client.client_id",
		},
		{
			"discovery without url",
			func(c *Config) { c.SSOClient.UseWellKnown = true; c.SSOClient.WellKnownURL = "" },
			"wellknown_url",
		},
		{
			"duplicate client ids",
			func(c *Config) {
				c.OAuthClients = append(c.OAuthClients, OAuthClient{ClientID: "demo"})
			},
			"duplicate oauth client_id",
		},
		{
			"scope with spaces",
			func(c *Config) { c.OAuthClients[0].AllowedScopes = []string{"openid profile"} },
			"invalid scope token",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			cfg.Database.Password = "x"
			cfg.SSOClient.ClientID = "oneidp"
			cfg.SSOClient.AuthorizationURL = "https://sso.example.com/authorize"
			cfg.SSOClient.TokenURL = "https://sso.example.com/token"
			cfg.OAuthClients = []OAuthClient{{
				ClientID:      "demo",
				AllowedScopes: []string{"openid"},
			}}

			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

// TestPurpose: The generated first-run template is itself a loadable
// configuration once the required secrets are filled in.
// Scope: Unit Test
func TestWriteDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("ONEIDP_DATABASE_PASSWORD", "x")
	t.Setenv("ONEIDP_SSO_CLIENT_CLIENT_ID", "oneidp")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("template does not load: %v", err)
	}
	if cfg.OAuthProvider.VerificationCodeLength != 6 {
		t.Errorf("unexpected verification code length %d", cfg.OAuthProvider.VerificationCodeLength)
	}
}
