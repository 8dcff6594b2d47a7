// Package apiconfig loads the daemon's own startup configuration: listen
// address, auth mode, idempotency retention, and the workspace root every
// domain is rooted at. Values come from environment variables via viper,
// mirroring the way the teacher's labelmutex package reads a config.yaml
// through a scoped viper instance rather than the global singleton.
package apiconfig

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/viper"

	"github.com/ralph-run/ralph-api/internal/auth"
	"github.com/ralph-run/ralph-api/internal/rpcerr"
)

// Config is the daemon's fully resolved startup configuration.
type Config struct {
	Host                  string
	Port                  int
	ServedBy              string
	AuthMode              auth.Mode
	Tokens                []string
	IdempotencyTTLSecs    int
	WorkspaceRoot         string
	LoopProcessIntervalMs uint64
	RalphCommand          string
}

// Addr returns the host:port the HTTP listener should bind.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// Load resolves a Config from environment variables, applying the same
// defaults the original daemon ships with. workspaceRoot is the directory
// the command was invoked against (the cwd, or a --workspace flag upstream).
func Load(workspaceRoot string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RALPH_API")
	v.AutomaticEnv()

	v.SetDefault("HOST", "127.0.0.1")
	v.SetDefault("PORT", 8787)
	v.SetDefault("SERVED_BY", "ralph-apid")
	v.SetDefault("AUTH_MODE", string(auth.ModeTrustedLocal))
	v.SetDefault("IDEMPOTENCY_TTL_SECS", 600)
	v.SetDefault("WORKSPACE_ROOT", workspaceRoot)
	v.SetDefault("LOOP_PROCESS_INTERVAL_MS", 5000)
	v.SetDefault("RALPH_COMMAND", "ralph")

	cfg := Config{
		Host:                  v.GetString("HOST"),
		Port:                  v.GetInt("PORT"),
		ServedBy:              v.GetString("SERVED_BY"),
		AuthMode:              auth.Mode(v.GetString("AUTH_MODE")),
		IdempotencyTTLSecs:    v.GetInt("IDEMPOTENCY_TTL_SECS"),
		WorkspaceRoot:         v.GetString("WORKSPACE_ROOT"),
		LoopProcessIntervalMs: v.GetUint64("LOOP_PROCESS_INTERVAL_MS"),
		RalphCommand:          v.GetString("RALPH_COMMAND"),
	}

	if token := v.GetString("TOKEN"); token != "" {
		for _, t := range strings.Split(token, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				cfg.Tokens = append(cfg.Tokens, t)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the startup invariants the runtime depends on: a shared
// token mode needs at least one configured token, and trusted-local mode
// only makes sense bound to a loopback address.
func (c Config) Validate() error {
	switch c.AuthMode {
	case auth.ModeTrustedLocal:
		if !isLoopbackHost(c.Host) {
			return rpcerr.ConfigInvalidf("trusted-local auth mode requires a loopback host, got '%s'", c.Host)
		}
	case auth.ModeSharedToken:
		if len(c.Tokens) == 0 {
			return rpcerr.ConfigInvalidf("token auth mode requires RALPH_API_TOKEN to be set")
		}
	default:
		return rpcerr.ConfigInvalidf("unknown auth mode '%s'", c.AuthMode)
	}

	if c.IdempotencyTTLSecs <= 0 {
		return rpcerr.ConfigInvalidf("idempotency TTL must be positive, got %d", c.IdempotencyTTLSecs)
	}
	if c.WorkspaceRoot == "" {
		return rpcerr.ConfigInvalidf("workspace root must not be empty")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if trimmed == "localhost" {
		return true
	}
	ip := net.ParseIP(trimmed)
	return ip != nil && ip.IsLoopback()
}

// AuthConfig projects the fields auth.NewAuthenticator needs out of Config.
func (c Config) AuthConfig() auth.Config {
	return auth.Config{Mode: c.AuthMode, Tokens: c.Tokens}
}
