// Package auth implements the two supported authentication modes: a
// loopback-only trusted-local mode and a shared-bearer-token mode.
package auth

import (
	"net"
	"net/http"
	"strings"

	"github.com/ralph-run/ralph-api/internal/protocol"
	"github.com/ralph-run/ralph-api/internal/rpcerr"
)

// Principal identifies the caller a request was authenticated as.
type Principal struct {
	Mode string
	ID   string
}

// Mode is one of the two supported authentication modes.
type Mode string

const (
	ModeTrustedLocal Mode = "trusted_local"
	ModeSharedToken  Mode = "token"
)

// TrustedLocalPrincipalID is the fixed principal every loopback caller is
// authenticated as under trusted-local mode.
const TrustedLocalPrincipalID = "trusted_local"

// Authenticator authenticates an inbound HTTP request carrying a parsed
// rpc-v1 request envelope.
type Authenticator interface {
	Authenticate(r *http.Request, req *protocol.Request) (*Principal, *rpcerr.Error)
	Mode() Mode
}

// TrustedLocalAuthenticator accepts only requests whose remote address is
// loopback, regardless of any bearer token present.
type TrustedLocalAuthenticator struct{}

// NewTrustedLocalAuthenticator constructs a TrustedLocalAuthenticator.
func NewTrustedLocalAuthenticator() *TrustedLocalAuthenticator {
	return &TrustedLocalAuthenticator{}
}

func (a *TrustedLocalAuthenticator) Mode() Mode { return ModeTrustedLocal }

func (a *TrustedLocalAuthenticator) Authenticate(r *http.Request, req *protocol.Request) (*Principal, *rpcerr.Error) {
	if !isLoopback(r.RemoteAddr) {
		return nil, rpcerr.Unauthorizedf("trusted-local mode only accepts loopback connections")
	}
	return &Principal{Mode: string(ModeTrustedLocal), ID: TrustedLocalPrincipalID}, nil
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// TokenAuthenticator requires a bearer token matching one of the configured
// shared tokens, extracted from the Authorization header (case-insensitive
// "Bearer" scheme) or, failing that, from the request's meta.auth.token.
type TokenAuthenticator struct {
	tokens map[string]struct{}
}

// NewTokenAuthenticator constructs a TokenAuthenticator accepting any of the
// given shared tokens.
func NewTokenAuthenticator(tokens []string) *TokenAuthenticator {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return &TokenAuthenticator{tokens: set}
}

func (a *TokenAuthenticator) Mode() Mode { return ModeSharedToken }

func (a *TokenAuthenticator) Authenticate(r *http.Request, req *protocol.Request) (*Principal, *rpcerr.Error) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" && req != nil && req.Meta != nil && req.Meta.Auth != nil {
		token = req.Meta.Auth.Token
	}
	if token == "" {
		return nil, rpcerr.Unauthorizedf("missing bearer token")
	}
	if _, ok := a.tokens[token]; !ok {
		return nil, rpcerr.Unauthorizedf("bearer token not recognized")
	}
	// The principal is the accepted bearer token itself: the stream
	// transport compares it against a subscription's stored principal to
	// prevent cross-tenant hijack of another caller's subscription.
	return &Principal{Mode: string(ModeSharedToken), ID: token}, nil
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	const prefix = "bearer "
	if len(header) <= len(prefix) {
		return ""
	}
	if !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// Config is the subset of the daemon's auth configuration needed to build
// an Authenticator.
type Config struct {
	Mode   Mode
	Tokens []string
}

// NewAuthenticator builds the Authenticator named by cfg.Mode.
func NewAuthenticator(cfg Config) (Authenticator, error) {
	switch cfg.Mode {
	case ModeTrustedLocal:
		return NewTrustedLocalAuthenticator(), nil
	case ModeSharedToken:
		if len(cfg.Tokens) == 0 {
			return nil, rpcerr.ConfigInvalidf("token mode requires at least one configured token")
		}
		return NewTokenAuthenticator(cfg.Tokens), nil
	default:
		return nil, rpcerr.ConfigInvalidf("unknown auth mode '%s'", cfg.Mode)
	}
}
