// Package auth implements the gateway's admission control: trust modes for
// local versus external callers, bearer tokens, and API keys.
package auth

import (
	"net"
	"net/http"
	"strings"

	"github.com/pbmcp/pbmcp/pkg/errors"
	"github.com/pbmcp/pbmcp/pkg/logger"
)

// Mode selects how requests are admitted.
type Mode string

// Supported auth modes.
const (
	// ModeLocalTrusted admits any caller whose source address is loopback
	// or private.
	ModeLocalTrusted Mode = "local-trusted"
	// ModeExternalSecure requires a valid API key or bearer token.
	ModeExternalSecure Mode = "external-secure"
	// ModeDual applies local-trusted rules to local callers and
	// external-secure rules to everyone else.
	ModeDual Mode = "dual"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLocalTrusted, ModeExternalSecure, ModeDual:
		return Mode(s), nil
	case "":
		return ModeDual, nil
	default:
		return "", errors.Newf(errors.CodeBadRequest, "unknown auth mode %q", s)
	}
}

// Identity describes an admitted caller.
type Identity struct {
	UserID      string
	Permissions []string
	// Local is set when the caller was admitted purely on source address.
	Local bool
}

// Authenticator admits requests according to the configured mode.
type Authenticator struct {
	mode   Mode
	tokens *TokenStore
	keys   *KeyStore
}

// NewAuthenticator wires the stores behind a mode.
func NewAuthenticator(mode Mode, tokens *TokenStore, keys *KeyStore) *Authenticator {
	return &Authenticator{mode: mode, tokens: tokens, keys: keys}
}

// Mode returns the configured admission mode.
func (a *Authenticator) Mode() Mode {
	return a.mode
}

// Tokens returns the backing token store.
func (a *Authenticator) Tokens() *TokenStore {
	return a.tokens
}

// Keys returns the backing API key store.
func (a *Authenticator) Keys() *KeyStore {
	return a.keys
}

// Authenticate admits or rejects a request. Local callers pass in
// local-trusted and dual modes; everything else needs a credential.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	local := IsPrivateIP(clientIP(r))

	switch a.mode {
	case ModeLocalTrusted:
		if local {
			return &Identity{UserID: "local", Permissions: []string{"*"}, Local: true}, nil
		}
		return nil, errors.New(errors.CodeForbidden, "remote access is disabled")
	case ModeDual:
		if local {
			return &Identity{UserID: "local", Permissions: []string{"*"}, Local: true}, nil
		}
		fallthrough
	case ModeExternalSecure:
		return a.authenticateCredential(r)
	default:
		return nil, errors.Newf(errors.CodeInternal, "unknown auth mode %q", a.mode)
	}
}

func (a *Authenticator) authenticateCredential(r *http.Request) (*Identity, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		rec, err := a.keys.Validate(key)
		if err != nil {
			return nil, err
		}
		return &Identity{UserID: rec.Name, Permissions: rec.Permissions}, nil
	}

	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		info, err := a.tokens.Validate(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			return nil, err
		}
		return &Identity{UserID: info.UserID, Permissions: info.Permissions}, nil
	}

	return nil, errors.New(errors.CodeUnauthorized, "missing credentials")
}

// clientIP strips the port from RemoteAddr, honoring X-Forwarded-For only
// when the immediate peer is local.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" && IsPrivateIP(host) {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	return host
}

// ClientIP exposes the resolved client address for rate-limit bucketing.
func ClientIP(r *http.Request) string {
	return clientIP(r)
}

// IsPrivateIP reports whether the address is loopback, RFC1918, or RFC4193.
func IsPrivateIP(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		logger.Debugf("Unparseable client address %q treated as remote", addr)
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
