package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/voxhall/voxhall/internal/config"
)

// Authentication failures. Both map to close code 4401.
var (
	ErrNoToken      = errors.New("auth: no token presented")
	ErrInvalidToken = errors.New("auth: token rejected")
	ErrIPBlocked    = errors.New("auth: client address not allowed")
)

// Authenticator verifies incoming upgrade requests: optional IP allowlist,
// then token verification. Tokens are accepted as a plain shared secret (when
// allowed) or as an HS256 JWT signed with the secret. Read-only after
// construction.
type Authenticator struct {
	cfg        config.AuthConfig
	allowedIPs map[string]struct{}
}

// NewAuthenticator builds an authenticator from the auth and transport
// settings. allowedIPs empty means all addresses are accepted.
func NewAuthenticator(cfg config.AuthConfig, allowedIPs []string) *Authenticator {
	a := &Authenticator{cfg: cfg}
	if len(allowedIPs) > 0 {
		a.allowedIPs = make(map[string]struct{}, len(allowedIPs))
		for _, ip := range allowedIPs {
			ip = strings.TrimSpace(ip)
			if ip != "" {
				a.allowedIPs[ip] = struct{}{}
			}
		}
	}
	return a
}

// Authenticate checks the request's origin address and token.
func (a *Authenticator) Authenticate(r *http.Request) error {
	if err := a.checkIP(r.RemoteAddr); err != nil {
		return err
	}
	if a.cfg.Bypass {
		return nil
	}

	token := TokenFromRequest(r)
	if token == "" {
		return ErrNoToken
	}
	return a.verify(token)
}

func (a *Authenticator) checkIP(remoteAddr string) error {
	if a.allowedIPs == nil {
		return nil
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if _, ok := a.allowedIPs[host]; !ok {
		return fmt.Errorf("%w: %s", ErrIPBlocked, host)
	}
	return nil
}

// verify accepts the plain shared secret (when allowed) or a JWT signed with
// it.
func (a *Authenticator) verify(token string) error {
	if a.cfg.AllowPlain && token == a.cfg.JWTSecret {
		return nil
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}

// TokenFromRequest extracts the client token from the query string, the
// Authorization header, or the WebSocket subprotocol list, in that order.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	for _, proto := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(proto, ",") {
			p = strings.TrimSpace(p)
			if rest, ok := strings.CutPrefix(p, "token."); ok {
				return rest
			}
		}
	}
	return ""
}
