package gateway

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/clawdis/clawdis/internal/config"
	. "github.com/clawdis/clawdis/internal/logging"
)

// Auth modes.
const (
	AuthNone      = "none"
	AuthToken     = "token"
	AuthPassword  = "password"
	AuthTailscale = "tailscale"
)

// tailscaleLoginHeader is set by the Tailscale serve proxy.
const tailscaleLoginHeader = "Tailscale-User-Login"

// authenticator checks hello credentials against the configured mode.
type authenticator struct {
	mode     string
	token    string
	password string
}

func newAuthenticator(cfg config.AuthConfig) *authenticator {
	mode := cfg.Mode
	if mode == "" {
		mode = AuthNone
	}
	return &authenticator{
		mode:     mode,
		token:    cfg.Token,
		password: cfg.Password,
	}
}

// validateBind refuses unsafe listen configurations: token mode without a
// token on a non-loopback bind would accept anyone.
func (a *authenticator) validateBind(listen string) error {
	if a.mode == AuthToken && a.token == "" && !isLoopbackBind(listen) {
		return fmt.Errorf("gateway: refusing non-loopback bind %q with auth mode token and no token configured", listen)
	}
	return nil
}

// check authenticates a hello frame. Loopback callers bypass auth when the
// mode is none.
func (a *authenticator) check(r *http.Request, hello *HelloFrame) error {
	switch a.mode {
	case AuthNone:
		if isLoopback(r.RemoteAddr) {
			return nil
		}
		// Non-loopback callers need some identity even in none mode; a
		// tailscale proxy header counts.
		if r.Header.Get(tailscaleLoginHeader) != "" {
			return nil
		}
		return fmt.Errorf("unauthorized")

	case AuthToken:
		if hello.Auth == nil || a.token == "" {
			return fmt.Errorf("unauthorized")
		}
		if subtle.ConstantTimeCompare([]byte(hello.Auth.Token), []byte(a.token)) != 1 {
			return fmt.Errorf("unauthorized")
		}
		return nil

	case AuthPassword:
		if hello.Auth == nil || a.password == "" {
			return fmt.Errorf("unauthorized")
		}
		if subtle.ConstantTimeCompare([]byte(hello.Auth.Password), []byte(a.password)) != 1 {
			return fmt.Errorf("unauthorized")
		}
		return nil

	case AuthTailscale:
		login := r.Header.Get(tailscaleLoginHeader)
		if login == "" {
			return fmt.Errorf("unauthorized")
		}
		L_debug("gateway: tailscale identity accepted", "login", login)
		return nil

	default:
		return fmt.Errorf("unknown auth mode %q", a.mode)
	}
}

// isLoopback reports whether a remote address is a direct local caller.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// isLoopbackBind reports whether a listen address only accepts loopback.
func isLoopbackBind(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// clientIP extracts the caller address for logging.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.SplitN(xff, ",", 2)[0]
	}
	return r.RemoteAddr
}
