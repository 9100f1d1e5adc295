package auth

import (
	"errors"
	"sync"

	"github.com/golang/glog"

	"github.com/Dancode-188/synckit/docsync/internal/permission"
)

// TokenProvider holds the session's current access token and reports it as
// an authentication snapshot. Verification happens on every Snapshot so an
// expiry is noticed without a refresh timer.
type TokenProvider struct {
	secret string

	mu    sync.RWMutex
	token string
	guest bool
}

// NewTokenProvider returns a provider verifying tokens with secret.
func NewTokenProvider(secret string) *TokenProvider {
	return &TokenProvider{secret: secret}
}

// SetToken installs a new access token.
func (p *TokenProvider) SetToken(token string) {
	p.mu.Lock()
	p.token = token
	p.guest = false
	p.mu.Unlock()
}

// SetGuest switches to anonymous browsing.
func (p *TokenProvider) SetGuest() {
	p.mu.Lock()
	p.token = ""
	p.guest = true
	p.mu.Unlock()
}

// Clear logs out.
func (p *TokenProvider) Clear() {
	p.mu.Lock()
	p.token = ""
	p.guest = false
	p.mu.Unlock()
}

// Token returns the raw access token, for transports that forward it.
func (p *TokenProvider) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

// Snapshot implements permission.AuthProvider.
func (p *TokenProvider) Snapshot() permission.Auth {
	p.mu.RLock()
	token, guest := p.token, p.guest
	p.mu.RUnlock()

	if guest {
		return permission.Auth{CurrentUser: permission.Guest}
	}
	if token == "" {
		return permission.Auth{}
	}

	payload, err := VerifyToken(token, p.secret)
	switch {
	case err == nil:
		return permission.Auth{CurrentUser: payload.Account, Authenticated: true}
	case errors.Is(err, ErrExpiredToken):
		// Still identifies the account; the gate refuses on Expired.
		if claims, derr := DecodeTokenWithoutVerification(token); derr == nil {
			return permission.Auth{CurrentUser: claims.Account, Authenticated: true, Expired: true}
		}
	default:
		glog.V(2).Infof("auth: discarding unverifiable token: %v", err)
	}
	return permission.Auth{}
}
