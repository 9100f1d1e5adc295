package auth

import (
	"testing"
	"time"

	"github.com/Dancode-188/synckit/docsync/internal/permission"
)

func TestTokenProvider_Snapshot(t *testing.T) {
	valid, err := GenerateAccessToken("alice", "", testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	expired, err := GenerateAccessToken("alice", "", testSecret, -time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	forged, err := GenerateAccessToken("alice", "", "a-different-secret-that-is-also-at-least-32-chars", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		setup func(p *TokenProvider)
		want  permission.Auth
	}{
		{"logged out", func(p *TokenProvider) {}, permission.Auth{}},
		{"valid", func(p *TokenProvider) { p.SetToken(valid) },
			permission.Auth{CurrentUser: "alice", Authenticated: true}},
		{"expired", func(p *TokenProvider) { p.SetToken(expired) },
			permission.Auth{CurrentUser: "alice", Authenticated: true, Expired: true}},
		{"forged", func(p *TokenProvider) { p.SetToken(forged) }, permission.Auth{}},
		{"guest", func(p *TokenProvider) { p.SetGuest() },
			permission.Auth{CurrentUser: permission.Guest}},
		{"cleared", func(p *TokenProvider) { p.SetToken(valid); p.Clear() }, permission.Auth{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewTokenProvider(testSecret)
			tt.setup(p)
			if got := p.Snapshot(); got != tt.want {
				t.Errorf("Snapshot() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTokenProvider_Token(t *testing.T) {
	p := NewTokenProvider(testSecret)
	p.SetToken("abc")
	if p.Token() != "abc" {
		t.Errorf("Token() = %q", p.Token())
	}
	p.SetGuest()
	if p.Token() != "" {
		t.Error("guest should carry no token")
	}
}
