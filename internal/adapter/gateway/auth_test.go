package gateway

import (
	"errors"
	"testing"

	"toolrelay/internal/domain"
	"toolrelay/internal/infra/config"
)

func TestStaticTokenAuthValid(t *testing.T) {
	auth := NewStaticTokenAuth([]config.TokenConfig{
		{Token: "secret-123", Name: "admin-bot", Roles: []string{"admin"}},
	})

	info, err := auth.Authenticate("secret-123")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.Name != "admin-bot" {
		t.Errorf("Name = %q", info.Name)
	}
	if len(info.Roles) != 1 || info.Roles[0] != "admin" {
		t.Errorf("Roles = %v", info.Roles)
	}
}

func TestStaticTokenAuthInvalid(t *testing.T) {
	auth := NewStaticTokenAuth([]config.TokenConfig{
		{Token: "secret-123", Name: "admin-bot", Roles: []string{"admin"}},
	})

	_, err := auth.Authenticate("wrong-token")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, domain.ErrGatewayAuthFailed) {
		t.Errorf("err = %v, want ErrGatewayAuthFailed", err)
	}
}

func TestStaticTokenAuthEmpty(t *testing.T) {
	auth := NewStaticTokenAuth(nil)

	_, err := auth.Authenticate("anything")
	if err == nil {
		t.Fatal("expected error for empty token list")
	}
}

func TestStaticTokenAuthRejectsEmptyToken(t *testing.T) {
	auth := NewStaticTokenAuth([]config.TokenConfig{{Token: "", Name: "blank"}})

	if _, err := auth.Authenticate(""); err == nil {
		t.Fatal("empty configured token must not match an empty token")
	}
}

func TestStaticTokenAuthReturnsCopy(t *testing.T) {
	auth := NewStaticTokenAuth([]config.TokenConfig{{Token: "t", Name: "ops"}})

	first, _ := auth.Authenticate("t")
	first.Name = "mutated"
	second, _ := auth.Authenticate("t")
	if second.Name != "ops" {
		t.Errorf("Name = %q, want ops", second.Name)
	}
}

func TestNewAuthenticator(t *testing.T) {
	open := NewAuthenticator(config.AuthConfig{})
	if _, err := open.Authenticate(""); err != nil {
		t.Errorf("open auth rejected: %v", err)
	}

	static := NewAuthenticator(config.AuthConfig{Type: "static", Tokens: []config.TokenConfig{{Token: "k", Name: "n"}}})
	if _, err := static.Authenticate(""); err == nil {
		t.Error("static auth accepted an empty token")
	}
	if _, err := static.Authenticate("k"); err != nil {
		t.Errorf("static auth rejected a valid token: %v", err)
	}
}
