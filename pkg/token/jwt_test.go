package token

import (
	"testing"
	"time"
)

func TestGenerateAndVerify(t *testing.T) {
	m := NewJWTManager("secret", 1)
	tok, err := m.GenerateToken("u-1", "alice", "user")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := m.VerifyToken(tok)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.UserID != "u-1" || claims.Username != "alice" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestVerifyRejectsOtherSecretAndExpired(t *testing.T) {
	tok, _ := NewJWTManager("a", 1).GenerateToken("u", "n", "user")
	if _, err := NewJWTManager("b", 1).VerifyToken(tok); err == nil {
		t.Fatalf("token signed with another secret must be rejected")
	}

	m := NewJWTManager("a", 1)
	expired, _ := m.GenerateStreamToken("u", "n", -time.Minute)
	if _, err := m.VerifyToken(expired); err == nil {
		t.Fatalf("expired token must be rejected")
	}
}

func TestAccessTokenLifetime(t *testing.T) {
	m := NewJWTManager("secret", 2)
	tok, err := m.GenerateToken("u", "n", "user")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := m.VerifyToken(tok)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	if ttl != 2*time.Hour {
		t.Fatalf("access token ttl = %v", ttl)
	}
}
