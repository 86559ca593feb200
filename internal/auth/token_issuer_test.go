package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesAccessTokens(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "collab-auth",
		Audience:      "collab-api",
		TokenTTL:      30 * time.Minute,
	})

	tokenString, expiresIn, err := issuer.IssueAccessToken(context.Background(), "user-123", "Ada")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn <= 0 {
		t.Fatalf("expected positive expiry seconds, got %d", expiresIn)
	}

	parser := jwt.Parser{}
	claims := &AccessClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "user-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.DisplayName != "Ada" {
		t.Fatalf("unexpected display name %s", claims.DisplayName)
	}
	if claims.Issuer != "collab-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "collab-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		Issuer:   "collab-auth",
		Audience: "collab-api",
	})
	if _, _, err := issuer.IssueAccessToken(context.Background(), "user-1", ""); err == nil {
		t.Fatalf("expected issuance error for missing secret")
	}
	if _, err := issuer.ValidateToken("whatever"); err == nil {
		t.Fatalf("expected validation error for missing secret")
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "collab-auth",
		Audience:      "collab-api",
		TokenTTL:      15 * time.Minute,
	})

	tokenString, _, err := issuer.IssueAccessToken(context.Background(), "user-321", "Grace")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	claims, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if claims.Subject != "user-321" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.DisplayName != "Grace" {
		t.Fatalf("unexpected display name %s", claims.DisplayName)
	}

	if _, err = issuer.ValidateToken("invalid.token"); err == nil {
		t.Fatalf("expected validation to fail for malformed token")
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	issuedAt := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	now := issuedAt
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("short-lived"),
		Issuer:        "collab-auth",
		Audience:      "collab-api",
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return now },
	})

	tokenString, _, err := issuer.IssueAccessToken(context.Background(), "user-9", "")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	now = issuedAt.Add(2 * time.Minute)
	if _, err := issuer.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected validation to fail after expiry")
	}
}

func TestTokenIssuerRejectsWrongAudience(t *testing.T) {
	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("shared"),
		Issuer:        "collab-auth",
		Audience:      "some-other-api",
		TokenTTL:      time.Minute,
	})
	tokenString, _, err := other.IssueAccessToken(context.Background(), "user-2", "")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("shared"),
		Issuer:        "collab-auth",
		Audience:      "collab-api",
		TokenTTL:      time.Minute,
	})
	if _, err := issuer.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected validation to fail for mismatched audience")
	}
}
