package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokensIssueAndVerify(t *testing.T) {
	tokens, err := NewTokens("test-secret")
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}

	token, err := tokens.Issue(Identity{UserID: "user-42", OrgID: "org-1", ActorType: ActorAIAgent}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := tokens.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "user-42" || id.OrgID != "org-1" || id.ActorType != ActorAIAgent {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestTokensDefaultActorIsUser(t *testing.T) {
	tokens, _ := NewTokens("test-secret")
	token, err := tokens.Issue(Identity{UserID: "u", OrgID: "o"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := tokens.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.ActorType != ActorUser {
		t.Fatalf("expected USER, got %s", id.ActorType)
	}
}

func TestTokensRejectTampering(t *testing.T) {
	tokens, _ := NewTokens("test-secret")
	other, _ := NewTokens("other-secret")
	foreign, _ := NewTokens("test-secret", WithIssuer("someone-else"))

	signedByOther, err := other.Issue(Identity{UserID: "u", OrgID: "o"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	wrongIssuer, err := foreign.Issue(Identity{UserID: "u", OrgID: "o"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"wrong secret": signedByOther,
		"wrong issuer": wrongIssuer,
	} {
		if _, err := tokens.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestTokensRejectExpired(t *testing.T) {
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := issuedAt
	tokens, _ := NewTokens("test-secret", WithClock(func() time.Time { return clock }))

	token, err := tokens.Issue(Identity{UserID: "u", OrgID: "o"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	clock = issuedAt.Add(2 * time.Minute)
	if _, err := tokens.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestTokensRejectMissingOrgAndUnknownActor(t *testing.T) {
	tokens, _ := NewTokens("test-secret")
	now := time.Now().UTC()
	for name, claims := range map[string]Claims{
		"missing org": {
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer: defaultIssuer, Subject: "u",
				IssuedAt: jwt.NewNumericDate(now), ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			},
		},
		"unknown actor": {
			OrgID:     "o",
			ActorType: "ROBOT",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer: defaultIssuer, Subject: "u",
				IssuedAt: jwt.NewNumericDate(now), ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			},
		},
	} {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		if err != nil {
			t.Fatalf("%s: sign: %v", name, err)
		}
		if _, err := tokens.Verify(signed); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestNewTokensRequiresSecret(t *testing.T) {
	if _, err := NewTokens("  "); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestIdentityContext(t *testing.T) {
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Fatalf("expected no identity on empty context")
	}
	ctx := ContextWithIdentity(context.Background(), Identity{UserID: "u1", OrgID: "o1"})
	id, ok := IdentityFromContext(ctx)
	if !ok {
		t.Fatalf("expected identity")
	}
	if id.ActorType != ActorUser {
		t.Fatalf("expected default actor type, got %s", id.ActorType)
	}
	ctx = ContextWithIdentity(context.Background(), Identity{UserID: "u1"})
	if _, ok := IdentityFromContext(ctx); ok {
		t.Fatalf("identity without org must not be accepted")
	}
}
