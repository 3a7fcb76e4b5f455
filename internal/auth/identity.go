package auth

import (
	"context"
	"fmt"
	"strings"
)

// ActorType classifies who performed an action.
type ActorType string

const (
	ActorUser    ActorType = "USER"
	ActorSystem  ActorType = "SYSTEM"
	ActorAIAgent ActorType = "AI_AGENT"
)

// ParseActorType accepts USER, SYSTEM or AI_AGENT. Empty input means USER.
func ParseActorType(raw string) (ActorType, error) {
	switch ActorType(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", ActorUser:
		return ActorUser, nil
	case ActorSystem:
		return ActorSystem, nil
	case ActorAIAgent:
		return ActorAIAgent, nil
	}
	return "", fmt.Errorf("%w: unknown actor type %q", ErrInvalidToken, raw)
}

// Identity is the authenticated caller as established by the auth layer.
type Identity struct {
	UserID    string    `json:"user_id"`
	OrgID     string    `json:"org_id"`
	ActorType ActorType `json:"actor_type"`
}

func (i Identity) valid() bool {
	return strings.TrimSpace(i.UserID) != "" && strings.TrimSpace(i.OrgID) != ""
}

type identityContextKey struct{}

// ContextWithIdentity attaches the authenticated caller to the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	if id.ActorType == "" {
		id.ActorType = ActorUser
	}
	return context.WithValue(ctx, identityContextKey{}, &id)
}

// IdentityFromContext extracts the caller. It reports false when the context
// carries no identity or an incomplete one.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || v == nil || !v.valid() {
		return Identity{}, false
	}
	return *v, true
}
