package api

import (
	"context"
	"net/http"
	"strings"
)

// TokenAuthenticator resolves bearer tokens to user ids from a fixed table.
type TokenAuthenticator struct {
	tokens map[string]string
}

func NewTokenAuthenticator(tokens map[string]string) *TokenAuthenticator {
	copied := make(map[string]string, len(tokens))
	for token, user := range tokens {
		copied[token] = user
	}
	return &TokenAuthenticator{tokens: copied}
}

// ResolveActor reads the token from the Authorization header or, for browsers
// that cannot set headers on a WebSocket handshake, the token query parameter.
func (a *TokenAuthenticator) ResolveActor(r *http.Request) (string, bool) {
	token := ""
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, value, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			token = strings.TrimSpace(value)
		}
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", false
	}
	user, ok := a.tokens[token]
	return user, ok
}

type actorKey struct{}

func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// requireActor rejects requests without a known token.
func (h *Handler) requireActor(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := h.auth.ResolveActor(r)
		if !ok {
			h.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	}
}
