package eventws

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// authenticate enforces the bridge token when one is configured. The token is
// an HS256 signing secret: viewers present a JWT signed with it, either as an
// Authorization bearer header or a token query parameter (browser WebSocket
// clients cannot set headers).
func (b *Bridge) authenticate(w http.ResponseWriter, r *http.Request) bool {
	if b.token == "" {
		return true
	}

	tokenString := bearerToken(r)
	if tokenString == "" {
		tokenString = r.URL.Query().Get("token")
	}
	if tokenString == "" {
		http.Error(w, "Missing token", http.StatusUnauthorized)
		return false
	}

	if err := b.validateToken(tokenString); err != nil {
		slog.Warn("event viewer rejected", "error", err)
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return false
	}
	return true
}

// validateToken parses and verifies an HS256 JWT against the bridge secret.
func (b *Bridge) validateToken(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(b.token), nil
	})
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
