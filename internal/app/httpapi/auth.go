package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

type ctxKey int

const ctxUserKey ctxKey = iota

func userFrom(ctx context.Context) string {
	user, _ := ctx.Value(ctxUserKey).(string)
	return user
}

const tokenTTL = time.Hour

type authClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// authManager issues and validates the bearer tokens guarding the admin
// endpoints. Tokens are HMAC-signed and carry a fixed expiry.
type authManager struct {
	secret       []byte
	username     string
	passwordHash []byte
}

// newAuthManager accepts either a bcrypt hash or a plaintext password; a
// plaintext value is hashed on construction so comparisons never touch it.
func newAuthManager(secret, username, password string) *authManager {
	m := &authManager{
		secret:   []byte(secret),
		username: username,
	}
	if password == "" {
		return m
	}
	if strings.HasPrefix(password, "$2a$") || strings.HasPrefix(password, "$2b$") {
		m.passwordHash = []byte(password)
		return m
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err == nil {
		m.passwordHash = hash
	}
	return m
}

func (m *authManager) enabled() bool {
	return len(m.secret) > 0 && m.username != "" && len(m.passwordHash) > 0
}

func (m *authManager) checkCredentials(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(m.username)) == 1
	passOK := bcrypt.CompareHashAndPassword(m.passwordHash, []byte(password)) == nil
	return userOK && passOK
}

func (m *authManager) issueToken(subject string) (string, time.Time, error) {
	expiry := time.Now().Add(tokenTTL)
	claims := authClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiry, nil
}

func (m *authManager) validateToken(tokenString string) (*authClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &authClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*authClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// middleware rejects requests without a valid admin bearer token.
func (m *authManager) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled() {
			writeError(w, http.StatusServiceUnavailable, fmt.Errorf("admin API is not configured"))
			return
		}

		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("missing bearer token"))
			return
		}
		claims, err := m.validateToken(parts[1])
		if err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid token"))
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
