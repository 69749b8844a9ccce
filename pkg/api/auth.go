package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/b1e55ed/engine/pkg/permissions"
)

type contextKey string

const principalKey contextKey = "api.principal"

// Principal is the authenticated caller extracted from the bearer token.
type Principal struct {
	ContributorID string
	Role          permissions.Role
}

// Claims is the JWT claim set the engine issues and accepts.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator validates bearer tokens with a shared HMAC secret.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret}
}

// IssueToken mints a token for a contributor. Used by the operator CLI and
// tests; the API itself never issues tokens.
func (a *Authenticator) IssueToken(contributorID string, role permissions.Role, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   contributorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) parse(tokenString string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	role := permissions.Role(claims.Role)
	if !permissions.Valid(role) {
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing subject")
	}
	return &Principal{ContributorID: claims.Subject, Role: role}, nil
}

// Middleware authenticates the request and stores the principal in context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			WriteUnauthorized(w, "")
			return
		}
		principal, err := a.parse(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			WriteUnauthorized(w, "Invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PrincipalFrom extracts the authenticated principal, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// requirePermission gates a handler on the role→permission matrix.
func requirePermission(perm permissions.Permission, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			WriteUnauthorized(w, "")
			return
		}
		if !permissions.Allowed(p.Role, perm) {
			WriteForbidden(w, fmt.Sprintf("Role %s may not %s", p.Role, perm))
			return
		}
		next(w, r)
	}
}
