package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleCustomer = "customer"
	RoleRider    = "rider"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is who a request or realtime session acts as.
type Identity struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

func (i Identity) IsRider() bool    { return i.Role == RoleRider }
func (i Identity) IsCustomer() bool { return i.Role == RoleCustomer }

type Claims struct {
	UserID string `json:"sub"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 access tokens signed with a shared secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Verify(tokenStr string) (Identity, error) {
	if tokenStr == "" {
		return Identity{}, ErrUnauthenticated
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrUnauthenticated)
	}
	if claims.Role != RoleCustomer && claims.Role != RoleRider {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, claims.Role)
	}
	return Identity{UserID: claims.UserID, Role: claims.Role}, nil
}

// Issue signs a token for id. Used by tests and local tooling.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: id.UserID,
		Role:   id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest looks for a bearer token in the Authorization header, then
// the access_token header mobile clients send on the socket handshake, then
// the token query parameter browsers have to fall back on.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if t := r.Header.Get("access_token"); t != "" {
		return strings.TrimSpace(t)
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
