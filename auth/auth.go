// Package auth verifies bearer tokens and resolves the authenticated
// principal. The token carries only the subject; the role is always re-read
// from the user record so a stale or tampered claim can never escalate.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"payflow/models"
	"payflow/workflow"
)

type contextKey string

const contextKeyPrincipal contextKey = "principal"

// Verifier issues and verifies HS256 bearer tokens.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewVerifier constructs a Verifier. Secret, issuer, and audience are all
// required.
func NewVerifier(secret []byte, issuer, audience string) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("JWT secret must not be empty")
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("JWT issuer is required")
	}
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return nil, errors.New("JWT audience is required")
	}
	return &Verifier{
		secret:   secret,
		issuer:   issuer,
		audience: audience,
		leeway:   30 * time.Second,
		now:      time.Now,
	}, nil
}

// Issue mints a token for the given subject.
func (v *Verifier) Issue(userID uuid.UUID, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		Issuer:    v.issuer,
		Audience:  jwt.ClaimStrings{v.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify validates the token and returns its subject.
func (v *Verifier) Verify(token string) (uuid.UUID, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	)
	if err != nil {
		return uuid.Nil, err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return uuid.Nil, errors.New("token validation failed")
	}
	subject, err := uuid.Parse(strings.TrimSpace(claims.Subject))
	if err != nil {
		return uuid.Nil, errors.New("token subject is not a user id")
	}
	return subject, nil
}

// Middleware enforces bearer authentication and attaches the principal. The
// role comes from the user row at request time.
func Middleware(db *gorm.DB, v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := strings.TrimSpace(r.Header.Get("Authorization"))
			if authz == "" {
				http.Error(w, "missing authorization", http.StatusUnauthorized)
				return
			}
			parts := strings.SplitN(authz, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
				return
			}
			subject, err := v.Verify(strings.TrimSpace(parts[1]))
			if err != nil {
				http.Error(w, "invalid authorization token", http.StatusUnauthorized)
				return
			}
			var user models.User
			if err := db.WithContext(r.Context()).First(&user, "id = ?", subject).Error; err != nil {
				http.Error(w, "unknown principal", http.StatusUnauthorized)
				return
			}
			principal := workflow.Principal{UserID: user.ID, Role: user.Role}
			ctx := context.WithValue(r.Context(), contextKeyPrincipal, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext extracts the principal attached by Middleware.
func FromContext(ctx context.Context) (workflow.Principal, error) {
	if p, ok := ctx.Value(contextKeyPrincipal).(workflow.Principal); ok {
		return p, nil
	}
	return workflow.Principal{}, errors.New("missing principal in context")
}
