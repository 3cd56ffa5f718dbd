// Package auth guards the supervisor endpoints with HS256 bearer tokens.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const ctxKeyPrincipal ctxKey = "installdesk.principal"

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Roles   []string
}

func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

// FromContext returns the Principal stored by the middleware, or nil.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxKeyPrincipal).(*Principal)
	return p
}

type Config struct {
	Secret string
	Issuer string
	Role   string
	// DebugToken, when non-empty, is accepted in X-Debug-Token in place of a
	// JWT and yields a principal holding Role.
	DebugToken string
}

type Verifier struct {
	secret     []byte
	issuer     string
	role       string
	debugToken string
}

var (
	ErrMissingToken = errors.New("authentication required")
	ErrForbidden    = errors.New("missing required role")
)

func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Secret == "" && cfg.DebugToken == "" {
		return nil, fmt.Errorf("supervisor jwt secret required")
	}
	role := cfg.Role
	if role == "" {
		role = "supervisor"
	}
	return &Verifier{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		role:       role,
		debugToken: cfg.DebugToken,
	}, nil
}

// VerifyRequest authenticates r and checks the supervisor role.
func (v *Verifier) VerifyRequest(r *http.Request) (*Principal, error) {
	if v.debugToken != "" {
		if tok := r.Header.Get("X-Debug-Token"); tok != "" {
			if subtle.ConstantTimeCompare([]byte(tok), []byte(v.debugToken)) == 1 {
				name := r.Header.Get("X-Debug-Principal")
				if name == "" {
					name = "debug"
				}
				return &Principal{Subject: name, Roles: []string{v.role}}, nil
			}
			return nil, fmt.Errorf("invalid debug token")
		}
	}

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, ErrMissingToken
	}
	return v.VerifyToken(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
}

func (v *Verifier) VerifyToken(tokenStr string) (*Principal, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("token auth not configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token parse error: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errors.New("token missing sub")
	}
	p := &Principal{Subject: sub, Roles: rolesFromClaims(claims)}
	if !p.HasRole(v.role) {
		return nil, ErrForbidden
	}
	return p, nil
}

// rolesFromClaims merges the roles array with space separated scope values.
func rolesFromClaims(claims jwt.MapClaims) []string {
	var roles []string
	if raw, ok := claims["roles"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
	}
	if scope, ok := claims["scope"].(string); ok {
		roles = append(roles, strings.Fields(scope)...)
	}
	return roles
}

// RequireSupervisor rejects requests without a verified supervisor principal.
func RequireSupervisor(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.VerifyRequest(r)
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrForbidden) {
					status = http.StatusForbidden
				}
				http.Error(w, err.Error(), status)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
