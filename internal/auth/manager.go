package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Permissions checked by the HTTP surface
const (
	PermEnqueue      = "tasks:enqueue"
	PermDispatch     = "tasks:dispatch"
	PermReadTasks    = "tasks:read"
	PermConversation = "conversations:write"
	PermPulse        = "pulse:read"
	PermAll          = "*:*"
)

// PreDefinedRoles maps a role name to its permissions
var PreDefinedRoles = map[string][]string{
	"admin": {PermAll},
	// agents delegate to each other through enqueue only
	"agent": {PermEnqueue, PermReadTasks},
	"pulse": {PermEnqueue, PermDispatch, PermReadTasks, PermPulse},
	"ui":    {"tasks:*", "conversations:*", PermPulse},
}

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the JWT claims of a conductor service token
type Claims struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Manager issues and validates HS256 service tokens
type Manager struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	issuer    string
}

// NewManager creates a new auth manager. An empty secret generates a random
// per-process secret, so previously minted tokens stop validating on restart.
func NewManager(jwtSecret string, tokenTTL time.Duration) *Manager {
	if jwtSecret == "" {
		jwtSecret = generateRandomSecret(32)
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Manager{jwtSecret: []byte(jwtSecret), tokenTTL: tokenTTL, issuer: "conductor"}
}

// GenerateToken creates a JWT for subject carrying role's permissions
func (m *Manager) GenerateToken(subject, role string) (string, error) {
	perms, ok := PreDefinedRoles[role]
	if !ok {
		return "", fmt.Errorf("unknown role: %s", role)
	}
	now := time.Now()
	claims := &Claims{
		Role:        role,
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   subject,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.jwtSecret)
}

// ValidateToken validates a JWT token and returns claims
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.jwtSecret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// HasPermission checks if the claims grant a permission. "resource:*" and
// "*:*" act as wildcards.
func HasPermission(claims *Claims, permission string) bool {
	if claims == nil {
		return false
	}
	resource, _, _ := strings.Cut(permission, ":")
	for _, p := range claims.Permissions {
		if p == permission || p == PermAll || p == resource+":*" {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithClaims returns a context carrying claims
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// ClaimsFromContext returns the validated claims of the request, if any
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(contextKey{}).(*Claims)
	return c
}

// FromRequest validates the request's bearer token
func (m *Manager) FromRequest(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	return m.ValidateToken(strings.TrimSpace(token))
}

func generateRandomSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", bytes)
}
