// Package auth validates connection bearer tokens against a JWKS
// endpoint, producing the role-scoped claims the room engine uses to
// authorize player/host-control/host-display connections.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/partyhall/roomengine/internal/v1/logging"
	"github.com/partyhall/roomengine/internal/v1/types"
)

// GetAllowedOriginsFromEnv reads a comma-separated origin list from the
// named environment variable, falling back to defaultOrigins (logging a
// warning) when it's unset.
func GetAllowedOriginsFromEnv(envVarName string, defaultOrigins []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.GetLogger().Warn(envVarName + " not set, using default development origins")
		return defaultOrigins
	}
	return strings.Split(originsStr, ",")
}

// CustomClaims are the JWT claims this engine expects, beyond the
// registered set: a connection Role (player/host-control/host-display).
type CustomClaims struct {
	Role  string `json:"role"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Validator validates JWTs against a JWKS endpoint, checking issuer and
// audience.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience []string
}

// NewValidator builds a Validator for the given domain/audience, priming
// a JWKS cache with a background refresh interval.
func NewValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}
		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}
		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}
		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}
		return pubKey, nil
	}

	return &Validator{keyFunc: keyFunc, issuer: issuerURL.String(), audience: []string{audience}}, nil
}

// ValidateToken implements types.TokenValidator.
func (v *Validator) ValidateToken(tokenString string) (types.Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience[0]),
	)
	if err != nil {
		return types.Claims{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return types.Claims{}, errors.New("token is invalid")
	}
	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return types.Claims{}, errors.New("failed to cast claims")
	}
	return toTypesClaims(claims), nil
}

func toTypesClaims(c *CustomClaims) types.Claims {
	role := types.ConnectionRole(c.Role)
	switch role {
	case types.ConnectionRolePlayer, types.ConnectionRoleHostControl, types.ConnectionRoleHostDisplay:
	default:
		role = types.ConnectionRolePlayer
	}
	return types.Claims{
		Subject: c.Subject,
		Name:    c.Name,
		Email:   c.Email,
		Role:    role,
	}
}

// MockValidator is a development-only token validator that trusts the
// unverified payload of any JWT-shaped string.
type MockValidator struct{}

// ValidateToken extracts subject/name/email/role from the token's
// payload segment without verifying its signature. Development only.
func (m *MockValidator) ValidateToken(tokenString string) (types.Claims, error) {
	var subject, name, email, role string

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var claims map[string]interface{}
			if json.Unmarshal(payload, &claims) == nil {
				if sub, ok := claims["sub"].(string); ok {
					subject = sub
				}
				if n, ok := claims["name"].(string); ok {
					name = n
				}
				if e, ok := claims["email"].(string); ok {
					email = e
				}
				if r, ok := claims["role"].(string); ok {
					role = r
				}
			}
		}
	}

	if subject == "" {
		subject = "dev-user-123"
	}
	if name == "" {
		name = "Dev User"
	}
	if email == "" {
		email = "dev@example.com"
	}
	if role == "" {
		role = string(types.ConnectionRolePlayer)
	}

	return toTypesClaims(&CustomClaims{Role: role, Name: name, Email: email, RegisteredClaims: jwt.RegisteredClaims{Subject: subject}}), nil
}
