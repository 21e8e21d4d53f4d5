// Package auth provides merchant token verification helpers.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates bearer tokens and extracts merchant/role claims.
// Supports modes: dev (token is "merchant:role", no verification),
// hmac (HS256 JWT) and jwks (RS256 JWT, keys fetched from JWKSURL).
type Verifier struct {
	Mode          string
	HMACSecret    []byte
	JWKSURL       string
	MerchantClaim string
	RoleClaim     string
	Issuer        string

	// AdminRole is the external role name granted admin rights; defaults to "admin".
	AdminRole string

	keysOnce sync.Once
	keys     *jwksCache
}

type Principal struct {
	MerchantID string
	Role       string
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

var ErrInvalidToken = errors.New("invalid token")

func NewVerifier(mode, secret, merchantClaim string) *Verifier {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "dev"
	}
	if merchantClaim == "" {
		merchantClaim = "merchant"
	}
	return &Verifier{Mode: mode, HMACSecret: []byte(secret), MerchantClaim: merchantClaim, RoleClaim: "role"}
}

func (v *Verifier) Verify(token string) (Principal, error) {
	if v.Mode == "dev" {
		// token format: merchant:role
		merchant, role, ok := strings.Cut(token, ":")
		if !ok || merchant == "" {
			return Principal{}, fmt.Errorf("%w: expected merchant:role", ErrInvalidToken)
		}
		return v.PrincipalFor(merchant, role), nil
	}
	var (
		alg     string
		keyFunc jwt.Keyfunc
	)
	switch v.Mode {
	case "hmac":
		alg = jwt.SigningMethodHS256.Alg()
		keyFunc = func(*jwt.Token) (any, error) { return v.HMACSecret, nil }
	case "jwks":
		alg = jwt.SigningMethodRS256.Alg()
		keyFunc = v.jwksKey
	default:
		return Principal{}, errors.New("unsupported auth mode")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{alg}), jwt.WithExpirationRequired()}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, keyFunc, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	merchant, _ := claims[v.MerchantClaim].(string)
	if merchant == "" {
		return Principal{}, fmt.Errorf("%w: missing %s claim", ErrInvalidToken, v.MerchantClaim)
	}
	role, _ := claims[v.RoleClaim].(string)
	return v.PrincipalFor(merchant, role), nil
}

// PrincipalFor normalizes a role: empty means "merchant" and the configured
// AdminRole maps to "admin".
func (v *Verifier) PrincipalFor(merchant, role string) Principal {
	role = strings.ToLower(strings.TrimSpace(role))
	switch {
	case role == "":
		role = "merchant"
	case v.AdminRole != "" && role == strings.ToLower(v.AdminRole):
		role = "admin"
	}
	return Principal{MerchantID: merchant, Role: role}
}

// Issue signs an HS256 token for merchant. Used by tooling and tests.
func (v *Verifier) Issue(merchant, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		v.MerchantClaim: merchant,
		v.RoleClaim:     role,
		"iat":           now.Unix(),
		"exp":           now.Add(ttl).Unix(),
	}
	if v.Issuer != "" {
		claims["iss"] = v.Issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.HMACSecret)
}
