// Package api implements the HTTP surface of the webhook service.
package api

import (
	"context"
	"net/http"
	"strings"

	"payverify/internal/auth"
)

type ctxKeyPrincipal struct{}

// getPrincipal extracts the merchant from a bearer token, or in dev mode
// from the X-Merchant-Id and X-Role headers.
func (s *Server) getPrincipal(r *http.Request) (auth.Principal, bool) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		p, err := s.Auth.Verify(tok)
		return p, err == nil
	}
	if s.Auth != nil && s.Auth.Mode != "dev" {
		return auth.Principal{}, false
	}
	merchant := r.Header.Get("X-Merchant-Id")
	if merchant == "" {
		return auth.Principal{}, false
	}
	if s.Auth == nil {
		return auth.Principal{MerchantID: merchant, Role: "merchant"}, true
	}
	return s.Auth.PrincipalFor(merchant, r.Header.Get("X-Role")), true
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.getPrincipal(r)
		if !ok {
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", "valid merchant credentials required", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyPrincipal{}, p)))
	})
}

func principal(r *http.Request) auth.Principal {
	p, _ := r.Context().Value(ctxKeyPrincipal{}).(auth.Principal)
	return p
}
