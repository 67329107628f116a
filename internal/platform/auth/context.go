// Package auth extracts the request context (project id, author reference)
// from bearer tokens. Token issuance lives outside this server.
package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openfhir/fhirstore/internal/platform/fhir"
)

// Claims are the token claims this server consumes.
type Claims struct {
	// Project scopes every write to a project id.
	Project string `json:"project,omitempty"`
	// Profile is the author's FHIR reference ("Practitioner/<id>").
	Profile string `json:"profile,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens and produces request contexts.
type Verifier struct {
	secret []byte
	// DefaultProject applies when a token carries no project claim.
	DefaultProject string
}

// NewVerifier creates a Verifier over an HMAC secret. An empty secret
// disables verification; FromToken then fails for every token.
func NewVerifier(secret, defaultProject string) *Verifier {
	return &Verifier{secret: []byte(secret), DefaultProject: defaultProject}
}

// FromToken parses and verifies a bearer token into a RequestContext.
func (v *Verifier) FromToken(token string) (*fhir.RequestContext, error) {
	if len(v.secret) == 0 {
		return nil, fhir.Unauthorized("token verification is not configured")
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fhir.Unauthorized("invalid bearer token")
	}
	project := claims.Project
	if project == "" {
		project = v.DefaultProject
	}
	return &fhir.RequestContext{Project: project, Author: claims.Profile}, nil
}

// FromAuthorizationHeader extracts the bearer token from an Authorization
// header value. An empty header yields a nil context without error so
// anonymous access stays possible behind an external gateway.
func (v *Verifier) FromAuthorizationHeader(header string) (*fhir.RequestContext, error) {
	if header == "" {
		return nil, nil
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, fhir.Unauthorized("authorization header is not a bearer token")
	}
	return v.FromToken(token)
}
