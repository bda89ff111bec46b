package listener

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCAuthenticator is one pluggable alternative to password login,
// grounded on internal/auth/oidc.go OIDCAuthenticator, but
// trimmed to a single configured provider — this core has no multi-tenant
// provider registry, just the one identity provider an operator wires in.
type OIDCAuthenticator struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth    oauth2.Config
}

// OIDCConfig names the single provider/client pair a deployment configures.
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// NewOIDCAuthenticator discovers the provider's endpoints and builds the
// oauth2 exchange config.
func NewOIDCAuthenticator(ctx context.Context, cfg OIDCConfig) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider: %w", err)
	}
	return &OIDCAuthenticator{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
	}, nil
}

// AuthorizationURL builds the redirect target for a login attempt.
func (a *OIDCAuthenticator) AuthorizationURL(state string) string {
	return a.oauth.AuthCodeURL(state)
}

// NewState generates an unpredictable CSRF state token, the same nonce
// shape generateRandomState produces.
func NewState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HandleCallback exchanges an authorization code for an ID token and
// extracts the login claim, grounded on HandleCallback but
// narrowed to the one claim this domain needs — agent login,
// not a full user profile.
func (a *OIDCAuthenticator) HandleCallback(ctx context.Context, code string) (FederatedIdentity, error) {
	token, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return FederatedIdentity{}, fmt.Errorf("exchange oidc code: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return FederatedIdentity{}, fmt.Errorf("oidc token response missing id_token")
	}
	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return FederatedIdentity{}, fmt.Errorf("verify oidc id_token: %w", err)
	}
	var claims struct {
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return FederatedIdentity{}, fmt.Errorf("parse oidc claims: %w", err)
	}
	if claims.PreferredUsername == "" {
		return FederatedIdentity{}, fmt.Errorf("oidc token carries no preferred_username claim")
	}
	return FederatedIdentity{Login: claims.PreferredUsername}, nil
}
