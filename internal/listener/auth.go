package listener

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/openacd/agentcore/internal/authstore"
	"github.com/openacd/agentcore/internal/models"
)

// Verifier checks a login/password pair, satisfied by PasswordVerifier in
// production and by a fake in tests that never touch a real directory.
type Verifier interface {
	Verify(ctx context.Context, login, password string) (models.Agent, error)
}

// PasswordVerifier authenticates a login/password pair against the
// external agent directory. It is the default path assumes;
// OIDCAuthenticator and SAMLAuthenticator below are alternative, pluggable
// front doors for deployments that federate identity instead.
type PasswordVerifier struct {
	store *authstore.Store
}

// NewPasswordVerifier builds a verifier against the directory store.
func NewPasswordVerifier(store *authstore.Store) *PasswordVerifier {
	return &PasswordVerifier{store: store}
}

// Verify resolves login's directory record and checks password against its
// stored bcrypt hash, grounded on credential-check shape in
// internal/auth/handlers.go (bcrypt.CompareHashAndPassword against a
// looked-up hash) but against this core's single agents table rather than
// a multi-tenant user table.
func (v *PasswordVerifier) Verify(ctx context.Context, login, password string) (models.Agent, error) {
	agent, hash, err := v.store.Lookup(ctx, login)
	if err != nil {
		return models.Agent{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return models.Agent{}, fmt.Errorf("invalid credentials for %q", login)
	}
	return agent, nil
}

// FederatedIdentity is what an OIDC or SAML callback hands back once the
// identity provider confirms who the caller is: just enough to resolve the
// matching directory record, since this core still treats the Postgres
// directory as the source of truth for profile/security level/skills.
type FederatedIdentity struct {
	Login string
}

// Resolve looks up the directory record for a federated identity. OIDC and
// SAML authenticate *who* the caller is; this core still consults the
// directory for *what* they may do (profile, security level, skills),
// matching pattern of layering SSO identity over its own
// user/role table rather than trusting IdP-asserted roles outright.
func (v *PasswordVerifier) Resolve(ctx context.Context, identity FederatedIdentity) (models.Agent, error) {
	agent, _, err := v.store.Lookup(ctx, identity.Login)
	return agent, err
}
