package auth

import (
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"mcpgateway-go/internal/gwerr"
	"mcpgateway-go/internal/storage"
)

const (
	minVendHours = 1
	maxVendHours = 24
)

// VendResult is the /tokens/generate response payload.
type VendResult struct {
	AccessToken string   `json:"access_token"`
	ExpiresIn   int64    `json:"expires_in"`
	Scopes      []string `json:"scopes"`
}

// Vendor mints short-lived tokens on behalf of a logged-in user, constrained
// to the scopes the user currently holds.
type Vendor struct {
	session *SessionManager
	db      *storage.BoltDB
	logger  *zap.Logger
}

// NewVendor creates the vendor. db records issued tokens for revocation.
func NewVendor(session *SessionManager, db *storage.BoltDB, logger *zap.Logger) *Vendor {
	return &Vendor{session: session, db: db, logger: logger.Named("vendor")}
}

// Vend issues a token for the principal. requestedScopes must be a subset of
// the principal's groups; nil requests all of them.
func (v *Vendor) Vend(p *Principal, description string, expiresInHours int, requestedScopes []string) (*VendResult, error) {
	if expiresInHours < minVendHours || expiresInHours > maxVendHours {
		return nil, gwerr.Validationf("expires_in_hours must be between %d and %d", minVendHours, maxVendHours)
	}

	granted := requestedScopes
	if granted == nil {
		granted = append([]string(nil), p.Groups...)
	} else {
		held := make(map[string]struct{}, len(p.Groups))
		for _, g := range p.Groups {
			held[g] = struct{}{}
		}
		for _, scope := range granted {
			if _, ok := held[scope]; !ok {
				return nil, gwerr.Validationf("scope %q is not held by the requesting user", scope)
			}
		}
	}

	jti := ulid.Make().String()
	lifetime := time.Duration(expiresInHours) * time.Hour
	token, expiry, err := v.session.MintVended(p, jti, granted, lifetime)
	if err != nil {
		return nil, err
	}

	if v.db != nil {
		err := v.db.SaveVendedToken(&storage.VendedTokenRecord{
			ID:          jti,
			Subject:     p.ID,
			Description: description,
			Scopes:      granted,
			IssuedAt:    time.Now().UTC(),
			ExpiresAt:   expiry.UTC(),
		})
		if err != nil {
			return nil, err
		}
	}

	v.logger.Info("vended token issued",
		zap.String("subject", p.ID),
		zap.String("jti", jti),
		zap.Int("scopes", len(granted)),
		zap.Int("hours", expiresInHours))

	return &VendResult{
		AccessToken: token,
		ExpiresIn:   int64(lifetime.Seconds()),
		Scopes:      granted,
	}, nil
}

// List returns the subject's issued tokens, newest first.
func (v *Vendor) List(subject string) ([]*storage.VendedTokenRecord, error) {
	if v.db == nil {
		return nil, nil
	}
	return v.db.ListVendedTokens(subject)
}

// Revoke marks a token so the authorizer rejects it before expiry.
func (v *Vendor) Revoke(id string) error {
	if v.db == nil {
		return gwerr.NotFoundf("token %s not found", id)
	}
	return v.db.RevokeVendedToken(id)
}
