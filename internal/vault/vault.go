// Package vault owns the OAuth credential lifecycle for linked accounts: it
// decrypts stored token pairs, refreshes access tokens inside the expiry
// buffer, and escalates revoked grants to a terminal reauth-required result.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/bavit-uk/backend-sub003/internal/crypto"
	"github.com/bavit-uk/backend-sub003/internal/mailsync"
	"github.com/bavit-uk/backend-sub003/internal/models"
	"github.com/bavit-uk/backend-sub003/internal/store"
)

// Vault exchanges refresh tokens against each provider's OAuth endpoint.
// Every refreshed token is persisted before being handed to a caller: no
// token is ever used without being durably stored first.
type Vault struct {
	store   *store.Store
	crypto  *crypto.Service
	configs map[models.Provider]*oauth2.Config
	buffer  time.Duration
}

func New(st *store.Store, cs *crypto.Service, configs map[models.Provider]*oauth2.Config, buffer time.Duration) *Vault {
	return &Vault{store: st, crypto: cs, configs: configs, buffer: buffer}
}

// GetValidAccessToken returns a usable access token for the account,
// refreshing first when the stored one is inside the expiry buffer. A revoked
// grant returns mailsync.ErrReauthRequired and flips the account to the error
// state; callers must not retry.
func (v *Vault) GetValidAccessToken(ctx context.Context, account *models.Account) (string, error) {
	if time.Now().Before(account.TokenExpiry.Add(-v.buffer)) {
		token, err := v.crypto.Decrypt(account.AccessTokenEnc)
		if err != nil {
			return "", fmt.Errorf("decrypt access token: %w", err)
		}
		return token, nil
	}
	return v.refresh(ctx, account)
}

// ForceRefresh performs an unconditional refresh exchange, used after a
// provider rejects a token that looked valid locally.
func (v *Vault) ForceRefresh(ctx context.Context, account *models.Account) (string, error) {
	return v.refresh(ctx, account)
}

func (v *Vault) refresh(ctx context.Context, account *models.Account) (string, error) {
	cfg, ok := v.configs[account.Provider]
	if !ok {
		return "", fmt.Errorf("no oauth config for provider %s", account.Provider)
	}

	refreshToken, err := v.crypto.Decrypt(account.RefreshTokenEnc)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		if isInvalidGrant(err) {
			now := time.Now()
			if merr := v.store.MarkError(context.WithoutCancel(ctx), account.ID,
				"reauth_required: refresh token rejected by provider", now); merr != nil {
				log.Printf("vault: mark reauth for %s: %v", account.Address, merr)
			}
			account.SyncState.Status = models.StatusError
			return "", mailsync.ErrReauthRequired
		}
		return "", mailsync.Transient(fmt.Errorf("refresh exchange for %s: %w", account.Address, err))
	}

	accessEnc, err := v.crypto.Encrypt(token.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypt access token: %w", err)
	}

	// providers may rotate the refresh token on exchange
	newRefresh := token.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	refreshEnc, err := v.crypto.Encrypt(newRefresh)
	if err != nil {
		return "", fmt.Errorf("encrypt refresh token: %w", err)
	}

	// persist before handing the token to anyone
	if err := v.store.SaveTokens(ctx, account.ID, accessEnc, refreshEnc, token.Expiry); err != nil {
		return "", err
	}

	account.AccessTokenEnc = accessEnc
	account.RefreshTokenEnc = refreshEnc
	account.TokenExpiry = token.Expiry
	return token.AccessToken, nil
}

// isInvalidGrant detects the revoked/invalid grant class of refresh failure.
func isInvalidGrant(err error) bool {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return false
	}
	if rerr.ErrorCode == "invalid_grant" {
		return true
	}
	// some providers omit the RFC 6749 error body on revoked grants
	return rerr.Response != nil &&
		(rerr.Response.StatusCode == http.StatusBadRequest || rerr.Response.StatusCode == http.StatusUnauthorized) &&
		rerr.ErrorCode == ""
}
