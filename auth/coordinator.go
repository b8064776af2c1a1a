// Package auth wraps outbound calls with unauthorized detection and
// single-flight credential refresh. When a burst of concurrent calls all hit
// an expired token, exactly one token exchange runs; the rest wait for its
// outcome and replay with the new token.
package auth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/streambridge/streambridge/bridge"
)

// ErrUnknownIdentity is returned when the named identity is not in the store.
var ErrUnknownIdentity = errors.New("unknown identity")

// AuthExpiredError is terminal: the identity's credentials are gone and only
// re-authentication by the user can bring them back. It carries the identity
// so the consumer can target the prompt.
type AuthExpiredError struct {
	IdentityID string
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("authentication expired for identity %q", e.IdentityID)
}

// RefreshError wraps a failed token exchange.
type RefreshError struct {
	IdentityID string
	Err        error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refreshing token for identity %q: %s", e.IdentityID, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// TokenExchanger performs the actual token exchange. *bridge.Client
// implements it; Connected gates refresh attempts so a dropped channel fails
// fast instead of timing out.
type TokenExchanger interface {
	Connected() bool
	RefreshToken(ctx context.Context, req *bridge.RefreshTokenRequest) (*bridge.TokenResponse, error)
}

// Coordinator owns the refresh lifecycle for a store of identities.
type Coordinator struct {
	log       *zap.SugaredLogger
	store     *Store
	exchanger TokenExchanger
	group     singleflight.Group
}

func NewCoordinator(log *zap.SugaredLogger, store *Store, exchanger TokenExchanger) *Coordinator {
	return &Coordinator{
		log:       log.Named("auth"),
		store:     store,
		exchanger: exchanger,
	}
}

// Store returns the coordinator's identity store.
func (c *Coordinator) Store() *Store {
	return c.store
}

// Do runs fn with the identity's current access token. fn reports its result,
// whether the call was rejected as unauthorized, and any transport error.
//
// On an unauthorized result, Do refreshes the token and replays fn exactly
// once with the new one. Concurrent Do calls for the same identity share one
// refresh: whoever observes the rejection first performs the exchange, the
// rest wait and share its outcome, success or failure. Once the exchange
// settles it is forgotten, so a later independent rejection starts a fresh
// one.
//
// An identity with no refresh token, a disconnected exchanger, or a second
// unauthorized result after a successful refresh all end in AuthExpiredError.
func Do[T any](ctx context.Context, c *Coordinator, identityID string, fn func(ctx context.Context, accessToken string) (T, bool, error)) (T, error) {
	var zero T
	ident, ok := c.store.Get(identityID)
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrUnknownIdentity, identityID)
	}

	result, unauthorized, err := fn(ctx, ident.AccessToken)
	if err != nil {
		return zero, err
	}
	if !unauthorized {
		c.store.Touch(identityID)
		return result, nil
	}

	if ident.RefreshToken == "" {
		c.log.Debugw("unauthorized and no refresh token", "IdentityID", identityID)
		return zero, &AuthExpiredError{IdentityID: identityID}
	}
	if !c.exchanger.Connected() {
		c.log.Debugw("unauthorized and bridge not connected", "IdentityID", identityID)
		return zero, &AuthExpiredError{IdentityID: identityID}
	}

	accessToken, err := c.refresh(ctx, ident)
	if err != nil {
		return zero, err
	}

	result, unauthorized, err = fn(ctx, accessToken)
	if err != nil {
		return zero, err
	}
	if unauthorized {
		// One refresh-and-replay per call. Still rejected means the new
		// token is no better, and looping would hammer the login host.
		c.log.Debugw("still unauthorized after refresh", "IdentityID", identityID)
		return zero, &AuthExpiredError{IdentityID: identityID}
	}
	c.store.Touch(identityID)
	return result, nil
}

// refresh exchanges the identity's refresh token, deduplicating concurrent
// attempts per identity id. The winning caller's context bounds the
// exchange; everyone waiting shares the settled result. singleflight drops
// the key once the call settles, so the next independent rejection starts a
// fresh exchange.
func (c *Coordinator) refresh(ctx context.Context, ident Identity) (string, error) {
	v, err, shared := c.group.Do(ident.ID, func() (interface{}, error) {
		c.log.Debugw("exchanging refresh token", "IdentityID", ident.ID)
		resp, err := c.exchanger.RefreshToken(ctx, &bridge.RefreshTokenRequest{
			RefreshToken: ident.RefreshToken,
			LoginURL:     ident.LoginURL,
			ClientID:     ident.ClientID,
		})
		if err != nil {
			return nil, err
		}
		c.store.SetAccessToken(ident.ID, resp.AccessToken)
		if resp.InstanceURL != "" {
			c.store.SetInstanceURL(ident.ID, resp.InstanceURL)
		}
		return resp.AccessToken, nil
	})
	if err != nil {
		return "", &RefreshError{IdentityID: ident.ID, Err: err}
	}
	if shared {
		c.log.Debugw("joined in-flight refresh", "IdentityID", ident.ID)
	}
	return v.(string), nil
}
