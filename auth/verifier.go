package auth

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"github.com/fleetlink/relay/common"
)

// Principal an authenticated caller
type Principal struct {
	ID       string `json:"id" validate:"required"`
	Username string `json:"username"`
	Role     string `json:"role"`
	RegionID string `json:"region_id"`
	FullName string `json:"full_name"`
}

// AuthError a credential verification failure. Fatal to one connection only,
// never to the process.
type AuthError struct {
	// Reason human readable rejection reason
	Reason string
	// Definitive marks a rejection of the credential itself; a non-definitive
	// failure (provider unreachable) allows later strategies to run.
	Definitive bool
	// Cause underlying error, if any
	Cause error
}

// Error implements error
func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("auth failure: %s: %s", e.Reason, e.Cause)
	}
	return fmt.Sprintf("auth failure: %s", e.Reason)
}

// Unwrap support for errors.Is / errors.As
func (e *AuthError) Unwrap() error { return e.Cause }

// TokenVerifier validates an inbound credential, producing a Principal
type TokenVerifier interface {
	Verify(ctxt context.Context, token string) (Principal, error)
}

// ==========================================================================

// verifierChain implements TokenVerifier over an ordered list of strategies.
// Strategies run in order until one accepts; a definitive rejection stops the
// chain immediately.
type verifierChain struct {
	common.Component
	strategies []TokenVerifier
}

// Verify run the strategies in order
func (c *verifierChain) Verify(ctxt context.Context, token string) (Principal, error) {
	var lastErr error
	for _, strategy := range c.strategies {
		principal, err := strategy.Verify(ctxt, token)
		if err == nil {
			return principal, nil
		}
		lastErr = err
		if authErr, ok := err.(*AuthError); ok && authErr.Definitive {
			return Principal{}, err
		}
		log.WithError(err).WithFields(c.LogTags).Debug(
			"Verification strategy failed, trying next",
		)
	}
	if lastErr == nil {
		lastErr = &AuthError{Reason: "no verification strategy enabled", Definitive: true}
	}
	return Principal{}, lastErr
}

// GetTokenVerifier assemble the verifier chain from config. The identity
// provider is always first; local verification joins the chain only when
// explicitly enabled.
func GetTokenVerifier(config common.AuthConfig) (TokenVerifier, error) {
	logTags := log.Fields{
		"module": "auth", "component": "verifier-chain",
	}
	strategies := []TokenVerifier{}
	remote, err := getIdentityProviderVerifier(config.Provider)
	if err != nil {
		return nil, err
	}
	strategies = append(strategies, remote)
	if config.Local.Enabled {
		local, err := getLocalTokenVerifier(config.Local)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, local)
		log.WithFields(logTags).Warn("Local token verification fallback enabled")
	}
	return &verifierChain{
		Component: common.Component{LogTags: logTags}, strategies: strategies,
	}, nil
}
