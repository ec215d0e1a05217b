package auth

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"github.com/fleetlink/relay/common"
	"github.com/golang-jwt/jwt/v4"
)

// localClaims the JWT claim set trusted in local verification mode
type localClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	RegionID string `json:"region_id"`
	FullName string `json:"full_name"`
	jwt.RegisteredClaims
}

// localTokenVerifier implements TokenVerifier by verifying the token
// signature locally and trusting the embedded claims. Used only when the
// identity provider is unreachable or deliberately disabled.
type localTokenVerifier struct {
	common.Component
	secret []byte
}

// getLocalTokenVerifier define a local fallback verifier
func getLocalTokenVerifier(config common.LocalAuthConfig) (TokenVerifier, error) {
	if config.SigningSecret == "" {
		return nil, fmt.Errorf("local verification requires a signing secret")
	}
	logTags := log.Fields{
		"module": "auth", "component": "local-verifier",
	}
	return &localTokenVerifier{
		Component: common.Component{LogTags: logTags},
		secret:    []byte(config.SigningSecret),
	}, nil
}

// Verify check the token signature and expiry against the shared secret
func (v *localTokenVerifier) Verify(ctxt context.Context, token string) (Principal, error) {
	claims := localClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, &AuthError{Reason: "invalid credential", Definitive: true, Cause: err}
	}
	if !parsed.Valid || claims.Subject == "" {
		return Principal{}, &AuthError{Reason: "invalid credential", Definitive: true}
	}
	return Principal{
		ID:       claims.Subject,
		Username: claims.Username,
		Role:     claims.Role,
		RegionID: claims.RegionID,
		FullName: claims.FullName,
	}, nil
}
