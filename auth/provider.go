package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/fleetlink/relay/common"
)

// tokenClaims the claim set embedded in an access token, and also the claim
// shape the identity provider reports back on verification
type tokenClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	RegionID string `json:"region_id"`
	FullName string `json:"full_name"`
}

// verifyResponse identity provider response on token verification
type verifyResponse struct {
	ID     string      `json:"id" validate:"required"`
	Email  string      `json:"email"`
	Claims tokenClaims `json:"claims"`
}

// profileRecord profile store response
type profileRecord struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	RegionID string `json:"region_id"`
	FullName string `json:"full_name"`
}

// identityProviderVerifier implements TokenVerifier against the external
// identity provider, with best-effort profile enrichment
type identityProviderVerifier struct {
	common.Component
	client     *http.Client
	verifyURI  string
	profileURI string
}

// getIdentityProviderVerifier define an identity provider backed verifier
func getIdentityProviderVerifier(config common.AuthProviderConfig) (TokenVerifier, error) {
	logTags := log.Fields{
		"module": "auth", "component": "identity-provider", "instance": config.VerifyURI,
	}
	return &identityProviderVerifier{
		Component:  common.Component{LogTags: logTags},
		client:     &http.Client{Timeout: time.Second * time.Duration(config.RequestTimeout)},
		verifyURI:  config.VerifyURI,
		profileURI: config.ProfileURI,
	}, nil
}

// Verify validate the token against the identity provider
func (v *identityProviderVerifier) Verify(ctxt context.Context, token string) (Principal, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return Principal{}, &AuthError{Reason: "unable to form verify request", Cause: err}
	}
	req, err := http.NewRequestWithContext(
		ctxt, http.MethodPost, v.verifyURI, bytes.NewReader(body),
	)
	if err != nil {
		return Principal{}, &AuthError{Reason: "unable to form verify request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		// Transport failure is non-definitive so a fallback strategy may run
		return Principal{}, &AuthError{Reason: "identity provider unreachable", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Principal{}, &AuthError{
			Reason:     fmt.Sprintf("identity provider rejected credential (%d)", resp.StatusCode),
			Definitive: true,
		}
	}

	var verified verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&verified); err != nil {
		return Principal{}, &AuthError{Reason: "malformed identity provider response", Cause: err}
	}
	if verified.ID == "" {
		return Principal{}, &AuthError{
			Reason: "identity provider response missing subject ID", Definitive: true,
		}
	}

	// Build the principal from token claims, then attempt profile enrichment.
	// Enrichment failure must never reject a valid credential.
	principal := Principal{
		ID:       verified.ID,
		Username: verified.Claims.Username,
		Role:     verified.Claims.Role,
		RegionID: verified.Claims.RegionID,
		FullName: verified.Claims.FullName,
	}
	if v.profileURI != "" {
		if profile, err := v.fetchProfile(ctxt, verified.ID); err != nil {
			log.WithError(err).WithFields(v.LogTags).Warnf(
				"Profile lookup for %s failed, using token claims", verified.ID,
			)
		} else {
			principal.Username = profile.Username
			principal.Role = profile.Role
			principal.RegionID = profile.RegionID
			principal.FullName = profile.FullName
		}
	}
	return principal, nil
}

// fetchProfile read the richer user profile from the profile store
func (v *identityProviderVerifier) fetchProfile(
	ctxt context.Context, userID string,
) (profileRecord, error) {
	uri := fmt.Sprintf("%s/%s", v.profileURI, userID)
	req, err := http.NewRequestWithContext(ctxt, http.MethodGet, uri, nil)
	if err != nil {
		return profileRecord{}, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return profileRecord{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return profileRecord{}, fmt.Errorf("profile store returned %d", resp.StatusCode)
	}
	var profile profileRecord
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return profileRecord{}, err
	}
	return profile, nil
}
